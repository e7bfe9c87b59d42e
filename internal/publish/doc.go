// Package publish holds the shared vocabulary of the publish-resilience core:
// posts, channels, per-channel outcomes and the error taxonomy.
//
// The subpackages implement the core components:
//
//	retry      backoff + retryability classification
//	quota      per-platform daily budgets
//	health     channel credential state
//	duplicate  content fingerprint look-back
//	dispatcher the orchestrator tying them together
package publish
