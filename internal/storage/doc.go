// Package storage persists posts, channels, dispatch results, quota usage and the audit log.
//
// The same Store backs the duplicate guard (fingerprint history) and the quota ledger
// (usage rows), so a restart keeps both.
package storage
