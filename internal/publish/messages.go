package publish

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// UserMessage maps a terminal category to an actionable, provider-agnostic message.
// Raw provider text never reaches the user; it stays in logs and result rows.
func UserMessage(cat Category, reason, platform string, resetAt, now time.Time) string {
	switch cat {
	case CategoryNone:
		return fmt.Sprintf("Published to %s.", platform)
	case CategoryPermanentAuthExpired:
		if reason == ReasonNoConnection {
			return fmt.Sprintf("Connect your %s account to publish there.", platform)
		}
		return fmt.Sprintf("Reconnect this %s channel; its authorization has expired.", platform)
	case CategoryQuotaExceeded:
		if resetAt.IsZero() {
			return fmt.Sprintf("Daily %s limit reached.", platform)
		}
		return fmt.Sprintf("Daily %s limit reached; resets %s.", platform, humanize.RelTime(resetAt, now, "ago", "from now"))
	case CategoryDuplicateConflict:
		return fmt.Sprintf("This content was already published to %s recently.", platform)
	case CategoryPermanentValidation:
		if reason == ReasonNoAdapter {
			return fmt.Sprintf("Publishing to %s is not supported yet.", platform)
		}
		return fmt.Sprintf("%s rejected this post; edit it and try again.", platform)
	case CategoryTransientNetwork, CategoryTransientRateLimited, CategoryExhaustedRetries:
		return fmt.Sprintf("%s is not responding right now; try again later.", platform)
	case CategoryCancelled:
		if reason == ReasonDeliveryUnknown {
			return fmt.Sprintf("Publishing to %s timed out and may have gone through; check the channel before retrying.", platform)
		}
		return fmt.Sprintf("Publishing to %s was interrupted; try again.", platform)
	default:
		return fmt.Sprintf("Publishing to %s failed.", platform)
	}
}
