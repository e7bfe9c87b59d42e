package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"crosspost/internal/publish"
)

// retryableStatus is the set of provider statuses worth another attempt.
var retryableStatus = map[int]bool{
	408: true,
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

var retryableFragments = []string{"network", "timeout", "rate limit", "temporary", "try again"}

// IsRetryable reports whether err is a transient failure. Pure: same error shape, same answer.
func IsRetryable(err error) bool {
	return Classify(err).Transient()
}

// Classify maps an attempt error onto the publish taxonomy.
//
// Order:
//  1. explicit publish.Error tags (the adapter knows best)
//  2. transport failures (reset, refused, timeouts, DNS)
//  3. retryable provider statuses
//  4. message fragments ("network", "timeout", "rate limit", "temporary", "try again")
//  5. everything else is permanent; 401/403 map to auth, the rest to validation
func Classify(err error) publish.Category {
	if err == nil {
		return publish.CategoryNone
	}
	if cat := publish.CategoryOf(err); cat != publish.CategoryNone {
		return cat
	}
	if isTransport(err) {
		return publish.CategoryTransientNetwork
	}

	code := publish.StatusCodeOf(err)
	if retryableStatus[code] {
		if code == 429 {
			return publish.CategoryTransientRateLimited
		}
		return publish.CategoryTransientNetwork
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "rate limit") {
		return publish.CategoryTransientRateLimited
	}
	for _, frag := range retryableFragments {
		if strings.Contains(msg, frag) {
			return publish.CategoryTransientNetwork
		}
	}

	if code == 401 || code == 403 {
		return publish.CategoryPermanentAuthExpired
	}
	return publish.CategoryPermanentValidation
}

func isTransport(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}
