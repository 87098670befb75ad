package ratelimit

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: within one window the limiter admits exactly min(n, limit)
// of n requests from a key.
func TestProperty_RateLimitingEnforcement(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("message limiter admits at most limit", prop.ForAll(
		func(limit, requests int) bool {
			ml := NewMessageLimiter(time.Minute, limit, testLogger())

			allowed := 0
			for i := 0; i < requests; i++ {
				if ml.Allow("key") {
					allowed++
				}
			}
			return allowed == min(requests, limit)
		},
		gen.IntRange(1, 200),
		gen.IntRange(1, 400),
	))

	// Property: Allow followed by Release leaves the count unchanged, so
	// connection slots never leak.
	properties.Property("connection slots never leak", prop.ForAll(
		func(capacity, opens int) bool {
			cl := NewConnectionLimiter(capacity)

			granted := 0
			for i := 0; i < opens; i++ {
				if cl.Allow("owner") {
					granted++
				}
			}
			if granted != min(opens, capacity) {
				return false
			}
			for i := 0; i < granted; i++ {
				cl.Release("owner")
			}
			return cl.GetCount("owner") == 0
		},
		gen.IntRange(1, 50),
		gen.IntRange(0, 100),
	))

	properties.TestingRun(t)
}
