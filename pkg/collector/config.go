package collector

import (
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/lampwatch/lampwatch/pkg/retry"
	"github.com/lampwatch/lampwatch/pkg/storage"
)

// Configured sets up a Collector from flags.
func Configured(api API, store storage.Database) *Collector {
	c := New(api, store)

	directoryAttempts := lflag.Int("directory-attempts", 3, "Attempts at logging in and listing devices per cycle")
	fetchAttempts := lflag.Int("fetch-attempts", 4, "Attempts at fetching a single device's status per cycle")
	fetchBackoff := lflag.Duration("fetch-backoff", 0, "Wait before retrying a failed device fetch, doubled for each retry")
	concurrency := lflag.Int("concurrency", 0, "Maximum devices fetched at once, 0 for no limit")
	heartbeatTimeout := lflag.Duration("heartbeat-timeout", 30*time.Second, "Timeout for a heartbeat call")

	lflag.Do(func() {
		c.SetPolicies(
			retry.Policy{Attempts: *directoryAttempts},
			retry.Policy{Attempts: *fetchAttempts, Backoff: *fetchBackoff, MaxBackoff: time.Minute},
		)
		c.SetConcurrency(*concurrency)
		c.heartbeatTimeout = *heartbeatTimeout
	})

	return c
}
