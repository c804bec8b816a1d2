package queue

import (
	"math/rand"
	"runtime"
	"time"
)

// Policy carries the per-queue retry, concurrency and rate defaults.
type Policy struct {
	Queue         string
	MaxAttempts   int
	Concurrency   int
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	DispatchDelay time.Duration
	RateLimit     int
	RateWindow    time.Duration
}

func documentConcurrency() int {
	n := runtime.GOMAXPROCS(0) / 2
	if n < 1 {
		n = 1
	}
	if n > 4 {
		n = 4
	}
	return n
}

func defaultPolicies() map[string]Policy {
	return map[string]Policy{
		// One scrape per minute toward the source portal.
		QueueScraping: {
			Queue:       QueueScraping,
			MaxAttempts: 2,
			Concurrency: 2,
			BackoffBase: 5 * time.Second,
			BackoffCap:  5 * time.Minute,
			RateLimit:   1,
			RateWindow:  time.Minute,
		},
		QueueProcessing: {
			Queue:       QueueProcessing,
			MaxAttempts: 5,
			Concurrency: 5,
			BackoffBase: 2 * time.Second,
			BackoffCap:  5 * time.Minute,
		},
		// Small pre-dispatch delay gives senders a batching window.
		QueueNotification: {
			Queue:         QueueNotification,
			MaxAttempts:   3,
			Concurrency:   3,
			BackoffBase:   2 * time.Second,
			BackoffCap:    5 * time.Minute,
			DispatchDelay: 2 * time.Second,
		},
		QueueDocument: {
			Queue:       QueueDocument,
			MaxAttempts: 2,
			Concurrency: documentConcurrency(),
			BackoffBase: 2 * time.Second,
			BackoffCap:  5 * time.Minute,
		},
		// Cleanup never retries; the next scheduled run covers failures.
		QueueCleanup: {
			Queue:       QueueCleanup,
			MaxAttempts: 1,
			Concurrency: 1,
			BackoffBase: 2 * time.Second,
			BackoffCap:  5 * time.Minute,
		},
	}
}

func PolicyFor(queueName string) Policy {
	if p, ok := defaultPolicies()[queueName]; ok {
		return p
	}
	return Policy{
		Queue:       queueName,
		MaxAttempts: 3,
		Concurrency: 2,
		BackoffBase: 2 * time.Second,
		BackoffCap:  5 * time.Minute,
	}
}

// Backoff returns the delay before the given retry attempt (1-based) using
// full jitter over an exponentially growing cap.
func (p Policy) Backoff(attempt int) time.Duration {
	base := p.BackoffBase
	if base <= 0 {
		base = 2 * time.Second
	}
	cap := p.BackoffCap
	if cap <= 0 {
		cap = 5 * time.Minute
	}
	if attempt < 1 {
		attempt = 1
	}
	max := base
	for i := 1; i < attempt; i++ {
		max *= 2
		if max >= cap {
			max = cap
			break
		}
	}
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max) + 1))
}
