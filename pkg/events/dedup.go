package events

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const dedupJanitorInterval = time.Minute

// Deduplicator tracks recently seen dedup keys for a retention window.
// It is the fast path in front of the durable uniqueness check on the
// queue table.
type Deduplicator struct {
	log    logrus.FieldLogger
	window time.Duration

	mu   sync.Mutex
	seen map[string]time.Time

	done chan struct{}
	wg   sync.WaitGroup
}

// NewDeduplicator creates a deduplicator with the given retention
// window.
func NewDeduplicator(log logrus.FieldLogger, window time.Duration) *Deduplicator {
	return &Deduplicator{
		log:    log.WithField("component", "dedup"),
		window: window,
		seen:   make(map[string]time.Time, 256),
		done:   make(chan struct{}),
	}
}

// Start launches the janitor that expires keys past the window.
func (d *Deduplicator) Start() error {
	d.wg.Add(1)

	go func() {
		defer d.wg.Done()

		ticker := time.NewTicker(dedupJanitorInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				d.expire()
			case <-d.done:
				return
			}
		}
	}()

	return nil
}

// Stop halts the janitor.
func (d *Deduplicator) Stop() error {
	close(d.done)
	d.wg.Wait()

	return nil
}

// Seen reports whether the key was observed within the window, and
// records it either way. The check and the record are one atomic step.
func (d *Deduplicator) Seen(key string) bool {
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	at, ok := d.seen[key]
	d.seen[key] = now

	return ok && now.Sub(at) < d.window
}

// Reset forgets every key of one instance. Dedup keys are prefixed with
// the instance id.
func (d *Deduplicator) Reset(instanceID uint) {
	prefix := strconv.FormatUint(uint64(instanceID), 10) + ":"

	d.mu.Lock()
	defer d.mu.Unlock()

	for key := range d.seen {
		if strings.HasPrefix(key, prefix) {
			delete(d.seen, key)
		}
	}
}

func (d *Deduplicator) expire() {
	cutoff := time.Now().Add(-d.window)

	d.mu.Lock()
	defer d.mu.Unlock()

	evicted := 0

	for key, at := range d.seen {
		if at.Before(cutoff) {
			delete(d.seen, key)
			evicted++
		}
	}

	if evicted > 0 {
		d.log.WithField("evicted", evicted).Debug("Expired dedup keys")
	}
}
