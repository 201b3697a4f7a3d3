package messaging

import (
	"context"
	"crypto/rand"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chainmsg/inbox"
)

// Watcher rescans the inbox on a jittered schedule and hands newly seen
// entries to a handler. Quiet periods stretch the interval up to four times
// the base.
type Watcher struct {
	mu               sync.Mutex
	session          *Session
	handler          func([]inbox.Result)
	baseInterval     time.Duration
	jitterPercent    int
	consecutiveEmpty int
	seen             map[string]struct{}

	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewWatcher creates a stopped watcher. handler runs on the watcher's
// goroutine.
func (s *Session) NewWatcher(interval time.Duration, handler func([]inbox.Result)) *Watcher {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Watcher{
		session:       s,
		handler:       handler,
		baseInterval:  interval,
		jitterPercent: 20,
		seen:          make(map[string]struct{}),
	}
}

// Start begins polling until ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	w.running = true

	go w.loop(ctx, w.done)
}

// Stop halts polling and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.cancel()
	done := w.done
	w.mu.Unlock()

	<-done
}

func (w *Watcher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		if _, err := w.Poll(ctx); err != nil && ctx.Err() == nil {
			logrus.WithFields(logrus.Fields{
				"function": "Watcher.loop",
				"error":    err.Error(),
			}).Warn("Inbox poll failed")
		}
		if err := w.session.time.Sleep(ctx, w.nextInterval()); err != nil {
			return
		}
	}
}

// Poll scans once and returns the entries not seen by earlier polls. Error
// entries are reported once per message id like any other entry.
func (w *Watcher) Poll(ctx context.Context) ([]inbox.Result, error) {
	results, err := w.session.scan(ctx, uuid.NewString())

	w.mu.Lock()
	if err != nil {
		w.consecutiveEmpty++
		w.mu.Unlock()
		return nil, err
	}
	var fresh []inbox.Result
	for _, r := range results {
		if _, ok := w.seen[r.ID]; ok {
			continue
		}
		w.seen[r.ID] = struct{}{}
		fresh = append(fresh, r)
	}
	if len(fresh) == 0 {
		w.consecutiveEmpty++
	} else {
		w.consecutiveEmpty = 0
	}
	w.mu.Unlock()

	if len(fresh) > 0 && w.handler != nil {
		w.handler(fresh)
	}
	return fresh, nil
}

// nextInterval applies quiet-period backoff and random jitter to the base
// interval.
func (w *Watcher) nextInterval() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	interval := w.baseInterval
	if w.consecutiveEmpty > 3 {
		multiplier := float64(w.consecutiveEmpty - 2)
		if multiplier > 4 {
			multiplier = 4
		}
		interval = time.Duration(float64(interval) * multiplier)
	}

	maxJitter := int64(float64(interval) * float64(w.jitterPercent) / 100.0)
	if maxJitter <= 0 {
		return interval
	}
	n, err := rand.Int(rand.Reader, big.NewInt(2*maxJitter))
	if err != nil {
		return interval
	}
	return interval + time.Duration(n.Int64()-maxJitter)
}

// Watch polls every interval until ctx is done and streams newly seen
// entries. The channel is closed when watching stops.
func (s *Session) Watch(ctx context.Context, interval time.Duration) <-chan inbox.Result {
	out := make(chan inbox.Result)
	w := s.NewWatcher(interval, func(batch []inbox.Result) {
		for _, r := range batch {
			select {
			case out <- r:
			case <-ctx.Done():
				return
			}
		}
	})
	w.Start(ctx)
	go func() {
		<-ctx.Done()
		w.Stop()
		close(out)
	}()
	return out
}
