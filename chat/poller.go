package chat

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sourcegraph/conc/pool"
	jww "github.com/spf13/jwalterweatherman"
)

// DefaultPollInterval is how often watched conversations are re-synced.
const DefaultPollInterval = 15 * time.Second

const maxConcurrentPolls = 4

type watch struct {
	target  string
	isGroup bool
}

// Poller periodically syncs a set of watched conversations. Sync failures are
// logged and never stop the loop.
type Poller struct {
	engine   *Engine
	interval time.Duration
	clock    clock.Clock

	mux     sync.Mutex
	watched map[string]watch
}

// NewPoller returns a poller syncing through engine every interval.
func NewPoller(engine *Engine, interval time.Duration, c clock.Clock) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if c == nil {
		c = clock.New()
	}
	return &Poller{
		engine:   engine,
		interval: interval,
		clock:    c,
		watched:  make(map[string]watch),
	}
}

// Watch adds a conversation to the poll set and returns its key.
func (p *Poller) Watch(target string, isGroup bool) (string, error) {
	key, err := p.engine.ConversationKey(target, isGroup)
	if err != nil {
		return "", err
	}
	p.mux.Lock()
	p.watched[key] = watch{target: target, isGroup: isGroup}
	p.mux.Unlock()
	return key, nil
}

// Unwatch removes a conversation from the poll set.
func (p *Poller) Unwatch(key string) {
	p.mux.Lock()
	delete(p.watched, key)
	p.mux.Unlock()
}

// Watched returns the keys currently polled.
func (p *Poller) Watched() []string {
	p.mux.Lock()
	defer p.mux.Unlock()
	keys := make([]string, 0, len(p.watched))
	for k := range p.watched {
		keys = append(keys, k)
	}
	return keys
}

// Run polls until ctx is cancelled. The first round starts immediately.
func (p *Poller) Run(ctx context.Context) error {
	ticker := p.clock.Ticker(p.interval)
	defer ticker.Stop()

	jww.INFO.Printf("[POLL] polling every %s", p.interval)
	for {
		p.Poll(ctx)
		select {
		case <-ctx.Done():
			jww.INFO.Printf("[POLL] stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Poll runs one sync round over every watched conversation.
func (p *Poller) Poll(ctx context.Context) {
	p.mux.Lock()
	round := make(map[string]watch, len(p.watched))
	for k, w := range p.watched {
		round[k] = w
	}
	p.mux.Unlock()

	workers := pool.New().WithMaxGoroutines(maxConcurrentPolls)
	for key, w := range round {
		workers.Go(func() {
			if err := p.engine.SyncMessages(ctx, w.target, w.isGroup); err != nil {
				jww.WARN.Printf("[POLL] sync of %s failed: %v", key, err)
			}
		})
	}
	workers.Wait()
}
