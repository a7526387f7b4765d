package documents

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/rag-workspace/pkg/logger"
	"github.com/capitalize-ai/rag-workspace/pkg/metrics"
)

// DefaultPollInterval is the refresh period while documents are ingesting.
const DefaultPollInterval = 5 * time.Second

// State is the poller's lifecycle state.
type State int

const (
	StateIdle State = iota
	StatePolling
)

func (s State) String() string {
	if s == StatePolling {
		return "polling"
	}
	return "idle"
}

// RefreshFunc replaces the registry's collections with fresh listings.
type RefreshFunc func(ctx context.Context) error

// Poller refreshes the registry on a fixed interval while any document is
// not ready, then goes idle. Each activation is independent of the last.
type Poller struct {
	registry *Registry
	refresh  RefreshFunc
	interval time.Duration
	logger   *logger.Logger

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller creates an idle poller.
func NewPoller(registry *Registry, refresh RefreshFunc, interval time.Duration, log *logger.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		registry: registry,
		refresh:  refresh,
		interval: interval,
		logger:   log,
	}
}

// State returns the current state.
func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Activate starts polling if the poller is idle and the registry reports a
// document that is not ready. The loop stops when ctx is cancelled, when
// Stop is called, or when a refresh finds nothing pending. It reports
// whether a new activation started.
func (p *Poller) Activate(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StatePolling {
		return false
	}
	pending := p.registry.Pending()
	metrics.PendingDocuments.Set(float64(pending))
	if pending == 0 {
		return false
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.state = StatePolling
	p.cancel = cancel
	p.done = done

	p.logger.Info("ingestion polling started", zap.Int("pending", pending), zap.Duration("interval", p.interval))
	go p.run(loopCtx, done)
	return true
}

// Stop cancels any active loop and waits for it to exit. No refresh is
// issued after Stop returns.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (p *Poller) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer p.finish(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := p.refresh(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			metrics.PollRefreshesTotal.WithLabelValues("error").Inc()
			p.logger.Warn("ingestion refresh failed", zap.Error(err))
			continue
		}
		metrics.PollRefreshesTotal.WithLabelValues("ok").Inc()

		pending := p.registry.Pending()
		metrics.PendingDocuments.Set(float64(pending))
		if pending == 0 {
			p.logger.Info("ingestion polling idle")
			return
		}
	}
}

// finish returns the poller to idle unless a newer activation replaced this one.
func (p *Poller) finish(done chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done != done {
		return
	}
	p.cancel()
	p.state = StateIdle
	p.cancel = nil
	p.done = nil
}
