package documents

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/rag-workspace/internal/model"
	"github.com/capitalize-ai/rag-workspace/pkg/logger"
)

const testInterval = 10 * time.Millisecond

// fakeServer advances one processing document to ready after a number of
// refreshes.
type fakeServer struct {
	registry   *Registry
	readyAfter int32
	calls      atomic.Int32
	fail       atomic.Bool
}

func (f *fakeServer) refresh(ctx context.Context) error {
	n := f.calls.Add(1)
	if f.fail.Load() {
		return errors.New("unavailable")
	}
	gen := f.registry.Generation()
	doc := model.Document{ID: 1, Filename: "a.pdf", IsActive: true}
	if n >= f.readyAfter {
		doc.ChunkCount, doc.EmbeddedCount = 2, 2
	}
	f.registry.ReplaceDocuments([]model.Document{doc})
	f.registry.ExpireUnconfirmed(gen)
	return nil
}

func newTestPoller(t *testing.T, readyAfter int32) (*Poller, *fakeServer) {
	t.Helper()
	r := NewRegistry()
	r.ReplaceDocuments([]model.Document{{ID: 1, Filename: "a.pdf", IsActive: true}})
	f := &fakeServer{registry: r, readyAfter: readyAfter}
	p := NewPoller(r, f.refresh, testInterval, logger.NewNop())
	t.Cleanup(p.Stop)
	return p, f
}

func TestPollerGoesIdleWhenReady(t *testing.T) {
	p, f := newTestPoller(t, 3)

	require.True(t, p.Activate(context.Background()))
	assert.Equal(t, StatePolling, p.State())
	assert.False(t, p.Activate(context.Background()), "already polling")

	require.Eventually(t, func() bool { return p.State() == StateIdle }, time.Second, time.Millisecond)
	assert.Equal(t, int32(3), f.calls.Load())

	time.Sleep(5 * testInterval)
	assert.Equal(t, int32(3), f.calls.Load(), "no refreshes while idle")
}

func TestPollerDoesNotStartWithNothingPending(t *testing.T) {
	r := NewRegistry()
	r.ReplaceDocuments([]model.Document{{ID: 1, ChunkCount: 1, EmbeddedCount: 1}})
	var calls atomic.Int32
	p := NewPoller(r, func(context.Context) error { calls.Add(1); return nil }, testInterval, logger.NewNop())

	assert.False(t, p.Activate(context.Background()))
	assert.Equal(t, StateIdle, p.State())
	time.Sleep(3 * testInterval)
	assert.Zero(t, calls.Load())
}

func TestPollerKeepsPollingNeedsRetry(t *testing.T) {
	r := NewRegistry()
	stuck := []model.Document{{ID: 1, ChunkCount: 3, EmbeddedCount: 0, IsActive: true}}
	r.ReplaceDocuments(stuck)
	var calls atomic.Int32
	p := NewPoller(r, func(context.Context) error {
		calls.Add(1)
		r.ReplaceDocuments(stuck)
		return nil
	}, testInterval, logger.NewNop())
	t.Cleanup(p.Stop)

	require.True(t, p.Activate(context.Background()))
	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)
	assert.Equal(t, StatePolling, p.State())
}

func TestPollerSurvivesRefreshErrors(t *testing.T) {
	p, f := newTestPoller(t, 1)
	f.fail.Store(true)

	require.True(t, p.Activate(context.Background()))
	require.Eventually(t, func() bool { return f.calls.Load() >= 2 }, time.Second, time.Millisecond)
	assert.Equal(t, StatePolling, p.State())

	f.fail.Store(false)
	require.Eventually(t, func() bool { return p.State() == StateIdle }, time.Second, time.Millisecond)
}

func TestPollerStopCancelsTimer(t *testing.T) {
	p, f := newTestPoller(t, 1000)

	require.True(t, p.Activate(context.Background()))
	require.Eventually(t, func() bool { return f.calls.Load() >= 1 }, time.Second, time.Millisecond)

	p.Stop()
	assert.Equal(t, StateIdle, p.State())
	after := f.calls.Load()
	time.Sleep(5 * testInterval)
	assert.Equal(t, after, f.calls.Load(), "no refresh fires after Stop")

	p.Stop()
}

func TestPollerContextCancellation(t *testing.T) {
	p, f := newTestPoller(t, 1000)
	ctx, cancel := context.WithCancel(context.Background())

	require.True(t, p.Activate(ctx))
	cancel()
	require.Eventually(t, func() bool { return p.State() == StateIdle }, time.Second, time.Millisecond)
	after := f.calls.Load()
	time.Sleep(5 * testInterval)
	assert.Equal(t, after, f.calls.Load())
}

func TestPollerFreshActivation(t *testing.T) {
	p, f := newTestPoller(t, 1)

	require.True(t, p.Activate(context.Background()))
	require.Eventually(t, func() bool { return p.State() == StateIdle }, time.Second, time.Millisecond)

	// A new upload lands.
	p.registry.AddPending([]model.UploadAck{{ID: 2, Filename: "b.pdf"}}, nil)
	require.True(t, p.Activate(context.Background()))
	require.Eventually(t, func() bool { return p.State() == StateIdle }, time.Second, time.Millisecond)
	assert.Equal(t, int32(2), f.calls.Load())
}
