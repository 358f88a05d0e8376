package scheduler

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/framepace/internal/dispatch"
	"github.com/roach88/framepace/internal/layer"
	"github.com/roach88/framepace/internal/testutil"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingDispatcher wraps a real dispatcher and records what the
// scheduler asks of it.
type recordingDispatcher struct {
	*dispatch.Dispatcher

	mu         sync.Mutex
	events     []dispatch.Event
	created    int
	registered int
}

func newRecordingDispatcher(name string) *recordingDispatcher {
	return &recordingDispatcher{
		Dispatcher: dispatch.New(
			dispatch.WithName(name),
			dispatch.WithLogger(discardLogger()),
			dispatch.WithTokenGenerator(testutil.NewSequenceGenerator(name)),
		),
	}
}

func (r *recordingDispatcher) Dispatch(ev dispatch.Event) bool {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return r.Dispatcher.Dispatch(ev)
}

func (r *recordingDispatcher) CreateEventConnection(owner dispatch.OwnerID, resync dispatch.ResyncCallback, opts ...dispatch.ConnectionOption) (*dispatch.Connection, error) {
	r.mu.Lock()
	r.created++
	r.mu.Unlock()
	return r.Dispatcher.CreateEventConnection(owner, resync, opts...)
}

func (r *recordingDispatcher) RegisterDisplayEventConnection(c *dispatch.Connection) error {
	r.mu.Lock()
	r.registered++
	r.mu.Unlock()
	return r.Dispatcher.RegisterDisplayEventConnection(c)
}

func (r *recordingDispatcher) dispatched() []dispatch.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]dispatch.Event(nil), r.events...)
}

// memRecorder collects decisions.
type memRecorder struct {
	mu        sync.Mutex
	decisions []Decision
}

func (m *memRecorder) RecordDecision(d Decision) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions = append(m.decisions, d)
}

type fixture struct {
	sched    *Scheduler
	tree     *layer.Tree
	timeline *testutil.FakeTimeline
	clock    *testutil.ManualClock
	app      *recordingDispatcher
	sf       *recordingDispatcher
	handles  []Handle
}

// newFixture sets up a scheduler over a 60Hz fake timeline with an "app" and
// an "sf" dispatcher, mirroring the two event threads of a compositor.
func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	f := &fixture{
		tree:     layer.NewTree(),
		timeline: testutil.NewFakeTimeline(DefaultFallbackPeriod, epoch),
		clock:    testutil.NewManualClock(epoch),
		app:      newRecordingDispatcher("app"),
		sf:       newRecordingDispatcher("sf"),
	}

	base := []Option{
		WithLogger(discardLogger()),
		WithLayers(f.tree),
		WithClock(f.clock.Now),
	}
	f.sched = New(append(base, opts...)...)

	handles, err := f.sched.Setup(f.timeline, f.timeline, f.app, f.sf)
	require.NoError(t, err)
	f.handles = handles
	return f
}

// voting creates a committed layer with the given vote and priority.
func (f *fixture) voting(t *testing.T, name string, hz int, p layer.Priority) *layer.Node {
	t.Helper()
	n := f.tree.NewNode(name)
	require.NoError(t, n.SetFrameRate(hz))
	require.NoError(t, n.SetFrameRateSelectionPriority(p))
	require.NoError(t, n.Commit())
	return n
}
