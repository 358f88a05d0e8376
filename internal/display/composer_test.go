package display

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sliceSink struct {
	mu   sync.Mutex
	ts   []time.Time
	fail bool
}

func (s *sliceSink) AddVsyncTimestamp(ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("rejected")
	}
	s.ts = append(s.ts, ts)
	return nil
}

func (s *sliceSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ts)
}

func quiet() SyntheticOption {
	return WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestSyntheticComposer_Emit(t *testing.T) {
	sink := &sliceSink{}
	c := NewSyntheticComposer(time.Millisecond, sink, quiet())

	base := time.Unix(100, 0)
	c.Emit(base)
	assert.Equal(t, uint64(1), c.Emitted())
	assert.Equal(t, []time.Time{base}, sink.ts)

	sink.fail = true
	c.Emit(base.Add(time.Millisecond))
	assert.Equal(t, 1, c.Rejected())
	assert.Equal(t, uint64(1), c.Emitted())
}

func TestSyntheticComposer_JitterBounds(t *testing.T) {
	sink := &sliceSink{}
	c := NewSyntheticComposer(time.Millisecond, sink, quiet(), WithJitter(100*time.Microsecond))

	base := time.Unix(100, 0)
	for i := 0; i < 50; i++ {
		c.Emit(base)
	}
	for _, ts := range sink.ts {
		assert.LessOrEqual(t, ts.Sub(base).Abs(), 100*time.Microsecond)
	}
}

func TestSyntheticComposer_RunHonorsEnable(t *testing.T) {
	sink := &sliceSink{}
	c := NewSyntheticComposer(time.Millisecond, sink, quiet())
	require.NoError(t, c.SetVsyncEnabled(false))
	assert.False(t, c.VsyncEnabled())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, sink.len())

	require.NoError(t, c.SetVsyncEnabled(true))
	require.Eventually(t, func() bool { return sink.len() >= 3 }, 2*time.Second, time.Millisecond)

	assert.ErrorIs(t, c.Run(ctx), ErrAlreadyRunning)

	cancel()
	assert.NoError(t, <-done)
}
