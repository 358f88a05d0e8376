package dispatch

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memRecorder collects delivery records in memory.
type memRecorder struct {
	mu      sync.Mutex
	records []DeliveryRecord
}

func (r *memRecorder) RecordDelivery(rec DeliveryRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func (r *memRecorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func (r *memRecorder) outcomes(token string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, rec := range r.records {
		if rec.Token == token {
			out = append(out, rec.Outcome)
		}
	}
	return out
}

// newTestDispatcher creates a dispatcher with deterministic tokens c1..c8.
func newTestDispatcher(opts ...Option) *Dispatcher {
	base := []Option{
		WithLogger(discardLogger()),
		WithTokenGenerator(NewFixedGenerator("c1", "c2", "c3", "c4", "c5", "c6", "c7", "c8")),
	}
	return New(append(base, opts...)...)
}

// runDispatcher starts d.Run and stops it when the test ends.
func runDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func vsync(count uint64) Event {
	ts := time.Unix(0, int64(count)*int64(16*time.Millisecond))
	return Event{
		Count:               count,
		Timestamp:           ts,
		ExpectedPresentTime: ts.Add(16 * time.Millisecond),
		VsyncPeriod:         16 * time.Millisecond,
	}
}

// enabled creates and enables a connection.
func enabled(t *testing.T, d *Dispatcher, owner OwnerID, opts ...ConnectionOption) *Connection {
	t.Helper()
	c, err := d.CreateEventConnection(owner, nil, opts...)
	require.NoError(t, err)
	require.NoError(t, c.Enable())
	return c
}
