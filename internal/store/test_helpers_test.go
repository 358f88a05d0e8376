package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/framepace/internal/dispatch"
	"github.com/roach88/framepace/internal/layer"
	"github.com/roach88/framepace/internal/scheduler"
)

// createTestStore opens a store in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func beginTestSession(t *testing.T, s *Store, id string, startedAt time.Time) *Session {
	t.Helper()
	sess, err := s.BeginSession(context.Background(), id, startedAt, map[string]any{"dispatchers": []string{"app", "sf"}})
	require.NoError(t, err)
	return sess
}

func testDelivery(dispatcher, token string, count uint64, outcome string) dispatch.DeliveryRecord {
	ts := time.Unix(0, int64(count)*16666666)
	return dispatch.DeliveryRecord{
		Dispatcher:          dispatcher,
		Token:               token,
		Owner:               1000,
		Count:               count,
		Timestamp:           ts,
		ExpectedPresentTime: ts.Add(16666666),
		Outcome:             outcome,
		Duration:            time.Millisecond,
	}
}

func testDecision(at time.Time, vote int, source layer.ID, prio layer.Priority) scheduler.Decision {
	return scheduler.Decision{
		At:          at,
		Vote:        vote,
		Source:      source,
		SourceName:  "video",
		Priority:    prio,
		Candidates:  2,
		Period:      8333333,
		DisplayRate: 120.00001,
		Divisor:     2,
	}
}
