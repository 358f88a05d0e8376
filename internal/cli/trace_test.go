package cli

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/framepace/internal/dispatch"
	"github.com/roach88/framepace/internal/layer"
	"github.com/roach88/framepace/internal/scheduler"
	"github.com/roach88/framepace/internal/store"
)

// recordedSession writes a small session and returns the database path.
func recordedSession(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "trace.db")

	st, err := store.Open(path)
	require.NoError(t, err)
	defer st.Close()

	sess, err := st.BeginSession(ctx, "s1", time.Unix(100, 0), map[string]any{"clients": 1})
	require.NoError(t, err)

	decision := func(at int64, vote int, source layer.ID, name string, divisor int) scheduler.Decision {
		return scheduler.Decision{
			At:          time.Unix(100, at),
			Vote:        vote,
			Source:      source,
			SourceName:  name,
			Priority:    1,
			Candidates:  2,
			Period:      16666666,
			DisplayRate: 60,
			Divisor:     divisor,
		}
	}
	require.NoError(t, sess.WriteDecision(ctx, decision(1, 30, 3, "video", 2)))
	require.NoError(t, sess.WriteDecision(ctx, decision(2, 30, 3, "video", 2)))
	require.NoError(t, sess.WriteDecision(ctx, decision(3, 60, 2, "game", 1)))

	for i, outcome := range []string{"delivered", "delivered", "timeout"} {
		require.NoError(t, sess.WriteDelivery(ctx, dispatch.DeliveryRecord{
			Dispatcher: "app",
			Token:      "c1",
			Owner:      1001,
			Count:      uint64(i + 1),
			Timestamp:  time.Unix(100, int64(i)*16666666),
			Outcome:    outcome,
			Duration:   time.Millisecond,
		}))
	}
	require.NoError(t, sess.End(ctx, time.Unix(101, 0)))
	return path
}

func TestTrace_LatestSessionJSON(t *testing.T) {
	db := recordedSession(t)

	out, _, err := execute(t, "--format", "json", "trace", "--db", db)
	require.NoError(t, err)

	resp, result := decodeResponse[TraceResult](t, out)
	assert.Equal(t, "s1", resp.Session)
	assert.Equal(t, "s1", result.Session.ID)
	assert.NotEmpty(t, result.Session.EndedAt)
	assert.JSONEq(t, `{"clients":1}`, result.Session.Config)

	assert.Equal(t, 3, result.Stats.Decisions)
	require.Len(t, result.RateChanges, 2)
	assert.Equal(t, "video", result.RateChanges[0].Layer)
	assert.Equal(t, 60, result.RateChanges[1].Vote)
	assert.Len(t, result.RateChanges[0].Hash, 64)

	require.Len(t, result.Deliveries, 3)
	assert.Equal(t, uint64(3), result.Deliveries[2].Vsync)
	assert.Equal(t, map[string]int64{"app/delivered": 2, "app/timeout": 1}, result.Stats.Outcomes)
}

func TestTrace_Limit(t *testing.T) {
	db := recordedSession(t)

	out, _, err := execute(t, "--format", "json", "trace", "--db", db, "--session", "s1", "--limit", "1")
	require.NoError(t, err)

	_, result := decodeResponse[TraceResult](t, out)
	assert.Len(t, result.Deliveries, 1)
	assert.Equal(t, int64(3), result.Stats.Outcomes["app/delivered"]+result.Stats.Outcomes["app/timeout"])
}

func TestTrace_Text(t *testing.T) {
	db := recordedSession(t)

	out, _, err := execute(t, "trace", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "Session: s1")
	assert.Contains(t, out, "vote 30 from video, divisor 2")
	assert.Contains(t, out, "app/timeout")
}

func TestTrace_List(t *testing.T) {
	db := recordedSession(t)

	out, _, err := execute(t, "trace", "--db", db, "--list")
	require.NoError(t, err)
	assert.Contains(t, out, "s1  1970-01-01T00:01:40Z")
}

func TestTrace_UnknownSession(t *testing.T) {
	db := recordedSession(t)

	_, _, err := execute(t, "trace", "--db", db, "--session", "nope")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.ErrorIs(t, err, store.ErrSessionNotFound)
}

func TestTrace_RequiresDB(t *testing.T) {
	_, _, err := execute(t, "trace")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"db" not set`)
}
