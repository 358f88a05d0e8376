package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/roach88/framepace/internal/canonical"
	"github.com/roach88/framepace/internal/dispatch"
	"github.com/roach88/framepace/internal/scheduler"
)

// ErrSessionEnded is returned by writes on an ended session.
var ErrSessionEnded = errors.New("session ended")

// Session records one run. It implements dispatch.Recorder and
// scheduler.Recorder; the recorder methods log write failures instead of
// returning them, so a full disk never stalls vsync delivery.
type Session struct {
	store  *Store
	id     string
	logger *slog.Logger
	ended  atomic.Bool
	errs   atomic.Int64
}

var (
	_ dispatch.Recorder  = (*Session)(nil)
	_ scheduler.Recorder = (*Session)(nil)
)

// BeginSession inserts a session row. config is stored as canonical JSON.
func (s *Store) BeginSession(ctx context.Context, id string, startedAt time.Time, config map[string]any) (*Session, error) {
	if id == "" {
		return nil, errors.New("begin session: empty id")
	}
	if config == nil {
		config = map[string]any{}
	}
	payload, err := canonical.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("begin session: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, started_at, config)
		VALUES (?, ?, ?)
	`, id, startedAt.UnixNano(), string(payload))
	if err != nil {
		return nil, fmt.Errorf("begin session: %w", err)
	}

	return &Session{store: s, id: id, logger: slog.Default()}, nil
}

// WithLogger replaces the session's logger.
func (sess *Session) WithLogger(logger *slog.Logger) *Session {
	if logger != nil {
		sess.logger = logger
	}
	return sess
}

// ID returns the session id.
func (sess *Session) ID() string {
	return sess.id
}

// WriteErrors counts recorder writes that failed.
func (sess *Session) WriteErrors() int64 {
	return sess.errs.Load()
}

// End stamps ended_at. Later writes fail with ErrSessionEnded.
func (sess *Session) End(ctx context.Context, endedAt time.Time) error {
	if !sess.ended.CompareAndSwap(false, true) {
		return nil
	}
	_, err := sess.store.db.ExecContext(ctx, `
		UPDATE sessions SET ended_at = ? WHERE id = ?
	`, endedAt.UnixNano(), sess.id)
	if err != nil {
		return fmt.Errorf("end session %s: %w", sess.id, err)
	}
	return nil
}

// WriteDelivery inserts one dispatch outcome.
func (sess *Session) WriteDelivery(ctx context.Context, rec dispatch.DeliveryRecord) error {
	if sess.ended.Load() {
		return ErrSessionEnded
	}
	_, err := sess.store.db.ExecContext(ctx, `
		INSERT INTO deliveries
		(session_id, dispatcher, token, owner, count, timestamp_ns, expected_present_ns, outcome, duration_ns, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		sess.id,
		rec.Dispatcher,
		rec.Token,
		int64(rec.Owner),
		int64(rec.Count),
		rec.Timestamp.UnixNano(),
		rec.ExpectedPresentTime.UnixNano(),
		rec.Outcome,
		int64(rec.Duration),
		rec.Error,
	)
	if err != nil {
		return fmt.Errorf("write delivery: %w", err)
	}
	return nil
}

// WriteDecision inserts one rate decision with its canonical payload and hash.
func (sess *Session) WriteDecision(ctx context.Context, d scheduler.Decision) error {
	if sess.ended.Load() {
		return ErrSessionEnded
	}
	payload := d.Payload()
	data, err := canonical.Marshal(payload)
	if err != nil {
		return fmt.Errorf("write decision: %w", err)
	}
	hash, err := canonical.Hash(canonical.DomainDecision, payload)
	if err != nil {
		return fmt.Errorf("write decision: %w", err)
	}

	fallback := 0
	if d.Fallback {
		fallback = 1
	}
	_, err = sess.store.db.ExecContext(ctx, `
		INSERT INTO rate_decisions
		(session_id, at_ns, vote, source, source_name, priority, candidates, period_ns, divisor, fallback, payload, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		sess.id,
		d.At.UnixNano(),
		d.Vote,
		int64(d.Source),
		d.SourceName,
		int64(d.Priority),
		d.Candidates,
		int64(d.Period),
		d.Divisor,
		fallback,
		string(data),
		hash,
	)
	if err != nil {
		return fmt.Errorf("write decision: %w", err)
	}
	return nil
}

// RecordDelivery implements dispatch.Recorder.
func (sess *Session) RecordDelivery(rec dispatch.DeliveryRecord) {
	if err := sess.WriteDelivery(context.Background(), rec); err != nil {
		sess.failed("delivery", err)
	}
}

// RecordDecision implements scheduler.Recorder.
func (sess *Session) RecordDecision(d scheduler.Decision) {
	if err := sess.WriteDecision(context.Background(), d); err != nil {
		sess.failed("decision", err)
	}
}

func (sess *Session) failed(kind string, err error) {
	if errors.Is(err, ErrSessionEnded) {
		return
	}
	if sess.errs.Add(1) == 1 {
		sess.logger.Warn("trace store write failed", "session", sess.id, "kind", kind, "error", err)
	}
}
