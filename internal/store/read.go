package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrSessionNotFound is returned when a session id has no row.
var ErrSessionNotFound = errors.New("session not found")

// SessionInfo is one row of the sessions table.
type SessionInfo struct {
	ID        string
	StartedAt time.Time
	EndedAt   time.Time // zero while running
	Config    string
}

// DeliveryRow is a stored dispatch outcome.
type DeliveryRow struct {
	Seq                 int64
	Dispatcher          string
	Token               string
	Owner               uint32
	Count               uint64
	Timestamp           time.Time
	ExpectedPresentTime time.Time
	Outcome             string
	Duration            time.Duration
	Error               string
}

// DecisionRow is a stored rate decision.
type DecisionRow struct {
	Seq        int64
	At         time.Time
	Vote       int
	Source     uint64
	SourceName string
	Priority   int32
	Candidates int
	Period     time.Duration
	Divisor    int
	Fallback   bool
	Payload    string
	Hash       string
}

// OutcomeCount is the number of deliveries per dispatcher and outcome.
type OutcomeCount struct {
	Dispatcher string
	Outcome    string
	Count      int64
}

// Sessions lists sessions, newest first.
func (s *Store) Sessions(ctx context.Context) ([]SessionInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, ended_at, config
		FROM sessions
		ORDER BY started_at DESC, id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	sessions := []SessionInfo{}
	for rows.Next() {
		info, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// Session returns one session by id.
func (s *Store) Session(ctx context.Context, id string) (SessionInfo, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, started_at, ended_at, config
		FROM sessions
		WHERE id = ?
	`, id)
	info, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionInfo{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return info, err
}

// LatestSession returns the most recently started session.
func (s *Store) LatestSession(ctx context.Context) (SessionInfo, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, started_at, ended_at, config
		FROM sessions
		ORDER BY started_at DESC, id COLLATE BINARY ASC
		LIMIT 1
	`)
	info, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionInfo{}, ErrSessionNotFound
	}
	return info, err
}

// Deliveries returns a session's deliveries in insertion order. limit <= 0
// returns all of them.
func (s *Store) Deliveries(ctx context.Context, sessionID string, limit int) ([]DeliveryRow, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, dispatcher, token, owner, count, timestamp_ns, expected_present_ns, outcome, duration_ns, error
		FROM deliveries
		WHERE session_id = ?
		ORDER BY seq ASC
		LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	out := []DeliveryRow{}
	for rows.Next() {
		var (
			r                 DeliveryRow
			owner, count      int64
			ts, expected, dur int64
		)
		if err := rows.Scan(&r.Seq, &r.Dispatcher, &r.Token, &owner, &count, &ts, &expected, &r.Outcome, &dur, &r.Error); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		r.Owner = uint32(owner)
		r.Count = uint64(count)
		r.Timestamp = time.Unix(0, ts)
		r.ExpectedPresentTime = time.Unix(0, expected)
		r.Duration = time.Duration(dur)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deliveries: %w", err)
	}
	return out, nil
}

// Decisions returns a session's rate decisions in insertion order.
func (s *Store) Decisions(ctx context.Context, sessionID string) ([]DecisionRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, at_ns, vote, source, source_name, priority, candidates, period_ns, divisor, fallback, payload, hash
		FROM rate_decisions
		WHERE session_id = ?
		ORDER BY seq ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	out := []DecisionRow{}
	for rows.Next() {
		var (
			r                  DecisionRow
			at, source, period int64
			priority           int64
			fallback           int
		)
		if err := rows.Scan(&r.Seq, &at, &r.Vote, &source, &r.SourceName, &priority, &r.Candidates, &period, &r.Divisor, &fallback, &r.Payload, &r.Hash); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		r.At = time.Unix(0, at)
		r.Source = uint64(source)
		r.Priority = int32(priority)
		r.Period = time.Duration(period)
		r.Fallback = fallback != 0
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return out, nil
}

// OutcomeCounts summarizes a session's deliveries.
func (s *Store) OutcomeCounts(ctx context.Context, sessionID string) ([]OutcomeCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT dispatcher, outcome, COUNT(*)
		FROM deliveries
		WHERE session_id = ?
		GROUP BY dispatcher, outcome
		ORDER BY dispatcher COLLATE BINARY ASC, outcome COLLATE BINARY ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query outcome counts: %w", err)
	}
	defer rows.Close()

	out := []OutcomeCount{}
	for rows.Next() {
		var c OutcomeCount
		if err := rows.Scan(&c.Dispatcher, &c.Outcome, &c.Count); err != nil {
			return nil, fmt.Errorf("scan outcome count: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcome counts: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (SessionInfo, error) {
	var (
		info    SessionInfo
		started int64
		ended   sql.NullInt64
	)
	if err := row.Scan(&info.ID, &started, &ended, &info.Config); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SessionInfo{}, err
		}
		return SessionInfo{}, fmt.Errorf("scan session: %w", err)
	}
	info.StartedAt = time.Unix(0, started)
	if ended.Valid {
		info.EndedAt = time.Unix(0, ended.Int64)
	}
	return info, nil
}
