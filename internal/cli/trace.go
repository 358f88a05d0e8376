package cli

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/framepace/internal/store"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database string
	Session  string // empty = latest
	Limit    int
	List     bool
}

// TraceSession describes a recorded session.
type TraceSession struct {
	ID        string `json:"id"`
	StartedAt string `json:"started_at"`
	EndedAt   string `json:"ended_at,omitempty"`
	Config    string `json:"config,omitempty"`
}

// TraceDelivery is one delivery in the timeline.
type TraceDelivery struct {
	Seq        int64  `json:"seq"`
	Dispatcher string `json:"dispatcher"`
	Token      string `json:"token"`
	Owner      uint32 `json:"owner"`
	Vsync      uint64 `json:"vsync"`
	Outcome    string `json:"outcome"`
	Duration   string `json:"duration"`
	Error      string `json:"error,omitempty"`
}

// RateChange is a decision whose vote, source, or divisor differs from
// the one before it.
type RateChange struct {
	Seq      int64  `json:"seq"`
	At       string `json:"at"`
	Vote     int    `json:"vote"`
	Layer    string `json:"layer,omitempty"`
	Priority int32  `json:"priority"`
	Divisor  int    `json:"divisor"`
	Fallback bool   `json:"fallback"`
	Hash     string `json:"hash"`
}

// TraceStats holds summary counts for a session.
type TraceStats struct {
	Decisions int              `json:"decisions"`
	Fallbacks int              `json:"fallbacks"`
	Outcomes  map[string]int64 `json:"outcomes"` // "dispatcher/outcome" -> count
}

// TraceResult holds the complete trace output.
type TraceResult struct {
	Session     TraceSession    `json:"session"`
	RateChanges []RateChange    `json:"rate_changes"`
	Deliveries  []TraceDelivery `json:"deliveries"`
	Stats       TraceStats      `json:"stats"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Inspect a recorded session",
		Long: `Inspect a session recorded by "framepace run --db".

Shows the refresh rate changes, the first --limit deliveries, and delivery
outcome counts per dispatcher. Without --session the latest session is used.

Examples:
  framepace trace --db ./framepace.db --list
  framepace trace --db ./framepace.db
  framepace trace --db ./framepace.db --session 0192... --limit 50 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Session, "session", "", "session id (default latest)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "deliveries to show (0 for all)")
	cmd.Flags().BoolVar(&opts.List, "list", false, "list sessions instead")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := opts.formatter(cmd)

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	if opts.List {
		return listSessions(ctx, st, formatter, cmd)
	}

	var info store.SessionInfo
	if opts.Session != "" {
		info, err = st.Session(ctx, opts.Session)
	} else {
		info, err = st.LatestSession(ctx)
	}
	if errors.Is(err, store.ErrSessionNotFound) {
		if formatter.JSON() {
			_ = formatter.Error(CodeStore, err.Error(), nil)
		}
		return WrapExitError(ExitCommandError, "no such session", err)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read session", err)
	}

	result, err := buildTrace(ctx, st, info, opts.Limit)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read trace", err)
	}

	if formatter.JSON() {
		return formatter.encode(CLIResponse{Status: "ok", Data: result, Session: info.ID})
	}
	printTrace(cmd, result)
	return nil
}

func buildTrace(ctx context.Context, st *store.Store, info store.SessionInfo, limit int) (TraceResult, error) {
	result := TraceResult{
		Session:     sessionView(info),
		RateChanges: []RateChange{},
		Deliveries:  []TraceDelivery{},
		Stats:       TraceStats{Outcomes: map[string]int64{}},
	}

	decisions, err := st.Decisions(ctx, info.ID)
	if err != nil {
		return result, err
	}
	result.Stats.Decisions = len(decisions)
	for i, d := range decisions {
		if d.Fallback {
			result.Stats.Fallbacks++
		}
		if i > 0 {
			prev := decisions[i-1]
			if prev.Vote == d.Vote && prev.Source == d.Source && prev.Divisor == d.Divisor {
				continue
			}
		}
		result.RateChanges = append(result.RateChanges, RateChange{
			Seq:      d.Seq,
			At:       d.At.UTC().Format(time.RFC3339Nano),
			Vote:     d.Vote,
			Layer:    d.SourceName,
			Priority: d.Priority,
			Divisor:  d.Divisor,
			Fallback: d.Fallback,
			Hash:     d.Hash,
		})
	}

	deliveries, err := st.Deliveries(ctx, info.ID, limit)
	if err != nil {
		return result, err
	}
	for _, d := range deliveries {
		result.Deliveries = append(result.Deliveries, TraceDelivery{
			Seq:        d.Seq,
			Dispatcher: d.Dispatcher,
			Token:      d.Token,
			Owner:      d.Owner,
			Vsync:      d.Count,
			Outcome:    d.Outcome,
			Duration:   d.Duration.String(),
			Error:      d.Error,
		})
	}

	counts, err := st.OutcomeCounts(ctx, info.ID)
	if err != nil {
		return result, err
	}
	for _, c := range counts {
		result.Stats.Outcomes[c.Dispatcher+"/"+c.Outcome] = c.Count
	}
	return result, nil
}

func listSessions(ctx context.Context, st *store.Store, formatter *OutputFormatter, cmd *cobra.Command) error {
	sessions, err := st.Sessions(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list sessions", err)
	}
	views := make([]TraceSession, len(sessions))
	for i, s := range sessions {
		views[i] = sessionView(s)
		views[i].Config = ""
	}

	if formatter.JSON() {
		return formatter.Success(views)
	}
	w := cmd.OutOrStdout()
	if len(views) == 0 {
		fmt.Fprintln(w, "No sessions recorded.")
		return nil
	}
	for _, v := range views {
		ended := v.EndedAt
		if ended == "" {
			ended = "running"
		}
		fmt.Fprintf(w, "%s  %s  %s\n", v.ID, v.StartedAt, ended)
	}
	return nil
}

func sessionView(info store.SessionInfo) TraceSession {
	v := TraceSession{
		ID:        info.ID,
		StartedAt: info.StartedAt.UTC().Format(time.RFC3339Nano),
		Config:    info.Config,
	}
	if !info.EndedAt.IsZero() {
		v.EndedAt = info.EndedAt.UTC().Format(time.RFC3339Nano)
	}
	return v
}

func printTrace(cmd *cobra.Command, r TraceResult) {
	w := cmd.OutOrStdout()
	sty := newStyles(w)
	fmt.Fprintf(w, "Session: %s\n", r.Session.ID)
	fmt.Fprintf(w, "Started: %s\n", r.Session.StartedAt)
	if r.Session.EndedAt != "" {
		fmt.Fprintf(w, "Ended:   %s\n", r.Session.EndedAt)
	}

	fmt.Fprintf(w, "\n%s (%d decisions, %d fallback):\n", sty.title.Render("Rate changes"), r.Stats.Decisions, r.Stats.Fallbacks)
	for _, c := range r.RateChanges {
		layerName := c.Layer
		if layerName == "" {
			layerName = "-"
		}
		fallback := ""
		if c.Fallback {
			fallback = sty.fail.Render(" [fallback]")
		}
		fmt.Fprintf(w, "  #%d vote %d from %s, divisor %d%s\n", c.Seq, c.Vote, layerName, c.Divisor, fallback)
	}

	fmt.Fprintf(w, "\n%s:\n", sty.title.Render("Deliveries"))
	for _, d := range r.Deliveries {
		line := fmt.Sprintf("  #%d %s owner %d vsync %d %s (%s)", d.Seq, d.Dispatcher, d.Owner, d.Vsync, d.Outcome, d.Duration)
		if d.Error != "" {
			line += ": " + d.Error
		}
		fmt.Fprintln(w, line)
	}

	fmt.Fprintf(w, "\n%s:\n", sty.title.Render("Outcomes"))
	for _, k := range slices.Sorted(maps.Keys(r.Stats.Outcomes)) {
		fmt.Fprintf(w, "  %-24s %d\n", k, r.Stats.Outcomes[k])
	}
}
