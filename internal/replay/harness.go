package replay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/action"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/audit"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/bounds"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/engine"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/learning"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/observation"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/oracle"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/ranking"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// #region types
// Interaction represents a single recorded cycle for replay.
type Interaction struct {
	CycleID string
	At      time.Time
	Fields  observation.Fields
	// Proposal, when set, is what the oracle answered. OracleError takes
	// precedence over it.
	Proposal       *action.RawProposal
	OracleError    string
	Feedback       *action.Feedback
	ManualOverride string
}

// ReplayConfig bundles the engine, learning and oracle settings for a run.
type ReplayConfig struct {
	Engine                engine.Config
	Learning              learning.Config
	Table                 bounds.Table
	StaticDurationSeconds int
	// Store receives the rankings; a fresh in-memory store when nil.
	Store  ranking.Store
	Logger *zap.Logger
}

// DefaultReplayConfig returns the production engine and learning settings.
func DefaultReplayConfig() ReplayConfig {
	return ReplayConfig{
		Engine:                engine.DefaultConfig(),
		Learning:              learning.DefaultConfig(),
		Table:                 bounds.Default(),
		StaticDurationSeconds: 120,
	}
}

// ReplayResult captures the outcome of replaying one cycle.
type ReplayResult struct {
	CycleID    string        `json:"cycle_id"`
	DecisionID string        `json:"decision_id"`
	Origin     action.Origin `json:"origin"`
	Strategy   string        `json:"strategy"`
	Safe       bool          `json:"safe"`
	Violations int           `json:"violations"`
	Warnings   int           `json:"warnings"`
	Reason     string        `json:"reason,omitempty"`

	// Feedback stage, empty when the cycle carried none.
	FeedbackOutcome string          `json:"feedback_outcome,omitempty"`
	Delta           *learning.Delta `json:"delta,omitempty"`
}

// ReplaySummary provides aggregate stats from a replay run.
type ReplaySummary struct {
	TotalCycles     int  `json:"total_cycles"`
	Validated       int  `json:"validated"`
	Extended        int  `json:"extended"`
	Reused          int  `json:"reused"`
	Fallbacks       int  `json:"fallbacks"`
	FeedbackApplied int  `json:"feedback_applied"`
	Conflicts       int  `json:"conflicts"`
	AuditEntries    int  `json:"audit_entries"`
	AuditVerified   bool `json:"audit_verified"`
}

// #endregion types

// #region backend
// recordedBackend answers with the current interaction's recording and
// otherwise defers to the static backend.
type recordedBackend struct {
	mu      sync.Mutex
	current *Interaction
	static  oracle.StaticBackend
}

func (b *recordedBackend) Propose(ctx context.Context, req oracle.Request) (action.RawProposal, error) {
	b.mu.Lock()
	inter := b.current
	b.mu.Unlock()
	switch {
	case inter != nil && inter.OracleError != "":
		return action.RawProposal{}, fmt.Errorf("%w: %s", oracle.ErrOracleUnavailable, inter.OracleError)
	case inter != nil && inter.Proposal != nil:
		return *inter.Proposal, nil
	}
	return b.static.Propose(ctx, req)
}

func (b *recordedBackend) set(inter *Interaction) {
	b.mu.Lock()
	b.current = inter
	b.mu.Unlock()
}

// #endregion backend

// #region replay
// Replay drives every interaction through a fresh engine in order: cycle,
// then feedback, then manual override. Time comes from the interactions, so
// runs are deterministic apart from decision IDs.
func Replay(ctx context.Context, interactions []Interaction, config ReplayConfig) ([]ReplayResult, ReplaySummary, error) {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	store := config.Store
	if store == nil {
		store = ranking.NewMemoryStore()
	}
	rec := audit.NewMemoryRecorder()
	backend := &recordedBackend{static: oracle.StaticBackend{DurationSeconds: config.StaticDurationSeconds}}

	var now time.Time
	eng := engine.New(config.Engine, engine.Deps{
		Oracle:  backend,
		Tracker: learning.NewTracker(store, config.Learning, logger),
		Table:   config.Table,
		Audit:   rec,
		Logger:  logger,
		Clock:   func() time.Time { return now },
	})

	results := make([]ReplayResult, 0, len(interactions))
	for i := range interactions {
		if err := ctx.Err(); err != nil {
			return results, Summarize(results), err
		}
		inter := &interactions[i]
		now = inter.At
		backend.set(inter)

		res := eng.RunCycle(ctx, inter.Fields)
		r := ReplayResult{
			CycleID:    inter.CycleID,
			DecisionID: res.Decision.ID,
			Origin:     res.Decision.Origin,
			Strategy:   res.Decision.StrategyName,
			Safe:       res.Check.IsSafe,
			Violations: len(res.Check.Violations),
			Warnings:   len(res.Check.Warnings),
		}
		if res.Err != nil {
			r.Reason = res.Err.Error()
		} else if !res.Check.IsSafe {
			r.Reason = res.Check.Summary()
		}

		if inter.Feedback != nil {
			fb := *inter.Feedback
			fb.DecisionID = res.Decision.ID
			delta, err := eng.Learn(ctx, fb)
			r.Delta = &delta
			r.FeedbackOutcome = feedbackOutcome(delta, err)
		}
		if inter.ManualOverride != "" {
			if err := eng.ManualOverride(ctx, inter.ManualOverride); err != nil {
				return results, Summarize(results), fmt.Errorf("cycle %s: %w", inter.CycleID, err)
			}
		}
		results = append(results, r)
	}

	summary := Summarize(results)
	entries, err := rec.List(ctx, audit.Filter{})
	if err != nil {
		return results, summary, err
	}
	summary.AuditEntries = len(entries)
	summary.AuditVerified = rec.Verify(ctx) == nil
	return results, summary, nil
}

func feedbackOutcome(d learning.Delta, err error) string {
	switch {
	case errors.Is(err, learning.ErrLearningConflict):
		return "conflict"
	case err != nil:
		return "error"
	case d.Applied:
		return "applied"
	}
	return "skipped"
}

// Summarize computes aggregate stats from replay results.
func Summarize(results []ReplayResult) ReplaySummary {
	s := ReplaySummary{TotalCycles: len(results)}
	for _, r := range results {
		switch r.Origin {
		case action.OriginValidated:
			s.Validated++
		case action.OriginExtended:
			s.Extended++
		case action.OriginReused:
			s.Reused++
		case action.OriginFallback:
			s.Fallbacks++
		}
		switch r.FeedbackOutcome {
		case "applied":
			s.FeedbackApplied++
		case "conflict":
			s.Conflicts++
		}
	}
	return s
}

// #endregion replay

// #region replay-fixtures
// FixtureRun is the outcome of replaying one fixture file.
type FixtureRun struct {
	Path        string         `json:"path"`
	Description string         `json:"description"`
	Results     []ReplayResult `json:"results"`
	Summary     ReplaySummary  `json:"summary"`
	Mismatches  []string       `json:"mismatches,omitempty"`
}

// ReplayFixtures replays independent fixture files concurrently, at most
// workers at a time. Runs come back in the order of paths.
func ReplayFixtures(ctx context.Context, paths []string, workers int, logger *zap.Logger) ([]FixtureRun, error) {
	if workers <= 0 {
		workers = 1
	}
	runs := make([]FixtureRun, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, path := range paths {
		g.Go(func() error {
			f, err := LoadFixture(path)
			if err != nil {
				return err
			}
			interactions, err := f.Interactions()
			if err != nil {
				return fmt.Errorf("fixture %s: %w", path, err)
			}
			cfg := f.Config.ToReplayConfig()
			cfg.Logger = logger
			results, summary, err := Replay(gctx, interactions, cfg)
			if err != nil {
				return fmt.Errorf("fixture %s: %w", path, err)
			}
			runs[i] = FixtureRun{
				Path:        path,
				Description: f.Description,
				Results:     results,
				Summary:     summary,
				Mismatches:  f.Mismatches(results),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return runs, nil
}

// #endregion replay-fixtures
