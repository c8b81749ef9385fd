package learning

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/action"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/observation"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/ranking"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/strategy"
	"go.uber.org/zap"
)

// #region errors
var (
	ErrLearningConflict = errors.New("learning conflict")
	ErrUnknownDecision  = errors.New("unknown decision")
)

// #endregion errors

// #region delta
// Delta is the outcome of integrating one feedback record.
type Delta struct {
	DecisionID string              `json:"decision_id"`
	Key        ranking.Key         `json:"key"`
	Strategy   string              `json:"strategy"`
	Score      float64             `json:"score"`
	Components Components          `json:"components"`
	Step       float64             `json:"step"`
	Applied    bool                `json:"applied"`
	Conflict   bool                `json:"conflict,omitempty"`
	Reason     string              `json:"reason,omitempty"`
	Undo       *ranking.UndoRecord `json:"undo,omitempty"`
}

// #endregion delta

// #region scenario-key
// ScenarioKey buckets an observation into the ranking key.
func ScenarioKey(c observation.Context) ranking.Key {
	return ranking.Key{
		Scene:      string(c.Scene),
		Intent:     string(c.Intent),
		LossBucket: c.LossBucket(),
		TimeBucket: c.Temporal.TimeOfDay(),
	}
}

// #endregion scenario-key

// #region tracker-struct
type seen struct {
	score float64
	at    time.Time
}

// Tracker owns every ranking mutation. Writes to one scenario key are
// serialized; different keys proceed in parallel.
type Tracker struct {
	store  ranking.Store
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	locks  map[ranking.Key]*sync.Mutex
	recent map[string][]seen
}

// NewTracker wires a tracker over store.
func NewTracker(store ranking.Store, cfg Config, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		store:  store,
		cfg:    cfg,
		logger: logger.Named("learning"),
		locks:  make(map[ranking.Key]*sync.Mutex),
		recent: make(map[string][]seen),
	}
}

// Store exposes the ranking store for read paths.
func (t *Tracker) Store() ranking.Store { return t.store }

func (t *Tracker) keyLock(k ranking.Key) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[k]
	if !ok {
		l = &sync.Mutex{}
		t.locks[k] = l
	}
	return l
}

// #endregion tracker-struct

// #region register
// Register records an emitted decision under its scenario key so later
// feedback can find it, and seeds the key when it has never been seen.
func (t *Tracker) Register(ctx context.Context, key ranking.Key, d action.Decision) error {
	if err := t.store.PutDecision(ctx, key, d); err != nil {
		return fmt.Errorf("register decision: %w", err)
	}
	_, err := t.Rankings(ctx, key, d.IssuedAt)
	return err
}

// Rankings returns the ranking for key, seeding an unseen key with the preset
// strategies for its scene at the neutral score.
func (t *Tracker) Rankings(ctx context.Context, key ranking.Key, at time.Time) (ranking.Ranking, error) {
	r, ok, err := t.store.Get(ctx, key)
	if err != nil {
		return ranking.Ranking{}, fmt.Errorf("get ranking: %w", err)
	}
	if ok && len(r.Entries) >= strategy.MinRanked {
		return r, nil
	}
	l := t.keyLock(key)
	l.Lock()
	defer l.Unlock()
	return t.seed(ctx, key, at)
}

// seed must be called with the key lock held.
func (t *Tracker) seed(ctx context.Context, key ranking.Key, at time.Time) (ranking.Ranking, error) {
	seeds := strategy.Seeds(observation.Scene(key.Scene), observation.Intent(key.Intent))
	r, err := t.store.Seed(ctx, key, seeds, at)
	if err != nil {
		return ranking.Ranking{}, fmt.Errorf("seed ranking: %w", err)
	}
	return r, nil
}

// #endregion register

// #region learn
// Learn resolves the decision by ID, so feedback arriving late or out of
// order still reaches the scenario the decision was made for.
func (t *Tracker) Learn(ctx context.Context, fb Feedback) (Delta, error) {
	d, _, err := t.store.GetDecision(ctx, fb.DecisionID)
	if errors.Is(err, ranking.ErrNotFound) {
		return Delta{DecisionID: fb.DecisionID}, fmt.Errorf("learn %s: %w", fb.DecisionID, ErrUnknownDecision)
	}
	if err != nil {
		return Delta{DecisionID: fb.DecisionID}, fmt.Errorf("learn %s: %w", fb.DecisionID, err)
	}
	return t.IntegrateFeedback(ctx, d, fb)
}

// IntegrateFeedback scores fb and applies one bounded increment to the
// decision's strategy. Conflicting feedback is flagged and changes nothing.
func (t *Tracker) IntegrateFeedback(ctx context.Context, d action.Decision, fb Feedback) (Delta, error) {
	_, key, err := t.store.GetDecision(ctx, d.ID)
	if errors.Is(err, ranking.ErrNotFound) {
		return Delta{DecisionID: d.ID}, fmt.Errorf("integrate %s: %w", d.ID, ErrUnknownDecision)
	}
	if err != nil {
		return Delta{DecisionID: d.ID}, fmt.Errorf("integrate %s: %w", d.ID, err)
	}
	if fb.ReceivedAt.IsZero() {
		fb.ReceivedAt = time.Now().UTC()
	}

	score, comps := Score(fb)
	delta := Delta{
		DecisionID: d.ID,
		Key:        key,
		Strategy:   d.StrategyName,
		Score:      score,
		Components: comps,
		Step:       Step(score, t.cfg),
	}

	if d.Origin == action.OriginFallback {
		delta.Step = 0
		delta.Reason = "fallback decisions are not ranked"
		return delta, nil
	}

	l := t.keyLock(key)
	l.Lock()
	defer l.Unlock()

	if reason := t.conflict(d.ID, score, comps, fb.ReceivedAt); reason != "" {
		delta.Step = 0
		delta.Conflict = true
		delta.Reason = reason
		t.logger.Warn("feedback conflict",
			zap.String("decision_id", d.ID),
			zap.String("key", key.String()),
			zap.Float64("score", score),
			zap.String("reason", reason),
		)
		return delta, fmt.Errorf("integrate %s: %s: %w", d.ID, reason, ErrLearningConflict)
	}
	if delta.Step == 0 {
		delta.Reason = "score below no-op threshold"
		return delta, nil
	}

	if _, err := t.seed(ctx, key, fb.ReceivedAt); err != nil {
		return delta, err
	}
	rec, err := t.store.Apply(ctx, ranking.Change{
		Key:        key,
		Strategy:   d.StrategyName,
		Delta:      delta.Step,
		DecisionID: d.ID,
		Cause:      fmt.Sprintf("feedback score %+.3f", score),
		At:         fb.ReceivedAt,
	})
	if err != nil {
		return delta, fmt.Errorf("apply delta: %w", err)
	}
	delta.Applied = true
	delta.Undo = &rec
	t.logger.Info("ranking updated",
		zap.String("decision_id", d.ID),
		zap.String("key", key.String()),
		zap.String("strategy", d.StrategyName),
		zap.Float64("previous", rec.Previous),
		zap.Float64("next", rec.Next),
	)
	return delta, nil
}

// conflict must be called with the key lock held. It records the feedback
// either way so a later record can be compared against it.
func (t *Tracker) conflict(decisionID string, score float64, c Components, at time.Time) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var kept []seen
	reason := ""
	for _, s := range t.recent[decisionID] {
		gap := at.Sub(s.at)
		if gap < 0 {
			gap = -gap
		}
		if gap > t.cfg.ConflictWindow {
			continue
		}
		kept = append(kept, s)
		if reason == "" && opposite(s.score, score, t.cfg.NoOpBelow) {
			reason = fmt.Sprintf("opposing feedback for the same decision within %s", t.cfg.ConflictWindow)
		}
	}
	t.recent[decisionID] = append(kept, seen{score: score, at: at})
	if len(t.recent) > maxTrackedDecisions {
		t.pruneRecent(at)
	}

	if reason == "" && internallyConflicting(c, t.cfg.StrongSignal) {
		reason = "strong positive and negative signals in one record"
	}
	return reason
}

const maxTrackedDecisions = 4096

func (t *Tracker) pruneRecent(now time.Time) {
	for id, list := range t.recent {
		last := list[len(list)-1].at
		if now.Sub(last) > t.cfg.ConflictWindow {
			delete(t.recent, id)
		}
	}
}

func opposite(a, b, floor float64) bool {
	if a > -floor && a < floor || b > -floor && b < floor {
		return false
	}
	return (a > 0) != (b > 0)
}

// #endregion learn

// #region revert
// Revert undoes one applied change.
func (t *Tracker) Revert(ctx context.Context, undoID string) (ranking.UndoRecord, error) {
	rec, err := t.store.Revert(ctx, undoID, time.Now().UTC())
	if err != nil {
		return ranking.UndoRecord{}, fmt.Errorf("revert: %w", err)
	}
	return rec, nil
}

// RevertDecision undoes every change a decision's feedback caused, newest first.
func (t *Tracker) RevertDecision(ctx context.Context, decisionID string) ([]ranking.UndoRecord, error) {
	log, err := t.store.UndoForDecision(ctx, decisionID)
	if err != nil {
		return nil, fmt.Errorf("revert decision: %w", err)
	}
	var out []ranking.UndoRecord
	for i := len(log) - 1; i >= 0; i-- {
		rec := log[i]
		if rec.Kind != ranking.KindApply || !rec.RevertedAt.IsZero() {
			continue
		}
		l := t.keyLock(rec.Key)
		l.Lock()
		rev, err := t.store.Revert(ctx, rec.ID, time.Now().UTC())
		l.Unlock()
		if err != nil {
			return out, fmt.Errorf("revert decision: %w", err)
		}
		out = append(out, rev)
	}
	return out, nil
}

// #endregion revert
