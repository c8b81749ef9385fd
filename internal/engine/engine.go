package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/action"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/audit"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/bounds"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/learning"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/observation"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/oracle"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/ranking"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/safety"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/strategy"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// #region engine-struct
// Deps are the collaborators of an Engine. Oracle and Tracker are required.
type Deps struct {
	Oracle  oracle.ReasoningBackend
	Tracker *learning.Tracker
	Table   bounds.Table
	Audit   audit.Recorder
	Metrics *telemetry.Metrics
	Logger  *zap.Logger
	Clock   func() time.Time
}

// Engine runs the Observe, Reason, Act, Learn loop for one hearing aid. Only
// one cycle is in flight at a time; feedback may arrive at any point.
type Engine struct {
	cfg     Config
	oracle  oracle.ReasoningBackend
	tracker *learning.Tracker
	table   bounds.Table
	audit   audit.Recorder
	metrics *telemetry.Metrics
	logger  *zap.Logger
	now     func() time.Time

	mu         sync.Mutex
	state      State
	history    []action.Decision
	feedback   []action.Feedback
	memory     map[ranking.Key]action.Decision
	superseded bool
	// lastKey is the scenario of the most recent decision emitted under a key.
	lastKey ranking.Key
}

// New builds an engine. Zero-valued deps get defaults: the built-in bounds
// table, an in-memory audit log, a nop logger and the wall clock.
func New(cfg Config, deps Deps) *Engine {
	if deps.Table.Version == "" {
		deps.Table = bounds.Default()
	}
	if deps.Audit == nil {
		deps.Audit = audit.NewMemoryRecorder()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = func() time.Time { return time.Now().UTC() }
	}
	def := DefaultConfig()
	if cfg.StabilityWindow < MinStabilityWindow {
		cfg.StabilityWindow = MinStabilityWindow
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.FeedbackHistorySize <= 0 {
		cfg.FeedbackHistorySize = def.FeedbackHistorySize
	}
	if cfg.RankingsInRequest <= 0 {
		cfg.RankingsInRequest = def.RankingsInRequest
	}
	return &Engine{
		cfg:     cfg,
		oracle:  deps.Oracle,
		tracker: deps.Tracker,
		table:   deps.Table,
		audit:   deps.Audit,
		metrics: deps.Metrics,
		logger:  deps.Logger.Named("engine"),
		now:     deps.Clock,
		memory:  make(map[ranking.Key]action.Decision),
	}
}

// #endregion engine-struct

// #region accessors
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// History returns copies of the most recent emitted decisions, oldest first.
func (e *Engine) History() []action.Decision {
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneAll(e.history)
}

// Current returns the decision in effect, if any.
func (e *Engine) Current() (action.Decision, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.history) == 0 {
		return action.Decision{}, false
	}
	return e.history[len(e.history)-1].Clone(), true
}

func (e *Engine) Table() bounds.Table         { return e.table }
func (e *Engine) Tracker() *learning.Tracker  { return e.tracker }
func (e *Engine) AuditLog() audit.Recorder    { return e.audit }
func (e *Engine) Metrics() *telemetry.Metrics { return e.metrics }

func cloneAll(ds []action.Decision) []action.Decision {
	out := make([]action.Decision, len(ds))
	for i, d := range ds {
		out[i] = d.Clone()
	}
	return out
}

// #endregion accessors

// #region observe
// Observe builds the context for a new cycle. Raw-audio-shaped input fails
// with *observation.InputContractViolation and leaves the engine ready for
// the next cycle.
func (e *Engine) Observe(fields observation.Fields) (observation.Context, error) {
	e.mu.Lock()
	if e.state != StateObserving && e.state != StateLearning {
		st := e.state
		e.mu.Unlock()
		return observation.Context{}, fmt.Errorf("observe while %s: %w", st, ErrCycleInProgress)
	}
	history := cloneAll(e.history)
	feedback := append([]action.Feedback(nil), e.feedback...)
	e.state = StateReasoning
	e.mu.Unlock()

	obs, err := observation.New(fields, history, feedback, e.now())
	if err != nil {
		e.setState(StateObserving)
		return observation.Context{}, fmt.Errorf("observe: %w", err)
	}
	return obs, nil
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// #endregion observe

// #region reason
// Reason asks the oracle for a proposal and works out the confidences and the
// oscillation guard verdict. It never fails; an oracle error is carried in
// the result for Act to resolve.
func (e *Engine) Reason(ctx context.Context, obs observation.Context) Reasoning {
	now := e.now()
	key := learning.ScenarioKey(obs)
	r := Reasoning{
		Context:            obs,
		Key:                key,
		AssessedConfidence: AssessConfidence(obs),
		StartedAt:          now,
	}

	rk, err := e.tracker.Rankings(ctx, key, now)
	if err != nil {
		e.logger.Warn("rankings unavailable", zap.String("key", key.String()), zap.Error(err))
	} else {
		r.Rankings = rk.Top(e.cfg.RankingsInRequest)
	}

	req := oracle.Request{
		Context:     obs,
		Constraints: e.table,
		ScenarioKey: key.String(),
		Rankings:    r.Rankings,
		Strategies:  strategy.Names(),
	}
	octx, span := telemetry.StartSpan(ctx, "oral.reason")
	began := time.Now()
	r.Proposal, r.OracleErr = e.oracle.Propose(octx, req)
	e.metrics.RecordOracle(ctx, time.Since(began), r.OracleErr)
	span.End()

	r.EffectiveConfidence = r.AssessedConfidence
	if r.OracleErr == nil {
		if c, st := r.Proposal.Float(bounds.FieldConfidence); st == action.FieldOK {
			r.OracleConfidence, r.HasOracleConfidence = c, true
			r.EffectiveConfidence = min(r.AssessedConfidence, c)
		}
		r.LowConfidence = r.EffectiveConfidence < e.cfg.ConfidenceThreshold
	}
	r.Guard = e.guard(now, r.Proposal)

	e.setState(StateValidating)
	return r
}

// guard is evaluated from the engine's own history only; the proposal's
// duration plays no part. Every emitted decision holds the window, fallbacks
// included.
func (e *Engine) guard(now time.Time, p action.RawProposal) Guard {
	e.mu.Lock()
	defer e.mu.Unlock()
	var g Guard
	if len(e.history) == 0 || e.superseded {
		return g
	}
	cur := e.history[len(e.history)-1]
	g.Elapsed = now.Sub(cur.IssuedAt)
	if g.Elapsed >= e.cfg.StabilityWindow {
		return g
	}
	g.Active = true
	g.Current = cur.Clone()
	if s, st := p.String(bounds.FieldOverrideRationale); st == action.FieldOK {
		g.Override = utf8.RuneCountInString(strings.TrimSpace(s)) >= e.table.MinRationaleChars
	}
	return g
}

// #endregion reason

// #region act
// Act turns a reasoning result into the decision sent to the executor. It
// always returns a decision and the check that explains it.
func (e *Engine) Act(ctx context.Context, r Reasoning) (action.Decision, safety.Check) {
	e.setState(StateActing)
	d, check := e.decide(r, e.now())
	e.emit(ctx, r.Key, d, check, audit.KindCycle, true)
	return d.Clone(), check
}

func (e *Engine) decide(r Reasoning, now time.Time) (action.Decision, safety.Check) {
	version := e.table.Version

	if r.OracleErr != nil {
		check := safety.Failed(safety.Finding{
			Check:   safety.CheckOracle,
			Field:   "oracle",
			Message: r.OracleErr.Error(),
		}, version)
		if r.Guard.Active {
			return extend(r.Guard.Current, now), check.WithWarning(e.guardFinding(r.Guard))
		}
		return e.fallback(now, "oracle unavailable: "+r.OracleErr.Error()), check
	}

	if r.Guard.Active && !r.Guard.Override {
		return extend(r.Guard.Current, now), safety.Passed(version, e.guardFinding(r.Guard))
	}

	if r.LowConfidence {
		low := safety.Finding{
			Check:   safety.CheckLowConfidence,
			Field:   bounds.FieldConfidence,
			Value:   fmt.Sprintf("%.2f", r.EffectiveConfidence),
			Bound:   fmt.Sprintf(">= %.2f", e.cfg.ConfidenceThreshold),
			Message: fmt.Sprintf("effective confidence %.2f (assessed %.2f, oracle %.2f)", r.EffectiveConfidence, r.AssessedConfidence, r.OracleConfidence),
		}
		if r.Guard.Active {
			// an override that is not trusted keeps the current decision
			check := safety.Validate(r.Proposal, e.table)
			check.Violations = append(check.Violations, low)
			check.IsSafe = false
			return extend(r.Guard.Current, now), check.WithWarning(e.guardFinding(r.Guard))
		}
		e.mu.Lock()
		prior, ok := e.memory[r.Key]
		e.mu.Unlock()
		if ok {
			d := safety.ApplyBounds(prior.Raw(), e.table)
			d.Origin = action.OriginReused
			d.IssuedAt = now
			d.OverrideRationale = ""
			d.AssessedConfidence = r.AssessedConfidence
			d.AuditNotes = append(d.AuditNotes, "reused decision "+prior.ID+" for low confidence")
			return d, safety.Validate(d.Raw(), e.table).WithWarning(low)
		}
		check := safety.Validate(r.Proposal, e.table)
		check.Violations = append(check.Violations, low)
		check.IsSafe = false
		return e.fallback(now, low.Message), check
	}

	d, check, ok := safety.Accept(r.Proposal, e.table, now)
	if !ok {
		if r.Guard.Active {
			// rejected override keeps the current decision
			return extend(r.Guard.Current, now), check.WithWarning(e.guardFinding(r.Guard))
		}
		return e.fallback(now, check.Summary()), check
	}
	d.AssessedConfidence = r.AssessedConfidence
	return d, check
}

func (e *Engine) fallback(now time.Time, reason string) action.Decision {
	return safety.Fallback(now, e.table.Version, reason)
}

func (e *Engine) guardFinding(g Guard) safety.Finding {
	return safety.Finding{
		Check:   safety.CheckOscillationGuard,
		Field:   bounds.FieldDurationSeconds,
		Value:   g.Elapsed.String(),
		Bound:   ">= " + e.cfg.StabilityWindow.String(),
		Message: fmt.Sprintf("current decision %s started %s ago; extended", g.Current.ID, g.Elapsed),
	}
}

// extend keeps cur in effect: same ID and start, long enough to cover now.
func extend(cur action.Decision, now time.Time) action.Decision {
	d := cur.Clone()
	d.Origin = action.OriginExtended
	if !d.ActiveAt(now) {
		d.DurationSeconds = int(now.Sub(d.IssuedAt)/time.Second) + 1
	}
	d.AuditNotes = append(d.AuditNotes, fmt.Sprintf("extended at %s by the oscillation guard", now.Format(time.RFC3339)))
	return d
}

// #endregion act

// #region emit
// emit records d as issued. Extended decisions are not new decisions: they
// leave history, scenario memory and the registry untouched.
func (e *Engine) emit(ctx context.Context, key ranking.Key, d action.Decision, check safety.Check, kind audit.Kind, transition bool) {
	e.mu.Lock()
	if key != (ranking.Key{}) {
		e.lastKey = key
	}
	if d.Origin != action.OriginExtended {
		e.history = append(e.history, d.Clone())
		if len(e.history) > e.cfg.HistorySize {
			e.history = e.history[len(e.history)-e.cfg.HistorySize:]
		}
		e.superseded = false
		if d.Origin == action.OriginValidated {
			e.memory[key] = d.Clone()
		}
	}
	if transition {
		e.state = StateLearning
	}
	e.mu.Unlock()

	if d.Origin != action.OriginExtended && key != (ranking.Key{}) {
		if err := e.tracker.Register(ctx, key, d); err != nil {
			e.logger.Warn("register decision", zap.String("decision_id", d.ID), zap.Error(err))
		}
	}

	for _, f := range check.Violations {
		e.metrics.RecordFinding(ctx, string(f.Check), true)
	}
	for _, f := range check.Warnings {
		e.metrics.RecordFinding(ctx, string(f.Check), false)
	}

	logger := telemetry.WithTrace(ctx, e.logger)
	fields := []zap.Field{
		zap.String("decision_id", d.ID),
		zap.String("origin", string(d.Origin)),
		zap.String("strategy", d.StrategyName),
		zap.String("key", key.String()),
	}
	if d.Origin == action.OriginFallback {
		logger.Warn("fallback emitted", append(fields, zap.Any("violations", check.Violations))...)
	} else {
		logger.Info("decision emitted", append(fields, zap.Int("warnings", len(check.Warnings)))...)
	}

	entry := audit.NewEntry(kind, map[string]any{
		"decision":     d,
		"safety_check": check,
	})
	entry.DecisionID = d.ID
	entry.ScenarioKey = key.String()
	entry.Strategy = d.StrategyName
	entry.Origin = string(d.Origin)
	entry.Safe = check.IsSafe
	if !check.IsSafe {
		entry.Reason = check.Summary()
	}
	entry.CreatedAt = d.IssuedAt
	if d.Origin == action.OriginExtended || entry.CreatedAt.IsZero() {
		entry.CreatedAt = e.now()
	}
	e.record(ctx, entry)
}

func (e *Engine) record(ctx context.Context, entry audit.Entry) {
	if _, err := e.audit.Record(ctx, entry); err != nil {
		e.logger.Error("audit record failed", zap.String("kind", string(entry.Kind)), zap.Error(err))
	}
}

// #endregion emit

// #region learn
// Learn integrates feedback for an earlier decision and ends the Learning
// phase. Conflicts and unknown decisions are audited and returned.
func (e *Engine) Learn(ctx context.Context, fb learning.Feedback) (learning.Delta, error) {
	if fb.ReceivedAt.IsZero() {
		fb.ReceivedAt = e.now()
	}
	delta, err := e.tracker.Learn(ctx, fb)

	e.mu.Lock()
	e.feedback = append(e.feedback, fb)
	if len(e.feedback) > e.cfg.FeedbackHistorySize {
		e.feedback = e.feedback[len(e.feedback)-e.cfg.FeedbackHistorySize:]
	}
	if e.state == StateLearning {
		e.state = StateObserving
	}
	e.mu.Unlock()

	outcome := "applied"
	kind := audit.KindFeedback
	switch {
	case errors.Is(err, learning.ErrLearningConflict):
		outcome, kind = "conflict", audit.KindConflict
	case err != nil:
		outcome = "error"
	case !delta.Applied && delta.Step == 0 && delta.Reason != "":
		outcome = "skipped"
		if !strings.Contains(delta.Reason, "fallback") {
			outcome = "noop"
		}
	}
	e.metrics.RecordFeedback(ctx, outcome)

	entry := audit.NewEntry(kind, map[string]any{"feedback": fb, "delta": delta})
	entry.DecisionID = fb.DecisionID
	entry.ScenarioKey = delta.Key.String()
	entry.Strategy = delta.Strategy
	entry.Safe = true
	entry.CreatedAt = fb.ReceivedAt
	if err != nil {
		entry.Reason = err.Error()
	}
	e.record(ctx, entry)

	if err != nil {
		e.logger.Warn("feedback not applied", zap.String("decision_id", fb.DecisionID), zap.String("outcome", outcome), zap.Error(err))
		return delta, fmt.Errorf("learn: %w", err)
	}
	return delta, nil
}

// #endregion learn

// #region override
// ManualOverride records that the user took manual control. The current
// decision no longer holds the stability window, so the next proposal is
// judged on its own.
func (e *Engine) ManualOverride(ctx context.Context, reason string) error {
	e.mu.Lock()
	var cur action.Decision
	if n := len(e.history); n > 0 {
		cur = e.history[n-1]
	}
	e.superseded = true
	e.mu.Unlock()

	entry := audit.NewEntry(audit.KindOverride, map[string]string{"reason": reason})
	entry.DecisionID = cur.ID
	entry.Strategy = cur.StrategyName
	entry.Origin = string(cur.Origin)
	entry.Safe = true
	entry.Reason = reason
	entry.CreatedAt = e.now()
	if _, err := e.audit.Record(ctx, entry); err != nil {
		return fmt.Errorf("manual override: %w", err)
	}
	e.logger.Info("manual override", zap.String("decision_id", cur.ID), zap.String("reason", reason))
	return nil
}

// presetDurationSeconds is how long a selected preset is proposed for.
const presetDurationSeconds = 300

// SelectPreset puts a library preset the user picked into effect. It goes
// through the validator like any proposal, with a user override rationale, so
// it supersedes the current decision even inside the stability window. The
// decision enters history under the last observed scenario, where feedback on
// it is ranked. A rejected preset leaves the current decision in place.
func (e *Engine) SelectPreset(ctx context.Context, name string) (action.Decision, safety.Check, error) {
	p, ok := strategy.Lookup(name)
	if !ok {
		return action.Decision{}, safety.Check{}, fmt.Errorf("select %q: %w", name, ErrUnknownPreset)
	}
	now := e.now()
	e.mu.Lock()
	key := e.lastKey
	e.mu.Unlock()

	raw := action.NewRawProposal(map[string]any{
		bounds.FieldStrategyName:         p.Name,
		bounds.FieldNoiseSuppression:     p.Params.NoiseSuppression,
		bounds.FieldSpeechEnhancement:    p.Params.SpeechEnhancement,
		bounds.FieldCompressionRatio:     p.Params.CompressionRatio,
		bounds.FieldHighFreqBoost:        p.Params.HighFreqBoostDB,
		bounds.FieldLowFreqReduction:     p.Params.LowFreqReductionDB,
		bounds.FieldFrequencyProfile:     p.Params.FrequencyProfile.String(),
		bounds.FieldConfidence:           e.table.Confidence.Clip(e.table.Warnings.HighConfidence),
		bounds.FieldRationale:            "Selected by the wearer: " + p.Description,
		bounds.FieldDurationSeconds:      e.table.DurationSeconds.Clip(presetDurationSeconds),
		bounds.FieldSecondaryAdjustments: []any{},
		bounds.FieldIsReversible:         true,
		bounds.FieldOverrideRationale:    "user selected preset " + p.Name,
	})
	d, check, ok := safety.Accept(raw, e.table, now)
	if !ok {
		entry := audit.NewEntry(audit.KindPreset, map[string]any{"preset": p.Name, "safety_check": check})
		entry.ScenarioKey = key.String()
		entry.Strategy = p.Name
		entry.Reason = check.Summary()
		entry.CreatedAt = now
		e.record(ctx, entry)
		e.logger.Warn("preset rejected", zap.String("preset", p.Name), zap.String("reason", check.Summary()))
		return action.Decision{}, check, fmt.Errorf("select %q: %w: %s", name, ErrPresetRejected, check.Summary())
	}
	d.AuditNotes = append(d.AuditNotes, "preset selected by the wearer")
	e.emit(ctx, key, d, check, audit.KindPreset, false)
	return d.Clone(), check, nil
}

// RevertDecision undoes every ranking change made by feedback on decisionID
// and audits the result.
func (e *Engine) RevertDecision(ctx context.Context, decisionID string) ([]ranking.UndoRecord, error) {
	recs, err := e.tracker.RevertDecision(ctx, decisionID)
	if err != nil {
		return nil, fmt.Errorf("revert decision %s: %w", decisionID, err)
	}
	entry := audit.NewEntry(audit.KindRevert, map[string]any{"undo": recs})
	entry.DecisionID = decisionID
	entry.Safe = true
	entry.Reason = fmt.Sprintf("%d ranking changes reverted", len(recs))
	entry.CreatedAt = e.now()
	if len(recs) > 0 {
		entry.ScenarioKey = recs[0].Key.String()
		entry.Strategy = recs[0].Strategy
	}
	e.record(ctx, entry)
	return recs, nil
}

// #endregion override

// #region run-cycle
// RunCycle performs one full Observe, Reason, Act pass. It always returns a
// decision; recovered errors are joined in the result's Err.
func (e *Engine) RunCycle(ctx context.Context, fields observation.Fields) CycleResult {
	began := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "oral.cycle")
	defer span.End()

	obs, err := e.Observe(fields)
	if errors.Is(err, ErrCycleInProgress) {
		d, ok := e.Current()
		if !ok {
			d = e.fallback(e.now(), "no decision yet")
		}
		return CycleResult{Decision: d, Check: safety.Passed(e.table.Version), Err: err, Duration: time.Since(began)}
	}
	if err != nil {
		d, check, g := e.rejectInput(ctx, err)
		if g.Active {
			err = errors.Join(err, fmt.Errorf("%w: %s since %s", ErrOscillationGuard, g.Elapsed, g.Current.ID))
		}
		span.SetAttributes(attribute.String("oral.origin", string(d.Origin)))
		e.metrics.RecordCycle(ctx, time.Since(began), string(d.Origin))
		return CycleResult{Decision: d, Check: check, Err: err, Duration: time.Since(began)}
	}

	r := e.Reason(ctx, obs)
	d, check := e.Act(ctx, r)

	var errs []error
	if r.OracleErr != nil {
		errs = append(errs, r.OracleErr)
	}
	if r.Guard.Active && d.Origin == action.OriginExtended {
		errs = append(errs, fmt.Errorf("%w: %s since %s", ErrOscillationGuard, r.Guard.Elapsed, r.Guard.Current.ID))
	}
	span.SetAttributes(
		attribute.String("oral.origin", string(d.Origin)),
		attribute.String("oral.scenario_key", r.Key.String()),
	)
	e.metrics.RecordCycle(ctx, time.Since(began), string(d.Origin))
	return CycleResult{
		Decision:  d,
		Check:     check,
		Reasoning: &r,
		Err:       errors.Join(errs...),
		Duration:  time.Since(began),
	}
}

// rejectInput emits the fallback for an observation that broke the input
// contract, or extends the current decision while it holds the window. The
// engine is already back in Observing.
func (e *Engine) rejectInput(ctx context.Context, err error) (action.Decision, safety.Check, Guard) {
	f := safety.Finding{
		Check:   safety.CheckInputContract,
		Field:   "observation",
		Message: err.Error(),
	}
	var icv *observation.InputContractViolation
	if errors.As(err, &icv) && len(icv.Breaches) > 0 {
		paths := make([]string, len(icv.Breaches))
		for i, b := range icv.Breaches {
			paths[i] = b.Path
		}
		f.Field = strings.Join(paths, ",")
	}
	now := e.now()
	check := safety.Failed(f, e.table.Version)
	g := e.guard(now, action.RawProposal{})
	var d action.Decision
	if g.Active {
		d = extend(g.Current, now)
		check = check.WithWarning(e.guardFinding(g))
	} else {
		d = e.fallback(now, "input contract violation")
	}
	e.emit(ctx, ranking.Key{}, d, check, audit.KindInputViolation, false)
	return d.Clone(), check, g
}

// #endregion run-cycle
