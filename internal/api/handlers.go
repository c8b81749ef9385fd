package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/action"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/audit"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/engine"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/learning"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/observation"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/ranking"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/safety"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/strategy"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const (
	maxBodyBytes     = 1 << 20
	defaultAuditPage = 100
	maxAuditPage     = 1000
)

// #region helpers
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	return dec.Decode(v)
}

// #endregion helpers

// #region cycles
type cycleResponse struct {
	engine.CycleResult
	Error string `json:"error,omitempty"`
}

// runCycle handles POST /v1/cycles. The body is the observation payload. A
// decision is always returned; only a cycle already in flight is a conflict.
func (s *Server) runCycle(w http.ResponseWriter, r *http.Request) {
	var fields observation.Fields
	if err := decode(w, r, &fields); err != nil {
		writeError(w, http.StatusBadRequest, "invalid observation body")
		return
	}
	res := s.eng.RunCycle(r.Context(), fields)
	out := cycleResponse{CycleResult: res}
	status := http.StatusOK
	if res.Err != nil {
		out.Error = res.Err.Error()
		var icv *observation.InputContractViolation
		switch {
		case errors.Is(res.Err, engine.ErrCycleInProgress):
			status = http.StatusConflict
		case errors.As(res.Err, &icv):
			status = http.StatusUnprocessableEntity
		}
	}
	writeJSON(w, status, out)
}

// #endregion cycles

// #region feedback
// feedback handles POST /v1/feedback.
func (s *Server) feedback(w http.ResponseWriter, r *http.Request) {
	var fb action.Feedback
	if err := decode(w, r, &fb); err != nil {
		writeError(w, http.StatusBadRequest, "invalid feedback body")
		return
	}
	if strings.TrimSpace(fb.DecisionID) == "" {
		writeError(w, http.StatusBadRequest, "decision_id is required")
		return
	}
	delta, err := s.eng.Learn(r.Context(), fb)
	switch {
	case errors.Is(err, learning.ErrUnknownDecision):
		writeError(w, http.StatusNotFound, "unknown decision_id")
	case errors.Is(err, learning.ErrLearningConflict):
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error(), "delta": delta})
	case err != nil:
		s.logger.Error("feedback failed", zap.String("decision_id", fb.DecisionID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to integrate feedback")
	default:
		writeJSON(w, http.StatusOK, delta)
	}
}

// #endregion feedback

// #region decisions
type overrideRequest struct {
	Reason string `json:"reason"`
}

// override handles POST /v1/override.
func (s *Server) override(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid override body")
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		writeError(w, http.StatusBadRequest, "reason is required")
		return
	}
	if err := s.eng.ManualOverride(r.Context(), req.Reason); err != nil {
		s.logger.Error("manual override failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to record override")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

// history handles GET /v1/decisions.
func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"decisions": s.eng.History()})
}

// current handles GET /v1/decisions/current.
func (s *Server) current(w http.ResponseWriter, r *http.Request) {
	d, ok := s.eng.Current()
	if !ok {
		writeError(w, http.StatusNotFound, "no decision issued yet")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// revert handles POST /v1/decisions/{id}/revert.
func (s *Server) revert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	recs, err := s.eng.RevertDecision(r.Context(), id)
	if err != nil {
		s.logger.Error("revert failed", zap.String("decision_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to revert decision")
		return
	}
	if recs == nil {
		recs = []ranking.UndoRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"decision_id": id, "reverted": recs})
}

// #endregion decisions

// #region presets
type presetView struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Params      action.Parameters `json:"parameters"`
}

func presetViews() []presetView {
	names := strategy.Names()
	out := make([]presetView, 0, len(names))
	for _, n := range names {
		p, _ := strategy.Lookup(n)
		out = append(out, presetView{Name: p.Name, Description: p.Description, Params: p.Params})
	}
	return out
}

// presets handles GET /v1/presets.
func (s *Server) presets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"presets": presetViews()})
}

type presetResponse struct {
	Decision action.Decision `json:"decision"`
	Check    safety.Check    `json:"safety_check"`
	Error    string          `json:"error,omitempty"`
}

// selectPreset handles POST /v1/presets/{name}. A preset the active bounds
// table rejects is 422 and the current decision stays in effect.
func (s *Server) selectPreset(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	d, check, err := s.eng.SelectPreset(r.Context(), name)
	switch {
	case errors.Is(err, engine.ErrUnknownPreset):
		writeError(w, http.StatusNotFound, "unknown preset "+name)
	case errors.Is(err, engine.ErrPresetRejected):
		writeJSON(w, http.StatusUnprocessableEntity, presetResponse{Check: check, Error: err.Error()})
	case err != nil:
		s.logger.Error("preset selection failed", zap.String("preset", name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to select preset")
	default:
		writeJSON(w, http.StatusOK, presetResponse{Decision: d, Check: check})
	}
}

type statusResponse struct {
	State         string           `json:"state"`
	Current       *action.Decision `json:"current,omitempty"`
	BoundsVersion string           `json:"bounds_version"`
	OracleBreaker string           `json:"oracle_breaker,omitempty"`
	Presets       []presetView     `json:"presets"`
}

// status handles GET /v1/status.
func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	out := statusResponse{
		State:         s.eng.State().String(),
		BoundsVersion: s.eng.Table().Version,
		Presets:       presetViews(),
	}
	if d, ok := s.eng.Current(); ok {
		out.Current = &d
	}
	if s.breaker != nil {
		out.OracleBreaker = s.breaker.State().String()
	}
	writeJSON(w, http.StatusOK, out)
}

// #endregion presets

// #region audit
// auditLog handles GET /v1/audit?decision_id=&kind=&limit=.
func (s *Server) auditLog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.Filter{
		DecisionID: q.Get("decision_id"),
		Kind:       audit.Kind(q.Get("kind")),
		Limit:      defaultAuditPage,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		f.Limit = min(n, maxAuditPage)
	}
	entries, err := s.eng.AuditLog().List(r.Context(), f)
	if err != nil {
		s.logger.Error("audit list failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read audit log")
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// verifyAudit handles GET /v1/audit/verify.
func (s *Server) verifyAudit(w http.ResponseWriter, r *http.Request) {
	err := s.eng.AuditLog().Verify(r.Context())
	var ce *audit.ChainError
	switch {
	case errors.As(err, &ce):
		writeJSON(w, http.StatusConflict, map[string]any{"valid": false, "seq": ce.Seq, "reason": ce.Reason})
	case err != nil:
		s.logger.Error("audit verify failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to verify audit log")
	default:
		writeJSON(w, http.StatusOK, map[string]any{"valid": true})
	}
}

// #endregion audit

// #region rankings
// rankings handles GET /v1/rankings?key=scene|intent|loss|time. Without a key
// every scenario seen so far is listed.
func (s *Server) rankings(w http.ResponseWriter, r *http.Request) {
	store := s.eng.Tracker().Store()
	if raw := r.URL.Query().Get("key"); raw != "" {
		key, err := ranking.ParseKey(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		rk, ok, err := store.Get(r.Context(), key)
		if err != nil {
			s.logger.Error("ranking lookup failed", zap.String("key", raw), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to read rankings")
			return
		}
		if !ok {
			writeError(w, http.StatusNotFound, "scenario not seen yet")
			return
		}
		writeJSON(w, http.StatusOK, rk)
		return
	}

	keys, err := store.Keys(r.Context())
	if err != nil {
		s.logger.Error("ranking keys failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read rankings")
		return
	}
	out := make([]ranking.Ranking, 0, len(keys))
	for _, k := range keys {
		rk, ok, err := store.Get(r.Context(), k)
		if err != nil {
			s.logger.Error("ranking lookup failed", zap.String("key", k.String()), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to read rankings")
			return
		}
		if ok {
			out = append(out, rk)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rankings": out})
}

// bounds handles GET /v1/bounds.
func (s *Server) bounds(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.Table())
}

// #endregion rankings

// #region health
// health handles GET /healthz.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.ping != nil {
		if err := s.ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "state": s.eng.State().String()})
}

// #endregion health
