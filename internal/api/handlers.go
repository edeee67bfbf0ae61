package api

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"

	"github.com/ducminhle1904/signal-risk-engine/internal/errors"
	"github.com/ducminhle1904/signal-risk-engine/pkg/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxBody bounds request bodies; a batch of signals fits comfortably.
const maxBody = 1 << 20

const defaultListLimit = 50

type errorResponse struct {
	Error    string `json:"error"`
	Code     string `json:"code,omitempty"`
	Category string `json:"category,omitempty"`
}

type closeRequest struct {
	Reason string `json:"reason"`
}

type resetRequest struct {
	Token string `json:"token"`
}

type haltRequest struct {
	Reason string `json:"reason"`
}

type priceRequest struct {
	Token     string    `json:"token"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

type closeAllResponse struct {
	Closed    int              `json:"closed"`
	Positions []types.Position `json:"positions"`
}

type handlers struct {
	engine    Engine
	decisions DecisionStore
	clock     func() time.Time
}

func (h *handlers) evaluate(w http.ResponseWriter, r *http.Request) {
	var raw types.RawSignal
	if !decode(w, r, &raw) {
		return
	}
	d, err := h.engine.Evaluate(r.Context(), raw)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *handlers) evaluateBatch(w http.ResponseWriter, r *http.Request) {
	var raws []types.RawSignal
	if !decode(w, r, &raws) {
		return
	}
	if len(raws) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "empty batch", Code: "EMPTY_BATCH"})
		return
	}
	writeJSON(w, http.StatusOK, h.engine.EvaluateBatch(r.Context(), raws))
}

func (h *handlers) openPositions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.OpenPositions())
}

func (h *handlers) closedPositions(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.engine.ClosedPositions(limit))
}

func (h *handlers) closePosition(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req closeRequest
	if r.ContentLength > 0 && !decode(w, r, &req) {
		return
	}
	pos, err := h.engine.ClosePosition(r.Context(), id, closeReason(req.Reason))
	if err != nil {
		writeError(w, err)
		return
	}
	// the position is Closing until the executor reports the fill
	writeJSON(w, http.StatusAccepted, pos)
}

func (h *handlers) closeAll(w http.ResponseWriter, r *http.Request) {
	var req closeRequest
	if r.ContentLength > 0 && !decode(w, r, &req) {
		return
	}
	reason := closeReason(req.Reason)
	if req.Reason == "" {
		reason = types.CloseEmergency
	}
	closing, err := h.engine.CloseAll(r.Context(), reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, closeAllResponse{Closed: len(closing), Positions: closing})
}

func (h *handlers) breakerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.BreakerStatus())
}

func (h *handlers) resetBreaker(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.engine.ResetBreaker(r.Context(), req.Token); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.engine.BreakerStatus())
}

func (h *handlers) halt(w http.ResponseWriter, r *http.Request) {
	var req haltRequest
	if r.ContentLength > 0 && !decode(w, r, &req) {
		return
	}
	if err := h.engine.HaltTrading(req.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.engine.BreakerStatus())
}

func (h *handlers) recordPrice(w http.ResponseWriter, r *http.Request) {
	var req priceRequest
	if !decode(w, r, &req) {
		return
	}
	token := strings.ToUpper(strings.TrimSpace(req.Token))
	if token == "" || !(req.Price > 0) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "token and a positive price are required", Code: "INVALID_PRICE"})
		return
	}
	at := req.Timestamp
	if at.IsZero() {
		at = h.clock()
	}
	h.engine.RecordPrice(token, req.Price, at)
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) portfolio(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Portfolio())
}

func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Stats())
}

func (h *handlers) recentDecisions(w http.ResponseWriter, r *http.Request) {
	if h.decisions == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "no decision store configured"})
		return
	}
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	decisions, err := h.decisions.RecentDecisions(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, withUnpersisted(decisions, h.engine.UnpersistedDecisions(), limit))
}

// withUnpersisted merges decisions still parked in the write-behind backlog
// into the persisted list. The result is oldest first and keeps the latest
// limit decisions, like the stores.
func withUnpersisted(stored, parked []types.Decision, limit int) []types.Decision {
	if len(parked) == 0 {
		return stored
	}
	seen := make(map[string]struct{}, len(stored))
	for _, d := range stored {
		seen[d.ID] = struct{}{}
	}
	out := append(make([]types.Decision, 0, len(stored)+len(parked)), stored...)
	for _, d := range parked {
		if _, ok := seen[d.ID]; !ok {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func closeReason(s string) types.CloseReason {
	if s == "" {
		return types.CloseManual
	}
	return types.CloseReason(strings.ToUpper(s))
}

func limitParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid limit %q", v), Code: "INVALID_LIMIT"})
		return 0, false
	}
	return n, true
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error(), Code: "INVALID_BODY"})
		return false
	}
	return true
}

// writeJSON encodes v before writing the header, so an encoding failure is
// reported as a 500 instead of a truncated 200.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body, _ = json.Marshal(errorResponse{Error: "encode response: " + err.Error(), Code: "ENCODE_FAILED"})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusMethodNotAllowed, errorResponse{
		Error: fmt.Sprintf("method %s not allowed on %s", r.Method, r.URL.Path),
		Code:  "METHOD_NOT_ALLOWED",
	})
}

func writeError(w http.ResponseWriter, err error) {
	ee := errors.Categorize(err, "api", "request")
	writeJSON(w, statusFor(ee.Category), errorResponse{
		Error:    err.Error(),
		Code:     ee.Code,
		Category: string(ee.Category),
	})
}

func statusFor(category errors.ErrorCategory) int {
	switch category {
	case errors.ErrorCategoryValidation:
		return http.StatusBadRequest
	case errors.ErrorCategoryUnauthorized:
		return http.StatusUnauthorized
	case errors.ErrorCategoryNotFound:
		return http.StatusNotFound
	case errors.ErrorCategoryRateLimit:
		return http.StatusTooManyRequests
	case errors.ErrorCategoryRiskRejection, errors.ErrorCategoryPositionLimit, errors.ErrorCategoryBreakerOpen:
		return http.StatusConflict
	case errors.ErrorCategoryPriceUnavailable, errors.ErrorCategoryPersistence:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
