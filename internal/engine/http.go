package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
)

// warmupSource marks a platform liveness probe that needs no dispatch
const warmupSource = "warmup"

// ActionHandler exposes the dispatcher as POST /actions
type ActionHandler struct {
	engine *Engine
	logger zerolog.Logger
}

// NewActionHandler creates the HTTP action handler
func NewActionHandler(engine *Engine, logger zerolog.Logger) *ActionHandler {
	return &ActionHandler{
		engine: engine,
		logger: logger.With().Str("component", "actions").Logger(),
	}
}

// ServeHTTP handles one action request: a flat JSON bag whose "action"
// key names the operation and whose remaining keys are its parameters
func (h *ActionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	params := flatten(body)
	if params.Get("source") == warmupSource {
		h.logger.Debug().Msg("warmup probe answered")
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}

	action := params.Get("action")
	if action == "" {
		http.Error(w, "action is required", http.StatusBadRequest)
		return
	}
	delete(params, "action")

	resp, err := h.engine.Dispatch(r.Context(), action, params)
	if err != nil {
		if errors.Is(err, ErrUnknownAction) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error().Err(err).Str("action", action).Msg("action failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": resp.Status,
		"data":   resp.Data,
	})
}

// flatten casts every top-level value to its string form, matching how
// the telephony platform passes attributes
func flatten(body map[string]any) Params {
	params := make(Params, len(body))
	for k, v := range body {
		switch val := v.(type) {
		case string:
			params[k] = val
		case float64:
			if val == float64(int64(val)) {
				params[k] = fmt.Sprintf("%d", int64(val))
			} else {
				params[k] = fmt.Sprintf("%g", val)
			}
		case bool:
			params[k] = fmt.Sprintf("%t", val)
		}
	}
	return params
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
