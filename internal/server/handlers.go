package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", InFlight: s.registry.Len()})
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	if s.config.Invoker == nil {
		writeError(w, http.StatusServiceUnavailable, "invoker is not configured")
		return
	}
	if s.limiter != nil && !s.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "invocation rate exceeded")
		return
	}

	// Invocations outlive the client connection; Shutdown cancels them.
	ctx, cancel := context.WithCancelCause(s.baseCtx)
	key := s.registry.Register(cancel)
	defer func() {
		s.registry.Unregister(key)
		cancel(nil)
	}()

	res := s.config.Invoker.Invoke(ctx)
	status := res.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, res)
}

func (s *Server) handleCooldown(w http.ResponseWriter, r *http.Request) {
	if s.config.Cooldown == nil {
		writeJSON(w, http.StatusOK, CooldownResponse{})
		return
	}
	st, err := s.config.Cooldown.Status(r.Context())
	if err != nil {
		s.logger.Printf("cooldown status: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := CooldownResponse{Cooling: st.Cooling}
	if !st.Until.IsZero() {
		until := st.Until
		resp.Until = &until
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleResponses(w http.ResponseWriter, r *http.Request) {
	if s.config.Responses == nil {
		writeError(w, http.StatusNotFound, "response log is not configured")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("limit must be an integer in [1, 500], got %q", v))
			return
		}
		limit = n
	}
	recs, err := s.config.Responses.ListResponses(r.Context(), limit)
	if err != nil {
		s.logger.Printf("list responses: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]ResponseEntry, 0, len(recs))
	for _, rec := range recs {
		out = append(out, responseEntry(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
