package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bulwarkhq/bulwark/internal/balancer"
	"github.com/bulwarkhq/bulwark/internal/breaker"
	"github.com/bulwarkhq/bulwark/internal/events"
	"github.com/bulwarkhq/bulwark/internal/exec"
	"github.com/bulwarkhq/bulwark/internal/plugin"
	"github.com/bulwarkhq/bulwark/internal/protocol"
)

// maxRequestBytes caps how much of an inbound request body is buffered.
const maxRequestBytes = 8 << 20

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, ErrorResponse{Error: msg})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	entities := s.status.Entities()
	open := 0
	for _, e := range entities {
		if e.Breaker == breaker.StateOpen.String() {
			open++
		}
	}
	s.writeJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Entities:      len(entities),
		OpenBreakers:  open,
	})
}

func (s *Server) handleSystemHealth(w http.ResponseWriter, r *http.Request) {
	entities := s.status.Entities()
	status := "ok"
	for _, e := range entities {
		if !e.Healthy || e.Breaker != breaker.StateClosed.String() {
			status = "degraded"
			break
		}
	}
	s.writeJSON(w, http.StatusOK, SystemHealthResponse{
		Status:        status,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Entities:      entities,
	})
}

func (s *Server) handleEntities(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.status.Entities())
}

func (s *Server) handleEntity(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	ent, ok := s.status.Entity(name)
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown entity "+name)
		return
	}
	s.writeJSON(w, http.StatusOK, ent)
}

// handleDispatch is the request pipeline: before-hooks, balanced forwarding,
// after-hooks, in that order. Hook and dispatch failures map onto the error
// taxonomy; backend responses pass through as-is.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	if s.forwarder == nil {
		s.writeError(w, http.StatusNotFound, "no proxy configured")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}
	req := &protocol.HTTPRequest{
		Method:   r.Method,
		Path:     r.URL.Path,
		Query:    r.URL.RawQuery,
		Headers:  headers,
		Body:     body,
		ClientIP: r.RemoteAddr,
	}

	ctx := r.Context()
	if err := s.hooks.DispatchBefore(ctx, req); err != nil {
		s.dispatchError(w, err)
		return
	}

	res, err := s.forwarder.Dispatch(ctx, req)
	if err != nil {
		s.dispatchError(w, err)
		return
	}

	if err := s.hooks.DispatchAfter(ctx, res); err != nil {
		s.dispatchError(w, err)
		return
	}

	for k, v := range res.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(res.StatusCode)
	if _, err := w.Write(res.Body); err != nil {
		s.logger.Debug("failed to write response body", "error", err)
	}
}

// dispatchError maps pipeline failures onto HTTP statuses. Rejections — calls
// never attempted against a backend — additionally publish a
// dispatch.rejected event.
func (s *Server) dispatchError(w http.ResponseWriter, err error) {
	var critical *plugin.CriticalError

	switch {
	case errors.As(err, &critical):
		s.writeError(w, http.StatusInternalServerError, critical.Error())
	case errors.Is(err, balancer.ErrNoEligibleTarget):
		s.publishRejection(err, "no_eligible_target")
		s.writeError(w, http.StatusServiceUnavailable, "no healthy backend available")
	case errors.Is(err, exec.ErrCircuitOpen):
		s.publishRejection(err, "circuit_open")
		s.writeError(w, http.StatusServiceUnavailable, "circuit open")
	case errors.Is(err, exec.ErrResourceExhausted):
		s.publishRejection(err, "resource_exhausted")
		s.writeError(w, http.StatusServiceUnavailable, "backend at capacity")
	case errors.Is(err, exec.ErrTimeout):
		s.writeError(w, http.StatusGatewayTimeout, "backend timed out")
	default:
		s.writeError(w, http.StatusBadGateway, "dispatch failed: "+err.Error())
	}
}

func (s *Server) publishRejection(err error, reason string) {
	var entity string
	var rej *exec.RejectionError
	if errors.As(err, &rej) {
		entity = rej.Entity
	}
	s.hub.Publish(events.TypeDispatchRejected, events.DispatchRejection{
		Entity: entity,
		Reason: reason,
	})
}
