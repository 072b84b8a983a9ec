package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"cosplans/internal/apperrors"
	"cosplans/internal/incidents"
	"cosplans/internal/types"
	"cosplans/internal/verifier"
)

type verifyRequest struct {
	types.ServiceConnectionForm
	TimeoutMs int `json:"timeoutMs,omitempty"`
}

type activateResponse struct {
	Connection   types.ServiceConnection            `json:"connection"`
	Verification types.ConnectionVerificationResult `json:"verification"`
}

type healthResponse struct {
	TeamID    string                 `json:"teamId"`
	Snapshots []types.HealthSnapshot `json:"snapshots"`
}

type acknowledgeRequest struct {
	IncidentID string `json:"incidentId"`
	OperatorID string `json:"operatorId,omitempty"`
	TeamID     string `json:"teamId,omitempty"`
}

func (s *Server) handleVerifyConnection(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	opts := verifier.Options{}
	if req.TimeoutMs > 0 {
		opts.Timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	result, err := s.deps.Connections.Verify(r.Context(), req.ServiceConnectionForm, opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, result, http.StatusOK)
}

func (s *Server) handleRegisterConnection(w http.ResponseWriter, r *http.Request) {
	var form types.ServiceConnectionForm
	if err := decodeJSON(r, &form); err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	conn, err := s.deps.Connections.Register(ctx, form)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, publicConnection(conn), http.StatusCreated)
}

func (s *Server) handleActivateConnection(w http.ResponseWriter, r *http.Request) {
	conn, result, err := s.deps.Connections.Activate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, activateResponse{Connection: publicConnection(conn), Verification: result}, http.StatusOK)
}

func (s *Server) handleDeactivateConnection(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	conn, err := s.deps.Connections.Deactivate(ctx, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, publicConnection(conn), http.StatusOK)
}

func (s *Server) handleDeleteConnection(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	if err := s.deps.Connections.Delete(ctx, chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	conns, err := s.deps.Connections.List(ctx, chi.URLParam(r, "teamId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]types.ServiceConnection, 0, len(conns))
	for _, conn := range conns {
		out = append(out, publicConnection(conn))
	}
	writeJSON(w, out, http.StatusOK)
}

func (s *Server) handleListHealth(w http.ResponseWriter, r *http.Request) {
	teamID := chi.URLParam(r, "teamId")

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	snapshots, err := s.deps.Health.ListSnapshots(ctx, teamID)
	if err != nil {
		s.writeError(w, r, apperrors.Wrap(apperrors.CodeRepositoryUnavailable, "health could not be loaded", err))
		return
	}
	if snapshots == nil {
		snapshots = []types.HealthSnapshot{}
	}
	writeJSON(w, healthResponse{TeamID: teamID, Snapshots: snapshots}, http.StatusOK)
}

func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := types.IncidentFilter{
		TeamID:              chi.URLParam(r, "teamId"),
		ServiceConnectionID: strings.TrimSpace(query.Get("connectionId")),
		Status:              strings.TrimSpace(query.Get("status")),
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.writeError(w, r, apperrors.New(apperrors.CodeInvalidPayload, "limit must be a non-negative integer"))
			return
		}
		filter.Limit = limit
	}
	if filter.Status != "" && filter.Status != types.IncidentStatusOpen && filter.Status != types.IncidentStatusAcknowledged {
		s.writeError(w, r, apperrors.New(apperrors.CodeInvalidPayload, "status must be open or acknowledged"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	list, err := s.deps.Incidents.List(ctx, filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []types.Incident{}
	}
	writeJSON(w, list, http.StatusOK)
}

// handleRunHeartbeats probes every active connection. When a shared secret is
// configured the caller must present it as a bearer token.
func (s *Server) handleRunHeartbeats(w http.ResponseWriter, r *http.Request) {
	if !s.authorizedTrigger(r) {
		s.writeError(w, r, apperrors.New(apperrors.CodeHeartbeatUnauthorized, "missing or invalid heartbeat secret"))
		return
	}

	summary, err := s.deps.Heartbeats.RunAll(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if summary.Results == nil {
		summary.Results = []types.HeartbeatResult{}
	}
	writeJSON(w, summary, http.StatusOK)
}

func (s *Server) authorizedTrigger(r *http.Request) bool {
	if s.cfg.HeartbeatSecret == "" {
		return true
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(s.cfg.HeartbeatSecret)) == 1
}

func (s *Server) handleAcknowledgeIncident(w http.ResponseWriter, r *http.Request) {
	var req acknowledgeRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	ackReq := types.AcknowledgeIncidentRequest{
		TeamID:     firstNonEmpty(req.TeamID, s.cfg.DefaultTeamID),
		IncidentID: req.IncidentID,
		OperatorID: firstNonEmpty(req.OperatorID, s.cfg.DefaultOperatorID),
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	incident, err := s.deps.Incidents.AcknowledgeIncident(ctx, ackReq)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if incident == nil {
		s.writeError(w, r, apperrors.New(apperrors.CodeIncidentNotFound, "incident not found"))
		return
	}
	writeJSON(w, incidents.AcknowledgementOf(*incident), http.StatusOK)
}

func publicConnection(conn types.ServiceConnection) types.ServiceConnection {
	conn.ConnectionMetadata = types.PublicMetadata(conn.ConnectionMetadata)
	return conn
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
