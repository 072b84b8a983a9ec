// Package registry manages the lifecycle of service connections: registration,
// verified activation and deactivation.
package registry

import (
	"context"
	"log/slog"
	"strings"

	"cosplans/internal/apperrors"
	"cosplans/internal/types"
	"cosplans/internal/verifier"
)

type Repository interface {
	CreateConnection(ctx context.Context, form types.ServiceConnectionForm) (types.ServiceConnection, error)
	GetConnection(ctx context.Context, id string) (*types.ServiceConnection, error)
	ListConnections(ctx context.Context, teamID string) ([]types.ServiceConnection, error)
	ActivateConnection(ctx context.Context, id string) (types.ServiceConnection, error)
	DeactivateConnection(ctx context.Context, id string) (types.ServiceConnection, error)
	DeleteConnection(ctx context.Context, id string) error
}

type Verifier interface {
	Verify(ctx context.Context, form types.ServiceConnectionForm, opts verifier.Options) (types.ConnectionVerificationResult, error)
}

type Registry struct {
	repo     Repository
	verifier Verifier
	logger   *slog.Logger
}

func New(repo Repository, v Verifier, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{repo: repo, verifier: v, logger: logger}
}

// Verify checks a form without touching stored state.
func (r *Registry) Verify(ctx context.Context, form types.ServiceConnectionForm, opts verifier.Options) (types.ConnectionVerificationResult, error) {
	return r.verifier.Verify(ctx, form, opts)
}

// Register stores the form as a pending connection.
func (r *Registry) Register(ctx context.Context, form types.ServiceConnectionForm) (types.ServiceConnection, error) {
	if err := form.Validate(); err != nil {
		return types.ServiceConnection{}, apperrors.Wrap(apperrors.CodeConnectionFormInvalid, err.Error(), err)
	}
	conn, err := r.repo.CreateConnection(ctx, form)
	if err != nil {
		return types.ServiceConnection{}, apperrors.Wrap(apperrors.CodeRepositoryWriteFailed, "connection could not be saved", err)
	}
	r.logger.Info("connection registered", "connection_id", conn.ID, "team_id", conn.TeamID, "environment", conn.Environment)
	return conn, nil
}

// Activate re-verifies the stored credentials and, when they pass, makes the connection
// the active one for its team and environment. A failed verification leaves every
// connection untouched and is returned as CONNECTION_NOT_VERIFIED.
func (r *Registry) Activate(ctx context.Context, id string) (types.ServiceConnection, types.ConnectionVerificationResult, error) {
	conn, err := r.Get(ctx, id)
	if err != nil {
		return types.ServiceConnection{}, types.ConnectionVerificationResult{}, err
	}

	result, err := r.verifier.Verify(ctx, types.FormFromConnection(conn), verifier.Options{})
	if err != nil {
		return types.ServiceConnection{}, types.ConnectionVerificationResult{}, err
	}
	if !result.OK {
		notVerified := apperrors.New(apperrors.CodeConnectionNotVerified, result.Message)
		if result.Remediation != "" {
			notVerified = notVerified.WithRecommendation(result.Remediation)
		}
		return types.ServiceConnection{}, result, notVerified
	}

	activated, err := r.repo.ActivateConnection(ctx, id)
	if err != nil {
		if _, ok := apperrors.As(err); ok {
			return types.ServiceConnection{}, result, err
		}
		return types.ServiceConnection{}, result, apperrors.Wrap(apperrors.CodeRepositoryWriteFailed, "connection could not be activated", err)
	}
	r.logger.Info("connection activated", "connection_id", activated.ID, "team_id", activated.TeamID, "latency_ms", result.LatencyMs)
	return activated, result, nil
}

func (r *Registry) Deactivate(ctx context.Context, id string) (types.ServiceConnection, error) {
	conn, err := r.repo.DeactivateConnection(ctx, strings.TrimSpace(id))
	if err != nil {
		if _, ok := apperrors.As(err); ok {
			return types.ServiceConnection{}, err
		}
		return types.ServiceConnection{}, apperrors.Wrap(apperrors.CodeRepositoryWriteFailed, "connection could not be deactivated", err)
	}
	r.logger.Info("connection deactivated", "connection_id", conn.ID, "team_id", conn.TeamID)
	return conn, nil
}

// Delete removes a connection together with its health snapshot. Incidents are kept.
func (r *Registry) Delete(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if err := r.repo.DeleteConnection(ctx, id); err != nil {
		if _, ok := apperrors.As(err); ok {
			return err
		}
		return apperrors.Wrap(apperrors.CodeRepositoryWriteFailed, "connection could not be deleted", err)
	}
	r.logger.Info("connection deleted", "connection_id", id)
	return nil
}

func (r *Registry) Get(ctx context.Context, id string) (types.ServiceConnection, error) {
	conn, err := r.repo.GetConnection(ctx, strings.TrimSpace(id))
	if err != nil {
		return types.ServiceConnection{}, apperrors.Wrap(apperrors.CodeRepositoryUnavailable, "connection could not be loaded", err)
	}
	if conn == nil {
		return types.ServiceConnection{}, apperrors.New(apperrors.CodeConnectionNotFound, "service connection not found")
	}
	return *conn, nil
}

func (r *Registry) List(ctx context.Context, teamID string) ([]types.ServiceConnection, error) {
	if strings.TrimSpace(teamID) == "" {
		return nil, apperrors.New(apperrors.CodeInvalidPayload, "teamId is required")
	}
	conns, err := r.repo.ListConnections(ctx, teamID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeRepositoryUnavailable, "connections could not be loaded", err)
	}
	return conns, nil
}
