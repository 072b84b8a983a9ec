package verifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"cosplans/internal/apperrors"
	"cosplans/internal/metrics"
	"cosplans/internal/types"
)

const defaultTimeout = 4 * time.Second

// CredentialCheck decides whether a form's credentials are usable. It returns nil for
// valid credentials, ErrInvalidCredential or ErrForbidden for rejected ones, and any
// other error for connectivity problems.
type CredentialCheck func(ctx context.Context, form types.ServiceConnectionForm) error

var (
	ErrInvalidCredential = errors.New("service key rejected")
	ErrForbidden         = errors.New("service key forbidden")
)

type Options struct {
	Timeout time.Duration
}

type Verifier struct {
	check   CredentialCheck
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

func New(check CredentialCheck, timeout time.Duration, logger *slog.Logger) *Verifier {
	if check == nil {
		check = HeuristicCheck
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		check:   check,
		timeout: timeout,
		now:     time.Now,
		logger:  logger,
	}
}

// Verify runs the credential check under a deadline and reports the outcome. Malformed
// forms are rejected with a CONNECTION_FORM_INVALID error before any check runs.
func (v *Verifier) Verify(ctx context.Context, form types.ServiceConnectionForm, opts Options) (types.ConnectionVerificationResult, error) {
	if err := form.ValidateCredentials(); err != nil {
		return types.ConnectionVerificationResult{}, apperrors.Wrap(apperrors.CodeConnectionFormInvalid, err.Error(), err)
	}

	timeout := v.timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}

	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := v.now()
	err := runCheck(checkCtx, v.check, form)
	latency := v.now().Sub(started)
	if latency > timeout {
		latency = timeout
	}

	result := types.ConnectionVerificationResult{
		CheckedAt: v.now().UTC(),
		LatencyMs: latency.Milliseconds(),
	}

	var upstream *UpstreamStatusError
	switch {
	case err == nil:
		result.OK = true
		result.Severity = types.SeverityInfo
		result.Message = "Service key verified"
	case errors.Is(err, ErrInvalidCredential):
		result.Severity = types.SeverityWarning
		result.Message = "Service key was rejected"
		result.FailureCode = apperrors.CodeAuthInvalidServiceKey
		result.Remediation = "Rotate the service role key in the project dashboard (Settings > API) and submit the new key."
	case errors.Is(err, ErrForbidden):
		result.Severity = types.SeverityWarning
		result.Message = "Service key does not have access to the project"
		result.FailureCode = apperrors.CodeAuthForbidden
		result.Remediation = "Use the service role key for this project rather than the anon key."
	case errors.As(err, &upstream):
		result.Severity = types.SeverityCritical
		result.Message = fmt.Sprintf("Project answered with HTTP %d", upstream.StatusCode)
		result.FailureCode = apperrors.CodeUpstreamHTTP
		result.Remediation = "Check the project status page and verify again once it is serving requests."
	case isTimeout(err):
		result.Severity = types.SeverityCritical
		result.Message = "Verification timed out"
		result.FailureCode = apperrors.CodeNetworkTimeout
		result.Remediation = "Check that the project is running and reachable, then verify again."
	default:
		result.Severity = types.SeverityCritical
		result.Message = "Project could not be reached"
		result.FailureCode = apperrors.CodeNetworkError
		result.Remediation = "Confirm the project URL is correct and reachable from this network."
	}

	metrics.ObserveVerification(result.FailureCode)
	v.logger.Debug("connection verified",
		"ok", result.OK,
		"failure_code", result.FailureCode,
		"latency_ms", result.LatencyMs,
		"team_id", form.TeamID,
	)
	return result, nil
}

// runCheck returns when the check finishes or the deadline passes, whichever is first.
func runCheck(ctx context.Context, check CredentialCheck, form types.ServiceConnectionForm) error {
	done := make(chan error, 1)
	go func() {
		done <- check(ctx, form)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
