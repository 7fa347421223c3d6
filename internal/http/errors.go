package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/mplewis/vibe-agency-sub002/internal/breaker"
	"github.com/mplewis/vibe-agency-sub002/internal/gates"
	"github.com/mplewis/vibe-agency-sub002/internal/logging"
	"github.com/mplewis/vibe-agency-sub002/internal/manifest"
	"github.com/mplewis/vibe-agency-sub002/internal/orchestrator"
	"github.com/mplewis/vibe-agency-sub002/internal/quota"
	"github.com/mplewis/vibe-agency-sub002/internal/workflow"
)

// Error codes returned in ErrorResponse.Code.
const (
	CodeBadRequest        = "bad_request"
	CodeNotFound          = "not_found"
	CodeConflict          = "conflict"
	CodeTransition        = "transition_rejected"
	CodeRepairExhausted   = "repair_exhausted"
	CodeGateBlocked       = "gate_blocked"
	CodeArtifactNotFound  = "artifact_not_found"
	CodeQuotaExceeded     = "quota_exceeded"
	CodeExecutorUnhealthy = "executor_unavailable"
	CodeInvalidWorkflow   = "invalid_workflow"
	CodeInternal          = "internal"
)

// statusFor maps domain errors to an HTTP status and code. Order matters:
// the more specific kinds wrap the generic transition error.
func statusFor(err error) (int, string) {
	var httpErr *echo.HTTPError
	switch {
	case errors.As(err, &httpErr):
		return httpErr.Code, codeForStatus(httpErr.Code)
	case errors.Is(err, manifest.ErrInvalidProjectID):
		return http.StatusBadRequest, CodeBadRequest
	case errors.Is(err, manifest.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, manifest.ErrExists):
		return http.StatusConflict, CodeConflict
	case errors.Is(err, quota.ErrExceeded):
		return http.StatusTooManyRequests, CodeQuotaExceeded
	case breaker.IsRejection(err):
		return http.StatusServiceUnavailable, CodeExecutorUnhealthy
	case errors.Is(err, orchestrator.ErrRepairExhausted):
		return http.StatusConflict, CodeRepairExhausted
	case errors.Is(err, gates.ErrGateBlocked):
		return http.StatusUnprocessableEntity, CodeGateBlocked
	case errors.Is(err, orchestrator.ErrArtifactNotFound):
		return http.StatusUnprocessableEntity, CodeArtifactNotFound
	case errors.Is(err, workflow.ErrInvalidWorkflow):
		return http.StatusInternalServerError, CodeInvalidWorkflow
	case errors.Is(err, orchestrator.ErrTransition):
		return http.StatusConflict, CodeTransition
	}
	return http.StatusInternalServerError, CodeInternal
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return CodeBadRequest
	case http.StatusNotFound:
		return CodeNotFound
	case http.StatusConflict:
		return CodeConflict
	}
	if status < http.StatusInternalServerError {
		return CodeBadRequest
	}
	return CodeInternal
}

// errorHandler renders every error as an ErrorResponse.
func errorHandler(logger *logging.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status, code := statusFor(err)
		msg := err.Error()
		var httpErr *echo.HTTPError
		if errors.As(err, &httpErr) {
			if m, ok := httpErr.Message.(string); ok {
				msg = m
			}
		}

		ctx := c.Request().Context()
		if status >= http.StatusInternalServerError {
			logger.Error(ctx, "request failed", zap.Error(err), zap.String("code", code))
		} else {
			logger.Debug(ctx, "request rejected", zap.Error(err), zap.String("code", code))
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = c.JSON(status, ErrorResponse{Code: code, Message: msg})
		}
		if err != nil {
			logger.Warn(ctx, "failed to write error response", zap.Error(err))
		}
	}
}
