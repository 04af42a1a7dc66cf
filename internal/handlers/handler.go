package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/avvvet/bookbuddy-intent/internal/logging"
	"github.com/avvvet/bookbuddy-intent/internal/models"
	"github.com/avvvet/bookbuddy-intent/internal/processor"
	"github.com/avvvet/bookbuddy-intent/internal/prompts"
	"github.com/avvvet/bookbuddy-intent/internal/session"
)

const genericErrorMessage = "I'm sorry, I encountered an error processing your request. Please try again."

// Handler turns transport requests into session operations. It never
// returns raw errors: every failure becomes a response with an error code.
type Handler struct {
	sessions *session.Manager
	logger   zerolog.Logger
}

func NewHandler(sessions *session.Manager, logger zerolog.Logger) *Handler {
	return &Handler{
		sessions: sessions,
		logger:   logging.Component(logger, "handler"),
	}
}

// Login opens or restores a session and authenticates it. A session that is
// already authenticated (for example restored from storage) is returned as is.
func (h *Handler) Login(ctx context.Context, req *models.LoginRequest) *models.SessionResponse {
	if !req.Demo && strings.TrimSpace(req.Username) == "" && req.SessionID == "" {
		return h.sessionError(req.SessionID, models.ErrorParseError, "username is required")
	}

	s, err := h.sessions.Open(ctx, req.SessionID)
	if err != nil {
		return h.sessionError(req.SessionID, models.ErrorCode(err), err.Error())
	}
	if s.Authenticated() {
		return sessionResponse(s)
	}

	if req.Demo {
		err = s.DemoLogin(ctx, req.Username, req.Timezone)
	} else {
		err = s.Login(ctx, req.Username, req.Password, req.Timezone)
	}
	if err != nil {
		resp := sessionResponse(s)
		code, msg := models.ErrorLoginFailed, err.Error()
		resp.ErrorCode, resp.ErrorMessage = &code, &msg
		if req.SessionID == "" {
			// the session was opened for this attempt only
			h.sessions.Remove(s.ID())
			resp.SessionID = ""
		}
		return resp
	}

	h.logger.Info().Str("session_id", s.ID()).Bool("demo", req.Demo).Msg("session authenticated")
	return sessionResponse(s)
}

// Logout ends the session and drops it from the registry.
func (h *Handler) Logout(ctx context.Context, req *models.SessionRequest) *models.SessionResponse {
	s, resp := h.lookup(req.SessionID)
	if resp != nil {
		return resp
	}
	if err := s.Logout(ctx); err != nil {
		return h.sessionError(req.SessionID, models.ErrorCode(err), err.Error())
	}
	h.sessions.Remove(s.ID())
	return sessionResponse(s)
}

// State reports session and processor state.
func (h *Handler) State(_ context.Context, req *models.SessionRequest) *models.SessionResponse {
	s, resp := h.lookup(req.SessionID)
	if resp != nil {
		return resp
	}
	return sessionResponse(s)
}

// UpdateSettings applies new resolver settings; invalid ones are rejected
// and the response carries the settings still in effect.
func (h *Handler) UpdateSettings(ctx context.Context, req *models.SettingsRequest) *models.SessionResponse {
	s, resp := h.lookup(req.SessionID)
	if resp != nil {
		return resp
	}
	if _, err := s.UpdateSettings(ctx, req.Settings); err != nil {
		resp := sessionResponse(s)
		code, msg := models.ErrorCode(err), err.Error()
		resp.ErrorCode, resp.ErrorMessage = &code, &msg
		return resp
	}
	return sessionResponse(s)
}

// Submit runs one command.
func (h *Handler) Submit(ctx context.Context, req *models.CommandRequest) *models.CommandResponse {
	if err := validateCommand(req); err != nil {
		return commandError(req.SessionID, processor.Outcome{}, models.ErrorParseError, err.Error(), genericErrorMessage)
	}
	s, err := h.sessions.Get(req.SessionID)
	if err != nil {
		return errorResponse(req.SessionID, processor.Outcome{}, err)
	}

	out, err := s.Submit(ctx, strings.TrimSpace(req.Command))
	h.logger.Info().
		Str("session_id", req.SessionID).
		Str("command_id", out.CommandID).
		Str("path", string(out.Path)).
		Str("state", string(out.State)).
		AnErr("error", err).
		Msg("command processed")
	if err != nil {
		return errorResponse(req.SessionID, out, err)
	}
	return commandResponse(req.SessionID, out)
}

// Retry re-runs the session's last failed command.
func (h *Handler) Retry(ctx context.Context, req *models.SessionRequest) *models.CommandResponse {
	if req.SessionID == "" {
		return commandError("", processor.Outcome{}, models.ErrorParseError, "session_id is required", genericErrorMessage)
	}
	s, err := h.sessions.Get(req.SessionID)
	if err != nil {
		return errorResponse(req.SessionID, processor.Outcome{}, err)
	}

	out, err := s.Retry(ctx)
	if err != nil {
		return errorResponse(req.SessionID, out, err)
	}
	return commandResponse(req.SessionID, out)
}

func (h *Handler) lookup(sessionID string) (*session.Session, *models.SessionResponse) {
	if sessionID == "" {
		return nil, h.sessionError("", models.ErrorParseError, "session_id is required")
	}
	s, err := h.sessions.Get(sessionID)
	if err != nil {
		return nil, h.sessionError(sessionID, models.ErrorCode(err), err.Error())
	}
	return s, nil
}

func (h *Handler) sessionError(sessionID, code, msg string) *models.SessionResponse {
	h.logger.Warn().Str("session_id", sessionID).Str("code", code).Msg(msg)
	return &models.SessionResponse{
		SessionID:    sessionID,
		SessionState: string(session.StateUnauthenticated),
		ErrorCode:    &code,
		ErrorMessage: &msg,
	}
}

func validateCommand(req *models.CommandRequest) error {
	if req.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if strings.TrimSpace(req.Command) == "" {
		return fmt.Errorf("command is required")
	}
	return nil
}

func sessionResponse(s *session.Session) *models.SessionResponse {
	health := s.Health()
	return &models.SessionResponse{
		SessionID:      s.ID(),
		User:           s.User(),
		Settings:       s.Settings(),
		SessionState:   string(s.State()),
		ProcessorState: string(s.ProcessorState()),
		Health:         &health,
	}
}

func commandResponse(sessionID string, out processor.Outcome) *models.CommandResponse {
	resp := &models.CommandResponse{
		SessionID:   sessionID,
		CommandID:   out.CommandID,
		Status:      models.StatusOK,
		Path:        string(out.Path),
		State:       string(out.State),
		Attempts:    out.Attempts,
		UserMessage: out.Response,
		Data:        out.Data,
	}
	if out.NeedsInfo {
		resp.Status = models.StatusNeedsInfo
	}
	if out.Intent != nil {
		action := out.Intent.Action
		resp.Action = &action
		resp.Params = out.Intent.Params
	}
	if resp.UserMessage == "" {
		resp.UserMessage = "Done."
	}
	return resp
}

func errorResponse(sessionID string, out processor.Outcome, err error) *models.CommandResponse {
	return commandError(sessionID, out, models.ErrorCode(err), err.Error(), userMessage(err))
}

func commandError(sessionID string, out processor.Outcome, code, msg, userMsg string) *models.CommandResponse {
	resp := commandResponse(sessionID, out)
	resp.Status = models.StatusError
	resp.UserMessage = userMsg
	resp.Data = nil
	resp.ErrorCode = &code
	resp.ErrorMessage = &msg
	return resp
}

// userMessage is what the operator sees for a failed command.
func userMessage(err error) string {
	var exec *models.ExecutionError
	switch {
	case errors.Is(err, models.ErrNotAuthenticated):
		return "Please log in first."
	case errors.Is(err, models.ErrSessionNotFound):
		return "Your session has ended, please log in again."
	case errors.Is(err, models.ErrRetryLimit):
		return "That command failed too many times. Please submit it again."
	case errors.Is(err, models.ErrNoFailedCommand):
		return "There is nothing to retry."
	case errors.As(err, &exec):
		return fmt.Sprintf("The booking service could not do that: %v.", exec.Err)
	case models.IsResolverError(err):
		return prompts.FallbackMessage
	default:
		return genericErrorMessage
	}
}
