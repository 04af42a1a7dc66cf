package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/avvvet/bookbuddy-intent/internal/config"
	"github.com/avvvet/bookbuddy-intent/internal/fsm"
	"github.com/avvvet/bookbuddy-intent/internal/handlers"
	"github.com/avvvet/bookbuddy-intent/internal/logging"
	"github.com/avvvet/bookbuddy-intent/internal/models"
)

// Request/reply operations, addressed as <prefix>.<op>.
const (
	OpLogin    = "login"
	OpLogout   = "logout"
	OpSubmit   = "submit"
	OpRetry    = "retry"
	OpSettings = "settings"
	OpState    = "state"
)

// Subject joins the subject prefix and an operation or event suffix.
func Subject(prefix string, parts ...string) string {
	s := prefix
	for _, p := range parts {
		s += "." + p
	}
	return s
}

type NATSTransport struct {
	conn    *nats.Conn
	prefix  string
	timeout time.Duration
	handler *handlers.Handler
	logger  zerolog.Logger

	subs []*nats.Subscription
	wg   sync.WaitGroup
}

func NewNATSTransport(cfg *config.Config, handler *handlers.Handler, logger zerolog.Logger) (*NATSTransport, error) {
	// Connect to NATS
	conn, err := nats.Connect(cfg.NatsURL,
		nats.Name(cfg.ServiceName),
		nats.Timeout(cfg.NatsTimeout),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1), // Infinite reconnects
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	nt := &NATSTransport{
		conn:    conn,
		prefix:  cfg.NatsSubjectPrefix,
		timeout: cfg.NatsTimeout,
		handler: handler,
		logger:  logging.Component(logger, "nats"),
	}
	nt.logger.Info().Str("url", cfg.NatsURL).Msg("connected to NATS server")
	return nt, nil
}

// Start subscribes to every request subject.
func (nt *NATSTransport) Start() error {
	routes := map[string]nats.MsgHandler{
		OpLogin:    serve(nt, nt.handler.Login),
		OpLogout:   serve(nt, nt.handler.Logout),
		OpSubmit:   serve(nt, nt.handler.Submit),
		OpRetry:    serve(nt, nt.handler.Retry),
		OpSettings: serve(nt, nt.handler.UpdateSettings),
		OpState:    serve(nt, nt.handler.State),
	}

	for op, h := range routes {
		subject := Subject(nt.prefix, op)
		sub, err := nt.conn.Subscribe(subject, h)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		nt.subs = append(nt.subs, sub)
		nt.logger.Info().Str("subject", subject).Msg("subscribed")
	}
	return nil
}

// serve decodes a request, runs fn off the subscription goroutine so one
// slow command does not hold up other sessions, and replies with its result.
func serve[Req, Resp any](nt *NATSTransport, fn func(context.Context, *Req) *Resp) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var req Req
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			nt.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("invalid request")
			nt.respond(msg, errorPayload(models.ErrorParseError, "Invalid request format"))
			return
		}

		nt.wg.Add(1)
		go func() {
			defer nt.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), nt.timeout)
			defer cancel()
			nt.respond(msg, fn(ctx, &req))
		}()
	}
}

func (nt *NATSTransport) respond(msg *nats.Msg, v any) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		nt.logger.Error().Err(err).Str("subject", msg.Subject).Msg("failed to marshal response")
		return
	}
	if err := msg.Respond(data); err != nil {
		nt.logger.Error().Err(err).Str("subject", msg.Subject).Msg("failed to send response")
	}
}

// PublishEvent forwards a state-machine transition to <prefix>.events.<session>.
func (nt *NATSTransport) PublishEvent(sessionID string, r fsm.Record) {
	nt.publish(Subject(nt.prefix, "events", sessionID), EventFromRecord(sessionID, r))
}

// PublishHealth announces a resolver health transition on <prefix>.health.
func (nt *NATSTransport) PublishHealth(h models.ResolverHealth) {
	nt.publish(Subject(nt.prefix, "health"), h)
}

func (nt *NATSTransport) publish(subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		nt.logger.Error().Err(err).Str("subject", subject).Msg("failed to marshal event")
		return
	}
	if err := nt.conn.Publish(subject, data); err != nil {
		nt.logger.Warn().Err(err).Str("subject", subject).Msg("failed to publish event")
	}
}

// EventFromRecord converts a transition record into its wire form.
func EventFromRecord(sessionID string, r fsm.Record) models.Event {
	actions := make([]string, 0, len(r.Actions))
	for _, a := range r.Actions {
		actions = append(actions, string(a))
	}
	return models.Event{
		SessionID: sessionID,
		Machine:   r.Machine,
		From:      string(r.From),
		To:        string(r.To),
		Event:     string(r.Event),
		Actions:   actions,
		At:        r.At,
	}
}

type errorBody struct {
	Status       string `json:"status"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

func errorPayload(code, msg string) errorBody {
	return errorBody{Status: models.StatusError, ErrorCode: code, ErrorMessage: msg}
}

// Close stops taking requests, waits for in-flight ones and closes the connection.
func (nt *NATSTransport) Close() error {
	for _, sub := range nt.subs {
		if err := sub.Unsubscribe(); err != nil {
			nt.logger.Warn().Err(err).Str("subject", sub.Subject).Msg("failed to unsubscribe")
		}
	}
	nt.wg.Wait()
	if nt.conn != nil {
		nt.conn.Close()
		nt.logger.Info().Msg("NATS connection closed")
	}
	return nil
}
