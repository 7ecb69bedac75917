// Package ingest receives alerts from trusted subsystems over NATS and
// hands them to the alert notifier. Clients never publish here.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"carebridge/internal/alerts"
	"carebridge/pkg/types"
)

// Subject suffixes, one per notifier operation.
const (
	SubjectCrisis       = "crisis_alert"
	SubjectModeration   = "moderation_alert"
	SubjectAppointment  = "appointment"
	SubjectAnnouncement = "system_announcement"
)

// Notifier is the alert API the subscriber drives.
type Notifier interface {
	EmitCrisisAlert(ctx context.Context, in alerts.CrisisInput) (*alerts.Delivery, error)
	EmitModerationAlert(ctx context.Context, in alerts.ModerationInput) (*alerts.Delivery, error)
	EmitAppointmentNotification(ctx context.Context, in alerts.AppointmentInput) (*alerts.Delivery, error)
	EmitSystemAnnouncement(ctx context.Context, in alerts.AnnouncementInput) (*alerts.Delivery, error)
}

// Config configures the NATS connection.
type Config struct {
	URL           string
	SubjectPrefix string
	Queue         string
	MaxReconnects int
	ReconnectWait time.Duration
	HandleTimeout time.Duration
}

// Reply is sent back when the publisher used request/reply.
type Reply struct {
	AlertID   string `json:"alertId,omitempty"`
	Delivered int    `json:"delivered"`
	Error     string `json:"error,omitempty"`
	Kind      string `json:"kind,omitempty"`
}

// Subscriber consumes `<prefix>.<type>` subjects.
type Subscriber struct {
	cfg      Config
	notifier Notifier
	log      zerolog.Logger

	mu   sync.Mutex
	conn *nats.Conn
	sub  *nats.Subscription

	respond func(msg *nats.Msg, data []byte) error
}

// NewSubscriber creates an unstarted subscriber.
func NewSubscriber(cfg Config, notifier Notifier, logger zerolog.Logger) *Subscriber {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "carebridge.alerts"
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = 10 * time.Second
	}
	return &Subscriber{
		cfg:      cfg,
		notifier: notifier,
		log:      logger.With().Str("component", "ingest").Logger(),
		respond: func(msg *nats.Msg, data []byte) error {
			return msg.Respond(data)
		},
	}
}

// Start connects and subscribes to every alert subject.
func (s *Subscriber) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return ErrAlreadyStarted
	}
	if s.cfg.URL == "" {
		return ErrMissingURL
	}

	nc, err := nats.Connect(s.cfg.URL,
		nats.Name("carebridge"),
		nats.MaxReconnects(s.cfg.MaxReconnects),
		nats.ReconnectWait(s.cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				s.log.Warn().Err(err).Msg("disconnected from nats")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			s.log.Info().Str("url", c.ConnectedUrl()).Msg("reconnected to nats")
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to nats: %w", err)
	}

	subject := s.cfg.SubjectPrefix + ".>"
	var sub *nats.Subscription
	if s.cfg.Queue != "" {
		sub, err = nc.QueueSubscribe(subject, s.cfg.Queue, s.HandleMessage)
	} else {
		sub, err = nc.Subscribe(subject, s.HandleMessage)
	}
	if err != nil {
		nc.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	s.conn = nc
	s.sub = sub
	s.log.Info().Str("url", s.cfg.URL).Str("subject", subject).Str("queue", s.cfg.Queue).Msg("alert ingest started")
	return nil
}

// Stop drains the subscription and closes the connection.
func (s *Subscriber) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Drain()
	s.conn = nil
	s.sub = nil
	if err != nil {
		return fmt.Errorf("failed to drain nats connection: %w", err)
	}
	s.log.Info().Msg("alert ingest stopped")
	return nil
}

// HandleMessage decodes one alert and emits it. Failures are logged and,
// for request/reply publishers, answered.
func (s *Subscriber) HandleMessage(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HandleTimeout)
	defer cancel()

	kind := strings.TrimPrefix(msg.Subject, s.cfg.SubjectPrefix+".")
	log := s.log.With().Str("subject", msg.Subject).Logger()

	delivery, err := s.dispatch(ctx, kind, msg.Data)
	reply := Reply{}
	if delivery != nil {
		reply.AlertID = delivery.AlertID
		reply.Delivered = delivery.Delivered
	}
	if err != nil {
		reply.Error = err.Error()
		reply.Kind = string(types.KindOfError(err))
		if delivery != nil {
			log.Error().Err(err).Str("alert_id", delivery.AlertID).Msg("alert delivered with error")
		} else {
			log.Warn().Err(err).Msg("alert rejected")
		}
	} else {
		log.Debug().Str("alert_id", delivery.AlertID).Int("delivered", delivery.Delivered).Msg("alert delivered")
	}

	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode reply")
		return
	}
	if err := s.respond(msg, data); err != nil {
		log.Warn().Err(err).Msg("failed to reply")
	}
}

func (s *Subscriber) dispatch(ctx context.Context, kind string, data []byte) (*alerts.Delivery, error) {
	switch kind {
	case SubjectCrisis:
		var in alerts.CrisisInput
		if err := decode(data, &in); err != nil {
			return nil, err
		}
		return s.notifier.EmitCrisisAlert(ctx, in)
	case SubjectModeration:
		var in alerts.ModerationInput
		if err := decode(data, &in); err != nil {
			return nil, err
		}
		return s.notifier.EmitModerationAlert(ctx, in)
	case SubjectAppointment:
		var in alerts.AppointmentInput
		if err := decode(data, &in); err != nil {
			return nil, err
		}
		return s.notifier.EmitAppointmentNotification(ctx, in)
	case SubjectAnnouncement:
		var in alerts.AnnouncementInput
		if err := decode(data, &in); err != nil {
			return nil, err
		}
		return s.notifier.EmitSystemAnnouncement(ctx, in)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSubject, kind)
	}
}

func decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedAlert, err)
	}
	return nil
}
