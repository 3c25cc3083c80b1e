// Package natsub feeds score reports published on NATS into the ingestion path.
package natsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/okian/rankd/internal/domain/model"
	"github.com/okian/rankd/pkg/logger"
)

const (
	DefaultSubject = "rankd.scores"
	QueueGroup     = "rankd"
)

var ErrInvalidMessage = errors.New("invalid score message")

// Handler accepts one decoded score report.
type Handler func(ctx context.Context, u model.ScoreUpdate) error

// Message is the wire form of a score report.
type Message struct {
	EventID      string    `json:"event_id"`
	Leaderboard  string    `json:"leaderboard"`
	EntityID     string    `json:"entity_id"`
	Mode         string    `json:"mode,omitempty"`
	Score        float64   `json:"score"`
	At           time.Time `json:"at"`
	DisplayName  string    `json:"display_name,omitempty"`
	ProfileLabel string    `json:"profile_label,omitempty"`
	BackingID    string    `json:"backing_id,omitempty"`
}

// Decode parses and validates a message payload.
func Decode(data []byte) (model.ScoreUpdate, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return model.ScoreUpdate{}, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	switch {
	case strings.TrimSpace(m.Leaderboard) == "":
		return model.ScoreUpdate{}, fmt.Errorf("%w: missing leaderboard", ErrInvalidMessage)
	case strings.TrimSpace(m.EntityID) == "":
		return model.ScoreUpdate{}, fmt.Errorf("%w: missing entity_id", ErrInvalidMessage)
	}
	return model.ScoreUpdate{
		EventID:      m.EventID,
		Slug:         m.Leaderboard,
		EntityID:     m.EntityID,
		Mode:         m.Mode,
		Score:        m.Score,
		At:           m.At,
		DisplayName:  m.DisplayName,
		ProfileLabel: m.ProfileLabel,
		BackingID:    m.BackingID,
	}, nil
}

// Connect dials NATS with the service's client name.
func Connect(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("rankd"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return nc, nil
}

// Subscriber consumes score reports from one subject in the rankd queue group,
// so each message is handled by exactly one instance.
type Subscriber struct {
	nc      *nats.Conn
	subject string
	handle  Handler
	log     logger.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

// New creates a subscriber. An empty subject means DefaultSubject.
func New(nc *nats.Conn, subject string, h Handler, l logger.Logger) *Subscriber {
	if subject == "" {
		subject = DefaultSubject
	}
	if l == nil {
		l = logger.Get().Named("natsub")
	}
	return &Subscriber{nc: nc, subject: subject, handle: h, log: l}
}

// Start subscribes. Calling it twice is a no-op.
func (s *Subscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		return nil
	}
	sub, err := s.nc.QueueSubscribe(s.subject, QueueGroup, func(msg *nats.Msg) {
		s.onMessage(ctx, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.subject, err)
	}
	s.sub = sub
	s.log.Info(ctx, "nats subscriber started",
		logger.String("subject", s.subject),
		logger.String("queue", QueueGroup),
	)
	return nil
}

func (s *Subscriber) onMessage(ctx context.Context, data []byte) {
	u, err := Decode(data)
	if err != nil {
		s.log.Warn(ctx, "discarding score message", logger.Error(err))
		return
	}
	if err := s.handle(ctx, u); err != nil {
		s.log.Warn(ctx, "score message not accepted",
			logger.String("leaderboard", u.Slug),
			logger.String("entity", u.EntityID),
			logger.Error(err),
		)
	}
}

// Stop drains the subscription so in-flight messages finish.
func (s *Subscriber) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub == nil {
		return nil
	}
	err := s.sub.Drain()
	s.sub = nil
	if err != nil {
		return fmt.Errorf("drain %s: %w", s.subject, err)
	}
	return nil
}
