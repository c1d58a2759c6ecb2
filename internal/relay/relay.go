// Package relay is the peer-relayed transport shape: session events are
// published to per-participant NATS subjects and reaction reports arrive on
// a command subject, so a relaying peer (or bridge process) can carry the
// duel over whatever channel it has. The engine stays the timing authority.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/highnoon/showdown/internal/transport"
)

// Engine is the inbound surface the relay needs.
type Engine interface {
	SubmitDraw(participantID uuid.UUID, offsetMs int64) (bool, error)
	Disconnect(participantID uuid.UUID)
}

// Config holds the JetStream settings for the relay.
type Config struct {
	URL            string
	StreamName     string
	EventPrefix    string // outbound, e.g. "duel.events"
	CommandSubject string // inbound, e.g. "duel.commands"
	ConsumerName   string
	MaxReconnects  int
	ReconnectWait  time.Duration
	MaxAge         time.Duration
	MaxDeliver     int
	AckWait        time.Duration
	MaxAckPending  int
}

// DefaultConfig returns the default relay configuration.
func DefaultConfig() Config {
	return Config{
		URL:            nats.DefaultURL,
		StreamName:     "DUEL",
		EventPrefix:    "duel.events",
		CommandSubject: "duel.commands",
		ConsumerName:   "duel-engine",
		MaxReconnects:  -1, // Infinite
		ReconnectWait:  2 * time.Second,
		MaxAge:         time.Hour,
		MaxDeliver:     5,
		AckWait:        30 * time.Second,
		MaxAckPending:  100,
	}
}

// command is the inbound message format on the command subject.
type command struct {
	Type          string `json:"type"` // "playerDraw" or "leave"
	ParticipantID string `json:"participant_id"`
	OffsetMs      int64  `json:"offset_ms,omitempty"`
}

type outbound struct {
	participantID uuid.UUID
	event         *transport.DuelEvent
}

// Service is both halves of the relay transport: a transport.Notifier that
// publishes events, and a consumer that ingests relayed submissions.
type Service struct {
	engine   Engine
	cfg      Config
	nc       *nats.Conn
	js       jetstream.JetStream
	consumer jetstream.Consumer

	publishCh chan outbound
}

// New connects to NATS and ensures the duel stream and consumer exist.
func New(cfg Config, engine Engine) (*Service, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	s := &Service{
		engine:    engine,
		cfg:       cfg,
		nc:        nc,
		js:        js,
		publishCh: make(chan outbound, 1000),
	}

	if err := s.ensureStream(context.Background()); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}
	if err := s.ensureConsumer(context.Background()); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure consumer: %w", err)
	}
	return s, nil
}

func (s *Service) ensureStream(ctx context.Context) error {
	sc := jetstream.StreamConfig{
		Name:        s.cfg.StreamName,
		Description: "Duel events and relayed commands",
		Subjects:    []string{fmt.Sprintf("%s.>", s.cfg.EventPrefix), s.cfg.CommandSubject},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      s.cfg.MaxAge,
		Storage:     jetstream.MemoryStorage,
	}

	if _, err := s.js.Stream(ctx, s.cfg.StreamName); err != nil {
		if _, err := s.js.CreateStream(ctx, sc); err != nil {
			return fmt.Errorf("create stream: %w", err)
		}
		log.Info().Str("stream", s.cfg.StreamName).Msg("created JetStream stream")
	}
	return nil
}

func (s *Service) ensureConsumer(ctx context.Context) error {
	stream, err := s.js.Stream(ctx, s.cfg.StreamName)
	if err != nil {
		return fmt.Errorf("get stream: %w", err)
	}

	consumerConfig := jetstream.ConsumerConfig{
		Name:          s.cfg.ConsumerName,
		Durable:       s.cfg.ConsumerName,
		Description:   "Duel engine relayed-command consumer",
		FilterSubject: s.cfg.CommandSubject,
		DeliverPolicy: jetstream.DeliverNewPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    s.cfg.MaxDeliver,
		AckWait:       s.cfg.AckWait,
		MaxAckPending: s.cfg.MaxAckPending,
		ReplayPolicy:  jetstream.ReplayInstantPolicy,
	}

	consumer, err := stream.Consumer(ctx, s.cfg.ConsumerName)
	if err != nil {
		consumer, err = stream.CreateConsumer(ctx, consumerConfig)
		if err != nil {
			return fmt.Errorf("create consumer: %w", err)
		}
		log.Info().Str("consumer", s.cfg.ConsumerName).Msg("created JetStream consumer")
	}
	s.consumer = consumer
	return nil
}

// Notify implements transport.Notifier. Never blocks the emitting session.
func (s *Service) Notify(participantID uuid.UUID, event *transport.DuelEvent) {
	select {
	case s.publishCh <- outbound{participantID: participantID, event: event}:
	default:
		log.Warn().
			Str("participant_id", participantID.String()).
			Msg("relay publish channel full, dropping event")
	}
}

// Start runs the publish loop and the command consumer until the context is
// cancelled.
func (s *Service) Start(ctx context.Context) error {
	consumeCtx, err := s.consumer.Consume(func(msg jetstream.Msg) {
		if err := s.processCommand(msg.Data()); err != nil {
			log.Error().Err(err).Str("subject", msg.Subject()).Msg("failed to process relayed command")
			if nakErr := msg.Nak(); nakErr != nil {
				log.Error().Err(nakErr).Msg("failed to NAK command")
			}
			return
		}
		if ackErr := msg.Ack(); ackErr != nil {
			log.Error().Err(ackErr).Msg("failed to ACK command")
		}
	})
	if err != nil {
		return fmt.Errorf("start command consumer: %w", err)
	}
	defer consumeCtx.Stop()

	log.Info().
		Str("stream", s.cfg.StreamName).
		Str("commands", s.cfg.CommandSubject).
		Msg("relay started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("relay shutting down")
			return nil
		case out := <-s.publishCh:
			s.publish(ctx, out)
		}
	}
}

func (s *Service) publish(ctx context.Context, out outbound) {
	data, err := json.Marshal(out.event)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal relay event")
		return
	}
	subject := fmt.Sprintf("%s.%s", s.cfg.EventPrefix, out.participantID)
	if _, err := s.js.Publish(ctx, subject, data); err != nil {
		log.Error().
			Err(err).
			Str("subject", subject).
			Str("event_type", string(out.event.Type)).
			Msg("failed to publish relay event")
	}
}

// processCommand routes one relayed submission into the engine.
func (s *Service) processCommand(data []byte) error {
	var cmd command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return fmt.Errorf("unmarshal command: %w", err)
	}
	pid, err := uuid.Parse(cmd.ParticipantID)
	if err != nil {
		return fmt.Errorf("parse participant id: %w", err)
	}

	switch cmd.Type {
	case "playerDraw":
		success, err := s.engine.SubmitDraw(pid, cmd.OffsetMs)
		if err != nil {
			// Premature and duplicate draws are rejections, not redelivery
			// candidates.
			log.Debug().Err(err).Str("participant_id", cmd.ParticipantID).Msg("relayed draw rejected")
		}
		log.Debug().
			Bool("success", success).
			Str("participant_id", cmd.ParticipantID).
			Msg("relayed draw processed")
		return nil
	case "leave":
		s.engine.Disconnect(pid)
		return nil
	default:
		log.Warn().Str("type", cmd.Type).Msg("unknown relayed command type - ignoring")
		return nil
	}
}

// Stop closes the NATS connection.
func (s *Service) Stop() {
	if s.nc != nil {
		s.nc.Close()
	}
}
