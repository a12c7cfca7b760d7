package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ZanzyTHEbar/dragonflow"
	"github.com/ZanzyTHEbar/dragonflow/internal/logging"
)

// AMQPConfig configures the AMQP sink.
type AMQPConfig struct {
	URL      string `mapstructure:"url" validate:"required,url"`
	Exchange string `mapstructure:"exchange"`
}

// ApplyDefaults fills in unset fields.
func (c *AMQPConfig) ApplyDefaults() {
	if c.Exchange == "" {
		c.Exchange = "dragonflow.runs"
	}
}

// Routing keys of published run records.
const (
	RoutingKeyNodeRun     = "run.node"
	RoutingKeyLineResult  = "run.line"
	RoutingKeyAggregation = "run.aggregation"
)

// Message is the envelope published for every record.
type Message struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	FlowRunID string    `json:"flow_run_id"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Channel is the part of *amqp.Channel the sink publishes through.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPSink publishes run records as persistent JSON messages to a topic
// exchange. Consumers decide where records end up.
type AMQPSink struct {
	exchange string
	log      *logging.Logger

	mu   sync.Mutex
	ch   Channel
	conn *amqp.Connection
}

// NewAMQPSink dials the broker and declares the exchange.
func NewAMQPSink(cfg AMQPConfig, log *logging.Logger) (*AMQPSink, error) {
	cfg.ApplyDefaults()
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, dragonflow.NewStorageError("dial_amqp", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, dragonflow.NewStorageError("open_channel", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, dragonflow.NewStorageError("declare_exchange", err)
	}
	s := NewAMQPSinkWithChannel(ch, cfg.Exchange, log)
	s.conn = conn
	return s, nil
}

// NewAMQPSinkWithChannel publishes through an already open channel.
func NewAMQPSinkWithChannel(ch Channel, exchange string, log *logging.Logger) *AMQPSink {
	if log == nil {
		log = logging.Nop()
	}
	return &AMQPSink{exchange: exchange, ch: ch, log: log.WithComponent("amqp-sink")}
}

func (s *AMQPSink) publish(ctx context.Context, key, typ, flowRunID string, payload any) error {
	msg := Message{
		ID:        uuid.New().String(),
		Type:      typ,
		FlowRunID: flowRunID,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return dragonflow.NewStorageError("encode_"+typ, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err = s.ch.PublishWithContext(ctx, s.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    msg.Timestamp,
		Type:         typ,
		Body:         body,
	})
	if err != nil {
		return dragonflow.NewStorageError("publish_"+typ, fmt.Errorf("publish to %s/%s: %w", s.exchange, key, err))
	}
	s.log.Debug("Published run record", logging.Fields("routing_key", key, "message_id", msg.ID, logging.FieldRunID, flowRunID))
	return nil
}

func (s *AMQPSink) PersistNodeRun(ctx context.Context, run *dragonflow.NodeRunInfo) error {
	return s.publish(ctx, RoutingKeyNodeRun, KindNodeRun, run.FlowRunID, run)
}

func (s *AMQPSink) PersistLineResult(ctx context.Context, line *dragonflow.LineResult) error {
	return s.publish(ctx, RoutingKeyLineResult, KindLineResult, line.RunID, line)
}

func (s *AMQPSink) PersistAggregation(ctx context.Context, flowRunID string, result *dragonflow.AggregationResult) error {
	return s.publish(ctx, RoutingKeyAggregation, KindAggregation, flowRunID, result)
}

// Close closes the channel and, when the sink dialed it, the connection.
func (s *AMQPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.ch.Close()
	if s.conn != nil {
		if cerr := s.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
