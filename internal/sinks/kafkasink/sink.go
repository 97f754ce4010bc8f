package kafkasink

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	kafka "github.com/segmentio/kafka-go"

	"github.com/Sh00ty/patrol/internal/models"
)

type Config struct {
	Addr         string        `envconfig:"KAFKA_ADDR,optional"`
	Topic        string        `envconfig:"KAFKA_TOPIC,default=patrol.status-changes"`
	WriteTimeout time.Duration `envconfig:"KAFKA_WRITE_TIMEOUT,default=10s"`
}

func (c Config) Enabled() bool {
	return c.Addr != ""
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Event is the record published for every confirmed status change.
type Event struct {
	ID        uuid.UUID `json:"id"`
	CheckID   int64     `json:"check_id"`
	UserID    int64     `json:"user_id"`
	CheckName string    `json:"check_name"`
	CheckType string    `json:"check_type"`
	OldStatus string    `json:"old_status,omitempty"`
	NewStatus string    `json:"new_status"`
	ChangedAt time.Time `json:"changed_at"`
}

func NewEvent(change models.StatusChange) Event {
	return Event{
		ID:        uuid.New(),
		CheckID:   int64(change.CheckID),
		UserID:    int64(change.UserID),
		CheckName: change.CheckName,
		CheckType: change.CheckType.String(),
		OldStatus: change.OldStatus,
		NewStatus: change.NewStatus,
		ChangedAt: change.ChangedAt,
	}
}

type Sink struct {
	writer messageWriter
}

func New(cfg Config) *Sink {
	return &Sink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(strings.Split(cfg.Addr, ",")...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			WriteTimeout: cfg.WriteTimeout,
		},
	}
}

func (s *Sink) Name() string {
	return "kafka"
}

// Deliver publishes the change keyed by check id, so one check's events
// stay ordered within a partition.
func (s *Sink) Deliver(ctx context.Context, change models.StatusChange) error {
	value, err := json.Marshal(NewEvent(change))
	if err != nil {
		return fmt.Errorf("failed to encode status change: %w", err)
	}
	err = s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatInt(int64(change.CheckID), 10)),
		Value: value,
		Time:  change.ChangedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to publish status change of check %d: %w", change.CheckID, err)
	}
	return nil
}

func (s *Sink) Close() error {
	return s.writer.Close()
}
