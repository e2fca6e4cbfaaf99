package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"merchantstock/backend/internal/domain"
	"merchantstock/backend/internal/xid"
)

const (
	TransferCreated   = "transfer.created"
	TransferApproved  = "transfer.approved"
	TransferRejected  = "transfer.rejected"
	TransferShipped   = "transfer.shipped"
	TransferCompleted = "transfer.completed"
	TransferCancelled = "transfer.cancelled"
)

type Event struct {
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	Payload   TransferPayload `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

type TransferPayload struct {
	TransferID       string `json:"transfer_id"`
	TransferNumber   string `json:"transfer_number"`
	SourceMerchantID string `json:"source_merchant_id"`
	DestMerchantID   string `json:"dest_merchant_id"`
	StoreGroupID     string `json:"store_group_id"`
	TransferType     string `json:"transfer_type"`
	Status           string `json:"status"`
	Amount           string `json:"amount"`
	InvoiceID        string `json:"invoice_id,omitempty"`
	Actor            string `json:"actor"`
}

// Publisher announces committed transfer state changes. Delivery is best
// effort; the database stays the source of truth.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

func NewTransferEvent(eventType string, t domain.TransferRequest, actor string) Event {
	return Event{
		EventID:   xid.New("evt"),
		EventType: eventType,
		Payload: TransferPayload{
			TransferID:       t.ID,
			TransferNumber:   t.TransferNumber,
			SourceMerchantID: t.SourceMerchantID,
			DestMerchantID:   t.DestMerchantID,
			StoreGroupID:     t.StoreGroupID,
			TransferType:     string(t.TransferType),
			Status:           string(t.Status),
			Amount:           t.Amount.StringFixed(2),
			InvoiceID:        t.InvoiceID,
			Actor:            actor,
		},
		Timestamp: time.Now().UTC(),
	}
}

type NoopPublisher struct{}

func (NoopPublisher) Publish(_ context.Context, _ Event) error { return nil }

func (NoopPublisher) Close() error { return nil }

// DefaultPublishTimeout bounds one Publish call so an unreachable broker
// cannot hold up a workflow response.
const DefaultPublishTimeout = 2 * time.Second

type KafkaPublisher struct {
	writer  *kafka.Writer
	logger  *zap.Logger
	timeout time.Duration
}

func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			BatchTimeout:           50 * time.Millisecond,
			AllowAutoTopicCreation: true,
		},
		logger:  logger,
		timeout: DefaultPublishTimeout,
	}
}

// Publish keys messages by transfer ID so events of one transfer stay ordered
// within a partition.
func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.Payload.TransferID),
		Value: value,
		Time:  event.Timestamp,
	})
	if err != nil {
		return err
	}
	p.logger.Debug("published transfer event",
		zap.String("event_type", event.EventType),
		zap.String("transfer_id", event.Payload.TransferID),
	)
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
