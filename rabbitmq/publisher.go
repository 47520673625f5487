package rabbitmq

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/apex/log"
	"github.com/streadway/amqp"

	"civicreport/config"
	"civicreport/models"
)

// ReportCompleted is the message published for every finished report. The
// evidence payload is left out.
type ReportCompleted struct {
	ID               string        `json:"id"`
	CreatedAt        time.Time     `json:"createdAt"`
	Location         string        `json:"location"`
	Category         string        `json:"category"`
	Score            float64       `json:"score"`
	IsAuthentic      bool          `json:"isAuthentic"`
	Status           models.Status `json:"status"`
	VerificationHash string        `json:"verificationHash"`
	StorageID        string        `json:"storageId"`
	LedgerRef        string        `json:"ledgerRef"`
	LedgerTx         string        `json:"ledgerTx,omitempty"`
}

// NewReportCompleted builds the event for r, leaving out the evidence.
func NewReportCompleted(r *models.Report) ReportCompleted {
	return ReportCompleted{
		ID:               r.ID,
		CreatedAt:        r.CreatedAt,
		Location:         r.Location,
		Category:         r.Category,
		Score:            r.Analysis.Score,
		IsAuthentic:      r.Analysis.IsAuthentic,
		Status:           r.Status,
		VerificationHash: r.VerificationHash,
		StorageID:        r.StorageID,
		LedgerRef:        r.LedgerRef,
		LedgerTx:         r.LedgerTx,
	}
}

// amqpChannel is the part of *amqp.Channel the publisher uses.
type amqpChannel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher represents a RabbitMQ publisher instance
type Publisher struct {
	conn       *amqp.Connection
	channel    amqpChannel
	exchange   string
	routingKey string
}

// NewPublisher connects to RabbitMQ and declares the durable direct exchange.
func NewPublisher(cfg config.RabbitMQConfig) (*Publisher, error) {
	conn, err := amqp.DialConfig(cfg.GetAMQPURL(), amqp.Config{
		Heartbeat: 10 * time.Second,
		Dial:      amqp.DefaultDial(30 * time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = channel.ExchangeDeclare(
		cfg.Exchange, // name
		"direct",     // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	log.Infof("RabbitMQ publisher ready, exchange=%s routing_key=%s", cfg.Exchange, cfg.RoutingKey)
	return &Publisher{
		conn:       conn,
		channel:    channel,
		exchange:   cfg.Exchange,
		routingKey: cfg.RoutingKey,
	}, nil
}

// PublishReport announces a finished report under the configured routing key.
func (p *Publisher) PublishReport(r *models.Report) error {
	return p.Publish(NewReportCompleted(r))
}

// Publish sends a JSON message to the exchange with the configured routing key
func (p *Publisher) Publish(message interface{}) error {
	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message to JSON: %w", err)
	}

	publishing := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
	}

	if err := p.channel.Publish(p.exchange, p.routingKey, false, false, publishing); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Close closes the publisher connection and channel
func (p *Publisher) Close() error {
	var err error

	if p.channel != nil {
		if channelErr := p.channel.Close(); channelErr != nil {
			log.Warnf("Failed to close channel: %v", channelErr)
			err = channelErr
		}
	}

	if p.conn != nil {
		if connErr := p.conn.Close(); connErr != nil {
			log.Warnf("Failed to close connection: %v", connErr)
			if err == nil {
				err = connErr
			}
		}
	}

	return err
}
