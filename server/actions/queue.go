package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/StarZeus/mailrelay/db"
	"github.com/StarZeus/mailrelay/logger"
)

// QueueExecutor publishes a JSON view of the matched message to a Kafka
// topic. The record key is the message id, so all records of one message
// land on the same partition and consumers see them in order.
//
// Config:
//
//	brokers — broker addresses, comma-separated string or array (required)
//	topic   — destination topic (required)
type QueueExecutor struct{}

func NewQueueExecutor() *QueueExecutor {
	return &QueueExecutor{}
}

func (e *QueueExecutor) Kind() db.ActionKind {
	return db.KindQueue
}

func (e *QueueExecutor) Validate(action *db.FilterAction) error {
	if len(configBrokers(action.Config)) == 0 {
		return &ValidationError{Kind: db.KindQueue, Reason: "brokers is required"}
	}
	if configString(action.Config, "topic") == "" {
		return &ValidationError{Kind: db.KindQueue, Reason: "topic is required"}
	}
	return nil
}

func (e *QueueExecutor) Execute(ctx context.Context, ec *ExecContext) error {
	brokers := configBrokers(ec.Action.Config)
	topic := configString(ec.Action.Config, "topic")

	value, err := json.Marshal(newEnvelope(ec.Message))
	if err != nil {
		return fmt.Errorf("failed to marshal queue payload: %w", err)
	}

	// A writer per publish keeps the executor stateless; batching across
	// actions is not worth holding broker connections open between messages.
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		WriteTimeout: 10 * time.Second,
	}
	defer w.Close()

	err = w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ec.Message.ID),
		Value: value,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}

	logger.Debug("Published message to queue", "message_id", ec.Message.ID, "topic", topic)
	return nil
}

// configBrokers accepts both "host1:9092,host2:9092" and a JSON array of
// addresses.
func configBrokers(cfg map[string]interface{}) []string {
	var brokers []string
	switch v := cfg["brokers"].(type) {
	case string:
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				brokers = append(brokers, strings.TrimSpace(s))
			}
		}
	}
	return brokers
}
