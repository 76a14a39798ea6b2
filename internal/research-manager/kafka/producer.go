package kafka

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"scheduled-research-service/internal/research-manager/events"
)

const (
	DefaultKafkaBrokers = "localhost:9092"
	DefaultEventsTopic  = "research_events"
)

// Publisher sends research notifications to Kafka. Publishing is fire and
// forget: failures are logged and never block or fail the pipeline.
type Publisher struct {
	writer *kafka.Writer
}

// NewPublisher configures a producer from KAFKA_BROKERS and
// RESEARCH_EVENTS_TOPIC, with local defaults.
func NewPublisher() *Publisher {
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		brokers = DefaultKafkaBrokers
	}
	topic := os.Getenv("RESEARCH_EVENTS_TOPIC")
	if topic == "" {
		topic = DefaultEventsTopic
	}
	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      strings.Split(brokers, ","),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: int(kafka.RequireOne),
		Async:        false,
	})
	log.Printf("Research events Kafka producer configured for topic: %s", topic)
	return &Publisher{writer: writer}
}

// Publish sends one event, best effort.
func (p *Publisher) Publish(ctx context.Context, event events.ResearchEvent) {
	if p == nil || p.writer == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("Error marshalling research event for task %s: %v", event.TaskID, err)
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	msg := kafka.Message{Key: []byte(event.TaskID), Value: payload}
	if err := p.writer.WriteMessages(writeCtx, msg); err != nil {
		log.Printf("Error publishing research event (%s) for task %s: %v", event.Type, event.TaskID, err)
		return
	}
	log.Printf("Published research event %s for task %s", event.Type, event.TaskID)
}

func (p *Publisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
