package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubSink durably publishes notification events to a Google Cloud
// Pub/Sub topic, for consumers outside the collector process (dashboards,
// SIEM forwarders). It creates the topic on first use if absent, mirroring
// the teacher's dual-publish event bus.
type PubSubSink struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger *log.Logger
}

// NewPubSubSink dials projectID and ensures topicID exists.
func NewPubSubSink(ctx context.Context, projectID, topicID string) (*PubSubSink, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("notify: pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("notify: topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("notify: CreateTopic: %w", err)
		}
	}

	return &PubSubSink{
		client: client,
		topic:  topic,
		logger: log.New(log.Writer(), "[NOTIFY-PUBSUB] ", log.LstdFlags),
	}, nil
}

func (s *PubSubSink) Name() string { return "pubsub" }

func (s *PubSubSink) Close() {
	s.topic.Stop()
	s.client.Close()
}

type pubsubMessage struct {
	Kind      string  `json:"kind"`
	Events    []Event `json:"events"`
	Published string  `json:"published_at"`
}

func (s *PubSubSink) Send(ctx context.Context, e Event) error {
	return s.publish(ctx, pubsubMessage{Kind: "event", Events: []Event{e}}, e.AgentID)
}

func (s *PubSubSink) SendBatch(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	return s.publish(ctx, pubsubMessage{Kind: "batch", Events: events}, "")
}

func (s *PubSubSink) publish(ctx context.Context, msg pubsubMessage, orderingKey string) error {
	msg.Published = time.Now().UTC().Format(time.RFC3339)
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("notify: marshal pubsub message: %w", err)
	}

	result := s.topic.Publish(ctx, &pubsub.Message{
		Data:        payload,
		OrderingKey: orderingKey,
	})
	if _, err := result.Get(ctx); err != nil {
		s.logger.Printf("publish failed: %v", err)
		return fmt.Errorf("notify: pubsub publish: %w", err)
	}
	return nil
}
