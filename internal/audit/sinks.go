package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/subsubl/gate-control/internal/models"
)

const EventType = "gate.audit"

type MessageProducer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
	Close() error
}

// KafkaSink publishes each record as JSON keyed by actor name.
type KafkaSink struct {
	producer MessageProducer
	topic    string
}

func NewKafkaSink(producer MessageProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Write(ctx context.Context, record models.AuditRecord) error {
	value, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode audit record: %w", err)
	}
	headers := map[string]string{
		"event_type": EventType,
		"event_id":   record.ID.String(),
		"granted":    strconv.FormatBool(record.Granted),
	}
	return s.producer.ProduceMessage(ctx, s.topic, []byte(record.ActorName), value, headers)
}

func (s *KafkaSink) Close() error {
	return s.producer.Close()
}

type DocumentIndexer interface {
	IndexDocument(ctx context.Context, index, id string, document interface{}) error
	Close() error
}

type searchDocument struct {
	Timestamp string `json:"@timestamp"`
	EventID   string `json:"event_id"`
	Actor     string `json:"actor"`
	Granted   bool   `json:"granted"`
	Details   string `json:"details"`
}

// ElasticsearchSink indexes records by id, so redelivery overwrites.
type ElasticsearchSink struct {
	indexer DocumentIndexer
	index   string
}

func NewElasticsearchSink(indexer DocumentIndexer, index string) *ElasticsearchSink {
	return &ElasticsearchSink{indexer: indexer, index: index}
}

func (s *ElasticsearchSink) Name() string { return "elasticsearch" }

func (s *ElasticsearchSink) Write(ctx context.Context, record models.AuditRecord) error {
	doc := searchDocument{
		Timestamp: record.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		EventID:   record.ID.String(),
		Actor:     record.ActorName,
		Granted:   record.Granted,
		Details:   record.Details,
	}
	return s.indexer.IndexDocument(ctx, s.index, doc.EventID, doc)
}

func (s *ElasticsearchSink) Close() error {
	return s.indexer.Close()
}

type Broadcaster interface {
	BroadcastAccessEvent(record models.AuditRecord)
}

// HubSink forwards records to live dashboards.
type HubSink struct {
	hub Broadcaster
}

func NewHubSink(hub Broadcaster) *HubSink {
	return &HubSink{hub: hub}
}

func (s *HubSink) Name() string { return "websocket" }

func (s *HubSink) Write(_ context.Context, record models.AuditRecord) error {
	s.hub.BroadcastAccessEvent(record)
	return nil
}

// Close is a no-op; the hub is closed by its owner.
func (s *HubSink) Close() error { return nil }
