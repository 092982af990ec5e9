package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/bardlex/minelab/internal/protocol"
	"github.com/bardlex/minelab/pkg/errors"
	"github.com/bardlex/minelab/pkg/log"
)

func testLogger() *log.Logger {
	return log.New("messaging-test", "dev", "error", "text")
}

func TestNewKafkaClient(t *testing.T) {
	client := NewKafkaClient([]string{"localhost:9092"}, testLogger())

	if client == nil {
		t.Fatal("NewKafkaClient returned nil")
	}
	if len(client.brokers) != 1 || client.brokers[0] != "localhost:9092" {
		t.Errorf("brokers = %v, want [localhost:9092]", client.brokers)
	}
	if client.writers == nil {
		t.Error("writers map should not be nil")
	}
	if client.readers == nil {
		t.Error("readers map should not be nil")
	}
}

func TestKafkaClientGetProducer(t *testing.T) {
	client := NewKafkaClient([]string{"localhost:9092"}, testLogger())

	producer1 := client.GetProducer(TopicGenerations)
	if producer1 == nil {
		t.Fatal("GetProducer returned nil")
	}
	if producer1.Topic != TopicGenerations {
		t.Errorf("topic = %s, want %s", producer1.Topic, TopicGenerations)
	}

	// Second call returns the cached producer.
	producer2 := client.GetProducer(TopicGenerations)
	if producer1 != producer2 {
		t.Error("expected same producer instance from cache")
	}
	if len(client.writers) != 1 {
		t.Errorf("writers in map = %d, want 1", len(client.writers))
	}
}

func TestKafkaClientGetConsumer(t *testing.T) {
	client := NewKafkaClient([]string{"localhost:9092"}, testLogger())

	consumer1 := client.GetConsumer(TopicGenerations, "group-a")
	if consumer1 == nil {
		t.Fatal("GetConsumer returned nil")
	}

	consumer2 := client.GetConsumer(TopicGenerations, "group-a")
	if consumer1 != consumer2 {
		t.Error("expected same consumer instance from cache")
	}

	consumer3 := client.GetConsumer(TopicGenerations, "group-b")
	if consumer1 == consumer3 {
		t.Error("expected different consumer for different group")
	}
	if len(client.readers) != 2 {
		t.Errorf("readers in map = %d, want 2", len(client.readers))
	}
}

func TestPublishJSONMarshalError(t *testing.T) {
	client := NewKafkaClient([]string{"localhost:9092"}, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// Channels cannot be marshaled; the error must surface before any
	// broker contact.
	err := client.PublishJSON(ctx, TopicGenerations, "key", make(chan int))
	if err == nil {
		t.Fatal("expected marshal error")
	}
	if !errors.IsType(err, errors.ErrorTypeValidation) {
		t.Errorf("error type = %v, want validation", err)
	}
	if len(client.writers) != 0 {
		t.Error("marshal failure must not create a producer")
	}
}

func TestPublishJSONWithoutBroker(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	client := NewKafkaClient([]string{"localhost:9092"}, testLogger())

	event := protocol.GenerationClosedEvent{
		Generation:     7,
		WinnerID:       "cpu-1",
		BlockHash:      "00f3a1",
		Nonce:          42,
		NextGeneration: 8,
		ClosedAt:       time.Now().UnixMilli(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.PublishJSON(ctx, TopicGenerations, "7", event); err != nil {
		t.Logf("expected error without Kafka running: %v", err)
		return
	}
	t.Log("published event to Kafka")
}

func TestConsumeJSONStopsOnContextCancel(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	client := NewKafkaClient([]string{"localhost:9092"}, testLogger())
	reader := client.GetConsumer(TopicGenerations, "test-group")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var event protocol.GenerationClosedEvent
	if _, err := client.ConsumeJSON(ctx, reader, &event); err == nil {
		t.Error("expected error with no messages to consume")
	}
}

func TestTopicConstants(t *testing.T) {
	if TopicGenerations != "minelab.generations" {
		t.Errorf("TopicGenerations = %s", TopicGenerations)
	}
	if TopicStats != "minelab.stats" {
		t.Errorf("TopicStats = %s", TopicStats)
	}
}

func TestKafkaClientClose(t *testing.T) {
	client := NewKafkaClient([]string{"localhost:9092"}, testLogger())

	_ = client.GetProducer(TopicGenerations)
	_ = client.GetProducer(TopicStats)
	_ = client.GetConsumer(TopicGenerations, "group-a")

	if len(client.writers) != 2 {
		t.Errorf("writers = %d, want 2", len(client.writers))
	}
	if len(client.readers) != 1 {
		t.Errorf("readers = %d, want 1", len(client.readers))
	}

	if err := client.Close(); err != nil {
		t.Logf("Close returned error (expected without Kafka): %v", err)
	}

	if len(client.writers) != 0 {
		t.Errorf("writers after close = %d, want 0", len(client.writers))
	}
	if len(client.readers) != 0 {
		t.Errorf("readers after close = %d, want 0", len(client.readers))
	}
}
