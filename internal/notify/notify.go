// Package notify distributes low-latency template-advance notifications
// over ZMQ. The coordinator publishes on generation close so workers can
// refresh immediately instead of waiting for their next polled fetch.
package notify

import (
	"context"
	"encoding/binary"
	"fmt"

	zmq "github.com/pebbe/zmq4"

	"github.com/bardlex/minelab/pkg/log"
)

// TopicTemplate announces a template advance. The payload is the new
// generation as 8 bytes little-endian.
const TopicTemplate = "template"

// Publisher broadcasts template-advance notifications
type Publisher struct {
	socket   *zmq.Socket
	endpoint string
	logger   *log.Logger
}

// NewPublisher creates a publisher bound to endpoint
func NewPublisher(endpoint string, logger *log.Logger) (*Publisher, error) {
	socket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ socket: %w", err)
	}

	if err := socket.Bind(endpoint); err != nil {
		if closeErr := socket.Close(); closeErr != nil {
			logger.Error("failed to close ZMQ socket", "error", closeErr)
		}
		return nil, fmt.Errorf("failed to bind ZMQ endpoint %s: %w", endpoint, err)
	}

	logger.Info("bound ZMQ publisher", "endpoint", endpoint)
	return &Publisher{
		socket:   socket,
		endpoint: endpoint,
		logger:   logger,
	}, nil
}

// PublishTemplateAdvance announces that generation is now current
func (p *Publisher) PublishTemplateAdvance(generation uint64) error {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint64(payload, generation)

	if _, err := p.socket.SendMessage(TopicTemplate, payload); err != nil {
		return fmt.Errorf("failed to publish template advance: %w", err)
	}

	p.logger.Debug("published template advance", "generation", generation)
	return nil
}

// Close closes the ZMQ socket
func (p *Publisher) Close() error {
	if p.socket != nil {
		return p.socket.Close()
	}
	return nil
}

// Subscriber receives template-advance notifications
type Subscriber struct {
	socket   *zmq.Socket
	endpoint string
	logger   *log.Logger
}

// NewSubscriber creates a new subscriber
func NewSubscriber(endpoint string, logger *log.Logger) (*Subscriber, error) {
	socket, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ socket: %w", err)
	}

	return &Subscriber{
		socket:   socket,
		endpoint: endpoint,
		logger:   logger,
	}, nil
}

// Connect connects to the ZMQ endpoint and subscribes to template
// notifications
func (s *Subscriber) Connect() error {
	if err := s.socket.Connect(s.endpoint); err != nil {
		return fmt.Errorf("failed to connect to ZMQ endpoint %s: %w", s.endpoint, err)
	}
	if err := s.socket.SetSubscribe(TopicTemplate); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", TopicTemplate, err)
	}
	s.logger.Info("connected to ZMQ endpoint", "endpoint", s.endpoint, "topic", TopicTemplate)
	return nil
}

// Listen delivers the generation from each template notification to
// handler until ctx is cancelled
func (s *Subscriber) Listen(ctx context.Context, handler func(generation uint64) error) error {
	s.logger.Info("starting ZMQ listener")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("ZMQ listener stopping")
			return ctx.Err()
		default:
		}

		msg, err := s.socket.RecvMessageBytes(zmq.DONTWAIT)
		if err != nil {
			if err.Error() == "resource temporarily unavailable" {
				// No message available, continue
				continue
			}
			s.logger.Error("failed to receive ZMQ message", "error", err)
			continue
		}

		if len(msg) < 2 {
			s.logger.Warn("received malformed ZMQ message", "parts", len(msg))
			continue
		}

		topic := string(msg[0])
		data := msg[1]
		if topic != TopicTemplate {
			s.logger.Warn("unknown ZMQ topic", "topic", topic)
			continue
		}
		if len(data) != 8 {
			s.logger.Warn("invalid template payload length", "size", len(data))
			continue
		}

		generation := binary.LittleEndian.Uint64(data)
		s.logger.Debug("received template advance", "generation", generation)

		if err := handler(generation); err != nil {
			s.logger.Error("failed to handle template advance", "generation", generation, "error", err)
		}
	}
}

// Close closes the ZMQ socket
func (s *Subscriber) Close() error {
	if s.socket != nil {
		return s.socket.Close()
	}
	return nil
}
