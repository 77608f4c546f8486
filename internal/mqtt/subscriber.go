package mqtt

import (
	"bytes"
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"telemetry-hub/internal/config"
	"telemetry-hub/internal/identity"
	"telemetry-hub/internal/ingest"
	"telemetry-hub/internal/logging"
	"telemetry-hub/internal/parser"
	"telemetry-hub/internal/types"
)

// Ingester is the pipeline entry point the subscriber feeds
type Ingester interface {
	Ingest(ctx context.Context, req *ingest.Request) (*ingest.Result, error)
}

// DefaultShards is the number of ingest workers. Messages on one topic always
// go to the same worker so a device's readings are applied in receipt order.
const DefaultShards = 8

type inbound struct {
	topic   string
	payload []byte
}

// Subscriber receives device telemetry from an MQTT broker. The serial number
// is taken from the topic segment matching the '+' wildcard.
type Subscriber struct {
	cfg      config.MQTTConfig
	client   paho.Client
	ingester Ingester
	logger   *logrus.Entry

	shards []chan inbound
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// NewSubscriber builds a client that subscribes on every (re)connect
func NewSubscriber(cfg config.MQTTConfig, ingester Ingester, logger *logrus.Logger) *Subscriber {
	s := &Subscriber{
		cfg:      cfg,
		ingester: ingester,
		logger:   logging.NewTransportLogger(logger, "mqtt"),
		shards:   make([]chan inbound, DefaultShards),
	}
	for i := range s.shards {
		s.shards[i] = make(chan inbound, 64)
		s.wg.Add(1)
		go s.work(s.shards[i])
	}

	handler := func(_ paho.Client, msg paho.Message) {
		s.Dispatch(msg.Topic(), msg.Payload())
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetOrderMatters(true).
		SetCleanSession(false).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	opts.OnConnect = func(c paho.Client) {
		s.logger.WithField("broker", cfg.Broker).Info("Connected to MQTT broker")
		if token := c.Subscribe(cfg.Topic, byte(cfg.QoS), handler); token.Wait() && token.Error() != nil {
			s.logger.WithError(token.Error()).Error("MQTT subscribe failed")
		} else {
			s.logger.WithFields(logrus.Fields{"topic": cfg.Topic, "qos": cfg.QoS}).Info("Subscribed to telemetry topic")
		}
	}
	opts.OnConnectionLost = func(c paho.Client, err error) {
		s.logger.WithError(err).Warn("MQTT connection lost")
	}

	s.client = paho.NewClient(opts)
	return s
}

// Start connects with exponential backoff until connected or ctx is done
func (s *Subscriber) Start(ctx context.Context) error {
	return ConnectWithBackoff(ctx, s.client, s.logger, time.Second, 30*time.Second)
}

// Stop disconnects, allowing in-flight handlers 250ms to finish, then drains
// the ingest workers
func (s *Subscriber) Stop() {
	if s.client.IsConnected() {
		s.client.Disconnect(250)
	}

	s.mu.Lock()
	if !s.closed {
		s.closed = true
		for _, shard := range s.shards {
			close(shard)
		}
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Dispatch queues a message on the worker owning its topic. It blocks while
// that worker is backed up and drops the message after Stop.
func (s *Subscriber) Dispatch(topic string, payload []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.logger.WithField("topic", topic).Warn("Subscriber stopped, dropping MQTT message")
		return
	}

	h := fnv.New32a()
	h.Write([]byte(topic))
	s.shards[h.Sum32()%uint32(len(s.shards))] <- inbound{topic: topic, payload: payload}
}

func (s *Subscriber) work(in <-chan inbound) {
	defer s.wg.Done()
	for msg := range in {
		s.HandleMessage(context.Background(), msg.topic, msg.payload)
	}
}

// ConnectWithBackoff retries Connect, doubling the wait up to max
func ConnectWithBackoff(ctx context.Context, client paho.Client, logger *logrus.Entry, start, max time.Duration) error {
	backoff := start
	for {
		token := client.Connect()
		if token.Wait() && token.Error() == nil {
			return nil
		}
		logger.WithError(token.Error()).WithField("retry_in", backoff.String()).Warn("MQTT connect failed")

		select {
		case <-time.After(backoff):
			if backoff < max {
				backoff *= 2
				if backoff > max {
					backoff = max
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// HandleMessage ingests one MQTT payload. Errors are logged; a device on MQTT
// has no response channel.
func (s *Subscriber) HandleMessage(ctx context.Context, topic string, payload []byte) {
	logger := s.logger.WithFields(logrus.Fields{
		"topic": topic,
		"bytes": len(payload),
	})

	req, err := BuildRequest(s.cfg.Topic, topic, payload)
	if err != nil {
		logger.WithError(err).WithField("payload", logging.TruncatePayload(string(payload))).Warn("Rejected MQTT payload")
		return
	}

	result, err := s.ingester.Ingest(ctx, req)
	if err != nil {
		logger.WithError(err).WithField("status", ingest.StatusCode(err)).Warn("MQTT ingestion failed")
		return
	}

	logger.WithFields(logrus.Fields{
		"message_id":    result.MessageID,
		"reading_count": result.ReadingCount,
	}).Debug("MQTT message ingested")
}

// BuildRequest turns a topic and payload into an ingestion request. JSON
// payloads follow the HTTP body contract; anything else is raw text.
func BuildRequest(pattern, topic string, payload []byte) (*ingest.Request, error) {
	serial := SerialFromTopic(pattern, topic)
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, &ingest.ValidationError{Field: "payload", Message: "empty payload"}
	}

	if trimmed[0] == '{' {
		req, err := ingest.FromJSON(trimmed, types.SourceMQTT)
		if err != nil {
			return nil, err
		}
		if req.Hints.Empty() {
			req.Hints.Serial = serial
		}
		return req, nil
	}

	text := string(trimmed)
	format, ok := parser.DetectFormat(false, text, false)
	if !ok {
		return nil, errors.New("no telemetry in payload")
	}

	return &ingest.Request{
		Source:     types.SourceMQTT,
		Hints:      identity.Hints{Serial: serial},
		Payload:    parser.Payload{Format: format, Text: text},
		RawPayload: text,
	}, nil
}

// SerialFromTopic returns the topic segment in the position of the first '+' wildcard
func SerialFromTopic(pattern, topic string) string {
	patternParts := strings.Split(pattern, "/")
	topicParts := strings.Split(topic, "/")
	for i, p := range patternParts {
		if p == "+" && i < len(topicParts) {
			return topicParts[i]
		}
	}
	return ""
}
