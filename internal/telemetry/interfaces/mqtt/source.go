package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"engineroom-monitor/internal/observability/metrics"
	"engineroom-monitor/internal/telemetry/application"
	telemetry "engineroom-monitor/internal/telemetry/domain"
)

const (
	defaultTopic          = "engineroom/telemetry/+"
	defaultQoS       byte = 1
	defaultConnectTimeout = 10 * time.Second
)

// Config holds broker connection settings.
type Config struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	Topic     string
	QoS       byte
}

// Source subscribes to the shipboard broker and feeds gateway batches
// into the ingest service. Topic layout: engineroom/telemetry/{equipment_id}.
type Source struct {
	config Config
	ingest Ingestor
	logger *zap.Logger
	client pahomqtt.Client
}

// Ingestor stores a validated reading batch.
type Ingestor interface {
	Ingest(ctx context.Context, readings []telemetry.Reading) (int, error)
}

var _ Ingestor = (*application.Service)(nil)

// NewSource constructs a source. The broker is not contacted until
// Start.
func NewSource(config Config, ingest Ingestor, logger *zap.Logger) (*Source, error) {
	if config.BrokerURL == "" {
		return nil, errors.New("mqtt source: broker url required")
	}
	if ingest == nil {
		return nil, errors.New("mqtt source: nil ingestor")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Topic == "" {
		config.Topic = defaultTopic
	}
	if config.QoS == 0 {
		config.QoS = defaultQoS
	}
	if config.ClientID == "" {
		config.ClientID = "engineroom-monitor"
	}
	return &Source{config: config, ingest: ingest, logger: logger}, nil
}

// Start connects, subscribes, and blocks until the context is
// cancelled.
func (s *Source) Start(ctx context.Context) error {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(s.config.BrokerURL)
	opts.SetClientID(s.config.ClientID)
	if s.config.Username != "" {
		opts.SetUsername(s.config.Username)
	}
	if s.config.Password != "" {
		opts.SetPassword(s.config.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetOnConnectHandler(func(client pahomqtt.Client) {
		if token := client.Subscribe(s.config.Topic, s.config.QoS, s.onMessage); token.Wait() && token.Error() != nil {
			s.logger.Error("mqtt subscribe failed",
				zap.String("topic", s.config.Topic),
				zap.Error(token.Error()))
		}
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		s.logger.Warn("mqtt connection lost", zap.Error(err))
	})

	s.client = pahomqtt.NewClient(opts)
	if token := s.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt source: connect: %w", token.Error())
	}
	s.logger.Info("mqtt source started",
		zap.String("broker", s.config.BrokerURL),
		zap.String("topic", s.config.Topic))

	<-ctx.Done()
	s.Stop()
	return nil
}

// Stop unsubscribes and disconnects.
func (s *Source) Stop() {
	if s == nil || s.client == nil {
		return
	}
	if token := s.client.Unsubscribe(s.config.Topic); token.Wait() && token.Error() != nil {
		s.logger.Warn("mqtt unsubscribe failed", zap.Error(token.Error()))
	}
	s.client.Disconnect(250)
	s.logger.Info("mqtt source stopped")
}

func (s *Source) onMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	if err := s.handleMessage(msg.Topic(), msg.Payload()); err != nil {
		s.logger.Warn("mqtt message dropped",
			zap.String("topic", msg.Topic()),
			zap.Error(err))
	}
}

type mqttPoint struct {
	TS              int64    `json:"ts"`
	MetricType      string   `json:"metric_type"`
	MonitoringPoint string   `json:"monitoring_point"`
	Value           *float64 `json:"value"`
	Unit            string   `json:"unit"`
	Quality         string   `json:"quality"`
}

type mqttBatch struct {
	Points []mqttPoint `json:"points"`
}

func (s *Source) handleMessage(topic string, payload []byte) error {
	start := time.Now()
	result := metrics.IngestResultSuccess
	defer func() {
		metrics.ObserveIngest(result, time.Since(start))
	}()

	equipmentID, err := equipmentFromTopic(topic)
	if err != nil {
		result = metrics.IngestResultError
		metrics.IncIngestError("invalid_topic")
		return err
	}

	var batch mqttBatch
	if err := json.Unmarshal(payload, &batch); err != nil {
		result = metrics.IngestResultError
		metrics.IncIngestError("invalid_json")
		return fmt.Errorf("decode payload: %w", err)
	}
	if len(batch.Points) == 0 {
		result = metrics.IngestResultError
		metrics.IncIngestError("invalid_payload")
		return errors.New("no telemetry points")
	}

	readings := make([]telemetry.Reading, 0, len(batch.Points))
	for _, point := range batch.Points {
		ts := time.Now().UTC()
		if point.TS > 0 {
			if point.TS > 1_000_000_000_000 {
				ts = time.UnixMilli(point.TS).UTC()
			} else {
				ts = time.Unix(point.TS, 0).UTC()
			}
		}
		if point.Value == nil {
			result = metrics.IngestResultError
			metrics.IncIngestError("invalid_payload")
			return errors.New("missing value")
		}
		readings = append(readings, telemetry.Reading{
			EquipmentID:     equipmentID,
			MetricType:      telemetry.MetricType(point.MetricType),
			MonitoringPoint: point.MonitoringPoint,
			Value:           *point.Value,
			Unit:            point.Unit,
			Quality:         point.Quality,
			Source:          telemetry.SourceSensorUpload,
			TS:              ts,
		})
	}

	if _, err := s.ingest.Ingest(context.Background(), readings); err != nil {
		result = metrics.IngestResultError
		if errors.Is(err, application.ErrInvalidReading) {
			metrics.IncIngestError("invalid_payload")
		} else {
			metrics.IncIngestError("insert_error")
		}
		return err
	}
	return nil
}

// equipmentFromTopic extracts the equipment id from
// engineroom/telemetry/{equipment_id}.
func equipmentFromTopic(topic string) (string, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 || parts[2] == "" {
		return "", fmt.Errorf("invalid topic format: %s", topic)
	}
	return parts[2], nil
}
