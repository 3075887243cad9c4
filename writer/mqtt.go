package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"golang.org/x/time/rate"

	"metersync/config"
	"metersync/logger"
	"metersync/models"
)

const (
	topic15Min        = "15min"
	topicDailyTotal   = "daily_total"
	topicStatus       = "status"
	topicAvailability = "availability"

	defaultQoS = 1
)

// mqttClient is the slice of paho's client surface the publisher uses,
// kept narrow so tests can substitute a broker-less fake.
type mqttClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Publisher writes readings and lifecycle messages to the MQTT broker.
// Per-reading publishes are rate limited so a large historical batch
// does not flood the broker or Home Assistant's event loop.
type Publisher struct {
	client          mqttClient
	baseTopic       string
	limiter         *rate.Limiter
	checkpointEvery int
	connectTimeout  time.Duration
	log             *logger.Entry
}

func NewPublisher(cfg config.MQTTConfig) *Publisher {
	if cfg.PublishRate <= 0 {
		cfg.PublishRate = 10
	}
	if cfg.CheckpointEvery <= 0 {
		cfg.CheckpointEvery = 50
	}
	p := &Publisher{
		baseTopic:       cfg.BaseTopic,
		limiter:         rate.NewLimiter(rate.Limit(cfg.PublishRate), 1),
		checkpointEvery: cfg.CheckpointEvery,
		connectTimeout:  cfg.ConnectTimeout,
		log:             logger.GetLogger().WithComponent("mqtt_publisher"),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)).
		SetClientID(cfg.ClientID).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetAutoReconnect(true).
		SetOrderMatters(true).
		SetWill(p.Topic(topicAvailability), models.AvailabilityOffline, defaultQoS, true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	p.client = mqtt.NewClient(opts)
	return p
}

// Topic returns the full topic for a subtopic under the base topic.
func (p *Publisher) Topic(sub string) string {
	return p.baseTopic + "/" + sub
}

// Connect establishes the broker connection. The broker's last-will
// mechanism takes care of flipping availability to offline if the
// process dies without a clean shutdown.
func (p *Publisher) Connect() error {
	token := p.client.Connect()
	if !token.WaitTimeout(p.connectTimeout) {
		return fmt.Errorf("mqtt connect timed out after %s", p.connectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect failed: %w", err)
	}
	p.log.Info("connected to MQTT broker")
	return nil
}

// Disconnect publishes offline availability and closes the connection.
func (p *Publisher) Disconnect() {
	if !p.client.IsConnected() {
		return
	}
	if err := p.publishRaw(p.Topic(topicAvailability), []byte(models.AvailabilityOffline), true); err != nil {
		p.log.WithError(err).Warn("failed to publish offline availability")
	}
	p.client.Disconnect(250)
	p.log.Info("disconnected from MQTT broker")
}

// PublishReadings publishes every reading in the set on the 15min
// topic in timestamp order, throttled by the configured rate. It logs
// a progress checkpoint periodically so long historical batches stay
// observable.
func (p *Publisher) PublishReadings(ctx context.Context, set *models.ReadingSet) error {
	readings := set.SortedByTimestamp()
	topic := p.Topic(topic15Min)

	for i, r := range readings {
		if err := p.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("publish rate limiter: %w", err)
		}
		if err := p.publishJSON(topic, r.ToMQTTPayload(), false); err != nil {
			return fmt.Errorf("publish reading %d/%d: %w", i+1, len(readings), err)
		}
		if (i+1)%p.checkpointEvery == 0 {
			p.log.WithFields(logger.Fields{
				"published": i + 1,
				"total":     len(readings),
			}).Info("publish checkpoint")
		}
	}

	p.log.WithFields(logger.Fields{
		"count":     len(readings),
		"meter":     set.MeterID,
		"total_kwh": set.TotalKWh,
		"first":     set.PeriodStart,
		"last":      set.PeriodEnd,
	}).Info("published readings")
	return nil
}

// PublishDailyTotal publishes the retained daily total for Home
// Assistant's total_increasing sensor.
func (p *Publisher) PublishDailyTotal(payload models.DailyTotalPayload) error {
	return p.publishJSON(p.Topic(topicDailyTotal), payload, true)
}

// PublishStatus publishes the retained cycle status.
func (p *Publisher) PublishStatus(status models.StatusPayload) error {
	return p.publishJSON(p.Topic(topicStatus), status, true)
}

// PublishAvailability publishes the retained availability flag.
func (p *Publisher) PublishAvailability(online bool) error {
	payload := models.AvailabilityOffline
	if online {
		payload = models.AvailabilityOnline
	}
	return p.publishRaw(p.Topic(topicAvailability), []byte(payload), true)
}

// PublishDiscovery announces the sensors to Home Assistant via its MQTT
// discovery protocol. Configs are retained so sensors survive a Home
// Assistant restart.
func (p *Publisher) PublishDiscovery(sensors []DiscoverySensor) error {
	for _, s := range sensors {
		if err := p.publishJSON(s.Topic, s.Config, true); err != nil {
			return fmt.Errorf("publish discovery for %s: %w", s.Config.UniqueID, err)
		}
		p.log.WithFields(logger.Fields{"unique_id": s.Config.UniqueID}).Info("announced sensor")
	}
	return nil
}

func (p *Publisher) publishJSON(topic string, payload interface{}, retain bool) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload for %s: %w", topic, err)
	}
	return p.publishRaw(topic, data, retain)
}

func (p *Publisher) publishRaw(topic string, payload []byte, retain bool) error {
	token := p.client.Publish(topic, defaultQoS, retain, payload)
	if !token.WaitTimeout(p.connectTimeout) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}
