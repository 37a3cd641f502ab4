// Package mqtt publishes calibration progress and results to an MQTT broker.
package mqtt

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/Skryldev/evenodd-lab/domain/model"
	pkgerrors "github.com/Skryldev/evenodd-lab/pkg/errors"
	"github.com/Skryldev/evenodd-lab/pkg/logger"
	"github.com/Skryldev/evenodd-lab/pkg/progress"
	"github.com/Skryldev/evenodd-lab/pkg/retry"
	"go.uber.org/zap"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
	quiesceMillis  = 250
)

// Config holds broker settings
type Config struct {
	Broker   string
	ClientID string
	Topic    string // progress topic; results go to Topic + "/result"
	QoS      byte
	Retry    retry.Config
}

// Publisher implements progress.Reporter
type Publisher struct {
	client paho.Client
	cfg    Config
	log    *logger.Logger

	published atomic.Uint64
	failed    atomic.Uint64
}

// NewPublisher creates a publisher with an auto-reconnecting paho client
func NewPublisher(cfg Config, log *logger.Logger) (*Publisher, error) {
	if cfg.Broker == "" {
		return nil, pkgerrors.NewValidationError("broker", cfg.Broker, "broker is required")
	}
	log = logger.OrDefault(log).Named("mqtt").With(zap.String("broker", cfg.Broker))

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetConnectTimeout(connectTimeout)
	opts.OnConnect = func(paho.Client) {
		log.Info("mqtt connected")
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		log.Warn("mqtt connection lost, reconnecting", zap.Error(err))
	}

	return NewPublisherWithClient(paho.NewClient(opts), cfg, log), nil
}

// NewPublisherWithClient wraps an existing client
func NewPublisherWithClient(client paho.Client, cfg Config, log *logger.Logger) *Publisher {
	if cfg.Topic == "" {
		cfg.Topic = "evenodd/calibration/status"
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return &Publisher{client: client, cfg: cfg, log: logger.OrDefault(log)}
}

// Connect dials the broker, retrying with backoff
func (p *Publisher) Connect(ctx context.Context) error {
	return retry.Do(ctx, p.cfg.Retry, func() error {
		token := p.client.Connect()
		if !token.WaitTimeout(connectTimeout) {
			return pkgerrors.NewTransportError(p.cfg.Broker, "connect timeout", nil)
		}
		if err := token.Error(); err != nil {
			p.log.Warn("mqtt connect failed", zap.Error(err))
			return pkgerrors.NewTransportError(p.cfg.Broker, "connect", err)
		}
		return nil
	})
}

// Report publishes u on the progress topic. It does not wait for the broker.
func (p *Publisher) Report(u progress.Update) {
	if !p.client.IsConnectionOpen() {
		p.failed.Add(1)
		return
	}
	payload, err := json.Marshal(u)
	if err != nil {
		p.failed.Add(1)
		return
	}
	token := p.client.Publish(p.cfg.Topic, p.cfg.QoS, false, payload)
	go p.track(token)
}

func (p *Publisher) track(token paho.Token) {
	select {
	case <-token.Done():
	case <-time.After(publishTimeout):
		p.failed.Add(1)
		return
	}
	if err := token.Error(); err != nil {
		p.failed.Add(1)
		p.log.Debug("publish failed", zap.Error(err))
		return
	}
	p.published.Add(1)
}

// PublishResult publishes r retained on Topic + "/result" and waits for the broker
func (p *Publisher) PublishResult(ctx context.Context, r model.Result) error {
	topic := p.cfg.Topic + "/result"
	payload, err := json.Marshal(r)
	if err != nil {
		return pkgerrors.NewTransportError(p.cfg.Broker, "encode result", err)
	}

	token := p.client.Publish(topic, p.cfg.QoS, true, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		p.failed.Add(1)
		return ctx.Err()
	case <-time.After(publishTimeout):
		p.failed.Add(1)
		return pkgerrors.NewTransportError(p.cfg.Broker, "publish result timeout", nil)
	}
	if err := token.Error(); err != nil {
		p.failed.Add(1)
		return pkgerrors.NewTransportError(p.cfg.Broker, "publish result", err)
	}
	p.published.Add(1)
	p.log.Info("calibration result published",
		zap.String("topic", topic),
		zap.Int64("optimal_offset_ns", r.OptimalOffsetNs),
	)
	return nil
}

// Published returns how many messages the broker acknowledged
func (p *Publisher) Published() uint64 { return p.published.Load() }

// Failed returns how many messages were not delivered
func (p *Publisher) Failed() uint64 { return p.failed.Load() }

// Close disconnects from the broker
func (p *Publisher) Close() error {
	if p.client.IsConnected() {
		p.client.Disconnect(quiesceMillis)
	}
	return nil
}
