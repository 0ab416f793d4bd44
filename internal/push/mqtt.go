package push

import (
	"context"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"buzzworker/internal/errors"
	"buzzworker/internal/logger"
)

const (
	mqttDispatchTimeout = 30 * time.Second
	mqttWait            = 10 * time.Second
)

type MQTTConfig struct {
	Broker   string
	Topic    string
	ClientID string
}

// MQTTChannel feeds messages published on a topic into the router as push
// events.
type MQTTChannel struct {
	cfg    MQTTConfig
	router *Router
	log    *zap.SugaredLogger
	client mqtt.Client

	retryEvery       time.Duration
	firstConnectWait time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

func NewMQTTChannel(cfg MQTTConfig, router *Router, log *zap.SugaredLogger) *MQTTChannel {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MQTTChannel{
		cfg:              cfg,
		router:           router,
		log:              log,
		retryEvery:       30 * time.Second,
		firstConnectWait: mqttWait,
		ctx:              ctx,
		cancel:           cancel,
	}
}

// Start connects and subscribes. The subscription is renewed on every
// reconnect. A broker that is down keeps being retried in the background;
// Start only waits for the first attempt.
func (c *MQTTChannel) Start(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(c.cfg.Broker).
		SetClientID(c.cfg.ClientID).
		SetConnectTimeout(mqttWait).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(c.retryEvery).
		SetCleanSession(true).
		SetOnConnectHandler(func(cl mqtt.Client) {
			if err := tokenResult(cl.Subscribe(c.cfg.Topic, 1, c.handleMessage), mqttWait); err != nil {
				c.log.Warnw("mqtt subscribe failed", logger.FieldTopic, c.cfg.Topic, logger.FieldError, err)
				return
			}
			c.log.Infow("mqtt push channel subscribed", logger.FieldAddress, c.cfg.Broker, logger.FieldTopic, c.cfg.Topic)
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			c.log.Warnw("mqtt connection lost", logger.FieldAddress, c.cfg.Broker, logger.FieldError, err)
		})
	c.client = mqtt.NewClient(opts)

	tok := c.client.Connect()
	wait := time.NewTimer(c.firstConnectWait)
	defer wait.Stop()
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return errors.Wrapf(err, "connect mqtt broker %s", c.cfg.Broker)
		}
	case <-wait.C:
		c.log.Warnw("mqtt broker not reachable yet, retrying in background", logger.FieldAddress, c.cfg.Broker)
	case <-ctx.Done():
		c.client.Disconnect(0)
		return ctx.Err()
	}
	return nil
}

// tokenResult waits for tok and treats a wait that runs out as a failure.
func tokenResult(tok mqtt.Token, timeout time.Duration) error {
	if !tok.WaitTimeout(timeout) {
		return errors.Newf("no answer from broker after %s", timeout)
	}
	return tok.Error()
}

func (c *MQTTChannel) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	payload := append([]byte(nil), msg.Payload()...)
	// paho calls handlers in order; dispatch must not block the next message.
	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, mqttDispatchTimeout)
		defer cancel()
		if err := c.router.DispatchPush(ctx, payload); err != nil {
			c.log.Warnw("mqtt push dispatch failed", logger.FieldTopic, msg.Topic(), logger.FieldError, err)
		}
	}()
}

func (c *MQTTChannel) Close() {
	c.cancel()
	if c.client != nil {
		// Also stops a connect retry still in flight.
		c.client.Disconnect(250)
	}
}
