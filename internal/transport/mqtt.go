// Package transport speaks MQTT to the job control plane using the
// AWS IoT Jobs topic layout. It turns broker traffic into the typed
// channels the agent loop consumes.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"golang.org/x/sync/errgroup"

	"github.com/fleetward/deviceops/internal/model"
)

const (
	// qosAtLeastOnce pairs with the handler's dedup ledger: the broker
	// may redeliver, the agent must not re-execute.
	qosAtLeastOnce = 1

	// channelCapacity bounds both inbound channels. A full channel
	// drops the message with an error log instead of blocking the
	// paho router.
	channelCapacity = 100

	opTimeout         = 30 * time.Second
	disconnectQuiesce = 250 // milliseconds
)

// Client is a connected MQTT session bound to one thing name. It
// implements agent.Conn.
type Client struct {
	mqtt   mqtt.Client
	thing  string
	logger *slog.Logger

	mu         sync.RWMutex
	closed     bool
	handlers   map[string]mqtt.MessageHandler
	jobs       chan model.JobEvent
	reconnects chan struct{}
}

// Dial connects to the broker with a persistent session. The session
// survives reconnects (paho auto-reconnect stays on), and every
// established connection feeds the reconnect channel so the agent can
// re-request pending work.
func Dial(ctx context.Context, cfg model.Connection, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		thing:      cfg.ThingName,
		logger:     logger,
		jobs:       make(chan model.JobEvent, channelCapacity),
		reconnects: make(chan struct{}, channelCapacity),
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "deviceops-" + cfg.ThingName
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetCleanSession(false).
		SetAutoReconnect(true).
		SetOrderMatters(true).
		SetKeepAlive(time.Duration(cfg.KeepAlive) * time.Second).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	tc, err := tlsConfig(cfg)
	if err != nil {
		return nil, err
	}
	if tc != nil {
		opts.SetTLSConfig(tc)
	}

	c.mqtt = mqtt.NewClient(opts)
	if err := c.wait(ctx, c.mqtt.Connect(), "connecting to "+cfg.Broker); err != nil {
		return nil, err
	}
	return c, nil
}

func tlsConfig(cfg model.Connection) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" {
		return nil, nil
	}
	tc := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
		}
		tc.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client key pair: %w", err)
		}
		tc.Certificates = []tls.Certificate{cert}
	}
	return tc, nil
}

// Subscription is an active set of job topic subscriptions. It
// implements agent.Subscription.
type Subscription struct {
	client     *Client
	topics     []string
	jobs       chan model.JobEvent
	reconnects chan struct{}
	closeOnce  sync.Once
}

func (s *Subscription) Jobs() <-chan model.JobEvent { return s.jobs }

func (s *Subscription) Reconnects() <-chan struct{} { return s.reconnects }

// Close unsubscribes the topics and closes both channels. Safe to
// call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		token := s.client.mqtt.Unsubscribe(s.topics...)
		if err := s.client.wait(context.Background(), token, "unsubscribing"); err != nil {
			s.client.logger.Warn("unsubscribing failed", "error", err)
		}

		// flip closed under the write lock so no handler holding the
		// read lock can send past this point
		s.client.mu.Lock()
		s.client.closed = true
		s.client.mu.Unlock()

		close(s.jobs)
		close(s.reconnects)
	})
}

// Subscribe attaches handlers for the job notification, queue
// response, reconnect and update acknowledgment topics. One
// subscription per client.
func (c *Client) Subscribe(ctx context.Context) (*Subscription, error) {
	handlers := map[string]mqtt.MessageHandler{
		topicNotifyNext(c.thing):      c.onJobMessage,
		topicGetNextAccepted(c.thing): c.onJobMessage,
		topicReconnect(c.thing):       c.onReconnectMessage,
		topicUpdateAccepted(c.thing):  c.onUpdateAck,
		topicUpdateRejected(c.thing):  c.onUpdateAck,
	}

	g, gctx := errgroup.WithContext(ctx)
	topics := make([]string, 0, len(handlers))
	for topic, handler := range handlers {
		topics = append(topics, topic)
		g.Go(func() error {
			return c.wait(gctx, c.mqtt.Subscribe(topic, qosAtLeastOnce, handler), "subscribing to "+topic)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.handlers = handlers
	c.mu.Unlock()

	c.logger.InfoContext(ctx, "subscribed to job topics", "thing", c.thing)
	return &Subscription{
		client:     c,
		topics:     topics,
		jobs:       c.jobs,
		reconnects: c.reconnects,
	}, nil
}

// UpdateStatus publishes the terminal status report for a job.
func (c *Client) UpdateStatus(ctx context.Context, jobID string, status model.JobStatus) error {
	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("encoding status for job %s: %w", jobID, err)
	}
	topic := topicUpdate(c.thing, jobID)
	c.logger.InfoContext(ctx, "updating job status",
		"job_id", jobID, "status", string(status.State), "topic", topic)
	return c.wait(ctx, c.mqtt.Publish(topic, qosAtLeastOnce, false, payload), "publishing status update")
}

// RequestNextJob asks the control plane for the next queued job. The
// answer arrives on the $next/get/accepted topic.
func (c *Client) RequestNextJob(ctx context.Context) error {
	token := c.mqtt.Publish(topicGetNext(c.thing), qosAtLeastOnce, false, []byte("{}"))
	return c.wait(ctx, token, "requesting next job")
}

// Close disconnects from the broker after a short quiesce for
// in-flight messages.
func (c *Client) Close() {
	c.mqtt.Disconnect(disconnectQuiesce)
}

func (c *Client) onConnect(mqtt.Client) {
	c.mu.RLock()
	handlers := c.handlers
	c.mu.RUnlock()

	// re-establish subscriptions in case the broker lost the session
	for topic, handler := range handlers {
		token := c.mqtt.Subscribe(topic, qosAtLeastOnce, handler)
		go func() {
			if err := c.wait(context.Background(), token, "resubscribing to "+topic); err != nil {
				c.logger.Warn("resubscribe failed", "error", err)
			}
		}()
	}

	c.logger.Info("broker connection established", "thing", c.thing)
	c.signalReconnect()
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.logger.Warn("broker connection lost", "error", err)
}

func (c *Client) onJobMessage(_ mqtt.Client, msg mqtt.Message) {
	ev, ok := model.ParseJobNotification(msg.Payload())
	if !ok {
		// the queue drained notification carries no execution, and
		// garbage without a recoverable job ID lands here too
		c.logger.Debug("no actionable job in notification", "topic", msg.Topic())
		return
	}
	c.publishEvent(ev, msg.Topic())
}

func (c *Client) onReconnectMessage(_ mqtt.Client, msg mqtt.Message) {
	c.logger.Info("reconnect signal received",
		"topic", msg.Topic(), "payload_bytes", len(msg.Payload()))
	c.signalReconnect()
}

func (c *Client) onUpdateAck(_ mqtt.Client, msg mqtt.Message) {
	if strings.HasSuffix(msg.Topic(), "/rejected") {
		c.logger.Error("control plane rejected status update",
			"topic", msg.Topic(), "payload", string(msg.Payload()))
		return
	}
	c.logger.Debug("status update accepted", "topic", msg.Topic())
}

func (c *Client) publishEvent(ev model.JobEvent, topic string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.jobs <- ev:
	default:
		c.logger.Error("job channel full, dropping notification", "topic", topic)
	}
}

func (c *Client) signalReconnect() {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.reconnects <- struct{}{}:
	default:
		c.logger.Warn("reconnect channel full, dropping signal")
	}
}

// wait blocks until the token resolves, the context ends or the
// operation times out, whichever happens first.
func (c *Client) wait(ctx context.Context, token mqtt.Token, op string) error {
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	case <-time.After(opTimeout):
		return fmt.Errorf("%s: timed out after %s", op, opTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
