// Package notify publishes agent activity to an MQTT broker. It is an
// optional outbound bridge: when enabled, messages the agent surfaces,
// dialog exchanges, and a periodic status snapshot go out on retained
// topics so dashboards and automations can follow the loop without
// polling the web API.
package notify

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"github.com/eposlab/epos/internal/config"
	"github.com/eposlab/epos/internal/events"
)

// StatusSource provides the runtime snapshot for the periodic status
// topic. The concrete adapter is wired in main.go to avoid coupling
// this package to the engine.
type StatusSource interface {
	// StatusJSON returns the engine status snapshot, marshalable to JSON.
	StatusJSON() any
}

// statusInterval is how often the status snapshot is republished.
const statusInterval = 30 * time.Second

// busQueueSize buffers bus events during broker reconnects.
const busQueueSize = 64

// Notifier manages the MQTT connection and forwards bus events to the
// broker until its context is cancelled.
type Notifier struct {
	cfg    config.NotifyConfig
	bus    *events.Bus
	status StatusSource
	logger *slog.Logger
	cm     *autopaho.ConnectionManager
}

// New creates a Notifier but does not connect. Call [Notifier.Start]
// to begin the connection and forwarding loop. An empty client ID gets
// a random suffix so two instances against one broker don't evict each
// other.
func New(cfg config.NotifyConfig, bus *events.Bus, status StatusSource, logger *slog.Logger) *Notifier {
	if cfg.ClientID == "" {
		cfg.ClientID = "epos-" + uuid.NewString()[:8]
	}
	return &Notifier{
		cfg:    cfg,
		bus:    bus,
		status: status,
		logger: logger.With("component", "notify"),
	}
}

// Start connects to the MQTT broker and forwards bus events until ctx
// is cancelled. On every (re-)connect it publishes an "online"
// availability message; the broker publishes "offline" on our behalf
// if the connection drops uncleanly.
func (n *Notifier) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(n.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := n.topic("availability")

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: n.cfg.Username,
		ConnectPassword: []byte(n.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			n.logger.Info("mqtt connected to broker", "broker", n.cfg.Broker)
			n.publish(ctx, cm, availTopic, []byte("online"), 1, true)
		},
		OnConnectError: func(err error) {
			n.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: n.cfg.ClientID,
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	n.cm = cm

	// Wait for the initial connection before forwarding events.
	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// Log but don't fail — autopaho keeps retrying in the background.
		n.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	n.runLoop(ctx)
	return nil
}

// Stop publishes an "offline" availability message before closing the
// MQTT connection.
func (n *Notifier) Stop(ctx context.Context) error {
	if n.cm == nil {
		return nil
	}
	n.publish(ctx, n.cm, n.topic("availability"), []byte("offline"), 1, true)
	return n.cm.Disconnect(ctx)
}

func (n *Notifier) topic(suffix string) string {
	return n.cfg.TopicPrefix + "/" + suffix
}

// runLoop forwards bus events and republishes the status snapshot on a
// ticker until ctx is cancelled.
func (n *Notifier) runLoop(ctx context.Context) {
	sub := n.bus.Subscribe(busQueueSize)
	defer n.bus.Unsubscribe(sub)

	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	n.publishStatus(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub:
			n.forward(ctx, ev)
		case <-ticker.C:
			n.publishStatus(ctx)
		}
	}
}

// forward maps one bus event to its MQTT topic. Events with no
// outbound mapping are dropped.
func (n *Notifier) forward(ctx context.Context, ev events.Event) {
	switch ev.Kind {
	case events.KindMessage:
		content, _ := ev.Data["content"].(string)
		n.publish(ctx, n.cm, n.topic("message"), []byte(content), 1, false)
	case events.KindDialog:
		payload, err := json.Marshal(ev.Data)
		if err != nil {
			n.logger.Error("mqtt marshal dialog payload", "error", err)
			return
		}
		n.publish(ctx, n.cm, n.topic("dialog"), payload, 1, false)
	case events.KindStarted:
		n.publish(ctx, n.cm, n.topic("running"), []byte("true"), 1, true)
	case events.KindStopped:
		n.publish(ctx, n.cm, n.topic("running"), []byte("false"), 1, true)
	case events.KindThought:
		if v, ok := ev.Data["n"]; ok {
			n.publish(ctx, n.cm, n.topic("thought_count"), []byte(fmt.Sprint(v)), 0, true)
		}
	case events.KindCompress:
		if v, ok := ev.Data["n"]; ok {
			n.publish(ctx, n.cm, n.topic("compressions"), []byte(fmt.Sprint(v)), 0, true)
		}
	}
}

func (n *Notifier) publishStatus(ctx context.Context) {
	if n.cm == nil || n.status == nil {
		return
	}
	payload, err := json.Marshal(n.status.StatusJSON())
	if err != nil {
		n.logger.Error("mqtt marshal status payload", "error", err)
		return
	}
	n.publish(ctx, n.cm, n.topic("status"), payload, 0, true)
}

func (n *Notifier) publish(ctx context.Context, cm *autopaho.ConnectionManager, topic string, payload []byte, qos byte, retain bool) {
	if cm == nil {
		return
	}
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	}); err != nil {
		n.logger.Warn("mqtt publish failed", "topic", topic, "error", err)
	} else {
		n.logger.Debug("mqtt published", "topic", topic, "bytes", strconv.Itoa(len(payload)))
	}
}
