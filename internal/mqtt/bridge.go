package mqtt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KevinKickass/OpenDAC/internal/channels"
	"github.com/KevinKickass/OpenDAC/internal/config"
	"github.com/KevinKickass/OpenDAC/internal/output"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const (
	queueSize      = 256
	commandTimeout = 5 * time.Second

	statusOnline  = "online"
	statusOffline = "offline"
)

var ErrInvalidPayload = errors.New("invalid set payload")

// Bridge mirrors channel state to MQTT and accepts commands.
//
// Topics, relative to the configured prefix:
//
//	<prefix>/status          online|offline (retained, last will)
//	<prefix>/<name>/state    channel status JSON (retained)
//	<prefix>/<name>/set      {"state":"on","voltage":1.2}, {"state":"off"} or "off"
//	<prefix>/<name>/error    rejected commands
type Bridge struct {
	client  pahomqtt.Client
	manager *channels.Manager
	prefix  string
	qos     byte
	logger  *zap.Logger

	// mu guards queue against Stop closing it
	mu      sync.RWMutex
	stopped bool
	queue   chan channels.StateEvent
	done    chan struct{}
	started atomic.Bool
}

// New builds a bridge with a paho client configured from cfg. The client
// resubscribes after every reconnect.
func New(cfg config.MQTTConfig, manager *channels.Manager, logger *zap.Logger) *Bridge {
	b := newBridge(nil, manager, cfg.TopicPrefix, cfg.QoS, logger)

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(b.topic("status"), statusOffline, cfg.QoS, true).
		SetOnConnectHandler(func(c pahomqtt.Client) {
			if b.started.Load() {
				b.logger.Info("MQTT reconnected")
				b.announce()
			}
		}).
		SetConnectionLostHandler(func(c pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", zap.Error(err))
		})

	b.client = pahomqtt.NewClient(opts)
	return b
}

func newBridge(client pahomqtt.Client, manager *channels.Manager, prefix string, qos byte, logger *zap.Logger) *Bridge {
	return &Bridge{
		client:  client,
		manager: manager,
		prefix:  strings.TrimSuffix(prefix, "/"),
		qos:     qos,
		logger:  logger.With(zap.String("component", "mqtt")),
		queue:   make(chan channels.StateEvent, queueSize),
		done:    make(chan struct{}),
	}
}

func (b *Bridge) topic(parts ...string) string {
	return b.prefix + "/" + strings.Join(parts, "/")
}

// Start connects, subscribes the set topics and publishes the current
// state of every channel.
func (b *Bridge) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !b.client.IsConnected() {
		if err := Connect(b.client); err != nil {
			return fmt.Errorf("unable to connect to mqtt: %w", err)
		}
	}

	if err := b.announce(); err != nil {
		return err
	}
	b.started.Store(true)

	go b.run()

	b.logger.Info("MQTT bridge started", zap.String("topic_prefix", b.prefix))
	return nil
}

// announce subscribes the command topic and republishes all channels.
func (b *Bridge) announce() error {
	if err := Subscribe(b.client, b.logger, b.topic("+", "set"), b.qos, b.handleSet); err != nil {
		return fmt.Errorf("unable to subscribe to set topic: %w", err)
	}
	if err := Publish(b.client, b.logger, b.topic("status"), b.qos, true, []byte(statusOnline)); err != nil {
		b.logger.Warn("Unable to publish online status", zap.Error(err))
	}

	for _, info := range b.manager.ListChannels() {
		if err := b.publishStatus(info.Name, info.Status); err != nil {
			b.logger.Warn("Unable to publish channel state",
				zap.String("channel", info.Name),
				zap.Error(err))
		}
	}
	return nil
}

// Stop drains pending events, marks the bridge offline and disconnects.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	close(b.queue)
	b.mu.Unlock()

	if b.started.Load() {
		<-b.done
	}

	if b.client.IsConnected() {
		if err := Publish(b.client, b.logger, b.topic("status"), b.qos, true, []byte(statusOffline)); err != nil {
			b.logger.Warn("Unable to publish offline status", zap.Error(err))
		}
		if err := Unsubscribe(b.client, b.logger, b.topic("+", "set")); err != nil {
			b.logger.Warn("Unable to unsubscribe", zap.Error(err))
		}
		b.client.Disconnect(250)
	}
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) Connected() bool {
	return b.client != nil && b.client.IsConnected()
}

// PublishState queues event for publishing. It never blocks. Events
// before Start or after Stop are dropped.
func (b *Bridge) PublishState(event channels.StateEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped || !b.started.Load() {
		return
	}

	select {
	case b.queue <- event:
	default:
		b.logger.Warn("MQTT queue full, state dropped", zap.String("channel", event.Name))
	}
}

func (b *Bridge) run() {
	defer close(b.done)

	for event := range b.queue {
		var err error
		if event.Event == channels.EventRemoved {
			// clear the retained state
			err = Publish(b.client, b.logger, b.topic(event.Name, "state"), b.qos, true, nil)
		} else {
			err = b.publishStatus(event.Name, event.Status)
		}
		if err != nil {
			b.logger.Warn("Unable to publish channel state",
				zap.String("channel", event.Name),
				zap.String("event", event.Event),
				zap.Error(err))
		}
	}
}

func (b *Bridge) publishStatus(name string, status output.ChannelStatus) error {
	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("unable to marshal state json: %w", err)
	}
	return Publish(b.client, b.logger, b.topic(name, "state"), b.qos, true, payload)
}

// handleSet decodes a set command and applies it to the named channel.
func (b *Bridge) handleSet(_ pahomqtt.Client, m pahomqtt.Message) {
	name, ok := b.channelFromTopic(m.Topic())
	if !ok {
		b.logger.Warn("Discarded unrelated message", zap.String("topic", m.Topic()))
		return
	}

	l := b.logger.With(zap.String("channel", name), zap.Uint16("message_id", m.MessageID()))
	l.Debug("Received set command", zap.ByteString("payload", m.Payload()))

	if err := b.apply(name, m.Payload()); err != nil {
		l.Warn("Set command failed", zap.Error(err))
		b.publishError(name, err)
	}
}

func (b *Bridge) apply(name string, payload []byte) error {
	cmd, err := ParseSetPayload(payload)
	if err != nil {
		return err
	}

	ch, err := b.manager.GetChannelByName(name)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	_, err = b.manager.SetState(ctx, ch.ID, cmd)
	return err
}

func (b *Bridge) publishError(name string, cause error) {
	payload, _ := json.Marshal(map[string]string{"error": cause.Error()})
	if err := Publish(b.client, b.logger, b.topic(name, "error"), b.qos, false, payload); err != nil {
		b.logger.Warn("Unable to publish command error", zap.String("channel", name), zap.Error(err))
	}
}

// channelFromTopic extracts <name> from <prefix>/<name>/set.
func (b *Bridge) channelFromTopic(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, b.prefix+"/")
	if !ok {
		return "", false
	}
	name, ok := strings.CutSuffix(rest, "/set")
	if !ok || name == "" || strings.Contains(name, "/") {
		return "", false
	}
	return name, true
}

// ParseSetPayload accepts a JSON command or the bare words "on <volts>"
// and "off".
func ParseSetPayload(payload []byte) (output.Command, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return output.Command{}, fmt.Errorf("%w: empty", ErrInvalidPayload)
	}

	if payload[0] != '{' {
		fields := strings.Fields(strings.ToLower(string(payload)))
		switch {
		case len(fields) == 1 && fields[0] == "off":
			return output.Off(), nil
		case len(fields) == 2 && fields[0] == "on":
			v, err := strconv.ParseFloat(fields[1], 64)
			if err != nil {
				return output.Command{}, fmt.Errorf("%w: voltage %q", ErrInvalidPayload, fields[1])
			}
			return output.On(v), nil
		}
		return output.Command{}, fmt.Errorf("%w: %q", ErrInvalidPayload, payload)
	}

	var req struct {
		State   output.CommandKind `json:"state"`
		Voltage *float64           `json:"voltage"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return output.Command{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	switch req.State {
	case output.CommandOff:
		return output.Off(), nil
	case output.CommandOn:
		if req.Voltage == nil {
			return output.Command{}, fmt.Errorf("%w: voltage required for on", ErrInvalidPayload)
		}
		return output.On(*req.Voltage), nil
	default:
		return output.Command{}, fmt.Errorf("%w: state %q", ErrInvalidPayload, req.State)
	}
}
