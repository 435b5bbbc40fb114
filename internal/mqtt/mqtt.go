package mqtt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/cybre/growlight-controller/internal/errors"
	"github.com/cybre/growlight-controller/internal/link"
	"github.com/cybre/growlight-controller/internal/supervisor"
	"github.com/cybre/growlight-controller/internal/utils"
)

const (
	connectTimeout    = 10 * time.Second
	keepAlive         = 60 * time.Second
	maxReconnectDelay = 2 * time.Minute
	disconnectQuiesce = 1000 // milliseconds
	qos               = 1
	brightnessStep    = 25

	availabilityOnline  = "online"
	availabilityOffline = "offline"
)

var ErrEmptyCommand = fmt.Errorf("command sets nothing")

// Controller receives commands arriving over MQTT and provides the state
// published after a reconnect.
type Controller interface {
	State() link.Snapshot
	SetVeg(on bool)
	SetBloom(on bool)
	SetBrightness(brightness int)
}

type Config struct {
	Broker   string
	Topic    string
	ClientID string
	Username string
	Password string
}

// Topics under the configured base topic.
type Topics struct {
	Base string
}

func (t Topics) State() string {
	return t.Base + "/state"
}

func (t Topics) Availability() string {
	return t.Base + "/availability"
}

func (t Topics) Set() string {
	return t.Base + "/set"
}

// Bridge publishes the grow light state to a broker and forwards commands
// from it. It is a supervisor.Observer.
type Bridge struct {
	client     pahomqtt.Client
	topics     Topics
	controller Controller
	logger     *slog.Logger

	mu        sync.Mutex
	published *link.Snapshot
}

// Connect starts a broker connection. A broker that is not reachable yet is
// retried in the background.
func Connect(cfg Config, controller Controller, logger *slog.Logger) (*Bridge, error) {
	b := &Bridge{
		topics:     Topics{Base: cfg.Topic},
		controller: controller,
		logger:     logger,
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetMaxReconnectInterval(maxReconnectDelay)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetKeepAlive(keepAlive)
	opts.SetWill(b.topics.Availability(), availabilityOffline, qos, true)

	opts.SetOnConnectHandler(func(client pahomqtt.Client) {
		logger.Info("connected to MQTT broker", slog.String("broker", cfg.Broker))
		b.connected(client)
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		logger.Warn("lost connection to MQTT broker", slog.Any("error", err))
	})

	b.client = pahomqtt.NewClient(opts)

	token := b.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		logger.Warn("MQTT broker not reachable yet, retrying in the background", slog.String("broker", cfg.Broker))
		return b, nil
	}
	if err := token.Error(); err != nil {
		return nil, errors.Wrapf(err, "connect to MQTT broker")
	}

	return b, nil
}

// connected subscribes to commands and publishes the current state again,
// since the broker may have lost the retained messages.
func (b *Bridge) connected(client pahomqtt.Client) {
	client.Subscribe(b.topics.Set(), qos, b.handleSet)

	b.mu.Lock()
	b.published = nil
	b.mu.Unlock()

	b.StateChanged(b.controller.State())
}

func (b *Bridge) handleSet(_ pahomqtt.Client, msg pahomqtt.Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("MQTT handler panic recovered", slog.String("topic", msg.Topic()), slog.Any("panic", r))
		}
	}()

	cmd, err := parseCommand(msg.Payload())
	if err != nil {
		b.logger.Warn("invalid MQTT command", slog.String("payload", string(msg.Payload())), slog.Any("error", err))
		return
	}

	cmd.apply(b.controller)
}

func (b *Bridge) WorkerStarted() {}

func (b *Bridge) WorkerExited(supervisor.Exit) {}

func (b *Bridge) MessageReceived(link.Type) {}

// StateChanged publishes s as the retained state unless it was the last one published.
func (b *Bridge) StateChanged(s link.Snapshot) {
	if !b.client.IsConnectionOpen() {
		return
	}

	b.mu.Lock()
	if b.published != nil && *b.published == s {
		b.mu.Unlock()
		return
	}
	b.published = &s
	b.mu.Unlock()

	payload, err := json.Marshal(s)
	if err != nil {
		b.logger.Warn("marshal state for MQTT", slog.Any("error", err))
		return
	}

	b.client.Publish(b.topics.State(), qos, true, payload)
	b.client.Publish(b.topics.Availability(), qos, true, availability(s))
}

// Close marks the light unavailable and disconnects.
func (b *Bridge) Close() {
	if b.client.IsConnectionOpen() {
		token := b.client.Publish(b.topics.Availability(), qos, true, availabilityOffline)
		token.WaitTimeout(connectTimeout)
	}

	b.client.Disconnect(disconnectQuiesce)
}

func availability(s link.Snapshot) string {
	if s.Connected {
		return availabilityOnline
	}

	return availabilityOffline
}

// command is the payload accepted on the set topic. Every field is optional
// but at least one has to be present.
type command struct {
	Veg        *bool `json:"veg,omitempty"`
	Bloom      *bool `json:"bloom,omitempty"`
	Brightness *int  `json:"brightness,omitempty"`
}

func parseCommand(payload []byte) (command, error) {
	var cmd command

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cmd); err != nil {
		return command{}, errors.Wrapf(err, "decode command")
	}

	if cmd.Veg == nil && cmd.Bloom == nil && cmd.Brightness == nil {
		return command{}, errors.Wrap(ErrEmptyCommand)
	}

	return cmd, nil
}

// apply sends brightness before the lamp modes so a lamp switched on by the
// same command comes up at the requested level. Brightness is snapped to the
// lamps' step; one that snaps to zero switches off every lamp the command
// does not set itself.
func (c command) apply(controller Controller) {
	if c.Brightness != nil {
		brightness := utils.RoundToStep(*c.Brightness, brightnessStep)
		switch {
		case brightness > 0:
			controller.SetBrightness(brightness)
		case c.Veg == nil && c.Bloom == nil:
			controller.SetVeg(false)
			controller.SetBloom(false)
		case c.Veg == nil:
			controller.SetVeg(false)
		case c.Bloom == nil:
			controller.SetBloom(false)
		}
	}
	if c.Veg != nil {
		controller.SetVeg(*c.Veg)
	}
	if c.Bloom != nil {
		controller.SetBloom(*c.Bloom)
	}
}
