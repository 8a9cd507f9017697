// Package mqtttrigger subscribes to MQTT topics and runs a component for
// each message.
package mqtttrigger

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kate-goldenring/containerd-shim-spin/errors"
	"github.com/kate-goldenring/containerd-shim-spin/locked"
	"github.com/kate-goldenring/containerd-shim-spin/runtime"
	"github.com/kate-goldenring/containerd-shim-spin/trigger"
)

const (
	DefaultKeepAlive  = 30 * time.Second
	connectTimeout    = 30 * time.Second
	disconnectQuiesce = 250
)

// Metadata is metadata.triggers.mqtt. String fields may reference
// application variables.
type Metadata struct {
	Address           string `json:"address"`
	Username          string `json:"username"`
	Password          string `json:"password"`
	KeepAliveInterval int    `json:"keep_alive_interval"`
}

// Config is one MQTT trigger's trigger_config.
type Config struct {
	Component string `json:"component"`
	Topic     string `json:"topic"`
	QoS       int    `json:"qos"`
}

// Message is one received publication.
type Message struct {
	Topic   string
	Payload []byte
}

// Client is the broker connection the executor drives.
type Client interface {
	Connect(ctx context.Context) error
	Subscribe(topic string, qos byte, deliver func(Message)) error
	Disconnect()
}

// DialFunc creates a client from broker options.
type DialFunc func(opts *mqtt.ClientOptions) Client

type subscription struct {
	guest *trigger.Guest
	topic string
	qos   byte
}

// Executor is the MQTT trigger executor.
type Executor struct {
	dial   DialFunc
	opts   *mqtt.ClientOptions
	logger *zap.Logger
	stdout io.Writer
	stderr io.Writer
	subs   []subscription
}

// Option configures the executor.
type Option func(*Executor)

// WithDialer replaces the paho client.
func WithDialer(d DialFunc) Option {
	return func(e *Executor) {
		e.dial = d
	}
}

// Build connects through paho.
func Build(ctx context.Context, in trigger.BuildInput) (trigger.Executor, error) {
	return build(ctx, in)
}

// NewBuilder returns a builder with opts applied.
func NewBuilder(opts ...Option) trigger.Builder {
	return func(ctx context.Context, in trigger.BuildInput) (trigger.Executor, error) {
		return build(ctx, in, opts...)
	}
}

func build(ctx context.Context, in trigger.BuildInput, opts ...Option) (*Executor, error) {
	var meta Metadata
	if err := in.App.TriggerMetadata(string(trigger.MQTT), &meta); err != nil {
		return nil, buildError("metadata", err)
	}
	for _, field := range []*string{&meta.Address, &meta.Username, &meta.Password} {
		v, err := expand(in, *field)
		if err != nil {
			return nil, err
		}
		*field = v
	}

	logger := in.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{
		dial:   pahoDial,
		logger: logger,
		stdout: os.Stdout,
		stderr: os.Stderr,
	}
	for _, opt := range opts {
		opt(e)
	}

	for _, t := range in.App.TriggersOfKind(string(trigger.MQTT)) {
		var cfg Config
		if err := locked.DecodeTriggerConfig(t, &cfg); err != nil {
			return nil, buildError(t.ID, err)
		}
		topic, err := expand(in, cfg.Topic)
		if err != nil {
			return nil, err
		}
		if topic == "" {
			return nil, buildError(t.ID, fmt.Errorf("trigger has no topic"))
		}
		if cfg.QoS < 0 || cfg.QoS > 2 {
			return nil, buildError(t.ID, fmt.Errorf("qos must be 0, 1 or 2, got %d", cfg.QoS))
		}
		g, err := in.Guest(ctx, trigger.MQTT, t.ID, cfg.Component)
		if err != nil {
			return nil, err
		}
		e.subs = append(e.subs, subscription{guest: g, topic: topic, qos: byte(cfg.QoS)})
	}

	if len(e.subs) > 0 && meta.Address == "" {
		return nil, buildError("metadata", fmt.Errorf("no MQTT broker address configured"))
	}
	e.opts = clientOptions(meta, in.App.Name())
	return e, nil
}

func clientOptions(meta Metadata, appName string) *mqtt.ClientOptions {
	keepAlive := DefaultKeepAlive
	if meta.KeepAliveInterval > 0 {
		keepAlive = time.Duration(meta.KeepAliveInterval) * time.Second
	}
	prefix := appName
	if prefix == "" {
		prefix = "spin"
	}
	return mqtt.NewClientOptions().
		AddBroker(meta.Address).
		SetClientID(prefix + "-" + uuid.NewString()).
		SetUsername(meta.Username).
		SetPassword(meta.Password).
		SetKeepAlive(keepAlive).
		SetConnectTimeout(connectTimeout).
		SetAutoReconnect(true)
}

func expand(in trigger.BuildInput, tmpl string) (string, error) {
	if in.Bindings == nil {
		return tmpl, nil
	}
	return in.Bindings.Expand(tmpl)
}

func buildError(subject string, err error) error {
	return errors.New(errors.PhaseTriggerBuild, errors.KindRejected).
		Subject(subject).
		Detail("invalid MQTT trigger").
		Cause(err).
		Build()
}

// Run connects, subscribes to every topic and dispatches messages until ctx
// is cancelled. In test mode each component runs once with an empty
// payload and Run returns.
func (e *Executor) Run(ctx context.Context, args any) error {
	if a, ok := args.(trigger.MQTTArgs); ok && a.Test {
		return e.runOnce(ctx)
	}

	client := e.dial(e.opts)
	if err := client.Connect(ctx); err != nil {
		return errors.IO(errors.PhaseTriggerRun, "connect to MQTT broker", err)
	}
	defer client.Disconnect()

	msgs := make(chan Message, 64)
	deliver := func(m Message) {
		select {
		case msgs <- m:
		case <-ctx.Done():
		}
	}
	for _, s := range e.subs {
		if err := client.Subscribe(s.topic, s.qos, deliver); err != nil {
			return errors.IO(errors.PhaseTriggerRun, "subscribe to "+s.topic, err)
		}
		e.logger.Info("subscribed to mqtt topic",
			zap.String("topic", s.topic),
			zap.String("component", s.guest.Component()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-msgs:
			e.dispatch(ctx, m)
		}
	}
}

func (e *Executor) runOnce(ctx context.Context) error {
	for _, s := range e.subs {
		if err := e.invoke(ctx, s.guest, Message{Topic: s.topic}); err != nil {
			return err
		}
	}
	return nil
}

// dispatch runs every component whose topic filter matches.
func (e *Executor) dispatch(ctx context.Context, m Message) {
	for _, s := range e.subs {
		if topicMatches(s.topic, m.Topic) {
			_ = e.invoke(ctx, s.guest, m)
		}
	}
}

func (e *Executor) invoke(ctx context.Context, g *trigger.Guest, m Message) error {
	return g.Invoke(ctx, runtime.Invocation{
		Stdin:  bytes.NewReader(m.Payload),
		Stdout: e.stdout,
		Stderr: e.stderr,
		Env:    []string{"MQTT_TOPIC=" + m.Topic},
	})
}
