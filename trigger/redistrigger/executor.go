// Package redistrigger runs components for messages published on Redis
// channels.
package redistrigger

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kate-goldenring/containerd-shim-spin/errors"
	"github.com/kate-goldenring/containerd-shim-spin/locked"
	"github.com/kate-goldenring/containerd-shim-spin/runtime"
	"github.com/kate-goldenring/containerd-shim-spin/trigger"
)

// Metadata is metadata.triggers.redis.
type Metadata struct {
	Address string `json:"address"`
}

// Config is one Redis trigger's trigger_config. Address overrides the
// application-wide address.
type Config struct {
	Component string `json:"component"`
	Channel   string `json:"channel"`
	Address   string `json:"address"`
}

// Message is one published payload.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription delivers messages until closed.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// SubscribeFunc opens a subscription on the server at address.
type SubscribeFunc func(ctx context.Context, address string, channels []string) (Subscription, error)

// server groups the channels subscribed on one address.
type server struct {
	address  string
	channels map[string][]*trigger.Guest
}

// Executor is the Redis trigger executor.
type Executor struct {
	subscribe SubscribeFunc
	logger    *zap.Logger
	stdout    io.Writer
	stderr    io.Writer
	servers   []*server
}

// Option configures the executor.
type Option func(*Executor)

// WithSubscriber replaces the go-redis subscriber.
func WithSubscriber(f SubscribeFunc) Option {
	return func(e *Executor) {
		e.subscribe = f
	}
}

// Build subscribes through go-redis.
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
	if err := in.App.TriggerMetadata(string(trigger.Redis), &meta); err != nil {
		return nil, buildError("metadata", err)
	}

	logger := in.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{
		subscribe: subscribeRedis,
		logger:    logger,
		stdout:    os.Stdout,
		stderr:    os.Stderr,
	}
	for _, opt := range opts {
		opt(e)
	}

	byAddress := make(map[string]*server)
	for _, t := range in.App.TriggersOfKind(string(trigger.Redis)) {
		var cfg Config
		if err := locked.DecodeTriggerConfig(t, &cfg); err != nil {
			return nil, buildError(t.ID, err)
		}
		address := cfg.Address
		if address == "" {
			address = meta.Address
		}
		address, err := expand(in, address)
		if err != nil {
			return nil, err
		}
		if address == "" {
			return nil, buildError(t.ID, fmt.Errorf("no redis address configured"))
		}
		channel, err := expand(in, cfg.Channel)
		if err != nil {
			return nil, err
		}
		if channel == "" {
			return nil, buildError(t.ID, fmt.Errorf("trigger has no channel"))
		}

		g, err := in.Guest(ctx, trigger.Redis, t.ID, cfg.Component)
		if err != nil {
			return nil, err
		}
		s, ok := byAddress[address]
		if !ok {
			s = &server{address: address, channels: make(map[string][]*trigger.Guest)}
			byAddress[address] = s
			e.servers = append(e.servers, s)
		}
		s.channels[channel] = append(s.channels[channel], g)
	}
	return e, nil
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
		Detail("invalid Redis trigger").
		Cause(err).
		Build()
}

// Run subscribes to every configured channel and dispatches messages until
// ctx is cancelled or a subscription fails.
func (e *Executor) Run(ctx context.Context, _ any) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, s := range e.servers {
		g.Go(func() error {
			return e.serve(ctx, s)
		})
	}
	err := g.Wait()
	if err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (e *Executor) serve(ctx context.Context, s *server) error {
	channels := make([]string, 0, len(s.channels))
	for ch := range s.channels {
		channels = append(channels, ch)
	}
	sort.Strings(channels)

	sub, err := e.subscribe(ctx, s.address, channels)
	if err != nil {
		return errors.IO(errors.PhaseTriggerRun, "subscribe to "+s.address, err)
	}
	defer sub.Close()
	e.logger.Info("subscribed to redis channels",
		zap.String("address", s.address),
		zap.Strings("channels", channels),
	)

	msgs := sub.Messages()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return errors.IO(errors.PhaseTriggerRun, "subscription to "+s.address+" closed", nil)
			}
			e.dispatch(ctx, s, msg)
		}
	}
}

// dispatch runs every component subscribed to the message's channel.
// Guest failures are logged and do not stop the executor.
func (e *Executor) dispatch(ctx context.Context, s *server, msg Message) {
	for _, g := range s.channels[msg.Channel] {
		_ = g.Invoke(ctx, runtime.Invocation{
			Stdin:  bytes.NewReader(msg.Payload),
			Stdout: e.stdout,
			Stderr: e.stderr,
			Env:    []string{"REDIS_CHANNEL=" + msg.Channel},
		})
	}
}

type redisSubscription struct {
	client *redis.Client
	pubsub *redis.PubSub
	out    chan Message
}

func subscribeRedis(ctx context.Context, address string, channels []string) (Subscription, error) {
	opts, err := redis.ParseURL(address)
	if err != nil {
		return nil, fmt.Errorf("parse redis address: %w", err)
	}
	client := redis.NewClient(opts)
	pubsub := client.Subscribe(ctx, channels...)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		client.Close()
		return nil, err
	}

	s := &redisSubscription{client: client, pubsub: pubsub, out: make(chan Message)}
	go func() {
		defer close(s.out)
		for m := range pubsub.Channel() {
			select {
			case s.out <- Message{Channel: m.Channel, Payload: []byte(m.Payload)}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return s, nil
}

func (s *redisSubscription) Messages() <-chan Message {
	return s.out
}

func (s *redisSubscription) Close() error {
	err := s.pubsub.Close()
	if cerr := s.client.Close(); err == nil {
		err = cerr
	}
	return err
}
