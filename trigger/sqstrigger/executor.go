// Package sqstrigger polls Amazon SQS queues and runs a component for each
// message. Messages are deleted once the component succeeds.
package sqstrigger

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kate-goldenring/containerd-shim-spin/errors"
	"github.com/kate-goldenring/containerd-shim-spin/locked"
	"github.com/kate-goldenring/containerd-shim-spin/runtime"
	"github.com/kate-goldenring/containerd-shim-spin/trigger"
)

const (
	DefaultMaxMessages     = 10
	DefaultIdleWaitSeconds = 2
)

// API is the subset of the SQS client the executor uses.
type API interface {
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, opts ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, opts ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Config is one SQS trigger's trigger_config.
type Config struct {
	Component         string   `json:"component"`
	QueueURL          string   `json:"queue_url"`
	SystemAttributes  []string `json:"system_attributes"`
	MessageAttributes []string `json:"message_attributes"`
	MaxMessages       int32    `json:"max_messages"`
	IdleWaitSeconds   int      `json:"idle_wait_seconds"`
}

type queue struct {
	guest *trigger.Guest
	cfg   Config
}

// Executor is the SQS trigger executor.
type Executor struct {
	client API
	logger *zap.Logger
	stdout io.Writer
	stderr io.Writer
	queues []queue
}

// Option configures the executor.
type Option func(*Executor)

// WithClient replaces the client built from the default AWS configuration.
func WithClient(c API) Option {
	return func(e *Executor) {
		e.client = c
	}
}

// Build uses the default AWS credential chain.
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
	logger := in.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{
		logger: logger,
		stdout: os.Stdout,
		stderr: os.Stderr,
	}
	for _, opt := range opts {
		opt(e)
	}

	for _, t := range in.App.TriggersOfKind(string(trigger.SQS)) {
		cfg := Config{MaxMessages: DefaultMaxMessages, IdleWaitSeconds: DefaultIdleWaitSeconds}
		if err := locked.DecodeTriggerConfig(t, &cfg); err != nil {
			return nil, buildError(t.ID, err)
		}
		if cfg.QueueURL == "" {
			return nil, buildError(t.ID, fmt.Errorf("trigger has no queue_url"))
		}
		if cfg.MaxMessages < 1 || cfg.MaxMessages > 10 {
			return nil, buildError(t.ID, fmt.Errorf("max_messages must be between 1 and 10, got %d", cfg.MaxMessages))
		}
		g, err := in.Guest(ctx, trigger.SQS, t.ID, cfg.Component)
		if err != nil {
			return nil, err
		}
		e.queues = append(e.queues, queue{guest: g, cfg: cfg})
	}

	if e.client == nil && len(e.queues) > 0 {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, errors.New(errors.PhaseTriggerBuild, errors.KindRejected).
				Subject(string(trigger.SQS)).
				Detail("load AWS configuration").
				Cause(err).
				Build()
		}
		e.client = sqs.NewFromConfig(awsCfg)
	}
	return e, nil
}

func buildError(subject string, err error) error {
	return errors.New(errors.PhaseTriggerBuild, errors.KindRejected).
		Subject(subject).
		Detail("invalid SQS trigger").
		Cause(err).
		Build()
}

// Run polls every queue until ctx is cancelled. Receive failures end the
// executor; component failures leave the message for redelivery.
func (e *Executor) Run(ctx context.Context, _ any) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, q := range e.queues {
		g.Go(func() error {
			return e.poll(ctx, q)
		})
	}
	return g.Wait()
}

func (e *Executor) poll(ctx context.Context, q queue) error {
	logger := e.logger.With(zap.String("queue", q.cfg.QueueURL))
	logger.Info("polling queue", zap.String("component", q.guest.Component()))

	idle := time.Duration(q.cfg.IdleWaitSeconds) * time.Second
	for {
		out, err := e.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:                    aws.String(q.cfg.QueueURL),
			MaxNumberOfMessages:         q.cfg.MaxMessages,
			MessageAttributeNames:       q.cfg.MessageAttributes,
			MessageSystemAttributeNames: systemAttributeNames(q.cfg.SystemAttributes),
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.IO(errors.PhaseTriggerRun, "receive from "+q.cfg.QueueURL, err)
		}

		for _, msg := range out.Messages {
			e.handle(ctx, q, msg, logger)
		}

		if len(out.Messages) == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(idle):
			}
		} else if ctx.Err() != nil {
			return nil
		}
	}
}

func (e *Executor) handle(ctx context.Context, q queue, msg types.Message, logger *zap.Logger) {
	err := q.guest.Invoke(ctx, runtime.Invocation{
		Stdin:  strings.NewReader(aws.ToString(msg.Body)),
		Stdout: e.stdout,
		Stderr: e.stderr,
		Env:    messageEnv(msg),
	})
	if err != nil {
		return
	}
	if _, err := e.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.cfg.QueueURL),
		ReceiptHandle: msg.ReceiptHandle,
	}); err != nil && ctx.Err() == nil {
		logger.Warn("delete message",
			zap.String("message_id", aws.ToString(msg.MessageId)),
			zap.Error(err),
		)
	}
}

func systemAttributeNames(names []string) []types.MessageSystemAttributeName {
	if len(names) == 0 {
		return nil
	}
	out := make([]types.MessageSystemAttributeName, len(names))
	for i, n := range names {
		out[i] = types.MessageSystemAttributeName(n)
	}
	return out
}

// messageEnv exposes the message id and attributes to the guest, sorted.
func messageEnv(msg types.Message) []string {
	env := []string{"SQS_MESSAGE_ID=" + aws.ToString(msg.MessageId)}
	for k, v := range msg.Attributes {
		env = append(env, "SQS_SYSTEM_"+envName(k)+"="+v)
	}
	for k, v := range msg.MessageAttributes {
		env = append(env, "SQS_ATTR_"+envName(k)+"="+aws.ToString(v.StringValue))
	}
	sort.Strings(env[1:])
	return env
}

func envName(s string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(s))
}
