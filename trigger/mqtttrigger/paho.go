package mqtttrigger

import (
	"context"
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type pahoClient struct {
	c mqtt.Client
}

func pahoDial(opts *mqtt.ClientOptions) Client {
	return &pahoClient{c: mqtt.NewClient(opts)}
}

func (p *pahoClient) Connect(ctx context.Context) error {
	return wait(ctx, p.c.Connect())
}

func (p *pahoClient) Subscribe(topic string, qos byte, deliver func(Message)) error {
	tok := p.c.Subscribe(topic, qos, func(_ mqtt.Client, m mqtt.Message) {
		deliver(Message{Topic: m.Topic(), Payload: m.Payload()})
	})
	return wait(context.Background(), tok)
}

func (p *pahoClient) Disconnect() {
	p.c.Disconnect(disconnectQuiesce)
}

func wait(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return fmt.Errorf("mqtt: %w", ctx.Err())
	}
}
