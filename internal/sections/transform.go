package sections

import (
	"context"
	"fmt"

	"github.com/mycelial-network/mycelial/internal/registry"
	"github.com/mycelial-network/mycelial/internal/section"
)

// TransformConfig forwards messages unchanged, optionally re-stamping the
// origin.
type TransformConfig struct {
	Kind   string `json:"name"`
	Origin string `json:"origin,omitempty"`
}

func (c *TransformConfig) Name() string             { return c.Kind }
func (c *TransformConfig) Fields() []registry.Field { return registry.FieldsOf(c) }

type transform struct {
	cfg *TransformConfig
}

func newTransform(cfg *TransformConfig) (section.Section, error) {
	return &transform{cfg: cfg}, nil
}

func (t *transform) Start(ctx context.Context, input section.Stream, output section.Sink, ch *section.SectionChannel) error {
	inC := make(chan section.Message)
	errC := make(chan error, 1)
	go func() {
		for {
			msg, err := input.Next(ctx)
			if err != nil {
				errC <- err
				return
			}
			select {
			case inC <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-ch.Commands():
			if _, ok := cmd.(section.Stop); ok {
				return nil
			}
		case err := <-errC:
			return err
		case msg := <-inC:
			if t.cfg.Origin != "" {
				msg = section.NewMessage(t.cfg.Origin, msg.Payload, msg.Ack)
			}
			if err := output.Send(ctx, msg); err != nil {
				return fmt.Errorf("forward message: %w", err)
			}
		}
	}
}
