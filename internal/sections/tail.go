package sections

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mycelial-network/mycelial/internal/registry"
	"github.com/mycelial-network/mycelial/internal/section"
)

// TailSourceConfig follows a growing file and emits complete lines.
type TailSourceConfig struct {
	Kind           string `json:"name"`
	Path           string `json:"path"`
	PollIntervalMS int64  `json:"poll_interval_ms,omitempty"`
}

func (c *TailSourceConfig) Name() string             { return c.Kind }
func (c *TailSourceConfig) Fields() []registry.Field { return registry.FieldsOf(c) }

type tailSource struct {
	cfg *TailSourceConfig
}

func newTailSource(cfg *TailSourceConfig) (section.Section, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("tail_source requires path")
	}
	return &tailSource{cfg: cfg}, nil
}

// Start resumes from the persisted byte offset and emits every complete
// line appended since. A truncated file restarts from the beginning.
func (s *tailSource) Start(ctx context.Context, _ section.Stream, output section.Sink, ch *section.SectionChannel) error {
	state, err := ch.RetrieveState(ctx)
	if err != nil {
		return fmt.Errorf("retrieve state: %w", err)
	}
	var offset int64
	if state != nil {
		if v, ok := state.GetInt("offset"); ok {
			offset = v
		}
	}

	interval := time.Second
	if s.cfg.PollIntervalMS > 0 {
		interval = time.Duration(s.cfg.PollIntervalMS) * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		next, err := s.read(ctx, output, offset)
		if err != nil {
			return err
		}
		if next != offset {
			offset = next
			st := section.NewState()
			st.SetInt("offset", offset)
			if err := ch.StoreState(ctx, st); err != nil {
				return fmt.Errorf("store state: %w", err)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-ch.Commands():
			if _, ok := cmd.(section.Stop); ok {
				return nil
			}
		case <-ticker.C:
		}
	}
}

func (s *tailSource) read(ctx context.Context, output section.Sink, offset int64) (int64, error) {
	f, err := os.Open(s.cfg.Path)
	if os.IsNotExist(err) {
		return offset, nil
	}
	if err != nil {
		return offset, fmt.Errorf("open %s: %w", s.cfg.Path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return offset, err
	}
	if info.Size() < offset {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return offset, err
	}

	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadString('\n')
		if err == io.EOF {
			// partial line stays unconsumed until the newline lands
			return offset, nil
		}
		if err != nil {
			return offset, err
		}
		msg := section.NewMessage(s.cfg.Path, line[:len(line)-1], nil)
		if err := output.Send(ctx, msg); err != nil {
			return offset, fmt.Errorf("send line: %w", err)
		}
		offset += int64(len(line))
	}
}
