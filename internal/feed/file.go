package feed

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"go.uber.org/zap"

	"solana-kline-engine/internal/observability"
)

// MaxLineSize bounds one JSON-lines record.
const MaxLineSize = 1 << 20

// dispatcher decodes raw envelopes, counts them and forwards them to out.
type dispatcher struct {
	logger  *zap.Logger
	highest atomic.Int64
}

// deliver returns an error only when ctx is done. Malformed input is logged
// and skipped.
func (d *dispatcher) deliver(ctx context.Context, raw []byte, out chan<- Message) error {
	msg, err := Decode(raw)
	if err != nil {
		observability.RecordFeedEvent("malformed")
		d.logger.Warn("dropping feed message", zap.Error(err), zap.Int("bytes", len(raw)))
		return nil
	}

	observability.RecordFeedEvent(msg.Type())
	for {
		cur := d.highest.Load()
		if msg.Slot <= cur {
			break
		}
		if d.highest.CompareAndSwap(cur, msg.Slot) {
			observability.UpdateHighestSlot(msg.Slot)
			break
		}
	}

	select {
	case out <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FileSource replays a JSON-lines file, one envelope per line.
type FileSource struct {
	path   string
	reader io.Reader
	disp   *dispatcher
}

// NewFileSource reads envelopes from path.
func NewFileSource(path string, logger *zap.Logger) *FileSource {
	return &FileSource{path: path, disp: newDispatcher(logger)}
}

// NewReaderSource reads envelopes from r.
func NewReaderSource(r io.Reader, logger *zap.Logger) *FileSource {
	return &FileSource{reader: r, disp: newDispatcher(logger)}
}

func newDispatcher(logger *zap.Logger) *dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &dispatcher{logger: logger.With(zap.String("component", "feed"))}
}

// Run implements Source. It returns nil at end of input.
func (s *FileSource) Run(ctx context.Context, out chan<- Message) error {
	r := s.reader
	if r == nil {
		f, err := os.Open(s.path)
		if err != nil {
			return fmt.Errorf("open feed file: %w", err)
		}
		defer f.Close()
		r = f
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), MaxLineSize)

	lines := 0
	for sc.Scan() {
		line := sc.Bytes()
		lines++
		if len(line) == 0 {
			continue
		}
		// Scanner reuses its buffer; Decode copies into fresh values.
		if err := s.disp.deliver(ctx, line, out); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read feed line %d: %w", lines+1, err)
	}
	s.disp.logger.Info("feed file exhausted", zap.Int("lines", lines))
	return nil
}

var _ Source = (*FileSource)(nil)
