package sse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

const (
	defaultChunkSize   = 4096
	defaultIdleTimeout = 60 * time.Second
)

var (
	// ErrIdleTimeout means the upstream sent nothing for longer than the idle timeout.
	ErrIdleTimeout = errors.New("upstream idle timeout")
	// ErrClientGone means a frame could not be written to the caller.
	ErrClientGone = errors.New("client connection lost")
)

// Options tunes a relay. Zero values select defaults.
type Options struct {
	IdleTimeout time.Duration
	ChunkSize   int
	Logger      *slog.Logger
}

// Stats summarizes one relay.
type Stats struct {
	Events  int  // data frames forwarded
	Dropped int  // malformed data lines discarded
	Done    bool // upstream sent [DONE]
}

type chunk struct {
	data []byte
	err  error
}

// Relay forwards the upstream SSE body to w until the [DONE] sentinel, a
// clean end of stream, or a failure. body is always closed before Relay
// returns.
//
// Returned errors:
//   - nil: [DONE] was relayed, or upstream closed cleanly.
//   - ctx.Err(): the caller went away; nothing more was written.
//   - ErrClientGone (wrapped): writing to the caller failed.
//   - ErrIdleTimeout (wrapped) or a read error: the upstream failed. The
//     caller decides how to report it based on w.Started().
func Relay(ctx context.Context, body io.ReadCloser, w *Writer, opts Options) (Stats, error) {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	stop := make(chan struct{})
	defer body.Close()
	defer close(stop)

	chunks := make(chan chunk)
	go readChunks(body, opts.ChunkSize, chunks, stop)

	idle := time.NewTimer(opts.IdleTimeout)
	defer idle.Stop()

	var (
		stats Stats
		tail  []byte
	)
	for {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()

		case <-idle.C:
			return stats, fmt.Errorf("%w after %s", ErrIdleTimeout, opts.IdleTimeout)

		case c := <-chunks:
			if c.err != nil {
				if ctx.Err() != nil {
					return stats, ctx.Err()
				}
				if errors.Is(c.err, io.EOF) {
					if len(tail) > 0 {
						logger.Debug("discarding unterminated trailing line", "bytes", len(tail))
					}
					if err := w.Open(); err != nil {
						return stats, fmt.Errorf("%w: %v", ErrClientGone, err)
					}
					return stats, nil
				}
				return stats, fmt.Errorf("reading upstream stream: %w", c.err)
			}
			idle.Reset(opts.IdleTimeout)

			var events []Event
			events, tail = Scan(tail, c.data)
			for _, ev := range events {
				switch ev.Kind {
				case KindMalformed:
					stats.Dropped++
					logger.Debug("dropping malformed stream event", "error", ev.Err)
				case KindData:
					if err := w.WriteData(ev.Data); err != nil {
						return stats, fmt.Errorf("%w: %v", ErrClientGone, err)
					}
					stats.Events++
				case KindDone:
					stats.Done = true
					if err := w.WriteDone(); err != nil {
						return stats, fmt.Errorf("%w: %v", ErrClientGone, err)
					}
					return stats, nil
				}
			}
		}
	}
}

// readChunks pushes body reads onto out until an error (including io.EOF)
// has been delivered or stop is closed.
func readChunks(body io.Reader, size int, out chan<- chunk, stop <-chan struct{}) {
	for {
		buf := make([]byte, size)
		n, err := body.Read(buf)
		if n > 0 {
			select {
			case out <- chunk{data: buf[:n]}:
			case <-stop:
				return
			}
		}
		if err != nil {
			select {
			case out <- chunk{err: err}:
			case <-stop:
			}
			return
		}
	}
}
