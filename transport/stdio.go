package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/docrpc/logging"
	"github.com/vinayprograms/docrpc/stream"
	"github.com/vinayprograms/docrpc/subscription"
)

// DefaultMaxMessageSize bounds one line on the pipe.
const DefaultMaxMessageSize = 1024 * 1024

// StdioConfig configures a StdioAdapter.
type StdioConfig struct {
	// MaxMessageSize is the longest accepted line in bytes.
	// Default: 1MB
	MaxMessageSize int

	// Credentials are attached to every inbound message; a pipe has no
	// headers of its own.
	Credentials Credentials

	Logger *logging.Logger
}

// StdioAdapter implements Adapter over a newline-delimited pipe.
//
// There is no out-of-band channel, so progress is buffered per operation
// until the router merges it into the response, results are buffered by a
// stream.Buffered, and subscriptions are served by polling.
type StdioAdapter struct {
	reader io.Reader
	writer io.Writer
	config StdioConfig
	logger *logging.Logger

	lines   chan []byte
	done    chan struct{}
	readErr error
	seq     atomic.Uint64

	writeMu sync.Mutex

	mu       sync.Mutex
	progress map[string][]stream.Progress
	started  bool
	closed   bool
}

// NewStdioAdapter creates a pipe adapter reading r and writing w.
func NewStdioAdapter(r io.Reader, w io.Writer, cfg StdioConfig) *StdioAdapter {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.New()
	}
	return &StdioAdapter{
		reader:   r,
		writer:   w,
		config:   cfg,
		logger:   logger.WithComponent("transport.stdio"),
		lines:    make(chan []byte),
		done:     make(chan struct{}),
		progress: make(map[string][]stream.Progress),
	}
}

// Initialize starts the reader goroutine.
func (t *StdioAdapter) Initialize(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.started {
		return nil
	}
	t.started = true
	go t.readLoop()
	return nil
}

// readLoop feeds non-empty lines to Receive until the pipe ends.
func (t *StdioAdapter) readLoop() {
	defer close(t.lines)

	initial := 64 * 1024
	if initial > t.config.MaxMessageSize {
		initial = t.config.MaxMessageSize
	}
	scanner := bufio.NewScanner(t.reader)
	scanner.Buffer(make([]byte, initial), t.config.MaxMessageSize)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		msg := make([]byte, len(line))
		copy(msg, line)

		select {
		case t.lines <- msg:
		case <-t.done:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		t.logger.Error("read failed", map[string]interface{}{"error": err.Error()})
		t.readErr = err
	}
}

// Receive returns the next line as an inbound message, or io.EOF when the
// pipe is closed or the adapter shut down.
func (t *StdioAdapter) Receive(ctx context.Context) (*InboundMessage, error) {
	t.mu.Lock()
	started := t.started
	t.mu.Unlock()
	if !started {
		return nil, ErrNotStarted
	}

	select {
	case line, ok := <-t.lines:
		if !ok {
			if t.readErr != nil {
				return nil, fmt.Errorf("read pipe: %w", t.readErr)
			}
			return nil, io.EOF
		}
		return &InboundMessage{
			Session:     fmt.Sprintf("stdio-%d", t.seq.Add(1)),
			Raw:         line,
			Credentials: t.config.Credentials,
			ReceivedAt:  time.Now(),
		}, nil
	case <-t.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send writes one line. An empty message is an acknowledgement and writes
// nothing.
func (t *StdioAdapter) Send(ctx context.Context, msg *OutboundMessage) error {
	if msg == nil || (msg.Response == nil && msg.Notification == nil) {
		return nil
	}
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}

	data, err := MarshalOutbound(msg)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write pipe: %w", err)
	}
	return nil
}

// SendProgress buffers p under its operation id.
func (t *StdioAdapter) SendProgress(p stream.Progress) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	id := p.OperationID()
	t.progress[id] = append(t.progress[id], p)
}

// DrainProgress returns and forgets the buffered progress of an operation.
func (t *StdioAdapter) DrainProgress(operationID string) []stream.Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.progress[operationID]
	delete(t.progress, operationID)
	return out
}

// ServeSubscription yields a single informational event that points the
// caller at poll_changes; the pipe cannot carry a second stream.
func (t *StdioAdapter) ServeSubscription(ctx context.Context, info subscription.Info) (<-chan Event, error) {
	out := make(chan Event, 1)
	out <- Event{
		Name: EventInfo,
		ID:   info.Token,
		Data: map[string]interface{}{
			"subscription_id": info.ID,
			"poll_token":      info.Token,
			"method":          "poll_changes",
			"message":         "streaming is not available on this transport; poll for changes",
		},
	}
	close(out)
	return out, nil
}

// CancelSubscription always reports false: nothing is ever streamed.
func (t *StdioAdapter) CancelSubscription(id string) bool {
	return false
}

// NewStreamer returns a buffered streamer.
func (t *StdioAdapter) NewStreamer(operationID string) stream.Streamer {
	return stream.NewBuffered()
}

// Capabilities implements Adapter.
func (t *StdioAdapter) Capabilities() Capabilities {
	return Capabilities{
		Name:          "stdio",
		Notifications: true,
	}
}

// Shutdown stops reading and drops all buffered progress.
func (t *StdioAdapter) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.done)
	t.progress = make(map[string][]stream.Progress)
	return nil
}
