package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	mcperrors "github.com/ajitpratap0/mcp-engine-go/pkg/errors"
	"github.com/ajitpratap0/mcp-engine-go/pkg/logging"
	"github.com/ajitpratap0/mcp-engine-go/pkg/protocol"
	"github.com/ajitpratap0/mcp-engine-go/pkg/session"
)

// StdioTransport serves exactly one session over newline-delimited frames
// on standard input and output. EOF on input closes the session.
type StdioTransport struct {
	dispatcher
	config TransportConfig
	reader io.Reader

	writeMu sync.Mutex
	writer  *bufio.Writer

	running   atomic.Bool
	sessionID atomic.Value // string
	done      chan struct{}
	stopOnce  sync.Once
}

// NewStdioTransport creates a stdio transport. Input and output default
// to os.Stdin and os.Stdout.
func NewStdioTransport(config TransportConfig, sessions SessionManager, handler Handler) *StdioTransport {
	config.Type = TransportTypeStdio
	config = config.withDefaults()

	reader := config.StdioReader
	if reader == nil {
		reader = os.Stdin
	}
	writer := config.StdioWriter
	if writer == nil {
		writer = os.Stdout
	}

	t := &StdioTransport{
		dispatcher: newDispatcher(config, sessions, handler),
		config:     config,
		reader:     reader,
		writer:     bufio.NewWriter(writer),
		done:       make(chan struct{}),
	}
	t.sessionID.Store("")
	return t
}

// Type implements Transport
func (t *StdioTransport) Type() TransportType { return TransportTypeStdio }

// IsRunning implements Transport
func (t *StdioTransport) IsRunning() bool { return t.running.Load() }

// SessionID returns the id of the process session, empty before Start
func (t *StdioTransport) SessionID() string {
	return t.sessionID.Load().(string)
}

// Start creates the process session and reads frames until EOF, Stop or
// ctx cancellation. Frames are handled strictly in order.
func (t *StdioTransport) Start(ctx context.Context) error {
	if !t.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer t.running.Store(false)

	snap, err := t.sessions.CreateSession(t.kind.ConnectionType(), "stdio", nil)
	if err != nil {
		return err
	}
	sessionID := snap.ID
	t.sessionID.Store(sessionID)
	// an expired process session ends the transport
	t.sessions.OnClose(func(closed *session.Snapshot, _ string) {
		if closed.ID == sessionID {
			t.stopOnce.Do(func() { close(t.done) })
		}
	})
	t.metrics.RecordActiveConnections(ctx, string(t.kind), 1)
	defer t.metrics.RecordActiveConnections(context.Background(), string(t.kind), -1)

	g, gctx := errgroup.WithContext(ctx)
	scanDone := make(chan struct{})
	closeReason := reasonEOF

	g.Go(func() error {
		defer close(scanDone)

		frames := newFrameReader(t.reader, t.config.MaxMessageSize)
		sctx := logging.ContextWithSessionID(gctx, sessionID)

		for {
			line, err := frames.next()
			select {
			case <-gctx.Done():
				return nil
			case <-t.done:
				closeReason = reasonStopped
				return nil
			default:
			}

			var reply []byte
			switch {
			case errors.Is(err, errFrameTooLarge):
				t.logger.Warn("Dropped inbound frame over limit", logging.Int64("limit", t.config.MaxMessageSize))
				reply = t.rejectOversized(sctx, sessionID)
			case errors.Is(err, io.EOF):
				return nil
			case err != nil:
				return mcperrors.TransportError("stdio", "read", err)
			case len(line) == 0:
				continue
			default:
				// the reader reuses its buffer on the next call
				data := append([]byte(nil), line...)
				reply = t.handleFrame(sctx, sessionID, data).reply
			}
			if reply == nil {
				continue
			}
			if err := t.writeFrame(reply); err != nil {
				t.sessions.RecordError(sessionID)
				closeReason = reasonWriteFailed
				return mcperrors.TransportError("stdio", "write", err)
			}
		}
	})

	// unblock the reader when asked to stop
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-t.done:
		case <-scanDone:
			return nil
		}
		if closer, ok := t.reader.(io.Closer); ok {
			_ = closer.Close()
		}
		return nil
	})

	err = g.Wait()
	if ctx.Err() != nil && closeReason == reasonEOF {
		closeReason = reasonStopped
	}
	t.sessions.CloseSession(sessionID, closeReason)
	_ = t.flush()

	if err != nil {
		t.logger.Warn("Stdio transport stopped with error", logging.ErrorField(err))
		return err
	}
	return nil
}

// rejectOversized answers a dropped frame with an InvalidRequest envelope.
// The id was never read, so the reply carries a null id.
func (t *StdioTransport) rejectOversized(ctx context.Context, sessionID string) []byte {
	t.sessions.RecordReceived(sessionID, int(t.config.MaxMessageSize))
	t.metrics.RecordError(ctx, "decode", "")
	resp := mcperrors.ToResponse(protocol.ID{}, mcperrors.MessageTooLarge("stdio", -1, t.config.MaxMessageSize))
	return t.reply(sessionID, resp, protocol.KindResponse, time.Now()).reply
}

// Stop ends the read loop and flushes pending output
func (t *StdioTransport) Stop(ctx context.Context) error {
	t.stopOnce.Do(func() {
		close(t.done)
	})
	return t.flush()
}

// SendMessage writes a server-initiated envelope. Only the process session
// is reachable over stdio.
func (t *StdioTransport) SendMessage(ctx context.Context, sessionID string, msg protocol.Envelope) error {
	if !t.IsRunning() {
		return ErrNotRunning
	}
	if sessionID != t.SessionID() {
		return mcperrors.SessionNotFound(sessionID)
	}

	data, err := encode(msg)
	if err != nil {
		return mcperrors.Internal("encode message", err)
	}
	if err := t.writeFrame(data); err != nil {
		t.sessions.RecordError(sessionID)
		return mcperrors.ConnectionClosed("stdio", sessionID, err)
	}
	t.recordOutbound(ctx, sessionID, msg, len(data))
	return nil
}

// writeFrame writes one line and flushes it. Writes from the read loop and
// from SendMessage are serialized.
func (t *StdioTransport) writeFrame(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if _, err := t.writer.Write(data); err != nil {
		return err
	}
	if err := t.writer.WriteByte('\n'); err != nil {
		return err
	}
	return t.writer.Flush()
}

func (t *StdioTransport) flush() error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.writer.Flush(); err != nil {
		return mcperrors.TransportError("stdio", "flush", err)
	}
	return nil
}

// errFrameTooLarge is returned by frameReader for a line over the limit
var errFrameTooLarge = errors.New("frame exceeds limit")

// frameReader splits newline-delimited frames. A line longer than limit is
// consumed to its newline and reported as errFrameTooLarge, so the next
// frame starts clean.
type frameReader struct {
	r     *bufio.Reader
	limit int
	buf   []byte
}

func newFrameReader(r io.Reader, limit int64) *frameReader {
	size := 64 * 1024
	if limit < int64(size) {
		size = int(limit)
	}
	return &frameReader{r: bufio.NewReaderSize(r, size), limit: int(limit)}
}

// next returns the following frame without its line ending. The returned
// slice is only valid until the next call. A final line without a newline
// is still returned before io.EOF.
func (f *frameReader) next() ([]byte, error) {
	f.buf = f.buf[:0]
	oversized := false
	for {
		chunk, err := f.r.ReadSlice('\n')
		if !oversized {
			f.buf = append(f.buf, chunk...)
			// allow for the trailing CR LF
			if len(f.buf) > f.limit+2 {
				oversized = true
				f.buf = f.buf[:0]
			}
		}

		switch {
		case err == nil:
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && (oversized || len(f.buf) > 0):
		default:
			return nil, err
		}

		if oversized {
			return nil, errFrameTooLarge
		}
		line := bytes.TrimRight(f.buf, "\r\n")
		if len(line) > f.limit {
			return nil, errFrameTooLarge
		}
		return line, nil
	}
}
