package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
)

// maxLineBytes bounds one stdio message.
const maxLineBytes = 8 << 20

// StdioTransport serves a single implicit Admin session over line-delimited
// JSON on stdin/stdout. The logger must write to stderr.
type StdioTransport struct {
	dispatcher *Dispatcher
	logger     *zap.Logger
	in         io.Reader
	out        io.Writer

	writeMu sync.Mutex
}

// NewStdioTransport creates a stdio transport over os.Stdin/os.Stdout.
func NewStdioTransport(d *Dispatcher, logger *zap.Logger) *StdioTransport {
	return &StdioTransport{
		dispatcher: d,
		logger:     logger,
		in:         os.Stdin,
		out:        os.Stdout,
	}
}

// NewStdioTransportPipes creates a stdio transport over explicit pipes, for
// tests.
func NewStdioTransportPipes(d *Dispatcher, logger *zap.Logger, in io.Reader, out io.Writer) *StdioTransport {
	return &StdioTransport{dispatcher: d, logger: logger, in: in, out: out}
}

// Run reads messages until EOF or ctx cancellation. Responses are written
// in request order; cancellation notifications are handled immediately so
// they can reach in-flight requests.
func (t *StdioTransport) Run(ctx context.Context) error {
	sess := t.dispatcher.Sessions().Create(TransportStdio, "local")
	sess.SetNotifier(func(n *Notification) {
		t.writeJSON(n)
	})
	defer func() {
		sess.Close()
		t.dispatcher.Subscriptions().DropSession(sess.ID)
		t.dispatcher.Sessions().Remove(sess.ID)
	}()

	go t.dispatcher.Subscriptions().Run(ctx)

	scanner := bufio.NewScanner(t.in)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			t.writeJSON(errorResponse(nil, Errorf(KindInvalidRequest, "malformed JSON-RPC message: %v", err)))
			continue
		}

		// Notifications (cancellation included) skip the ordered queue so a
		// $/cancelRequest can reach the request currently executing.
		if req.IsNotification() {
			t.dispatcher.HandleRequest(ctx, sess, &req, "")
			continue
		}

		ok := sess.Enqueue(func() {
			resp := t.dispatcher.HandleRequest(ctx, sess, &req, "")
			if resp != nil {
				t.writeJSON(resp)
			}
		})
		if !ok {
			return nil
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("stdin read: %w", err)
	}
	t.logger.Info("stdio transport closed")
	return nil
}

// writeJSON writes one line-delimited message to stdout.
func (t *StdioTransport) writeJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		t.logger.Error("failed to marshal outgoing message", zap.Error(err))
		return
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.out.Write(append(data, '\n')); err != nil {
		t.logger.Warn("stdout write failed", zap.Error(err))
	}
}
