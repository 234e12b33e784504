// Package terminal is the interactive channel: a local unix socket speaking
// newline-delimited JSON, one session per connection.
package terminal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/user"
	"sync"

	"github.com/p3394/exemplar/pkg/channel"
	"github.com/p3394/exemplar/pkg/principal"
	"github.com/p3394/exemplar/pkg/umf"
)

// ChannelID identifies the terminal channel in addresses and bindings.
const ChannelID = "cli"

// MaxMessageSize bounds one inbound line. One byte over is rejected with
// DECODE_INVALID.
const MaxMessageSize = 100 << 10

// inbound is one client line.
type inbound struct {
	Text string `json:"text"`
}

// outbound is one reply line.
type outbound struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

// Adapter listens on a unix domain socket and feeds the gateway.
type Adapter struct {
	socketPath string
	gateway    channel.Gateway

	mu sync.Mutex
	ln net.Listener
	// conns tracks open connections so Stop can sever them.
	conns map[net.Conn]struct{}
}

// New builds a terminal adapter bound to socketPath.
func New(socketPath string, gw channel.Gateway) *Adapter {
	return &Adapter{
		socketPath: socketPath,
		gateway:    gw,
		conns:      make(map[net.Conn]struct{}),
	}
}

func (a *Adapter) ID() string { return ChannelID }

func (a *Adapter) Capabilities() channel.Capabilities {
	return channel.Capabilities{
		ContentTypes:   []umf.ContentType{umf.ContentTypeText, umf.ContentTypeMarkdown},
		MaxMessageSize: MaxMessageSize,
		Markdown:       true,
	}
}

// Authenticate asserts the local OS user. A socket connection proves local
// access, which rates HIGH assurance.
func (a *Adapter) Authenticate(_ context.Context) principal.Assertion {
	name := "unknown"
	if u, err := user.Current(); err == nil {
		name = u.Username
	}
	return principal.Assertion{
		ChannelID:       ChannelID,
		ChannelIdentity: "local:" + name,
		Assurance:       principal.AssuranceHigh,
		Method:          "unix_socket",
	}
}

// Start listens until ctx is cancelled. A stale socket file from a previous
// run is removed before binding.
func (a *Adapter) Start(ctx context.Context) error {
	if err := os.Remove(a.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing stale socket: %w", err)
	}
	ln, err := net.Listen("unix", a.socketPath)
	if err != nil {
		return fmt.Errorf("terminal socket: %w", err)
	}
	a.mu.Lock()
	a.ln = ln
	a.mu.Unlock()

	go func() {
		<-ctx.Done()
		a.Stop()
	}()

	slog.Info("terminal channel listening", "socket", a.socketPath)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("terminal accept: %w", err)
		}
		a.track(conn, true)
		go a.serve(ctx, conn)
	}
}

func (a *Adapter) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var err error
	if a.ln != nil {
		err = a.ln.Close()
		a.ln = nil
	}
	for c := range a.conns {
		c.Close()
	}
	a.conns = make(map[net.Conn]struct{})
	return err
}

func (a *Adapter) track(c net.Conn, add bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if add {
		a.conns[c] = struct{}{}
	} else {
		delete(a.conns, c)
	}
}

// serve runs one connection: read a line, hand it to the gateway, write the
// reply. The session id sticks to the connection after the first reply.
func (a *Adapter) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	defer a.track(conn, false)

	assertion := a.Authenticate(ctx)
	reader := bufio.NewReaderSize(conn, 4096)
	writer := bufio.NewWriter(conn)
	sessionID := ""

	for {
		line, err := readLine(reader, MaxMessageSize)
		if err != nil {
			if errors.Is(err, errLineTooLong) {
				writeReply(writer, &outbound{
					Type:      "error",
					SessionID: sessionID,
					Text:      "message exceeds the 100 KiB channel limit (DECODE_INVALID)",
				})
				continue
			}
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				slog.Debug("terminal connection closed", "error", err)
			}
			return
		}
		if len(line) == 0 {
			continue
		}

		var in inbound
		if err := json.Unmarshal(line, &in); err != nil {
			writeReply(writer, &outbound{
				Type:      "error",
				SessionID: sessionID,
				Text:      "invalid JSON (DECODE_INVALID)",
			})
			continue
		}

		msg := umf.NewRequest(umf.TextBlock(in.Text))
		msg.SessionID = sessionID
		msg.Source = &umf.Address{ChannelID: ChannelID, SessionID: sessionID}
		channel.AttachAssertion(msg, assertion)

		reply := a.gateway.Handle(ctx, msg)
		if reply.SessionID != "" {
			sessionID = reply.SessionID
		}

		adapted := channel.AdaptContent(reply, a.Capabilities())
		out := &outbound{
			Type:      "response",
			MessageID: adapted.ID,
			SessionID: adapted.SessionID,
			Text:      adapted.FirstText(),
		}
		if adapted.Type == umf.MessageTypeError {
			out.Type = "error"
		}
		if err := writeReply(writer, out); err != nil {
			return
		}
	}
}

var errLineTooLong = errors.New("line exceeds maximum size")

// readLine reads one newline-terminated line of at most max bytes. An
// over-long line is consumed to its end so the stream stays in sync.
func readLine(r *bufio.Reader, max int) ([]byte, error) {
	var buf []byte
	for {
		chunk, err := r.ReadSlice('\n')
		buf = append(buf, chunk...)
		if err == nil {
			break
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return nil, err
		}
		if len(buf) > max+1 {
			// Drain the rest of the oversized line.
			for errors.Is(err, bufio.ErrBufferFull) {
				_, err = r.ReadSlice('\n')
			}
			return nil, errLineTooLong
		}
	}
	line := buf[:len(buf)-1] // strip newline
	if len(line) > max {
		return nil, errLineTooLong
	}
	return line, nil
}

func writeReply(w *bufio.Writer, out *outbound) error {
	payload, err := json.Marshal(out)
	if err != nil {
		return err
	}
	if _, err := w.Write(append(payload, '\n')); err != nil {
		return err
	}
	return w.Flush()
}

// Endpoints lists the built-in commands in slash syntax.
func (a *Adapter) Endpoints() map[string]string {
	return map[string]string{
		"help":    "/help",
		"about":   "/about",
		"status":  "/status",
		"version": "/version",
	}
}

func (a *Adapter) NormalizeCommand(raw string) string {
	return channel.NormalizeCommand(raw)
}

func (a *Adapter) MapCommandSyntax(canonical string) string {
	return channel.MapCommandSyntax(canonical, channel.SyntaxSlash)
}

// SendToClient has no out-of-band path on a request-reply socket.
func (a *Adapter) SendToClient(string, *umf.Message) error {
	return errors.New("terminal channel has no out-of-band delivery")
}
