package terminal

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/p3394/exemplar/pkg/channel"
	"github.com/p3394/exemplar/pkg/umf"
)

// stubGateway answers every request with a fixed text and a stable session.
type stubGateway struct {
	mu       sync.Mutex
	requests []*umf.Message
	reply    string
}

func (g *stubGateway) Handle(_ context.Context, msg *umf.Message) *umf.Message {
	g.mu.Lock()
	g.requests = append(g.requests, msg)
	g.mu.Unlock()
	out := umf.NewResponse(msg, umf.TextBlock(g.reply))
	out.SessionID = "sess-1"
	return out
}

func startAdapter(t *testing.T, gw channel.Gateway) (string, *Adapter) {
	t.Helper()
	socket := filepath.Join(t.TempDir(), "agent.sock")
	a := New(socket, gw)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go a.Start(ctx)
	t.Cleanup(func() { a.Stop() })

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn, err := net.Dial("unix", socket); err == nil {
			conn.Close()
			return socket, a
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("adapter did not start listening")
	return "", nil
}

func roundTrip(t *testing.T, conn net.Conn, line string) map[string]any {
	t.Helper()
	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		t.Fatal(err)
	}
	reply, err := bufio.NewReaderSize(conn, 256<<10).ReadBytes('\n')
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]any
	if err := json.Unmarshal(reply, &out); err != nil {
		t.Fatalf("reply is not JSON: %v", err)
	}
	return out
}

func TestVersionCommandOverSocket(t *testing.T) {
	gw := &stubGateway{reply: "P3394 Exemplar Agent v0.1.0"}
	socket, _ := startAdapter(t, gw)

	conn, err := net.Dial("unix", socket)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	out := roundTrip(t, conn, `{"text": "/version"}`)
	if out["type"] != "response" {
		t.Errorf("type = %v", out["type"])
	}
	if out["text"] != "P3394 Exemplar Agent v0.1.0" {
		t.Errorf("text = %v", out["text"])
	}
	if id, _ := out["message_id"].(string); id == "" {
		t.Error("message_id empty")
	}
	if sid, _ := out["session_id"].(string); sid == "" {
		t.Error("session_id empty")
	}

	gw.mu.Lock()
	defer gw.mu.Unlock()
	if len(gw.requests) != 1 {
		t.Fatalf("gateway saw %d requests", len(gw.requests))
	}
	req := gw.requests[0]
	if req.FirstText() != "/version" {
		t.Errorf("request text = %q", req.FirstText())
	}
	a, ok := channel.ExtractAssertion(req)
	if !ok {
		t.Fatal("no assertion attached")
	}
	if a.ChannelID != ChannelID || !strings.HasPrefix(a.ChannelIdentity, "local:") {
		t.Errorf("assertion = %+v", a)
	}
}

func TestSessionSticksToConnection(t *testing.T) {
	gw := &stubGateway{reply: "ok"}
	socket, _ := startAdapter(t, gw)

	conn, err := net.Dial("unix", socket)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	reader := bufio.NewReader(conn)
	for _, text := range []string{"first", "second"} {
		line, _ := json.Marshal(map[string]string{"text": text})
		if _, err := conn.Write(append(line, '\n')); err != nil {
			t.Fatal(err)
		}
		if _, err := reader.ReadBytes('\n'); err != nil {
			t.Fatal(err)
		}
	}

	gw.mu.Lock()
	defer gw.mu.Unlock()
	if len(gw.requests) != 2 {
		t.Fatalf("requests = %d", len(gw.requests))
	}
	if gw.requests[0].SessionID != "" {
		t.Errorf("first request should carry no session, got %q", gw.requests[0].SessionID)
	}
	if gw.requests[1].SessionID != "sess-1" {
		t.Errorf("second request session = %q, want sess-1", gw.requests[1].SessionID)
	}
}

func TestMaxMessageSizeBoundary(t *testing.T) {
	gw := &stubGateway{reply: "ok"}
	socket, _ := startAdapter(t, gw)

	conn, err := net.Dial("unix", socket)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	reader := bufio.NewReaderSize(conn, 256<<10)

	// A line of exactly MaxMessageSize bytes must go through.
	prefix, suffix := `{"text": "`, `"}`
	pad := strings.Repeat("a", MaxMessageSize-len(prefix)-len(suffix))
	exact := prefix + pad + suffix
	if len(exact) != MaxMessageSize {
		t.Fatalf("fixture is %d bytes", len(exact))
	}
	if _, err := conn.Write([]byte(exact + "\n")); err != nil {
		t.Fatal(err)
	}
	line, err := reader.ReadBytes('\n')
	if err != nil {
		t.Fatal(err)
	}
	var out outbound
	if err := json.Unmarshal(line, &out); err != nil {
		t.Fatal(err)
	}
	if out.Type != "response" {
		t.Errorf("exact-size message rejected: %+v", out)
	}

	// One byte over fails with a decode error, and the connection stays
	// usable afterwards.
	over := prefix + pad + "a" + suffix
	if _, err := conn.Write([]byte(over + "\n")); err != nil {
		t.Fatal(err)
	}
	line, err = reader.ReadBytes('\n')
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(line, &out); err != nil {
		t.Fatal(err)
	}
	if out.Type != "error" || !strings.Contains(out.Text, "DECODE_INVALID") {
		t.Errorf("oversized message reply = %+v", out)
	}

	next := roundTrip(t, conn, `{"text": "still alive"}`)
	if next["type"] != "response" {
		t.Errorf("connection unusable after oversized line: %+v", next)
	}
}

func TestMalformedJSONLine(t *testing.T) {
	gw := &stubGateway{reply: "ok"}
	socket, _ := startAdapter(t, gw)

	conn, err := net.Dial("unix", socket)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	out := roundTrip(t, conn, `not json at all`)
	if out["type"] != "error" {
		t.Errorf("reply = %+v", out)
	}
	gw.mu.Lock()
	defer gw.mu.Unlock()
	if len(gw.requests) != 0 {
		t.Error("malformed line reached the gateway")
	}
}
