package router

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/p3394/exemplar/pkg/umf"
)

// maxSocketFrame bounds a single length-prefixed frame.
const maxSocketFrame = 16 * 1024 * 1024

// socketTransport speaks length-prefixed JSON over a local domain socket:
// a 4-byte big-endian length followed by the UMF payload, one frame per
// direction per exchange.
type socketTransport struct {
	path string

	mu   sync.Mutex
	conn net.Conn
}

func newSocketTransport(path string) *socketTransport {
	return &socketTransport{path: path}
}

func (t *socketTransport) kind() Kind { return KindSocket }

func (t *socketTransport) dialLocked(ctx context.Context) error {
	if t.conn != nil {
		return nil
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", t.path)
	if err != nil {
		return err
	}
	t.conn = conn
	return nil
}

func (t *socketTransport) dropLocked() {
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
}

func (t *socketTransport) probe(ctx context.Context) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dialLocked(ctx) == nil
}

func (t *socketTransport) send(ctx context.Context, msg *umf.Message) (*umf.Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.dialLocked(ctx); err != nil {
		return nil, transientf("socket dial failed: %v", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		t.conn.SetDeadline(deadline)
	} else {
		t.conn.SetDeadline(time.Now().Add(60 * time.Second))
	}

	data, err := umf.Encode(msg)
	if err != nil {
		return nil, err
	}
	if err := writeFrame(t.conn, data); err != nil {
		t.dropLocked()
		return nil, transientf("socket write failed: %v", err)
	}
	replyData, err := readFrame(t.conn)
	if err != nil {
		t.dropLocked()
		return nil, transientf("socket read failed: %v", err)
	}
	reply, err := umf.Decode(replyData)
	if err != nil {
		return nil, fmt.Errorf("invalid reply frame: %w", err)
	}
	return reply, nil
}

func (t *socketTransport) close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dropLocked()
	return nil
}

func writeFrame(w io.Writer, payload []byte) error {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxSocketFrame {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
