package router

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/p3394/exemplar/pkg/umf"
)

// stdioTransport talks line-framed JSON-RPC 2.0 to a child process over its
// standard input and output. The child is spawned lazily on the first probe
// or send and respawned after a failure.
type stdioTransport struct {
	command string
	args    []string

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader
	nextID int64
}

type rpcRequest struct {
	JSONRPC string       `json:"jsonrpc"`
	ID      int64        `json:"id"`
	Method  string       `json:"method"`
	Params  *umf.Message `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func newStdioTransport(command string, args []string) *stdioTransport {
	return &stdioTransport{command: command, args: args}
}

func (t *stdioTransport) kind() Kind { return KindStdioRPC }

// startLocked spawns the child if it is not running.
func (t *stdioTransport) startLocked() error {
	if t.cmd != nil && t.cmd.Process != nil && t.cmd.ProcessState == nil {
		return nil
	}
	cmd := exec.Command(t.command, t.args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	t.cmd = cmd
	t.stdin = stdin
	t.reader = bufio.NewReader(stdout)
	return nil
}

func (t *stdioTransport) stopLocked() {
	if t.cmd != nil && t.cmd.Process != nil {
		t.cmd.Process.Kill()
		t.cmd.Wait()
	}
	t.cmd = nil
	t.stdin = nil
	t.reader = nil
}

func (t *stdioTransport) probe(context.Context) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startLocked() == nil
}

func (t *stdioTransport) send(ctx context.Context, msg *umf.Message) (*umf.Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.startLocked(); err != nil {
		return nil, transientf("failed to start %s: %v", t.command, err)
	}

	t.nextID++
	req := rpcRequest{JSONRPC: "2.0", ID: t.nextID, Method: "send", Params: msg}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		t.stopLocked()
		return nil, transientf("stdio write failed: %v", err)
	}

	type lineResult struct {
		line []byte
		err  error
	}
	ch := make(chan lineResult, 1)
	go func() {
		line, err := t.reader.ReadBytes('\n')
		ch <- lineResult{line, err}
	}()

	select {
	case <-ctx.Done():
		t.stopLocked()
		return nil, ctx.Err()
	case res := <-ch:
		if res.err != nil {
			t.stopLocked()
			return nil, transientf("stdio read failed: %v", res.err)
		}
		var resp rpcResponse
		if err := json.Unmarshal(res.line, &resp); err != nil {
			return nil, fmt.Errorf("invalid rpc response: %w", err)
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("rpc error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		var reply umf.Message
		if err := json.Unmarshal(resp.Result, &reply); err != nil {
			return nil, fmt.Errorf("invalid rpc result: %w", err)
		}
		return &reply, nil
	}
}

func (t *stdioTransport) close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
	return nil
}
