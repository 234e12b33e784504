package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/p3394/exemplar/pkg/umf"
)

// httpTransport POSTs the UMF JSON to a configured endpoint and expects a
// UMF JSON reply.
type httpTransport struct {
	url    string
	client *http.Client
}

func newHTTPTransport(url string) *httpTransport {
	return &httpTransport{
		url:    url,
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

func (t *httpTransport) kind() Kind { return KindHTTP }

func (t *httpTransport) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, t.url, nil)
	if err != nil {
		return false
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

func (t *httpTransport) send(ctx context.Context, msg *umf.Message) (*umf.Message, error) {
	data, err := umf.Encode(msg)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		if isNetworkError(err) {
			return nil, transientf("http send failed: %v", err)
		}
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transientf("http read failed: %v", err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, transientf("http status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http status %d: %s", resp.StatusCode, string(body))
	}

	var reply umf.Message
	if err := json.Unmarshal(body, &reply); err != nil {
		return nil, fmt.Errorf("invalid reply: %w", err)
	}
	return &reply, nil
}

func (t *httpTransport) close() error {
	t.client.CloseIdleConnections()
	return nil
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
