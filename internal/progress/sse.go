package progress

import (
	"fmt"
	"net/http"
	"sync"
)

// SSEClient adapts an http.ResponseWriter to the Subscriber interface using
// server-sent events. Each frame is written as one `data:` line.
type SSEClient struct {
	w       http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
	done    chan struct{}
	closed  bool
}

// NewSSE prepares the response for event streaming. It returns an error when
// the writer does not support flushing.
func NewSSE(w http.ResponseWriter) (*SSEClient, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &SSEClient{w: w, flusher: flusher, done: make(chan struct{})}, nil
}

// Send writes one event frame and flushes it to the client.
func (c *SSEClient) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("sse client closed")
	}
	if _, err := fmt.Fprintf(c.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}

// Close marks the stream finished and releases Wait.
func (c *SSEClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}

// Wait blocks until the stream is closed or the request context ends.
func (c *SSEClient) Wait(reqDone <-chan struct{}) {
	select {
	case <-c.done:
	case <-reqDone:
	}
}
