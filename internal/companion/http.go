package companion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/user/sleeptrack/internal/types"
)

// DefaultOutboxSize matches the buffer a phone companion app negotiates.
const DefaultOutboxSize = 656

// maxInboundBytes bounds the body accepted on the inbox endpoint.
const maxInboundBytes = 64 << 10

// HTTPChannel carries messages over HTTP. Outbound messages are POSTed as a
// JSON tuple array to the companion URL, one request in flight at a time.
// Inbound messages arrive on ServeHTTP.
type HTTPChannel struct {
	url     string
	outbox  int
	client  *http.Client
	handler Handler

	mu       sync.Mutex
	inFlight atomic.Bool
	sent     atomic.Int64
	failed   atomic.Int64
}

// HTTPOptions configures an HTTPChannel. Zero fields take defaults.
type HTTPOptions struct {
	URL        string
	OutboxSize int
	Timeout    time.Duration
}

// NewHTTPChannel creates an HTTPChannel. An empty URL makes every send fail
// asynchronously, which keeps the transfer resending until one is configured.
func NewHTTPChannel(opts HTTPOptions) *HTTPChannel {
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = DefaultOutboxSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &HTTPChannel{
		url:    opts.URL,
		outbox: opts.OutboxSize,
		client: &http.Client{Timeout: opts.Timeout},
	}
}

// Bind sets the callback receiver. It must be called before the first Send
// or inbound request.
func (c *HTTPChannel) Bind(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

func (c *HTTPChannel) bound() Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler
}

func (c *HTTPChannel) OutboxSize() int {
	return c.outbox
}

func (c *HTTPChannel) EstimateSize(count, width int) int {
	return DictSize(count, width)
}

// Send starts an asynchronous POST of msg.
func (c *HTTPChannel) Send(msg Message) error {
	if size := DictSize(len(msg), TupleWidth); size > c.outbox {
		return fmt.Errorf("message of %d bytes exceeds outbox of %d", size, c.outbox)
	}
	h := c.bound()
	if h == nil {
		return fmt.Errorf("channel has no handler bound")
	}
	if !c.inFlight.CompareAndSwap(false, true) {
		return types.ErrBusy
	}
	body, err := json.Marshal(msg)
	if err != nil {
		c.inFlight.Store(false)
		return fmt.Errorf("marshal message: %w", err)
	}

	go func() {
		err := c.post(body)
		c.inFlight.Store(false)
		if err != nil {
			c.failed.Add(1)
			h.Failed(err)
			return
		}
		c.sent.Add(1)
		h.Sent()
	}()
	return nil
}

func (c *HTTPChannel) post(body []byte) error {
	if c.url == "" {
		return fmt.Errorf("companion url not configured")
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("companion rejected message (status %d)", resp.StatusCode)
	}
	return nil
}

// Stats returns the number of acknowledged and failed sends.
func (c *HTTPChannel) Stats() (sent, failed int64) {
	return c.sent.Load(), c.failed.Load()
}

// ServeHTTP accepts one inbound message as a JSON tuple array.
func (c *HTTPChannel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	var msg Message
	if err := json.NewDecoder(io.LimitReader(r.Body, maxInboundBytes)).Decode(&msg); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	h := c.bound()
	if h == nil {
		http.Error(w, `{"error":"channel not ready"}`, http.StatusServiceUnavailable)
		return
	}
	slog.Debug("companion message received", "tuples", len(msg))
	h.Received(msg)
	w.WriteHeader(http.StatusAccepted)
}
