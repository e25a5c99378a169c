// Package telemetry forwards simulator telemetry to the experiment store API.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bjsi/vibe-controller/internal/debug"
	"github.com/bjsi/vibe-controller/internal/eventq"
	"github.com/bjsi/vibe-controller/internal/store"
)

// BatchSize is the number of points forwarded per request.
const BatchSize = 10

// Sink receives batches of telemetry for an experiment.
type Sink interface {
	Store(ctx context.Context, id string, points []store.TestDataPoint) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, id string, points []store.TestDataPoint) error

func (f SinkFunc) Store(ctx context.Context, id string, points []store.TestDataPoint) error {
	return f(ctx, id, points)
}

// Client posts batches to <base>/store_test_data?id=<id>.
type Client struct {
	baseURL string
	retries int
	backoff time.Duration
	http    *http.Client
}

// NewClient returns a client that retries a failed batch up to retries times
// with linear backoff.
func NewClient(baseURL string, retries int) *Client {
	if retries < 0 {
		retries = 0
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		retries: retries,
		backoff: 500 * time.Millisecond,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

type storeRequest struct {
	TestData []store.TestDataPoint `json:"testData"`
}

func (c *Client) Store(ctx context.Context, id string, points []store.TestDataPoint) error {
	body, err := json.Marshal(storeRequest{TestData: points})
	if err != nil {
		return err
	}
	endpoint := c.baseURL + "/store_test_data?id=" + url.QueryEscape(id)

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * c.backoff):
			}
		}
		lastErr = c.post(ctx, endpoint, body)
		if lastErr == nil {
			return nil
		}
		debug.LogKV("telemetry", "batch post failed", "id", id, "attempt", attempt+1, "error", lastErr)
	}
	return lastErr
}

func (c *Client) post(ctx context.Context, endpoint string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("store_test_data: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// ErrQueueFull means a batch was dropped because the sender was too far
// behind.
var ErrQueueFull = errors.New("telemetry send queue full")

// queueSize is the number of full batches that may wait for the sender.
const queueSize = 256

// DropFunc is called after each dropped batch with its size, the running
// drop total and the cause.
type DropFunc func(points, total int, err error)

// Batcher buffers points for one experiment and hands full batches of
// BatchSize to a background sender, so Add never waits on the sink. A batch
// the sink rejects, or that finds the queue full, is dropped and counted.
type Batcher struct {
	sink   Sink
	id     string
	size   int
	onDrop DropFunc

	queue  chan []store.TestDataPoint
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	buf       []store.TestDataPoint
	closed    bool
	forwarded int
	dropped   int
}

// NewBatcher creates a batcher and starts its sender. onDrop may be nil.
// Close must be called to flush and stop the sender.
func NewBatcher(sink Sink, id string, onDrop DropFunc) *Batcher {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Batcher{
		sink:   sink,
		id:     id,
		size:   BatchSize,
		onDrop: onDrop,
		queue:  make(chan []store.TestDataPoint, queueSize),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	go b.loop()
	return b
}

func (b *Batcher) loop() {
	defer close(b.done)
	for batch := range b.queue {
		b.send(batch)
	}
}

// Add buffers p and queues the batch when it is full. It never blocks on
// the sink.
func (b *Batcher) Add(p store.TestDataPoint) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.buf = append(b.buf, p)
	if len(b.buf) < b.size {
		b.mu.Unlock()
		return
	}
	batch := b.buf
	b.buf = nil
	total, queued := b.enqueueLocked(batch)
	b.mu.Unlock()

	if !queued {
		b.reportDrop(len(batch), total, ErrQueueFull)
	}
}

// enqueueLocked offers batch to the sender. When the queue is full the batch
// is counted as dropped and the new drop total is returned.
func (b *Batcher) enqueueLocked(batch []store.TestDataPoint) (total int, queued bool) {
	if eventq.Offer(b.queue, batch) {
		return b.dropped, true
	}
	b.dropped += len(batch)
	return b.dropped, false
}

// Close queues any remaining points and waits for the sender to finish.
// When ctx ends first, the sink call in flight is cancelled and batches
// still queued are dropped.
func (b *Batcher) Close(ctx context.Context) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	batch := b.buf
	b.buf = nil
	total, queued := 0, true
	if len(batch) > 0 {
		total, queued = b.enqueueLocked(batch)
	}
	b.closed = true
	close(b.queue)
	b.mu.Unlock()

	if !queued {
		b.reportDrop(len(batch), total, ErrQueueFull)
	}

	select {
	case <-b.done:
	case <-ctx.Done():
		b.cancel()
		<-b.done
	}
	b.cancel()
}

func (b *Batcher) send(batch []store.TestDataPoint) {
	err := b.ctx.Err()
	if err == nil {
		err = b.sink.Store(b.ctx, b.id, batch)
	}

	b.mu.Lock()
	if err != nil {
		b.dropped += len(batch)
	} else {
		b.forwarded += len(batch)
	}
	total := b.dropped
	b.mu.Unlock()

	if err != nil {
		b.reportDrop(len(batch), total, err)
	}
}

func (b *Batcher) reportDrop(points, total int, err error) {
	debug.LogKV("telemetry", "batch dropped", "id", b.id, "points", points, "dropped_total", total, "error", err)
	if b.onDrop != nil {
		b.onDrop(points, total, err)
	}
}

// Forwarded returns the number of points delivered.
func (b *Batcher) Forwarded() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.forwarded
}

// Dropped returns the number of points that could not be delivered.
func (b *Batcher) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
