// Package dispatch delivers matched events to webhook subscribers with
// exponential backoff, bounded retries, and dead-lettering.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/eventbridge-systems/eventbridge/internal/metrics"
	"github.com/eventbridge-systems/eventbridge/internal/models"
)

// TaskState tracks one (event, subscription) delivery through its lifecycle.
type TaskState string

const (
	StatePending      TaskState = "pending"
	StateInFlight     TaskState = "in_flight"
	StateRetrying     TaskState = "retrying"
	StateDelivered    TaskState = "delivered"
	StateDeadLettered TaskState = "dead_lettered"
)

const (
	defaultTimeout    = 10 * time.Second
	defaultQueueDepth = 1024
)

// Config configures the webhook dispatcher.
type Config struct {
	// Timeout bounds each outbound delivery attempt.
	Timeout time.Duration
	// QueueDepth bounds each subscription's task queue.
	QueueDepth int
	// Clock drives the retry schedule; tests substitute a virtual clock.
	Clock Clock
	// Client is the outbound HTTP client. Defaults to one with Timeout.
	Client *http.Client
}

type task struct {
	event    models.StoredEvent
	sub      models.Subscription
	state    TaskState
	attempts []models.DeliveryAttempt
}

type subQueue struct {
	tasks chan *task
	stop  chan struct{}
}

// Dispatcher owns one FIFO worker per webhook subscription. Tasks for the
// same subscription deliver in event-sequence order; different subscriptions
// proceed independently.
type Dispatcher struct {
	timeout    time.Duration
	queueDepth int
	clock      Clock
	client     *http.Client
	dlq        DeadLetterStore

	mu      sync.Mutex
	queues  map[string]*subQueue
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

// New creates a dispatcher writing exhausted deliveries to dlq.
func New(dlq DeadLetterStore, cfg Config) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = defaultQueueDepth
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock()
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Dispatcher{
		timeout:    cfg.Timeout,
		queueDepth: cfg.QueueDepth,
		clock:      cfg.Clock,
		client:     cfg.Client,
		dlq:        dlq,
		queues:     make(map[string]*subQueue),
	}
}

// Start makes the dispatcher accept tasks until Stop or ctx cancellation.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return fmt.Errorf("dispatcher already started")
	}
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.started = true
	return nil
}

// Stop cancels all workers and waits for them to abandon in-flight work.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	d.started = false
	d.cancel()
	d.mu.Unlock()
	d.wg.Wait()
}

// Enqueue queues a delivery task. Blocks only when the subscription's own
// queue is full, so one slow subscriber never stalls another.
func (d *Dispatcher) Enqueue(evt models.StoredEvent, sub models.Subscription) error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher not started")
	}
	q, ok := d.queues[sub.ID]
	if !ok {
		q = &subQueue{
			tasks: make(chan *task, d.queueDepth),
			stop:  make(chan struct{}),
		}
		d.queues[sub.ID] = q
		d.wg.Add(1)
		go d.worker(sub.ID, q)
	}
	ctx := d.ctx
	d.mu.Unlock()

	t := &task{event: evt, sub: sub, state: StatePending}
	select {
	case q.tasks <- t:
		metrics.DispatchQueueDepth.Inc()
		return nil
	case <-q.stop:
		return fmt.Errorf("subscription %s cancelled", sub.ID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel deactivates a subscription's queue. The current task is abandoned
// at its next suspension point with no retry scheduled.
func (d *Dispatcher) Cancel(subscriptionID string) {
	d.mu.Lock()
	q, ok := d.queues[subscriptionID]
	if ok {
		delete(d.queues, subscriptionID)
	}
	d.mu.Unlock()
	if ok {
		close(q.stop)
	}
}

func (d *Dispatcher) worker(subID string, q *subQueue) {
	defer d.wg.Done()
	// Tasks still buffered when the worker exits were counted at Enqueue
	// and must come off the depth gauge.
	defer drainQueue(q)
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-q.stop:
			return
		case t := <-q.tasks:
			metrics.DispatchQueueDepth.Dec()
			d.deliver(t, q.stop)
		}
	}
}

func drainQueue(q *subQueue) {
	for {
		select {
		case <-q.tasks:
			metrics.DispatchQueueDepth.Dec()
		default:
			return
		}
	}
}

// deliver runs one task through the state machine:
// Pending -> InFlight -> {Delivered | Retrying | DeadLettered}.
func (d *Dispatcher) deliver(t *task, stop <-chan struct{}) {
	policy := t.sub.RetryPolicy
	for attempt := 1; ; attempt++ {
		t.state = StateInFlight
		outcome, attemptErr := d.attempt(t)

		record := models.DeliveryAttempt{
			SubscriptionID: t.sub.ID,
			EventID:        t.event.ID,
			AttemptNumber:  attempt,
			Outcome:        outcome,
		}
		if attemptErr != "" {
			record.Error = attemptErr
		}
		metrics.DeliveryAttempts.WithLabelValues(string(outcome)).Inc()

		switch outcome {
		case models.OutcomeSuccess:
			t.attempts = append(t.attempts, record)
			t.state = StateDelivered
			slog.Debug("webhook delivered",
				slog.String("subscription_id", t.sub.ID),
				slog.String("event_id", t.event.ID),
				slog.Int("attempts", attempt))
			return

		case models.OutcomePermanentFailure:
			// The request itself is malformed for this subscriber; no
			// amount of retrying fixes a 4xx.
			t.attempts = append(t.attempts, record)
			d.deadLetter(t, attemptErr)
			return
		}

		if attempt >= policy.MaxAttempts {
			t.attempts = append(t.attempts, record)
			d.deadLetter(t, attemptErr)
			return
		}

		delay := backoffDelay(policy, attempt)
		record.NextRetryAt = d.clock.Now().Add(delay)
		t.attempts = append(t.attempts, record)
		t.state = StateRetrying

		select {
		case <-d.clock.After(delay):
		case <-stop:
			// Subscription cancelled mid-backoff: abandon, no retry.
			slog.Debug("abandoning delivery task",
				slog.String("subscription_id", t.sub.ID),
				slog.String("event_id", t.event.ID))
			return
		case <-d.ctx.Done():
			return
		}
	}
}

// attempt performs one outbound call and classifies the result: 2xx is
// success, 4xx is permanent, everything else (5xx, timeout, connection
// failure) is transient.
func (d *Dispatcher) attempt(t *task) (models.AttemptOutcome, string) {
	body, err := json.Marshal(t.event)
	if err != nil {
		return models.OutcomePermanentFailure, fmt.Sprintf("marshal event: %v", err)
	}

	ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.sub.Target, bytes.NewReader(body))
	if err != nil {
		return models.OutcomePermanentFailure, fmt.Sprintf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-ID", t.event.CorrelationID)
	req.Header.Set("User-Agent", "EventBridge-Dispatch/1.0")

	resp, err := d.client.Do(req)
	if err != nil {
		return models.OutcomeTransientFailure, err.Error()
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return models.OutcomeSuccess, ""
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return models.OutcomePermanentFailure, fmt.Sprintf("target returned %d", resp.StatusCode)
	default:
		return models.OutcomeTransientFailure, fmt.Sprintf("target returned %d", resp.StatusCode)
	}
}

func (d *Dispatcher) deadLetter(t *task, finalError string) {
	t.state = StateDeadLettered
	dl := models.DeadLetter{
		EventID:        t.event.ID,
		SubscriptionID: t.sub.ID,
		Event:          t.event,
		Attempts:       t.attempts,
		FinalError:     finalError,
		CreatedAt:      d.clock.Now().UTC(),
	}
	if err := d.dlq.Write(d.ctx, dl); err != nil {
		slog.Error("failed to record dead letter",
			slog.String("subscription_id", t.sub.ID),
			slog.String("event_id", t.event.ID),
			slog.String("error", err.Error()))
	}
	metrics.DeadLetters.Inc()
	slog.Warn("delivery dead-lettered",
		slog.String("subscription_id", t.sub.ID),
		slog.String("event_id", t.event.ID),
		slog.Int("attempts", len(t.attempts)),
		slog.String("final_error", finalError))
}
