// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package webhook delivers bus events to subscribed URLs at least once.
// Matching events become pending delivery rows; a background worker posts
// them with an HMAC signature and retries failures on an exponential
// schedule until the subscription's retry budget is spent.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/tombee/gantry/internal/events"
	"github.com/tombee/gantry/internal/store"
	"github.com/tombee/gantry/pkg/errors"
)

// Delivery status values, matching the rows the store prunes.
const (
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

const (
	defaultPollInterval = time.Second
	defaultBatchSize    = 50
	defaultRetention    = 7 * 24 * time.Hour
	defaultTimeout      = 10 * time.Second
	defaultRetryDelayMs = 1000
	pruneInterval       = time.Hour

	// responseSnippetLimit caps how much of a response body is kept on
	// the delivery row.
	responseSnippetLimit = 1024
)

// Options tune the dispatcher. Zero values pick defaults.
type Options struct {
	// PollInterval is how often the worker looks for due deliveries.
	PollInterval time.Duration

	// BatchSize caps deliveries picked per poll.
	BatchSize int

	// Retention is how long terminal deliveries are kept before pruning.
	Retention time.Duration

	// PostsPerSecond paces outbound requests across all subscriptions.
	PostsPerSecond float64

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client

	// OnOutcome, when set, is called with the terminal outcome of every
	// attempt: "success", "failed", or "retry".
	OnOutcome func(outcome string)
}

// Dispatcher fans bus events out to webhook subscriptions and runs the
// delivery worker.
type Dispatcher struct {
	store  *store.Store
	bus    *events.Bus
	logger *slog.Logger
	client *http.Client
	pace   *rate.Limiter

	pollInterval time.Duration
	batchSize    int
	retention    time.Duration

	onOutcome func(outcome string)

	mu          sync.Mutex
	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup
}

// New creates a dispatcher. Start launches its worker loops.
func New(st *store.Store, bus *events.Bus, logger *slog.Logger, opts Options) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	if opts.PostsPerSecond <= 0 {
		opts.PostsPerSecond = 20
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &Dispatcher{
		store:        st,
		bus:          bus,
		logger:       logger,
		client:       client,
		pace:         rate.NewLimiter(rate.Limit(opts.PostsPerSecond), opts.BatchSize),
		pollInterval: opts.PollInterval,
		batchSize:    opts.BatchSize,
		retention:    opts.Retention,
		onOutcome:    opts.OnOutcome,
	}
}

// Start subscribes to the bus and launches the delivery and pruning loops.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.unsubscribe = d.bus.Subscribe(events.Filter{}, func(e events.Event) {
		d.enqueue(ctx, e)
	})

	d.wg.Add(2)
	go d.deliverLoop(ctx)
	go d.pruneLoop(ctx)
}

// Stop unsubscribes from the bus and waits for in-flight work to finish.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	cancel, unsub := d.cancel, d.unsubscribe
	d.cancel, d.unsubscribe = nil, nil
	d.mu.Unlock()
	if cancel == nil {
		return
	}
	unsub()
	cancel()
	d.wg.Wait()
}

// enqueue creates a pending delivery for every enabled subscription whose
// filter admits the event. The stored payload is the exact bytes the worker
// will later sign and post.
func (d *Dispatcher) enqueue(ctx context.Context, e events.Event) {
	subs, err := d.store.ListWebhookSubscriptions(ctx)
	if err != nil {
		d.logger.Warn("failed to list webhook subscriptions", "error", err)
		return
	}

	var payload []byte
	for _, sub := range subs {
		if !sub.Enabled {
			continue
		}
		filter := events.Filter{Kinds: sub.EventKinds, ServerID: sub.ServerID}
		if !filter.Matches(e) {
			continue
		}
		if payload == nil {
			payload, err = json.Marshal(e)
			if err != nil {
				d.logger.Warn("failed to marshal event for delivery", "kind", e.Kind, "error", err)
				return
			}
		}
		delivery := &store.WebhookDelivery{
			ID:             uuid.NewString(),
			SubscriptionID: sub.ID,
			EventKind:      e.Kind,
			Payload:        payload,
			Status:         StatusPending,
		}
		if err := d.store.CreateWebhookDelivery(ctx, delivery); err != nil {
			d.logger.Warn("failed to enqueue webhook delivery",
				"subscription_id", sub.ID, "kind", e.Kind, "error", err)
		}
	}
}

func (d *Dispatcher) deliverLoop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.deliverDue(ctx)
		}
	}
}

// deliverDue posts every delivery whose next attempt time has arrived.
func (d *Dispatcher) deliverDue(ctx context.Context) {
	due, err := d.store.ListDueDeliveries(ctx, d.batchSize)
	if err != nil {
		d.logger.Warn("failed to list due deliveries", "error", err)
		return
	}
	for _, delivery := range due {
		if err := d.pace.Wait(ctx); err != nil {
			return
		}
		d.attempt(ctx, delivery)
	}
}

func (d *Dispatcher) attempt(ctx context.Context, delivery *store.WebhookDelivery) {
	sub, err := d.store.GetWebhookSubscription(ctx, delivery.SubscriptionID)
	if err != nil {
		if errors.IsNotFound(err) {
			delivery.Status = StatusFailed
			delivery.Error = "subscription deleted"
			d.update(ctx, delivery)
			d.report(StatusFailed)
			return
		}
		d.logger.Warn("failed to load subscription", "delivery_id", delivery.ID, "error", err)
		return
	}

	delivery.Attempts++

	status, body, err := d.post(ctx, sub, delivery)
	delivery.LastHTTPStatus = status
	delivery.ResponseBody = body
	if err == nil && status >= 200 && status < 300 {
		delivery.Status = StatusSuccess
		delivery.Error = ""
		delivery.NextAttemptAt = time.Time{}
		d.update(ctx, delivery)
		d.report(StatusSuccess)
		return
	}
	if err != nil {
		delivery.Error = err.Error()
	} else {
		delivery.Error = fmt.Sprintf("unexpected status %d", status)
	}

	if delivery.Attempts > sub.RetryCount {
		delivery.Status = StatusFailed
		delivery.NextAttemptAt = time.Time{}
		d.logger.Warn("webhook delivery abandoned",
			"delivery_id", delivery.ID, "url", sub.URL, "attempts", delivery.Attempts, "error", delivery.Error)
		d.report(StatusFailed)
	} else {
		delivery.Status = StatusPending
		delivery.NextAttemptAt = time.Now().Add(backoff(sub.RetryDelayMs, delivery.Attempts))
		d.report("retry")
	}
	d.update(ctx, delivery)
}

func (d *Dispatcher) report(outcome string) {
	if d.onOutcome != nil {
		d.onOutcome(outcome)
	}
}

// post sends the payload and returns the HTTP status with a response body
// snippet. A transport failure returns a zero status and the error.
func (d *Dispatcher) post(ctx context.Context, sub *store.WebhookSubscription, delivery *store.WebhookDelivery) (int, string, error) {
	timeout := defaultTimeout
	if sub.TimeoutMs > 0 {
		timeout = time.Duration(sub.TimeoutMs) * time.Millisecond
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, sub.URL, bytes.NewReader(delivery.Payload))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, delivery.EventKind)
	req.Header.Set(HeaderDelivery, delivery.ID)
	if sub.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(delivery.Payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, responseSnippetLimit))
	return resp.StatusCode, string(snippet), nil
}

func (d *Dispatcher) update(ctx context.Context, delivery *store.WebhookDelivery) {
	if err := d.store.UpdateWebhookDelivery(ctx, delivery); err != nil {
		d.logger.Warn("failed to update webhook delivery", "delivery_id", delivery.ID, "error", err)
	}
}

func (d *Dispatcher) pruneLoop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := d.store.PruneDeliveries(ctx, time.Now().Add(-d.retention))
			if err != nil {
				d.logger.Warn("failed to prune webhook deliveries", "error", err)
			} else if n > 0 {
				d.logger.Info("pruned webhook deliveries", "count", n)
			}
		}
	}
}

// backoff returns the wait before the next attempt, doubling per completed
// attempt from the subscription's base delay.
func backoff(delayMs, attempt int) time.Duration {
	if delayMs <= 0 {
		delayMs = defaultRetryDelayMs
	}
	d := time.Duration(delayMs) * time.Millisecond
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}
