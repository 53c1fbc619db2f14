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

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tombee/gantry/pkg/errors"
)

// CreateWebhookSubscription inserts a subscription.
func (s *Store) CreateWebhookSubscription(ctx context.Context, sub *WebhookSubscription) error {
	kinds, err := json.Marshal(sub.EventKinds)
	if err != nil {
		return fmt.Errorf("failed to marshal event kinds: %w", err)
	}

	now := time.Now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO webhook_subscriptions (id, url, event_kinds, secret, server_id, retry_count, retry_delay_ms, timeout_ms, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.URL, string(kinds), nullString(sub.Secret), nullString(sub.ServerID),
		sub.RetryCount, sub.RetryDelayMs, sub.TimeoutMs, boolToInt(sub.Enabled), formatTime(now))
	if err != nil {
		return fmt.Errorf("failed to create webhook subscription: %w", err)
	}
	sub.CreatedAt = now
	return nil
}

// GetWebhookSubscription retrieves a subscription by id.
func (s *Store) GetWebhookSubscription(ctx context.Context, id string) (*WebhookSubscription, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, url, event_kinds, secret, server_id, retry_count, retry_delay_ms, timeout_ms, enabled, created_at
		FROM webhook_subscriptions WHERE id = ?`, id)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "webhook_subscription", ID: id}
	}
	return sub, err
}

// ListWebhookSubscriptions returns all subscriptions.
func (s *Store) ListWebhookSubscriptions(ctx context.Context) ([]*WebhookSubscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, url, event_kinds, secret, server_id, retry_count, retry_delay_ms, timeout_ms, enabled, created_at
		FROM webhook_subscriptions ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*WebhookSubscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func scanSubscription(row rowScanner) (*WebhookSubscription, error) {
	var sub WebhookSubscription
	var kinds string
	var secret, serverID, createdAt sql.NullString
	var enabled int
	err := row.Scan(&sub.ID, &sub.URL, &kinds, &secret, &serverID,
		&sub.RetryCount, &sub.RetryDelayMs, &sub.TimeoutMs, &enabled, &createdAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan webhook subscription: %w", err)
	}
	if err := json.Unmarshal([]byte(kinds), &sub.EventKinds); err != nil {
		return nil, fmt.Errorf("failed to parse event kinds: %w", err)
	}
	sub.Secret = secret.String
	sub.ServerID = serverID.String
	sub.Enabled = enabled != 0
	sub.CreatedAt = parseTime(createdAt)
	return &sub, nil
}

// UpdateWebhookSubscription persists changes to a subscription.
func (s *Store) UpdateWebhookSubscription(ctx context.Context, sub *WebhookSubscription) error {
	kinds, err := json.Marshal(sub.EventKinds)
	if err != nil {
		return fmt.Errorf("failed to marshal event kinds: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_subscriptions SET url = ?, event_kinds = ?, secret = ?, server_id = ?,
			retry_count = ?, retry_delay_ms = ?, timeout_ms = ?, enabled = ?
		WHERE id = ?`,
		sub.URL, string(kinds), nullString(sub.Secret), nullString(sub.ServerID),
		sub.RetryCount, sub.RetryDelayMs, sub.TimeoutMs, boolToInt(sub.Enabled), sub.ID)
	if err != nil {
		return fmt.Errorf("failed to update webhook subscription: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &errors.NotFoundError{Resource: "webhook_subscription", ID: sub.ID}
	}
	return nil
}

// DeleteWebhookSubscription removes a subscription; deliveries cascade.
func (s *Store) DeleteWebhookSubscription(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhook_subscriptions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete webhook subscription: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &errors.NotFoundError{Resource: "webhook_subscription", ID: id}
	}
	return nil
}

// CreateWebhookDelivery inserts a pending delivery record.
func (s *Store) CreateWebhookDelivery(ctx context.Context, d *WebhookDelivery) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (id, subscription_id, event_kind, payload, status, attempts,
			last_http_status, response_body, error, next_attempt_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.SubscriptionID, d.EventKind, string(d.Payload), d.Status, d.Attempts,
		d.LastHTTPStatus, nullString(d.ResponseBody), nullString(d.Error),
		nullTime(d.NextAttemptAt), formatTime(now), formatTime(now))
	if err != nil {
		return fmt.Errorf("failed to create webhook delivery: %w", err)
	}
	d.CreatedAt = now
	d.UpdatedAt = now
	return nil
}

// UpdateWebhookDelivery records the outcome of a delivery attempt.
func (s *Store) UpdateWebhookDelivery(ctx context.Context, d *WebhookDelivery) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_deliveries SET status = ?, attempts = ?, last_http_status = ?,
			response_body = ?, error = ?, next_attempt_at = ?, updated_at = ?
		WHERE id = ?`,
		d.Status, d.Attempts, d.LastHTTPStatus, nullString(d.ResponseBody), nullString(d.Error),
		nullTime(d.NextAttemptAt), formatTime(now), d.ID)
	if err != nil {
		return fmt.Errorf("failed to update webhook delivery: %w", err)
	}
	d.UpdatedAt = now
	return nil
}

// ListDueDeliveries returns pending deliveries whose next attempt time has
// arrived, oldest first.
func (s *Store) ListDueDeliveries(ctx context.Context, limit int) ([]*WebhookDelivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subscription_id, event_kind, payload, status, attempts, last_http_status,
			response_body, error, next_attempt_at, created_at, updated_at
		FROM webhook_deliveries
		WHERE status = 'pending' AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		ORDER BY created_at LIMIT ?`, formatTime(time.Now()), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due deliveries: %w", err)
	}
	defer rows.Close()
	return scanDeliveries(rows)
}

// ListDeliveries returns deliveries for one subscription, newest first.
func (s *Store) ListDeliveries(ctx context.Context, subscriptionID string, limit, offset int) ([]*WebhookDelivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subscription_id, event_kind, payload, status, attempts, last_http_status,
			response_body, error, next_attempt_at, created_at, updated_at
		FROM webhook_deliveries WHERE subscription_id = ?
		ORDER BY created_at DESC LIMIT ? OFFSET ?`, subscriptionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}
	defer rows.Close()
	return scanDeliveries(rows)
}

func scanDeliveries(rows *sql.Rows) ([]*WebhookDelivery, error) {
	var deliveries []*WebhookDelivery
	for rows.Next() {
		var d WebhookDelivery
		var payload string
		var responseBody, errStr sql.NullString
		var nextAttemptAt, createdAt, updatedAt sql.NullString
		if err := rows.Scan(&d.ID, &d.SubscriptionID, &d.EventKind, &payload, &d.Status,
			&d.Attempts, &d.LastHTTPStatus, &responseBody, &errStr, &nextAttemptAt, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan delivery: %w", err)
		}
		d.Payload = []byte(payload)
		d.ResponseBody = responseBody.String
		d.Error = errStr.String
		d.NextAttemptAt = parseTime(nextAttemptAt)
		d.CreatedAt = parseTime(createdAt)
		d.UpdatedAt = parseTime(updatedAt)
		deliveries = append(deliveries, &d)
	}
	return deliveries, rows.Err()
}

// DeliveryStats aggregates delivery counts by status for one subscription.
func (s *Store) DeliveryStats(ctx context.Context, subscriptionID string) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM webhook_deliveries WHERE subscription_id = ? GROUP BY status`,
		subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get delivery stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan delivery stats: %w", err)
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

// PruneDeliveries deletes terminal deliveries older than the cutoff.
func (s *Store) PruneDeliveries(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM webhook_deliveries
		WHERE status IN ('success', 'failed') AND created_at < ?`, formatTime(olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to prune deliveries: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
