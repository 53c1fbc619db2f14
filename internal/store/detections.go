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
	"fmt"
	"time"

	"github.com/tombee/gantry/pkg/errors"
)

// InsertDetection records a secret-scanner match. Only masked material may
// be stored; the scanner guarantees MaskedHint retains at most the last 4
// characters of the original.
func (s *Store) InsertDetection(ctx context.Context, d *Detection) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO key_exposure_detections (id, provider, path, masked_hint, source, severity, resolved, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Provider, d.Path, d.MaskedHint, d.Source, d.Severity,
		boolToInt(d.Resolved), nullString(d.Note), formatTime(now))
	if err != nil {
		return fmt.Errorf("failed to insert detection: %w", err)
	}
	d.CreatedAt = now
	return nil
}

// ListDetections returns detections, optionally filtered to unresolved.
func (s *Store) ListDetections(ctx context.Context, unresolvedOnly bool) ([]*Detection, error) {
	query := `SELECT id, provider, path, masked_hint, source, severity, resolved, note, created_at
		FROM key_exposure_detections`
	if unresolvedOnly {
		query += ` WHERE resolved = 0`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list detections: %w", err)
	}
	defer rows.Close()

	var detections []*Detection
	for rows.Next() {
		var d Detection
		var note, createdAt sql.NullString
		var resolved int
		if err := rows.Scan(&d.ID, &d.Provider, &d.Path, &d.MaskedHint, &d.Source,
			&d.Severity, &resolved, &note, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan detection: %w", err)
		}
		d.Resolved = resolved != 0
		d.Note = note.String
		d.CreatedAt = parseTime(createdAt)
		detections = append(detections, &d)
	}
	return detections, rows.Err()
}

// ResolveDetection marks a detection resolved with an optional note.
func (s *Store) ResolveDetection(ctx context.Context, id, note string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE key_exposure_detections SET resolved = 1, note = ? WHERE id = ?`,
		nullString(note), id)
	if err != nil {
		return fmt.Errorf("failed to resolve detection: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &errors.NotFoundError{Resource: "detection", ID: id}
	}
	return nil
}
