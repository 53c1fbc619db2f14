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
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// UpsertEmbedding stores or replaces the vector for one (kind, name)
// capability. Vectors are packed little-endian float32.
func (s *Store) UpsertEmbedding(ctx context.Context, e *Embedding) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO semantic_embeddings (id, kind, name, server_id, vector, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (kind, name) DO UPDATE SET
			server_id = excluded.server_id,
			vector = excluded.vector,
			updated_at = excluded.updated_at`,
		e.ID, e.Kind, e.Name, e.ServerID, packVector(e.Vector), formatTime(now))
	if err != nil {
		return fmt.Errorf("failed to upsert embedding: %w", err)
	}
	e.UpdatedAt = now
	return nil
}

// ListEmbeddings returns stored embeddings, optionally filtered by kind.
func (s *Store) ListEmbeddings(ctx context.Context, kind string) ([]*Embedding, error) {
	query := `SELECT id, kind, name, server_id, vector, updated_at FROM semantic_embeddings`
	args := []any{}
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, kind)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list embeddings: %w", err)
	}
	defer rows.Close()

	var embeddings []*Embedding
	for rows.Next() {
		var e Embedding
		var vector []byte
		var updatedAt sql.NullString
		if err := rows.Scan(&e.ID, &e.Kind, &e.Name, &e.ServerID, &vector, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan embedding: %w", err)
		}
		e.Vector = unpackVector(vector)
		e.UpdatedAt = parseTime(updatedAt)
		embeddings = append(embeddings, &e)
	}
	return embeddings, rows.Err()
}

// DeleteEmbeddingsForServer removes every embedding that points at a
// server's capabilities.
func (s *Store) DeleteEmbeddingsForServer(ctx context.Context, serverID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM semantic_embeddings WHERE server_id = ?`, serverID)
	if err != nil {
		return fmt.Errorf("failed to delete embeddings: %w", err)
	}
	return nil
}

func packVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func unpackVector(buf []byte) []float32 {
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}
