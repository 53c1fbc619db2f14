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

package router

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// batchConcurrency caps in-flight calls in one batch.
const batchConcurrency = 8

// BatchItem is one element's outcome. Exactly one of Result and Err is
// set.
type BatchItem struct {
	Result *InvokeResult `json:"result,omitempty"`
	Err    error         `json:"-"`
}

// BatchSummary counts outcomes across a batch.
type BatchSummary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// InvokeBatch runs the requests concurrently and returns outcomes in
// input order. One element's failure does not abort the others; each
// element charges its own rate and circuit state.
func (r *Router) InvokeBatch(ctx context.Context, reqs []InvokeRequest) ([]BatchItem, BatchSummary) {
	items := make([]BatchItem, len(reqs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)
	for i, req := range reqs {
		g.Go(func() error {
			res, err := r.Invoke(gctx, req)
			if err != nil {
				items[i] = BatchItem{Err: err}
			} else {
				items[i] = BatchItem{Result: res}
			}
			return nil
		})
	}
	g.Wait()

	summary := BatchSummary{Total: len(reqs)}
	for _, item := range items {
		if item.Err != nil {
			summary.Failed++
		} else {
			summary.Succeeded++
		}
	}
	return items, summary
}
