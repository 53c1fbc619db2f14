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

package pool

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/gantry/internal/events"
	"github.com/tombee/gantry/internal/store"
	"github.com/tombee/gantry/pkg/errors"
)

// fakeClient implements Client for pool tests.
type fakeClient struct {
	mu      sync.Mutex
	tools   []ToolDefinition
	pingErr error
	closed  bool
}

func (f *fakeClient) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	return f.tools, nil
}

func (f *fakeClient) CallTool(ctx context.Context, req ToolCallRequest) (*ToolCallResponse, error) {
	return &ToolCallResponse{Content: []ContentItem{{Type: "text", Text: "ok"}}}, nil
}

func (f *fakeClient) ListPrompts(ctx context.Context) ([]PromptDefinition, error) { return nil, nil }

func (f *fakeClient) GetPrompt(ctx context.Context, name string, args map[string]string) (*PromptResponse, error) {
	return &PromptResponse{}, nil
}

func (f *fakeClient) ListResources(ctx context.Context) ([]ResourceDefinition, error) {
	return nil, nil
}

func (f *fakeClient) ReadResource(ctx context.Context, uri string) (*ResourceReadResponse, error) {
	return &ResourceReadResponse{}, nil
}

func (f *fakeClient) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func stdioServer(id string) *store.Server {
	return &store.Server{
		ID:   id,
		Name: "srv-" + id,
		Transport: store.TransportConfig{
			Type:    store.TransportStdio,
			Command: "mcp-server",
		},
		Auth:    store.AuthDescriptor{Type: store.AuthNone},
		Enabled: true,
	}
}

func newFakePool(client Client, dialErr error) *Pool {
	p := New(nil, events.NewBus(nil))
	p.dial = func(ctx context.Context, srv *store.Server, headers map[string]string) (Client, error) {
		if dialErr != nil {
			return nil, dialErr
		}
		return client, nil
	}
	return p
}

func TestConnectAndGet(t *testing.T) {
	fake := &fakeClient{tools: []ToolDefinition{{Name: "read_file"}, {Name: "write_file"}}}
	p := newFakePool(fake, nil)
	ctx := context.Background()

	require.NoError(t, p.Connect(ctx, stdioServer("s1")))

	client, err := p.Get("s1")
	require.NoError(t, err)
	assert.Same(t, Client(fake), client)

	st, err := p.Status("s1")
	require.NoError(t, err)
	assert.Equal(t, StateConnected, st.State)
	assert.Equal(t, 2, st.ToolCount)
	assert.False(t, st.ConnectedAt.IsZero())
}

func TestConnectTwiceConflicts(t *testing.T) {
	p := newFakePool(&fakeClient{}, nil)
	ctx := context.Background()

	require.NoError(t, p.Connect(ctx, stdioServer("s1")))
	err := p.Connect(ctx, stdioServer("s1"))
	assert.True(t, errors.IsConflict(err))
}

func TestConnectFailure(t *testing.T) {
	dialErr := &errors.ConnectionError{ServerID: "s1", Cause: stderrors.New("spawn failed")}
	p := newFakePool(nil, dialErr)
	ctx := context.Background()

	err := p.Connect(ctx, stdioServer("s1"))
	require.Error(t, err)

	st, err := p.Status("s1")
	require.NoError(t, err)
	assert.Equal(t, StateDisconnected, st.State)
	assert.Contains(t, st.LastError, "spawn failed")

	_, err = p.Get("s1")
	require.Error(t, err)

	// A failed connection can be retried.
	p.dial = func(ctx context.Context, srv *store.Server, headers map[string]string) (Client, error) {
		return &fakeClient{}, nil
	}
	require.NoError(t, p.Connect(ctx, stdioServer("s1")))
}

func TestDisconnect(t *testing.T) {
	fake := &fakeClient{}
	p := newFakePool(fake, nil)
	ctx := context.Background()

	bus := events.NewBus(nil)
	p.bus = bus
	var kinds []string
	bus.Subscribe(events.Filter{Kinds: []string{"server.*"}}, func(e events.Event) {
		kinds = append(kinds, e.Kind)
	})

	require.NoError(t, p.Connect(ctx, stdioServer("s1")))
	require.NoError(t, p.Disconnect("s1"))

	assert.True(t, fake.closed)
	_, err := p.Get("s1")
	assert.True(t, errors.IsNotFound(err))

	assert.Equal(t, []string{events.KindServerConnected, events.KindServerDisconnected}, kinds)

	err = p.Disconnect("s1")
	assert.True(t, errors.IsNotFound(err))
}

func TestDisconnectAll(t *testing.T) {
	f1 := &fakeClient{}
	p := newFakePool(f1, nil)
	ctx := context.Background()

	require.NoError(t, p.Connect(ctx, stdioServer("s1")))
	require.NoError(t, p.Connect(ctx, stdioServer("s2")))

	p.DisconnectAll()
	assert.True(t, f1.closed)
	assert.Empty(t, p.StatusAll())
}

func TestProbeMarksUnhealthyAndReconnects(t *testing.T) {
	fake := &fakeClient{pingErr: stderrors.New("broken pipe")}
	replacement := &fakeClient{}

	p := New(nil, events.NewBus(nil))
	dialCount := 0
	p.dial = func(ctx context.Context, srv *store.Server, headers map[string]string) (Client, error) {
		dialCount++
		if dialCount == 1 {
			return fake, nil
		}
		return replacement, nil
	}

	srv := stdioServer("s1")
	require.NoError(t, p.Connect(context.Background(), srv))

	p.mu.RLock()
	c := p.conns["s1"]
	p.mu.RUnlock()

	// Drive one failed probe directly rather than waiting on the ticker.
	p.probe(c, 0)

	st, err := p.Status("s1")
	require.NoError(t, err)
	assert.Equal(t, StateConnected, st.State)
	assert.True(t, fake.closed)

	client, err := p.Get("s1")
	require.NoError(t, err)
	assert.Same(t, Client(replacement), client)
	assert.Equal(t, 2, dialCount)
}

func TestStatusAll(t *testing.T) {
	p := newFakePool(&fakeClient{}, nil)
	require.NoError(t, p.Connect(context.Background(), stdioServer("s1")))
	require.NoError(t, p.Connect(context.Background(), stdioServer("s2")))

	statuses := p.StatusAll()
	assert.Len(t, statuses, 2)
}
