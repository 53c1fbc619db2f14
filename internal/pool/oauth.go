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
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/tombee/gantry/internal/store"
	"github.com/tombee/gantry/pkg/errors"
)

// tokenSkew refreshes tokens this long before their reported expiry so a
// token never goes stale mid-request.
const tokenSkew = 60 * time.Second

// tokenCache holds one reusable client-credentials token source per
// server. Sources cache their token internally; a new token is only
// fetched when the cached one is within tokenSkew of expiry.
type tokenCache struct {
	mu      sync.Mutex
	sources map[string]oauth2.TokenSource
}

func newTokenCache() *tokenCache {
	return &tokenCache{sources: make(map[string]oauth2.TokenSource)}
}

// headers builds the auth headers for a server. Returns nil for servers
// with no authentication configured.
func (tc *tokenCache) headers(ctx context.Context, srv *store.Server) (map[string]string, error) {
	switch srv.Auth.Type {
	case store.AuthNone, "":
		return nil, nil

	case store.AuthAPIKey:
		header := srv.Auth.Header
		if header == "" {
			header = "Authorization"
		}
		value := srv.Auth.APIKey
		if header == "Authorization" {
			value = "Bearer " + value
		}
		return map[string]string{header: value}, nil

	case store.AuthOAuth2:
		tok, err := tc.token(ctx, srv)
		if err != nil {
			return nil, &errors.ConnectionError{ServerID: srv.ID, Cause: err}
		}
		return map[string]string{"Authorization": tok.Type() + " " + tok.AccessToken}, nil

	default:
		return nil, &errors.ValidationError{Field: "auth.type", Message: "unsupported auth type"}
	}
}

func (tc *tokenCache) token(ctx context.Context, srv *store.Server) (*oauth2.Token, error) {
	tc.mu.Lock()
	src, ok := tc.sources[srv.ID]
	if !ok {
		cfg := &clientcredentials.Config{
			ClientID:     srv.Auth.ClientID,
			ClientSecret: srv.Auth.ClientSecret,
			TokenURL:     srv.Auth.TokenURL,
			Scopes:       srv.Auth.Scopes,
		}
		src = oauth2.ReuseTokenSourceWithExpiry(nil, cfg.TokenSource(context.Background()), tokenSkew)
		tc.sources[srv.ID] = src
	}
	tc.mu.Unlock()

	return src.Token()
}

// forget drops the cached source so the next connection re-authenticates,
// used when a server's auth config changes or the server is removed.
func (tc *tokenCache) forget(serverID string) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	delete(tc.sources, serverID)
}
