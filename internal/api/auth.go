package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/omini/omini-core/internal/pkg/httputil"
	"github.com/omini/omini-core/internal/storage"
)

type orgIDKey struct{}

// OrgID returns the organization resolved by the auth middleware.
func OrgID(r *http.Request) string {
	v, _ := r.Context().Value(orgIDKey{}).(string)
	return v
}

// authCacheTTL bounds how long a resolved key is trusted without a
// fresh lookup, so key revocation takes effect within the window.
const authCacheTTL = 5 * time.Minute

type cachedOrg struct {
	orgID     string
	expiresAt time.Time
}

// authCache memoizes api key resolution. Keys are cached by their
// stored hash, never raw.
type authCache struct {
	store *storage.Store
	mu    sync.RWMutex
	byKey map[string]cachedOrg
}

func newAuthCache(store *storage.Store) *authCache {
	return &authCache{store: store, byKey: make(map[string]cachedOrg)}
}

func (a *authCache) resolve(ctx context.Context, key string) (string, error) {
	hash := storage.HashAPIKey(key)

	a.mu.RLock()
	hit, ok := a.byKey[hash]
	a.mu.RUnlock()
	if ok && time.Now().Before(hit.expiresAt) {
		return hit.orgID, nil
	}

	orgID, err := a.store.ResolveAPIKey(ctx, key)
	if err != nil {
		return "", err
	}
	a.mu.Lock()
	a.byKey[hash] = cachedOrg{orgID: orgID, expiresAt: time.Now().Add(authCacheTTL)}
	a.mu.Unlock()
	return orgID, nil
}

// requireOrg resolves the bearer api key to an organization and stores
// it on the request context.
func (s *Server) requireOrg(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, ok := bearerToken(r)
		if !ok {
			httputil.Unauthorized(w, "missing bearer token")
			return
		}
		orgID, err := s.auth.resolve(r.Context(), key)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httputil.Unauthorized(w, "invalid api key")
				return
			}
			httputil.InternalError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), orgIDKey{}, orgID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireBootstrapToken guards the admin surface with a shared secret.
func (s *Server) requireBootstrapToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("x-bootstrap-token")
		if s.cfg.BootstrapToken == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.BootstrapToken)) != 1 {
			httputil.Unauthorized(w, "invalid bootstrap token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}
