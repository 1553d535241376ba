package token

import (
	"fmt"
	"sync"
	"time"
)

// FetchFunc retrieves a signing key for (alg, kid) from the identity
// provider. Called rarely; results are cached for the ring TTL.
type FetchFunc func(alg, kid string) (any, error)

// KeyRing caches signing keys in-process. The symmetric HS256 secret is
// pinned; asymmetric keys are fetched on demand and cached with a 1 h TTL.
type KeyRing struct {
	mu     sync.RWMutex
	hmac   []byte
	cached map[string]cachedKey
	fetch  FetchFunc
	ttl    time.Duration
	now    func() time.Time
}

type cachedKey struct {
	key     any
	expires time.Time
}

// NewKeyRing creates a key ring. fetch may be nil when only HS256 is used.
func NewKeyRing(hs256Secret string, fetch FetchFunc) *KeyRing {
	return &KeyRing{
		hmac:   []byte(hs256Secret),
		cached: make(map[string]cachedKey),
		fetch:  fetch,
		ttl:    time.Hour,
		now:    time.Now,
	}
}

// Key returns the verification key for the given algorithm and key id.
func (kr *KeyRing) Key(alg, kid string) (any, error) {
	if alg == "HS256" {
		if len(kr.hmac) == 0 {
			return nil, fmt.Errorf("no HS256 secret configured")
		}
		return kr.hmac, nil
	}

	cacheKey := alg + ":" + kid

	kr.mu.RLock()
	entry, ok := kr.cached[cacheKey]
	kr.mu.RUnlock()
	if ok && kr.now().Before(entry.expires) {
		return entry.key, nil
	}

	if kr.fetch == nil {
		return nil, fmt.Errorf("no signing key for alg %s kid %q", alg, kid)
	}
	key, err := kr.fetch(alg, kid)
	if err != nil {
		return nil, fmt.Errorf("fetch signing key %s/%s: %w", alg, kid, err)
	}

	kr.mu.Lock()
	kr.cached[cacheKey] = cachedKey{key: key, expires: kr.now().Add(kr.ttl)}
	kr.mu.Unlock()
	return key, nil
}
