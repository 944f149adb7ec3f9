package middleware

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ayo6706/arena-settlement/internal/cache"
	"go.uber.org/zap"
)

const cacheWriteTimeout = 2 * time.Second

// CacheKeyFunc derives the cache key for a request.
type CacheKeyFunc func(r *http.Request) string

// ResponseCache serves JSON GET responses from c. On a miss the handler runs,
// the response goes out immediately and a 200 body is written back in the
// background under the generation observed at lookup time. An unavailable
// cache is treated as a miss without write-back.
func ResponseCache(c *cache.ResponseCache, keyFn CacheKeyFunc, ttl time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFn(r)
			res := c.Lookup(r.Context(), key)
			if res.Status == cache.Hit {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("X-Cache", "HIT")
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write(res.Value)
				return
			}

			w.Header().Set("X-Cache", "MISS")
			rec := &bodyRecorder{statusRecorder: statusRecorder{ResponseWriter: w}}
			next.ServeHTTP(rec, r)

			if res.Status == cache.Unavailable || rec.Status() != http.StatusOK || rec.body.Len() == 0 {
				return
			}
			body := bytes.Clone(rec.body.Bytes())
			go func() {
				ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), cacheWriteTimeout)
				defer cancel()
				if err := c.Store(ctx, key, body, ttl, res.Generation); err != nil && !errors.Is(err, cache.ErrStale) {
					zap.L().Debug("cache write-back failed", zap.String("key", key), zap.Error(err))
				}
			}()
		})
	}
}

type bodyRecorder struct {
	statusRecorder
	body bytes.Buffer
}

func (br *bodyRecorder) Write(b []byte) (int, error) {
	n, err := br.statusRecorder.Write(b)
	br.body.Write(b[:n])
	return n, err
}
