package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTokenCacheFetchesLazily(t *testing.T) {
	cache := NewTokenCache(discardLogger())

	var fetches int32
	cache.Register("p", func(ctx context.Context) (Token, error) {
		atomic.AddInt32(&fetches, 1)
		return Token{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour)}, nil
	})

	assert.False(t, cache.HasValidToken("p"))

	tok, err := cache.Get(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, "tok", tok.AccessToken)
	assert.True(t, cache.HasValidToken("p"))

	// Second call hits the cache.
	_, err = cache.Get(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fetches))
}

func TestTokenCacheSingleFlightUnderConcurrency(t *testing.T) {
	cache := NewTokenCache(discardLogger())

	var fetches int32
	cache.Register("p", func(ctx context.Context) (Token, error) {
		atomic.AddInt32(&fetches, 1)
		time.Sleep(50 * time.Millisecond)
		return Token{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour)}, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := cache.Get(context.Background(), "p")
			assert.NoError(t, err)
			assert.Equal(t, "tok", tok.AccessToken)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&fetches),
		"concurrent requests for an expired token must share one upstream fetch")
}

func TestTokenCacheClearForcesRefetch(t *testing.T) {
	cache := NewTokenCache(discardLogger())

	var fetches int32
	cache.Register("p", func(ctx context.Context) (Token, error) {
		n := atomic.AddInt32(&fetches, 1)
		return Token{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Duration(n) * time.Hour)}, nil
	})

	_, err := cache.Get(context.Background(), "p")
	require.NoError(t, err)

	cache.Clear("p")
	assert.False(t, cache.HasValidToken("p"))
	assert.True(t, cache.TokenExpiry("p").IsZero())

	_, err = cache.Get(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&fetches))
}

func TestTokenCacheExpiryMargin(t *testing.T) {
	cache := NewTokenCache(discardLogger())

	var fetches int32
	cache.Register("p", func(ctx context.Context) (Token, error) {
		atomic.AddInt32(&fetches, 1)
		// Expires inside the safety margin: never considered valid.
		return Token{AccessToken: "tok", ExpiresAt: time.Now().Add(30 * time.Second)}, nil
	})

	_, err := cache.Get(context.Background(), "p")
	require.NoError(t, err)
	assert.False(t, cache.HasValidToken("p"))

	_, err = cache.Get(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&fetches))
}

func TestTokenCacheFetchErrorNotCached(t *testing.T) {
	cache := NewTokenCache(discardLogger())

	fail := errors.New("credential flow down")
	var fetches int32
	cache.Register("p", func(ctx context.Context) (Token, error) {
		atomic.AddInt32(&fetches, 1)
		return Token{}, fail
	})

	_, err := cache.Get(context.Background(), "p")
	require.ErrorIs(t, err, fail)
	assert.False(t, cache.HasValidToken("p"))

	_, err = cache.Get(context.Background(), "p")
	require.Error(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&fetches))
}

func TestTokenCacheUnknownProvider(t *testing.T) {
	cache := NewTokenCache(discardLogger())

	_, err := cache.Get(context.Background(), "nope")
	var unknown *UnknownProviderError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "nope", unknown.Provider)
}
