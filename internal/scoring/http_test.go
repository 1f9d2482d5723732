package scoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matchflow/internal/domain"
	"matchflow/internal/users"
)

func TestHTTPScorer_ReturnsScore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "u1", req.UserID)
		assert.Equal(t, "u2", req.CandidateID)
		assert.Equal(t, "KR", req.Country)
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		_ = json.NewEncoder(w).Encode(Response{Score: 0.82})
	}))
	defer srv.Close()

	s := NewHTTPScorer(srv.URL, time.Second)
	s.Headers = map[string]string{"X-Api-Key": "secret"}

	score, err := s.Score(context.Background(), users.User{ID: "u1", Country: domain.CountryKR}, users.User{ID: "u2"})
	require.NoError(t, err)
	assert.InDelta(t, 0.82, score, 1e-9)
}

func TestHTTPScorer_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTPScorer(srv.URL, time.Second).Score(context.Background(), users.User{ID: "u1"}, users.User{ID: "u2"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 503")
}

func TestHTTPScorer_RequiresURL(t *testing.T) {
	_, err := NewHTTPScorer("", 0).Score(context.Background(), users.User{}, users.User{})
	assert.Error(t, err)
}

func TestHTTPScorer_RateLimited(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(Response{Score: 0.5})
	}))
	defer srv.Close()

	s := NewHTTPScorer(srv.URL, time.Second).WithRateLimit(10, 1)
	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := s.Score(context.Background(), users.User{ID: "u1"}, users.User{ID: "u2"})
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 180*time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPScorer_RateLimitHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Response{Score: 0.5})
	}))
	defer srv.Close()

	s := NewHTTPScorer(srv.URL, time.Second).WithRateLimit(0.1, 1)
	_, err := s.Score(context.Background(), users.User{ID: "u1"}, users.User{ID: "u2"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = s.Score(ctx, users.User{ID: "u1"}, users.User{ID: "u2"})
	assert.ErrorContains(t, err, "rate limit")
}

func TestHTTPScorer_WrapsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := srv.URL
	srv.Close()

	_, err := NewHTTPScorer(addr, time.Second).Score(context.Background(), users.User{ID: "u1"}, users.User{ID: "u2"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scoring request failed")
	var uerr *url.Error
	assert.True(t, errors.As(errors.Cause(err), &uerr))
}
