package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"matchflow/internal/users"
)

// HTTPScorer asks an external compatibility service for a score.
type HTTPScorer struct {
	URL     string
	Headers map[string]string
	client  *http.Client
	limiter *rate.Limiter
}

type Request struct {
	UserID      string `json:"userId"`
	CandidateID string `json:"candidateId"`
	Country     string `json:"country"`
}

type Response struct {
	Score float64 `json:"score"`
	Error string  `json:"error,omitempty"`
}

func NewHTTPScorer(url string, timeout time.Duration) *HTTPScorer {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPScorer{URL: url, client: &http.Client{Timeout: timeout}}
}

// WithRateLimit caps outbound calls at perSecond with the given burst. A
// non-positive rate leaves calls unlimited.
func (h *HTTPScorer) WithRateLimit(perSecond float64, burst int) *HTTPScorer {
	if perSecond <= 0 {
		h.limiter = nil
		return h
	}
	if burst < 1 {
		burst = 1
	}
	h.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	return h
}

func (h *HTTPScorer) Score(ctx context.Context, user, candidate users.User) (float64, error) {
	if h.URL == "" {
		return 0, errors.New("scoring URL is required")
	}
	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return 0, errors.Wrap(err, "waiting for scoring rate limit")
		}
	}

	body, err := json.Marshal(Request{UserID: user.ID, CandidateID: candidate.ID, Country: string(user.Country)})
	if err != nil {
		return 0, errors.Wrap(err, "encode scoring request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return 0, errors.Wrap(err, "failed to create scoring request")
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range h.Headers {
		req.Header.Set(key, value)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, errors.Wrap(err, "scoring request failed")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, errors.Wrap(err, "failed to read scoring response")
	}

	if resp.StatusCode >= 400 {
		return 0, errors.Errorf("scoring HTTP %d error: %s", resp.StatusCode, string(respBody))
	}

	var out Response
	if err := json.Unmarshal(respBody, &out); err != nil {
		return 0, errors.Wrap(err, "invalid scoring response")
	}
	if out.Error != "" {
		return 0, errors.Errorf("scoring service: %s", out.Error)
	}
	return out.Score, nil
}
