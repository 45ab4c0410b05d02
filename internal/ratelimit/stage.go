package ratelimit

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/charmbracelet/log"

	"ipguard/internal/identity"
	"ipguard/internal/pipeline"
)

const throttledMessage = "Rate limit exceeded. Please try again later."

// Stage meters the endpoints listed in Table.
type Stage struct {
	Limiter *Limiter
	Table   *PolicyTable
}

func (Stage) Name() string {
	return "ratelimit"
}

func (s Stage) Evaluate(r *http.Request, id identity.ClientIdentity) pipeline.Result {
	endpoint, policy, ok := s.Table.Match(r.Method, r.URL.Path)
	if !ok {
		return pipeline.Next()
	}

	key := KeyFor(id)
	result, err := s.Limiter.CheckAndConsume(r.Context(), key, endpoint, policy.SpecFor(id))
	if err != nil && !errors.Is(err, ErrRateLimited) {
		log.Warn("Rate limiter failed open", "endpoint", endpoint, "key", key, "error", err)
	}
	if result.Allowed {
		return pipeline.Next()
	}

	retryAfter := RetryAfterSeconds(result.RetryAfter)
	return pipeline.Result{
		Outcome: pipeline.Throttle,
		Reason:  "rate limited",
		Respond: func(w http.ResponseWriter) {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":  "error",
				"message": throttledMessage,
			})
		},
	}
}
