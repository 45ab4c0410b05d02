package admission

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"

	"ipguard/internal/metrics"
)

const (
	DefaultLookupTimeout = 500 * time.Millisecond

	ReasonBlocked     = "blocked"
	ReasonUnavailable = "block list unavailable"

	BlockedMessage = "Your IP has been blocked."
)

var (
	// ErrBlocked is returned when the client address is on the block list.
	ErrBlocked = errors.New("ip is blocked")
	// ErrLookupFailed wraps block list lookup failures and timeouts.
	ErrLookupFailed = errors.New("block list lookup failed")
)

type BlockLookup interface {
	FindBlockedIP(ctx context.Context, ip string) (bool, error)
}

// Policy controls how the gate behaves when the block list cannot be read.
type Policy struct {
	FailOpen bool
	Timeout  time.Duration
}

type Decision struct {
	Allowed bool
	Reason  string
	// Status is the HTTP status to answer with when Allowed is false.
	Status int
}

func Allowed() Decision {
	return Decision{Allowed: true}
}

type Gate struct {
	store  BlockLookup
	policy func() Policy
}

type Option func(*Gate)

func WithPolicy(p Policy) Option {
	return func(g *Gate) {
		g.policy = func() Policy { return p }
	}
}

// WithPolicySource makes the gate read its policy on every lookup, so live
// configuration changes apply without a restart.
func WithPolicySource(source func() Policy) Option {
	return func(g *Gate) {
		if source != nil {
			g.policy = source
		}
	}
}

func NewGate(store BlockLookup, opts ...Option) *Gate {
	g := &Gate{
		store: store,
		policy: func() Policy {
			return Policy{FailOpen: true, Timeout: DefaultLookupTimeout}
		},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Admit checks ip against the block list. A blocked ip yields a rejected
// decision together with ErrBlocked. Lookup failures yield the decision of
// the configured policy together with an error wrapping ErrLookupFailed.
// An empty ip is never on the block list.
func (g *Gate) Admit(ctx context.Context, ip string) (Decision, error) {
	if ip == "" {
		metrics.AdmissionDecisions.WithLabelValues("allowed").Inc()
		return Allowed(), nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	policy := g.policy()
	timeout := policy.Timeout
	if timeout <= 0 {
		timeout = DefaultLookupTimeout
	}

	lookupCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	blocked, err := g.store.FindBlockedIP(lookupCtx, ip)
	if err != nil {
		metrics.AdmissionLookupErrors.Inc()
		lookupErr := fmt.Errorf("%w: %v", ErrLookupFailed, err)
		if policy.FailOpen {
			metrics.AdmissionDecisions.WithLabelValues("failed_open").Inc()
			return Allowed(), lookupErr
		}
		metrics.AdmissionDecisions.WithLabelValues("failed_closed").Inc()
		return Decision{Reason: ReasonUnavailable, Status: http.StatusServiceUnavailable}, lookupErr
	}

	if blocked {
		metrics.AdmissionDecisions.WithLabelValues("blocked").Inc()
		return Decision{Reason: ReasonBlocked, Status: http.StatusForbidden}, ErrBlocked
	}

	metrics.AdmissionDecisions.WithLabelValues("allowed").Inc()
	return Allowed(), nil
}

// logLookupFailure keeps request-path logs to one line per failure.
func logLookupFailure(ip string, err error, decision Decision) {
	log.Warn("Admission lookup failed", "ip", ip, "error", err, "allowed", decision.Allowed)
}
