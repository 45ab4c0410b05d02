package pipeline

import (
	"context"
	"errors"
	"net/http"

	"github.com/charmbracelet/log"

	"ipguard/internal/identity"
)

type Outcome int

const (
	// Continue passes the request to the next stage.
	Continue Outcome = iota
	// Reject stops the request. Observers do not run.
	Reject
	// Throttle stops the request, but observers still see it.
	Throttle
)

func (o Outcome) String() string {
	switch o {
	case Reject:
		return "reject"
	case Throttle:
		return "throttle"
	default:
		return "continue"
	}
}

// Result is what a stage decided for a request. Respond writes the response
// for Reject and Throttle outcomes.
type Result struct {
	Outcome Outcome
	Reason  string
	Respond func(w http.ResponseWriter)
}

func Next() Result {
	return Result{Outcome: Continue}
}

type Stage interface {
	Name() string
	Evaluate(r *http.Request, id identity.ClientIdentity) Result
}

// Observer sees every request that was not rejected.
type Observer interface {
	Observe(r *http.Request, id identity.ClientIdentity)
}

type ObserverFunc func(r *http.Request, id identity.ClientIdentity)

func (f ObserverFunc) Observe(r *http.Request, id identity.ClientIdentity) {
	f(r, id)
}

type Runner struct {
	resolver  *identity.Resolver
	stages    []Stage
	observers []Observer
}

func NewRunner(resolver *identity.Resolver, stages []Stage, observers ...Observer) *Runner {
	if resolver == nil {
		resolver = identity.NewResolver()
	}
	return &Runner{
		resolver:  resolver,
		stages:    stages,
		observers: observers,
	}
}

// Wrap returns next guarded by the runner's stages.
func (p *Runner) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := p.resolver.Resolve(r)
		if err != nil && !errors.Is(err, identity.ErrUnresolvableIdentity) {
			log.Warn("identity resolution failed", "error", err)
		} else if err != nil {
			log.Debug("client ip unresolvable", "path", r.URL.Path, "remote", r.RemoteAddr)
		}

		r = r.WithContext(WithIdentity(r.Context(), id))

		for _, stage := range p.stages {
			result := stage.Evaluate(r, id)
			switch result.Outcome {
			case Continue:
				continue
			case Reject:
				log.Debug("request rejected", "stage", stage.Name(), "ip", id.IP, "reason", result.Reason)
				respond(w, result)
				return
			case Throttle:
				log.Debug("request throttled", "stage", stage.Name(), "ip", id.IP, "reason", result.Reason)
				respond(w, result)
				p.observe(r, id)
				return
			}
		}

		next.ServeHTTP(w, r)
		p.observe(r, id)
	})
}

func (p *Runner) observe(r *http.Request, id identity.ClientIdentity) {
	for _, observer := range p.observers {
		observer.Observe(r, id)
	}
}

func respond(w http.ResponseWriter, result Result) {
	if result.Respond != nil {
		result.Respond(w)
		return
	}
	http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
}

type identityKey struct{}

func WithIdentity(ctx context.Context, id identity.ClientIdentity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the identity resolved by the runner.
func IdentityFromContext(ctx context.Context) (identity.ClientIdentity, bool) {
	id, ok := ctx.Value(identityKey{}).(identity.ClientIdentity)
	return id, ok
}
