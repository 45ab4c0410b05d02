package identity

import (
	"errors"
	"net/http"
	"strings"

	"ipguard/internal/support"
)

// ErrUnresolvableIdentity is returned when no client address could be
// derived from a request. The request still proceeds as unknown.
var ErrUnresolvableIdentity = errors.New("client ip could not be resolved")

// ClientIdentity describes who sent a request. IP is in canonical form and
// empty when unknown.
type ClientIdentity struct {
	IP            string
	Authenticated bool
	Principal     string
}

func (c ClientIdentity) Unknown() bool {
	return c.IP == ""
}

// Authenticator reports the authenticated principal of a request, if any.
type Authenticator interface {
	Authenticate(r *http.Request) (principal string, ok bool)
}

type Resolver struct {
	smart SmartResolver
	auth  Authenticator
}

type Option func(*Resolver)

// WithSmartResolver replaces the header-inspecting resolver. Passing nil
// disables it so only X-Forwarded-For and the peer address are used.
func WithSmartResolver(s SmartResolver) Option {
	return func(r *Resolver) {
		r.smart = s
	}
}

func WithAuthenticator(a Authenticator) Option {
	return func(r *Resolver) {
		r.auth = a
	}
}

func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{smart: ProxyChainResolver{}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve derives the client identity of req. It never fails the request:
// when no address is found the identity is Unknown and
// ErrUnresolvableIdentity is returned for logging.
func (res *Resolver) Resolve(req *http.Request) (ClientIdentity, error) {
	var id ClientIdentity
	if res.auth != nil {
		id.Principal, id.Authenticated = res.auth.Authenticate(req)
		if id.Principal == "" {
			id.Authenticated = false
		}
	}

	id.IP = res.resolveIP(req)
	if id.IP == "" {
		return id, ErrUnresolvableIdentity
	}
	return id, nil
}

func (res *Resolver) resolveIP(req *http.Request) string {
	if res.smart != nil {
		if ip, _ := res.smart.ClientIP(req); ip != "" {
			return ip
		}
	}

	if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0])
		if ip := support.NormalizeIP(first); ip != "" {
			return ip
		}
	}

	return support.NormalizeIP(req.RemoteAddr)
}
