package identity

import (
	"errors"
	"net"
	"net/http"
	"strings"
)

const (
	KindUser   = "user"
	KindAPIKey = "api_key"
	KindIP     = "ip"
)

// ErrNoIdentity is returned when nothing in the request identifies the
// client, not even a remote address.
var ErrNoIdentity = errors.New("identity: no client identity found")

// ClientKey is a normalized request identifier. Key ("kind:id") is the
// string all counters and policy assignments are keyed by.
type ClientKey struct {
	Kind string
	ID   string
	Key  string
}

// source is one place a request identity can come from.
type source struct {
	kind   string
	header string
	parse  func(string) string
}

// Resolver extracts a client identity from HTTP requests by walking an
// ordered source chain: authenticated user, then API key, then client IP
// (forwarded or remote).
type Resolver struct {
	chain []source
}

// Option overrides one of the default header names.
type Option func(*headerSet)

type headerSet struct {
	user, apiKey, ip string
}

func WithUserHeader(h string) Option {
	return func(s *headerSet) { s.user = h }
}

func WithAPIKeyHeader(h string) Option {
	return func(s *headerSet) { s.apiKey = h }
}

func WithIPHeader(h string) Option {
	return func(s *headerSet) { s.ip = h }
}

func NewResolver(opts ...Option) *Resolver {
	hs := headerSet{
		user:   "X-User-Id",
		apiKey: "X-API-Key",
		ip:     "X-Forwarded-For",
	}
	for _, opt := range opts {
		opt(&hs)
	}
	return &Resolver{chain: []source{
		{kind: KindUser, header: hs.user, parse: strings.TrimSpace},
		{kind: KindAPIKey, header: hs.apiKey, parse: strings.TrimSpace},
		{kind: KindIP, header: hs.ip, parse: firstForwardedHop},
	}}
}

// Resolve walks the source chain and falls back to the remote address.
func (r *Resolver) Resolve(req *http.Request) (ClientKey, error) {
	if req == nil {
		return ClientKey{}, errors.New("identity: nil request")
	}
	for _, src := range r.chain {
		if id := src.parse(req.Header.Get(src.header)); id != "" {
			return newKey(src.kind, id), nil
		}
	}
	if ip := remoteIP(req.RemoteAddr); ip != "" {
		return newKey(KindIP, ip), nil
	}
	return ClientKey{}, ErrNoIdentity
}

// Parse splits an explicit "kind:id" identifier back into a ClientKey.
// Bare identifiers and unknown kinds default to the user kind.
func Parse(identifier string) ClientKey {
	kind, id, found := strings.Cut(identifier, ":")
	if found {
		switch kind {
		case KindUser, KindAPIKey, KindIP:
			return newKey(kind, id)
		}
	}
	return newKey(KindUser, identifier)
}

func newKey(kind, id string) ClientKey {
	return ClientKey{Kind: kind, ID: id, Key: kind + ":" + id}
}

// firstForwardedHop takes the client end of an X-Forwarded-For list.
func firstForwardedHop(value string) string {
	first, _, _ := strings.Cut(value, ",")
	return strings.TrimSpace(first)
}

func remoteIP(addr string) string {
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return strings.TrimSpace(addr)
}
