package rule

import (
	"fmt"
	"strings"
)

// ScopeKind distinguishes the five rule groupings.
type ScopeKind int

const (
	ScopeGlobal ScopeKind = iota
	ScopeUser
	ScopeAPIKey
	ScopeEndpoint
	ScopeProvider
)

// Scope groups rules under one of the five scope kinds. Endpoint and
// provider scopes carry a name; a trailing '*' on the name matches by
// prefix.
type Scope struct {
	Kind ScopeKind
	Name string
}

func (s Scope) String() string {
	switch s.Kind {
	case ScopeGlobal:
		return "global"
	case ScopeUser:
		return "user"
	case ScopeAPIKey:
		return "api_key"
	case ScopeEndpoint:
		return "endpoint:" + s.Name
	case ScopeProvider:
		return "provider:" + s.Name
	}
	return fmt.Sprintf("scope(%d)", int(s.Kind))
}

// ParseScope parses the config form: "global", "user", "api_key",
// "endpoint:{name}" or "provider:{name}".
func ParseScope(s string) (Scope, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch {
	case s == "global":
		return Scope{Kind: ScopeGlobal}, nil
	case s == "user":
		return Scope{Kind: ScopeUser}, nil
	case s == "api_key":
		return Scope{Kind: ScopeAPIKey}, nil
	case strings.HasPrefix(s, "endpoint:"):
		name := strings.TrimPrefix(s, "endpoint:")
		if name == "" {
			return Scope{}, fmt.Errorf("rule: empty endpoint scope name")
		}
		return Scope{Kind: ScopeEndpoint, Name: name}, nil
	case strings.HasPrefix(s, "provider:"):
		name := strings.TrimPrefix(s, "provider:")
		if name == "" {
			return Scope{}, fmt.Errorf("rule: empty provider scope name")
		}
		return Scope{Kind: ScopeProvider, Name: name}, nil
	}
	return Scope{}, fmt.Errorf("rule: unknown scope %q", s)
}

// Hints carries the request attributes used for scope matching.
type Hints struct {
	IdentifierKind string // "user", "api_key", "ip", ...
	Endpoint       string
	Provider       string
	LimitType      LimitType // optional filter, empty = all types
}

// Matches reports whether rules in this scope apply to a request.
// Global always applies; user/api_key apply when the identifier is of that
// kind; endpoint/provider apply when the hint matches the scope name.
func (s Scope) Matches(h Hints) bool {
	switch s.Kind {
	case ScopeGlobal:
		return true
	case ScopeUser:
		return h.IdentifierKind == "user"
	case ScopeAPIKey:
		return h.IdentifierKind == "api_key"
	case ScopeEndpoint:
		return matchName(s.Name, h.Endpoint)
	case ScopeProvider:
		return matchName(s.Name, h.Provider)
	}
	return false
}

func matchName(pattern, value string) bool {
	if value == "" {
		return false
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(value, pattern[:len(pattern)-1])
	}
	return pattern == value
}
