package dispatch

import (
	"context"
	"net/url"
	"strings"
)

// Target is an addressable execution context, typically a browser tab.
type Target struct {
	ID    string `json:"id"`
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`

	// Eligible is derived from the URL scheme; privileged pages can never
	// host a handler.
	Eligible bool `json:"eligible"`

	// Isolated marks targets whose handler sits behind an extra isolation
	// hop and must be reached through a relay.
	Isolated bool `json:"isolated,omitempty"`
}

// Directory enumerates candidate targets.
type Directory interface {
	Targets(ctx context.Context) ([]Target, error)
}

// DirectoryFunc adapts a function to Directory.
type DirectoryFunc func(ctx context.Context) ([]Target, error)

// Targets calls f.
func (f DirectoryFunc) Targets(ctx context.Context) ([]Target, error) {
	return f(ctx)
}

// webSchemes are the conventional web addresses a handler can be injected into.
var webSchemes = map[string]bool{
	"http":  true,
	"https": true,
}

// IsInjectable reports whether rawURL uses a scheme that can host an
// injected handler. Extra schemes (e.g. "file") can be allowed by the caller.
func IsInjectable(rawURL string, extraSchemes ...string) bool {
	if rawURL == "" {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	if webSchemes[scheme] {
		return u.Host != ""
	}
	for _, s := range extraSchemes {
		if strings.EqualFold(strings.TrimSuffix(s, ":"), scheme) {
			return true
		}
	}
	return false
}

// Predicate selects targets for a broadcast.
type Predicate func(Target) bool

// Eligible selects targets whose address can host a handler.
func Eligible(t Target) bool { return t.Eligible }

// WebOnly selects eligible targets with an http or https address.
func WebOnly(t Target) bool {
	if !t.Eligible {
		return false
	}
	u, err := url.Parse(t.URL)
	if err != nil {
		return false
	}
	return webSchemes[strings.ToLower(u.Scheme)]
}

// All combines predicates; a target must satisfy every one.
func All(preds ...Predicate) Predicate {
	return func(t Target) bool {
		for _, p := range preds {
			if p != nil && !p(t) {
				return false
			}
		}
		return true
	}
}

// WithID selects a single target by identifier.
func WithID(id string) Predicate {
	return func(t Target) bool { return t.ID == id }
}
