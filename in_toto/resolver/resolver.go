// Package resolver implements in-toto's generic artifact URI resolution
// (ITE-4): turning a configured artifact rule or CLI path argument into a
// set of concrete, hashable artifacts, dispatched by URI scheme.
package resolver

import (
	"fmt"
	"strings"
)

// DefaultScheme is used for bare paths with no "scheme:" prefix.
const DefaultScheme = "file"

// Options carries the subset of in_toto.Config a resolver needs, duplicated
// here (rather than imported) so this package has no dependency on the
// parent in_toto package and can be imported by it without a cycle.
type Options struct {
	ExcludePatterns      []string
	FollowSymlinkDirs    bool
	NormalizeLineEndings bool
	LstripPaths          []string
}

/*
Resolver resolves a single configured URI (e.g. "." , "dir:build/",
"ostree:repo") into zero or more concrete artifact keys together with their
content hashes.
*/
type Resolver interface {
	// Scheme returns the URI scheme this resolver handles, e.g. "file".
	Scheme() string
	// Resolve walks/expands uri (with its scheme prefix already stripped) and
	// returns a key->hash-dict map for every artifact found.
	Resolve(uri string, opts Options) (map[string]map[string]string, error)
}

// Set is a registry of resolvers keyed by scheme, mirroring the Python
// library's RESOLVER_FOR_URI_SCHEME module-level dict, but instantiable so
// callers aren't forced to share global mutable state.
type Set struct {
	byScheme map[string]Resolver
}

// NewSet builds a Set pre-populated with the given resolvers.
func NewSet(resolvers ...Resolver) *Set {
	s := &Set{byScheme: make(map[string]Resolver)}
	for _, r := range resolvers {
		s.Register(r)
	}
	return s
}

// Register adds or replaces the resolver for its own Scheme().
func (s *Set) Register(r Resolver) {
	s.byScheme[r.Scheme()] = r
}

// SplitScheme splits "scheme:rest" at the first colon into ("scheme",
// "rest"), whether or not that scheme is registered, or returns
// (DefaultScheme, uri) if uri contains no colon.
func SplitScheme(uri string) (string, string) {
	scheme, rest, found := strings.Cut(uri, ":")
	if !found {
		return DefaultScheme, uri
	}
	return scheme, rest
}

/*
ResolveURI dispatches uri to the resolver registered for its scheme and
returns the resulting key->hash-dict map.
*/
func (s *Set) ResolveURI(uri string, opts Options) (map[string]map[string]string, error) {
	scheme, rest := SplitScheme(uri)
	r, ok := s.byScheme[scheme]
	if !ok {
		return nil, fmt.Errorf("no resolver registered for scheme '%s'", scheme)
	}
	return r.Resolve(rest, opts)
}

// ApplyLeftStrip strips the first matching prefix in lstripPaths from key,
// matching in_toto.resolver.file_resolver.apply_left_strip.
func ApplyLeftStrip(key string, lstripPaths []string) string {
	for _, prefix := range lstripPaths {
		if strings.HasPrefix(key, prefix) {
			return strings.TrimPrefix(key, prefix)
		}
	}
	return key
}
