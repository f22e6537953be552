// Package descriptor resolves logical remote scope names to concrete network
// locations. Resolution decouples where a remote is deployed from how it is
// requested, which is what makes independent per-team deployment possible.
package descriptor

import (
	"fmt"
	"net/url"
	"os"
	"strings"
)

// Environment selects the built-in location defaults.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
)

// Descriptor identifies one loadable remote unit.
type Descriptor struct {
	// Scope is the globally unique logical name of the remote.
	Scope string

	// EntryURL is the concrete location of the remote's entry artifact.
	EntryURL *url.URL

	// Member is the exposed member requested from the remote's container.
	Member string
}

// Entry is one row of the resolver table.
type Entry struct {
	Scope  string `yaml:"scope" json:"scope"`
	URL    string `yaml:"url,omitempty" json:"url,omitempty"`
	Member string `yaml:"member,omitempty" json:"member,omitempty"`

	// DevPort overrides the development default port for this scope.
	DevPort int `yaml:"devPort,omitempty" json:"devPort,omitempty"`
}

// Config holds resolver settings.
type Config struct {
	Environment Environment

	// CDNHost is the host used for production defaults
	// (https://<CDNHost>/<scope>/entry.js).
	CDNHost string

	// DevBasePort is the first port of the development default range.
	// Scopes without an explicit DevPort are assigned DevBasePort+index in
	// registration order.
	DevBasePort int

	// LookupEnv overrides environment lookup, for tests. Defaults to
	// os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

const (
	defaultMember      = "Plugin"
	defaultDevBasePort = 3001
)

// Resolver maps scope names to descriptors. It is a pure lookup table; all
// methods are side-effect free.
type Resolver struct {
	cfg     Config
	entries map[string]resolvedEntry
}

type resolvedEntry struct {
	Entry
	index int
}

// NewResolver builds a resolver from the given table. Duplicate scope names
// are rejected: scope names must be unique among concurrently registered
// remotes in one host process.
func NewResolver(cfg Config, entries []Entry) (*Resolver, error) {
	if cfg.Environment == "" {
		cfg.Environment = EnvDevelopment
	}
	if cfg.DevBasePort == 0 {
		cfg.DevBasePort = defaultDevBasePort
	}
	if cfg.LookupEnv == nil {
		cfg.LookupEnv = os.LookupEnv
	}

	table := make(map[string]resolvedEntry, len(entries))
	for i, e := range entries {
		if e.Scope == "" {
			return nil, fmt.Errorf("resolver entry %d: scope is required", i)
		}
		if _, dup := table[e.Scope]; dup {
			return nil, fmt.Errorf("duplicate remote scope %q", e.Scope)
		}
		if e.Member == "" {
			e.Member = defaultMember
		}
		table[e.Scope] = resolvedEntry{Entry: e, index: i}
	}

	return &Resolver{cfg: cfg, entries: table}, nil
}

// Scopes returns all registered scope names.
func (r *Resolver) Scopes() []string {
	scopes := make([]string, 0, len(r.entries))
	for s := range r.entries {
		scopes = append(scopes, s)
	}
	return scopes
}

// Resolve returns the descriptor for a scope name. Resolution order: the
// REMOTE_<SCOPE>_URL environment override, the configured table URL, then the
// environment default. An unregistered scope yields UnknownRemoteError.
func (r *Resolver) Resolve(scope string) (Descriptor, error) {
	entry, ok := r.entries[scope]
	if !ok {
		return Descriptor{}, &UnknownRemoteError{Scope: scope}
	}

	raw := entry.URL
	if override, ok := r.cfg.LookupEnv(OverrideKey(scope)); ok && override != "" {
		raw = override
	}
	if raw == "" {
		raw = r.defaultURL(entry)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Descriptor{}, fmt.Errorf("remote %q: invalid entry location %q: %w", scope, raw, err)
	}

	return Descriptor{Scope: scope, EntryURL: u, Member: entry.Member}, nil
}

func (r *Resolver) defaultURL(entry resolvedEntry) string {
	if r.cfg.Environment == EnvProduction && r.cfg.CDNHost != "" {
		return fmt.Sprintf("https://%s/%s/entry.js", r.cfg.CDNHost, entry.Scope)
	}
	port := entry.DevPort
	if port == 0 {
		port = r.cfg.DevBasePort + entry.index
	}
	return fmt.Sprintf("http://127.0.0.1:%d/entry.js", port)
}

// OverrideKey returns the environment variable consulted for a scope's
// location override: REMOTE_<SCOPE_NAME_UPPERCASE>_URL, with any character
// outside [A-Z0-9] mapped to underscore.
func OverrideKey(scope string) string {
	var b strings.Builder
	b.WriteString("REMOTE_")
	for _, c := range strings.ToUpper(scope) {
		if (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			b.WriteRune(c)
		} else {
			b.WriteByte('_')
		}
	}
	b.WriteString("_URL")
	return b.String()
}

// UnknownRemoteError indicates a scope name with no resolver entry. It is a
// configuration problem and is never retried.
type UnknownRemoteError struct {
	Scope string
}

// Error implements error.
func (e *UnknownRemoteError) Error() string {
	return fmt.Sprintf("unknown remote scope %q", e.Scope)
}
