package demux

import (
	"fmt"
	"mime"
	"net/url"
	"path"
	"slices"
	"strings"
	"sync"
)

// Plugin describes a Core implementation and how to recognise its content.
type Plugin struct {
	Name         string
	ContentTypes []string
	Extensions   []string // lower case, with leading dot
	// Sniff reports whether head looks like this format. It may be nil.
	Sniff func(head []byte) bool
	New   func(cfg CoreConfig) Core
}

// ProbeMethod records which step of content probing matched.
type ProbeMethod int

const (
	ProbeDeclared ProbeMethod = iota
	ProbeExtension
	ProbeSniff
)

func (m ProbeMethod) String() string {
	switch m {
	case ProbeDeclared:
		return "declared"
	case ProbeExtension:
		return "extension"
	case ProbeSniff:
		return "sniff"
	default:
		return "unknown"
	}
}

// ProbeHint carries what is known about a track before reading it.
type ProbeHint struct {
	ContentType string
	Path        string
}

// ProbeResult is the outcome of a successful Probe.
type ProbeResult struct {
	Plugin Plugin
	Method ProbeMethod
}

// Registry maps content types, file extensions and sniffers to plugins.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a plugin. Names must be unique.
func (r *Registry) Register(p Plugin) error {
	if p.Name == "" || p.New == nil {
		return fmt.Errorf("registering plugin: name and constructor are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.plugins {
		if existing.Name == p.Name {
			return fmt.Errorf("registering plugin: %q already registered", p.Name)
		}
	}
	r.plugins = append(r.plugins, p)
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(p Plugin) {
	if err := r.Register(p); err != nil {
		panic(err)
	}
}

// Lookup returns the plugin registered under name.
func (r *Registry) Lookup(name string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.plugins {
		if p.Name == name {
			return p, true
		}
	}
	return Plugin{}, false
}

// Names returns the registered plugin names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.plugins))
	for i, p := range r.plugins {
		names[i] = p.Name
	}
	return names
}

// Probe selects a plugin, preferring the declared content type, then the
// file extension, then content sniffing. Declared and extension matches are
// confirmed with the plugin's sniffer when head is non-empty.
func (r *Registry) Probe(hint ProbeHint, head []byte) (ProbeResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	confirm := func(p Plugin) bool {
		return p.Sniff == nil || len(head) == 0 || p.Sniff(head)
	}

	if ct := normalizeContentType(hint.ContentType); ct != "" {
		for _, p := range r.plugins {
			if slices.Contains(p.ContentTypes, ct) && confirm(p) {
				return ProbeResult{Plugin: p, Method: ProbeDeclared}, nil
			}
		}
	}

	if ext := Extension(hint.Path); ext != "" {
		for _, p := range r.plugins {
			if slices.Contains(p.Extensions, ext) && confirm(p) {
				return ProbeResult{Plugin: p, Method: ProbeExtension}, nil
			}
		}
	}

	if len(head) > 0 {
		for _, p := range r.plugins {
			if p.Sniff != nil && p.Sniff(head) {
				return ProbeResult{Plugin: p, Method: ProbeSniff}, nil
			}
		}
	}

	return ProbeResult{}, ErrUnsupportedFormat
}

func normalizeContentType(v string) string {
	if v == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(v)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(v))
	}
	return mt
}

// Extension returns the lower-cased extension of a path or URL, ignoring
// any query string.
func Extension(p string) string {
	if u, err := url.Parse(p); err == nil && u.Scheme != "" && len(u.Scheme) > 1 {
		p = u.Path
	} else if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	return strings.ToLower(path.Ext(p))
}
