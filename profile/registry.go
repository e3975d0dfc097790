package profile

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

//go:embed profiles/*.toml
var builtinFS embed.FS

// Registry maps profile names to profiles.
type Registry struct {
	profiles map[string]*Profile
}

func NewRegistry() *Registry {
	return &Registry{profiles: map[string]*Profile{}}
}

var (
	builtinOnce sync.Once
	builtin     *Registry
	builtinErr  error
)

// Builtin returns the registry of profiles shipped with the package.
// Callers must not add to it.
func Builtin() (*Registry, error) {
	builtinOnce.Do(func() {
		r := NewRegistry()
		entries, err := builtinFS.ReadDir("profiles")
		if err != nil {
			builtinErr = err
			return
		}
		for _, e := range entries {
			b, err := builtinFS.ReadFile("profiles/" + e.Name())
			if err != nil {
				builtinErr = err
				return
			}
			p, err := Decode(string(b))
			if err != nil {
				builtinErr = fmt.Errorf("%s: %w", e.Name(), err)
				return
			}
			if err := r.Add(p); err != nil {
				builtinErr = err
				return
			}
		}
		builtin = r
	})
	return builtin, builtinErr
}

// Add registers p. Names are unique.
func (r *Registry) Add(p *Profile) error {
	if _, ok := r.profiles[p.Name]; ok {
		return fmt.Errorf("%w: duplicate profile %q", ErrInvalid, p.Name)
	}
	r.profiles[p.Name] = p
	return nil
}

// LoadFile decodes one profile file.
func LoadFile(path string) (*Profile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p, err := Decode(string(b))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// LoadDir adds every *.toml profile found in dir.
func (r *Registry) LoadDir(dir string) error {
	paths, err := filepath.Glob(filepath.Join(dir, "*.toml"))
	if err != nil {
		return err
	}
	for _, path := range paths {
		p, err := LoadFile(path)
		if err != nil {
			return err
		}
		if err := r.Add(p); err != nil {
			return err
		}
	}
	return nil
}

// Merge returns a new registry holding the profiles of r and other.
func (r *Registry) Merge(other *Registry) (*Registry, error) {
	m := NewRegistry()
	for _, reg := range []*Registry{r, other} {
		if reg == nil {
			continue
		}
		for _, p := range reg.profiles {
			if err := m.Add(p); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (r *Registry) Lookup(name string) (*Profile, error) {
	p, ok := r.profiles[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknown, name)
	}
	return p, nil
}

// Names returns the registered names in order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.profiles))
	for name := range r.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
