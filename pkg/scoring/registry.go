package scoring

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrUnknownProfile is returned by Registry.Get.
var ErrUnknownProfile = errors.New("unknown scoring profile")

// V2 is the current generation: eight-label ratings, 20..100 categories
// summed into 200..1000.
func V2() Profile {
	return Profile{
		Name:        "v2",
		Rating:      "step8",
		Prior:       6.0,
		Coefficient: 0.5,
		Scale:       10,
		CategoryMin: 20,
		CategoryMax: 100,
		Final:       CombineSum,
		FinalMin:    200,
		FinalMax:    1000,
		Grades:      tiers(1),
	}
}

// V1 is the first generation: integer ratings, 4..10 categories averaged
// and multiplied by ten into 40..100.
func V1() Profile {
	return Profile{
		Name:        "v1",
		Rating:      "int5",
		Prior:       7.0,
		Coefficient: 0.6,
		Scale:       1,
		CategoryMin: 4,
		CategoryMax: 10,
		Final:       CombineMean10,
		FinalMin:    40,
		FinalMax:    100,
		Grades:      tiers(10),
	}
}

// Registry holds the named profiles available to a run.
type Registry struct {
	profiles map[string]Profile
}

// NewRegistry returns a registry seeded with the built-in profiles.
func NewRegistry() *Registry {
	r := &Registry{profiles: make(map[string]Profile)}
	for _, p := range []Profile{V1(), V2()} {
		r.profiles[p.Name] = p
	}
	return r
}

// Register validates and adds p, replacing any profile with the same name.
func (r *Registry) Register(p Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	r.profiles[strings.ToLower(p.Name)] = p
	return nil
}

// Get resolves a profile by name. An empty name is an error: callers must
// always say which formula generation they mean.
func (r *Registry) Get(name string) (Profile, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return Profile{}, fmt.Errorf("%w: no profile selected", ErrUnknownProfile)
	}
	p, ok := r.profiles[key]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q (known: %s)", ErrUnknownProfile, name, strings.Join(r.Names(), ", "))
	}
	return p, nil
}

// Names returns the registered profile names, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.profiles))
	for name := range r.profiles {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

type profileFile struct {
	Profiles []Profile `yaml:"profiles"`
}

// LoadFile reads additional profiles from a YAML file of the form
//
//	profiles:
//	  - name: v2-strict
//	    rating: step8
//	    ...
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read profiles: %w", err)
	}
	return r.Load(data)
}

// Load parses YAML profile definitions and registers them. Nothing is
// registered unless every profile in data is valid.
func (r *Registry) Load(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f profileFile
	if err := dec.Decode(&f); err != nil {
		return fmt.Errorf("parse profiles: %w", err)
	}
	seen := make(map[string]bool, len(f.Profiles))
	for i, p := range f.Profiles {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("profile %d: %w", i, err)
		}
		key := strings.ToLower(p.Name)
		if seen[key] {
			return fmt.Errorf("%w: %q defined twice", ErrInvalidProfile, p.Name)
		}
		seen[key] = true
	}
	for _, p := range f.Profiles {
		r.profiles[strings.ToLower(p.Name)] = p
	}
	return nil
}
