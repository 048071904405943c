package catalog

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	domain "github.com/bryanwahyu/automaton-compliance/internal/domain/scans"
)

// File is the on-disk layout of the target catalog.
type File struct {
	Benchmarks  []BenchmarkEntry  `yaml:"benchmarks" validate:"dive"`
	Assignments []AssignmentEntry `yaml:"assignments" validate:"dive"`
}

type BenchmarkEntry struct {
	Name    string `yaml:"name" validate:"required"`
	Version string `yaml:"version"`
}

type AssignmentEntry struct {
	ID             string            `yaml:"id" validate:"required"`
	Tenant         string            `yaml:"tenant" validate:"required"`
	Target         string            `yaml:"target" validate:"required"`
	Benchmark      string            `yaml:"benchmark" validate:"required"`
	Active         bool              `yaml:"active"`
	ExpectedChecks int               `yaml:"expected_checks" validate:"gte=0"`
	Credentials    map[string]string `yaml:"credentials"`
}

// Catalog resolves assignments, benchmarks and credentials from a YAML file.
// Credential values may be literal, "env:NAME" or "file:/path".
type Catalog struct {
	path string

	mu          sync.RWMutex
	benchmarks  map[string]domain.Benchmark
	assignments map[string]AssignmentEntry // tenant/id
}

// Load baca file catalog
func Load(path string) (*Catalog, error) {
	c := &Catalog{path: path}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Parse builds a catalog from YAML bytes.
func Parse(data []byte) (*Catalog, error) {
	c := &Catalog{}
	if err := c.apply(data); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the file the catalog was loaded from.
func (c *Catalog) Reload() error {
	if c.path == "" {
		return nil
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("reading catalog: %w", err)
	}
	return c.apply(data)
}

func (c *Catalog) apply(data []byte) error {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parsing catalog: %w", err)
	}
	if err := validator.New().Struct(f); err != nil {
		return fmt.Errorf("validating catalog: %w", err)
	}

	benchmarks := make(map[string]domain.Benchmark, len(f.Benchmarks))
	for _, b := range f.Benchmarks {
		benchmarks[b.Name] = domain.Benchmark{Name: b.Name, Version: b.Version}
	}
	assignments := make(map[string]AssignmentEntry, len(f.Assignments))
	for _, a := range f.Assignments {
		k := key(a.Tenant, a.ID)
		if _, dup := assignments[k]; dup {
			return fmt.Errorf("duplicate assignment %s for tenant %s", a.ID, a.Tenant)
		}
		assignments[k] = a
	}

	c.mu.Lock()
	c.benchmarks = benchmarks
	c.assignments = assignments
	c.mu.Unlock()
	return nil
}

func (c *Catalog) ResolveAssignment(_ context.Context, tenant, assignmentID string) (domain.Assignment, error) {
	c.mu.RLock()
	a, ok := c.assignments[key(tenant, assignmentID)]
	c.mu.RUnlock()
	if !ok {
		return domain.Assignment{}, domain.NotFound("assignment", assignmentID)
	}
	return domain.Assignment{
		ID:             a.ID,
		TenantID:       a.Tenant,
		Target:         a.Target,
		Benchmark:      a.Benchmark,
		Active:         a.Active,
		ExpectedChecks: a.ExpectedChecks,
	}, nil
}

// ResolveBenchmark accepts any non-empty name when no benchmarks are declared.
func (c *Catalog) ResolveBenchmark(_ context.Context, name string) (domain.Benchmark, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Benchmark{}, domain.NotFound("benchmark", name)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.benchmarks) == 0 {
		return domain.Benchmark{Name: name}, nil
	}
	b, ok := c.benchmarks[name]
	if !ok {
		return domain.Benchmark{}, domain.NotFound("benchmark", name)
	}
	return b, nil
}

// Credentials resolves the bundle of tenant's assignment for target. When
// several assignments carry credentials for the same target the lowest id wins.
func (c *Catalog) Credentials(_ context.Context, tenant, target string) (domain.CredentialBundle, error) {
	c.mu.RLock()
	var entry *AssignmentEntry
	for _, a := range c.assignments {
		if a.Tenant != tenant || a.Target != target || len(a.Credentials) == 0 {
			continue
		}
		if entry == nil || a.ID < entry.ID {
			a := a
			entry = &a
		}
	}
	c.mu.RUnlock()
	if entry == nil {
		return nil, domain.NotFound("credentials for target", target)
	}

	out := make(domain.CredentialBundle, len(entry.Credentials))
	for k, v := range entry.Credentials {
		val, err := resolveValue(v)
		if err != nil {
			return nil, fmt.Errorf("credential %q of target %s: %w", k, target, err)
		}
		out[k] = val
	}
	return out, nil
}

func resolveValue(v string) (string, error) {
	switch {
	case strings.HasPrefix(v, "env:"):
		name := strings.TrimPrefix(v, "env:")
		val, ok := os.LookupEnv(name)
		if !ok || val == "" {
			return "", fmt.Errorf("environment variable %s is not set", name)
		}
		return val, nil
	case strings.HasPrefix(v, "file:"):
		b, err := os.ReadFile(strings.TrimPrefix(v, "file:"))
		if err != nil {
			return "", err
		}
		return strings.TrimRight(string(b), "\r\n"), nil
	}
	return v, nil
}

func key(tenant, id string) string { return tenant + "/" + id }
