// Package subjects provides a file-backed SubjectProvider. The catalog is a
// YAML document listing every subject the controller may analyse; it is read
// at startup and can be reloaded in place.
package subjects

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	regexp "github.com/wasilibs/go-re2"
	"gopkg.in/yaml.v3"

	domain "github.com/ahrav/analysis-armada/internal/domain/analysis"
)

var _ domain.SubjectProvider = (*Catalog)(nil)

// File is the on-disk catalog layout.
type File struct {
	Subjects []Entry `yaml:"subjects"`
}

// Entry describes one subject in the catalog file.
type Entry struct {
	ID                  string    `yaml:"id"`
	AccountID           string    `yaml:"account_id"`
	Kind                string    `yaml:"kind"`
	Method              string    `yaml:"method"`
	Demo                bool      `yaml:"demo,omitempty"`
	DeploymentStartTime time.Time `yaml:"deployment_start_time,omitempty"`
}

// Catalog serves subjects from a YAML file. Subjects whose id matches one of
// the demo patterns are reported as demo subjects even when the file does not
// say so.
type Catalog struct {
	path         string
	demoPatterns []*regexp.Regexp

	mu       sync.RWMutex
	subjects map[string]*domain.Subject
}

// NewCatalog compiles demoPatterns and loads the catalog at path.
func NewCatalog(path string, demoPatterns []string) (*Catalog, error) {
	compiled := make([]*regexp.Regexp, 0, len(demoPatterns))
	for _, p := range demoPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid demo pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}

	c := &Catalog{path: path, demoPatterns: compiled}
	if err := c.Reload(context.Background()); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the catalog file and swaps it in. On error the previous
// contents stay in place.
func (c *Catalog) Reload(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("failed to read subject catalog: %w", err)
	}

	subjects, err := c.parse(data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.subjects = subjects
	c.mu.Unlock()
	return nil
}

func (c *Catalog) parse(data []byte) (map[string]*domain.Subject, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse subject catalog: %w", err)
	}

	subjects := make(map[string]*domain.Subject, len(f.Subjects))
	var errs []error
	for i, e := range f.Subjects {
		s, err := c.toSubject(e)
		if err != nil {
			errs = append(errs, fmt.Errorf("subject %d (%q): %w", i, e.ID, err))
			continue
		}
		if _, dup := subjects[s.ID]; dup {
			errs = append(errs, fmt.Errorf("subject %d: duplicate id %q", i, s.ID))
			continue
		}
		subjects[s.ID] = s
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return subjects, nil
}

func (c *Catalog) toSubject(e Entry) (*domain.Subject, error) {
	if e.ID == "" {
		return nil, errors.New("id is required")
	}

	kind := domain.TaskKind(e.Kind)
	switch kind {
	case domain.TaskKindLiveMonitoring, domain.TaskKindDeployment, domain.TaskKindSLI, domain.TaskKindCompositeSLO:
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedSubjectKind, e.Kind)
	}

	method := domain.VerificationMethod(e.Method)
	switch method {
	case domain.VerificationMethodTimeSeries, domain.VerificationMethodLog:
	case "":
		if kind == domain.TaskKindLiveMonitoring || kind == domain.TaskKindDeployment {
			return nil, fmt.Errorf("method is required for %s subjects", kind)
		}
	default:
		return nil, fmt.Errorf("unknown verification method %q", e.Method)
	}

	return &domain.Subject{
		ID:                  e.ID,
		AccountID:           e.AccountID,
		Kind:                kind,
		Method:              method,
		Demo:                e.Demo || c.isDemo(e.ID),
		DeploymentStartTime: e.DeploymentStartTime,
	}, nil
}

func (c *Catalog) isDemo(id string) bool {
	for _, re := range c.demoPatterns {
		if re.MatchString(id) {
			return true
		}
	}
	return false
}

// GetSubject returns a copy of the subject or ErrSubjectNotFound.
func (c *Catalog) GetSubject(ctx context.Context, subjectID string) (*domain.Subject, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	s, ok := c.subjects[subjectID]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrSubjectNotFound, subjectID)
	}
	cp := *s
	return &cp, nil
}

// Len returns the number of subjects currently loaded.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subjects)
}
