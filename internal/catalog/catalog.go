// Package catalog holds the deployed process templates.
package catalog

import (
	"errors"
	"fmt"
	"sort"

	"ballotline/internal/domain"
	"ballotline/internal/selection"
)

var ErrTemplateNotFound = errors.New("template not found")

type Catalog struct {
	templates map[string]domain.Template
	pipelines map[string]map[string]selection.Pipeline
}

// New validates templates and compiles their selection pipelines.
func New(templates []domain.Template) (*Catalog, error) {
	c := &Catalog{
		templates: make(map[string]domain.Template, len(templates)),
		pipelines: make(map[string]map[string]selection.Pipeline, len(templates)),
	}
	for _, t := range templates {
		if t.ID == "" {
			return nil, errors.New("template id required")
		}
		if _, dup := c.templates[t.ID]; dup {
			return nil, fmt.Errorf("template %s defined twice", t.ID)
		}
		pipes := make(map[string]selection.Pipeline, len(t.Phases))
		for _, p := range t.Phases {
			if p.ID == "" {
				return nil, fmt.Errorf("template %s: phase id required", t.ID)
			}
			if _, dup := pipes[p.ID]; dup {
				return nil, fmt.Errorf("template %s: duplicate phase %s", t.ID, p.ID)
			}
			pipe, err := selection.Compile(p.Selection)
			if err != nil {
				return nil, fmt.Errorf("template %s phase %s: %w", t.ID, p.ID, err)
			}
			pipes[p.ID] = pipe
		}
		c.templates[t.ID] = t
		c.pipelines[t.ID] = pipes
	}
	return c, nil
}

// Get returns the template with id or ErrTemplateNotFound.
func (c *Catalog) Get(id string) (domain.Template, error) {
	t, ok := c.templates[id]
	if !ok {
		return domain.Template{}, fmt.Errorf("%w: %s", ErrTemplateNotFound, id)
	}
	return t, nil
}

// Pipeline returns the compiled selection for a phase. ok is false when the phase has no steps.
func (c *Catalog) Pipeline(templateID, phaseID string) (selection.Pipeline, bool) {
	p, ok := c.pipelines[templateID][phaseID]
	if !ok || p.Empty() {
		return selection.Pipeline{}, false
	}
	return p, true
}

func (c *Catalog) List() []domain.Template {
	out := make([]domain.Template, 0, len(c.templates))
	for _, t := range c.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
