package template

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Sentinel-Gate/policyledger/internal/domain/command"
	"github.com/Sentinel-Gate/policyledger/internal/domain/policy"
	"github.com/Sentinel-Gate/policyledger/internal/domain/rule"
)

// Request names the policy a template instantiates into.
type Request struct {
	PolicyID string
	// Name and Description default to the template's.
	Name        string
	Description string
	CreatedBy   string
	Params      map[string]rule.Value
}

// Catalog is a registry of templates keyed by ID.
type Catalog struct {
	ev *rule.Evaluator

	mu        sync.RWMutex
	templates map[string]Template
}

// NewCatalog returns a catalog holding templates. Parameter validations
// run on ev; nil uses an evaluator without custom predicates.
func NewCatalog(ev *rule.Evaluator, templates ...Template) (*Catalog, error) {
	if ev == nil {
		ev = rule.NewEvaluator(nil)
	}
	c := &Catalog{ev: ev, templates: make(map[string]Template, len(templates))}
	for _, t := range templates {
		if err := c.Register(t); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Register adds t. IDs are unique. Defaults must have their parameter's
// type and pass its validation, and every placeholder must name a declared
// parameter.
func (c *Catalog) Register(t Template) error {
	if err := command.ValidateStruct(t); err != nil {
		return fmt.Errorf("template %s: %w", t.ID, err)
	}
	sample := make(map[string]rule.Value, len(t.Parameters))
	for _, p := range t.Parameters {
		if _, dup := sample[p.Name]; dup {
			return fmt.Errorf("template %s: parameter %q declared twice", t.ID, p.Name)
		}
		sample[p.Name] = p.zero()
		if p.Default.IsNull() {
			continue
		}
		v, err := c.check(p, p.Default)
		if err != nil {
			return fmt.Errorf("template %s: default: %w", t.ID, err)
		}
		sample[p.Name] = v
	}
	if _, _, err := t.bind(sample); err != nil {
		return fmt.Errorf("template %s: placeholder names an undeclared parameter: %w", t.ID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.templates[t.ID]; exists {
		return fmt.Errorf("template already registered: %s", t.ID)
	}
	c.templates[t.ID] = t
	return nil
}

// Get returns the template with id.
func (c *Catalog) Get(id string) (Template, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.templates[id]
	return t, ok
}

// List returns every template, sorted by ID.
func (c *Catalog) List() []Template {
	return c.filter(func(Template) bool { return true })
}

// ByCategory returns the templates in category, ignoring case.
func (c *Catalog) ByCategory(category string) []Template {
	return c.filter(func(t Template) bool { return strings.EqualFold(t.Category, category) })
}

// ByTag returns the templates carrying tag.
func (c *Catalog) ByTag(tag string) []Template {
	return c.filter(func(t Template) bool { return t.HasTag(tag) })
}

// Categories returns the distinct categories, sorted.
func (c *Catalog) Categories() []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range c.List() {
		if t.Category != "" && !seen[t.Category] {
			seen[t.Category] = true
			out = append(out, t.Category)
		}
	}
	sort.Strings(out)
	return out
}

func (c *Catalog) filter(keep func(Template) bool) []Template {
	c.mu.RLock()
	out := make([]Template, 0, len(c.templates))
	for _, t := range c.templates {
		if keep(t) {
			out = append(out, t)
		}
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ParseParams reads command-line values for the parameters of template id.
func (c *Catalog) ParseParams(id string, raw map[string]string) (map[string]rule.Value, error) {
	t, ok := c.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	out := make(map[string]rule.Value, len(raw))
	for name, s := range raw {
		p, ok := t.Parameter(name)
		if !ok {
			return nil, undeclared(t, name)
		}
		v, err := p.Parse(s)
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}

// Instantiate builds the CreatePolicy command for template id. Given values
// are type checked and validated; absent ones fall back to defaults. The
// command is validated, including every rule condition.
func (c *Catalog) Instantiate(id string, req Request) (policy.CreatePolicy, error) {
	t, ok := c.Get(id)
	if !ok {
		return policy.CreatePolicy{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	params, err := c.resolve(t, req.Params)
	if err != nil {
		return policy.CreatePolicy{}, fmt.Errorf("template %s: %w", id, err)
	}
	target, rules, err := t.bind(params)
	if err != nil {
		return policy.CreatePolicy{}, fmt.Errorf("template %s: %w", id, err)
	}

	cmd := policy.CreatePolicy{
		PolicyID:         req.PolicyID,
		Name:             req.Name,
		Description:      req.Description,
		Target:           target,
		EnforcementLevel: t.EnforcementLevel,
		RuleMode:         t.RuleMode,
		Rules:            rules,
		CreatedBy:        req.CreatedBy,
	}
	if cmd.Name == "" {
		cmd.Name = t.Name
	}
	if cmd.Description == "" {
		cmd.Description = t.Description
	}
	if err := command.Validate(cmd); err != nil {
		return policy.CreatePolicy{}, fmt.Errorf("template %s: %w", id, err)
	}
	for _, r := range rules {
		if err := r.Condition.Validate(); err != nil {
			return policy.CreatePolicy{}, fmt.Errorf("template %s: rule %s: %w", id, r.ID, err)
		}
	}
	return cmd, nil
}

// resolve merges given values with defaults.
func (c *Catalog) resolve(t Template, given map[string]rule.Value) (map[string]rule.Value, error) {
	for name := range given {
		if _, ok := t.Parameter(name); !ok {
			return nil, undeclared(t, name)
		}
	}
	out := make(map[string]rule.Value, len(t.Parameters))
	for _, p := range t.Parameters {
		v, ok := given[p.Name]
		switch {
		case ok:
			checked, err := c.check(p, v)
			if err != nil {
				return nil, err
			}
			v = checked
		case !p.Default.IsNull():
			v = p.Default
		case p.Required:
			return nil, &ParamError{Name: p.Name, Err: ErrMissingParameter}
		default:
			continue
		}
		out[p.Name] = v
	}
	return out, nil
}

// check coerces v to p's type and runs p's validation against it.
func (c *Catalog) check(p Parameter, v rule.Value) (rule.Value, error) {
	v, ok := p.Coerce(v)
	if !ok {
		return rule.Value{}, &ParamError{Name: p.Name, Err: fmt.Errorf("%w: want %s, got %s", ErrInvalidParameter, p.Type, v.Kind())}
	}
	if p.Validation == nil {
		return v, nil
	}
	pass, err := c.ev.Evaluate(*p.Validation, rule.NewContext(map[string]rule.Value{"value": v}))
	if err != nil {
		return rule.Value{}, &ParamError{Name: p.Name, Err: fmt.Errorf("%w: %v", ErrInvalidParameter, err)}
	}
	if !pass {
		return rule.Value{}, &ParamError{Name: p.Name, Err: fmt.Errorf("%w: %s fails %s", ErrInvalidParameter, v, p.Validation.Canonical())}
	}
	return v, nil
}

func undeclared(t Template, name string) error {
	return &ParamError{Name: name, Err: fmt.Errorf("%w: not declared by template %s", ErrInvalidParameter, t.ID)}
}
