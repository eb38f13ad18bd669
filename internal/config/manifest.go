package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/Sentinel-Gate/policyledger/internal/domain/command"
	"github.com/Sentinel-Gate/policyledger/internal/domain/exemption"
	"github.com/Sentinel-Gate/policyledger/internal/domain/policy"
	"github.com/Sentinel-Gate/policyledger/internal/domain/policyset"
	"github.com/Sentinel-Gate/policyledger/internal/domain/rule"
	"github.com/Sentinel-Gate/policyledger/internal/domain/template"
)

// Manifest declares policies, policy sets and exemptions to create.
// Policies may also be instantiated from templates, built in or declared
// under templates.
//
//	actor: alice
//	policies:
//	  - id: pol-mfa
//	    name: Require MFA
//	    enforcement_level: hard
//	    target: {kind: role, value: admin}
//	    rules:
//	      - id: r1
//	        effect: deny
//	        severity: high
//	        condition: {op: eq, field: mfa, value: false}
//	from_templates:
//	  - template: pki-certificate
//	    id: pol-pki
//	    params: {min_key_size: 4096}
type Manifest struct {
	// Actor is recorded as the creator of everything in the manifest.
	Actor         string              `yaml:"actor"`
	Templates     []template.Template `yaml:"templates" validate:"dive"`
	Policies      []PolicyManifest    `yaml:"policies" validate:"dive"`
	FromTemplates []InstanceManifest  `yaml:"from_templates" validate:"dive"`
	Sets          []SetManifest       `yaml:"sets" validate:"dive"`
	Exemptions    []ExemptionManifest `yaml:"exemptions" validate:"dive"`
}

// PolicyManifest is one policy entry.
type PolicyManifest struct {
	ID               string                  `yaml:"id" validate:"required"`
	Name             string                  `yaml:"name" validate:"required"`
	Description      string                  `yaml:"description"`
	Target           policy.Target           `yaml:"target"`
	EnforcementLevel policy.EnforcementLevel `yaml:"enforcement_level" validate:"required"`
	RuleMode         policy.RuleMode         `yaml:"rule_mode"`
	Rules            []policy.Rule           `yaml:"rules"`
}

// InstanceManifest creates a policy from a template. Name and description
// default to the template's.
type InstanceManifest struct {
	Template    string                `yaml:"template" validate:"required"`
	ID          string                `yaml:"id" validate:"required"`
	Name        string                `yaml:"name"`
	Description string                `yaml:"description"`
	Params      map[string]rule.Value `yaml:"params"`
}

// SetManifest is one policy set entry. Members are added in order.
type SetManifest struct {
	ID          string                `yaml:"id" validate:"required"`
	Name        string                `yaml:"name" validate:"required"`
	Description string                `yaml:"description"`
	Composition policyset.Composition `yaml:"composition"`
	MinPassing  int                   `yaml:"min_passing"`
	Strategy    policyset.Strategy    `yaml:"strategy"`
	Members     []string              `yaml:"members" validate:"dive,required"`
}

// ExemptionManifest is one exemption entry. Times are RFC 3339.
type ExemptionManifest struct {
	ID            string            `yaml:"id" validate:"required"`
	PolicyID      string            `yaml:"policy_id" validate:"required"`
	Reason        string            `yaml:"reason" validate:"required"`
	Justification string            `yaml:"justification"`
	ApprovedBy    string            `yaml:"approved_by"`
	RuleIDs       []string          `yaml:"rule_ids"`
	Conditions    []rule.Expression `yaml:"conditions"`
	ValidFrom     time.Time         `yaml:"valid_from" validate:"required"`
	ValidUntil    time.Time         `yaml:"valid_until" validate:"required"`
}

// LoadManifest reads and validates a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is operator-supplied
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// ParseManifest decodes a manifest. Unknown keys are rejected. Several
// YAML documents in one stream are merged in order.
func ParseManifest(data []byte) (*Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var out Manifest
	for {
		var doc Manifest
		if err := dec.Decode(&doc); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("decode manifest: %w", err)
		}
		if doc.Actor != "" {
			out.Actor = doc.Actor
		}
		out.Templates = append(out.Templates, doc.Templates...)
		out.Policies = append(out.Policies, doc.Policies...)
		out.FromTemplates = append(out.FromTemplates, doc.FromTemplates...)
		out.Sets = append(out.Sets, doc.Sets...)
		out.Exemptions = append(out.Exemptions, doc.Exemptions...)
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return &out, nil
}

// Validate checks required fields, duplicate ids and that every rule
// condition is well formed.
func (m *Manifest) Validate() error {
	v := validator.New()
	if err := v.Struct(m); err != nil {
		return formatValidationErrors(err)
	}
	seen := make(map[string]string)
	claim := func(kind, id string) error {
		if prev, ok := seen[id]; ok {
			return fmt.Errorf("duplicate id %q (%s and %s)", id, prev, kind)
		}
		seen[id] = kind
		return nil
	}
	for _, p := range m.Policies {
		if err := claim("policy", p.ID); err != nil {
			return err
		}
		for _, r := range p.Rules {
			if err := r.Condition.Validate(); err != nil {
				return fmt.Errorf("policy %s rule %s: %w", p.ID, r.ID, err)
			}
		}
	}
	for _, inst := range m.FromTemplates {
		if err := claim("policy", inst.ID); err != nil {
			return err
		}
	}
	for _, s := range m.Sets {
		if err := claim("set", s.ID); err != nil {
			return err
		}
	}
	for _, x := range m.Exemptions {
		if err := claim("exemption", x.ID); err != nil {
			return err
		}
		if x.ValidUntil.Before(x.ValidFrom) {
			return fmt.Errorf("exemption %s: valid_until must not precede valid_from", x.ID)
		}
	}
	return nil
}

// RegisterTemplates adds the manifest's templates to c.
func (m *Manifest) RegisterTemplates(c *template.Catalog) error {
	for _, t := range m.Templates {
		if err := c.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// Commands converts the manifest to commands in dependency order:
// policies, then template instances, then sets and their members, then
// exemptions. actor is used when the manifest names none. Instances are
// resolved against templates, which may be nil when there are none.
func (m *Manifest) Commands(actor string, templates *template.Catalog) ([]command.Command, error) {
	if m.Actor != "" {
		actor = m.Actor
	}
	var cmds []command.Command
	for _, p := range m.Policies {
		cmds = append(cmds, policy.CreatePolicy{
			PolicyID:         p.ID,
			Name:             p.Name,
			Description:      p.Description,
			Target:           p.Target,
			EnforcementLevel: p.EnforcementLevel,
			RuleMode:         p.RuleMode,
			Rules:            p.Rules,
			CreatedBy:        actor,
		})
	}
	if len(m.FromTemplates) > 0 && templates == nil {
		return nil, errors.New("from_templates needs a template catalog")
	}
	for _, inst := range m.FromTemplates {
		create, err := templates.Instantiate(inst.Template, template.Request{
			PolicyID:    inst.ID,
			Name:        inst.Name,
			Description: inst.Description,
			CreatedBy:   actor,
			Params:      inst.Params,
		})
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", inst.ID, err)
		}
		cmds = append(cmds, create)
	}
	for _, s := range m.Sets {
		cmds = append(cmds, policyset.CreatePolicySet{
			SetID:       s.ID,
			Name:        s.Name,
			Description: s.Description,
			Composition: s.Composition,
			MinPassing:  s.MinPassing,
			Strategy:    s.Strategy,
			CreatedBy:   actor,
		})
		for _, id := range s.Members {
			cmds = append(cmds, policyset.AddPolicyToSet{SetID: s.ID, PolicyID: id, AddedBy: actor})
		}
	}
	for _, x := range m.Exemptions {
		approvedBy := x.ApprovedBy
		if approvedBy == "" {
			approvedBy = actor
		}
		cmds = append(cmds, exemption.GrantExemption{
			ExemptionID:   x.ID,
			PolicyID:      x.PolicyID,
			Reason:        x.Reason,
			Justification: x.Justification,
			ApprovedBy:    approvedBy,
			RuleIDs:       x.RuleIDs,
			Conditions:    x.Conditions,
			ValidFrom:     x.ValidFrom,
			ValidUntil:    x.ValidUntil,
		})
	}
	return cmds, nil
}
