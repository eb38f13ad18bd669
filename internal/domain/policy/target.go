package policy

// TargetKind is the scope dimension a policy applies to.
type TargetKind string

const (
	TargetGlobal       TargetKind = "global"
	TargetOrganization TargetKind = "organization"
	TargetUnit         TargetKind = "unit"
	TargetRole         TargetKind = "role"
	TargetResource     TargetKind = "resource"
	TargetOperation    TargetKind = "operation"
	TargetComposite    TargetKind = "composite"
)

// Target scopes a policy.
type Target struct {
	Kind  TargetKind `json:"kind" yaml:"kind" validate:"omitempty,oneof=global organization unit role resource operation composite"`
	Value string     `json:"value,omitempty" yaml:"value,omitempty"`
	// Targets are the members of a composite target.
	Targets []Target `json:"targets,omitempty" yaml:"targets,omitempty"`
}

// Global returns the target that covers everything.
func Global() Target { return Target{Kind: TargetGlobal} }

// Overlaps reports whether t and o can apply to a common subject. Global
// overlaps everything, composites overlap when any member does, and other
// kinds overlap when kind and value are equal.
func (t Target) Overlaps(o Target) bool {
	if t.Kind == TargetGlobal || o.Kind == TargetGlobal || t.Kind == "" || o.Kind == "" {
		return true
	}
	if t.Kind == TargetComposite {
		for _, m := range t.Targets {
			if m.Overlaps(o) {
				return true
			}
		}
		return false
	}
	if o.Kind == TargetComposite {
		return o.Overlaps(t)
	}
	return t.Kind == o.Kind && t.Value == o.Value
}

func (t Target) clone() Target {
	out := t
	if len(t.Targets) > 0 {
		out.Targets = make([]Target, len(t.Targets))
		for i, m := range t.Targets {
			out.Targets[i] = m.clone()
		}
	}
	return out
}
