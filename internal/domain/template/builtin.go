package template

import (
	"github.com/Sentinel-Gate/policyledger/internal/domain/policy"
	"github.com/Sentinel-Gate/policyledger/internal/domain/rule"
)

// Built-in template IDs.
const (
	PKICertificate       = "pki-certificate"
	RBACAuthorization    = "rbac-authorization"
	RegulatoryCompliance = "regulatory-compliance"
)

func ptr(e rule.Expression) *rule.Expression { return &e }

// Builtin returns the templates every catalog starts with.
func Builtin() []Template {
	return []Template{
		{
			ID:               PKICertificate,
			Name:             "PKI certificate policy",
			Description:      "Standard controls for certificate issuance",
			Category:         "pki",
			Tags:             []string{"pki", "certificate"},
			Target:           policy.Global(),
			EnforcementLevel: policy.EnforcementHard,
			Parameters: []Parameter{
				{
					Name: "min_key_size", Description: "Minimum key size in bits", Type: ParamInt,
					Default: rule.Int(2048), Validation: ptr(rule.Gte("value", rule.Int(1024))),
				},
				{
					Name: "max_validity_days", Description: "Maximum certificate validity in days", Type: ParamInt,
					Default: rule.Int(365), Validation: ptr(rule.Lte("value", rule.Int(825))),
				},
				{
					Name: "allowed_algorithms", Description: "Accepted key algorithms", Type: ParamStringList,
					Default: rule.Strings("RSA", "ECDSA"),
				},
			},
			Rules: []policy.Rule{
				{
					ID: "weak-key", Name: "Key too short", Effect: policy.EffectDeny, Severity: policy.SeverityHigh,
					Condition:   rule.Lt("key.bits", rule.String("${min_key_size}")),
					Message:     "key is shorter than ${min_key_size} bits",
					Remediation: "reissue with a key of at least ${min_key_size} bits",
				},
				{
					ID: "long-validity", Name: "Validity too long", Effect: policy.EffectDeny, Severity: policy.SeverityMedium,
					Condition: rule.Gt("cert.validity_days", rule.String("${max_validity_days}")),
					Message:   "certificate is valid for more than ${max_validity_days} days",
				},
				{
					ID: "algorithm", Name: "Algorithm not allowed", Effect: policy.EffectDeny, Severity: policy.SeverityHigh,
					Condition: rule.NotIn("key.algorithm", rule.String("${allowed_algorithms}")),
					Message:   "key algorithm must be one of ${allowed_algorithms}",
				},
			},
		},
		{
			ID:               RBACAuthorization,
			Name:             "Authorization policy",
			Description:      "Role based access control",
			Category:         "authorization",
			Tags:             []string{"authorization", "rbac"},
			Target:           policy.Global(),
			EnforcementLevel: policy.EnforcementHard,
			RuleMode:         policy.RuleModeAll,
			Parameters: []Parameter{
				{Name: "required_role", Description: "Role required for access", Type: ParamString, Required: true},
				{
					Name: "min_role_level", Description: "Minimum role level", Type: ParamInt,
					Default: rule.Int(1), Validation: ptr(rule.Gte("value", rule.Int(0))),
				},
			},
			Rules: []policy.Rule{
				{
					ID: "role", Name: "Required role", Effect: policy.EffectAllow, Severity: policy.SeverityHigh,
					Condition: rule.Eq("user.role", rule.String("${required_role}")),
					Message:   "access requires the ${required_role} role",
				},
				{
					ID: "role-level", Name: "Role level", Effect: policy.EffectAllow, Severity: policy.SeverityMedium,
					Condition: rule.Gte("user.role_level", rule.String("${min_role_level}")),
					Message:   "access requires role level ${min_role_level} or higher",
				},
			},
		},
		{
			ID:               RegulatoryCompliance,
			Name:             "Compliance policy",
			Description:      "Regulatory audit requirements",
			Category:         "compliance",
			Tags:             []string{"compliance", "audit"},
			Target:           policy.Global(),
			EnforcementLevel: policy.EnforcementSoft,
			Parameters: []Parameter{
				{Name: "compliance_standard", Description: "Standard such as PCI-DSS or HIPAA", Type: ParamString, Required: true},
				{
					Name: "audit_frequency_days", Description: "Maximum days between audits", Type: ParamInt,
					Default: rule.Int(90), Validation: ptr(rule.Gt("value", rule.Int(0))),
				},
			},
			Rules: []policy.Rule{
				{
					ID: "standard-declared", Name: "Standard declared", Effect: policy.EffectAllow, Severity: policy.SeverityMedium,
					Condition: rule.Contains("resource.standards", rule.String("${compliance_standard}")),
					Message:   "resource does not declare ${compliance_standard}",
				},
				{
					ID: "stale-audit", Name: "Audit overdue", Effect: policy.EffectDeny, Severity: policy.SeverityHigh,
					Condition:   rule.Gt("audit.days_since_last", rule.String("${audit_frequency_days}")),
					Message:     "last ${compliance_standard} audit is older than ${audit_frequency_days} days",
					Remediation: "schedule a ${compliance_standard} audit",
				},
			},
		},
	}
}
