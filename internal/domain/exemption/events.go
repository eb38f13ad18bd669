package exemption

import (
	"time"

	"github.com/Sentinel-Gate/policyledger/internal/domain/event"
	"github.com/Sentinel-Gate/policyledger/internal/domain/rule"
)

// Granted creates an exemption.
type Granted struct {
	PolicyID      string            `json:"policy_id"`
	Reason        string            `json:"reason"`
	Justification string            `json:"justification,omitempty"`
	ApprovedBy    string            `json:"approved_by"`
	RuleIDs       []string          `json:"rule_ids,omitempty"`
	Conditions    []rule.Expression `json:"conditions,omitempty"`
	ValidFrom     time.Time         `json:"valid_from"`
	ValidUntil    time.Time         `json:"valid_until"`
}

// Revoked withdraws an exemption early.
type Revoked struct {
	RevokedBy string `json:"revoked_by"`
	Reason    string `json:"reason"`
}

// Expired records that the validity window ended.
type Expired struct {
	ExpiredAt time.Time `json:"expired_at"`
}

func (Granted) EventType() event.Type { return event.TypeExemptionGranted }
func (Revoked) EventType() event.Type { return event.TypeExemptionRevoked }
func (Expired) EventType() event.Type { return event.TypeExemptionExpired }

// RegisterEvents adds the exemption payloads to reg.
func RegisterEvents(reg *event.Registry) error {
	for _, f := range []event.Factory{
		func() event.Payload { return &Granted{} },
		func() event.Payload { return &Revoked{} },
		func() event.Payload { return &Expired{} },
	} {
		if err := reg.Register(f); err != nil {
			return err
		}
	}
	return nil
}
