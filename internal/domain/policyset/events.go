package policyset

import "github.com/Sentinel-Gate/policyledger/internal/domain/event"

// Created starts a set.
type Created struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Composition Composition `json:"composition"`
	MinPassing  int         `json:"min_passing,omitempty"`
	Strategy    Strategy    `json:"strategy"`
	// Status defaults to draft when empty.
	Status    Status `json:"status,omitempty"`
	CreatedBy string `json:"created_by"`
}

// PolicyAdded appends a member.
type PolicyAdded struct {
	PolicyID string `json:"policy_id"`
	AddedBy  string `json:"added_by"`
	// Status, when set, becomes the set status.
	Status Status `json:"status,omitempty"`
}

// PolicyRemoved drops a member.
type PolicyRemoved struct {
	PolicyID  string `json:"policy_id"`
	RemovedBy string `json:"removed_by"`
	Reason    string `json:"reason,omitempty"`
	// Status, when set, becomes the set status.
	Status Status `json:"status,omitempty"`
}

func (Created) EventType() event.Type       { return event.TypePolicySetCreated }
func (PolicyAdded) EventType() event.Type   { return event.TypePolicyAddedToSet }
func (PolicyRemoved) EventType() event.Type { return event.TypePolicyRemovedFromSet }

// RegisterEvents adds the set payloads to reg.
func RegisterEvents(reg *event.Registry) error {
	for _, f := range []event.Factory{
		func() event.Payload { return &Created{} },
		func() event.Payload { return &PolicyAdded{} },
		func() event.Payload { return &PolicyRemoved{} },
	} {
		if err := reg.Register(f); err != nil {
			return err
		}
	}
	return nil
}
