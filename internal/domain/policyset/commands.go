package policyset

import (
	"fmt"
	"time"

	"github.com/Sentinel-Gate/policyledger/internal/domain/command"
	"github.com/Sentinel-Gate/policyledger/internal/domain/event"
)

// Command types owned by the policy set aggregate.
const (
	CmdCreate       command.Type = "policyset.create"
	CmdAddPolicy    command.Type = "policyset.add"
	CmdRemovePolicy command.Type = "policyset.remove"
)

// CreatePolicySet creates a set.
type CreatePolicySet struct {
	SetID       string      `validate:"required"`
	Name        string      `validate:"required"`
	Description string
	Composition Composition `validate:"omitempty,oneof=all any majority at_least"`
	MinPassing  int         `validate:"min=0"`
	Strategy    Strategy    `validate:"omitempty,oneof=most_restrictive least_restrictive priority_order explicit"`
	Status      Status      `validate:"omitempty,oneof=draft active retired"`
	CreatedBy   string      `validate:"required"`
}

// AddPolicyToSet appends a member.
type AddPolicyToSet struct {
	SetID    string `validate:"required"`
	PolicyID string `validate:"required"`
	AddedBy  string `validate:"required"`
	Status   Status `validate:"omitempty,oneof=draft active retired"`
}

// RemovePolicyFromSet drops a member.
type RemovePolicyFromSet struct {
	SetID     string `validate:"required"`
	PolicyID  string `validate:"required"`
	RemovedBy string `validate:"required"`
	Reason    string
	Status    Status `validate:"omitempty,oneof=draft active retired"`
}

func (CreatePolicySet) CommandType() command.Type     { return CmdCreate }
func (AddPolicyToSet) CommandType() command.Type      { return CmdAddPolicy }
func (RemovePolicyFromSet) CommandType() command.Type { return CmdRemovePolicy }

func (c CreatePolicySet) AggregateID() string     { return c.SetID }
func (c AddPolicyToSet) AggregateID() string      { return c.SetID }
func (c RemovePolicyFromSet) AggregateID() string { return c.SetID }

// Decide turns a command into events against state s. Whether an added
// policy exists is checked by the caller, which holds the repository.
func Decide(s PolicySet, cmd command.Command, now time.Time) ([]event.Payload, error) {
	if err := command.Validate(cmd); err != nil {
		return nil, err
	}

	var out []event.Payload
	switch c := cmd.(type) {
	case CreatePolicySet:
		if s.Exists() {
			return nil, fmt.Errorf("policy set %s: %w", c.SetID, command.ErrAlreadyExists)
		}
		if c.Composition == CompositionAtLeast && c.MinPassing < 1 {
			return nil, fmt.Errorf("policy set %s: at_least composition needs min passing >= 1", c.SetID)
		}
		out = append(out, Created{
			Name:        c.Name,
			Description: c.Description,
			Composition: c.Composition,
			MinPassing:  c.MinPassing,
			Strategy:    c.Strategy,
			Status:      c.Status,
			CreatedBy:   c.CreatedBy,
		})
	case AddPolicyToSet:
		out = append(out, PolicyAdded{PolicyID: c.PolicyID, AddedBy: c.AddedBy, Status: c.Status})
	case RemovePolicyFromSet:
		out = append(out, PolicyRemoved{PolicyID: c.PolicyID, RemovedBy: c.RemovedBy, Reason: c.Reason, Status: c.Status})
	default:
		return nil, fmt.Errorf("%w: %s", command.ErrUnsupported, cmd.CommandType())
	}

	if _, creating := cmd.(CreatePolicySet); !creating && !s.Exists() {
		return nil, fmt.Errorf("policy set %s: %w", cmd.AggregateID(), command.ErrNotFound)
	}
	seq := s.Version
	for _, pl := range out {
		seq++
		var err error
		if s, err = Apply(s, event.New(cmd.AggregateID(), seq, now, pl)); err != nil {
			return nil, err
		}
	}
	return out, nil
}
