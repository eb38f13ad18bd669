// Package saga implements long-running workflows as explicit transition
// tables. A step maps (state, trigger) to the next state and the commands
// to issue; pairs missing from the table are ignored.
package saga

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Sentinel-Gate/policyledger/internal/domain/command"
	"github.com/Sentinel-Gate/policyledger/internal/domain/event"
)

// State is a saga state.
type State string

// Trigger is what moves a saga: an event type, a deadline or an external signal.
type Trigger string

// TriggerDeadline fires when an instance's deadline has passed.
const TriggerDeadline Trigger = "deadline"

// OnEvent returns the trigger for an event type.
func OnEvent(t event.Type) Trigger { return Trigger(t) }

// Signal is one input to a saga instance.
type Signal struct {
	Trigger Trigger
	At      time.Time
	// Event is set for event-driven signals.
	Event *event.Event
	// Attrs carries data of external signals.
	Attrs map[string]string
}

// FromEvent wraps an event as a signal.
func FromEvent(e event.Event) Signal {
	return Signal{Trigger: OnEvent(e.Type), At: e.CreatedAt, Event: &e}
}

// Instance is the state of one saga run for one aggregate.
type Instance struct {
	Saga        string            `json:"saga"`
	AggregateID string            `json:"aggregate_id"`
	State       State             `json:"state"`
	Data        map[string]string `json:"data,omitempty"`
	Deadline    *time.Time        `json:"deadline,omitempty"`
	Steps       int               `json:"steps"`
	StartedAt   time.Time         `json:"started_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// SetDeadline schedules a TriggerDeadline for after t.
func (in *Instance) SetDeadline(t time.Time) {
	d := t.UTC()
	in.Deadline = &d
}

// ClearDeadline cancels a pending deadline.
func (in *Instance) ClearDeadline() { in.Deadline = nil }

// Due reports whether the deadline has passed at now.
func (in Instance) Due(now time.Time) bool {
	return in.Deadline != nil && now.After(*in.Deadline)
}

func (in Instance) clone() Instance {
	out := in
	out.Data = make(map[string]string, len(in.Data))
	for k, v := range in.Data {
		out.Data[k] = v
	}
	if in.Deadline != nil {
		d := *in.Deadline
		out.Deadline = &d
	}
	return out
}

// Guard selects among alternative transitions for one key.
type Guard func(in Instance, sig Signal) bool

// Effect updates the working copy of the instance and returns commands.
type Effect func(in *Instance, sig Signal) []command.Command

// Transition is one row of a saga table.
type Transition struct {
	Next State
	// Guard, when set, must hold for this row to be taken.
	Guard Guard
	// Weight is the relative likelihood of this row among the rows leaving
	// the same state. It does not influence execution.
	Weight float64
	Effect Effect
}

// Key addresses a table row.
type Key struct {
	From    State
	Trigger Trigger
}

// Definition is a saga's complete transition table.
type Definition struct {
	Name string
	// Aggregate is the aggregate type whose events drive the saga.
	Aggregate event.AggregateType
	Initial   State
	Final     []State
	Table     map[Key][]Transition
}

// ErrNoTransition is returned by Validate for malformed tables.
var ErrNoTransition = errors.New("saga has no transition")

// Validate checks that the table is well formed: the initial state has an
// exit, every row names a next state, final states have no exits.
func (d *Definition) Validate() error {
	if d.Name == "" || d.Initial == "" {
		return errors.New("saga name and initial state are required")
	}
	if len(d.Triggers(d.Initial)) == 0 {
		return fmt.Errorf("%s: initial state %q: %w", d.Name, d.Initial, ErrNoTransition)
	}
	for k, rows := range d.Table {
		if d.IsFinal(k.From) {
			return fmt.Errorf("%s: final state %q has outgoing transitions", d.Name, k.From)
		}
		for i, row := range rows {
			if row.Next == "" {
				return fmt.Errorf("%s: %s/%s row %d has no next state", d.Name, k.From, k.Trigger, i)
			}
			if row.Guard == nil && i != len(rows)-1 {
				return fmt.Errorf("%s: %s/%s row %d is unguarded but not last", d.Name, k.From, k.Trigger, i)
			}
		}
	}
	return nil
}

// IsFinal reports whether s is terminal.
func (d *Definition) IsFinal(s State) bool {
	for _, f := range d.Final {
		if f == s {
			return true
		}
	}
	return false
}

// Starts reports whether trig begins a new instance.
func (d *Definition) Starts(trig Trigger) bool {
	_, ok := d.Table[Key{From: d.Initial, Trigger: trig}]
	return ok
}

// Triggers returns the triggers accepted in s, sorted.
func (d *Definition) Triggers(s State) []Trigger {
	var out []Trigger
	for k := range d.Table {
		if k.From == s {
			out = append(out, k.Trigger)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Weights returns the normalised probability of each next state from s,
// the Markov view of the table.
func (d *Definition) Weights(s State) map[State]float64 {
	out := make(map[State]float64)
	total := 0.0
	for k, rows := range d.Table {
		if k.From != s {
			continue
		}
		for _, row := range rows {
			w := row.Weight
			if w <= 0 {
				w = 1
			}
			out[row.Next] += w
			total += w
		}
	}
	for st := range out {
		out[st] /= total
	}
	return out
}

// Start returns a fresh instance in the initial state.
func (d *Definition) Start(aggregateID string, at time.Time) Instance {
	return Instance{
		Saga:        d.Name,
		AggregateID: aggregateID,
		State:       d.Initial,
		Data:        map[string]string{},
		StartedAt:   at.UTC(),
		UpdatedAt:   at.UTC(),
	}
}

// Step applies sig to in. It returns the next instance, the commands to
// issue and whether a row matched. Unmatched signals leave in unchanged.
func (d *Definition) Step(in Instance, sig Signal) (Instance, []command.Command, bool) {
	rows, ok := d.Table[Key{From: in.State, Trigger: sig.Trigger}]
	if !ok {
		return in, nil, false
	}
	for _, row := range rows {
		if row.Guard != nil && !row.Guard(in, sig) {
			continue
		}
		next := in.clone()
		if sig.Trigger == TriggerDeadline {
			next.ClearDeadline()
		}
		var cmds []command.Command
		if row.Effect != nil {
			cmds = row.Effect(&next, sig)
		}
		next.State = row.Next
		next.Steps++
		if !sig.At.IsZero() {
			next.UpdatedAt = sig.At.UTC()
		}
		return next, cmds, true
	}
	return in, nil, false
}
