package exemption

import (
	"errors"
	"testing"
	"time"

	"github.com/Sentinel-Gate/policyledger/internal/domain/command"
	"github.com/Sentinel-Gate/policyledger/internal/domain/event"
	"github.com/Sentinel-Gate/policyledger/internal/domain/rule"
)

var (
	from  = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	until = from.Add(30 * 24 * time.Hour)
)

func granted(t *testing.T, conds ...rule.Expression) Exemption {
	t.Helper()
	x, err := Apply(Exemption{}, event.New("ex-1", 1, from, Granted{
		PolicyID:   "pol-1",
		Reason:     "legacy system",
		ApprovedBy: "ciso",
		RuleIDs:    []string{"r1"},
		Conditions: conds,
		ValidFrom:  from,
		ValidUntil: until,
	}))
	if err != nil {
		t.Fatalf("Apply(Granted) error = %v", err)
	}
	return x
}

func TestApply_Transitions(t *testing.T) {
	t.Parallel()

	x := granted(t)
	if x.Status != StatusGranted || x.PolicyID != "pol-1" || x.Version != 1 {
		t.Fatalf("granted state = %+v", x)
	}

	revoked, err := Apply(x, event.New("ex-1", 2, from, Revoked{RevokedBy: "ciso", Reason: "fixed"}))
	if err != nil || revoked.Status != StatusRevoked {
		t.Fatalf("Apply(Revoked) = %q, %v", revoked.Status, err)
	}
	if _, err := Apply(revoked, event.New("ex-1", 3, from, Expired{ExpiredAt: until.Add(time.Hour)})); !errors.Is(err, event.ErrInvalidTransition) {
		t.Errorf("expire after revoke error = %v, want ErrInvalidTransition", err)
	}

	if _, err := Apply(x, event.New("ex-1", 2, from, Expired{ExpiredAt: until})); !errors.Is(err, event.ErrInvalidTransition) {
		t.Errorf("expire inside window error = %v, want ErrInvalidTransition", err)
	}
	expired, err := Apply(x, event.New("ex-1", 2, until, Expired{ExpiredAt: until.Add(time.Second)}))
	if err != nil || expired.Status != StatusExpired {
		t.Fatalf("Apply(Expired) = %q, %v", expired.Status, err)
	}
	if _, err := Apply(expired, event.New("ex-1", 3, from, Revoked{RevokedBy: "x", Reason: "y"})); !errors.Is(err, event.ErrInvalidTransition) {
		t.Errorf("revoke after expiry error = %v, want ErrInvalidTransition", err)
	}
}

func TestExemption_InEffect(t *testing.T) {
	t.Parallel()

	ev := rule.NewEvaluator(nil)
	x := granted(t, rule.Eq("env", rule.String("staging")))
	staging := rule.NewContext(map[string]rule.Value{"env": rule.String("staging")})
	prod := rule.NewContext(map[string]rule.Value{"env": rule.String("prod")})

	tests := []struct {
		name string
		ctx  rule.Context
		at   time.Time
		want bool
	}{
		{"inside window", staging, from.Add(time.Hour), true},
		{"at valid from", staging, from, true},
		{"at valid until", staging, until, true},
		{"before window", staging, from.Add(-time.Second), false},
		{"after window", staging, until.Add(time.Second), false},
		{"condition false", prod, from.Add(time.Hour), false},
	}
	for _, tt := range tests {
		got, err := x.InEffect(ev, tt.ctx, tt.at)
		if err != nil {
			t.Fatalf("%s: InEffect() error = %v", tt.name, err)
		}
		if got != tt.want {
			t.Errorf("%s: InEffect() = %v, want %v", tt.name, got, tt.want)
		}
	}

	if _, err := x.InEffect(ev, rule.NewContext(nil), from.Add(time.Hour)); !errors.Is(err, rule.ErrMissingField) {
		t.Errorf("InEffect() with missing field error = %v, want ErrMissingField", err)
	}
	if !x.Overdue(until.Add(time.Minute)) || x.Overdue(until) {
		t.Error("Overdue() boundary is wrong")
	}
}

func TestExemption_Covers(t *testing.T) {
	t.Parallel()

	x := granted(t)
	if !x.Covers([]string{"r1"}) {
		t.Error("Covers([r1]) = false, want true")
	}
	if x.Covers([]string{"r1", "r2"}) {
		t.Error("Covers([r1 r2]) = true, want false")
	}
	x.RuleIDs = nil
	if !x.Covers([]string{"anything"}) {
		t.Error("empty RuleIDs should cover every rule")
	}
}

func TestDecide(t *testing.T) {
	t.Parallel()

	grant := GrantExemption{
		ExemptionID: "ex-1",
		PolicyID:    "pol-1",
		Reason:      "legacy",
		ApprovedBy:  "ciso",
		ValidFrom:   from,
		ValidUntil:  until,
	}
	if _, err := Decide(Exemption{}, grant, from); err != nil {
		t.Fatalf("Decide(grant) error = %v", err)
	}

	backwards := grant
	backwards.ValidUntil = from.Add(-time.Hour)
	if _, err := Decide(Exemption{}, backwards, from); err == nil {
		t.Error("Decide(grant with inverted window) error = nil")
	}

	instant := grant
	instant.ValidUntil = instant.ValidFrom
	payloads, err := Decide(Exemption{}, instant, from)
	if err != nil || len(payloads) != 1 {
		t.Fatalf("Decide(grant with ValidFrom == ValidUntil) = %v, %v", payloads, err)
	}
	if g, ok := payloads[0].(Granted); !ok || !g.ValidUntil.Equal(from) {
		t.Errorf("granted payload = %#v, want window ending %v", payloads[0], from)
	}

	x := granted(t)
	if _, err := Decide(x, ExpireExemption{ExemptionID: "ex-1"}, until); !errors.Is(err, ErrNotYetExpired) {
		t.Errorf("Decide(expire early) error = %v, want ErrNotYetExpired", err)
	}
	payloads, err = Decide(x, ExpireExemption{ExemptionID: "ex-1"}, until.Add(time.Minute))
	if err != nil || len(payloads) != 1 {
		t.Fatalf("Decide(expire) = %v, %v", payloads, err)
	}
	if _, err := Decide(Exemption{}, RevokeExemption{ExemptionID: "nope", RevokedBy: "a", Reason: "b"}, from); !errors.Is(err, command.ErrNotFound) {
		t.Errorf("Decide(revoke missing) error = %v, want ErrNotFound", err)
	}
}
