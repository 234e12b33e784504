package capability

import (
	"errors"
	"testing"
)

func desc(id string, opts ...func(*Descriptor)) *Descriptor {
	d := &Descriptor{
		ID:        id,
		Name:      id,
		Kind:      KindAtomic,
		Execution: Execution{Substrate: SubstrateSymbolic, Entrypoint: id},
		Status:    Status{Enabled: true, Mutable: true},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func withAliases(aliases ...string) func(*Descriptor) {
	return func(d *Descriptor) {
		d.Invocation.Modes = append(d.Invocation.Modes, ModeCommand)
		d.Invocation.CommandAliases = aliases
	}
}

func withTriggers(triggers ...string) func(*Descriptor) {
	return func(d *Descriptor) {
		d.Invocation.Modes = append(d.Invocation.Modes, ModeMessage)
		d.Invocation.MessageTriggers = triggers
	}
}

func TestRegisterDuplicateID(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(desc("cmd.version")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	err := r.Register(desc("cmd.version"))
	if !errors.Is(err, ErrDuplicateID) {
		t.Errorf("expected ErrDuplicateID, got %v", err)
	}
}

func TestRegisterDuplicateAliasCaseInsensitive(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(desc("cmd.help", withAliases("/help"))); err != nil {
		t.Fatal(err)
	}
	err := r.Register(desc("cmd.help2", withAliases("/HELP")))
	if !errors.Is(err, ErrDuplicateAlias) {
		t.Errorf("expected ErrDuplicateAlias, got %v", err)
	}
}

func TestResolveAliasNormalizes(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(desc("cmd.help", withAliases("/help", "/h"))); err != nil {
		t.Fatal(err)
	}
	for _, alias := range []string{"/help", "help", "HELP", " /h "} {
		id, ok := r.ResolveAlias(alias)
		if !ok || id != "cmd.help" {
			t.Errorf("ResolveAlias(%q) = %q, %v", alias, id, ok)
		}
	}
}

func TestUpdateImmutableRejected(t *testing.T) {
	r := NewRegistry()
	d := desc("boot.core")
	d.Status.Mutable = false
	if err := r.Register(d); err != nil {
		t.Fatal(err)
	}
	err := r.Update("boot.core", func(d *Descriptor) { d.Name = "changed" })
	if !errors.Is(err, ErrMutableViolation) {
		t.Errorf("expected ErrMutableViolation, got %v", err)
	}

	// Disabling is operational, not a descriptor mutation.
	if err := r.SetEnabled("boot.core", false); err != nil {
		t.Errorf("SetEnabled() error = %v", err)
	}
}

func TestUpdateNotFound(t *testing.T) {
	r := NewRegistry()
	err := r.Update("nope", func(*Descriptor) {})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestHookCycleRejected(t *testing.T) {
	r := NewRegistry()
	a := desc("hook.a")
	a.Hooks.PreInvoke = []string{"hook.b"}
	if err := r.Register(a); err != nil {
		t.Fatal(err)
	}

	b := desc("hook.b")
	b.Hooks.PreInvoke = []string{"hook.a"}
	err := r.Register(b)
	if !errors.Is(err, ErrHookCycle) {
		t.Errorf("expected ErrHookCycle, got %v", err)
	}
}

func TestSelfHookCycleRejected(t *testing.T) {
	r := NewRegistry()
	d := desc("hook.self")
	d.Hooks.PostInvoke = []string{"hook.self"}
	err := r.Register(d)
	if !errors.Is(err, ErrHookCycle) {
		t.Errorf("expected ErrHookCycle, got %v", err)
	}
}

func TestDependencyCycleRejected(t *testing.T) {
	r := NewRegistry()
	a := desc("cap.a")
	a.Dependencies = []string{"cap.b"}
	if err := r.Register(a); err != nil {
		t.Fatal(err)
	}
	b := desc("cap.b")
	b.Dependencies = []string{"cap.a"}
	if err := r.Register(b); !errors.Is(err, ErrHookCycle) {
		t.Errorf("expected ErrHookCycle for dependency cycle, got %v", err)
	}
}

func TestQueryByKindSubstrateMode(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(desc("cmd.version", withAliases("/version"))); err != nil {
		t.Fatal(err)
	}
	skill := desc("skill.report", withTriggers("quarterly report"))
	skill.Kind = KindComposite
	skill.Execution.Substrate = SubstrateLLM
	if err := r.Register(skill); err != nil {
		t.Fatal(err)
	}

	if got := r.Query(Filter{Kind: KindComposite}); len(got) != 1 || got[0].ID != "skill.report" {
		t.Errorf("Query(kind=composite) = %v", got)
	}
	if got := r.Query(Filter{Substrate: SubstrateSymbolic}); len(got) != 1 || got[0].ID != "cmd.version" {
		t.Errorf("Query(substrate=symbolic) = %v", got)
	}
	if got := r.Query(Filter{Mode: ModeCommand}); len(got) != 1 {
		t.Errorf("Query(mode=command) = %v", got)
	}
	enabled := true
	if got := r.Query(Filter{Enabled: &enabled}); len(got) != 2 {
		t.Errorf("Query(enabled) = %d entries", len(got))
	}
}

func TestMatchTriggerLongestThenOrder(t *testing.T) {
	r := NewRegistry()
	short := desc("skill.report", withTriggers("report"))
	short.Kind = KindComposite
	long := desc("skill.quarterly", withTriggers("quarterly report"))
	long.Kind = KindComposite
	if err := r.Register(short); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(long); err != nil {
		t.Fatal(err)
	}

	got := r.MatchTrigger("Please prepare the Quarterly Report for Q3")
	if len(got) != 2 {
		t.Fatalf("expected 2 matches, got %v", got)
	}
	if got[0] != "skill.quarterly" {
		t.Errorf("longest trigger must rank first, got %v", got)
	}
}

func TestSnapshotIsolation(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(desc("cmd.version")); err != nil {
		t.Fatal(err)
	}
	snap, _ := r.Get("cmd.version")
	snap.Name = "mutated"
	again, _ := r.Get("cmd.version")
	if again.Name == "mutated" {
		t.Error("Get must return a clone, not the stored descriptor")
	}
}

func TestClassification(t *testing.T) {
	tests := []struct {
		id      string
		power   PowerLevel
		pattern CognitivePattern
	}{
		{"cmd.version", PowerStandard, PatternExecution},
		{"cap.configure", PowerSelfModifying, PatternExecution},
		{"boot.seed", PowerBootstrap, PatternExecution},
		{"skill.report", PowerStandard, PatternProcedural},
		{"agent.delegate", PowerMeta, PatternOrchestration},
		{"kstar:store_trace", PowerStandard, PatternReflective},
	}
	for _, tt := range tests {
		d := desc(tt.id)
		if got := ClassifyPower(d); got != tt.power {
			t.Errorf("ClassifyPower(%s) = %s, want %s", tt.id, got, tt.power)
		}
		if got := ClassifyPattern(d); got != tt.pattern {
			t.Errorf("ClassifyPattern(%s) = %s, want %s", tt.id, got, tt.pattern)
		}
	}
}

func TestClassificationOverride(t *testing.T) {
	d := desc("cmd.weird")
	d.PowerLevel = PowerMeta
	d.CognitivePattern = PatternReflective
	if ClassifyPower(d) != PowerMeta || ClassifyPattern(d) != PatternReflective {
		t.Error("descriptor overrides must win over prefix rules")
	}
}
