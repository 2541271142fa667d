package definition

import (
	"testing"

	"github.com/objectql/flowcore/model"
)

func TestLoader_LoadFile_stateMachine(t *testing.T) {
	l := NewLoader()
	def, err := l.LoadFile("testdata/workflows/order_approval.yaml")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if def.ID != "order-approval" {
		t.Errorf("ID = %q, want order-approval", def.ID)
	}
	if def.Version != "1.0.0" {
		t.Errorf("Version = %q, want 1.0.0", def.Version)
	}
	if def.Type != model.DefinitionTypeState {
		t.Errorf("Type = %q, want state", def.Type)
	}
	if len(def.States) != 4 {
		t.Fatalf("States = %d, want 4", len(def.States))
	}
	// initial_state is derived from the per-state flag.
	if def.InitialState != "draft" {
		t.Errorf("InitialState = %q, want draft", def.InitialState)
	}
	if !def.States["approved"].Final {
		t.Error("approved should be final")
	}
	if def.Checksum == "" {
		t.Error("Checksum should not be empty")
	}
	if def.SourceFile != "testdata/workflows/order_approval.yaml" {
		t.Errorf("SourceFile = %q", def.SourceFile)
	}
}

func TestLoader_LoadFile_transitionShorthand(t *testing.T) {
	l := NewLoader()
	def, err := l.LoadFile("testdata/workflows/order_approval.yaml")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	// "reject: rejected" is shorthand for a full transition object.
	reject, ok := def.States["review"].Transitions["reject"]
	if !ok {
		t.Fatal("review should have a reject transition")
	}
	if reject.Target != "rejected" {
		t.Errorf("reject.Target = %q, want rejected", reject.Target)
	}
	if len(reject.Guards) != 0 || len(reject.Actions) != 0 {
		t.Error("shorthand transition should have no guards or actions")
	}

	// The full form keeps guards and actions, including inline hook refs.
	approve := def.States["review"].Transitions["approve"]
	if approve.Target != "approved" {
		t.Errorf("approve.Target = %q, want approved", approve.Target)
	}
	if len(approve.Guards) != 1 || approve.Guards[0].Name != "reviewer_has_authority" {
		t.Errorf("approve.Guards = %+v", approve.Guards)
	}
	if len(approve.Actions) != 1 {
		t.Fatalf("approve.Actions = %d, want 1", len(approve.Actions))
	}
	if approve.Actions[0].Name != "record_decision" {
		t.Errorf("inline action name = %q, want record_decision", approve.Actions[0].Name)
	}
	if approve.Actions[0].Params["decision"] != "approved" {
		t.Errorf("inline action params = %+v", approve.Actions[0].Params)
	}
}

func TestLoader_LoadFile_flow(t *testing.T) {
	l := NewLoader()
	def, err := l.LoadFile("testdata/workflows/discount_flow.yaml")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if def.Type != model.DefinitionTypeFlow {
		t.Errorf("Type = %q, want flow", def.Type)
	}
	if len(def.Nodes) != 4 {
		t.Fatalf("Nodes = %d, want 4", len(def.Nodes))
	}
	if len(def.Edges) != 4 {
		t.Fatalf("Edges = %d, want 4", len(def.Edges))
	}
	if def.StartNodeID() != "n1" {
		t.Errorf("StartNodeID() = %q, want n1", def.StartNodeID())
	}
	if def.Edges[1].Condition != "amount == 1500" {
		t.Errorf("edge condition = %q", def.Edges[1].Condition)
	}
}

func TestLoader_LoadFile_not_found(t *testing.T) {
	l := NewLoader()
	_, err := l.LoadFile("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("LoadFile() with missing file should return error")
	}
}

func TestLoader_LoadFile_invalid_yaml(t *testing.T) {
	l := NewLoader()
	_, err := l.LoadFile("testdata/invalid/bad.yaml")
	if err == nil {
		t.Fatal("LoadFile() with invalid YAML should return error")
	}
}

func TestLoader_LoadAll(t *testing.T) {
	l := NewLoader()
	defs, err := l.LoadAll([]string{"testdata/workflows"})
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("LoadAll() returned %d definitions, want 2", len(defs))
	}
}

func TestLoader_LoadAll_invalid_dir(t *testing.T) {
	l := NewLoader()
	_, err := l.LoadAll([]string{"testdata/nonexistent"})
	if err == nil {
		t.Fatal("LoadAll() with missing directory should return error")
	}
}

func TestLoader_LoadAll_invalid_yaml(t *testing.T) {
	l := NewLoader()
	_, err := l.LoadAll([]string{"testdata/invalid"})
	if err == nil {
		t.Fatal("LoadAll() with invalid YAML should return error")
	}
}

func TestLoader_LoadAll_strictChecksums(t *testing.T) {
	dirs := []string{"testdata/conflict/a", "testdata/conflict/b"}

	l := NewLoader(WithStrictChecksums(true))
	_, err := l.LoadAll(dirs)
	if err == nil {
		t.Fatal("LoadAll() with conflicting shipping@1.0.0 files should return error")
	}

	// Without strict checksums the last file wins.
	l = NewLoader()
	defs, err := l.LoadAll(dirs)
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("LoadAll() returned %d definitions, want 2", len(defs))
	}
}

func TestLoader_Checksum_deterministic(t *testing.T) {
	l := NewLoader()
	def1, _ := l.LoadFile("testdata/workflows/order_approval.yaml")
	def2, _ := l.LoadFile("testdata/workflows/order_approval.yaml")
	if def1.Checksum != def2.Checksum {
		t.Error("Checksum should be deterministic")
	}
}
