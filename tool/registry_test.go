package tool

import (
	"testing"

	"github.com/calder-labs/stagecoach/core"
)

func namedTool(name string) *FunctionTool {
	return NewFunctionTool(name, "test tool "+name,
		map[string]any{"type": "object", "properties": map[string]any{}},
		func(rc *core.RunContext, args map[string]any) (any, error) { return nil, nil },
	)
}

func TestRegistry_NamesSorted(t *testing.T) {
	r := NewRegistry(namedTool("zulu"), namedTool("alpha"), namedTool("mike"))
	names := r.Names()
	if len(names) != 3 || names[0] != "alpha" || names[1] != "mike" || names[2] != "zulu" {
		t.Fatalf("names = %v", names)
	}
}

func TestRegistry_SubsetSkipsUnknown(t *testing.T) {
	r := NewRegistry(namedTool("search"), namedTool("fetch"))
	sub := r.Subset([]string{"search", "missing"})

	if _, ok := sub.Get("search"); !ok {
		t.Fatal("subset missing requested tool")
	}
	if _, ok := sub.Get("fetch"); ok {
		t.Fatal("subset leaked unrequested tool")
	}
	if _, ok := sub.Get("missing"); ok {
		t.Fatal("unknown name must be skipped, not invented")
	}
}

func TestRegistry_Definitions(t *testing.T) {
	r := NewRegistry(namedTool("search"))
	defs := r.Definitions()
	if len(defs) != 1 {
		t.Fatalf("definitions = %v", defs)
	}
	if defs[0].Name != "search" || defs[0].Parameters["type"] != "object" {
		t.Fatalf("definition = %+v", defs[0])
	}
}

func TestRegistry_RegisterOverwrites(t *testing.T) {
	r := NewRegistry(namedTool("search"))
	replacement := NewFunctionTool("search", "replacement",
		map[string]any{"type": "object", "properties": map[string]any{}},
		func(rc *core.RunContext, args map[string]any) (any, error) { return "v2", nil },
	)
	r.Register(replacement)

	got, ok := r.Get("search")
	if !ok || got.Description() != "replacement" {
		t.Fatalf("registration did not overwrite: %v", got)
	}
	if len(r.Names()) != 1 {
		t.Fatalf("names = %v", r.Names())
	}
}
