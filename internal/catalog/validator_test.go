package catalog

import (
	"testing"

	"github.com/pitabwire/steward/model"
)

func hasCode(errs []VError, code string) bool {
	for _, e := range errs {
		if e.Code == code {
			return true
		}
	}
	return false
}

func TestValidator_valid(t *testing.T) {
	errs := NewValidator().Validate(testCatalogs()[:1], []string{"a-flow"})
	if len(errs) != 0 {
		t.Errorf("errors = %v, want none", errs)
	}
}

func TestValidator_crossCatalogReference(t *testing.T) {
	l := NewLoader()
	defaults, err := l.LoadDefaults()
	if err != nil {
		t.Fatalf("LoadDefaults() error = %v", err)
	}
	extra, err := l.LoadAll([]string{"testdata/extra"})
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if errs := NewValidator().Validate(append(defaults, extra...), nil); len(errs) != 0 {
		t.Errorf("errors = %v, want none", errs)
	}
	// Without the defaults, success-plan cannot resolve.
	errs := NewValidator().Validate(extra, nil)
	if !hasCode(errs, model.ErrUnresolvedStage) {
		t.Errorf("errors = %v, want UNRESOLVED_STAGE", errs)
	}
}

func TestValidator_unresolvedStage(t *testing.T) {
	defs := []model.CatalogDefinition{{
		Catalog: "c", Version: "1",
		Workflows: []model.WorkflowDefinition{{ID: "w", Stages: []model.StageReference{{StageID: "ghost"}}}},
	}}
	errs := NewValidator().Validate(defs, nil)
	if !hasCode(errs, model.ErrUnresolvedStage) {
		t.Fatalf("errors = %v, want UNRESOLVED_STAGE", errs)
	}
	if errs[0].Path != "catalogs[0].workflows[0].stages[0].stage" {
		t.Errorf("Path = %q", errs[0].Path)
	}
}

func TestValidator_required(t *testing.T) {
	errs := NewValidator().Validate([]model.CatalogDefinition{{}}, nil)
	if len(errs) != 2 {
		t.Errorf("errors = %v, want catalog + version", errs)
	}
}

func TestValidator_duplicates(t *testing.T) {
	defs := []model.CatalogDefinition{
		{Catalog: "a", Version: "1", Stages: []model.StageTemplate{{ID: "s", Title: "S"}}},
		{Catalog: "b", Version: "1",
			Stages:    []model.StageTemplate{{ID: "s", Title: "S2"}},
			Workflows: []model.WorkflowDefinition{{ID: "w", Stages: []model.StageReference{{StageID: "s"}}}, {ID: "w", Stages: []model.StageReference{{StageID: "s"}}}},
		},
	}
	errs := NewValidator().Validate(defs, nil)
	dups := 0
	for _, e := range errs {
		if e.Code == "DUPLICATE_ID" {
			dups++
		}
	}
	if dups != 2 {
		t.Errorf("duplicate errors = %d, want 2 (%v)", dups, errs)
	}
}

func TestValidator_emptyWorkflowAndMissingRequired(t *testing.T) {
	defs := []model.CatalogDefinition{{Catalog: "a", Version: "1", Workflows: []model.WorkflowDefinition{{ID: "w"}}}}
	errs := NewValidator().Validate(defs, []string{"w", "renewal-emergency"})
	if !hasCode(errs, "REQUIRED") {
		t.Errorf("errors = %v, want REQUIRED for empty stages", errs)
	}
	if !hasCode(errs, "MISSING_WORKFLOW") {
		t.Errorf("errors = %v, want MISSING_WORKFLOW", errs)
	}
}

func TestValidator_malformedPlaceholder(t *testing.T) {
	defs := []model.CatalogDefinition{{Catalog: "a", Version: "1", Stages: []model.StageTemplate{{ID: "s", Title: "Hi {{account.name"}}}}
	if errs := NewValidator().Validate(defs, nil); !hasCode(errs, "MALFORMED_PLACEHOLDER") {
		t.Errorf("errors = %v, want MALFORMED_PLACEHOLDER", errs)
	}
}

func TestJoin(t *testing.T) {
	if Join(nil) != nil {
		t.Error("Join(nil) should be nil")
	}
	err := Join([]VError{{Path: "a", Message: "b"}})
	if err == nil || err.Error() != "catalog validation failed: a: b" {
		t.Errorf("Join = %v", err)
	}
}
