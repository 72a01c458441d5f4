package compose

import (
	"reflect"
	"testing"
	"time"

	"github.com/pitabwire/steward/internal/catalog"
	"github.com/pitabwire/steward/model"
)

type stageMap map[string]model.StageTemplate

func (m stageMap) Stage(id string) (model.StageTemplate, bool) {
	st, ok := m[id]
	return st, ok
}

func testStages() stageMap {
	return stageMap{
		"review": {
			ID:      "review",
			Title:   "Review {{account.name}}",
			Content: "Health {{scores.health}}, risk {{scores.risk}}.",
			Config: map[string]any{
				"sla_days": 3,
				"message": map[string]any{
					"subject":  "Check-in: {{account.name}}",
					"priority": "normal",
				},
				"tags": []any{"health", "{{trigger.kind}}"},
			},
		},
		"call": {
			ID:      "call",
			Title:   "Call {{owner.name|the owner}}",
			Content: "Renewal on {{renewal.date}}.",
		},
	}
}

func testContext() Context {
	renew := time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC)
	health := 42.0
	snap := &model.AccountSignalSnapshot{
		AccountID:   "acc-1",
		AccountName: "Acme",
		Health:      &health,
		Contract:    &model.ContractFacts{RenewalDate: &renew, ARR: 120000},
		Owner:       map[string]any{"name": "Dana"},
	}
	scores := model.AccountScoreSet{
		AccountID:     "acc-1",
		HealthScore:   42,
		RiskScore:     7.25,
		DaysToRenewal: 60,
		RenewalStage:  model.RenewalStageFinalize,
		ARR:           120000,
	}
	return NewContext(scores, snap, model.WorkflowTrigger{Kind: model.TriggerRisk, Reason: "risk score 7.25 >= 7"})
}

// --- Compose ---

func TestCompose_orderAndHydration(t *testing.T) {
	c := NewComposer(testStages())
	def := model.WorkflowDefinition{ID: "w", Stages: []model.StageReference{{StageID: "review"}, {StageID: "call"}}}

	seeds, err := c.Compose(def, testContext())
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}
	if len(seeds) != 2 {
		t.Fatalf("len = %d, want 2", len(seeds))
	}
	if seeds[0].StepIndex != 0 || seeds[1].StepIndex != 1 {
		t.Errorf("indices = %d, %d", seeds[0].StepIndex, seeds[1].StepIndex)
	}
	if seeds[0].StageID != "review" || seeds[1].StageID != "call" {
		t.Errorf("stage order = %s, %s", seeds[0].StageID, seeds[1].StageID)
	}
	if seeds[0].Title != "Review Acme" {
		t.Errorf("Title = %q", seeds[0].Title)
	}
	if seeds[0].Content != "Health 42, risk 7.25." {
		t.Errorf("Content = %q", seeds[0].Content)
	}
	if seeds[1].Title != "Call Dana" {
		t.Errorf("Title = %q", seeds[1].Title)
	}
	if seeds[1].Content != "Renewal on 2026-06-30." {
		t.Errorf("Content = %q", seeds[1].Content)
	}
	msg := seeds[0].Config["message"].(map[string]any)
	if msg["subject"] != "Check-in: Acme" {
		t.Errorf("nested config subject = %v", msg["subject"])
	}
	tags := seeds[0].Config["tags"].([]any)
	if tags[1] != "risk" {
		t.Errorf("tags = %v", tags)
	}
}

func TestCompose_configOverride(t *testing.T) {
	stages := testStages()
	c := NewComposer(stages)
	def := model.WorkflowDefinition{ID: "w", Stages: []model.StageReference{{
		StageID: "review",
		Config: map[string]any{
			"sla_days": 1,
			"message":  map[string]any{"priority": "high"},
		},
	}}}

	seeds, err := c.Compose(def, testContext())
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}
	cfg := seeds[0].Config
	if cfg["sla_days"] != 1 {
		t.Errorf("sla_days = %v, want 1", cfg["sla_days"])
	}
	msg := cfg["message"].(map[string]any)
	if msg["priority"] != "high" {
		t.Errorf("priority = %v, want high", msg["priority"])
	}
	if msg["subject"] != "Check-in: Acme" {
		t.Errorf("subject = %v, want inherited and hydrated", msg["subject"])
	}

	// Template defaults are untouched.
	orig := stages["review"].Config["message"].(map[string]any)
	if orig["priority"] != "normal" || orig["subject"] != "Check-in: {{account.name}}" {
		t.Errorf("template default mutated: %v", orig)
	}
	if stages["review"].Config["sla_days"] != 3 {
		t.Errorf("template sla_days mutated: %v", stages["review"].Config["sla_days"])
	}
}

func TestCompose_unresolvedStage(t *testing.T) {
	c := NewComposer(testStages())
	def := model.WorkflowDefinition{ID: "w", Stages: []model.StageReference{{StageID: "review"}, {StageID: "ghost"}}}

	seeds, err := c.Compose(def, testContext())
	if !model.HasCode(err, model.ErrUnresolvedStage) {
		t.Fatalf("err = %v, want UNRESOLVED_STAGE", err)
	}
	if seeds != nil {
		t.Errorf("seeds = %v, want nil", seeds)
	}
}

func TestCompose_missingPlaceholderFailsClosed(t *testing.T) {
	stages := stageMap{"s": {ID: "s", Title: "Hello {{account.name}}", Content: "Sponsor {{owner.executive_sponsor}}"}}
	c := NewComposer(stages)
	def := model.WorkflowDefinition{ID: "w", Stages: []model.StageReference{{StageID: "s"}}}

	seeds, err := c.Compose(def, testContext())
	if !model.HasCode(err, model.ErrTemplateHydration) {
		t.Fatalf("err = %v, want TEMPLATE_HYDRATION", err)
	}
	if seeds != nil {
		t.Errorf("seeds = %v, want nil", seeds)
	}
	ee, ok := err.(*model.ErrorEnvelope)
	if !ok {
		t.Fatalf("err type = %T", err)
	}
	if len(ee.Details) != 1 || ee.Details[0].Field != "owner.executive_sponsor" {
		t.Errorf("Details = %+v", ee.Details)
	}
}

func TestCompose_missingPlaceholderInConfig(t *testing.T) {
	stages := stageMap{"s": {ID: "s", Title: "t", Config: map[string]any{"to": "{{owner.email}}"}}}
	_, err := NewComposer(stages).Compose(
		model.WorkflowDefinition{ID: "w", Stages: []model.StageReference{{StageID: "s"}}}, testContext())
	if !model.HasCode(err, model.ErrTemplateHydration) {
		t.Fatalf("err = %v, want TEMPLATE_HYDRATION", err)
	}
}

func TestCompose_defaultCatalog(t *testing.T) {
	defs, err := catalog.NewLoader().LoadDefaults()
	if err != nil {
		t.Fatalf("LoadDefaults() error = %v", err)
	}
	reg := catalog.NewRegistry(defs)
	c := NewComposer(reg)

	for _, w := range reg.Workflows() {
		seeds, err := c.Compose(w, testContext())
		if err != nil {
			t.Errorf("Compose(%s) error = %v", w.ID, err)
			continue
		}
		if len(seeds) != len(w.Stages) {
			t.Errorf("Compose(%s) = %d seeds, want %d", w.ID, len(seeds), len(w.Stages))
		}
	}
}

// --- Hydrate ---

func TestHydrate(t *testing.T) {
	ctx := testContext()
	tests := []struct {
		name string
		tmpl string
		want Result
	}{
		{"plain", "no placeholders", Hydrated{Text: "no placeholders"}},
		{"nested", "{{account.name}} / {{renewal.stage}}", Hydrated{Text: "Acme / finalize"}},
		{"spaces", "{{ account.name }}", Hydrated{Text: "Acme"}},
		{"integer", "{{renewal.days}} days", Hydrated{Text: "60 days"}},
		{"fallback used", "{{owner.title|CSM}}", Hydrated{Text: "CSM"}},
		{"fallback ignored", "{{owner.name|CSM}}", Hydrated{Text: "Dana"}},
		{"missing", "a {{nope.here}} b {{also.missing}}", MissingPlaceholder{Name: "nope.here"}},
		{"map is not a value", "{{account}}", MissingPlaceholder{Name: "account"}},
		{"unset usage trend", "{{signals.usage_trend_pct}}", MissingPlaceholder{Name: "signals.usage_trend_pct"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Hydrate(tt.tmpl, ctx); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Hydrate(%q) = %#v, want %#v", tt.tmpl, got, tt.want)
			}
		})
	}
}

func TestPlaceholders(t *testing.T) {
	got := Placeholders("{{a.b}} and {{c|d}}")
	if !reflect.DeepEqual(got, []string{"a.b", "c"}) {
		t.Errorf("Placeholders = %v", got)
	}
}

// --- MergeConfig ---

func TestMergeConfig(t *testing.T) {
	tests := []struct {
		name     string
		defaults map[string]any
		override map[string]any
		want     map[string]any
	}{
		{"both nil", nil, nil, nil},
		{"defaults only", map[string]any{"a": 1}, nil, map[string]any{"a": 1}},
		{"override only", nil, map[string]any{"a": 2}, map[string]any{"a": 2}},
		{"scalar replace", map[string]any{"a": 1, "b": 2}, map[string]any{"a": 9}, map[string]any{"a": 9, "b": 2}},
		{
			"nested merge",
			map[string]any{"m": map[string]any{"x": 1, "y": 2}},
			map[string]any{"m": map[string]any{"y": 3, "z": 4}},
			map[string]any{"m": map[string]any{"x": 1, "y": 3, "z": 4}},
		},
		{
			"map replaced by scalar",
			map[string]any{"m": map[string]any{"x": 1}},
			map[string]any{"m": "flat"},
			map[string]any{"m": "flat"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MergeConfig(tt.defaults, tt.override); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("MergeConfig = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMergeConfig_doesNotAlias(t *testing.T) {
	override := map[string]any{"list": []any{"a"}}
	got := MergeConfig(nil, override)
	got["list"].([]any)[0] = "changed"
	if override["list"].([]any)[0] != "a" {
		t.Error("override slice was aliased")
	}
}
