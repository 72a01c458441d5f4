// Package compose turns a workflow definition into the concrete, hydrated
// steps of one instance. Composition resolves every stage reference and merges
// its config first, then hydrates, so nothing is produced for a definition
// that cannot be fully composed.
package compose

import (
	"github.com/pitabwire/steward/model"
)

// StageSource resolves stage template ids.
type StageSource interface {
	Stage(id string) (model.StageTemplate, bool)
}

// Composer builds step seeds from workflow definitions.
type Composer struct {
	stages StageSource
}

// NewComposer creates a Composer backed by the given stage source.
func NewComposer(stages StageSource) *Composer {
	return &Composer{stages: stages}
}

type resolved struct {
	template model.StageTemplate
	config   map[string]any
}

// Compose resolves and hydrates every stage of def in reference order.
// Errors are UNRESOLVED_STAGE or TEMPLATE_HYDRATION envelopes.
func (c *Composer) Compose(def model.WorkflowDefinition, ctx Context) ([]model.StepSeed, error) {
	refs := make([]resolved, len(def.Stages))
	for i, ref := range def.Stages {
		tmpl, ok := c.stages.Stage(ref.StageID)
		if !ok {
			return nil, model.NewUnresolvedStageError(def.ID, ref.StageID)
		}
		refs[i] = resolved{template: tmpl, config: MergeConfig(tmpl.Config, ref.Config)}
	}

	seeds := make([]model.StepSeed, len(refs))
	for i, r := range refs {
		title, err := hydrateString(r.template.ID, r.template.Title, ctx)
		if err != nil {
			return nil, err
		}
		content, err := hydrateString(r.template.ID, r.template.Content, ctx)
		if err != nil {
			return nil, err
		}
		cfg, err := hydrateValue(r.template.ID, r.config, ctx)
		if err != nil {
			return nil, err
		}
		cfgMap, _ := cfg.(map[string]any)
		seeds[i] = model.StepSeed{
			StepIndex: i,
			StageID:   r.template.ID,
			Title:     title,
			Content:   content,
			Config:    cfgMap,
		}
	}
	return seeds, nil
}

func hydrateString(stageID, tmpl string, ctx Context) (string, error) {
	switch r := Hydrate(tmpl, ctx).(type) {
	case Hydrated:
		return r.Text, nil
	case MissingPlaceholder:
		return "", model.NewTemplateHydrationError(stageID, r.Name)
	default:
		return "", model.NewInternalError()
	}
}

func hydrateValue(stageID string, v any, ctx Context) (any, error) {
	switch x := v.(type) {
	case string:
		return hydrateString(stageID, x, ctx)
	case map[string]any:
		if x == nil {
			return nil, nil
		}
		out := make(map[string]any, len(x))
		for k, val := range x {
			h, err := hydrateValue(stageID, val, ctx)
			if err != nil {
				return nil, err
			}
			out[k] = h
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			h, err := hydrateValue(stageID, val, ctx)
			if err != nil {
				return nil, err
			}
			out[i] = h
		}
		return out, nil
	default:
		return v, nil
	}
}

// MergeConfig returns a new map with override applied over defaults key by
// key. Nested maps merge recursively; any other override value replaces the
// default. Neither input is modified.
func MergeConfig(defaults, override map[string]any) map[string]any {
	if defaults == nil && override == nil {
		return nil
	}
	out := deepCopyMap(defaults)
	if out == nil {
		out = make(map[string]any, len(override))
	}
	for k, ov := range override {
		om, oIsMap := ov.(map[string]any)
		dm, dIsMap := out[k].(map[string]any)
		if oIsMap && dIsMap {
			out[k] = MergeConfig(dm, om)
			continue
		}
		out[k] = deepCopy(ov)
	}
	return out
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopy(v)
	}
	return out
}

func deepCopy(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return deepCopyMap(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = deepCopy(e)
		}
		return out
	default:
		return v
	}
}
