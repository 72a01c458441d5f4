package catalog

import (
	"fmt"
	"strings"

	"github.com/pitabwire/steward/model"
)

// VError describes a single validation error in a catalog.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator checks catalogs structurally and referentially.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all catalogs together, so a workflow may reference a stage
// declared in another file. required lists workflow ids that must exist.
func (v *Validator) Validate(defs []model.CatalogDefinition, required []string) []VError {
	var errs []VError

	stageIDs := make(map[string]string)
	workflowIDs := make(map[string]string)

	for i, def := range defs {
		prefix := fmt.Sprintf("catalogs[%d]", i)
		if def.Catalog == "" {
			errs = append(errs, VError{Path: prefix + ".catalog", Code: "REQUIRED", Message: "catalog is required"})
		}
		if def.Version == "" {
			errs = append(errs, VError{Path: prefix + ".version", Code: "REQUIRED", Message: "version is required"})
		}
		for j, st := range def.Stages {
			sp := fmt.Sprintf("%s.stages[%d]", prefix, j)
			errs = append(errs, v.validateStage(sp, st)...)
			if st.ID == "" {
				continue
			}
			if first, dup := stageIDs[st.ID]; dup {
				errs = append(errs, VError{Path: sp + ".id", Code: "DUPLICATE_ID", Message: fmt.Sprintf("stage %q already declared at %s", st.ID, first)})
				continue
			}
			stageIDs[st.ID] = sp
		}
		for j, w := range def.Workflows {
			wp := fmt.Sprintf("%s.workflows[%d]", prefix, j)
			if w.ID == "" {
				errs = append(errs, VError{Path: wp + ".id", Code: "REQUIRED", Message: "workflow id is required"})
				continue
			}
			if first, dup := workflowIDs[w.ID]; dup {
				errs = append(errs, VError{Path: wp + ".id", Code: "DUPLICATE_ID", Message: fmt.Sprintf("workflow %q already declared at %s", w.ID, first)})
				continue
			}
			workflowIDs[w.ID] = wp
		}
	}

	for i, def := range defs {
		for j, w := range def.Workflows {
			wp := fmt.Sprintf("catalogs[%d].workflows[%d]", i, j)
			if len(w.Stages) == 0 {
				errs = append(errs, VError{Path: wp + ".stages", Code: "REQUIRED", Message: "at least one stage is required"})
			}
			for k, ref := range w.Stages {
				if _, ok := stageIDs[ref.StageID]; !ok {
					errs = append(errs, VError{
						Path:    fmt.Sprintf("%s.stages[%d].stage", wp, k),
						Code:    model.ErrUnresolvedStage,
						Message: fmt.Sprintf("stage %q is not declared in any catalog", ref.StageID),
					})
				}
			}
		}
	}

	for _, id := range required {
		if _, ok := workflowIDs[id]; !ok {
			errs = append(errs, VError{Path: "workflows", Code: "MISSING_WORKFLOW", Message: fmt.Sprintf("workflow %q is required but not defined", id)})
		}
	}

	return errs
}

func (v *Validator) validateStage(prefix string, st model.StageTemplate) []VError {
	var errs []VError
	if st.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: "REQUIRED", Message: "stage id is required"})
	}
	if st.Title == "" {
		errs = append(errs, VError{Path: prefix + ".title", Code: "REQUIRED", Message: "title is required"})
	}
	for field, text := range map[string]string{"title": st.Title, "content": st.Content} {
		if strings.Count(text, "{{") != strings.Count(text, "}}") {
			errs = append(errs, VError{Path: prefix + "." + field, Code: "MALFORMED_PLACEHOLDER", Message: "unbalanced {{ }} in template"})
		}
	}
	return errs
}

// Join renders validation errors as a single error, or nil when there are
// none.
func Join(errs []VError) error {
	if len(errs) == 0 {
		return nil
	}
	parts := make([]string, len(errs))
	for i, e := range errs {
		parts[i] = e.Error()
	}
	return fmt.Errorf("catalog validation failed: %s", strings.Join(parts, "; "))
}
