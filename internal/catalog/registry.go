package catalog

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/pitabwire/steward/model"
)

// snapshot is an immutable view of every loaded catalog indexed by id.
type snapshot struct {
	stages    map[string]model.StageTemplate
	workflows map[string]model.WorkflowDefinition
	checksum  string
}

// Registry is a read-optimised, thread-safe store of stage templates and
// workflow definitions. Reloads swap the whole snapshot atomically so readers
// never observe a half-applied catalog.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given catalogs.
func NewRegistry(defs []model.CatalogDefinition) *Registry {
	r := &Registry{}
	r.Replace(defs)
	return r
}

// Replace atomically swaps the registry contents. Later catalogs override
// earlier ones on id collisions.
func (r *Registry) Replace(defs []model.CatalogDefinition) {
	s := &snapshot{
		stages:    make(map[string]model.StageTemplate),
		workflows: make(map[string]model.WorkflowDefinition),
	}

	var checksumParts []string
	for _, def := range defs {
		checksumParts = append(checksumParts, def.Checksum)
		for _, st := range def.Stages {
			s.stages[st.ID] = st
		}
		for _, w := range def.Workflows {
			s.workflows[w.ID] = w
		}
	}

	sort.Strings(checksumParts)
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(strings.Join(checksumParts, ":"))))

	r.snap.Store(s)
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// Stage returns the stage template with the given id.
func (r *Registry) Stage(id string) (model.StageTemplate, bool) {
	st, ok := r.current().stages[id]
	return st, ok
}

// Workflow returns the workflow definition with the given id.
func (r *Registry) Workflow(id string) (model.WorkflowDefinition, bool) {
	w, ok := r.current().workflows[id]
	return w, ok
}

// Workflows returns every workflow definition sorted by id.
func (r *Registry) Workflows() []model.WorkflowDefinition {
	s := r.current()
	out := make([]model.WorkflowDefinition, 0, len(s.workflows))
	for _, w := range s.workflows {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Checksum returns the combined checksum of all loaded catalogs.
func (r *Registry) Checksum() string {
	return r.current().checksum
}

// Counts returns the number of stage templates and workflow definitions
// currently loaded.
func (r *Registry) Counts() (stages, workflows int) {
	s := r.current()
	return len(s.stages), len(s.workflows)
}
