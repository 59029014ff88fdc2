package definition

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/civiclegal/referralflow/model"
)

// snapshot is an immutable collection of all definitions indexed by ID.
type snapshot struct {
	workflows map[string]model.WorkflowDefinition
	templates map[string]model.TemplateDefinition
	checksum  string
}

// Registry is a read-optimized, thread-safe store of all loaded definitions.
// It uses atomic pointer swap for lock-free concurrent reads.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given definitions.
func NewRegistry(defs []model.WorkflowDefinition) *Registry {
	r := &Registry{}
	r.Replace(defs)
	return r
}

// Replace atomically swaps the registry contents with a new snapshot built
// from the given definitions.
func (r *Registry) Replace(defs []model.WorkflowDefinition) {
	s := &snapshot{
		workflows: make(map[string]model.WorkflowDefinition, len(defs)),
		templates: make(map[string]model.TemplateDefinition),
	}

	var checksumParts []string

	for _, def := range defs {
		s.workflows[def.Type] = def
		checksumParts = append(checksumParts, def.Checksum)

		for _, tpl := range def.Templates {
			s.templates[tpl.ID] = tpl
		}
	}

	sort.Strings(checksumParts)
	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))

	r.snap.Store(s)
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// Workflow returns the workflow definition with the given type.
func (r *Registry) Workflow(workflowType string) (model.WorkflowDefinition, bool) {
	w, ok := r.current().workflows[workflowType]
	return w, ok
}

// Template returns the template definition with the given ID.
func (r *Registry) Template(templateID string) (model.TemplateDefinition, bool) {
	t, ok := r.current().templates[templateID]
	return t, ok
}

// AllWorkflows returns all workflow definitions.
func (r *Registry) AllWorkflows() []model.WorkflowDefinition {
	s := r.current()
	defs := make([]model.WorkflowDefinition, 0, len(s.workflows))
	for _, w := range s.workflows {
		defs = append(defs, w)
	}
	return defs
}

// InactiveForTemplates returns all active inactive_for templates across every
// workflow type, sorted by template ID for deterministic sweep order.
func (r *Registry) InactiveForTemplates() []model.TemplateDefinition {
	s := r.current()
	var tpls []model.TemplateDefinition
	for _, t := range s.templates {
		if t.Active && t.EventType == model.EventInactiveFor && t.InactiveFor != nil {
			tpls = append(tpls, t)
		}
	}
	sort.Slice(tpls, func(i, j int) bool { return tpls[i].ID < tpls[j].ID })
	return tpls
}

// TemplatesForState returns all active templates of the given event type
// bound to the given workflow type and state.
func (r *Registry) TemplatesForState(workflowType, eventType, state string) []model.TemplateDefinition {
	s := r.current()
	def, ok := s.workflows[workflowType]
	if !ok {
		return nil
	}

	var tpls []model.TemplateDefinition
	for _, t := range def.Templates {
		if t.Active && t.EventType == eventType && t.RuleState() == state {
			tpls = append(tpls, t)
		}
	}
	return tpls
}

// Count returns the number of loaded workflow definitions.
func (r *Registry) Count() int {
	return len(r.current().workflows)
}

// Checksum returns the combined checksum of all loaded definitions.
func (r *Registry) Checksum() string {
	return r.current().checksum
}
