package definition

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/civiclegal/referralflow/model"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator validates workflow definitions structurally and referentially.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all definitions. Returns nil when everything is valid.
func (v *Validator) Validate(defs []model.WorkflowDefinition) []VError {
	var errs []VError

	types := make(map[string]bool)
	templateIDs := make(map[string]string)

	for i, def := range defs {
		prefix := fmt.Sprintf("definitions[%d]", i)

		if def.Type != "" {
			if types[def.Type] {
				errs = append(errs, VError{
					Path:    prefix + ".type",
					Code:    "DUPLICATE",
					Message: fmt.Sprintf("workflow type %q declared more than once", def.Type),
				})
			}
			types[def.Type] = true
		}

		errs = append(errs, v.validateWorkflow(prefix, def)...)

		for j, tpl := range def.Templates {
			tp := fmt.Sprintf("%s.templates[%d]", prefix, j)
			if tpl.ID != "" {
				if owner, dup := templateIDs[tpl.ID]; dup {
					errs = append(errs, VError{
						Path:    tp + ".id",
						Code:    "DUPLICATE",
						Message: fmt.Sprintf("template id %q already declared by workflow %q", tpl.ID, owner),
					})
				} else {
					templateIDs[tpl.ID] = def.Type
				}
			}
			errs = append(errs, v.validateTemplate(tp, tpl, def)...)
		}
	}

	return errs
}

func (v *Validator) validateWorkflow(prefix string, def model.WorkflowDefinition) []VError {
	var errs []VError

	if def.Type == "" {
		errs = append(errs, VError{Path: prefix + ".type", Code: "REQUIRED", Message: "type is required"})
	}
	if def.Name == "" {
		errs = append(errs, VError{Path: prefix + ".name", Code: "REQUIRED", Message: "name is required"})
	}
	if len(def.States) < 2 {
		errs = append(errs, VError{Path: prefix + ".states", Code: "REQUIRED", Message: "at least two states required (start + terminal)"})
	}

	stateIDs := make(map[string]bool)
	for i, s := range def.States {
		sp := fmt.Sprintf("%s.states[%d]", prefix, i)
		if s.ID == "" {
			errs = append(errs, VError{Path: sp + ".id", Code: "REQUIRED", Message: "state id is required"})
			continue
		}
		if stateIDs[s.ID] {
			errs = append(errs, VError{Path: sp + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("state %q declared more than once", s.ID)})
		}
		stateIDs[s.ID] = true
	}

	for i, e := range def.Edges {
		ep := fmt.Sprintf("%s.edges[%d]", prefix, i)
		if e.From == "" || e.To == "" {
			errs = append(errs, VError{Path: ep, Code: "REQUIRED", Message: "edge from and to are required"})
			continue
		}
		if !stateIDs[e.From] {
			errs = append(errs, VError{Path: ep + ".from", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("state %q not found", e.From)})
		}
		if !stateIDs[e.To] {
			errs = append(errs, VError{Path: ep + ".to", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("state %q not found", e.To)})
		}
	}

	// The graph needs exactly one start state: a single state with no
	// inbound edges other than self-loops.
	if len(stateIDs) > 0 {
		inbound := make(map[string]bool)
		for _, e := range def.Edges {
			if e.From != e.To {
				inbound[e.To] = true
			}
		}
		var starts []string
		for _, s := range def.States {
			if s.ID != "" && !inbound[s.ID] {
				starts = append(starts, s.ID)
			}
		}
		if len(starts) != 1 {
			errs = append(errs, VError{
				Path:    prefix + ".edges",
				Code:    "BAD_GRAPH",
				Message: fmt.Sprintf("graph must have exactly one start state, found %d (%s)", len(starts), strings.Join(starts, ", ")),
			})
		}
	}

	return errs
}

var validEventTypes = map[string]bool{
	model.EventEnterState:  true,
	model.EventInactiveFor: true,
	model.EventDeadline:    true,
}

func (v *Validator) validateTemplate(prefix string, tpl model.TemplateDefinition, def model.WorkflowDefinition) []VError {
	var errs []VError

	if tpl.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: "REQUIRED", Message: "id is required"})
	}
	if tpl.Subject == "" {
		errs = append(errs, VError{Path: prefix + ".subject", Code: "REQUIRED", Message: "subject is required"})
	}
	if tpl.Body == "" {
		errs = append(errs, VError{Path: prefix + ".body", Code: "REQUIRED", Message: "body is required"})
	}

	if tpl.EventType == "" {
		errs = append(errs, VError{Path: prefix + ".event_type", Code: "REQUIRED", Message: "event_type is required"})
		return errs
	}
	if !validEventTypes[tpl.EventType] {
		errs = append(errs, VError{Path: prefix + ".event_type", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid event type %q", tpl.EventType)})
		return errs
	}

	errs = append(errs, v.validateRule(prefix, tpl, def)...)
	errs = append(errs, v.validateRecipient(prefix, tpl)...)
	errs = append(errs, v.validatePlaceholders(prefix, tpl)...)

	return errs
}

// validateRule checks that exactly one rule block is populated and that it
// matches the declared event type.
func (v *Validator) validateRule(prefix string, tpl model.TemplateDefinition, def model.WorkflowDefinition) []VError {
	var errs []VError

	populated := 0
	if tpl.EnterState != nil {
		populated++
	}
	if tpl.InactiveFor != nil {
		populated++
	}
	if tpl.Deadline != nil {
		populated++
	}
	if populated != 1 {
		errs = append(errs, VError{
			Path:    prefix,
			Code:    "MISCONFIGURED_RULE",
			Message: fmt.Sprintf("exactly one rule block required, found %d", populated),
		})
		return errs
	}

	match := false
	switch tpl.EventType {
	case model.EventEnterState:
		match = tpl.EnterState != nil
	case model.EventInactiveFor:
		match = tpl.InactiveFor != nil
	case model.EventDeadline:
		match = tpl.Deadline != nil
	}
	if !match {
		errs = append(errs, VError{
			Path:    prefix,
			Code:    "MISCONFIGURED_RULE",
			Message: fmt.Sprintf("rule block does not match event type %q", tpl.EventType),
		})
		return errs
	}

	state := tpl.RuleState()
	if state == "" {
		errs = append(errs, VError{Path: prefix, Code: "MISCONFIGURED_RULE", Message: "rule state is required"})
	} else if !def.HasState(state) {
		errs = append(errs, VError{
			Path:    prefix,
			Code:    "REF_NOT_FOUND",
			Message: fmt.Sprintf("rule state %q not found in workflow %q", state, def.Type),
		})
	}

	switch {
	case tpl.EnterState != nil && tpl.EnterState.DaysAfter < 0:
		errs = append(errs, VError{Path: prefix + ".enter_state.days_after", Code: "RANGE", Message: "days_after must be >= 0"})
	case tpl.InactiveFor != nil && tpl.InactiveFor.DaysInactive < 1:
		errs = append(errs, VError{Path: prefix + ".inactive_for.days_inactive", Code: "RANGE", Message: "days_inactive must be >= 1"})
	case tpl.Deadline != nil:
		if tpl.Deadline.Days < 0 {
			errs = append(errs, VError{Path: prefix + ".deadline.days", Code: "RANGE", Message: "days must be >= 0"})
		}
		if tpl.Deadline.BeforeOrAfter != model.BeforeDeadline && tpl.Deadline.BeforeOrAfter != model.AfterDeadline {
			errs = append(errs, VError{
				Path:    prefix + ".deadline.before_or_after",
				Code:    "INVALID_ENUM",
				Message: fmt.Sprintf("before_or_after must be %q or %q", model.BeforeDeadline, model.AfterDeadline),
			})
		}
	}

	return errs
}

// validateRecipient checks that the recipient names a placeholder that
// resolves to an email address in the template's context.
func (v *Validator) validateRecipient(prefix string, tpl model.TemplateDefinition) []VError {
	var errs []VError

	if tpl.Recipient == "" {
		errs = append(errs, VError{Path: prefix + ".recipient", Code: "REQUIRED", Message: "recipient is required"})
		return errs
	}

	allowed := model.VarsForEvent(tpl.EventType)
	if !allowed[tpl.Recipient] || !strings.HasSuffix(tpl.Recipient, "_EMAIL") {
		errs = append(errs, VError{
			Path:    prefix + ".recipient",
			Code:    "INVALID_RECIPIENT",
			Message: fmt.Sprintf("recipient %q is not an email placeholder for event type %q", tpl.Recipient, tpl.EventType),
		})
	}

	return errs
}

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Z][A-Z0-9_]*)\s*\}\}`)

// extractPlaceholders returns all {{PLACEHOLDER}} names referenced in text.
func extractPlaceholders(text string) []string {
	var names []string
	for _, m := range placeholderRe.FindAllStringSubmatch(text, -1) {
		names = append(names, m[1])
	}
	return names
}

func (v *Validator) validatePlaceholders(prefix string, tpl model.TemplateDefinition) []VError {
	var errs []VError

	allowed := model.VarsForEvent(tpl.EventType)
	for _, field := range []struct {
		name string
		text string
	}{
		{"subject", tpl.Subject},
		{"body", tpl.Body},
	} {
		for _, name := range extractPlaceholders(field.text) {
			if !allowed[name] {
				errs = append(errs, VError{
					Path:    fmt.Sprintf("%s.%s", prefix, field.name),
					Code:    "UNKNOWN_PLACEHOLDER",
					Message: fmt.Sprintf("placeholder %q is not valid for event type %q", name, tpl.EventType),
				})
			}
		}
	}

	if tpl.ItemBody != "" {
		if tpl.EventType != model.EventInactiveFor {
			errs = append(errs, VError{
				Path:    prefix + ".item_body",
				Code:    "MISCONFIGURED_RULE",
				Message: "item_body is only valid for inactive_for templates",
			})
		}
		for _, name := range extractPlaceholders(tpl.ItemBody) {
			if !model.ItemVars[name] {
				errs = append(errs, VError{
					Path:    prefix + ".item_body",
					Code:    "UNKNOWN_PLACEHOLDER",
					Message: fmt.Sprintf("placeholder %q is not valid inside a list item", name),
				})
			}
		}
	}

	return errs
}
