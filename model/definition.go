package model

// Rule event types. A template declares exactly one, and must populate the
// matching rule block.
const (
	EventEnterState  = "enter_state"
	EventInactiveFor = "inactive_for"
	EventDeadline    = "deadline"
)

// Deadline rule direction markers, relative to the referral's deadline date.
const (
	BeforeDeadline = "-"
	AfterDeadline  = "+"
)

// WorkflowDefinition is the static configuration for one workflow type: the
// state graph plus the notification templates bound to it. Definitions are
// loaded from YAML at startup and treated as immutable.
type WorkflowDefinition struct {
	Type      string               `yaml:"type" json:"type"`
	Name      string               `yaml:"name" json:"name"`
	States    []StateDefinition    `yaml:"states" json:"states"`
	Edges     []EdgeDefinition     `yaml:"edges" json:"edges"`
	Templates []TemplateDefinition `yaml:"templates" json:"templates"`

	// Populated by the loader.
	Checksum   string `yaml:"-" json:"checksum,omitempty"`
	SourceFile string `yaml:"-" json:"-"`
}

// StateDefinition declares a node in the state graph.
type StateDefinition struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
}

// EdgeDefinition declares a directed edge. Self-loops (From == To) represent
// "stay in state, just record an update".
type EdgeDefinition struct {
	From string `yaml:"from" json:"from"`
	To   string `yaml:"to" json:"to"`
}

// TemplateDefinition is a message template bound 1:1 to one trigger rule.
// Exactly one of the rule blocks must be set, and it must match EventType.
type TemplateDefinition struct {
	ID          string `yaml:"id" json:"id"`
	Description string `yaml:"description" json:"description"`
	Subject     string `yaml:"subject" json:"subject"`
	Body        string `yaml:"body" json:"body"`
	// Recipient names a placeholder variable that resolves to an email
	// address, e.g. PROFESSIONAL_EMAIL.
	Recipient string `yaml:"recipient" json:"recipient"`
	EventType string `yaml:"event_type" json:"event_type"`
	Active    bool   `yaml:"active" json:"active"`

	// ItemBody renders one entry of OVERDUE_MATTERS_LIST in batched
	// templates. Only the per-item placeholder set is valid here.
	ItemBody string `yaml:"item_body,omitempty" json:"item_body,omitempty"`

	EnterState  *EnterStateRule  `yaml:"enter_state,omitempty" json:"enter_state,omitempty"`
	InactiveFor *InactiveForRule `yaml:"inactive_for,omitempty" json:"inactive_for,omitempty"`
	Deadline    *DeadlineRule    `yaml:"deadline,omitempty" json:"deadline,omitempty"`

	// Populated by the loader with the owning workflow type.
	WorkflowType string `yaml:"-" json:"workflow_type,omitempty"`
}

// EnterStateRule fires when an instance first reaches State. DaysAfter == 0
// means fire immediately; otherwise the send is deferred.
type EnterStateRule struct {
	State     string `yaml:"state" json:"state"`
	DaysAfter int    `yaml:"days_after" json:"days_after"`
}

// InactiveForRule fires on the periodic sweep when an instance has sat in
// State with no human activity for at least DaysInactive days.
type InactiveForRule struct {
	State        string `yaml:"state" json:"state"`
	DaysInactive int    `yaml:"days_inactive" json:"days_inactive"`
}

// DeadlineRule fires relative to the referral's own deadline date, computed
// once at state-entry time.
type DeadlineRule struct {
	State         string `yaml:"state" json:"state"`
	Days          int    `yaml:"days" json:"days"`
	BeforeOrAfter string `yaml:"before_or_after" json:"before_or_after"`
}

// RuleState returns the workflow state the template's rule is bound to.
func (t TemplateDefinition) RuleState() string {
	switch {
	case t.EnterState != nil:
		return t.EnterState.State
	case t.InactiveFor != nil:
		return t.InactiveFor.State
	case t.Deadline != nil:
		return t.Deadline.State
	}
	return ""
}

// StartState returns the graph's start node: the single state with no inbound
// edges. Returns empty if the graph is malformed; the validator rejects such
// definitions at load time.
func (w WorkflowDefinition) StartState() string {
	inbound := make(map[string]bool, len(w.States))
	for _, e := range w.Edges {
		if e.From != e.To {
			inbound[e.To] = true
		}
	}
	for _, s := range w.States {
		if !inbound[s.ID] {
			return s.ID
		}
	}
	return ""
}

// HasState reports whether the graph declares the given state.
func (w WorkflowDefinition) HasState(state string) bool {
	for _, s := range w.States {
		if s.ID == state {
			return true
		}
	}
	return false
}

// HasEdge reports whether (from, to) is a declared edge.
func (w WorkflowDefinition) HasEdge(from, to string) bool {
	for _, e := range w.Edges {
		if e.From == from && e.To == to {
			return true
		}
	}
	return false
}

// AllowedNext returns the states reachable from the given state, in
// declaration order. Self-loops are included.
func (w WorkflowDefinition) AllowedNext(state string) []string {
	var next []string
	for _, e := range w.Edges {
		if e.From == state {
			next = append(next, e.To)
		}
	}
	return next
}

// IsTerminal reports whether a state has no outgoing edges besides
// self-loops.
func (w WorkflowDefinition) IsTerminal(state string) bool {
	for _, e := range w.Edges {
		if e.From == state && e.To != state {
			return false
		}
	}
	return true
}

// PrettyName returns the display name of a state, or the raw state ID when
// no display name is declared.
func (w WorkflowDefinition) PrettyName(state string) string {
	for _, s := range w.States {
		if s.ID == state {
			return s.Name
		}
	}
	return state
}
