package model

// Placeholder variables templates may reference. The sets are fixed:
// referencing a variable outside the template's context is a configuration
// error caught at definition load time, and an unrecognized placeholder
// renders as empty at send time.
const (
	VarProfessionalName  = "PROFESSIONAL_NAME"
	VarProfessionalPhone = "PROFESSIONAL_PHONE_NUMBER"
	VarProfessionalEmail = "PROFESSIONAL_EMAIL"
	VarDateOfReferral    = "DATE_OF_REFERRAL"
	VarClientName        = "CLIENT_NAME"
	VarClientPhone       = "CLIENT_PHONE_NUMBER"
	VarClientEmail       = "CLIENT_EMAIL"
	VarMatterDeadline    = "MATTER_DEADLINE"
	VarLinkToReferral    = "LINK_TO_REFERRAL"

	VarOverdueMattersCount = "OVERDUE_MATTERS_COUNT"
	VarOverdueMattersList  = "OVERDUE_MATTERS_LIST"
	VarMagicLinkToPending  = "MAGIC_LINK_TO_ALL_PENDING_REFERRALS"

	// Per-item variables inside OVERDUE_MATTERS_LIST.
	VarLastUpdated  = "LAST_UPDATED"
	VarReferralLink = "REFERRAL_LINK"
)

// SingleVars is the placeholder set for single-referral templates
// (enter-state and deadline rules).
var SingleVars = map[string]bool{
	VarProfessionalName:  true,
	VarProfessionalPhone: true,
	VarProfessionalEmail: true,
	VarDateOfReferral:    true,
	VarClientName:        true,
	VarClientPhone:       true,
	VarClientEmail:       true,
	VarMatterDeadline:    true,
	VarLinkToReferral:    true,
}

// BatchVars is the placeholder set for batched overdue templates
// (inactive-for rules).
var BatchVars = map[string]bool{
	VarProfessionalName:    true,
	VarProfessionalEmail:   true,
	VarOverdueMattersCount: true,
	VarOverdueMattersList:  true,
	VarMagicLinkToPending:  true,
}

// ItemVars is the placeholder set valid inside a batch list item.
var ItemVars = map[string]bool{
	VarClientName:   true,
	VarLastUpdated:  true,
	VarReferralLink: true,
}

// VarsForEvent returns the placeholder set valid for a template of the given
// event type.
func VarsForEvent(eventType string) map[string]bool {
	if eventType == EventInactiveFor {
		return BatchVars
	}
	return SingleVars
}
