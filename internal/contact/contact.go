package contact

import "strings"

// Route states, the second half of a contact's composite state
const (
	RouteQueued = "queued"
	RouteRouted = "routed"
)

// Actions a contact moves through during its call
const (
	ActionEnterIVR   = "enter_ivr"
	ActionConnecting = "connecting"
	ActionConnected  = "connected"
	ActionMissed     = "missed"
	ActionEnded      = "ended"
	ActionError      = "error"
)

// DefaultLocale for contacts that never reported a language
const DefaultLocale = "en_US"

// CasesUnset marks a case list that was never resolved, as opposed to a
// resolved-but-empty list ("")
const CasesUnset = "-1"

// Cases are the comma-joined case identifiers resolved for a caller
type Cases struct {
	IDs       string `json:"ids"`
	PDAs      string `json:"pdas"`
	Worksites string `json:"worksites"`
}

// Unset returns a Cases value carrying the unresolved sentinel
func UnsetCases() Cases {
	return Cases{IDs: CasesUnset, PDAs: CasesUnset, Worksites: CasesUnset}
}

// Resolved reports whether case resolution already ran for this contact
func (c Cases) Resolved() bool {
	return c.IDs != CasesUnset || c.Worksites != CasesUnset
}

// HasAny reports whether resolution produced at least one case
func (c Cases) HasAny() bool {
	return (c.IDs != CasesUnset && c.IDs != "") ||
		(c.Worksites != CasesUnset && c.Worksites != "")
}

// Contact is one caller's queue/route state
type Contact struct {
	ID        string
	Locale    string
	Routed    bool
	Priority  int
	Action    string
	AgentID   string
	Cases     Cases
	EnteredAt int64 // unix seconds of last persist
	TTL       int64 // unix seconds; zero when never persisted
}

// New returns a fresh unpersisted contact with defaults applied
func New(contactID string) *Contact {
	return &Contact{
		ID:       contactID,
		Locale:   DefaultLocale,
		Priority: 1,
		Action:   ActionEnterIVR,
		Cases:    UnsetCases(),
	}
}

// State renders the composite "{locale}#{queued|routed}" state string
func (c *Contact) State() string {
	route := RouteQueued
	if c.Routed {
		route = RouteRouted
	}
	return c.Locale + "#" + route
}

// SetStateString parses a composite state or a bare route state and
// applies it. A bare route state keeps the current locale.
func (c *Contact) SetStateString(value string) {
	route := value
	if strings.Contains(value, "#") {
		parts := strings.SplitN(value, "#", 2)
		c.Locale = parts[0]
		route = parts[1]
	}
	c.Routed = strings.EqualFold(route, RouteRouted)
}

// ApplyAction records the action and recomputes routed-ness: anything
// past enter_ivr means the contact left the IVR
func (c *Contact) ApplyAction(action string) {
	if action == "" {
		return
	}
	c.Action = action
	c.Routed = action != ActionEnterIVR
}

// NormalizeLocale converts language tags to the underscore form contacts
// store ("es-MX" -> "es_MX")
func NormalizeLocale(tag string) string {
	if tag == "" {
		return DefaultLocale
	}
	return strings.ReplaceAll(tag, "-", "_")
}
