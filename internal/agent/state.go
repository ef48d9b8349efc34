package agent

import "strings"

// Agent substates. The capitalized values come off the telephony
// platform verbatim and are part of the wire contract.
const (
	SubRoutable        = "routable"
	SubNotRoutable     = "not_routable"
	SubOffline         = "offline"
	SubEnded           = "ended"
	SubBusy            = "Busy"
	SubPending         = "pending"
	SubAfterCallWork   = "AfterCallWork"
	SubPendingBusy     = "PendingBusy"
	SubCallingCustomer = "CallingCustomer"
)

// Online flags and route classes, the first two parts of the composite
const (
	FlagOnline  = "online"
	FlagOffline = "offline"

	ClassRoutable    = "routable"
	ClassNotRoutable = "not_routable"
)

// routeClasses is the static substate classification table
var routeClasses = map[string]string{
	SubRoutable:        ClassRoutable,
	SubNotRoutable:     ClassNotRoutable,
	SubOffline:         ClassNotRoutable,
	SubEnded:           ClassNotRoutable,
	SubBusy:            ClassNotRoutable,
	SubPending:         ClassNotRoutable,
	SubAfterCallWork:   ClassNotRoutable,
	SubPendingBusy:     ClassNotRoutable,
	SubCallingCustomer: ClassNotRoutable,
}

// State is the 3-part composite agent state
type State struct {
	Online string // online | offline
	Route  string // routable | not_routable
	Sub    string
}

func (s State) String() string {
	return s.Online + "#" + s.Route + "#" + s.Sub
}

// IsOnline reports whether the composite carries the online flag
func (s State) IsOnline() bool { return s.Online == FlagOnline }

// IsRoutable reports whether the agent is eligible for a new call
func (s State) IsRoutable() bool { return s.Route == ClassRoutable }

// IsInRoute reports whether the agent is mid-connection to a call
func (s State) IsInRoute() bool {
	return s.Sub == SubPendingBusy || s.Sub == SubCallingCustomer
}

// Classify resolves a bare substate or a full composite string into the
// 3-part state. The route class is a pure function of the substate;
// unknown substates classify as offline with an empty route class.
func Classify(value string) State {
	if strings.Contains(value, "#") {
		parts := strings.SplitN(value, "#", 3)
		st := State{Online: parts[0]}
		if len(parts) > 1 {
			st.Route = parts[1]
		}
		if len(parts) > 2 {
			st.Sub = parts[2]
		}
		return st
	}

	class, ok := routeClasses[value]
	if !ok {
		return State{Online: FlagOffline, Route: "", Sub: value}
	}
	online := FlagOnline
	if value == SubOffline || value == SubEnded {
		online = FlagOffline
	}
	return State{Online: online, Route: class, Sub: value}
}

// requiresContact reports whether the substate must carry a contact pin
// and a state expiry (inherited from the prior record if not supplied)
func requiresContact(sub string) bool {
	switch sub {
	case SubPendingBusy, SubCallingCustomer, SubPending, SubBusy:
		return true
	}
	return false
}

// RequiresExpiry reports whether the substate must always carry a state
// expiry, even when none was supplied or inherited. Busy is excluded:
// an established call inherits its expiry but never fabricates one.
func RequiresExpiry(sub string) bool {
	switch sub {
	case SubPendingBusy, SubCallingCustomer, SubPending:
		return true
	}
	return false
}

// clearsContact reports whether entering the substate releases the
// contact pin and state expiry
func clearsContact(sub string) bool {
	switch sub {
	case SubRoutable, SubOffline, SubEnded:
		return true
	}
	return false
}
