// Package protocol defines the data model shared between the simulator event
// stream, the Battle Driver, and the external collaborators (EventParser,
// BattleState, Predictor) that this module treats as opaque interfaces.
package protocol

import "strings"

// Kind identifies the discriminated shape of an Event. The Driver only
// special-cases the kinds below; every other kind is forwarded to the
// external BattleState updater unexamined.
type Kind string

const (
	KindRequest Kind = "request"
	KindError   Kind = "error"
	KindStart   Kind = "start"
	KindTurn    Kind = "turn"
	KindWin     Kind = "win"
	KindTie     Kind = "tie"
	KindHalt    Kind = "halt"
)

// RequestType distinguishes the three shapes a decision request can take.
type RequestType string

const (
	RequestWait        RequestType = "wait"
	RequestMove        RequestType = "move"
	RequestTeamPreview RequestType = "team-preview"
)

// RequestBody is the payload of a request(body) event. RequestID is
// monotonically increasing per battle side; Raw is handed to the external
// EventParser/BattleState updater unexamined beyond its Type and RequestID.
type RequestBody struct {
	RequestID int
	Type      RequestType
	Raw       string
}

// Equal reports whether two request bodies are the "identical body" the
// Driver's duplicate-request rule compares
// against. Equality is by RequestID and Raw text; Type is derived from Raw
// and therefore redundant for comparison purposes, but checked too for
// defense against a malformed EventParser.
func (b RequestBody) Equal(other RequestBody) bool {
	return b.RequestID == other.RequestID && b.Type == other.Type && b.Raw == other.Raw
}

// UnavailableChoiceKind distinguishes the two "[Unavailable choice]" error
// prefixes the Driver recognizes.
type UnavailableChoiceKind int

const (
	UnavailableNone UnavailableChoiceKind = iota
	UnavailableMove
	UnavailableSwitch
)

const (
	prefixInvalidChoice      = "[Invalid choice]"
	prefixUnavailableChoice  = "[Unavailable choice] Can't move"
	prefixUnavailableSwitch  = "[Unavailable choice] Can't switch"
)

// ClassifyError inspects an error(reason) event's reason text and reports
// which of the three recognized rejection prefixes it carries, if any.
func ClassifyError(reason string) (invalid bool, unavailable UnavailableChoiceKind) {
	switch {
	case strings.HasPrefix(reason, prefixInvalidChoice):
		return true, UnavailableNone
	case strings.HasPrefix(reason, prefixUnavailableChoice):
		return false, UnavailableMove
	case strings.HasPrefix(reason, prefixUnavailableSwitch):
		return false, UnavailableSwitch
	default:
		return false, UnavailableNone
	}
}

// Event is the opaque discriminated record produced by the external
// EventParser. The Driver reads only Kind and, for specific kinds, the
// fields below; all other state belongs to the BattleState collaborator and
// is never inspected by the Driver.
type Event struct {
	Kind Kind

	// Set when Kind == KindRequest.
	Request RequestBody

	// Set when Kind == KindError.
	ErrorReason string

	// Set when Kind == KindTurn.
	TurnNumber int

	// Set when Kind == KindWin.
	WinnerName string

	// Raw carries the full parsed payload for kinds the Driver forwards
	// untouched to BattleState (every kind not special-cased above).
	Raw any
}
