package protocol

// Action is a small opaque submittable decision symbol, e.g. "move 1",
// "switch 2", or a serialized team order. Equality and string encoding are
// the only operations the core performs on it.
type Action struct {
	encoding string
}

// NewAction wraps a raw wire encoding as an Action.
func NewAction(encoding string) Action {
	return Action{encoding: encoding}
}

// String returns the wire encoding, e.g. for building "|/choose <action>".
func (a Action) String() string {
	return a.encoding
}

// Equal reports whether two actions carry the same wire encoding.
func (a Action) Equal(other Action) bool {
	return a.encoding == other.encoding
}

// IsZero reports whether a is the zero Action (no action chosen).
func (a Action) IsZero() bool {
	return a.encoding == ""
}
