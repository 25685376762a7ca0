package call

type Status int

const (
	StatusIdle Status = iota
	StatusOutgoing
	StatusIncoming
	StatusConnecting
	StatusConnected
	StatusEnded
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusOutgoing:
		return "outgoing"
	case StatusIncoming:
		return "incoming"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusEnded:
		return "ended"
	case StatusFailed:
		return "failed"
	default:
		return "idle"
	}
}

// Terminal statuses are absorbing until the next session.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusFailed
}

var forward = map[Status][]Status{
	StatusIdle:       {StatusOutgoing, StatusIncoming},
	StatusOutgoing:   {StatusConnecting},
	StatusIncoming:   {StatusConnecting},
	StatusConnecting: {StatusConnected},
}

// CanMove reports whether from → to is a legal transition. Any non-terminal
// status may move to Ended or Failed.
func CanMove(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if to.Terminal() {
		return true
	}
	for _, s := range forward[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Role int

const (
	RoleCaller Role = iota
	RoleCallee
)

func (r Role) String() string {
	if r == RoleCallee {
		return "callee"
	}
	return "caller"
}
