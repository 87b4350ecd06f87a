package protocol

import "github.com/shubhambandhovar/CanvasFlow-AI/domain"

type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateJoined
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateJoined:
		return "joined"
	default:
		return "unknown"
	}
}

// transitions lists the inbound events each state accepts. Anything absent is
// rejected before its payload is decoded. Disconnect is handled separately
// and is valid from every state.
var transitions = map[State]map[string]bool{
	StateDisconnected: {},
	StateConnected: {
		domain.EventJoinBoard: true,
		domain.EventPing:      true,
	},
	StateJoined: {
		domain.EventJoinBoard:   true,
		domain.EventLeaveBoard:  true,
		domain.EventCursorMove:  true,
		domain.EventBoardUpdate: true,
		domain.EventLoadBoard:   true,
		domain.EventPing:        true,
	},
}

func allowed(s State, event string) bool {
	return transitions[s][event]
}
