package conversation

import (
	"time"

	"FusionChat/internal/session"
)

// Position describes where a message sits in a run of same-sender bubbles
type Position int

const (
	PositionSingle Position = iota
	PositionFirst
	PositionMiddle
	PositionLast
)

func (p Position) String() string {
	switch p {
	case PositionFirst:
		return "first"
	case PositionMiddle:
		return "middle"
	case PositionLast:
		return "last"
	default:
		return "single"
	}
}

// GroupWindow is the largest gap between two messages that still groups them
const GroupWindow = 300000 * time.Millisecond

func grouped(a, b session.Message) bool {
	if a.Role != b.Role || a.Role == session.RoleSystem {
		return false
	}
	d := b.CreatedAt.Sub(a.CreatedAt)
	if d < 0 {
		d = -d
	}
	return d <= GroupWindow
}

// GroupPosition returns the position of msgs[i] within its run. Only the
// immediate neighbours are compared, so a long run may group A-B and B-C
// even when A and C are further apart than GroupWindow.
func GroupPosition(msgs []session.Message, i int) Position {
	if i < 0 || i >= len(msgs) || msgs[i].Role == session.RoleSystem {
		return PositionSingle
	}
	prev := i > 0 && grouped(msgs[i-1], msgs[i])
	next := i+1 < len(msgs) && grouped(msgs[i], msgs[i+1])
	switch {
	case prev && next:
		return PositionMiddle
	case prev:
		return PositionLast
	case next:
		return PositionFirst
	default:
		return PositionSingle
	}
}
