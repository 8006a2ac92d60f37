package conversation

import (
	"testing"
	"time"

	"FusionChat/internal/session"

	"github.com/stretchr/testify/assert"
)

func msgAt(role session.Role, at time.Time) session.Message {
	return session.Message{Role: role, CreatedAt: at}
}

func positions(msgs []session.Message) []Position {
	out := make([]Position, len(msgs))
	for i := range msgs {
		out[i] = GroupPosition(msgs, i)
	}
	return out
}

func TestGroupPosition(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		msgs []session.Message
		want []Position
	}{
		{
			name: "run of three",
			msgs: []session.Message{
				msgAt(session.RoleUser, t0),
				msgAt(session.RoleUser, t0.Add(time.Minute)),
				msgAt(session.RoleUser, t0.Add(2*time.Minute)),
			},
			want: []Position{PositionFirst, PositionMiddle, PositionLast},
		},
		{
			name: "alternating roles",
			msgs: []session.Message{
				msgAt(session.RoleUser, t0),
				msgAt(session.RoleAssistant, t0.Add(time.Second)),
				msgAt(session.RoleUser, t0.Add(2*time.Second)),
			},
			want: []Position{PositionSingle, PositionSingle, PositionSingle},
		},
		{
			name: "gap larger than window",
			msgs: []session.Message{
				msgAt(session.RoleAssistant, t0),
				msgAt(session.RoleAssistant, t0.Add(GroupWindow+time.Millisecond)),
			},
			want: []Position{PositionSingle, PositionSingle},
		},
		{
			name: "gap exactly the window",
			msgs: []session.Message{
				msgAt(session.RoleAssistant, t0),
				msgAt(session.RoleAssistant, t0.Add(GroupWindow)),
			},
			want: []Position{PositionFirst, PositionLast},
		},
		{
			name: "system messages never group",
			msgs: []session.Message{
				msgAt(session.RoleSystem, t0),
				msgAt(session.RoleSystem, t0.Add(time.Second)),
			},
			want: []Position{PositionSingle, PositionSingle},
		},
		{
			name: "pairwise chain",
			msgs: []session.Message{
				msgAt(session.RoleUser, t0),
				msgAt(session.RoleUser, t0.Add(4*time.Minute)),
				msgAt(session.RoleUser, t0.Add(8*time.Minute)),
			},
			want: []Position{PositionFirst, PositionMiddle, PositionLast},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, positions(tt.msgs))
		})
	}
}

func TestGroupPosition_OutOfRange(t *testing.T) {
	assert.Equal(t, PositionSingle, GroupPosition(nil, 0))
	assert.Equal(t, PositionSingle, GroupPosition([]session.Message{{Role: session.RoleUser}}, 3))
	assert.Equal(t, "middle", PositionMiddle.String())
}
