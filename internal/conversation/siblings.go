package conversation

import (
	"FusionChat/internal/session"
)

// SiblingEntry is one alternative answer: a conversation and the model that
// produced its last assistant message.
type SiblingEntry struct {
	ConversationID string
	ModelName      string
}

// SiblingInfo lists the alternatives sharing a branch point. Entry 0 is the
// parent conversation, the rest are branches in creation order.
type SiblingInfo struct {
	ParentID             string
	BranchPointMessageID string
	Entries              []SiblingEntry
	CurrentIndex         int
}

// Total is the number of alternatives, the parent included
func (s SiblingInfo) Total() int { return len(s.Entries) }

// Current returns the entry being displayed, or a zero entry when
// CurrentIndex is out of range.
func (s SiblingInfo) Current() SiblingEntry {
	if s.CurrentIndex < 0 || s.CurrentIndex >= len(s.Entries) {
		return SiblingEntry{}
	}
	return s.Entries[s.CurrentIndex]
}

// Previous returns the entry left of the current one
func (s SiblingInfo) Previous() (SiblingEntry, bool) {
	if s.CurrentIndex <= 0 {
		return SiblingEntry{}, false
	}
	return s.Entries[s.CurrentIndex-1], true
}

// Next returns the entry right of the current one
func (s SiblingInfo) Next() (SiblingEntry, bool) {
	if s.CurrentIndex+1 >= len(s.Entries) {
		return SiblingEntry{}, false
	}
	return s.Entries[s.CurrentIndex+1], true
}

// ResolveSiblings composes root and branches into a SiblingInfo positioned at
// currentID. It returns nil when there is nothing to navigate between or
// currentID is not one of the entries.
func ResolveSiblings(root SiblingEntry, branches []SiblingEntry, currentID string) *SiblingInfo {
	if root.ConversationID == "" || len(branches) == 0 {
		return nil
	}
	entries := make([]SiblingEntry, 0, len(branches)+1)
	entries = append(entries, root)
	for _, b := range branches {
		if b.ConversationID == "" || b.ConversationID == root.ConversationID {
			continue
		}
		entries = append(entries, b)
	}
	if len(entries) < 2 {
		return nil
	}
	for i, e := range entries {
		if e.ConversationID == currentID {
			return &SiblingInfo{Entries: entries, CurrentIndex: i}
		}
	}
	return nil
}

// siblingKey is the (parent, branch point) pair whose branches are the
// siblings of the active conversation.
type siblingKey struct {
	parentID             string
	branchPointMessageID string
}

func (k siblingKey) valid() bool {
	return k.parentID != "" && k.branchPointMessageID != ""
}

// siblingKeyFor derives the branch point of the last assistant answer. A
// branch uses the point it was created at; a root conversation uses the user
// message preceding its last assistant message.
func siblingKeyFor(c session.Conversation, msgs []session.Message) siblingKey {
	if c.IsBranch() {
		return siblingKey{parentID: c.ParentID, branchPointMessageID: c.BranchSourceMessageID}
	}
	last := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == session.RoleAssistant {
			last = i
			break
		}
	}
	for i := last - 1; i >= 0; i-- {
		if msgs[i].Role == session.RoleUser {
			return siblingKey{parentID: c.ID, branchPointMessageID: msgs[i].ID}
		}
	}
	return siblingKey{}
}
