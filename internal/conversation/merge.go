package conversation

import (
	"FusionChat/internal/config"
	"FusionChat/internal/session"
)

// mergeContext carries the session-owned values a merge needs besides the
// store emission itself.
type mergeContext struct {
	prefs         config.Preferences
	providerName  string
	bookmarked    map[string]struct{}
	defaultFusion FusionConfig
}

func buildViews(msgs []session.Message, bookmarked map[string]struct{}) []MessageView {
	views := make([]MessageView, len(msgs))
	for i, m := range msgs {
		_, marked := bookmarked[m.ID]
		views[i] = MessageView{Message: m, Position: GroupPosition(msgs, i), IsBookmarked: marked}
	}
	return views
}

func applyPreferences(r *Ready, p config.Preferences) {
	r.HapticsEnabled = p.HapticsEnabled
	r.ShowThinking = p.ShowThinking
	r.SystemPrompt = p.SystemPrompt
	r.ReasoningEffort = p.ReasoningEffort
}

// merge folds a (conversation, messages) emission into the previous
// snapshot. Transient fields survive re-emissions of the same conversation
// and reset when the emission belongs to another one. scroll is true when the
// message count strictly grew.
func merge(prev *Ready, c session.Conversation, msgs []session.Message, mc mergeContext) (next Ready, scroll bool) {
	next = Ready{
		ConversationID: c.ID,
		Title:          c.Title,
		Icon:           c.Icon,
		ProviderID:     c.ProviderID,
		ProviderName:   mc.providerName,
		IsBranch:       c.IsBranch(),
		Messages:       buildViews(msgs, mc.bookmarked),
	}
	applyPreferences(&next, mc.prefs)

	prevCount := 0
	if prev != nil && prev.ConversationID == c.ID {
		prevCount = len(prev.Messages)
		next.ModelName = prev.ModelName
		next.InputText = prev.InputText
		next.PendingAttachments = prev.PendingAttachments
		next.Streaming = prev.Streaming
		next.AvailableModels = prev.AvailableModels
		next.IsLoadingModels = prev.IsLoadingModels
		next.Siblings = prev.Siblings
		next.SlideDirection = prev.SlideDirection
		next.Fusion = prev.Fusion
		next.FusionResult = prev.FusionResult
		next.IsFusionRunning = prev.IsFusionRunning
		next.ShowExportSheet = prev.ShowExportSheet
		next.IsExporting = prev.IsExporting
	} else {
		next.ModelName = c.ModelID
		next.Streaming = StreamIdle{}
		next.Fusion = mc.defaultFusion.clone()
		if prev != nil {
			next.SlideDirection = prev.SlideDirection
		}
	}
	if next.Streaming == nil {
		next.Streaming = StreamIdle{}
	}
	return next, len(next.Messages) > prevCount
}
