package conversation

// Event is a one-shot notification for the presentation layer
type Event interface {
	isEvent()
}

type NavigateBack struct{}

// ShowSnackbar asks for a dismissible message, optionally with an action
type ShowSnackbar struct {
	Message     string
	ActionLabel string
}

type MessageCopied struct {
	Content string
}

type ModelChanged struct {
	Name string
}

type ScrollToBottom struct{}

// NavigateToBranch opens another conversation. AutoSend asks the new session
// to regenerate the last answer, with OverrideModel when set.
type NavigateToBranch struct {
	ConversationID string
	AutoSend       bool
	OverrideModel  string
}

type ShowExportOptions struct{}

type HideExportOptions struct{}

// ShareContent hands an exported conversation to the presentation layer
type ShareContent struct {
	Content  string
	Filename string
	MimeType string
}

func (NavigateBack) isEvent()      {}
func (ShowSnackbar) isEvent()      {}
func (MessageCopied) isEvent()     {}
func (ModelChanged) isEvent()      {}
func (ScrollToBottom) isEvent()    {}
func (NavigateToBranch) isEvent()  {}
func (ShowExportOptions) isEvent() {}
func (HideExportOptions) isEvent() {}
func (ShareContent) isEvent()      {}
