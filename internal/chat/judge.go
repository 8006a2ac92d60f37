package chat

import (
	"fmt"
	"strings"

	"FusionChat/internal/conversation"
)

// JudgePrompt asks the judge model to merge the fusion answers to prompt
// into one response.
func JudgePrompt(prompt string, sources []conversation.FusionSource) string {
	var b strings.Builder
	b.WriteString("Several assistants answered the same request. Combine their answers into a single response to the request.\n")
	b.WriteString("Keep what is correct and useful, resolve disagreements, drop repetition and mistakes. ")
	b.WriteString("Answer the request directly and do not mention the assistants or this process.\n\n")
	b.WriteString("<request>\n")
	b.WriteString(strings.TrimSpace(prompt))
	b.WriteString("\n</request>\n")
	for i, s := range sources {
		fmt.Fprintf(&b, "\n<answer index=\"%d\" model=%q>\n%s\n</answer>\n", i+1, s.Model, strings.TrimSpace(s.Content))
	}
	return b.String()
}
