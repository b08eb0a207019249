package queue

import (
	"fmt"
	"strings"

	"challengebot/internal/types"
)

// RenderChallenge produces the plain delivery payload for a challenge.
// Presentation polish belongs to the command layer; this is the minimum a
// delivery call needs.
func RenderChallenge(c types.Challenge) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Weekly Coding Challenge - %s\n\n", strings.ToUpper(string(c.Difficulty)))
	fmt.Fprintf(&b, "*%s*\n\n%s\n", c.Title, c.Description)
	if c.Example != "" {
		fmt.Fprintf(&b, "\nExample:\n%s\n", c.Example)
	}
	if c.FunctionStub != "" {
		fmt.Fprintf(&b, "\nFunction to complete:\n```\n%s\n```\n", c.FunctionStub)
	}
	if c.URL != "" {
		fmt.Fprintf(&b, "\n<%s|View the full problem>\n", c.URL)
	}
	b.WriteString("\nReply in this thread with your solution!")
	return b.String()
}
