package notify

import (
	"fmt"
	"strings"
)

// maxMessagesPerKind caps how many direct and channel messages a single
// bundle pulls, so one noisy sender cannot blow up a prompt.
const maxMessagesPerKind = 20

// SupervisorAgentID is the messaging address of the supervisor watching a
// goal. Workers use it to send completion notices without knowing which
// process currently supervises.
func SupervisorAgentID(goalID string) string {
	return "supervisor-" + goalID
}

// BundleMessage is one entry in a notification bundle.
type BundleMessage struct {
	SenderID    string
	Content     string
	ChannelID   string
	FromChannel bool
}

// CollectBundle drains pending messages for an agent into a bundle, marking
// them read as a side effect.
func CollectBundle(store *Store, agentID string) ([]BundleMessage, error) {
	var bundle []BundleMessage

	direct, err := store.ReceiveDirect(agentID, maxMessagesPerKind)
	if err != nil {
		return nil, err
	}
	for _, m := range direct {
		bundle = append(bundle, BundleMessage{SenderID: m.SenderID, Content: m.Content})
	}

	posts, err := store.ReceiveChannels(agentID, maxMessagesPerKind)
	if err != nil {
		return nil, err
	}
	for _, m := range posts {
		bundle = append(bundle, BundleMessage{
			SenderID:    m.SenderID,
			Content:     m.Content,
			ChannelID:   m.ChannelID,
			FromChannel: true,
		})
	}
	return bundle, nil
}

// FormatForLLM renders a bundle as the system-role text injected into a
// continuation turn. Returns "" for an empty bundle.
func FormatForLLM(bundle []BundleMessage) string {
	if len(bundle) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("[INCOMING AGENT MESSAGES]\n\n")
	for _, m := range bundle {
		if m.FromChannel {
			fmt.Fprintf(&b, "Channel #%s from %s: %q\n", m.ChannelID, m.SenderID, m.Content)
		} else {
			fmt.Fprintf(&b, "Direct from %s: %q\n", m.SenderID, m.Content)
		}
	}
	b.WriteString("\nPlease review and respond to these messages.\n")
	return b.String()
}
