package console

import (
	"fmt"
	"strings"
	"time"

	"github.com/petervdpas/ychat/internal/app"
	"github.com/petervdpas/ychat/internal/call"
	"github.com/petervdpas/ychat/internal/proto"
)

const lobbyHelp = `commands:
  signin <name>        register and sign in
  signout | whoami
  chats                list your chats
  new                  create a chat
  vip <id>             create a chat with a chosen id
  enter <id>           join an existing chat and open it
  open <id>            open a chat you are already in
  share <id> | delete <id>
  name <id> <name>     local display name (empty clears)
  theme | notices | quit
`

const roomHelp = `in a chat, plain text is sent as a message. commands:
  /history /refresh /name <name> /share
  /call /accept /reject /hangup /mute /speaker /status
  /notices /leave /quit
`

func formatChat(ch app.ChatEntry) string {
	var b strings.Builder
	b.WriteString(ch.ChatID)
	if ch.Name != ch.DisplayID() {
		fmt.Fprintf(&b, "  %q", ch.Name)
	}
	if ch.IsVIP {
		b.WriteString("  [vip]")
	}
	if ch.LastMessage != "" {
		fmt.Fprintf(&b, "  %s", ch.LastMessage)
	}
	return b.String()
}

func (c *Console) formatMessage(m proto.Message) string {
	who := m.Sender
	if u := c.client.Store().CurrentUser(); u.SignedIn() && m.Sender == u.ID {
		who = "you"
	}
	return fmt.Sprintf("[%s] %s: %s", m.Time().Format("15:04"), who, m.Text)
}

func (c *Console) formatStatus(st call.Status) string {
	if st.State == (call.Idle{}).String() {
		return "no call"
	}
	s := fmt.Sprintf("call %s for %s", st.State, c.now().Sub(st.Since).Round(time.Second))
	if st.State == (call.Active{}).String() {
		s += fmt.Sprintf(", muted=%v speaker=%v, %d remote track(s), %d packets, %d lost",
			st.Muted, st.SpeakerOn, st.RemoteTracks, st.RemotePackets, st.RemoteLost)
	}
	return s
}
