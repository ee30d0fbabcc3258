// Package console is a line-oriented terminal front-end for the chat client.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/ychat/internal/app"
	"github.com/petervdpas/ychat/internal/call"
	"github.com/petervdpas/ychat/internal/chat"
	"github.com/petervdpas/ychat/internal/proto"
	"github.com/petervdpas/ychat/internal/util"
)

var log = logging.Logger("console")

const noticeCapacity = 50

type Console struct {
	in  io.Reader
	out io.Writer

	outMu   sync.Mutex
	notices *util.RingBuffer[string]

	client *app.Client
	cc     *app.ChatContext
	now    func() time.Time
}

func New(in io.Reader, out io.Writer) *Console {
	return &Console{
		in:      in,
		out:     out,
		notices: util.NewRingBuffer[string](noticeCapacity),
		now:     time.Now,
	}
}

// Run reads commands until quit, end of input or ctx is done. It has the
// app.Frontend signature.
func (c *Console) Run(ctx context.Context, client *app.Client) error {
	c.client = client
	defer c.closeChat()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	if u := client.Store().CurrentUser(); u.SignedIn() {
		c.printf("signed in as %s\n", u.Username)
	} else {
		c.printf("not signed in; try: signin <name>\n")
	}
	c.printf("type help for commands\n")

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := c.Exec(ctx, line)
			if err != nil {
				c.printf("error: %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

// Exec runs one command line and reports whether the user asked to quit.
func (c *Console) Exec(ctx context.Context, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if c.cc != nil {
		return c.execRoom(ctx, line)
	}
	return c.execLobby(ctx, line)
}

func splitCommand(line string) (string, string) {
	cmd, rest, _ := strings.Cut(line, " ")
	return strings.ToLower(cmd), strings.TrimSpace(rest)
}

func (c *Console) execLobby(ctx context.Context, line string) (bool, error) {
	cmd, arg := splitCommand(line)
	switch cmd {
	case "help", "?":
		c.printf("%s", lobbyHelp)
	case "quit", "exit":
		return true, nil
	case "signin":
		u, err := c.client.SignIn(ctx, arg)
		if err != nil {
			return false, err
		}
		c.printf("signed in as %s (%s)\n", u.Username, u.ID)
	case "signout":
		if err := c.client.SignOut(); err != nil {
			return false, err
		}
		c.printf("signed out\n")
	case "whoami":
		u := c.client.Store().CurrentUser()
		if !u.SignedIn() {
			return false, app.ErrNotSignedIn
		}
		c.printf("%s (%s)\n", u.Username, u.ID)
	case "chats":
		chats, err := c.client.Chats(ctx)
		if err != nil {
			return false, err
		}
		if len(chats) == 0 {
			c.printf("no chats\n")
		}
		for _, ch := range chats {
			c.printf("%s\n", formatChat(ch))
		}
	case "new":
		ch, err := c.client.CreateChat(ctx)
		if err != nil {
			return false, err
		}
		c.printf("created %s\n", ch.ChatID)
	case "vip":
		ch, err := c.client.CreateVIPChat(ctx, arg)
		if err != nil {
			return false, err
		}
		c.printf("created VIP chat %s\n", ch.DisplayID())
	case "enter":
		if err := c.client.EnterChat(ctx, arg); err != nil {
			return false, err
		}
		return false, c.openChat(ctx, arg)
	case "open":
		return false, c.openChat(ctx, arg)
	case "delete":
		if err := c.client.DeleteChat(ctx, arg); err != nil {
			return false, err
		}
		c.printf("deleted %s\n", arg)
	case "share":
		if err := c.client.ShareChat(ctx, arg); err != nil {
			return false, err
		}
		c.printf("shared %s\n", arg)
	case "name":
		id, name := splitCommand(arg)
		if err := c.client.RenameChat(id, name); err != nil {
			return false, err
		}
		c.printf("%s is now shown as %s\n", id, c.client.ChatName(id))
	case "theme":
		if c.client.Store().ToggleTheme() {
			c.printf("theme: dark\n")
		} else {
			c.printf("theme: light\n")
		}
	case "notices":
		c.showNotices()
	default:
		return false, fmt.Errorf("unknown command %q (try help)", cmd)
	}
	return false, nil
}

func (c *Console) execRoom(ctx context.Context, line string) (bool, error) {
	if !strings.HasPrefix(line, "/") {
		_, err := c.cc.Room.Send(line)
		return false, err
	}
	cmd, arg := splitCommand(strings.TrimPrefix(line, "/"))
	fwd := c.cc.Call
	switch cmd {
	case "help", "?":
		c.printf("%s", roomHelp)
	case "quit", "exit":
		return true, nil
	case "leave":
		c.closeChat()
		c.printf("back in the lobby\n")
	case "history":
		for _, m := range c.cc.Room.Messages() {
			c.printf("%s\n", c.formatMessage(m))
		}
	case "refresh":
		if err := c.cc.Room.Refresh(ctx); err != nil {
			return false, err
		}
	case "name":
		if err := c.client.RenameChat(c.cc.ChatID, arg); err != nil {
			return false, err
		}
		c.printf("chat is now shown as %s\n", c.client.ChatName(c.cc.ChatID))
	case "share":
		if err := c.client.ShareChat(ctx, c.cc.ChatID); err != nil {
			return false, err
		}
		c.printf("shared %s\n", c.cc.ChatID)
	case "call":
		if err := fwd.Start(ctx); err != nil {
			return false, err
		}
		c.printf("calling...\n")
	case "accept":
		ic := fwd.Ringing()
		if ic == nil {
			return false, call.ErrCallEnded
		}
		if err := ic.Accept(ctx); err != nil {
			return false, err
		}
		c.printf("call connected\n")
	case "reject":
		ic := fwd.Ringing()
		if ic == nil {
			return false, call.ErrCallEnded
		}
		ic.Reject()
		c.printf("call rejected\n")
	case "hangup":
		if err := fwd.Hangup(); err != nil {
			return false, err
		}
		c.printf("call ended\n")
	case "mute":
		muted, err := fwd.ToggleMute()
		if err != nil {
			return false, err
		}
		c.printf("muted: %v\n", muted)
	case "speaker":
		on, err := fwd.ToggleSpeaker()
		if err != nil {
			return false, err
		}
		c.printf("speaker: %v\n", on)
	case "status":
		c.printf("%s\n", c.formatStatus(fwd.Status()))
	case "notices":
		c.showNotices()
	default:
		return false, fmt.Errorf("unknown command /%s (try /help)", cmd)
	}
	return false, nil
}

func (c *Console) openChat(ctx context.Context, chatID string) error {
	cc, err := c.client.OpenChat(ctx, chatID, chat.NotifierFunc(c.notifyMessage))
	if err != nil {
		return err
	}
	c.cc = cc
	cc.Call.OnIncoming(func(ic *call.IncomingCall) {
		c.notice(fmt.Sprintf("incoming call in %s: /accept or /reject", c.client.ChatName(ic.ChatID)))
	})
	history, loaded, updates := cc.Room.SubscribeSnapshot()
	if loaded {
		c.printHistory(history)
	}
	go c.watchRoom(cc.Room, updates)

	state := "connected"
	if !cc.Connected() {
		state = "offline, history over HTTP"
	}
	c.printf("── %s (%s) ── /help for commands\n", c.client.ChatName(cc.ChatID), state)
	return nil
}

func (c *Console) closeChat() {
	if c.cc == nil {
		return
	}
	c.cc.Close()
	c.cc = nil
}

// watchRoom prints room updates until the room is left.
func (c *Console) watchRoom(room *chat.Room, updates <-chan chat.Update) {
	for u := range updates {
		switch u.Kind {
		case chat.UpdateHistory:
			c.printHistory(u.Messages)
		case chat.UpdateMessage:
			c.printf("%s\n", c.formatMessage(u.Message))
		}
	}
	log.Debugf("[%s] update stream closed", room.ChatID())
}

func (c *Console) printHistory(msgs []proto.Message) {
	c.printf("── %d message(s) ──\n", len(msgs))
	for _, m := range msgs {
		c.printf("%s\n", c.formatMessage(m))
	}
}

func (c *Console) notifyMessage(m proto.Message) {
	c.notices.Push(fmt.Sprintf("%s new message in %s", c.now().Format("15:04"), c.client.ChatName(m.ChatID)))
}

func (c *Console) notice(msg string) {
	c.notices.Push(c.now().Format("15:04") + " " + msg)
	c.printf("* %s\n", msg)
}

func (c *Console) showNotices() {
	items := c.notices.Drain()
	if len(items) == 0 {
		c.printf("no notices\n")
		return
	}
	for _, n := range items {
		c.printf("%s\n", n)
	}
}

func (c *Console) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}
