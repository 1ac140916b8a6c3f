package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xiaot623/gogo/realtime/internal/domain"
	"github.com/xiaot623/gogo/realtime/internal/protocol"
)

var chatCmd = &cobra.Command{
	Use:   "chat <room_id>",
	Short: "Join a room and chat interactively",
	Long: `Joins the room and reads lines from stdin. Plain lines are sent as
messages; mention @wayneAI or @consultingAI to get a streamed answer.

Commands:
  /history              load older messages
  /react <id> <emoji>   add a reaction (prefix emoji with - to remove)
  /read <id>...         mark messages as read
  /join <room_id>       switch rooms
  /quit                 leave and exit`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token, session := viper.GetString(tokenKey), viper.GetString(sessionKey)
		if token == "" || session == "" {
			return errors.New("--token and --session are required")
		}

		client, err := Dial(viper.GetString(serverKey), token, session)
		if err != nil {
			return err
		}
		defer client.Close()

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Connected as %s. Type /quit to exit.\n", client.userID)

		r := &repl{roomID: args[0], cursor: &cursor{}}
		readDone := make(chan error, 1)
		go func() { readDone <- client.ReadMessages(out, r.cursor) }()

		stopHeartbeat := make(chan struct{})
		defer close(stopHeartbeat)
		go heartbeat(client, stopHeartbeat)

		if err := client.Send(r.join(r.roomID)); err != nil {
			return err
		}

		lines := make(chan string)
		go func() {
			scanner := bufio.NewScanner(cmd.InOrStdin())
			for scanner.Scan() {
				lines <- scanner.Text()
			}
			close(lines)
		}()

		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, os.Interrupt)
		defer signal.Stop(interrupt)

		for {
			select {
			case <-interrupt:
				fmt.Fprintln(out, "\nInterrupted")
				return nil
			case err := <-readDone:
				return err
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				frame, quit, err := r.parse(line)
				if err != nil {
					fmt.Fprintln(out, err)
					continue
				}
				if frame != nil {
					if err := client.Send(frame); err != nil {
						return fmt.Errorf("send: %w", err)
					}
				}
				if quit {
					return nil
				}
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(chatCmd)
}

func heartbeat(c *Client, stop <-chan struct{}) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.Send(protocol.NewBase(protocol.TypeHeartbeat, "")); err != nil {
				return
			}
		}
	}
}

// repl turns input lines into protocol frames.
type repl struct {
	roomID  string
	cursor  *cursor
	counter int
}

func (r *repl) requestID() string {
	r.counter++
	return fmt.Sprintf("cli-%d", r.counter)
}

func (r *repl) join(roomID string) protocol.JoinRoomMessage {
	r.roomID = roomID
	r.cursor.reset()
	return protocol.JoinRoomMessage{BaseMessage: protocol.NewBase(protocol.TypeJoinRoom, r.requestID()), RoomID: roomID}
}

// parse returns the frame to send for line, whether to exit afterwards, and
// a usage error for malformed commands. Blank lines yield no frame.
func (r *repl) parse(line string) (any, bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return protocol.SendMessageMessage{
			BaseMessage: protocol.NewBase(protocol.TypeSendMessage, r.requestID()),
			RoomID:      r.roomID,
			MessageType: domain.MessageTypeText,
			Content:     line,
		}, false, nil
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit":
		return protocol.LeaveRoomMessage{
			BaseMessage: protocol.NewBase(protocol.TypeLeaveRoom, r.requestID()),
			RoomID:      r.roomID,
		}, true, nil
	case "/history":
		return protocol.FetchHistoryMessage{
			BaseMessage: protocol.NewBase(protocol.TypeFetchHistory, r.requestID()),
			RoomID:      r.roomID,
			Before:      r.cursor.get(),
		}, false, nil
	case "/join":
		if len(fields) != 2 {
			return nil, false, errors.New("usage: /join <room_id>")
		}
		return r.join(fields[1]), false, nil
	case "/react":
		if len(fields) != 3 {
			return nil, false, errors.New("usage: /react <message_id> <emoji>")
		}
		action, emoji := "add", fields[2]
		if strings.HasPrefix(emoji, "-") {
			action, emoji = "remove", strings.TrimPrefix(emoji, "-")
		}
		return protocol.ReactionToggleMessage{
			BaseMessage: protocol.NewBase(protocol.TypeReactionToggle, r.requestID()),
			MessageID:   fields[1],
			Emoji:       emoji,
			Action:      action,
		}, false, nil
	case "/read":
		if len(fields) < 2 {
			return nil, false, errors.New("usage: /read <message_id>...")
		}
		return protocol.MarkReadMessage{
			BaseMessage: protocol.NewBase(protocol.TypeMarkRead, r.requestID()),
			RoomID:      r.roomID,
			MessageIDs:  fields[1:],
		}, false, nil
	}
	return nil, false, fmt.Errorf("unknown command %s", fields[0])
}
