package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	qerrors "github.com/pzverkov/kyberchat/internal/errors"
	"github.com/pzverkov/kyberchat/pkg/chat"
	"github.com/pzverkov/kyberchat/pkg/e2e"
	"github.com/pzverkov/kyberchat/pkg/metrics"
)

const chatHelp = `Type a message and press Enter to send it.
  /edit ID TEXT   replace the content of message ID
  /delete ID      delete message ID
  /list           show the conversation
  /quit           leave`

func chatCmd(a *app) *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "chat USERNAME CHAT_ID",
		Short: "Log in and join a conversation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			chatID, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid chat id %q", args[1])
			}
			prompt := newPrompter(cmd)
			pass, err := prompt.password(password)
			if err != nil {
				return err
			}
			client, err := a.newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			user, err := client.Login(ctx, args[0], pass)
			if err != nil {
				return err
			}
			conv, err := client.Conversation(chatID)
			if err != nil {
				return err
			}
			if err := conv.Enter(ctx); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "✓ %s in chat %d\n", user.Username, chatID)
			printTunnel(out, client.Session())
			fmt.Fprintf(out, "%s\n\n", chatHelp)

			done := make(chan struct{})
			go func() {
				defer close(done)
				printEvents(out, conv, user.ID)
			}()

			err = runPrompt(ctx, prompt.in, out, conv, client.Session().Done(), a.logger)
			exitCtx, exitCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer exitCancel()
			_ = conv.Exit(exitCtx)
			<-done
			return err
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "account password (default $"+passwordEnv+" or prompt)")
	return cmd
}

// conversation is the part of *chat.Conversation the prompt drives.
type conversation interface {
	Send(ctx context.Context, text string) error
	Edit(ctx context.Context, messageID int64, text string) error
	Delete(ctx context.Context, messageID int64) error
	Messages() []chat.Message
}

// runPrompt reads commands until EOF, /quit, ctx is done or the session
// closes.
func runPrompt(ctx context.Context, in io.Reader, out io.Writer, conv conversation, closed <-chan struct{}, logger *metrics.Logger) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case <-closed:
			return qerrors.ErrTunnelClosed
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}
		if line == "" {
			continue
		}

		cmd, rest, _ := strings.Cut(line, " ")
		var err error
		switch cmd {
		case "/quit":
			return nil
		case "/list":
			for _, m := range conv.Messages() {
				fmt.Fprintf(out, "  [%d] %d: %s\n", m.ID, m.SenderID, m.Text)
			}
		case "/edit":
			idStr, text, _ := strings.Cut(strings.TrimSpace(rest), " ")
			var id int64
			if id, err = strconv.ParseInt(idStr, 10, 64); err == nil {
				err = conv.Edit(ctx, id, text)
			}
		case "/delete":
			var id int64
			if id, err = strconv.ParseInt(strings.TrimSpace(rest), 10, 64); err == nil {
				err = conv.Delete(ctx, id)
			}
		default:
			err = conv.Send(ctx, line)
			if errors.Is(err, qerrors.ErrRetryNeeded) {
				// The key now exists locally.
				err = conv.Send(ctx, line)
			}
		}
		if err != nil {
			fmt.Fprintf(out, "! %v\n", err)
			logger.Debug("command failed", metrics.Fields{"command": cmd, "error": err.Error()})
			if errors.Is(err, qerrors.ErrTunnelClosed) {
				return err
			}
		}
	}
}

func printEvents(out io.Writer, conv *chat.Conversation, self int64) {
	who := func(id int64) string {
		if id == self {
			return "me"
		}
		return strconv.FormatInt(id, 10)
	}
	for ev := range conv.Events() {
		switch ev := ev.(type) {
		case e2e.HistoryEvent:
			for _, r := range ev.Results {
				fmt.Fprintf(out, "  [%d] %s: %s\n", r.Message.ID, who(r.Message.SenderID), r.Text())
			}
		case e2e.MessageEvent:
			fmt.Fprintf(out, "  [%d] %s: %s\n", ev.Message.ID, who(ev.Message.SenderID), ev.Text())
		case e2e.EditEvent:
			fmt.Fprintf(out, "  [%d] edited: %s\n", ev.MessageID, ev.Text())
		case e2e.DeleteEvent:
			fmt.Fprintf(out, "  [%d] deleted\n", ev.MessageID)
		case e2e.KeyEvent:
			fmt.Fprintf(out, "  * key for chat %d: %s\n", ev.ChatID, ev.Fingerprint)
		}
	}
}
