package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/pzverkov/kyberchat/pkg/chat"
	"github.com/pzverkov/kyberchat/pkg/protocol"
	"github.com/pzverkov/kyberchat/pkg/tunnel"
)

const passwordEnv = "KYBERCHAT_PASSWORD"

// prompter reads the password and any later input lines from one buffered
// reader, so lines piped after the password reach the chat prompt.
type prompter struct {
	in     *bufio.Reader
	tty    *os.File
	errOut io.Writer
}

func newPrompter(cmd *cobra.Command) *prompter {
	in := cmd.InOrStdin()
	p := &prompter{in: bufio.NewReader(in), errOut: cmd.ErrOrStderr()}
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		p.tty = f
	}
	return p
}

// password returns flagValue, then $KYBERCHAT_PASSWORD, then input read
// without echo on a terminal or as one line otherwise.
func (p *prompter) password(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if v := os.Getenv(passwordEnv); v != "" {
		return v, nil
	}
	fmt.Fprint(p.errOut, "Password: ")
	if p.tty != nil {
		b, err := term.ReadPassword(int(p.tty.Fd()))
		fmt.Fprintln(p.errOut)
		return string(b), err
	}
	line, err := p.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

type authFunc func(c *chat.Client, ctx context.Context, user, pass string) (*protocol.User, error)

func accountCmd(a *app, use, short string, auth authFunc) *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   use + " USERNAME",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pass, err := newPrompter(cmd).password(password)
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

			user, err := auth(client, ctx, args[0], pass)
			if err != nil {
				var authErr *chat.AuthError
				if errors.As(err, &authErr) {
					return fmt.Errorf("server refused: %s", authErr.Reason)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ %s as %s (id %d)\n", pastTense(use), user.Username, user.ID)
			printTunnel(cmd.OutOrStdout(), client.Session())
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "account password (default $"+passwordEnv+" or prompt)")
	return cmd
}

// printTunnel describes an established session.
func printTunnel(out io.Writer, s *tunnel.Session) {
	fmt.Fprintf(out, "  tunnel %s -> %s, key %s, secure since %s\n",
		s.LocalAddr(), s.RemoteAddr(), s.KeyFingerprint(), s.EstablishedAt().Format(time.TimeOnly))
}

func pastTense(use string) string {
	if use == "register" {
		return "Registered"
	}
	return "Logged in"
}

func registerCmd(a *app) *cobra.Command {
	return accountCmd(a, "register", "Create an account", (*chat.Client).Register)
}

func loginCmd(a *app) *cobra.Command {
	return accountCmd(a, "login", "Check credentials against the server", (*chat.Client).Login)
}
