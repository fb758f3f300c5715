package commands

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/saurav-z/aether-chat/internal/mesh"
	"github.com/spf13/cobra"
)

func listenCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "listen <contact>",
		Short: "Print messages from a contact until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			vt, err := opts.openVault(ctx, false)
			if err != nil {
				return err
			}
			contact, err := vt.Contact(ctx, args[0])
			vt.Lock()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			session, closeSession, err := opts.dial(ctx, contact,
				func(m mesh.Message) { printMessage(out, contact.Alias, m) },
				func(s mesh.Status) {
					if s == mesh.StatusReconnecting || s == mesh.StatusConnected || s == mesh.StatusError {
						fmt.Fprintf(cmd.ErrOrStderr(), "[%s]\n", s)
					}
				})
			if err != nil {
				return err
			}
			defer closeSession()

			fmt.Fprintf(cmd.ErrOrStderr(), "listening for %s, ctrl-c to stop\n", contact.Alias)
			select {
			case <-ctx.Done():
				return nil
			case <-session.Done():
				return fmt.Errorf("relay connection lost")
			}
		},
	}
}

func printMessage(w io.Writer, contact string, m mesh.Message) {
	from := m.SenderAlias
	if from == "" {
		from = contact
	}
	stamp := m.Timestamp.Local().Format("15:04:05")
	switch {
	case m.File != nil:
		fmt.Fprintf(w, "%s <%s> [%s %s, %d bytes] %s\n", stamp, from, m.Kind, m.File.Name, m.File.Size, m.Text)
	case m.Kind == mesh.KindDelete:
		fmt.Fprintf(w, "%s <%s> deleted message %s\n", stamp, from, m.ReplyTo)
	default:
		fmt.Fprintf(w, "%s <%s> %s\n", stamp, from, m.Text)
	}
}
