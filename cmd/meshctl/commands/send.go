package commands

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/saurav-z/aether-chat/internal/mesh"
	"github.com/spf13/cobra"
)

func sendCmd(opts *options) *cobra.Command {
	var (
		filePath string
		alias    string
		ttl      string
	)
	cmd := &cobra.Command{
		Use:   "send <contact> <text>",
		Short: "Seal and deposit a message for a contact",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			vt, err := opts.openVault(ctx, false)
			if err != nil {
				return err
			}
			contact, err := vt.Contact(ctx, args[0])
			vt.Lock()
			if err != nil {
				return err
			}

			msg := mesh.Message{Kind: mesh.KindText, Text: args[1], SenderAlias: alias}
			if ttl != "" {
				d, err := parseTTL(ttl)
				if err != nil {
					return err
				}
				msg.ExpiresAt = time.Now().Add(d)
			}
			if filePath != "" {
				data, err := os.ReadFile(filePath)
				if err != nil {
					return fmt.Errorf("read attachment: %w", err)
				}
				typ := mime.TypeByExtension(filepath.Ext(filePath))
				if typ == "" {
					typ = "application/octet-stream"
				}
				msg.Kind = mesh.KindFile
				if strings.HasPrefix(typ, "image/") {
					msg.Kind = mesh.KindImage
				}
				msg.File = &mesh.File{Name: filepath.Base(filePath), Type: typ, Size: int64(len(data)), Data: data}
			}

			session, closeSession, err := opts.dial(ctx, contact, nil, nil)
			if err != nil {
				return err
			}
			defer closeSession()
			if err := session.Send(ctx, msg); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "sent")
			return nil
		},
	}
	cmd.Flags().StringVarP(&filePath, "file", "f", "", "attach a file")
	cmd.Flags().StringVar(&alias, "as", "", "sender alias shown to group members")
	cmd.Flags().StringVar(&ttl, "ttl", "", "ask the receiver to discard the message after this duration (e.g. 10m)")
	return cmd
}

func parseTTL(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid ttl %q: %w", s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("ttl must be positive (got %s)", d)
	}
	return d, nil
}
