package commands

import (
	"encoding/base64"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/saurav-z/aether-chat/internal/crypto/seal"
	"github.com/saurav-z/aether-chat/internal/vault"
	"github.com/spf13/cobra"
)

func contactCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contact",
		Short: "Manage contacts and group secrets",
	}

	addCmd := &cobra.Command{
		Use:   "add <alias> <peer-public-key>",
		Short: "Derive a shared secret with a peer's public key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			peer, err := decodeKey(args[1])
			if err != nil {
				return fmt.Errorf("peer public key: %w", err)
			}
			vt, err := opts.openVault(ctx, false)
			if err != nil {
				return err
			}
			defer vt.Lock()

			self, err := vt.Identity(ctx)
			if err != nil {
				return fmt.Errorf("load identity: %w", err)
			}
			shared, err := seal.SharedSecret(self.Private, peer)
			if err != nil {
				return err
			}
			defer seal.Zero(shared)
			if err := vt.PutContact(ctx, vault.Contact{Alias: args[0], SharedSecret: shared, PeerPublic: peer}); err != nil {
				return err
			}
			peerID, _ := seal.KeyIdentifier(peer)
			fmt.Fprintf(cmd.OutOrStdout(), "Added %s (fingerprint %s)\n", args[0], peerID)
			return nil
		},
	}

	var groupKey string
	groupCmd := &cobra.Command{
		Use:   "group <alias>",
		Short: "Create a group secret, or join one with --key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var key []byte
			var err error
			if groupKey != "" {
				key, err = decodeKey(groupKey)
			} else {
				key, err = seal.GroupKey()
			}
			if err != nil {
				return fmt.Errorf("group key: %w", err)
			}
			defer seal.Zero(key)

			vt, err := opts.openVault(ctx, false)
			if err != nil {
				return err
			}
			defer vt.Lock()
			if err := vt.PutContact(ctx, vault.Contact{Alias: args[0], SharedSecret: key, IsGroup: true}); err != nil {
				return err
			}
			if groupKey == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Group %s created. Share this key with members:\n%s\n", args[0], base64.RawURLEncoding.EncodeToString(key))
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Joined group %s\n", args[0])
			}
			return nil
		},
	}
	groupCmd.Flags().StringVar(&groupKey, "key", "", "existing group key to join")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List contacts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			vt, err := opts.openVault(ctx, false)
			if err != nil {
				return err
			}
			defer vt.Lock()

			contacts, err := vt.Contacts(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ALIAS\tKIND\tFINGERPRINT\tCREATED")
			for _, c := range contacts {
				kind, fp := "direct", "-"
				if c.IsGroup {
					kind = "group"
				}
				if len(c.PeerPublic) > 0 {
					fp, _ = seal.KeyIdentifier(c.PeerPublic)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.Alias, kind, fp, c.CreatedAt.Local().Format(time.RFC3339))
			}
			return w.Flush()
		},
	}

	removeCmd := &cobra.Command{
		Use:   "remove <alias>",
		Short: "Forget a contact and its secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			vt, err := opts.openVault(ctx, false)
			if err != nil {
				return err
			}
			defer vt.Lock()
			return vt.DeleteContact(ctx, args[0])
		},
	}

	cmd.AddCommand(addCmd, pairCmd(opts), groupCmd, listCmd, removeCmd)
	return cmd
}

func decodeKey(s string) ([]byte, error) {
	key, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		key, err = base64.StdEncoding.DecodeString(s)
	}
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	if len(key) != seal.KeySize {
		return nil, fmt.Errorf("key must be %d bytes (got %d)", seal.KeySize, len(key))
	}
	return key, nil
}
