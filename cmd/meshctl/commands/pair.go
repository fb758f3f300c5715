package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/saurav-z/aether-chat/internal/crypto/seal"
	"github.com/saurav-z/aether-chat/internal/pairing"
	"github.com/saurav-z/aether-chat/internal/vault"
	"github.com/spf13/cobra"
)

func pairCmd(opts *options) *cobra.Command {
	var (
		code    string
		name    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "pair <alias>",
		Short: "Exchange keys with a peer over a one-time invite code",
		Long: "Without --code a fresh invite code is printed and meshctl waits for the peer.\n" +
			"With --code meshctl joins the peer who shared it. Either way the contact is\n" +
			"stored once both public keys have been exchanged.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			vt, err := opts.openVault(ctx, false)
			if err != nil {
				return err
			}
			defer vt.Lock()

			self, err := vt.Identity(ctx)
			if err != nil {
				return fmt.Errorf("load identity: %w", err)
			}

			role := pairing.Joiner
			if code == "" {
				role = pairing.Inviter
				code = pairing.NewCode()
				fmt.Fprintf(cmd.OutOrStdout(), "Invite code: %s\nWaiting up to %s for the peer to join...\n", code, timeout)
			}

			pairCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			peer, err := pairing.Run(pairCtx, opts.meshConfig(args[0]), pairing.Options{
				Code:     code,
				Role:     role,
				Identity: self,
				Alias:    name,
			})
			if err != nil {
				return fmt.Errorf("pair: %w", err)
			}
			defer seal.Zero(peer.SharedSecret)

			if err := vt.PutContact(ctx, vault.Contact{Alias: args[0], SharedSecret: peer.SharedSecret, PeerPublic: peer.PublicKey}); err != nil {
				return err
			}
			peerID, _ := seal.KeyIdentifier(peer.PublicKey)
			fmt.Fprintf(cmd.OutOrStdout(), "Paired with %s as %s (fingerprint %s)\n", peer.Alias, args[0], peerID)
			return nil
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "invite code received from the peer")
	cmd.Flags().StringVar(&name, "name", "Anonymous", "alias announced to the peer")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "how long to wait for the peer")
	return cmd
}
