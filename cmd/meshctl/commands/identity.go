package commands

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/saurav-z/aether-chat/internal/crypto/seal"
	"github.com/saurav-z/aether-chat/internal/vault"
	"github.com/spf13/cobra"
)

func identityCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Manage the local X25519 identity",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Create the vault if needed and generate an identity key pair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			vt, err := opts.openVault(ctx, true)
			if err != nil {
				return err
			}
			defer vt.Lock()

			if _, err := vt.Identity(ctx); err == nil && !force {
				return errors.New("identity already exists (use --force to replace it)")
			} else if err != nil && !errors.Is(err, vault.ErrNotFound) {
				return err
			}
			kp, err := seal.GenerateKeyPair(nil)
			if err != nil {
				return err
			}
			if err := vt.SetIdentity(ctx, kp); err != nil {
				return err
			}
			printIdentity(cmd, kp)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "replace an existing identity")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the identity fingerprint and public key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			vt, err := opts.openVault(ctx, false)
			if err != nil {
				return err
			}
			defer vt.Lock()

			kp, err := vt.Identity(ctx)
			if err != nil {
				return err
			}
			printIdentity(cmd, kp)
			return nil
		},
	}

	cmd.AddCommand(initCmd, showCmd)
	return cmd
}

func printIdentity(cmd *cobra.Command, kp seal.KeyPair) {
	fmt.Fprintf(cmd.OutOrStdout(), "Fingerprint: %s\nPublic key:  %s\n", kp.ID, base64.RawURLEncoding.EncodeToString(kp.Public))
}
