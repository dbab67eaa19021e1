package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newLoginCmd(opts *globalOptions) *cobra.Command {
	var (
		password    string
		register    bool
		displayName string
	)
	cmd := &cobra.Command{
		Use:   "login <username>",
		Short: "Sign in and store the token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(opts)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			var token string
			if register {
				token, err = e.client.Register(ctx, args[0], password, displayName)
			} else {
				token, err = e.client.Login(ctx, args[0], password)
			}
			if err != nil {
				return err
			}
			if err := e.tokens.Save(token); err != nil {
				return err
			}

			me, err := e.client.Me(ctx)
			if err != nil {
				return fmt.Errorf("fetch profile: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "signed in as %s (id %d)\n", me.Name, me.ID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&password, "password", "p", "", "account password")
	cmd.Flags().BoolVar(&register, "register", false, "create the account first")
	cmd.Flags().StringVar(&displayName, "name", "", "display name when registering")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}
