package main

import (
	"fmt"
	"time"

	"github.com/ripkitten-co/parley/auth"
	"github.com/spf13/cobra"
)

func newTokenCommand(root *rootOptions) *cobra.Command {
	var (
		p   auth.Principal
		ttl time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token for a principal",
		Example: `  parleyd token --dev --user u1 --org org1
  parleyd token -c parley.yaml --user u3 --org org1 --role manager --ttl 24h`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if p.Role != "" && !p.Role.Valid() {
				return fmt.Errorf("unknown role %q", p.Role)
			}
			v := auth.NewJWTVerifier([]byte(cfg.Auth.Secret), auth.WithIssuer(cfg.Auth.Issuer), auth.WithAudience(cfg.Auth.Audience))
			tok, err := v.Sign(p, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&p.UserID, "user", "", "user id (required)")
	cmd.Flags().StringVar(&p.OrganizationID, "org", "", "organization id (required)")
	cmd.Flags().StringVar((*string)(&p.Role), "role", string(auth.RoleMember), "member|manager|admin")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("org")
	return cmd
}
