package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"tenantgate.dev/internal/auth"
)

func newAdminCommand(g *globals) *cobra.Command {
	var email, password string
	bootstrap := &cobra.Command{
		Use:   "bootstrap",
		Short: "Create a platform admin",
		Long: `Create an actor with the admin role.

Admins cannot join through the public API; use this command to create the
first one. The password may also be passed in TENANTGATE_ADMIN_PASSWORD.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if password == "" {
				password = os.Getenv("TENANTGATE_ADMIN_PASSWORD")
			}
			e, err := g.open()
			if err != nil {
				return err
			}
			defer e.Close()
			svc, err := e.service()
			if err != nil {
				return err
			}
			actor, err := svc.Verifier().Register(operatorContext(cmd.Context()), email, password, auth.RoleAdmin)
			if err != nil {
				return fmt.Errorf("bootstrap admin: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created admin %s (%s)\n", actor.Identity, actor.ID)
			return nil
		},
	}
	bootstrap.Flags().StringVar(&email, "email", "", "admin email")
	bootstrap.Flags().StringVar(&password, "password", "", "admin password")
	_ = bootstrap.MarkFlagRequired("email")

	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage platform admins",
	}
	cmd.AddCommand(bootstrap)
	return cmd
}

func newActorCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "actor",
		Short: "Manage actor lifecycle",
	}
	cmd.AddCommand(
		actorAction(g, "deactivate", "Disable an actor and revoke its sessions", func(cmd *cobra.Command, svc *auth.Service, id string) error {
			actor, err := svc.Deactivate(operatorContext(cmd.Context()), id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deactivated %s\n", actor.ID)
			return nil
		}),
		actorAction(g, "reactivate", "Enable a deactivated actor", func(cmd *cobra.Command, svc *auth.Service, id string) error {
			actor, err := svc.Reactivate(operatorContext(cmd.Context()), id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reactivated %s\n", actor.ID)
			return nil
		}),
		actorAction(g, "purge", "Permanently remove an actor, its assignments and tokens", func(cmd *cobra.Command, svc *auth.Service, id string) error {
			if err := svc.PurgeActor(operatorContext(cmd.Context()), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %s\n", id)
			return nil
		}),
	)
	return cmd
}

func actorAction(g *globals, name, short string, run func(*cobra.Command, *auth.Service, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <actor-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.open()
			if err != nil {
				return err
			}
			defer e.Close()
			svc, err := e.service()
			if err != nil {
				return err
			}
			if err := run(cmd, svc, args[0]); err != nil {
				return fmt.Errorf("actor %s: %w", name, err)
			}
			return nil
		},
	}
}
