// Command tminusctl is a thin operator CLI against a single user's
// store: inspect mirror dead letters, list delegation grants, and
// force a sweep pass outside the daemon's own schedule.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/calendarfed/tminus/internal/config"
	"github.com/calendarfed/tminus/internal/db"
	"github.com/calendarfed/tminus/internal/delegation"
	"github.com/calendarfed/tminus/internal/scheduling"
)

func main() {
	var configPath string
	var userID string

	root := &cobra.Command{
		Use:   "tminusctl",
		Short: "Operate on a single user's calendar federation store",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a config file")
	root.PersistentFlags().StringVar(&userID, "user", "", "user id whose store to operate on")
	root.MarkPersistentFlagRequired("user")

	root.AddCommand(deadLettersCmd(&configPath, &userID))
	root.AddCommand(grantsCmd(&configPath, &userID))
	root.AddCommand(sweepCmd(&configPath, &userID))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openStore(ctx context.Context, configPath, userID string) (*db.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	store, err := db.Open(ctx, cfg.UserDBPath(userID))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		store.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return store, nil
}

func deadLettersCmd(configPath, userID *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "dead-letters",
		Short: "List permanently failed mirror writes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx, *configPath, *userID)
			if err != nil {
				return err
			}
			defer store.Close()

			letters, err := store.ListMirrorDeadLetters(ctx, limit)
			if err != nil {
				return err
			}
			if len(letters) == 0 {
				fmt.Println("no dead letters")
				return nil
			}
			for _, d := range letters {
				fmt.Printf("%s  event=%s target=%s/%s attempts=%d failed_at=%s error=%q\n",
					d.DeadLetterID, d.CanonicalEventID, d.TargetAccountID, d.TargetCalendarID,
					d.AttemptCount, d.FailedAt.Format(time.RFC3339), d.LastError)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows to show")
	return cmd
}

func grantsCmd(configPath, userID *string) *cobra.Command {
	var orgID string
	cmd := &cobra.Command{
		Use:   "grants",
		Short: "List delegation grants for an org",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx, *configPath, *userID)
			if err != nil {
				return err
			}
			defer store.Close()

			reg := delegation.New(store)
			grants, err := reg.ListGrants(ctx, orgID)
			if err != nil {
				return err
			}
			if len(grants) == 0 {
				fmt.Println("no grants")
				return nil
			}
			for _, g := range grants {
				status := "active"
				if !g.Active() {
					status = "revoked"
				}
				fmt.Printf("%s  delegated=%s granted_by=%s scopes=%v status=%s\n",
					g.GrantID, g.DelegatedAccountID, g.GrantedBy, g.Scopes, status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&orgID, "org", "", "org id to list grants for")
	cmd.MarkFlagRequired("org")
	return cmd
}

func sweepCmd(configPath, userID *string) *cobra.Command {
	var holdTTL time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Force an expiry sweep of scheduling sessions and holds",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx, *configPath, *userID)
			if err != nil {
				return err
			}
			defer store.Close()

			coord := scheduling.New(store, holdTTL, nil, nil, nil, nil)
			n, err := coord.SweepExpired(ctx, time.Now().UTC())
			if err != nil {
				return err
			}
			fmt.Printf("swept %d expired rows\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&holdTTL, "hold-ttl", 10*time.Minute, "hold TTL given to the scheduling coordinator; the sweep reads each hold's stored expiry, not this value")
	return cmd
}
