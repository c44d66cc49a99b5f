package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/campchat/chat-relay/internal/abuse"
	"github.com/campchat/chat-relay/internal/store"
)

const adminTimeout = 30 * time.Second

// The ban subcommands edit the store directly. When NATS is configured the
// change is also published so running relays apply it at once; otherwise it
// takes effect on their next restart.
func banCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ban",
		Short: "Inspect and edit the ban list",
	}

	var reason string
	add := &cobra.Command{
		Use:   "add <identity>",
		Short: "Ban an identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(func(ctx context.Context, l *abuse.Ledger) error {
				l.Ban(ctx, args[0], reason)
				if l.Pending() > 0 {
					return fmt.Errorf("ban %s was not persisted", args[0])
				}
				fmt.Fprintf(cmd.OutOrStdout(), "banned %s\n", args[0])
				return nil
			})
		},
	}
	add.Flags().StringVar(&reason, "reason", "manual", "reason recorded with the ban")

	remove := &cobra.Command{
		Use:   "remove <identity>",
		Short: "Lift a ban",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(func(ctx context.Context, l *abuse.Ledger) error {
				if !l.Unban(ctx, args[0]) {
					return fmt.Errorf("%s is not banned", args[0])
				}
				if l.Pending() > 0 {
					return fmt.Errorf("unban %s was not persisted", args[0])
				}
				fmt.Fprintf(cmd.OutOrStdout(), "unbanned %s\n", args[0])
				return nil
			})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List banned identities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withLedger(func(_ context.Context, l *abuse.Ledger) error {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "IDENTITY\tREASON\tSINCE")
				for _, b := range l.Bans() {
					fmt.Fprintf(w, "%s\t%s\t%s\n", b.Identity, b.Reason, b.CreatedAt.Format(time.RFC3339))
				}
				return w.Flush()
			})
		},
	}

	cmd.AddCommand(add, remove, list)
	return cmd
}

func withLedger(fn func(ctx context.Context, l *abuse.Ledger) error) error {
	cfg := commonRun()

	st, err := store.Open(cfg.StoreDriver, cfg.StoreDSN)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), adminTimeout)
	defer cancel()

	lc := abuse.DefaultConfig()
	lc.Origin = "cli"
	l, err := abuse.New(ctx, st, nil, lc)
	if err != nil {
		return err
	}
	if cfg.NATSURL != "" {
		nc, err := connectNATS(cfg.NATSURL, "relay-cli")
		if err != nil {
			log.WithError(err).Warn("relay: nats unavailable, running relays apply the change on restart")
		} else {
			defer nc.Close()
			l.SetNotifier(nc)
		}
	}
	if err := fn(ctx, l); err != nil {
		log.WithError(err).Debug("relay: ban command failed")
		return err
	}
	return nil
}

