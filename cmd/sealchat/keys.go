package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"sealchat/internal/keyhierarchy"
	"sealchat/internal/store"
	"sealchat/internal/trust"
)

func initCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the account keys on this device",
		Long: `Create a MasterKey, an IdentityKey certified by it and an AccountKey.
Run this once per account. Further devices join with "sealchat migrate".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.openSession(ctx, offline{}, nil); err != nil {
				return err
			}
			if err := a.session.Setup(ctx); err != nil {
				return err
			}
			fp, err := a.session.Fingerprint(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Account keys created for %s\n", a.cfg.Account.UserID)
			fmt.Printf("Session:     %s\n", a.cfg.Account.SessionID)
			fmt.Printf("Fingerprint: %s\n", fp)
			return nil
		},
	}
}

func statusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show key store and account status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.openSession(ctx, offline{}, nil); err != nil {
				return err
			}

			fmt.Printf("User:     %s\n", a.cfg.Account.UserID)
			fmt.Printf("Session:  %s\n", a.cfg.Account.SessionID)
			fmt.Printf("Store:    %s (%s)\n", a.cfg.Storage.Path, a.cfg.Storage.Type)
			if a.sqlite != nil {
				st, err := store.GetSchemaStatus(ctx, a.sqlite.DB())
				if err != nil {
					return err
				}
				fmt.Printf("Schema:   v%d of v%d (%d pending)\n", st.Current, st.Latest, len(st.Pending))
			}

			ready, err := a.session.Ready(ctx)
			if err != nil {
				return err
			}
			if !ready {
				fmt.Println("Keys:     none (run `sealchat init` or `sealchat migrate request`)")
				return nil
			}
			fp, err := a.session.Fingerprint(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Master:   %s\n", fp)

			p, err := a.session.Participant(ctx)
			if err != nil {
				fmt.Printf("Identity: unusable (%v)\n", err)
				return nil
			}
			fmt.Printf("Identity: %s (expires %s)\n",
				keyhierarchy.Fingerprint(p.Identity.Hash()), time.UnixMilli(p.Identity.KeyExpiration).Format(time.RFC3339))
			fmt.Printf("Account:  %s (since %s)\n",
				keyhierarchy.Fingerprint(p.AccountKey.Hash()), time.UnixMilli(p.AccountKey.Timestamp).Format(time.RFC3339))

			recs, err := a.session.Ledger().All(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Ledger:   %d master keys recorded\n", len(recs))
			return nil
		},
	}
}

func fingerprintCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Print the MasterKey fingerprint for out-of-band comparison",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.openSession(ctx, offline{}, nil); err != nil {
				return err
			}
			fp, err := a.session.Fingerprint(ctx)
			if err != nil {
				return err
			}
			fmt.Println(fp)
			return nil
		},
	}
}

func trustCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "trust <user-id> <master-key-hash>",
		Short: "Mark a contact's MasterKey as verified",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.openSession(ctx, offline{}, nil); err != nil {
				return err
			}
			if err := a.session.Trust(ctx, args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("Trusted %s key %s\n", args[0], keyhierarchy.Fingerprint(args[1]))
			return nil
		},
	}
}

func trustedCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "trusted [user-id]",
		Short: "List recorded MasterKeys and their trust level",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.openSession(ctx, offline{}, nil); err != nil {
				return err
			}
			var (
				recs []trust.AllowKeyRecord
				err  error
			)
			if len(args) == 1 {
				recs, err = a.session.Ledger().Records(ctx, args[0])
			} else {
				recs, err = a.session.Ledger().All(ctx)
			}
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "USER\tKEY\tLEVEL\tACTIVE SINCE\tHASH")
			for _, r := range recs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.UserID, keyhierarchy.Fingerprint(r.KeyHash), r.Type.Level(),
					time.UnixMilli(r.Timestamp).Format(time.RFC3339), r.KeyHash)
			}
			return w.Flush()
		},
	}
}

func rotateMasterCmd(a *app) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "rotate-master",
		Short: "Replace the MasterKey",
		Long: `Replace the MasterKey and reissue the IdentityKey and AccountKey under it.
Contacts see a new fingerprint. Other sessions of the account must migrate again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("rotating the master key invalidates other sessions; pass --yes to continue")
			}
			ctx := cmd.Context()
			if err := a.openSession(ctx, offline{}, nil); err != nil {
				return err
			}
			fp, err := a.session.RotateMaster(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("New fingerprint: %s\n", fp)
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the rotation")
	return cmd
}
