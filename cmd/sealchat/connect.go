package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"sealchat/internal/metrics"
	"sealchat/internal/migration"
	"sealchat/internal/relay"
)

// online opens the session over a relay connection, runs fn while the
// connection is served and tears everything down afterwards.
func (a *app) online(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := a.openStore(ctx); err != nil {
		return err
	}
	if a.cfg.Account.UserID == "" {
		return errors.New("no user id: set account.user_id or pass --user")
	}
	url, err := relay.WebsocketURL(a.cfg.Relay.URL, a.cfg.Account.UserID, a.cfg.Account.SessionID)
	if err != nil {
		return err
	}
	conn, err := relay.Dial(ctx, url,
		relay.WithConnLogger(a.logger.Component("relay")),
		relay.WithConnMetrics(a.metrics),
		relay.WithDedupTTL(a.cfg.Relay.DedupTTL()),
	)
	if err != nil {
		return err
	}
	defer conn.Close()

	requester := relay.NewHTTPRequester(a.cfg.Relay.URL, a.cfg.Relay.Timeout())
	if err := a.openSession(ctx, conn, requester); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	ctx, cancel := context.WithCancel(ctx)
	a.watchConfig(ctx)
	g.Go(func() error {
		err := conn.Run(ctx, a.session)
		if ctx.Err() != nil {
			return nil
		}
		return err
	})
	if a.metrics != nil {
		g.Go(func() error { return metrics.Serve(ctx, a.cfg.Metrics.Addr, a.metrics) })
	}
	g.Go(func() error {
		defer cancel()
		return fn(ctx)
	})
	return g.Wait()
}

// announce publishes this session's share key when it holds account keys.
func (a *app) announce(ctx context.Context) error {
	ready, err := a.session.Ready(ctx)
	if err != nil || !ready {
		return err
	}
	return a.session.Announce(ctx)
}

func connectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "connect",
		Short: "Stay connected to the relay and process key traffic",
		Long: `Connect to the relay, announce this session to the account's other sessions
and accept room key copies and AccountKey shares until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.online(cmd.Context(), func(ctx context.Context) error {
				if err := a.announce(ctx); err != nil {
					return err
				}
				a.logger.Info("connected", "relay", a.cfg.Relay.URL, "session", a.cfg.Account.SessionID)
				<-ctx.Done()
				return nil
			})
		},
	}
}

func rotateCmd(a *app) *cobra.Command {
	var settle time.Duration
	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Rotate the AccountKey and share it with the account's other sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.online(cmd.Context(), func(ctx context.Context) error {
				if err := a.announce(ctx); err != nil {
					return err
				}
				// The relay replays stored announcements on connect.
				select {
				case <-time.After(settle):
				case <-ctx.Done():
					return ctx.Err()
				}
				peers, err := a.session.Peers(ctx)
				if err != nil {
					return err
				}
				pub, err := a.session.RotateAccountKey(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("New AccountKey %s shared with %d session(s)\n", pub.Hash(), len(peers))
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&settle, "settle", 2*time.Second, "time to collect session announcements before rotating")
	return cmd
}

func migrateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Move the account keys to a new device",
	}
	cmd.AddCommand(migrateRequestCmd(a), migrateOfferCmd(a))
	return cmd
}

// events forwards migration transitions into a channel.
func events(c *migration.Coordinator) (<-chan migration.Event, func()) {
	ch := make(chan migration.Event, 16)
	unsub := c.Subscribe(func(e migration.Event) {
		select {
		case ch <- e:
		default:
		}
	})
	return ch, unsub
}

func waitFinal(ctx context.Context, ch <-chan migration.Event, on func(migration.Event) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-ch:
			if on != nil {
				if err := on(e); err != nil {
					return err
				}
			}
			if e.To.Terminal() {
				if e.To != migration.Completed {
					return fmt.Errorf("migration %s: %w", e.To, e.Err)
				}
				return nil
			}
		}
	}
}

func migrateRequestCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "request",
		Short: "Request the account keys from another session (run on the new device)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.online(cmd.Context(), func(ctx context.Context) error {
				ready, err := a.session.Ready(ctx)
				if err != nil {
					return err
				}
				if ready {
					return errors.New("this device already holds account keys")
				}
				coord := a.session.Migration()
				ch, unsub := events(coord)
				defer unsub()

				if err := coord.RequestMigration(ctx); err != nil {
					return err
				}
				fmt.Println("Waiting for another session to accept...")
				err = waitFinal(ctx, ch, func(e migration.Event) error {
					if e.To == migration.AwaitingCode {
						fmt.Printf("Verification code: %s\nEnter it on the other device.\n", e.Code)
					}
					return nil
				})
				if err != nil {
					return err
				}
				fp, err := a.session.Fingerprint(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Migration complete. Fingerprint: %s\n", fp)
				return nil
			})
		},
	}
}

func migrateOfferCmd(a *app) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "offer",
		Short: "Send the account keys to a requesting device (run on an existing device)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			in := bufio.NewReader(os.Stdin)
			return a.online(cmd.Context(), func(ctx context.Context) error {
				ready, err := a.session.Ready(ctx)
				if err != nil {
					return err
				}
				if !ready {
					return errors.New("this device holds no account keys to offer")
				}
				coord := a.session.Migration()
				ch, unsub := events(coord)
				defer unsub()

				fmt.Println("Waiting for a migration request...")
				err = waitFinal(ctx, ch, func(e migration.Event) error {
					switch e.To {
					case migration.Offered:
						if !yes && !confirm(in, "A new session requests the account keys. Accept? [y/N] ") {
							return coord.Cancel(ctx)
						}
						return coord.Accept(ctx)
					case migration.AwaitingCode:
						fmt.Print("Enter the code shown on the new device: ")
						line, err := in.ReadString('\n')
						if err != nil {
							return err
						}
						return coord.ConfirmCode(ctx, strings.TrimSpace(line))
					}
					return nil
				})
				if err != nil {
					return err
				}
				fmt.Println("Migration complete.")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "accept the first request without asking")
	return cmd
}

func confirm(in *bufio.Reader, prompt string) bool {
	fmt.Print(prompt)
	line, err := in.ReadString('\n')
	if err != nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}
