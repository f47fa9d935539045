package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	cl "memetrade/internal/cli"
	"memetrade/internal/config"
	"memetrade/internal/trade"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

const requestTimeout = 30 * time.Second

type env struct {
	apiBase string
	wsURL   string
}

func main() {
	_ = config.LoadDotEnv()
	cfg := config.LoadCLIFromEnv()
	e := &env{apiBase: cfg.APIBaseURL, wsURL: cfg.WSURL}

	root := &cobra.Command{
		Use:          "mt",
		Short:        "Meme economy trading client",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&e.apiBase, "api", e.apiBase, "API base URL")

	root.AddCommand(
		newSignupCmd(e),
		newLoginCmd(e),
		newLogoutCmd(),
		newWhoamiCmd(e),
		newOffersCmd(e),
		newTradeCmd(e),
		newListenCmd(e),
	)

	if err := root.Execute(); err != nil {
		printError(fmt.Sprintf("error: %v", describeError(err)))
		os.Exit(1)
	}
}

func (e *env) client() *cl.Client {
	return cl.NewClient(strings.TrimRight(strings.TrimSpace(e.apiBase), "/"))
}

func (e *env) channelURL() string {
	if u := config.WebSocketURL(e.apiBase); u != "" {
		return u
	}
	return e.wsURL
}

func requireSession() (cl.Session, error) {
	sess, err := cl.LoadSession()
	if err != nil {
		return cl.Session{}, fmt.Errorf("login required: %w", err)
	}
	return sess, nil
}

func newSignupCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "signup",
		Short: "Create an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			email, err := promptRequired("Email")
			if err != nil {
				return err
			}
			password, err := promptPassword("Password")
			if err != nil {
				return err
			}
			username, err := promptOptional("Username (optional)")
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			session, err := e.client().Signup(ctx, email, password, username)
			if err != nil {
				return err
			}
			if strings.TrimSpace(session.AccessToken) == "" {
				printWarn("Signup created. Verify your email, then run `mt login`.")
				return nil
			}
			if err := cl.SaveSession(cl.SessionFromAuth(session)); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Signup complete. You start with %d coins.", trade.StarterCoins))
			return nil
		},
	}
}

func newLoginCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Log in and store the session locally",
		RunE: func(cmd *cobra.Command, args []string) error {
			email, err := promptRequired("Email")
			if err != nil {
				return err
			}
			password, err := promptPassword("Password")
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			session, err := e.client().Login(ctx, email, password)
			if err != nil {
				return err
			}
			if err := cl.SaveSession(cl.SessionFromAuth(session)); err != nil {
				return err
			}
			printSuccess("Login successful.")
			return nil
		},
	}
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the local session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cl.ClearSession(); err != nil {
				return err
			}
			printSuccess("Logged out.")
			return nil
		},
	}
}

func newWhoamiCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show your identity and coin balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			me, err := e.client().Me(ctx, sess.AccessToken)
			if err != nil {
				return err
			}
			renderMe(me)
			return nil
		},
	}
}

func newOffersCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "offers",
		Short: "List open trade offers you sent or received",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			offers, err := e.client().ListOffers(ctx, sess.AccessToken)
			if err != nil {
				return err
			}
			renderOffers(offers, sess.UserID, time.Now())
			return nil
		},
	}
}

func newTradeCmd(e *env) *cobra.Command {
	tradeCmd := &cobra.Command{
		Use:   "trade",
		Short: "Negotiate trades with other players",
	}

	tradeCmd.AddCommand(&cobra.Command{
		Use:   "propose <player_id>",
		Short: "Send a trade offer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, e, func(ctx context.Context, c *cl.Client, sess cl.Session) error {
				offer, err := c.Propose(ctx, sess.AccessToken, strings.TrimSpace(args[0]))
				if err != nil {
					return err
				}
				printSuccess(fmt.Sprintf("Offer %s sent. It expires in %s.", offer.ID, time.Until(offer.ExpiresAt).Round(time.Second)))
				return nil
			})
		},
	})
	tradeCmd.AddCommand(&cobra.Command{
		Use:   "accept <offer_id>",
		Short: "Accept an offer and open a trade session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, e, func(ctx context.Context, c *cl.Client, sess cl.Session) error {
				ts, err := c.Accept(ctx, sess.AccessToken, args[0])
				if err != nil {
					return err
				}
				printSuccess(fmt.Sprintf("Trade session %s opened. Run `mt trade watch %s`.", ts.ID, ts.ID))
				return nil
			})
		},
	})
	tradeCmd.AddCommand(&cobra.Command{
		Use:   "reject <offer_id>",
		Short: "Decline an offer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, e, func(ctx context.Context, c *cl.Client, sess cl.Session) error {
				if err := c.Reject(ctx, sess.AccessToken, args[0]); err != nil {
					return err
				}
				printSuccess("Offer rejected.")
				return nil
			})
		},
	})
	tradeCmd.AddCommand(&cobra.Command{
		Use:   "withdraw <offer_id>",
		Short: "Take back an offer you sent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, e, func(ctx context.Context, c *cl.Client, sess cl.Session) error {
				if err := c.Withdraw(ctx, sess.AccessToken, args[0]); err != nil {
					return err
				}
				printSuccess("Offer withdrawn.")
				return nil
			})
		},
	})
	tradeCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List your active trade sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, e, func(ctx context.Context, c *cl.Client, sess cl.Session) error {
				sessions, err := c.ListSessions(ctx, sess.AccessToken)
				if err != nil {
					return err
				}
				renderSessionList(sessions, sess.UserID)
				return nil
			})
		},
	})
	tradeCmd.AddCommand(&cobra.Command{
		Use:   "show <session_id>",
		Short: "Show the current state of a trade session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, e, func(ctx context.Context, c *cl.Client, sess cl.Session) error {
				ts, err := c.GetSession(ctx, sess.AccessToken, args[0])
				if err != nil {
					return err
				}
				renderSession(ts, sess.UserID)
				return nil
			})
		},
	})
	tradeCmd.AddCommand(newAddItemCmd(e))
	tradeCmd.AddCommand(&cobra.Command{
		Use:   "remove <session_id> <item_id>",
		Short: "Remove one of your line items",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, e, func(ctx context.Context, c *cl.Client, sess cl.Session) error {
				if err := c.RemoveItem(ctx, sess.AccessToken, args[0], args[1]); err != nil {
					return err
				}
				printSuccess("Item removed. Both parties must ready again.")
				return nil
			})
		},
	})
	tradeCmd.AddCommand(&cobra.Command{
		Use:   "ready <session_id>",
		Short: "Mark yourself ready; the trade settles when both sides are",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, e, func(ctx context.Context, c *cl.Client, sess cl.Session) error {
				ts, err := c.Ready(ctx, sess.AccessToken, args[0])
				if err != nil {
					return err
				}
				if ts.Status == trade.SessionCompleted {
					printSuccess("Trade completed. Holdings exchanged.")
					return nil
				}
				printInfo("Marked ready. Waiting for the other party.")
				return nil
			})
		},
	})
	tradeCmd.AddCommand(&cobra.Command{
		Use:   "cancel <session_id>",
		Short: "Cancel an active trade session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, e, func(ctx context.Context, c *cl.Client, sess cl.Session) error {
				if err := c.Cancel(ctx, sess.AccessToken, args[0]); err != nil {
					return err
				}
				printWarn("Trade cancelled. Nothing changed hands.")
				return nil
			})
		},
	})
	tradeCmd.AddCommand(newWatchCmd(e))
	return tradeCmd
}

func withSession(cmd *cobra.Command, e *env, fn func(ctx context.Context, c *cl.Client, sess cl.Session) error) error {
	sess, err := requireSession()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()
	return fn(ctx, e.client(), sess)
}

func newAddItemCmd(e *env) *cobra.Command {
	var (
		kind string
		ref  string
		qty  int64
	)
	cmd := &cobra.Command{
		Use:   "add <session_id>",
		Short: "Offer coins, an inventory item, a collectible or a pet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := trade.ParseAssetKind(kind)
			if err != nil {
				return err
			}
			if _, err := trade.ValidateLineItem(k, ref, qty); err != nil {
				return err
			}
			return withSession(cmd, e, func(ctx context.Context, c *cl.Client, sess cl.Session) error {
				item, err := c.AddItem(ctx, sess.AccessToken, args[0], k, ref, qty, uuid.NewString())
				if err != nil {
					return err
				}
				printSuccess(fmt.Sprintf("Added %s (item %s).", describeItem(item), item.ID))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(trade.KindCoins), "coins | inventory-item | collectible | pet")
	cmd.Flags().StringVar(&ref, "ref", "", "item reference (not used for coins)")
	cmd.Flags().Int64Var(&qty, "qty", 1, "quantity")
	return cmd
}

func newWatchCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [session_id]",
		Short: "Live view of a trade session and incoming offers",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			client := e.client()
			conn := e.connManager(client, sess)
			if err := conn.Open(cmd.Context()); err != nil {
				return err
			}
			defer conn.Close()

			syncer := cl.NewSynchronizer(func(ctx context.Context, id string) (trade.Session, error) {
				return client.GetSession(ctx, sess.AccessToken, id)
			})
			if len(args) == 1 {
				syncer.Track(args[0])
			}
			model := newWatchModel(cmd.Context(), client, sess, conn, syncer)
			_, err = tea.NewProgram(model, tea.WithAltScreen()).Run()
			return err
		},
	}
}

func newListenCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Print trade notifications as they arrive",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			conn := e.connManager(e.client(), sess)
			if err := conn.Open(ctx); err != nil {
				return err
			}
			defer conn.Close()
			printSuccess("Listening for trade notifications. Ctrl+C to stop.")
			for ev := range conn.Events() {
				if ev.Resync {
					printWarn("Reconnected. Events during the outage may have been missed; refetch any open trade.")
					continue
				}
				fmt.Println(describeMessage(ev.Message, sess.UserID))
			}
			return nil
		},
	}
}

func (e *env) connManager(client *cl.Client, sess cl.Session) *cl.ConnManager {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return cl.NewConnManager(cl.ConnConfig{
		URL: e.channelURL(),
		Ticket: func(ctx context.Context) (string, error) {
			t, err := client.WSTicket(ctx, sess.AccessToken)
			return t.Ticket, err
		},
	}, logger)
}
