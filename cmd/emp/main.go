package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	cl "econempire/internal/cli"
	"econempire/internal/config"
	"econempire/internal/game"
	"econempire/internal/syncq"

	"github.com/spf13/cobra"
)

func main() {
	cfg := config.LoadCLIFromEnv()
	apiBase := cfg.APIBaseURL

	root := &cobra.Command{
		Use:          "emp",
		Short:        "Econ Empire CLI client",
		SilenceUsage: true,
	}

	root.AddCommand(
		newSignupCmd(&apiBase),
		newLoginCmd(&apiBase),
		newLogoutCmd(),
		newProfileCmd(&apiBase),
		newUsersCmd(&apiBase),
		newGameCmd(&apiBase),
		newTariffCmd(&apiBase),
		newChatCmd(&apiBase),
		newTradesCmd(&apiBase),
		newExportCmd(&apiBase),
		newSyncCmd(&apiBase),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newClient(apiBase *string) *cl.Client {
	return cl.NewClient(strings.TrimRight(strings.TrimSpace(*apiBase), "/"))
}

func requireSession() (cl.Session, error) {
	session, err := cl.LoadSession()
	if err != nil {
		return cl.Session{}, fmt.Errorf("not logged in, run `emp login` first")
	}
	return session, nil
}

func cmdContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), 30*time.Second)
}

func newSignupCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "signup",
		Short: "Create an Econ Empire account",
		RunE: func(cmd *cobra.Command, args []string) error {
			email, err := promptRequired("Email")
			if err != nil {
				return err
			}
			password, err := promptRequired("Password")
			if err != nil {
				return err
			}
			username, err := promptOptional("Username (optional)")
			if err != nil {
				return err
			}

			ctx, cancel := cmdContext(cmd)
			defer cancel()
			client := newClient(apiBase)
			session, err := client.Signup(ctx, email, password, username)
			if err != nil {
				return err
			}
			if strings.TrimSpace(session.AccessToken) == "" {
				printWarn("Signup created. Verify email, then run `emp login`.")
				return nil
			}
			if err := cl.SaveSession(cl.Session{
				AccessToken:  session.AccessToken,
				RefreshToken: session.RefreshToken,
				Email:        session.User.Email,
				UserID:       session.User.ID,
			}); err != nil {
				return err
			}
			printSuccess("Signup complete. Session saved.")
			return nil
		},
	}
}

func newLoginCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Login to Econ Empire",
		RunE: func(cmd *cobra.Command, args []string) error {
			email, err := promptRequired("Email")
			if err != nil {
				return err
			}
			password, err := promptRequired("Password")
			if err != nil {
				return err
			}
			ctx, cancel := cmdContext(cmd)
			defer cancel()
			client := newClient(apiBase)
			session, err := client.Login(ctx, email, password)
			if err != nil {
				return err
			}
			if err := cl.SaveSession(cl.Session{
				AccessToken:  session.AccessToken,
				RefreshToken: session.RefreshToken,
				Email:        session.User.Email,
				UserID:       session.User.ID,
			}); err != nil {
				return err
			}
			printSuccess("Login complete. Session saved.")
			return nil
		},
	}
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear the saved session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cl.ClearSession(); err != nil {
				return err
			}
			printSuccess("Session cleared.")
			return nil
		},
	}
}

func newProfileCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "profile",
		Short: "Show your player profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := requireSession()
			if err != nil {
				return err
			}
			ctx, cancel := cmdContext(cmd)
			defer cancel()
			out, err := newClient(apiBase).Profile(ctx, session.AccessToken)
			if err != nil {
				return err
			}
			return renderProfile(out)
		},
	}
}

func newUsersCmd(apiBase *string) *cobra.Command {
	usersCmd := &cobra.Command{
		Use:   "users",
		Short: "List players (operator only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := requireSession()
			if err != nil {
				return err
			}
			ctx, cancel := cmdContext(cmd)
			defer cancel()
			out, err := newClient(apiBase).ListUsers(ctx, session.AccessToken)
			if err != nil {
				return err
			}
			return renderUsers(out)
		},
	}
	usersCmd.AddCommand(&cobra.Command{
		Use:   "promote <user-id>",
		Short: "Promote a player to operator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := requireSession()
			if err != nil {
				return err
			}
			ctx, cancel := cmdContext(cmd)
			defer cancel()
			out, err := newClient(apiBase).PromoteUser(ctx, session.AccessToken, args[0])
			if err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Promoted %v to operator.", out["username"]))
			return nil
		},
	})
	return usersCmd
}

func newGameCmd(apiBase *string) *cobra.Command {
	gameCmd := &cobra.Command{
		Use:   "game",
		Short: "Game lifecycle and state",
	}

	var rounds int
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new game (operator only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := requireSession()
			if err != nil {
				return err
			}
			ctx, cancel := cmdContext(cmd)
			defer cancel()
			out, err := newClient(apiBase).CreateGame(ctx, session.AccessToken, rounds)
			if err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Game created: %v", out["id"]))
			return nil
		},
	}
	createCmd.Flags().IntVar(&rounds, "rounds", game.DefaultTotalRounds, "number of rounds")
	gameCmd.AddCommand(createCmd)

	for _, action := range []struct {
		verb  string
		short string
	}{
		{"start", "Start a waiting game (operator only)"},
		{"next-round", "Advance to the next round (operator only)"},
		{"end", "End a game (operator only)"},
		{"reset", "Reset a game to the waiting state (operator only)"},
	} {
		action := action
		gameCmd.AddCommand(&cobra.Command{
			Use:   action.verb + " <game-id>",
			Short: action.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				session, err := requireSession()
				if err != nil {
					return err
				}
				ctx, cancel := cmdContext(cmd)
				defer cancel()
				out, err := newClient(apiBase).GameTransition(ctx, session.AccessToken, args[0], action.verb)
				if err != nil {
					return err
				}
				return renderGame(out)
			},
		})
	}

	gameCmd.AddCommand(&cobra.Command{
		Use:   "show <game-id>",
		Short: "Show full game data (operator only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := requireSession()
			if err != nil {
				return err
			}
			ctx, cancel := cmdContext(cmd)
			defer cancel()
			out, err := newClient(apiBase).GameData(ctx, session.AccessToken, args[0])
			if err != nil {
				return err
			}
			return renderGameData(out)
		},
	})
	gameCmd.AddCommand(&cobra.Command{
		Use:   "player <game-id>",
		Short: "Show your country's view of a game",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := requireSession()
			if err != nil {
				return err
			}
			ctx, cancel := cmdContext(cmd)
			defer cancel()
			out, err := newClient(apiBase).PlayerData(ctx, session.AccessToken, args[0])
			if err != nil {
				return err
			}
			return renderPlayerData(out)
		},
	})
	return gameCmd
}

func newTariffCmd(apiBase *string) *cobra.Command {
	tariffCmd := &cobra.Command{
		Use:   "tariff",
		Short: "Submit and inspect tariff rates",
	}

	tariffCmd.AddCommand(&cobra.Command{
		Use:   "submit <game-id>",
		Short: "Submit tariff changes for the current round",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := requireSession()
			if err != nil {
				return err
			}
			changes, err := promptTariffChanges()
			if err != nil {
				return err
			}
			if len(changes) == 0 {
				printWarn("Nothing to submit.")
				return nil
			}
			ctx, cancel := cmdContext(cmd)
			defer cancel()
			out, err := newClient(apiBase).SubmitTariffs(ctx, session.AccessToken, args[0], changes)
			if err != nil {
				if isNetworkError(err) {
					if qerr := syncq.Push(syncq.Command{
						Method: "POST",
						Path:   "/api/tariff/submit",
						Body:   map[string]any{"game_id": args[0], "changes": changes},
					}); qerr != nil {
						return qerr
					}
					printWarn("API unreachable. Submission queued; run `emp sync` when back online.")
					return nil
				}
				return err
			}
			return renderTariffResults(out)
		},
	})

	ratesCmd := &cobra.Command{
		Use:   "rates <game-id>",
		Short: "List tariff rates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := requireSession()
			if err != nil {
				return err
			}
			q := url.Values{}
			if v, _ := cmd.Flags().GetString("product"); v != "" {
				q.Set("product", v)
			}
			if v, _ := cmd.Flags().GetString("from"); v != "" {
				q.Set("from_country", v)
			}
			if v, _ := cmd.Flags().GetString("to"); v != "" {
				q.Set("to_country", v)
			}
			if v, _ := cmd.Flags().GetInt("round"); v > 0 {
				q.Set("round_number", fmt.Sprintf("%d", v))
			}
			ctx, cancel := cmdContext(cmd)
			defer cancel()
			out, err := newClient(apiBase).TariffRates(ctx, session.AccessToken, args[0], q)
			if err != nil {
				return err
			}
			return renderTariffRates(out)
		},
	}
	ratesCmd.Flags().String("product", "", "filter by product")
	ratesCmd.Flags().String("from", "", "filter by submitting country")
	ratesCmd.Flags().String("to", "", "filter by target country")
	ratesCmd.Flags().Int("round", 0, "filter by round number")
	tariffCmd.AddCommand(ratesCmd)

	tariffCmd.AddCommand(&cobra.Command{
		Use:   "history <game-id>",
		Short: "Show grouped tariff history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := requireSession()
			if err != nil {
				return err
			}
			ctx, cancel := cmdContext(cmd)
			defer cancel()
			out, err := newClient(apiBase).TariffHistory(ctx, session.AccessToken, args[0])
			if err != nil {
				return err
			}
			return renderTariffHistory(out)
		},
	})
	matrixCmd := &cobra.Command{
		Use:   "matrix <game-id> <product>",
		Short: "Show the active rate matrix for a product",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := requireSession()
			if err != nil {
				return err
			}
			round, _ := cmd.Flags().GetInt("round")
			ctx, cancel := cmdContext(cmd)
			defer cancel()
			out, err := newClient(apiBase).TariffMatrix(ctx, session.AccessToken, args[0], args[1], round)
			if err != nil {
				return err
			}
			return renderTariffMatrix(out, args[1])
		},
	}
	matrixCmd.Flags().Int("round", 0, "limit the matrix to one round")
	tariffCmd.AddCommand(matrixCmd)
	tariffCmd.AddCommand(&cobra.Command{
		Use:   "status <game-id> <round>",
		Short: "Show your submission status for a round",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := requireSession()
			if err != nil {
				return err
			}
			round, err := parsePositiveInt(args[1])
			if err != nil {
				return err
			}
			ctx, cancel := cmdContext(cmd)
			defer cancel()
			out, err := newClient(apiBase).TariffStatus(ctx, session.AccessToken, args[0], round)
			if err != nil {
				return err
			}
			return renderTariffStatus(out)
		},
	})
	return tariffCmd
}

func newChatCmd(apiBase *string) *cobra.Command {
	chatCmd := &cobra.Command{
		Use:   "chat",
		Short: "Game chat",
	}
	sendCmd := &cobra.Command{
		Use:   "send <game-id> <message...>",
		Short: "Send a chat message",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := requireSession()
			if err != nil {
				return err
			}
			to, _ := cmd.Flags().GetString("to")
			scope := game.ChatScopeGroup
			if to != "" {
				scope = game.ChatScopePrivate
			}
			content := strings.Join(args[1:], " ")
			ctx, cancel := cmdContext(cmd)
			defer cancel()
			if _, err := newClient(apiBase).SendMessage(ctx, session.AccessToken, args[0], scope, to, content); err != nil {
				return err
			}
			printSuccess("Message sent.")
			return nil
		},
	}
	sendCmd.Flags().String("to", "", "recipient country for a private message")
	chatCmd.AddCommand(sendCmd)

	listCmd := &cobra.Command{
		Use:   "list <game-id>",
		Short: "Show recent chat messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := requireSession()
			if err != nil {
				return err
			}
			limit, _ := cmd.Flags().GetInt("limit")
			ctx, cancel := cmdContext(cmd)
			defer cancel()
			out, err := newClient(apiBase).ChatMessages(ctx, session.AccessToken, args[0], limit)
			if err != nil {
				return err
			}
			return renderChatMessages(out)
		},
	}
	listCmd.Flags().Int("limit", 50, "number of messages to fetch")
	chatCmd.AddCommand(listCmd)
	return chatCmd
}

func newTradesCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "trades <game-id>",
		Short: "List trade offers waiting on you",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := requireSession()
			if err != nil {
				return err
			}
			ctx, cancel := cmdContext(cmd)
			defer cancel()
			out, err := newClient(apiBase).PendingTrades(ctx, session.AccessToken, args[0])
			if err != nil {
				return err
			}
			return renderTrades(out)
		},
	}
}

func newExportCmd(apiBase *string) *cobra.Command {
	exportCmd := &cobra.Command{
		Use:   "export <game-id>",
		Short: "Export game data as CSV (operator only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := requireSession()
			if err != nil {
				return err
			}
			outPath, _ := cmd.Flags().GetString("out")
			var w *os.File
			if outPath == "" || outPath == "-" {
				w = os.Stdout
			} else {
				f, err := os.Create(outPath)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			ctx, cancel := cmdContext(cmd)
			defer cancel()
			if err := newClient(apiBase).ExportCSV(ctx, session.AccessToken, args[0], w); err != nil {
				return err
			}
			if w != os.Stdout {
				printSuccess("Export written to " + outPath)
			}
			return nil
		},
	}
	exportCmd.Flags().String("out", "", "output file (default stdout)")
	return exportCmd
}

func newSyncCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replay commands queued while offline",
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := requireSession()
			if err != nil {
				return err
			}
			queued, err := syncq.Load()
			if err != nil {
				return err
			}
			if len(queued) == 0 {
				printInfo("Queue is empty.")
				return nil
			}
			client := newClient(apiBase)
			var remaining []syncq.Command
			replayed := 0
			for i, qc := range queued {
				ctx, cancel := cmdContext(cmd)
				_, err := client.Do(ctx, qc.Method, qc.Path, session.AccessToken, qc.Body)
				cancel()
				if err != nil {
					if isNetworkError(err) {
						remaining = append(remaining, queued[i:]...)
						break
					}
					printWarn(fmt.Sprintf("Dropping rejected command %s %s: %v", qc.Method, qc.Path, err))
					continue
				}
				replayed++
			}
			if err := syncq.Save(remaining); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Replayed %d command(s), %d still queued.", replayed, len(remaining)))
			return nil
		},
	}
}

// isNetworkError distinguishes "could not reach the API" from a rejection the
// server actually made. Only the former is worth queueing for replay.
func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return !strings.Contains(msg, "api status ")
}
