package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"facilitator/internal/app"
	"facilitator/internal/config"
	"facilitator/internal/db"
	"facilitator/internal/dispatch"
	"facilitator/internal/domain"
	"facilitator/internal/engine"
	"facilitator/internal/migrate"
	"facilitator/internal/repo"
	"facilitator/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "fac",
	Short: "Weekly planning facilitator",
	Long: `fac runs a team's weekly planning conversation.
- Week: each room gets one session per week that walks kickoff, milestone draft, questions, approval, planning meeting, task proposals, approval, publishing, monitoring and review.
- Gates: milestone drafts and task plans need every member's approval; any "request changes" sends the draft back with the comment.
- Board: approved tasks become cards on the configured board (mock mode without one).
- Event log: every transition, vote and publish result, view with 'fac log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FAC")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/facilitator.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "member or actor identifier")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug logging")
	for _, name := range []string{"workspace", "config", "json", "actor-id", "verbose"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(roomCmd())
	rootCmd.AddCommand(sayCmd())
	rootCmd.AddCommand(voteCmd())
	rootCmd.AddCommand(triggerCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create facilitator.yml and the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				fmt.Printf("%s already exists\n", path)
			} else if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			} else {
				fmt.Printf("wrote %s\n", path)
			}
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				fmt.Printf("database ready at %s\n", db.Path(workspace))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing facilitator.yml")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			applied, err := migrate.Migrate(cmd.Context(), conn)
			if err != nil {
				return err
			}
			current, err := migrate.Current(cmd.Context(), conn)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"applied": len(applied), "version": current})
			}
			for _, m := range applied {
				fmt.Printf("applied %s\n", m.Name)
			}
			fmt.Printf("schema version %d\n", current)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(viper.GetString("workspace"), viper.GetString("config"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate facilitator.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := viper.GetString("config")
			if path == "" {
				path = config.Path(viper.GetString("workspace"))
			}
			if _, err := config.FromFile(path); err != nil {
				return err
			}
			fmt.Printf("%s is valid\n", path)
			return nil
		},
	})
	return cmd
}

func roomCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "room", Short: "Manage rooms and rosters"}
	cmd.AddCommand(roomCreateCmd())
	cmd.AddCommand(roomListCmd())
	cmd.AddCommand(roomAddMemberCmd())
	cmd.AddCommand(roomRemoveMemberCmd())
	cmd.AddCommand(roomMembersCmd())
	return cmd
}

func roomCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create <room-id>",
		Short: "Create a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				room, err := r.EnsureRoom(ctx, args[0], name)
				if err != nil {
					return err
				}
				return printJSONOrTable(room)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	return cmd
}

func roomListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List rooms",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				rooms, err := r.ListRooms(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rooms)
				}
				tw := newTable(table.Row{"ID", "Name", "Created"})
				for _, room := range rooms {
					tw.AppendRow(table.Row{room.ID, room.Name, room.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func roomAddMemberCmd() *cobra.Command {
	var name, account string
	var position int
	cmd := &cobra.Command{
		Use:   "add-member <room-id> <member-id>",
		Short: "Add or update a room member",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.EnsureRoom(ctx, args[0], ""); err != nil {
					return err
				}
				if name == "" {
					name = args[1]
				}
				m, err := r.UpsertMember(ctx, domain.Member{
					RoomID: args[0], MemberID: args[1], DisplayName: name,
					BoardAccountID: account, Position: position,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&account, "board-account", "", "task board account id")
	cmd.Flags().IntVar(&position, "position", 0, "roster position (0 appends)")
	return cmd
}

func roomRemoveMemberCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove-member <room-id> <member-id>",
		Short: "Remove a room member",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.RemoveMember(ctx, args[0], args[1])
			})
		},
	}
}

func roomMembersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "members <room-id>",
		Short: "List the room roster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				members, err := r.ListMembers(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(members)
				}
				tw := newTable(table.Row{"#", "Member", "Name", "Board account"})
				for _, m := range members {
					tw.AppendRow(table.Row{m.Position, m.MemberID, m.DisplayName, m.BoardAccountID})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func sayCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "say <room-id> <message...>",
		Short: "Send a chat message as --actor-id and print the facilitator's reply",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				res, err := s.Dispatcher.Dispatch(ctx, args[0], dispatch.Inbound{
					MemberID:    viper.GetString("actor-id"),
					DisplayName: name,
					Body:        strings.Join(args[1:], " "),
				})
				if err != nil {
					return err
				}
				return printReply(res.Reply, res)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name used when the sender is new to the room")
	return cmd
}

func voteCmd() *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "vote <request-id> <approve|request_change>",
		Short: "Vote on an approval request as --actor-id",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			choice := domain.VoteChoice(args[1])
			if !choice.Valid() {
				return fmt.Errorf("vote must be approve or request_change")
			}
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				res, err := s.Dispatcher.Vote(ctx, args[0], viper.GetString("actor-id"), choice, comment)
				if err != nil {
					return err
				}
				return printReply(res.Reply, res)
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "what should change")
	return cmd
}

func triggerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trigger <room-id> <kickoff|review>",
		Short: "Start the week or close it, as a scheduler would",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var target domain.State
			switch args[1] {
			case "kickoff", string(domain.StateWeeklyKickoff):
				target = domain.StateWeeklyKickoff
			case "review", string(domain.StateWeeklyReview):
				target = domain.StateWeeklyReview
			default:
				return fmt.Errorf("target must be kickoff or review")
			}
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				res, err := s.Dispatcher.Trigger(ctx, args[0], target)
				if err != nil {
					return err
				}
				return printReply(res.Reply, res)
			})
		},
	}
}

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "session", Short: "Inspect week sessions"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show <room-id>",
		Short: "Show the latest session of a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				sess, err := s.Repo.LatestSession(ctx, args[0])
				if err != nil {
					return err
				}
				req, tally, err := s.Engine.PendingFor(ctx, sess.ID)
				pending := err == nil
				if err != nil && !errors.Is(err, engine.ErrNoPendingGate) {
					return err
				}
				if viper.GetBool("json") {
					out := map[string]any{"session": sess}
					if pending {
						out["pending_approval"] = map[string]any{"request": req, "tally": tally}
					}
					return printJSON(out)
				}
				tw := newTable(table.Row{"Field", "Value"})
				tw.AppendRow(table.Row{"Session", sess.ID})
				tw.AppendRow(table.Row{"Week", sess.WeekNumber})
				tw.AppendRow(table.Row{"State", sess.State})
				tw.AppendRow(table.Row{"Version", sess.Version})
				tw.AppendRow(table.Row{"Updated", sess.UpdatedAt})
				if pending {
					tw.AppendRow(table.Row{"Pending gate", fmt.Sprintf("%s %s (%s)", req.Type, req.ID, tally)})
				}
				if sk := sess.Data.Skeleton; sk != nil {
					for i, m := range sk.Milestones {
						tw.AppendRow(table.Row{fmt.Sprintf("Milestone %d", i+1), m.Title})
					}
				}
				if p := sess.Data.Proposals; p != nil {
					for i, t := range p.Tasks {
						owner := ""
						if t.Owner != nil {
							owner = *t.Owner
						}
						tw.AppendRow(table.Row{fmt.Sprintf("Task %d", i+1), fmt.Sprintf("%s [%s]", t.Title, owner)})
					}
				}
				if pub := sess.Data.Publish; pub != nil {
					tw.AppendRow(table.Row{"Published", strings.Join(sess.Data.PublishedIDs(), ", ")})
				}
				tw.Render()
				return nil
			})
		},
	})
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every transition, gate, vote, publish result and degraded generation, newest first.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var f repo.EventFilter
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, f, n, 0)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable(table.Row{"ID", "Time", "Type", "Room", "Actor", "Payload"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.RoomID, e.ActorID, truncate(e.Payload, 80)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&n, "n", "n", 20, "number of events")
	cmd.Flags().StringVar(&f.RoomID, "room", "", "room filter")
	cmd.Flags().StringVar(&f.SessionID, "session", "", "session filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys for service callers such as a scheduler"}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyDeleteCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var name, room string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for --actor-id; the key is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			key := "fac_" + strings.ReplaceAll(uuid.NewString(), "-", "")
			rec := domain.APIKey{
				ID:        uuid.NewString(),
				ActorID:   viper.GetString("actor-id"),
				Name:      name,
				RoomID:    room,
				KeyHash:   repo.HashAPIKey(key),
				CreatedAt: time.Now().UTC().Format(time.RFC3339),
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if room != "" {
					if _, err := r.EnsureRoom(ctx, room, ""); err != nil {
						return err
					}
				}
				if err := r.InsertAPIKey(ctx, nil, rec); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": rec.ID, "actor_id": rec.ActorID, "room_id": rec.RoomID, "key": key})
				}
				fmt.Printf("API key for %s (store it now, it is not shown again):\n%s\n", rec.ActorID, key)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "label")
	cmd.Flags().StringVar(&room, "room", "", "limit the key to one room")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var room string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, room)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable(table.Row{"ID", "Actor", "Name", "Room", "Created", "Last used"})
				for _, k := range keys {
					scope := k.RoomID
					if scope == "" {
						scope = "*"
					}
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, scope, k.CreatedAt, k.LastUsedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&room, "room", "", "only keys usable in this room")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for --actor-id signed with FAC_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := server.SignToken(viper.GetString("jwt_secret"), viper.GetString("actor-id"), ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 never expires)")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowMemberHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *app.Services) error {
				authCfg := server.AuthConfig{
					JWTSecret:         viper.GetString("jwt_secret"),
					AllowMemberHeader: allowMemberHeader,
					Logger:            s.Logger.Named("auth"),
				}
				if authCfg.JWTSecret == "" && !allowMemberHeader {
					s.Logger.Warn("FAC_JWT_SECRET is not set; only API keys will authenticate")
				}
				handler, err := server.New(server.Config{
					Dispatcher: s.Dispatcher,
					BasePath:   basePath,
					Auth:       authCfg,
					Gatherer:   s.Registry,
					Logger:     s.Logger.Named("http"),
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				forwarder := server.NewForwarder(s.Repo, s.Config.Webhooks, s.Logger.Named("webhooks"))

				g, ctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					s.Logger.Info("serving", zap.String("addr", addr), zap.String("base_path", basePath))
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					return forwarder.Run(ctx)
				})
				g.Go(func() error {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				fmt.Printf("Serving facilitator API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath, basePath)
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&allowMemberHeader, "allow-member-header", false, "trust X-Member-Id without credentials (local only)")
	return cmd
}

// --- helpers ---

func withServices(ctx context.Context, fn func(context.Context, *app.Services) error) error {
	logger, err := app.NewLogger(viper.GetBool("verbose"))
	if err != nil {
		return err
	}
	s, err := app.Open(ctx, app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

// printReply renders the facilitator's markdown reply, or v as JSON.
func printReply(reply string, v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	if strings.TrimSpace(reply) == "" {
		fmt.Println("(no reply)")
		return nil
	}
	r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(80))
	if err != nil {
		fmt.Println(reply)
		return nil
	}
	out, err := r.Render(reply)
	if err != nil {
		fmt.Println(reply)
		return nil
	}
	fmt.Print(out)
	return nil
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	return tw
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
