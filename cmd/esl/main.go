package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"escrowline/internal/config"
	"escrowline/internal/db"
	"escrowline/internal/domain"
	"escrowline/internal/engine"
	"escrowline/internal/ledger"
	"escrowline/internal/migrate"
	"escrowline/internal/repo"
	"escrowline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "esl",
	Short: "Escrowline CLI",
	Long: `Escrowline settles crowdsourced work: escrows hold a requester's funds,
trusted oracles attest worker results, and a quorum of agreeing weight
releases deterministic payouts through the ledger.
- Workspace: your .escrowline directory with the database; escrowline.yml
  supplies policy defaults.
- Escrow: one job's fund pool. It goes launched -> pending -> partial ->
  paid -> complete, or cancelled from the early states.
- Oracles: the trusted attestors, each with a voting weight fixed at
  escrow creation.
- Results: per-worker outcomes derived by replaying oracle submissions
  through the quorum rule.
- Settlement: derives a payout plan from validated results and executes
  it against the ledger exactly once per entry.
- Event log: diary of everything, view with 'esl log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ESCROWLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(escrowCmd())
	rootCmd.AddCommand(resultCmd())
	rootCmd.AddCommand(settleCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(apikeyCmd())
}

func escrowCmd() *cobra.Command {
	esc := &cobra.Command{Use: "escrow", Short: "Manage escrows"}
	esc.AddCommand(escrowCreateCmd())
	esc.AddCommand(escrowListCmd())
	esc.AddCommand(escrowShowCmd())
	esc.AddCommand(escrowFundCmd())
	esc.AddCommand(escrowStoreResultsCmd())
	esc.AddCommand(escrowCancelCmd())
	esc.AddCommand(escrowCompleteCmd())
	return esc
}

func escrowCreateCmd() *cobra.Command {
	var opts engine.EscrowCreateOptions
	var oracleSpecs []string
	var minFunding, feeBps, quorumWeight int64
	var durationSeconds int64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create escrow",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			if cmd.Flags().Changed("min-funding") {
				opts.MinFunding = &minFunding
			}
			if cmd.Flags().Changed("fee-bps") {
				opts.FeeBps = &feeBps
			}
			if cmd.Flags().Changed("quorum-weight") {
				opts.QuorumWeight = &quorumWeight
			}
			if durationSeconds > 0 {
				opts.Duration = time.Duration(durationSeconds) * time.Second
			}
			for _, spec := range oracleSpecs {
				o, err := parseOracleSpec(spec)
				if err != nil {
					return err
				}
				opts.Oracles = append(opts.Oracles, o)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				esc, err := e.CreateEscrow(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(esc)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "escrow id (optional, random UUID if omitted)")
	cmd.Flags().StringVar(&opts.Requester, "requester", "", "requester id")
	cmd.Flags().StringVar(&opts.RequesterAcct, "requester-account", "", "requester ledger account")
	cmd.Flags().StringVar(&opts.EscrowAcct, "escrow-account", "", "escrow ledger account (derived if omitted)")
	cmd.Flags().StringVar(&opts.ManifestURL, "manifest-url", "", "manifest URL")
	cmd.Flags().StringVar(&opts.ManifestHash, "manifest-hash", "", "manifest content hash")
	cmd.Flags().Int64Var(&opts.ExpectedTasks, "expected-tasks", 0, "number of tasks")
	cmd.Flags().Int64Var(&opts.TaskReward, "task-reward", 0, "reward per task in base units")
	cmd.Flags().Int64Var(&minFunding, "min-funding", 0, "minimum funding before results are accepted")
	cmd.Flags().Int64Var(&feeBps, "fee-bps", 0, "platform fee in basis points")
	cmd.Flags().StringVar(&opts.FeeAccount, "fee-account", "", "platform fee account")
	cmd.Flags().Int64Var(&quorumWeight, "quorum-weight", 0, "agreeing weight required to validate")
	cmd.Flags().StringArrayVar(&oracleSpecs, "oracle", []string{}, "oracle as id:account:weight (repeatable)")
	cmd.Flags().Int64Var(&durationSeconds, "duration-seconds", 0, "escrow lifetime in seconds (0 = no expiry)")
	_ = cmd.MarkFlagRequired("requester")
	_ = cmd.MarkFlagRequired("requester-account")
	_ = cmd.MarkFlagRequired("expected-tasks")
	_ = cmd.MarkFlagRequired("task-reward")
	return cmd
}

func parseOracleSpec(spec string) (domain.OracleWeight, error) {
	parts := strings.Split(spec, ":")
	if len(parts) != 3 {
		return domain.OracleWeight{}, fmt.Errorf("invalid oracle spec %q, want id:account:weight", spec)
	}
	var weight int64
	if _, err := fmt.Sscanf(parts[2], "%d", &weight); err != nil {
		return domain.OracleWeight{}, fmt.Errorf("invalid oracle weight %q", parts[2])
	}
	return domain.OracleWeight{OracleID: parts[0], Account: parts[1], Weight: weight}, nil
}

func escrowListCmd() *cobra.Command {
	var f repo.EscrowFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List escrows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListEscrows(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "State", "Balance", "Tasks", "Reward", "Requester"})
				for _, esc := range items {
					tw.AppendRow(table.Row{esc.ID, esc.State, esc.Balance, esc.ExpectedTasks, esc.TaskReward, esc.Requester})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.State, "state", "", "state filter")
	cmd.Flags().StringVar(&f.Requester, "requester", "", "requester filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func escrowShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show escrow status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				status, err := e.Status(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(status)
			})
		},
	}
	return cmd
}

func escrowFundCmd() *cobra.Command {
	var amount int64
	var txRef string
	cmd := &cobra.Command{
		Use:   "fund <id>",
		Short: "Record funding deposit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				esc, err := e.RecordFunding(ctx, id, amount, txRef, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(esc)
			})
		},
	}
	cmd.Flags().Int64Var(&amount, "amount", 0, "deposit amount in base units")
	cmd.Flags().StringVar(&txRef, "tx-ref", "", "ledger transaction reference")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func escrowStoreResultsCmd() *cobra.Command {
	var url, hash string
	cmd := &cobra.Command{
		Use:   "store-results <id>",
		Short: "Store final result set reference",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				esc, err := e.StoreResults(ctx, id, url, hash, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(esc)
			})
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "results URL")
	cmd.Flags().StringVar(&hash, "hash", "", "results content hash")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func escrowCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel escrow and refund requester",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				esc, err := e.Cancel(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(esc)
			})
		},
	}
	return cmd
}

func escrowCompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Complete a paid escrow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				esc, err := e.Complete(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(esc)
			})
		},
	}
	return cmd
}

func resultCmd() *cobra.Command {
	res := &cobra.Command{
		Use:   "result",
		Short: "Oracle result submissions",
		Long:  "Oracles attest worker results here. A worker validates when agreeing oracle weight reaches the escrow's quorum threshold; conflicting attestations can dispute the result.",
	}
	res.AddCommand(resultSubmitCmd())
	res.AddCommand(resultListCmd())
	return res
}

func resultSubmitCmd() *cobra.Command {
	var opts engine.SubmissionOptions
	cmd := &cobra.Command{
		Use:   "submit <escrow-id>",
		Short: "Submit an oracle attestation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.EscrowID = args[0]
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, err := e.SubmitResult(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&opts.WorkerID, "worker", "", "worker id")
	cmd.Flags().StringVar(&opts.WorkerAcct, "worker-account", "", "worker ledger account")
	cmd.Flags().StringVar(&opts.OracleID, "oracle", "", "oracle id")
	cmd.Flags().StringVar(&opts.Payload, "payload", "", "result payload (hashed for agreement)")
	cmd.Flags().StringVar(&opts.PayloadHash, "payload-hash", "", "precomputed payload hash")
	cmd.Flags().StringVar(&opts.Signature, "signature", "", "oracle signature")
	_ = cmd.MarkFlagRequired("worker")
	_ = cmd.MarkFlagRequired("oracle")
	return cmd
}

func resultListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <escrow-id>",
		Short: "List worker results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListResults(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Worker", "Status", "Seq", "Account"})
				for _, r := range items {
					seq := ""
					if r.ValidatedSeq != nil {
						seq = fmt.Sprint(*r.ValidatedSeq)
					}
					tw.AppendRow(table.Row{r.WorkerID, r.Status, seq, r.Account})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func settleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settle <escrow-id>",
		Short: "Derive and execute the payout plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("escrow id required")
			}
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				plan, err := e.Settle(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(plan)
			})
		},
	}
	return cmd
}

func planCmd() *cobra.Command {
	plan := &cobra.Command{Use: "plan", Short: "Inspect payout plans"}
	plan.AddCommand(planShowCmd())
	return plan
}

func planShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <escrow-id> <plan-id>",
		Short: "Show a payout plan",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.Repo.GetPlan(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("Plan %s (%s) total=%d checksum=%s\n", p.ID, p.Status, p.Total, p.Checksum)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "Kind", "Worker", "Recipient", "Amount", "Status", "TxRef"})
				for _, en := range p.Entries {
					ref := ""
					if en.TxRef != nil {
						ref = *en.TxRef
					}
					tw.AppendRow(table.Row{en.Seq, en.Kind, en.WorkerID, en.Recipient, en.Amount, en.Status, ref})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect platform config",
		Long:  "Config is the policy defaults (escrowline.yml): platform fee, minimum funding, quorum threshold, and settlement retry knobs. Each escrow snapshots these at creation.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	var platformID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write default escrowline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(platformID)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&platformID, "platform-id", "escrowline", "platform id")
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: escrow transitions, submissions, validations, payouts.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, escrowID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				events, err := e.Repo.ListEvents(ctx, repo.EventFilters{
					EscrowID: escrowID,
					Type:     evtType,
					Limit:    n,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&escrowID, "escrow", "", "escrow id filter")
	return cmd
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyDeleteCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create API key (prints the secret once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			raw := make([]byte, 24)
			if _, err := rand.Read(raw); err != nil {
				return err
			}
			secret := "eslk_" + hex.EncodeToString(raw)
			key := domain.APIKey{
				ID:        uuid.New().String(),
				ActorID:   actorID,
				Name:      name,
				KeyHash:   repo.HashAPIKey(secret),
				CreatedAt: time.Now().UTC().Format(time.RFC3339),
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "key": secret})
				}
				fmt.Printf("API key %s for %s:\n%s\n", key.ID, key.ActorID, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id filter")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := openDB(workspace)
			if err != nil {
				return err
			}
			defer conn.Close()
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg, newLedger(cfg))
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("ESCROWLINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("ESCROWLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Escrowline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func openDB(workspace string) (*sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func newLedger(cfg *config.Config) ledger.Client {
	if cfg.Settlement.LedgerURL != "" {
		return ledger.NewHTTP(cfg.Settlement.LedgerURL)
	}
	return ledger.NewMemory()
}

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := openDB(workspace)
	if err != nil {
		return err
	}
	defer conn.Close()
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg, newLedger(cfg))
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := openDB(workspace)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, repo.Repo{DB: conn})
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
