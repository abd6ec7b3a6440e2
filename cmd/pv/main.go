package main

import (
	"context"
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
	"gopkg.in/yaml.v3"

	"protovault/internal/app"
	"protovault/internal/config"
	"protovault/internal/db"
	"protovault/internal/domain"
	"protovault/internal/engine"
	"protovault/internal/migrate"
	"protovault/internal/quality"
	"protovault/internal/repo"
	"protovault/internal/run"
	"protovault/internal/server"
	"protovault/internal/tier"
)

var rootCmd = &cobra.Command{
	Use:   "pv",
	Short: "ProtoVault CLI",
	Long: `ProtoVault governs a marketplace of executable protocols.
- Workspace: your .protovault directory holding the database; vault config lives in the DB and can be imported from protovault.yml.
- Protocols: structured procedure documents. They flow draft -> active (publish, quality-gated) and can be archived or rejected.
- Tiers: five license levels (observer .. sovereign). A protocol's price decides the tier needed to run it, unless it declares an override.
- Credits: runs cost execution credits; tier upgrades grant a balance, authority and sovereign run unlimited.
- Runs: step-by-step guided executions. Each step type has a gate (confirm, decide, enter a value) and every passed step lands in the log.
- Audit: any run renders an immutable audit record, view with 'pv run report'.`,
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
	viper.SetEnvPrefix("PROTOVAULT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("vault", "", "vault id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("vault", rootCmd.PersistentFlags().Lookup("vault"))
}

func registerCommands() {
	rootCmd.AddCommand(vaultCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(protocolCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(entitlementCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(serveCmd())
}

func vaultCmd() *cobra.Command {
	vault := &cobra.Command{Use: "vault", Short: "Manage the vault"}
	vault.AddCommand(vaultInitCmd())
	vault.AddCommand(vaultConfigCmd())
	return vault
}

func vaultInitCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a vault in this workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg := config.Default(id)
			e := engine.New(conn, cfg)
			if err := e.InitVault(cmd.Context(), id, viper.GetString("actor-id")); err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	cmd.Flags().StringVar(&id, "id", app.DefaultVaultID, "vault id")
	return cmd
}

func vaultConfigCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage vault config"}
	cfg.AddCommand(vaultConfigShowCmd())
	cfg.AddCommand(vaultConfigImportCmd())
	cfg.AddCommand(vaultConfigInitCmd())
	return cfg
}

func vaultConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show vault config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func vaultConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import vault config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			vaultID := cfg.Vault.ID
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if vaultID == "" {
					vaultID = e.Config.Vault.ID
				}
				if err := e.Repo.UpsertVaultConfig(ctx, vaultID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func vaultConfigInitCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default protovault.yml to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(id)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", app.DefaultVaultID, "vault id")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show vault status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				counts, err := e.Repo.CountProtocolsByStatus(ctx)
				if err != nil {
					return err
				}
				out := map[string]any{
					"vault_id":        e.Config.Vault.ID,
					"protocol_counts": counts,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Vault: %s\n", e.Config.Vault.ID)
				fmt.Println("Protocols:")
				for status, c := range counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				return nil
			})
		},
	}
	return cmd
}

func protocolCmd() *cobra.Command {
	protocol := &cobra.Command{
		Use:   "protocol",
		Short: "Manage protocols",
		Long:  "Protocols are governed procedure documents. Author a draft file, create it, check its quality score, and publish it to make it runnable.",
	}
	protocol.AddCommand(protocolCreateCmd())
	protocol.AddCommand(protocolListCmd())
	protocol.AddCommand(protocolShowCmd())
	protocol.AddCommand(protocolUpdateCmd())
	protocol.AddCommand(protocolScoreCmd())
	protocol.AddCommand(protocolPublishCmd())
	protocol.AddCommand(protocolArchiveCmd())
	protocol.AddCommand(protocolRejectCmd())
	return protocol
}

// loadDraft reads a protocol document from a YAML or JSON file. YAML is
// normalized through JSON so both share the domain struct's json tags.
func loadDraft(path string) (domain.Protocol, error) {
	var p domain.Protocol
	data, err := os.ReadFile(path)
	if err != nil {
		return p, err
	}
	if json.Valid(data) {
		err = json.Unmarshal(data, &p)
		return p, err
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return p, fmt.Errorf("parse %s: %w", path, err)
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return p, err
	}
	err = json.Unmarshal(buf, &p)
	return p, err
}

func protocolCreateCmd() *cobra.Command {
	var filePath, id string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a protocol draft from a document file",
		RunE: func(cmd *cobra.Command, args []string) error {
			draft, err := loadDraft(filePath)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateProtocol(ctx, engine.ProtocolCreateOptions{
					ID:       id,
					AuthorID: viper.GetString("actor-id"),
					Draft:    draft,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "protocol document (YAML or JSON)")
	cmd.Flags().StringVar(&id, "id", "", "protocol id (optional, deterministic UUID if omitted)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func protocolListCmd() *cobra.Command {
	var status, category, author string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List protocols",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProtocols(ctx, repo.ProtocolFilters{
					Status:   status,
					Category: category,
					AuthorID: author,
					Limit:    limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Category", "Price", "Tier", "Risk"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Title, p.Status, p.Category, p.Price, string(tier.RequiredTier(p)), p.RiskClass})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&category, "category", "", "filter by category")
	cmd.Flags().StringVar(&author, "author", "", "filter by author")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows")
	return cmd
}

func protocolShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a protocol",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := r.GetProtocol(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func protocolUpdateCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Replace a draft's document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			draft, err := loadDraft(filePath)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.UpdateProtocol(ctx, args[0], viper.GetString("actor-id"), draft)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "protocol document (YAML or JSON)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func protocolScoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "score <id>",
		Short: "Show the quality score breakdown",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				score, err := e.ScoreProtocol(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(score)
				}
				fmt.Printf("Structure: %d\nLogic:     %d\nRisk:      %d\nTotal:     %d (publish threshold %d)\n",
					score.Structure, score.Logic, score.Risk, score.Total, quality.PublishThreshold)
				if score.Total < quality.PublishThreshold {
					fmt.Printf("Weakest dimension: %s\n", score.Weakest())
				}
				return nil
			})
		},
	}
	return cmd
}

func protocolPublishCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish <id>",
		Short: "Publish a draft (quality-gated)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, score, err := e.PublishProtocol(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"protocol": p, "score": score})
				}
				fmt.Printf("Published %s (score %d, risk class %s)\n", p.ID, score.Total, p.RiskClass)
				return nil
			})
		},
	}
	return cmd
}

func protocolArchiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive <id>",
		Short: "Archive an active protocol",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.ArchiveProtocol(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func protocolRejectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.RejectProtocol(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func runCmd() *cobra.Command {
	runRoot := &cobra.Command{
		Use:   "run",
		Short: "Execute protocols",
		Long:  "Runs walk a protocol step by step. Advance with the value the step asks for: --confirm for action steps, --choice approved|rejected for decisions, --text for inputs. Automation steps advance on their own.",
	}
	runRoot.AddCommand(runStartCmd())
	runRoot.AddCommand(runListCmd())
	runRoot.AddCommand(runShowCmd())
	runRoot.AddCommand(runAdvanceCmd())
	runRoot.AddCommand(runAbandonCmd())
	runRoot.AddCommand(runLogCmd())
	runRoot.AddCommand(runReportCmd())
	return runRoot
}

func runStartCmd() *cobra.Command {
	var session string
	cmd := &cobra.Command{
		Use:   "start <protocol-id>",
		Short: "Start a run (debits execution credits)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if session == "" {
					session = uuid.New().String()
				}
				r, err := e.StartRun(ctx, engine.StartRunOptions{
					ProtocolID: args[0],
					ActorID:    viper.GetString("actor-id"),
					SessionID:  session,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "session id (random if omitted)")
	return cmd
}

func runListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List my runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListRunsByActor(ctx, viper.GetString("actor-id"), limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Protocol", "Status", "Step", "Cost", "Started"})
				for _, item := range items {
					tw.AppendRow(table.Row{item.ID, item.ProtocolID, item.Status, item.StepIndex, item.Cost, item.StartedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max rows")
	return cmd
}

func runShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				item, err := r.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	return cmd
}

func runAdvanceCmd() *cobra.Command {
	var confirm bool
	var choice, text string
	cmd := &cobra.Command{
		Use:   "advance <run-id>",
		Short: "Advance past the current step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.AdvanceRun(ctx, engine.AdvanceRunOptions{
					RunID:   args[0],
					ActorID: viper.GetString("actor-id"),
					Captured: run.Captured{
						Confirmed: confirm,
						Choice:    choice,
						Text:      text,
					},
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(r)
				}
				if r.Status == "completed" {
					fmt.Printf("Run %s completed.\n", r.ID)
				} else {
					fmt.Printf("Run %s at step %d.\n", r.ID, r.StepIndex)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&confirm, "confirm", false, "confirm an action step")
	cmd.Flags().StringVar(&choice, "choice", "", "decision: approved or rejected")
	cmd.Flags().StringVar(&text, "text", "", "input value")
	return cmd
}

func runAbandonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "abandon <run-id>",
		Short: "Abandon a running run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.AbandonRun(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	return cmd
}

func runLogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log <run-id>",
		Short: "Show a run's step log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				entries, err := r.ListRunLog(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "Step", "Role", "Action", "When"})
				for i, entry := range entries {
					tw.AppendRow(table.Row{i + 1, entry.Title, entry.Role, entry.Action, entry.TS})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func runReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report <run-id>",
		Short: "Render the audit report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.RenderReport(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Println(report)
				return nil
			})
		},
	}
	return cmd
}

func entitlementCmd() *cobra.Command {
	ent := &cobra.Command{
		Use:   "entitlement",
		Short: "Manage actor entitlements",
	}
	ent.AddCommand(entitlementShowCmd())
	ent.AddCommand(entitlementSetCmd())
	ent.AddCommand(entitlementListCmd())
	return ent
}

func entitlementShowCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show an actor's tier and balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if actor == "" {
					actor = viper.GetString("actor-id")
				}
				ent, err := e.GetEntitlement(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ent)
				}
				balance := fmt.Sprintf("%d", ent.Balance)
				if ent.Balance == -1 {
					balance = "unlimited"
				}
				fmt.Printf("Actor:   %s\nTier:    %s\nBalance: %s\n", ent.ActorID, ent.Tier, balance)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id (defaults to --actor-id)")
	return cmd
}

func entitlementSetCmd() *cobra.Command {
	var actor, tierName string
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Move an actor to a tier (applies the configured credit grant)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if tierName == "" {
				return fmt.Errorf("--tier required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if actor == "" {
					actor = viper.GetString("actor-id")
				}
				ent, err := e.SetEntitlement(ctx, actor, tierName, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(ent)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id (defaults to --actor-id)")
	cmd.Flags().StringVar(&tierName, "tier", "", "tier (observer, operator, commander, authority, sovereign)")
	return cmd
}

func entitlementListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List known entitlements",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListEntitlements(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Actor", "Tier", "Balance"})
				for _, ent := range items {
					balance := fmt.Sprintf("%d", ent.Balance)
					if ent.Balance == -1 {
						balance = "unlimited"
					}
					tw.AppendRow(table.Row{ent.ActorID, ent.Tier, balance})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: protocol lifecycle changes, entitlement grants, runs, and more.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(cmd.Context(), n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func keysCmd() *cobra.Command {
	keys := &cobra.Command{Use: "keys", Short: "Manage API keys"}
	keys.AddCommand(keysCreateCmd())
	keys.AddCommand(keysListCmd())
	keys.AddCommand(keysRevokeCmd())
	return keys
}

func keysCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (raw key printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if actor == "" {
					actor = viper.GetString("actor-id")
				}
				raw := "pvk_" + uuid.New().String()
				key := domain.APIKey{
					ID:        uuid.New().String(),
					ActorID:   actor,
					Name:      name,
					KeyHash:   repo.HashAPIKey(raw),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{
					"id":       key.ID,
					"actor_id": key.ActorID,
					"key":      raw,
				})
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func keysListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys for an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if actor == "" {
					actor = viper.GetString("actor-id")
				}
				keys, err := r.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id (defaults to --actor-id)")
	return cmd
}

func keysRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
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
	var allowLegacy bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveVaultConfig(cmd.Context(), workspace, viper.GetString("vault"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("PROTOVAULT_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacy,
			}
			if authCfg.JWTSecret == "" && !allowLegacy {
				return fmt.Errorf("PROTOVAULT_JWT_SECRET is required for bearer auth (or pass --allow-legacy-actor-header for local use)")
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
			fmt.Printf("Serving ProtoVault API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacy, "allow-legacy-actor-header", false, "accept X-Actor-Id without credentials (local dev)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveVaultConfig(ctx, workspace, viper.GetString("vault"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
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
