package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"siteline/internal/app"
	"siteline/internal/audit"
	"siteline/internal/config"
	"siteline/internal/db"
	"siteline/internal/domain"
	"siteline/internal/migrate"
	"siteline/internal/mutate"
	"siteline/internal/notify"
	"siteline/internal/provision"
	"siteline/internal/repo"
	"siteline/internal/server"
	"siteline/internal/stage"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Siteline CLI",
	Long: `Siteline is the pursuit portal for construction leads: pursuits move through
a guarded stage lifecycle, estimating records and deliverables hang off each
pursuit, and awarded projects get a provisioned project site. Mutations apply
optimistically against the local cache and reconcile once the store confirms;
other connected clients hear about changes over the event channel.`,
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
	viper.SetEnvPrefix("SITELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("actor-name", "", "actor display name")
	rootCmd.PersistentFlags().Bool("privileged", false, "allow administrative stage overrides")
	rootCmd.PersistentFlags().String("relay", "", "websocket event relay url (ws://host/events/ws)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("actor-name", rootCmd.PersistentFlags().Lookup("actor-name"))
	_ = viper.BindPFlag("privileged", rootCmd.PersistentFlags().Lookup("privileged"))
	_ = viper.BindPFlag("relay", rootCmd.PersistentFlags().Lookup("relay"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(leadCmd())
	rootCmd.AddCommand(estimatingCmd())
	rootCmd.AddCommand(deliverableCmd())
	rootCmd.AddCommand(provisionCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(authCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(context.Context, repo.Repo) error {
				fmt.Printf("Initialized workspace: %s and %s\n", path, db.Path(workspace))
				return nil
			})
		},
	}
}

func leadCmd() *cobra.Command {
	lead := &cobra.Command{
		Use:   "lead",
		Short: "Manage pursuits",
		Long:  "Pursuits are the company's leads. Each carries a project code and a lifecycle stage; stage moves are checked against the transition table and archived pursuits need administrative access to reopen.",
	}
	lead.AddCommand(leadListCmd())
	lead.AddCommand(leadCreateCmd())
	lead.AddCommand(leadShowCmd())
	lead.AddCommand(leadUpdateCmd())
	lead.AddCommand(leadDeleteCmd())
	lead.AddCommand(leadStageCmd())
	return lead
}

func leadListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pursuits",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPortal(cmd.Context(), func(ctx context.Context, p *app.Portal) error {
				leads, err := p.Leads(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(leads)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Code", "Title", "Stage", "Client", "Value"})
				for _, l := range leads {
					tw.AppendRow(table.Row{l.ID, l.ProjectCode, l.Title, l.Stage, l.Client, l.EstimatedValue})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func leadCreateCmd() *cobra.Command {
	var lead domain.Lead
	var stageName string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a pursuit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if lead.ProjectCode == "" || lead.Title == "" {
				return fmt.Errorf("--code and --title are required")
			}
			lead.Stage = domain.Stage(stageName)
			if lead.Stage != "" && !stage.Known(lead.Stage) {
				return fmt.Errorf("unknown stage %q", stageName)
			}
			return withPortal(cmd.Context(), func(ctx context.Context, p *app.Portal) error {
				created, err := p.CreateLead(ctx, lead)
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().StringVar(&lead.ProjectCode, "code", "", "project code")
	cmd.Flags().StringVar(&lead.Title, "title", "", "pursuit title")
	cmd.Flags().StringVar(&lead.Client, "client", "", "client name")
	cmd.Flags().StringVar(&stageName, "stage", "", "initial stage (defaults to Prospect)")
	cmd.Flags().Float64Var(&lead.EstimatedValue, "value", 0, "estimated contract value")
	cmd.Flags().StringVar(&lead.Region, "region", "", "region")
	cmd.Flags().StringVar(&lead.Notes, "notes", "", "notes")
	return cmd
}

func leadShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a pursuit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				lead, err := r.GetLead(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(lead)
			})
		},
	}
	return cmd
}

func leadUpdateCmd() *cobra.Command {
	var title, client, region, notes string
	var value float64
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a pursuit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withPortal(cmd.Context(), func(ctx context.Context, p *app.Portal) error {
				current, err := lookupLead(ctx, p, id)
				if err != nil {
					return err
				}
				if cmd.Flags().Changed("title") {
					current.Title = title
				}
				if cmd.Flags().Changed("client") {
					current.Client = client
				}
				if cmd.Flags().Changed("value") {
					current.EstimatedValue = value
				}
				if cmd.Flags().Changed("region") {
					current.Region = region
				}
				if cmd.Flags().Changed("notes") {
					current.Notes = notes
				}
				updated, err := p.UpdateLead(ctx, current)
				if err != nil {
					return err
				}
				return printJSONOrTable(updated)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "pursuit title")
	cmd.Flags().StringVar(&client, "client", "", "client name")
	cmd.Flags().Float64Var(&value, "value", 0, "estimated contract value")
	cmd.Flags().StringVar(&region, "region", "", "region")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	return cmd
}

func leadDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a pursuit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withPortal(cmd.Context(), func(ctx context.Context, p *app.Portal) error {
				return p.DeleteLead(ctx, id)
			})
		},
	}
}

func leadStageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stage <id> <stage>",
		Short: "Move a pursuit to a new stage",
		Long:  "Legal moves follow the pursuit lifecycle; pass --privileged to take administrative recovery edges such as reopening an archived pursuit. Stages: " + stageNames(),
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withPortal(cmd.Context(), func(ctx context.Context, p *app.Portal) error {
				lead, err := p.UpdateLeadStage(ctx, id, domain.Stage(args[1]), viper.GetBool("privileged"))
				if err != nil {
					return err
				}
				return printJSONOrTable(lead)
			})
		},
	}
	return cmd
}

func estimatingCmd() *cobra.Command {
	est := &cobra.Command{Use: "estimating", Short: "Manage estimating records"}
	est.AddCommand(estimatingListCmd())
	est.AddCommand(estimatingCreateCmd())
	est.AddCommand(estimatingUpdateCmd())
	est.AddCommand(estimatingDeleteCmd())
	return est
}

func estimatingListCmd() *cobra.Command {
	var leadID int64
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List estimating records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPortal(cmd.Context(), func(ctx context.Context, p *app.Portal) error {
				items, err := p.EstimatingRecords(ctx, leadID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Lead", "Discipline", "Estimator", "Status", "Amount", "Due"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.LeadID, e.Discipline, e.Estimator, e.Status, e.Amount, e.DueDate})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&leadID, "lead", 0, "filter by lead id")
	return cmd
}

func estimatingCreateCmd() *cobra.Command {
	var rec domain.EstimatingRecord
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an estimating record",
		RunE: func(cmd *cobra.Command, args []string) error {
			if rec.LeadID <= 0 || rec.Discipline == "" {
				return fmt.Errorf("--lead and --discipline are required")
			}
			return withPortal(cmd.Context(), func(ctx context.Context, p *app.Portal) error {
				created, err := p.CreateEstimatingRecord(ctx, rec)
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().Int64Var(&rec.LeadID, "lead", 0, "lead id")
	cmd.Flags().StringVar(&rec.Discipline, "discipline", "", "discipline (e.g. civil, mechanical)")
	cmd.Flags().StringVar(&rec.Estimator, "estimator", "", "estimator name")
	cmd.Flags().StringVar(&rec.Status, "status", "", "status (draft, in_review, final)")
	cmd.Flags().Float64Var(&rec.Amount, "amount", 0, "estimate amount")
	cmd.Flags().StringVar(&rec.DueDate, "due", "", "due date (RFC3339)")
	return cmd
}

func estimatingUpdateCmd() *cobra.Command {
	var rec domain.EstimatingRecord
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update an estimating record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withPortal(cmd.Context(), func(ctx context.Context, p *app.Portal) error {
				current, err := lookupEstimating(ctx, p, id)
				if err != nil {
					return err
				}
				mergeEstimatingFlags(cmd, &current, rec)
				updated, err := p.UpdateEstimatingRecord(ctx, current)
				if err != nil {
					return err
				}
				return printJSONOrTable(updated)
			})
		},
	}
	cmd.Flags().StringVar(&rec.Discipline, "discipline", "", "discipline")
	cmd.Flags().StringVar(&rec.Estimator, "estimator", "", "estimator name")
	cmd.Flags().StringVar(&rec.Status, "status", "", "status (draft, in_review, final)")
	cmd.Flags().Float64Var(&rec.Amount, "amount", 0, "estimate amount")
	cmd.Flags().StringVar(&rec.DueDate, "due", "", "due date (RFC3339)")
	return cmd
}

func estimatingDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an estimating record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withPortal(cmd.Context(), func(ctx context.Context, p *app.Portal) error {
				return p.DeleteEstimatingRecord(ctx, id)
			})
		},
	}
}

func deliverableCmd() *cobra.Command {
	del := &cobra.Command{Use: "deliverable", Short: "Manage deliverables"}
	del.AddCommand(deliverableListCmd())
	del.AddCommand(deliverableCreateCmd())
	del.AddCommand(deliverableStatusCmd())
	del.AddCommand(deliverableDeleteCmd())
	return del
}

func deliverableListCmd() *cobra.Command {
	var leadID int64
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deliverables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPortal(cmd.Context(), func(ctx context.Context, p *app.Portal) error {
				items, err := p.Deliverables(ctx, leadID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Lead", "Title", "Owner", "Status", "Due"})
				for _, d := range items {
					tw.AppendRow(table.Row{d.ID, d.LeadID, d.Title, d.Owner, d.Status, d.DueDate})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&leadID, "lead", 0, "filter by lead id")
	return cmd
}

func deliverableCreateCmd() *cobra.Command {
	var rec domain.Deliverable
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a deliverable",
		RunE: func(cmd *cobra.Command, args []string) error {
			if rec.LeadID <= 0 || rec.Title == "" {
				return fmt.Errorf("--lead and --title are required")
			}
			return withPortal(cmd.Context(), func(ctx context.Context, p *app.Portal) error {
				created, err := p.CreateDeliverable(ctx, rec)
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().Int64Var(&rec.LeadID, "lead", 0, "lead id")
	cmd.Flags().StringVar(&rec.Title, "title", "", "deliverable title")
	cmd.Flags().StringVar(&rec.Owner, "owner", "", "owner")
	cmd.Flags().StringVar(&rec.Status, "status", "", "status (open, in_progress, done)")
	cmd.Flags().StringVar(&rec.DueDate, "due", "", "due date (RFC3339)")
	return cmd
}

func deliverableStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <id> <status>",
		Short: "Set deliverable status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withPortal(cmd.Context(), func(ctx context.Context, p *app.Portal) error {
				current, err := lookupDeliverable(ctx, p, id)
				if err != nil {
					return err
				}
				current.Status = args[1]
				updated, err := p.UpdateDeliverable(ctx, current)
				if err != nil {
					return err
				}
				return printJSONOrTable(updated)
			})
		},
	}
	return cmd
}

func deliverableDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a deliverable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withPortal(cmd.Context(), func(ctx context.Context, p *app.Portal) error {
				return p.DeleteDeliverable(ctx, id)
			})
		},
	}
}

func provisionCmd() *cobra.Command {
	prov := &cobra.Command{
		Use:   "provision",
		Short: "Manage project site provisioning",
		Long:  "Awarded pursuits get a project site through a seven-step workflow. Watch progress live, retry failed runs from a step, or relink the pursuit when only the final step failed.",
	}
	prov.AddCommand(provisionStartCmd())
	prov.AddCommand(provisionStatusCmd())
	prov.AddCommand(provisionWatchCmd())
	prov.AddCommand(provisionRetryCmd())
	prov.AddCommand(provisionRelinkCmd())
	return prov
}

func provisionStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <project-code>",
		Short: "Start provisioning a project site",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPortal(cmd.Context(), func(ctx context.Context, p *app.Portal) error {
				p.Runner().Sync = true
				if _, err := p.StartProvisioning(ctx, args[0]); err != nil {
					return err
				}
				op, err := p.ProvisionStatus(ctx, args[0])
				if err != nil {
					return err
				}
				return printOperation(op)
			})
		},
	}
}

func provisionStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <project-code>",
		Short: "Show provisioning status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPortal(cmd.Context(), func(ctx context.Context, p *app.Portal) error {
				op, err := p.ProvisionStatus(ctx, args[0])
				if err != nil {
					return err
				}
				return printOperation(op)
			})
		},
	}
}

func provisionWatchCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "watch <project-code>",
		Short: "Watch provisioning until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return withPortal(ctx, func(ctx context.Context, p *app.Portal) error {
				op, err := p.TrackProvisioning(ctx, args[0], func(s provision.Snapshot) {
					switch {
					case s.Err != nil:
						fmt.Printf("fetch failed, retrying: %v\n", s.Err)
					case !s.Found:
						fmt.Println("waiting for operation record...")
					default:
						fmt.Printf("%s: step %d/%d %s\n", s.Op.Status, s.Op.CurrentStep, s.Op.TotalSteps, stepLabel(s.Op.CurrentStep))
					}
				})
				if err != nil {
					return err
				}
				return printOperation(op)
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "give up after this long")
	return cmd
}

func provisionRetryCmd() *cobra.Command {
	var step int
	cmd := &cobra.Command{
		Use:   "retry <project-code>",
		Short: "Retry a failed run from a step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPortal(cmd.Context(), func(ctx context.Context, p *app.Portal) error {
				p.Runner().Sync = true
				if _, err := p.RetryProvisioning(ctx, args[0], step); err != nil {
					return err
				}
				op, err := p.ProvisionStatus(ctx, args[0])
				if err != nil {
					return err
				}
				return printOperation(op)
			})
		},
	}
	cmd.Flags().IntVar(&step, "step", 1, "step to resume from (1-7)")
	return cmd
}

func provisionRelinkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "relink <project-code>",
		Short: "Rerun the pursuit-linking step after a partial failure",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPortal(cmd.Context(), func(ctx context.Context, p *app.Portal) error {
				p.Runner().Sync = true
				if _, err := p.RelinkProvisioning(ctx, args[0]); err != nil {
					return err
				}
				op, err := p.ProvisionStatus(ctx, args[0])
				if err != nil {
					return err
				}
				return printOperation(op)
			})
		},
	}
}

func auditCmd() *cobra.Command {
	aud := &cobra.Command{Use: "audit", Short: "Inspect the audit trail"}
	var n int
	var entity string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPortal(cmd.Context(), func(ctx context.Context, p *app.Portal) error {
				entries, err := p.AuditTrail(ctx, n, entity)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Actor", "Action", "Entity", "ID", "Change"})
				for _, e := range entries {
					change := e.Details
					if e.Field != "" {
						change = e.Field + ": " + e.Before + " -> " + e.After
					}
					tw.AppendRow(table.Row{e.TS, e.ActorID, e.Action, e.Entity, e.EntityID, change})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of entries")
	tail.Flags().StringVar(&entity, "entity", "", "entity filter (leads, estimating, deliverables, provisioning)")
	aud.AddCommand(tail)
	return aud
}

func authCmd() *cobra.Command {
	auth := &cobra.Command{Use: "auth", Short: "Authentication helpers"}
	var roles []string
	token := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("SITELINE_JWT_SECRET")
			if secret == "" {
				return fmt.Errorf("SITELINE_JWT_SECRET is required")
			}
			tok, err := server.IssueToken(secret, viper.GetString("actor-id"), viper.GetString("actor-name"), roles)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	token.Flags().StringArrayVar(&roles, "role", []string{}, "role claim (repeatable; 'admin' unlocks overrides)")
	auth.AddCommand(token)
	return auth
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			logger, closeLog := config.SetupLogger(cfg.Logging.File, config.ParseLogLevel(cfg.Logging.Level))
			defer closeLog()
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			hub := notify.NewHub()
			auditWriter := &audit.Writer{DB: conn, Logger: logger}
			runner := provision.NewRunner(r, hub, logger)
			runner.Audit = auditWriter

			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("SITELINE_JWT_SECRET"),
				AllowLegacyActorHeader: os.Getenv("SITELINE_ALLOW_ACTOR_HEADER") != "",
				Logger:                 logger,
			}
			if authCfg.JWTSecret == "" {
				authCfg.JWTSecret = cfg.Server.JWTSecret
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowLegacyActorHeader {
				return fmt.Errorf("SITELINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Repo:     r,
				Hub:      hub,
				Audit:    auditWriter,
				Runner:   runner,
				BasePath: basePath,
				Auth:     authCfg,
				Log:      logger,
			})
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Siteline API on http://%s%s (events at ws://%s/events/ws)\n", addr, basePath, addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withPortal(ctx context.Context, fn func(context.Context, *app.Portal) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	logger, closeLog := config.SetupLogger(cfg.Logging.File, config.ParseLogLevel(cfg.Logging.Level))
	defer closeLog()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	hub := notify.NewHub()
	relayURL := viper.GetString("relay")
	if relayURL == "" {
		relayURL = cfg.Relay.URL
	}
	if relayURL != "" {
		rctx, cancelRelay := context.WithCancel(ctx)
		defer cancelRelay()
		relay := &notify.Relay{URL: relayURL, Hub: hub, Log: logger}
		go relay.Run(rctx)
	}
	portal := app.New(app.Options{
		Repo:  repo.Repo{DB: conn},
		Flags: cfg.Toggles(),
		Hub:   hub,
		Audit: &audit.Writer{DB: conn, Logger: logger},
		Actor: mutate.Actor{
			ID:   viper.GetString("actor-id"),
			Name: viper.GetString("actor-name"),
		},
		Log:      logger,
		FastPoll: cfg.FastPoll(),
		SlowPoll: cfg.SlowPoll(),
	})
	return fn(ctx, portal)
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

func printOperation(op domain.ProvisionOperation) error {
	if viper.GetBool("json") {
		return printJSON(op)
	}
	fmt.Printf("Project %s: %s", op.ProjectCode, op.Status)
	if op.SiteURL != "" {
		fmt.Printf(" (%s)", op.SiteURL)
	}
	fmt.Println()
	if op.Error != "" {
		fmt.Printf("Error: %s\n", op.Error)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Step", "Label", "State"})
	for _, s := range provision.Steps(op) {
		tw.AppendRow(table.Row{s.Index, s.Label, s.State})
	}
	tw.Render()
	return nil
}

func stepLabel(i int) string {
	if i >= 1 && i <= len(provision.StepLabels) {
		return provision.StepLabels[i-1]
	}
	return ""
}

func stageNames() string {
	names := make([]string, 0, len(stage.Stages()))
	for _, s := range stage.Stages() {
		names = append(names, string(s))
	}
	return strings.Join(names, ", ")
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func lookupEstimating(ctx context.Context, p *app.Portal, id int64) (domain.EstimatingRecord, error) {
	items, err := p.EstimatingRecords(ctx, 0)
	if err != nil {
		return domain.EstimatingRecord{}, err
	}
	for _, e := range items {
		if e.ID == id {
			return e, nil
		}
	}
	return domain.EstimatingRecord{}, fmt.Errorf("estimating record %d not found", id)
}

func lookupDeliverable(ctx context.Context, p *app.Portal, id int64) (domain.Deliverable, error) {
	items, err := p.Deliverables(ctx, 0)
	if err != nil {
		return domain.Deliverable{}, err
	}
	for _, d := range items {
		if d.ID == id {
			return d, nil
		}
	}
	return domain.Deliverable{}, fmt.Errorf("deliverable %d not found", id)
}

func mergeEstimatingFlags(cmd *cobra.Command, current *domain.EstimatingRecord, flags domain.EstimatingRecord) {
	if cmd.Flags().Changed("discipline") {
		current.Discipline = flags.Discipline
	}
	if cmd.Flags().Changed("estimator") {
		current.Estimator = flags.Estimator
	}
	if cmd.Flags().Changed("status") {
		current.Status = flags.Status
	}
	if cmd.Flags().Changed("amount") {
		current.Amount = flags.Amount
	}
	if cmd.Flags().Changed("due") {
		current.DueDate = flags.DueDate
	}
}

func lookupLead(ctx context.Context, p *app.Portal, id int64) (domain.Lead, error) {
	items, err := p.Leads(ctx)
	if err != nil {
		return domain.Lead{}, err
	}
	for _, l := range items {
		if l.ID == id {
			return l, nil
		}
	}
	return domain.Lead{}, fmt.Errorf("lead %d not found", id)
}
