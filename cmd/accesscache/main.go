package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"accesscache/internal/access"
	"accesscache/internal/app"
	"accesscache/internal/config"
	"accesscache/internal/logging"
	"accesscache/internal/reconcile"
	"accesscache/internal/rules"
	"accesscache/internal/store"
	"accesscache/internal/worker"
)

// Version is set at build time with -ldflags.
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:           "accesscache",
	Short:         "Temporal access-rights cache",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("AC_CONFIG"), "path to the YAML config file")

	rebuildCmd.Flags().Int64("user", 0, "rebuild one user instead of everyone")
	rebuildCmd.Flags().Bool("enqueue", false, "push a rebuild job instead of running inline")

	checkCmd.Flags().Int64("user", 0, "user id (0 for a guest)")
	checkCmd.Flags().Int64("resource", 0, "resource id")
	checkCmd.Flags().String("type", "", "resource type")
	_ = checkCmd.MarkFlagRequired("resource")
	_ = checkCmd.MarkFlagRequired("type")

	allowedCmd.Flags().Int64("user", 0, "user id")
	allowedCmd.Flags().String("types", rules.SetUserVisibleTypes, "comma separated types or a named type set")

	reconcileCmd.Flags().Int64Slice("user", nil, "users to check (default every user with a grant)")
	reconcileCmd.Flags().Bool("dry-run", false, "report drift without rebuilding")

	rulesCmd.AddCommand(rulesImportCmd, rulesSyncOrderCmd)
	rootCmd.AddCommand(serveCmd, rebuildCmd, reconcileCmd, checkCmd, allowedCmd, rulesCmd, migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(component string) (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, zerolog.Nop(), fmt.Errorf("config: %w", err)
	}
	logger := logging.Init(logging.Config{Format: cfg.Log.Format, Level: cfg.Log.Level, Component: component})
	return cfg, logger, nil
}

// withApp loads config, builds the app and hands it to fn with a context that
// ends on SIGINT or SIGTERM.
func withApp(cmd *cobra.Command, component string, fn func(ctx context.Context, a *app.App) error) error {
	cfg, logger, err := loadConfig(component)
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the rebuild worker, the rebuild schedule and the HTTP listener",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "accesscache", func(ctx context.Context, a *app.App) error {
			return a.Serve(ctx)
		})
	},
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild the access cache for everyone or one user",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetInt64("user")
		enqueue, _ := cmd.Flags().GetBool("enqueue")
		scope := access.SingleUser(userID)
		if userID == 0 {
			scope = access.AllUsers()
		}
		return withApp(cmd, "rebuild", func(ctx context.Context, a *app.App) error {
			if enqueue {
				job, err := a.Worker(nil).Enqueue(ctx, scope)
				if err != nil {
					return fmt.Errorf("enqueue rebuild: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s rebuild job %s\n", scope, job.ID)
				return nil
			}
			report, err := a.Worker(a.Locker(ctx)).RunScope(ctx, scope)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rebuilt %s: users=%d entries=%d group_rows=%d special_rows=%d batches=%d in %s\n",
				scope, report.Users, report.Entries, report.GroupRows, report.SpecialRows, report.Batches, report.Duration.Round(time.Millisecond))
			return nil
		})
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Rebuild users whose cache rows no longer match their grants",
	RunE: func(cmd *cobra.Command, args []string) error {
		userIDs, _ := cmd.Flags().GetInt64Slice("user")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		return withApp(cmd, "reconcile", func(ctx context.Context, a *app.App) error {
			repair := worker.Locked{Locker: a.Locker(ctx), Builder: a.Builder, Logger: a.Logger}
			svc := reconcile.NewService(a.Store, a.Store, repair, a.Builder.Options, a.Logger)
			svc.DryRun = dryRun
			report, err := svc.Run(ctx, userIDs)
			if err != nil {
				return fmt.Errorf("reconcile: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reconcile complete: checked=%d drifted=%d repaired=%d\n",
				report.UsersChecked, report.UsersDrifted, report.UsersRepaired)
			return nil
		})
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Report whether a user may open a resource",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetInt64("user")
		resourceID, _ := cmd.Flags().GetInt64("resource")
		resourceType, _ := cmd.Flags().GetString("type")
		return withApp(cmd, "check", func(ctx context.Context, a *app.App) error {
			var (
				allowed bool
				err     error
			)
			if userID == 0 {
				allowed, err = a.Evaluator.GuestHasAccess(ctx, resourceID, resourceType)
			} else {
				allowed, err = a.Evaluator.UserHasAccess(ctx, userID, resourceID, resourceType, time.Now().UTC())
			}
			if err != nil {
				return err
			}
			verdict := "denied"
			if allowed {
				verdict = "allowed"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s:%d for user %d\n", verdict, resourceType, resourceID, userID)
			return nil
		})
	},
}

var allowedCmd = &cobra.Command{
	Use:   "allowed",
	Short: "List the resources a user may open, in display order",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetInt64("user")
		typesFlag, _ := cmd.Flags().GetString("types")
		var types []string
		for _, t := range strings.Split(typesFlag, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, t)
			}
		}
		return withApp(cmd, "allowed", func(ctx context.Context, a *app.App) error {
			resources, err := a.Evaluator.AllowedResources(ctx, userID, types, time.Now().UTC())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(resources)
		})
	},
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage resource access rules",
}

var rulesImportCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Replace the access rules of the resources listed in a YAML or JSON document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		doc, err := rules.ParseImport(data)
		if err != nil {
			return fmt.Errorf("%s: %w", args[0], err)
		}
		return withApp(cmd, "rules", func(ctx context.Context, a *app.App) error {
			report, err := doc.Apply(ctx, a.Store)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d resources (%d rules), %d unchanged\n", report.Resources, report.Rules, report.Unchanged)
			return nil
		})
	},
}

var rulesSyncOrderCmd = &cobra.Command{
	Use:   "sync-order",
	Short: "Add missing resources to the display order and drop stale ones",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "rules", func(ctx context.Context, a *app.App) error {
			return a.Store.SyncSortOrder(ctx, app.ResourceTables(a.Config))
		})
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig("migrate")
		if err != nil {
			return err
		}
		st, err := store.Open(cfg.Database.DSN)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := store.Migrate(cmd.Context(), st.DB()); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		version, err := store.MigrationVersion(cmd.Context(), st.DB())
		if err != nil {
			return err
		}
		logger.Info().Int64("version", version).Msg("migrations applied")
		return nil
	},
}
