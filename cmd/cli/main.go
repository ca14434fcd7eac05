package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/dvloznov/bank-reconciler/internal/app"
	"github.com/dvloznov/bank-reconciler/internal/buildinfo"
	"github.com/dvloznov/bank-reconciler/internal/config"
	"github.com/dvloznov/bank-reconciler/internal/domain"
	"github.com/dvloznov/bank-reconciler/internal/logger"
	"github.com/spf13/cobra"
)

// Exit codes callers can script against.
const (
	exitError    = 1
	exitBusy     = 2
	exitConflict = 3
)

type cli struct {
	configPath string
	logLevel   string
	jsonLogs   bool

	cfg *config.Config
	app *app.App
	out io.Writer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := &cli{out: os.Stdout}
	err := c.rootCmd().ExecuteContext(ctx)
	if err == nil {
		return
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	switch {
	case errors.Is(err, domain.ErrBusy):
		os.Exit(exitBusy)
	case errors.Is(err, domain.ErrConflict):
		os.Exit(exitConflict)
	default:
		os.Exit(exitError)
	}
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "reconciler",
		Short:         "Sync bank transactions and reconcile them against invoices and bills",
		Version:       buildinfo.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if c.app == nil {
				return nil
			}
			return c.app.Close()
		},
	}

	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", os.Getenv("BANKSYNC_CONFIG"), "Path to the YAML config file")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "Override log.level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&c.jsonLogs, "json-logs", false, "Write logs as JSON lines")

	root.AddCommand(
		c.syncCmd(),
		c.replayCmd(),
		c.reapCmd(),
		c.statusCmd(),
		c.classifyCmd(),
		c.candidatesCmd(),
		c.matchCmd(),
		c.unmatchCmd(),
		c.confirmCmd(),
		c.ignoreCmd(),
		c.unignoreCmd(),
		c.automatchCmd(),
		c.settlementsCmd(),
		c.documentsCmd(),
		c.rulesCmd(),
		c.exportReviewCmd(),
		c.suggestRulesCmd(),
		c.configCmd(),
	)
	return root
}

// setup loads the config and builds the logger and the app for every command.
func (c *cli) setup(cmd *cobra.Command) error {
	if cmd.Annotations[annotationSkipSetup] == "true" {
		return nil
	}
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}
	if c.jsonLogs {
		cfg.Log.JSON = true
	}

	log := logger.NewWithOptions(logger.Options{Level: cfg.Log.Level, JSON: cfg.Log.JSON})
	ctx := logger.WithContext(cmd.Context(), log)
	cmd.SetContext(ctx)

	c.cfg = cfg
	if cmd.Annotations[annotationNoStore] == "true" {
		return nil
	}

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	c.app = a
	return nil
}

// Command annotations that trim setup.
const (
	annotationNoStore   = "no-store"
	annotationSkipSetup = "skip-setup"
)

func actorFlag(cmd *cobra.Command, actor *string) {
	def := os.Getenv("USER")
	if def == "" {
		def = "cli"
	}
	cmd.Flags().StringVar(actor, "actor", def, "Who is making the decision")
}
