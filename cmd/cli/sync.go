package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dvloznov/bank-reconciler/internal/archive"
	"github.com/dvloznov/bank-reconciler/internal/config"
	"github.com/dvloznov/bank-reconciler/internal/connector"
	"github.com/dvloznov/bank-reconciler/internal/domain"
	"github.com/dvloznov/bank-reconciler/internal/pipeline"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func (c *cli) syncCmd() *cobra.Command {
	var (
		full  bool
		since string
	)
	cmd := &cobra.Command{
		Use:   "sync [account...]",
		Short: "Pull new transactions of the given accounts (default: sync.accounts)",
		Long: `Pull new transactions of the given accounts (default: sync.accounts).

By default each account resumes from the cursor of its last successful run.
--full pages through the whole history again and --since starts at a booking
date; records already stored are counted as duplicates.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			accounts := args
			if len(accounts) == 0 {
				accounts = c.cfg.Sync.Accounts
			}
			if len(accounts) == 0 {
				return errors.New("no account given and sync.accounts is empty")
			}

			start := pipeline.Start{Full: full}
			if since != "" {
				t, err := time.Parse(time.DateOnly, since)
				if err != nil {
					return fmt.Errorf("--since: expected YYYY-MM-DD: %w", err)
				}
				start.Since = t
			}

			conn, err := c.app.Connector()
			if err != nil {
				return err
			}
			syncer, err := c.app.Syncer(ctx, conn)
			if err != nil {
				return err
			}

			var errs []error
			for _, accountID := range accounts {
				res, err := syncer.SyncFrom(ctx, accountID, start)
				if err != nil {
					fmt.Fprintf(c.out, "%s: %v\n", accountID, err)
					errs = append(errs, err)
					continue
				}
				c.printSyncResult(accountID, res)
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "Ignore the saved cursor and re-pull the whole history")
	cmd.Flags().StringVar(&since, "since", "", "Start at the first transaction booked on or after this date (YYYY-MM-DD)")
	cmd.MarkFlagsMutuallyExclusive("full", "since")
	return cmd
}

func (c *cli) replayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <account> <gs-uri|file>...",
		Short: "Re-ingest archived raw pages through the normal sync pipeline",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			accountID := args[0]

			conn := connector.NewMemory()
			for _, src := range args[1:] {
				data, err := readArchived(ctx, src)
				if err != nil {
					return err
				}
				n, err := conn.LoadJSONLines(accountID, bytes.NewReader(data))
				if err != nil {
					return fmt.Errorf("%s: %w", src, err)
				}
				fmt.Fprintf(c.out, "loaded %d records from %s\n", n, src)
			}

			syncer, err := c.app.Syncer(ctx, conn)
			if err != nil {
				return err
			}
			res, err := syncer.Replay(ctx, accountID, conn)
			if err != nil {
				return err
			}
			c.printSyncResult(accountID, res)
			return nil
		},
	}
}

func readArchived(ctx context.Context, src string) ([]byte, error) {
	if !strings.HasPrefix(src, "gs://") {
		data, err := os.ReadFile(src)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", src, err)
		}
		return data, nil
	}

	bucket, _, err := archive.ParseURI(src)
	if err != nil {
		return nil, err
	}
	gcs, err := archive.NewGCS(ctx, bucket, "")
	if err != nil {
		return nil, err
	}
	defer gcs.Close()
	return gcs.Fetch(ctx, src)
}

func (c *cli) printSyncResult(accountID string, res *pipeline.Result) {
	watermark := "-"
	if res.Run.Watermark != nil {
		watermark = res.Run.Watermark.Format(time.DateOnly)
	}
	fmt.Fprintf(c.out, "%s: run %s %s in %s: pages=%d fetched=%d inserted=%d duplicates=%d skipped=%d classified=%d watermark=%s\n",
		accountID, res.Run.ID, res.Run.Status, res.Duration.Round(time.Millisecond),
		res.Pages, res.Fetched, res.Inserted, res.Duplicates, res.Skipped, res.Classified, watermark)
}

func (c *cli) reapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Fail sync runs whose owner stopped sending heartbeats",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reaped, err := c.app.Tracker.Reap(cmd.Context())
			if err != nil {
				return err
			}
			for _, r := range reaped {
				fmt.Fprintf(c.out, "reaped run %s of %s (last activity %s)\n",
					r.ID, r.AccountID, r.LastActivity().Format(time.RFC3339))
			}
			fmt.Fprintf(c.out, "%d run(s) reaped\n", len(reaped))
			return nil
		},
	}
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <account>",
		Short: "Show the last sync run of an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := c.app.Tracker.LastStatus(cmd.Context(), args[0])
			if errors.Is(err, domain.ErrNotFound) {
				fmt.Fprintf(c.out, "%s: never synced\n", args[0])
				return nil
			}
			if err != nil {
				return err
			}

			w := newTable(c.out)
			fmt.Fprintf(w, "run\t%s\n", run.ID)
			fmt.Fprintf(w, "status\t%s\n", run.Status)
			fmt.Fprintf(w, "started\t%s\n", run.StartedAt.Format(time.RFC3339))
			if run.FinishedAt != nil {
				fmt.Fprintf(w, "finished\t%s\n", run.FinishedAt.Format(time.RFC3339))
			} else {
				fmt.Fprintf(w, "heartbeat\t%s\n", run.HeartbeatAt.Format(time.RFC3339))
			}
			fmt.Fprintf(w, "cursor\t%s\n", run.Cursor)
			if run.Watermark != nil {
				fmt.Fprintf(w, "watermark\t%s\n", run.Watermark.Format(time.RFC3339))
			}
			fmt.Fprintf(w, "pages\t%d\n", run.Stats.Pages)
			fmt.Fprintf(w, "inserted\t%d\n", run.Stats.Inserted)
			fmt.Fprintf(w, "duplicates\t%d\n", run.Stats.Duplicates)
			fmt.Fprintf(w, "skipped\t%d\n", run.Stats.Skipped)
			if run.Error != "" {
				fmt.Fprintf(w, "error\t%s\n", run.Error)
			}
			return w.Flush()
		},
	}
}

func (c *cli) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create configuration files",
	}

	cmd.AddCommand(&cobra.Command{
		Use:         "show",
		Short:       "Print the effective configuration with secrets masked",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{annotationNoStore: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			masked := *c.cfg
			masked.Connector.APIKey = mask(masked.Connector.APIKey)
			masked.Connector.AccessToken = mask(masked.Connector.AccessToken)
			masked.Notion.Token = mask(masked.Notion.Token)
			masked.API.Token = mask(masked.API.Token)

			enc := yaml.NewEncoder(c.out)
			enc.SetIndent(2)
			if err := enc.Encode(&masked); err != nil {
				return err
			}
			return enc.Close()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:         "init <path>",
		Short:       "Write the default configuration to path",
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{annotationSkipSetup: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(args[0]); err == nil {
				return fmt.Errorf("%s already exists", args[0])
			}
			if err := config.Save(args[0], config.Default()); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "wrote %s\n", args[0])
			return nil
		},
	})
	return cmd
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "********"
}
