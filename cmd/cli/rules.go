package main

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dvloznov/bank-reconciler/internal/domain"
	"github.com/dvloznov/bank-reconciler/internal/rules"
	"github.com/dvloznov/bank-reconciler/internal/store"
	"github.com/dvloznov/bank-reconciler/internal/suggest"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func (c *cli) rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage the rules that categorize transactions",
	}
	cmd.AddCommand(c.rulesListCmd(), c.rulesAddCmd(), c.rulesPreviewCmd(), c.rulesActivateCmd(true), c.rulesActivateCmd(false))
	return cmd
}

func (c *cli) rulesListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List rules in evaluation order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rs, err := c.app.Store.ListRules(cmd.Context())
			if err != nil {
				return err
			}
			sort.Slice(rs, func(i, j int) bool { return rs[i].Less(rs[j]) })

			w := newTable(c.out)
			fmt.Fprintln(w, "ID\tPRIORITY\tTYPE\tPATTERN\tCATEGORY\tORGANISATION\tACTIVE")
			for _, r := range rs {
				if !all && !r.Active {
					continue
				}
				pattern := r.Pattern
				if len(r.AltPatterns) > 0 {
					pattern += " | " + strings.Join(r.AltPatterns, " | ")
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%t\n",
					r.ID, r.Priority, r.MatchType, pattern, r.Category, r.OrganisationID, r.Active)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Include inactive rules")
	return cmd
}

func (c *cli) rulesAddCmd() *cobra.Command {
	var (
		rule     domain.MatchingRule
		match    string
		inactive bool
	)
	cmd := &cobra.Command{
		Use:   "add <pattern> <category>",
		Short: "Create a rule",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if rule.ID == "" {
				rule.ID = uuid.NewString()
			}
			rule.Pattern = args[0]
			rule.Category = args[1]
			rule.MatchType = domain.MatchType(match)
			rule.Active = !inactive
			rule.CreatedAt = time.Now().UTC()

			if err := rules.Validate(rule); err != nil {
				return fmt.Errorf("invalid rule: %w", err)
			}
			if err := c.app.Store.SaveRule(cmd.Context(), rule); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "rule %s saved\n", rule.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&rule.ID, "id", "", "Rule id (generated when empty)")
	cmd.Flags().StringVar(&match, "type", string(domain.MatchGlob), "glob, contains, exact or regex")
	cmd.Flags().StringSliceVar(&rule.AltPatterns, "alt", nil, "Additional patterns, comma separated")
	cmd.Flags().StringVar(&rule.OrganisationID, "organisation", "", "Organisation assigned with the category")
	cmd.Flags().IntVar(&rule.Priority, "priority", domain.DefaultRulePriority, "Lower runs first")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "Save the rule without enabling it")
	return cmd
}

func (c *cli) rulesActivateCmd(active bool) *cobra.Command {
	use, short := "enable <rule>", "Enable a rule"
	if !active {
		use, short = "disable <rule>", "Disable a rule"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rule, err := c.app.Store.GetRule(ctx, args[0])
			if err != nil {
				return err
			}
			if active {
				if err := rules.Validate(*rule); err != nil {
					return fmt.Errorf("rule %s cannot be enabled: %w", rule.ID, err)
				}
			}
			rule.Active = active
			if err := c.app.Store.SaveRule(ctx, *rule); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "rule %s active=%t\n", rule.ID, active)
			return nil
		},
	}
}

func (c *cli) rulesPreviewCmd() *cobra.Command {
	var accountID string
	cmd := &cobra.Command{
		Use:   "preview <rule>",
		Short: "Show which transactions a rule would categorize, without changing them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rule, err := c.app.Store.GetRule(ctx, args[0])
			if err != nil {
				return err
			}
			txs, err := c.app.Store.ListTransactions(ctx, store.TransactionFilter{AccountID: accountID})
			if err != nil {
				return err
			}
			groups, err := rules.Preview(*rule, txs)
			if err != nil {
				return err
			}
			if len(groups) == 0 {
				fmt.Fprintln(c.out, "the rule matches no transaction")
				return nil
			}

			w := newTable(c.out)
			fmt.Fprintln(w, "LABEL\tCOUNT\tTOTAL\tFIRST\tLAST\tAPPLIED\tPENDING")
			for _, g := range groups {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%d\t%d\n",
					strings.Join(g.SampleLabels, " / "), g.Count, g.Total.StringFixed(2),
					formatDate(g.FirstSeen), formatDate(g.LastSeen), g.AlreadyApplied, g.Pending)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "Only preview against this account")
	return cmd
}

func (c *cli) suggestRulesCmd() *cobra.Command {
	var (
		limit int
		save  bool
	)
	cmd := &cobra.Command{
		Use:   "suggest-rules <account>",
		Short: "Ask Gemini to draft rules for the unclassified labels of an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			txs, err := c.app.Store.ListTransactions(ctx, store.TransactionFilter{
				AccountID: args[0],
				Statuses:  []domain.ClassificationStatus{domain.StatusUnclassified},
			})
			if err != nil {
				return err
			}
			labels := suggest.Labels(txs, limit)
			if len(labels) == 0 {
				fmt.Fprintln(c.out, "nothing left to categorize")
				return nil
			}
			existing, err := c.app.Store.ListRules(ctx)
			if err != nil {
				return err
			}

			suggester, err := c.app.Suggester(ctx)
			if err != nil {
				return err
			}
			drafts, err := suggester.Suggest(ctx, labels, suggest.Categories(existing))
			if err != nil {
				return err
			}

			w := newTable(c.out)
			fmt.Fprintln(w, "ID\tTYPE\tPATTERN\tCATEGORY")
			for _, d := range drafts {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.ID, d.MatchType, d.Pattern, d.Category)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			if !save {
				return nil
			}
			var errs []error
			for _, d := range drafts {
				errs = append(errs, c.app.Store.SaveRule(ctx, d))
			}
			if err := errors.Join(errs...); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "%d inactive draft(s) saved; review them with 'rules preview' and 'rules enable'\n", len(drafts))
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 200, "Send at most this many distinct labels")
	cmd.Flags().BoolVar(&save, "save", false, "Store the drafts as inactive rules")
	return cmd
}

func (c *cli) exportReviewCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "export-review [account...]",
		Short: "Publish pending_review transactions and their candidates to Notion",
		RunE: func(cmd *cobra.Command, args []string) error {
			accounts := args
			if len(accounts) == 0 {
				accounts = c.cfg.Sync.Accounts
			}
			if len(accounts) == 0 {
				return errors.New("no account given and sync.accounts is empty")
			}
			exporter, err := c.app.ReviewExporter(dryRun)
			if err != nil {
				return err
			}
			for _, accountID := range accounts {
				res, err := exporter.Export(cmd.Context(), accountID)
				if err != nil {
					return err
				}
				fmt.Fprintf(c.out, "%s: created=%d skipped=%d archived=%d failed=%d\n",
					accountID, res.Created, res.Skipped, res.Archived, res.Failed)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Log the changes without writing to Notion")
	return cmd
}
