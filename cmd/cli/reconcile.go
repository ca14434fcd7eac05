package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dvloznov/bank-reconciler/internal/domain"
	"github.com/dvloznov/bank-reconciler/internal/store"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func (c *cli) classifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classify <account>",
		Short: "Apply the active rules to the unclassified transactions of an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := c.app.Classifier.ClassifyAccount(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "classified=%d unmatched=%d conflicts=%d\n", res.Classified, res.Unmatched, res.Conflicts)
			return nil
		},
	}
}

func (c *cli) candidatesCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "candidates <transaction>",
		Short: "Rank the open documents a transaction could settle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			candidates, err := c.app.Coordinator.Candidates(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(candidates) == 0 {
				fmt.Fprintln(c.out, "no candidates")
				return nil
			}
			if limit > 0 && len(candidates) > limit {
				candidates = candidates[:limit]
			}

			w := newTable(c.out)
			fmt.Fprintln(w, "DOCUMENT\tKIND\tCOUNTERPARTY\tOPEN\tSCORE\tAMOUNT\tDATE\tNAME\tDIFF\tDAYS")
			for _, cand := range candidates {
				d := cand.Document
				fmt.Fprintf(w, "%s\t%s\t%s\t%s %s\t%.3f\t%.2f\t%.2f\t%.2f\t%s\t%d\n",
					cand.DocumentID, d.Kind, d.Counterparty, d.OpenAmount.StringFixed(2), d.Currency,
					cand.Score, cand.AmountScore, cand.DateScore, cand.CounterpartyScore,
					cand.AmountDiff.StringFixed(2), cand.DaysApart)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "Show at most this many candidates (0 for all)")
	return cmd
}

func (c *cli) matchCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "match <transaction> <document> <amount>",
		Short: "Allocate part of a transaction to a document",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := decimal.NewFromString(args[2])
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", args[2], err)
			}
			st, err := c.app.Coordinator.ApplyMatch(cmd.Context(), args[0], args[1], amount, actor)
			if err != nil {
				return describeConflict(err)
			}
			fmt.Fprintf(c.out, "settlement %s: %s of %s allocated to %s\n",
				st.ID, st.AllocatedAmount.StringFixed(2), st.TransactionID, st.DocumentID)
			return nil
		},
	}
	actorFlag(cmd, &actor)
	return cmd
}

func (c *cli) unmatchCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "unmatch <settlement>",
		Short: "Void a settlement and reopen its transaction and document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := c.app.Coordinator.Unmatch(cmd.Context(), args[0], actor)
			if err != nil {
				return describeConflict(err)
			}
			fmt.Fprintf(c.out, "settlement %s voided: %s returned to %s\n",
				st.ID, st.AllocatedAmount.StringFixed(2), st.DocumentID)
			return nil
		},
	}
	actorFlag(cmd, &actor)
	return cmd
}

func (c *cli) confirmCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "confirm <transaction>",
		Short: "Mark a matched transaction as reconciled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tx, err := c.app.Coordinator.Confirm(cmd.Context(), args[0], actor)
			if err != nil {
				return describeConflict(err)
			}
			return printTransaction(c.out, tx)
		},
	}
	actorFlag(cmd, &actor)
	return cmd
}

func (c *cli) ignoreCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "ignore <transaction>",
		Short: "Set a transaction aside so it is never matched",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tx, err := c.app.Coordinator.Ignore(cmd.Context(), args[0], reason)
			if err != nil {
				return describeConflict(err)
			}
			return printTransaction(c.out, tx)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Why the transaction is ignored")
	return cmd
}

func (c *cli) unignoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unignore <transaction>",
		Short: "Return an ignored transaction to unclassified",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tx, err := c.app.Coordinator.Unignore(cmd.Context(), args[0])
			if err != nil {
				return describeConflict(err)
			}
			return printTransaction(c.out, tx)
		},
	}
}

func (c *cli) automatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "automatch [account...]",
		Short: "Apply confident matches and flag plausible ones for review",
		RunE: func(cmd *cobra.Command, args []string) error {
			accounts := args
			if len(accounts) == 0 {
				accounts = c.cfg.Sync.Accounts
			}
			if len(accounts) == 0 {
				return errors.New("no account given and sync.accounts is empty")
			}
			for _, accountID := range accounts {
				res, err := c.app.AutoMatcher.Run(cmd.Context(), accountID)
				if err != nil {
					return err
				}
				fmt.Fprintf(c.out, "%s: matched=%d flagged=%d untouched=%d conflicts=%d\n",
					accountID, res.Matched, res.Flagged, res.Untouched, res.Conflicts)
			}
			return nil
		},
	}
}

func (c *cli) settlementsCmd() *cobra.Command {
	var (
		documentID string
		activeOnly bool
	)
	cmd := &cobra.Command{
		Use:   "settlements [transaction]",
		Short: "List the settlements of a transaction or a document",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := store.SettlementFilter{DocumentID: documentID, ActiveOnly: activeOnly}
			if len(args) == 1 {
				filter.TransactionID = args[0]
			}
			if filter.TransactionID == "" && filter.DocumentID == "" {
				return errors.New("give a transaction id or --document")
			}
			settlements, err := c.app.Store.ListSettlements(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return printSettlements(c.out, settlements)
		},
	}
	cmd.Flags().StringVar(&documentID, "document", "", "List the settlements of this document")
	cmd.Flags().BoolVar(&activeOnly, "active", false, "Hide voided settlements")
	return cmd
}

// documentLine is one document in an import file.
type documentLine struct {
	ID           string           `json:"id"`
	Kind         string           `json:"kind"`
	Direction    string           `json:"direction"`
	TotalAmount  decimal.Decimal  `json:"total_amount"`
	OpenAmount   *decimal.Decimal `json:"open_amount,omitempty"`
	Currency     string           `json:"currency"`
	Counterparty string           `json:"counterparty"`
	DueDate      *time.Time       `json:"due_date,omitempty"`
	IssuedAt     time.Time        `json:"issued_at"`
}

func (l documentLine) document() (domain.FinancialDocument, error) {
	if l.ID == "" {
		return domain.FinancialDocument{}, errors.New("missing id")
	}
	if !l.TotalAmount.IsPositive() {
		return domain.FinancialDocument{}, fmt.Errorf("document %s: total_amount must be positive", l.ID)
	}
	direction := domain.Direction(l.Direction)
	if direction != domain.DirectionReceivable && direction != domain.DirectionPayable {
		return domain.FinancialDocument{}, fmt.Errorf("document %s: unknown direction %q", l.ID, l.Direction)
	}
	open := l.TotalAmount
	if l.OpenAmount != nil {
		open = *l.OpenAmount
	}
	if open.IsNegative() || open.GreaterThan(l.TotalAmount) {
		return domain.FinancialDocument{}, fmt.Errorf("document %s: open_amount must be between 0 and total_amount", l.ID)
	}
	return domain.FinancialDocument{
		ID:           l.ID,
		Kind:         domain.DocumentKind(l.Kind),
		Direction:    direction,
		TotalAmount:  l.TotalAmount,
		OpenAmount:   open,
		Currency:     strings.ToUpper(l.Currency),
		Counterparty: l.Counterparty,
		DueDate:      l.DueDate,
		IssuedAt:     l.IssuedAt,
		Status:       domain.DocumentStatusFor(l.TotalAmount, open),
	}, nil
}

func (c *cli) documentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "documents",
		Short: "List or import invoices, expenses and orders",
	}

	var direction, currency string
	list := &cobra.Command{
		Use:   "list",
		Short: "List documents with an open amount",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			docs, err := c.app.Store.OpenDocuments(cmd.Context(), store.DocumentFilter{
				Direction: domain.Direction(direction),
				Currency:  strings.ToUpper(currency),
			})
			if err != nil {
				return err
			}
			w := newTable(c.out)
			fmt.Fprintln(w, "ID\tKIND\tDIRECTION\tCOUNTERPARTY\tTOTAL\tOPEN\tSTATUS\tDUE")
			for _, d := range docs {
				due := "-"
				if d.DueDate != nil {
					due = formatDate(*d.DueDate)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s %s\t%s\t%s\n",
					d.ID, d.Kind, d.Direction, d.Counterparty, d.TotalAmount.StringFixed(2),
					d.OpenAmount.StringFixed(2), d.Currency, d.Status, due)
			}
			return w.Flush()
		},
	}
	list.Flags().StringVar(&direction, "direction", "", "receivable or payable")
	list.Flags().StringVar(&currency, "currency", "", "Only documents in this currency")

	imp := &cobra.Command{
		Use:   "import <file.jsonl>",
		Short: "Upsert documents from a JSON lines file ('-' for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = os.Stdin
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}

			dec := json.NewDecoder(r)
			n := 0
			for {
				var line documentLine
				err := dec.Decode(&line)
				if errors.Is(err, io.EOF) {
					break
				}
				if err != nil {
					return fmt.Errorf("line %d: %w", n+1, err)
				}
				doc, err := line.document()
				if err != nil {
					return fmt.Errorf("line %d: %w", n+1, err)
				}
				if err := c.app.Store.UpsertDocument(cmd.Context(), doc); err != nil {
					return err
				}
				n++
			}
			fmt.Fprintf(c.out, "imported %d documents\n", n)
			return nil
		},
	}

	cmd.AddCommand(list, imp)
	return cmd
}

// describeConflict adds the conflict reason to the message so it reads well
// on a terminal. The error chain is kept for the exit code.
func describeConflict(err error) error {
	conflict, ok := domain.AsConflict(err)
	if !ok {
		return err
	}
	return fmt.Errorf("refused (%s): %w", conflict.Reason, err)
}
