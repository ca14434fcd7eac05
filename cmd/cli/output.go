package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dvloznov/bank-reconciler/internal/domain"
)

func newTable(out io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.DateOnly)
}

func printTransaction(out io.Writer, tx *domain.BankTransaction) error {
	w := newTable(out)
	fmt.Fprintf(w, "id\t%s\n", tx.ID)
	fmt.Fprintf(w, "account\t%s\n", tx.AccountID)
	fmt.Fprintf(w, "date\t%s\n", formatDate(tx.Date))
	fmt.Fprintf(w, "amount\t%s %s\n", tx.Amount.StringFixed(2), tx.Currency)
	fmt.Fprintf(w, "label\t%s\n", tx.Label)
	fmt.Fprintf(w, "status\t%s\n", tx.Status)
	if tx.Category != "" {
		fmt.Fprintf(w, "category\t%s\n", tx.Category)
	}
	return w.Flush()
}

func printSettlements(out io.Writer, settlements []*domain.Settlement) error {
	w := newTable(out)
	fmt.Fprintln(w, "ID\tTRANSACTION\tDOCUMENT\tAMOUNT\tCREATED\tBY\tVOIDED")
	for _, s := range settlements {
		voided := "-"
		if s.VoidedAt != nil {
			voided = s.VoidedAt.Format(time.RFC3339) + " by " + s.VoidedBy
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.TransactionID, s.DocumentID, s.AllocatedAmount.StringFixed(2),
			s.CreatedAt.Format(time.RFC3339), s.CreatedBy, voided)
	}
	return w.Flush()
}
