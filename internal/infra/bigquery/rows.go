package bigquery

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/dvloznov/bank-reconciler/internal/domain"
	"github.com/shopspring/decimal"
)

// numericScale is the number of fractional digits of a BigQuery NUMERIC.
const numericScale = 9

// SyncRunRow mirrors a row of sync_runs.
type SyncRunRow struct {
	RunID     string `bigquery:"run_id"`     // REQUIRED
	AccountID string `bigquery:"account_id"` // REQUIRED
	Status    string `bigquery:"status"`     // REQUIRED

	StartedTS   time.Time              `bigquery:"started_ts"`   // REQUIRED
	FinishedTS  bigquery.NullTimestamp `bigquery:"finished_ts"`  // NULLABLE
	HeartbeatTS time.Time              `bigquery:"heartbeat_ts"` // REQUIRED

	Cursor      bigquery.NullString    `bigquery:"cursor"`       // NULLABLE
	WatermarkTS bigquery.NullTimestamp `bigquery:"watermark_ts"` // NULLABLE

	ErrorMessage bigquery.NullString `bigquery:"error_message"` // NULLABLE
	LockToken    string              `bigquery:"lock_token"`    // REQUIRED

	Pages      int64 `bigquery:"pages"`
	Fetched    int64 `bigquery:"fetched"`
	Inserted   int64 `bigquery:"inserted"`
	Duplicates int64 `bigquery:"duplicates"`
	Skipped    int64 `bigquery:"skipped"`
	Classified int64 `bigquery:"classified"`
}

// TransactionRow mirrors a row of transactions.
type TransactionRow struct {
	TransactionID string `bigquery:"transaction_id"` // REQUIRED
	ExternalID    string `bigquery:"external_id"`    // REQUIRED
	AccountID     string `bigquery:"account_id"`     // REQUIRED

	Amount   *big.Rat  `bigquery:"amount"`    // REQUIRED NUMERIC, signed
	Currency string    `bigquery:"currency"`  // REQUIRED
	BookedTS time.Time `bigquery:"booked_ts"` // REQUIRED

	Label        string `bigquery:"label"`
	Counterparty string `bigquery:"counterparty"`
	Side         string `bigquery:"side"` // REQUIRED

	Raw bigquery.NullJSON `bigquery:"raw"` // NULLABLE JSON

	Status         string              `bigquery:"status"`          // REQUIRED
	Category       bigquery.NullString `bigquery:"category"`        // NULLABLE
	OrganisationID bigquery.NullString `bigquery:"organisation_id"` // NULLABLE
	RuleID         bigquery.NullString `bigquery:"rule_id"`         // NULLABLE

	SyncRunID string    `bigquery:"sync_run_id"`
	CreatedTS time.Time `bigquery:"created_ts"`
	UpdatedTS time.Time `bigquery:"updated_ts"`
}

// ingestParam is one element of the @rows array parameter used by Ingest.
type ingestParam struct {
	TransactionID string    `bigquery:"transaction_id"`
	ExternalID    string    `bigquery:"external_id"`
	AccountID     string    `bigquery:"account_id"`
	Amount        *big.Rat  `bigquery:"amount"`
	Currency      string    `bigquery:"currency"`
	BookedTS      time.Time `bigquery:"booked_ts"`
	Label         string    `bigquery:"label"`
	Counterparty  string    `bigquery:"counterparty"`
	Side          string    `bigquery:"side"`
	Raw           string    `bigquery:"raw"`
	Status        string    `bigquery:"status"`
	SyncRunID     string    `bigquery:"sync_run_id"`
	CreatedTS     time.Time `bigquery:"created_ts"`
}

// RuleRow mirrors a row of matching_rules.
type RuleRow struct {
	RuleID         string              `bigquery:"rule_id"`
	Pattern        string              `bigquery:"pattern"`
	AltPatterns    []string            `bigquery:"alt_patterns"` // REPEATED STRING
	MatchType      string              `bigquery:"match_type"`
	Category       string              `bigquery:"category"`
	OrganisationID bigquery.NullString `bigquery:"organisation_id"`
	Priority       int64               `bigquery:"priority"`
	Active         bool                `bigquery:"active"`
	CreatedTS      time.Time           `bigquery:"created_ts"`
}

// DocumentRow mirrors a row of documents.
type DocumentRow struct {
	DocumentID   string            `bigquery:"document_id"`
	Kind         string            `bigquery:"kind"`
	Direction    string            `bigquery:"direction"`
	TotalAmount  *big.Rat          `bigquery:"total_amount"` // NUMERIC
	OpenAmount   *big.Rat          `bigquery:"open_amount"`  // NUMERIC
	Currency     string            `bigquery:"currency"`
	Counterparty string            `bigquery:"counterparty"`
	DueDate      bigquery.NullDate `bigquery:"due_date"` // NULLABLE
	IssuedDate   civil.Date        `bigquery:"issued_date"`
	Status       string            `bigquery:"status"`
}

// SettlementRow mirrors a row of settlements.
type SettlementRow struct {
	SettlementID    string                 `bigquery:"settlement_id"`
	TransactionID   string                 `bigquery:"transaction_id"`
	DocumentID      string                 `bigquery:"document_id"`
	AllocatedAmount *big.Rat               `bigquery:"allocated_amount"` // NUMERIC
	CreatedTS       time.Time              `bigquery:"created_ts"`
	CreatedBy       string                 `bigquery:"created_by"`
	VoidedTS        bigquery.NullTimestamp `bigquery:"voided_ts"` // NULLABLE
	VoidedBy        bigquery.NullString    `bigquery:"voided_by"` // NULLABLE
}

// ratFromDecimal converts an amount for a NUMERIC column or parameter.
func ratFromDecimal(d decimal.Decimal) *big.Rat {
	return d.Rat()
}

// decimalFromRat converts a NUMERIC value read from BigQuery. A nil value is zero.
func decimalFromRat(r *big.Rat) (decimal.Decimal, error) {
	if r == nil {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(r.FloatString(numericScale))
	if err != nil {
		return decimal.Zero, fmt.Errorf("converting numeric %s: %w", r.String(), err)
	}
	return d, nil
}

func nullString(s string) bigquery.NullString {
	return bigquery.NullString{StringVal: s, Valid: s != ""}
}

func nullTimestamp(t *time.Time) bigquery.NullTimestamp {
	if t == nil {
		return bigquery.NullTimestamp{}
	}
	return bigquery.NullTimestamp{Timestamp: t.UTC(), Valid: true}
}

func timePtr(t bigquery.NullTimestamp) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Timestamp.UTC()
	return &v
}

func dateOf(t time.Time) civil.Date {
	return civil.DateOf(t.UTC())
}

func (r SyncRunRow) toDomain() domain.SyncRun {
	return domain.SyncRun{
		ID:          r.RunID,
		AccountID:   r.AccountID,
		Status:      domain.RunStatus(r.Status),
		StartedAt:   r.StartedTS.UTC(),
		FinishedAt:  timePtr(r.FinishedTS),
		HeartbeatAt: r.HeartbeatTS.UTC(),
		Cursor:      r.Cursor.StringVal,
		Watermark:   timePtr(r.WatermarkTS),
		Error:       r.ErrorMessage.StringVal,
		LockToken:   r.LockToken,
		Stats: domain.RunStats{
			Pages:      int(r.Pages),
			Fetched:    int(r.Fetched),
			Inserted:   int(r.Inserted),
			Duplicates: int(r.Duplicates),
			Skipped:    int(r.Skipped),
			Classified: int(r.Classified),
		},
	}
}

func (r TransactionRow) toDomain() (domain.BankTransaction, error) {
	amount, err := decimalFromRat(r.Amount)
	if err != nil {
		return domain.BankTransaction{}, fmt.Errorf("transaction %s: %w", r.TransactionID, err)
	}
	tx := domain.BankTransaction{
		ID:             r.TransactionID,
		ExternalID:     r.ExternalID,
		AccountID:      r.AccountID,
		Amount:         amount,
		Currency:       r.Currency,
		Date:           r.BookedTS.UTC(),
		Label:          r.Label,
		Counterparty:   r.Counterparty,
		Side:           domain.Side(r.Side),
		Status:         domain.ClassificationStatus(r.Status),
		Category:       r.Category.StringVal,
		OrganisationID: r.OrganisationID.StringVal,
		RuleID:         r.RuleID.StringVal,
		SyncRunID:      r.SyncRunID,
		CreatedAt:      r.CreatedTS.UTC(),
		UpdatedAt:      r.UpdatedTS.UTC(),
	}
	if r.Raw.Valid {
		tx.Raw = json.RawMessage(r.Raw.JSONVal)
	}
	return tx, nil
}

func newIngestParam(tx domain.BankTransaction) ingestParam {
	raw := ""
	if len(tx.Raw) > 0 {
		raw = string(tx.Raw)
	}
	return ingestParam{
		TransactionID: tx.ID,
		ExternalID:    tx.ExternalID,
		AccountID:     tx.AccountID,
		Amount:        ratFromDecimal(tx.Amount),
		Currency:      tx.Currency,
		BookedTS:      tx.Date,
		Label:         tx.Label,
		Counterparty:  tx.Counterparty,
		Side:          string(tx.Side),
		Raw:           raw,
		Status:        string(tx.Status),
		SyncRunID:     tx.SyncRunID,
		CreatedTS:     tx.CreatedAt,
	}
}

func (r RuleRow) toDomain() domain.MatchingRule {
	return domain.MatchingRule{
		ID:             r.RuleID,
		Pattern:        r.Pattern,
		AltPatterns:    r.AltPatterns,
		MatchType:      domain.MatchType(r.MatchType),
		Category:       r.Category,
		OrganisationID: r.OrganisationID.StringVal,
		Priority:       int(r.Priority),
		Active:         r.Active,
		CreatedAt:      r.CreatedTS.UTC(),
	}
}

func (r DocumentRow) toDomain() (domain.FinancialDocument, error) {
	total, err := decimalFromRat(r.TotalAmount)
	if err != nil {
		return domain.FinancialDocument{}, fmt.Errorf("document %s: %w", r.DocumentID, err)
	}
	open, err := decimalFromRat(r.OpenAmount)
	if err != nil {
		return domain.FinancialDocument{}, fmt.Errorf("document %s: %w", r.DocumentID, err)
	}
	doc := domain.FinancialDocument{
		ID:           r.DocumentID,
		Kind:         domain.DocumentKind(r.Kind),
		Direction:    domain.Direction(r.Direction),
		TotalAmount:  total,
		OpenAmount:   open,
		Currency:     r.Currency,
		Counterparty: r.Counterparty,
		IssuedAt:     r.IssuedDate.In(time.UTC),
		Status:       domain.DocumentStatus(r.Status),
	}
	if r.DueDate.Valid {
		due := r.DueDate.Date.In(time.UTC)
		doc.DueDate = &due
	}
	return doc, nil
}

func newDocumentRow(doc domain.FinancialDocument) DocumentRow {
	row := DocumentRow{
		DocumentID:   doc.ID,
		Kind:         string(doc.Kind),
		Direction:    string(doc.Direction),
		TotalAmount:  ratFromDecimal(doc.TotalAmount),
		OpenAmount:   ratFromDecimal(doc.OpenAmount),
		Currency:     doc.Currency,
		Counterparty: doc.Counterparty,
		IssuedDate:   dateOf(doc.IssuedAt),
		Status:       string(doc.Status),
	}
	if doc.DueDate != nil {
		row.DueDate = bigquery.NullDate{Date: dateOf(*doc.DueDate), Valid: true}
	}
	return row
}

func (r SettlementRow) toDomain() (domain.Settlement, error) {
	amount, err := decimalFromRat(r.AllocatedAmount)
	if err != nil {
		return domain.Settlement{}, fmt.Errorf("settlement %s: %w", r.SettlementID, err)
	}
	return domain.Settlement{
		ID:              r.SettlementID,
		TransactionID:   r.TransactionID,
		DocumentID:      r.DocumentID,
		AllocatedAmount: amount,
		CreatedAt:       r.CreatedTS.UTC(),
		CreatedBy:       r.CreatedBy,
		VoidedAt:        timePtr(r.VoidedTS),
		VoidedBy:        r.VoidedBy.StringVal,
	}, nil
}
