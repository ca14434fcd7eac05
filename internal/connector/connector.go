// Package connector defines how the engine pages through a banking API.
package connector

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dvloznov/bank-reconciler/internal/domain"
	"github.com/shopspring/decimal"
)

// Record is one transaction as returned by the banking API, before it is stored.
type Record struct {
	ExternalID   string          `json:"external_id"`
	AccountID    string          `json:"account_id"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	Date         time.Time       `json:"date"`
	Label        string          `json:"label"`
	Counterparty string          `json:"counterparty"`
	Side         domain.Side     `json:"side"`
	Raw          json.RawMessage `json:"raw,omitempty"`
}

// Page is one response from FetchPage. An empty NextCursor means the account is exhausted.
type Page struct {
	Records    []Record
	NextCursor string
}

// Connector pages through the transactions of one account. Any cursor it has
// returned before must be accepted again so an interrupted sync can resume.
type Connector interface {
	FetchPage(ctx context.Context, accountID, cursor string, pageSize int) (Page, error)
}

// Seeker is implemented by connectors that can turn a date into a cursor. The
// cursor must not skip any record dated on or after since; starting a little
// earlier is fine because stores ignore records they already hold.
type Seeker interface {
	CursorAt(ctx context.Context, accountID string, since time.Time) (string, error)
}

// ErrSeekUnsupported is returned by wrappers whose inner connector is not a Seeker.
var ErrSeekUnsupported = errors.New("connector cannot seek to a date")

// Func adapts a plain function to Connector.
type Func func(ctx context.Context, accountID, cursor string, pageSize int) (Page, error)

func (f Func) FetchPage(ctx context.Context, accountID, cursor string, pageSize int) (Page, error) {
	return f(ctx, accountID, cursor, pageSize)
}
