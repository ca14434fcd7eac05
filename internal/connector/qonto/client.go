// Package qonto implements the connector against the Qonto business API.
package qonto

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dvloznov/bank-reconciler/internal/connector"
	"github.com/dvloznov/bank-reconciler/internal/domain"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	AuthOAuth  = "oauth"
	AuthAPIKey = "api_key"

	transactionsPath = "/v2/transactions"
	maxErrorBody     = 512
)

// Config holds the credentials and limits for the API client.
type Config struct {
	BaseURL        string
	AuthMode       string
	OrganizationID string
	APIKey         string
	AccessToken    string
	Timeout        time.Duration
	// RatePerSecond caps outgoing requests; zero disables limiting.
	RatePerSecond float64
	Burst         int
	HTTPClient    *http.Client
}

// Client pages through completed transactions of a bank account.
type Client struct {
	baseURL    string
	authHeader string
	http       *http.Client
	limiter    *rate.Limiter
}

// New validates cfg and builds a client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("qonto: base url is required")
	}

	var auth string
	switch cfg.AuthMode {
	case AuthOAuth:
		if cfg.AccessToken == "" {
			return nil, errors.New("qonto: oauth mode requires an access token")
		}
		auth = "Bearer " + cfg.AccessToken
	case AuthAPIKey, "":
		if cfg.OrganizationID == "" || cfg.APIKey == "" {
			return nil, errors.New("qonto: api_key mode requires an organization id and an api key")
		}
		auth = cfg.OrganizationID + ":" + cfg.APIKey
	default:
		return nil, fmt.Errorf("qonto: unknown auth mode %q", cfg.AuthMode)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		authHeader: auth,
		http:       httpClient,
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return c, nil
}

type transactionsResponse struct {
	Transactions []json.RawMessage `json:"transactions"`
	Meta         struct {
		CurrentPage int  `json:"current_page"`
		NextPage    *int `json:"next_page"`
		TotalPages  int  `json:"total_pages"`
		TotalCount  int  `json:"total_count"`
	} `json:"meta"`
}

type transaction struct {
	TransactionID string       `json:"transaction_id"`
	ID            string       `json:"id"`
	Amount        json.Number  `json:"amount"`
	AmountCents   *int64       `json:"amount_cents"`
	Currency      string       `json:"currency"`
	Side          string       `json:"side"`
	Label         string       `json:"label"`
	Reference     string       `json:"reference"`
	SettledAt     *time.Time   `json:"settled_at"`
	EmittedAt     *time.Time   `json:"emitted_at"`
	Counterparty  *counterpart `json:"counterparty"`
}

type counterpart struct {
	Name string `json:"name"`
}

// FetchPage implements connector.Connector. The cursor is the number of records
// already read in settlement order, so it stays valid when the page size changes
// between runs. An offset that falls inside a page drops the records before it.
func (c *Client) FetchPage(ctx context.Context, accountID, cursor string, pageSize int) (connector.Page, error) {
	if pageSize <= 0 {
		return connector.Page{}, fmt.Errorf("FetchPage: page size must be positive, got %d", pageSize)
	}
	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return connector.Page{}, fmt.Errorf("FetchPage: invalid cursor %q", cursor)
		}
		offset = n
	}
	page := offset/pageSize + 1

	q := url.Values{}
	q.Set("bank_account_id", accountID)
	q.Set("status[]", "completed")
	q.Set("sort_by", "settled_at:asc")
	q.Set("per_page", strconv.Itoa(pageSize))
	q.Set("current_page", strconv.Itoa(page))

	var resp transactionsResponse
	if err := c.get(ctx, transactionsPath+"?"+q.Encode(), &resp); err != nil {
		return connector.Page{}, fmt.Errorf("FetchPage: %w", err)
	}

	raws := resp.Transactions
	if skip := offset % pageSize; skip > 0 {
		raws = raws[min(skip, len(raws)):]
	}

	out := connector.Page{Records: make([]connector.Record, 0, len(raws))}
	for _, raw := range raws {
		out.Records = append(out.Records, toRecord(accountID, raw))
	}
	if resp.Meta.NextPage != nil && *resp.Meta.NextPage > page {
		out.NextCursor = strconv.Itoa(page * pageSize)
	}
	return out, nil
}

// CursorAt implements connector.Seeker. It counts the completed transactions
// settled before since; that count is the offset of the first one on or after it.
func (c *Client) CursorAt(ctx context.Context, accountID string, since time.Time) (string, error) {
	q := url.Values{}
	q.Set("bank_account_id", accountID)
	q.Set("status[]", "completed")
	q.Set("settled_at_to", since.UTC().Add(-time.Millisecond).Format("2006-01-02T15:04:05.000Z"))
	q.Set("per_page", "1")
	q.Set("current_page", "1")

	var resp transactionsResponse
	if err := c.get(ctx, transactionsPath+"?"+q.Encode(), &resp); err != nil {
		return "", fmt.Errorf("CursorAt: %w", err)
	}
	return strconv.Itoa(resp.Meta.TotalCount), nil
}

// toRecord maps one API transaction. Fields that cannot be read are left zero so
// the store can reject the record without failing the page.
func toRecord(accountID string, raw json.RawMessage) connector.Record {
	rec := connector.Record{AccountID: accountID, Raw: raw}

	var t transaction
	if err := json.Unmarshal(raw, &t); err != nil {
		return rec
	}

	rec.ExternalID = t.TransactionID
	if rec.ExternalID == "" {
		rec.ExternalID = t.ID
	}
	rec.Currency = strings.ToUpper(t.Currency)
	rec.Label = strings.TrimSpace(t.Label)
	if t.Counterparty != nil {
		rec.Counterparty = strings.TrimSpace(t.Counterparty.Name)
	}
	if rec.Counterparty == "" {
		rec.Counterparty = rec.Label
	}

	switch t.Side {
	case "credit":
		rec.Side = domain.SideCredit
	case "debit":
		rec.Side = domain.SideDebit
	}

	var amount decimal.Decimal
	switch {
	case t.AmountCents != nil:
		amount = decimal.New(*t.AmountCents, -2)
	case t.Amount != "":
		if d, err := decimal.NewFromString(t.Amount.String()); err == nil {
			amount = d
		}
	}
	amount = amount.Abs()
	if rec.Side == domain.SideDebit {
		amount = amount.Neg()
	}
	rec.Amount = amount

	switch {
	case t.SettledAt != nil:
		rec.Date = t.SettledAt.UTC()
	case t.EmittedAt != nil:
		rec.Date = t.EmittedAt.UTC()
	}

	return rec
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", c.authHeader)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return connector.Transient(fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &connector.StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return connector.Transient(fmt.Errorf("decoding response: %w", err))
	}
	return nil
}

var (
	_ connector.Connector = (*Client)(nil)
	_ connector.Seeker    = (*Client)(nil)
)
