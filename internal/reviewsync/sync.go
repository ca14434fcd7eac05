// Package reviewsync publishes the transactions waiting for a human decision to a
// Notion database, together with the documents they most likely settle.
// Decisions are never read back: a reviewer accepts a candidate with ApplyMatch.
package reviewsync

import (
	"context"
	"fmt"

	"github.com/dvloznov/bank-reconciler/internal/domain"
	"github.com/dvloznov/bank-reconciler/internal/logger"
	"github.com/dvloznov/bank-reconciler/internal/store"
	"github.com/jomei/notionapi"
)

const (
	// DefaultTopCandidates is how many candidates are shown per transaction.
	DefaultTopCandidates = 3

	queryPageSize = 100
)

// Options tune an Exporter.
type Options struct {
	TopCandidates int
	// DryRun logs what would change without writing to Notion.
	DryRun bool
}

// ExportResult counts what one export did.
type ExportResult struct {
	Created  int
	Skipped  int
	Archived int
	Failed   int
}

// Exporter pushes pending_review transactions of an account to Notion.
type Exporter struct {
	txs        TransactionLister
	candidates CandidateSource
	notion     NotionService
	databaseID string
	opts       Options
}

// NewExporter creates an exporter writing to the given database.
func NewExporter(txs TransactionLister, candidates CandidateSource, notion NotionService, databaseID string, opts Options) *Exporter {
	if opts.TopCandidates <= 0 {
		opts.TopCandidates = DefaultTopCandidates
	}
	return &Exporter{txs: txs, candidates: candidates, notion: notion, databaseID: databaseID, opts: opts}
}

// Export creates one page per pending_review transaction that has none yet and
// archives the account's pages whose transaction has left review. Running it
// twice creates nothing the second time.
func (e *Exporter) Export(ctx context.Context, accountID string) (ExportResult, error) {
	log := logger.FromContext(ctx).With().
		Str("account_id", accountID).
		Bool("dry_run", e.opts.DryRun).
		Logger()

	var res ExportResult

	pending, err := e.txs.ListTransactions(ctx, store.TransactionFilter{
		AccountID: accountID,
		Statuses:  []domain.ClassificationStatus{domain.StatusPendingReview},
	})
	if err != nil {
		return res, fmt.Errorf("Export: listing transactions: %w", err)
	}
	log.Info().Int("pending_review", len(pending)).Msg("Starting review export to Notion")

	pages, err := queryAllNotionPages(ctx, e.notion, e.databaseID)
	if err != nil {
		return res, fmt.Errorf("Export: %w", err)
	}

	wanted := make(map[string]bool, len(pending))
	for _, tx := range pending {
		wanted[tx.ID] = true
	}

	existing := make(map[string]bool)
	for _, page := range pages {
		if extractAccountID(page) != accountID {
			continue
		}
		txID := extractTransactionID(page)
		if txID != "" && wanted[txID] {
			existing[txID] = true
			continue
		}

		if e.opts.DryRun {
			log.Info().
				Str("transaction_id", txID).
				Str("page_id", string(page.ID)).
				Msg("[DRY RUN] Would archive review page")
			res.Archived++
			continue
		}
		if err := e.notion.ArchivePage(ctx, string(page.ID)); err != nil {
			log.Warn().
				Err(err).
				Str("transaction_id", txID).
				Str("page_id", string(page.ID)).
				Msg("Failed to archive review page")
			res.Failed++
			continue
		}
		res.Archived++
	}

	for _, tx := range pending {
		if existing[tx.ID] {
			res.Skipped++
			continue
		}

		candidates, err := e.candidates.Candidates(ctx, tx.ID)
		if err != nil {
			return res, fmt.Errorf("Export: candidates of %s: %w", tx.ID, err)
		}
		if len(candidates) > e.opts.TopCandidates {
			candidates = candidates[:e.opts.TopCandidates]
		}

		if e.opts.DryRun {
			log.Info().
				Str("transaction_id", tx.ID).
				Int("candidates", len(candidates)).
				Msg("[DRY RUN] Would create review page")
			res.Created++
			continue
		}

		page, err := e.notion.CreatePage(ctx, e.databaseID, ReviewToNotionProperties(*tx, candidates))
		if err != nil {
			log.Warn().
				Err(err).
				Str("transaction_id", tx.ID).
				Msg("Failed to create review page")
			res.Failed++
			continue
		}
		log.Debug().
			Str("transaction_id", tx.ID).
			Str("page_id", string(page.ID)).
			Msg("Created review page")
		res.Created++
	}

	log.Info().
		Int("created", res.Created).
		Int("skipped", res.Skipped).
		Int("archived", res.Archived).
		Int("failed", res.Failed).
		Msg("Review export completed")

	return res, nil
}

// queryAllNotionPages queries all pages from a Notion database and returns them.
// Handles pagination automatically.
func queryAllNotionPages(ctx context.Context, notion NotionService, databaseID string) ([]notionapi.Page, error) {
	var allPages []notionapi.Page
	var cursor notionapi.Cursor

	for {
		req := &notionapi.DatabaseQueryRequest{
			PageSize: queryPageSize,
		}
		if cursor != "" {
			req.StartCursor = cursor
		}

		resp, err := notion.QueryDatabase(ctx, databaseID, req)
		if err != nil {
			return nil, fmt.Errorf("queryAllNotionPages: %w", err)
		}

		allPages = append(allPages, resp.Results...)

		if !resp.HasMore {
			break
		}
		cursor = resp.NextCursor
	}

	return allPages, nil
}
