// Package memory is an in-memory implementation of store.Store.
// It is safe for concurrent use; a single mutex makes every operation atomic.
// Data is lost on restart, so it serves tests and local dry runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dvloznov/bank-reconciler/internal/connector"
	"github.com/dvloznov/bank-reconciler/internal/domain"
	"github.com/dvloznov/bank-reconciler/internal/store"
	"github.com/shopspring/decimal"
)

// Store keeps every entity in maps guarded by one mutex. Values are copied on the
// way in and out so callers cannot mutate stored state.
type Store struct {
	mu sync.RWMutex

	runs         map[string]*domain.SyncRun
	transactions map[string]*domain.BankTransaction
	byKey        map[string]string
	rules        map[string]domain.MatchingRule
	documents    map[string]*domain.FinancialDocument
	settlements  map[string]*domain.Settlement

	// order keeps insertion order for stable listings.
	txOrder []string

	now func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		runs:         make(map[string]*domain.SyncRun),
		transactions: make(map[string]*domain.BankTransaction),
		byKey:        make(map[string]string),
		rules:        make(map[string]domain.MatchingRule),
		documents:    make(map[string]*domain.FinancialDocument),
		settlements:  make(map[string]*domain.Settlement),
		now:          time.Now,
	}
}

// Close implements store.Store.
func (s *Store) Close() error {
	return nil
}

// ── sync runs ─────────────────────────────────────────────────────────

// ClaimRun implements store.SyncRunStore.
func (s *Store) ClaimRun(ctx context.Context, claim domain.SyncRun) (*domain.SyncRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var last *domain.SyncRun
	for _, r := range s.runs {
		if r.AccountID != claim.AccountID {
			continue
		}
		if r.Status == domain.RunRunning {
			return nil, &domain.BusyError{AccountID: r.AccountID, RunID: r.ID, StartedAt: r.StartedAt}
		}
		if r.Status == domain.RunSucceeded && (last == nil || r.StartedAt.After(last.StartedAt)) {
			last = r
		}
	}

	run := claim
	run.Status = domain.RunRunning
	if last != nil {
		run.Cursor = last.Cursor
		run.Watermark = copyTime(last.Watermark)
	}
	s.runs[run.ID] = &run

	out := run
	return &out, nil
}

// FinishRun implements store.SyncRunStore.
func (s *Store) FinishRun(ctx context.Context, run domain.SyncRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.runs[run.ID]
	if !ok || current.Status != domain.RunRunning || current.LockToken != run.LockToken {
		return fmt.Errorf("FinishRun %s: %w", run.ID, domain.ErrLockLost)
	}
	stored := run
	stored.Watermark = copyTime(run.Watermark)
	s.runs[run.ID] = &stored
	return nil
}

// TouchRun implements store.SyncRunStore.
func (s *Store) TouchRun(ctx context.Context, run domain.SyncRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.runs[run.ID]
	if !ok || current.Status != domain.RunRunning || current.LockToken != run.LockToken {
		return fmt.Errorf("TouchRun %s: %w", run.ID, domain.ErrLockLost)
	}
	current.HeartbeatAt = run.HeartbeatAt
	current.Stats = run.Stats
	return nil
}

// ReapRuns implements store.SyncRunStore.
func (s *Store) ReapRuns(ctx context.Context, staleBefore time.Time, reason string, now time.Time) ([]domain.SyncRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reaped []domain.SyncRun
	for _, r := range s.runs {
		if r.Status != domain.RunRunning || !r.LastActivity().Before(staleBefore) {
			continue
		}
		finished := now
		r.Status = domain.RunFailed
		r.FinishedAt = &finished
		r.Error = reason
		reaped = append(reaped, *r)
	}
	sort.Slice(reaped, func(i, j int) bool { return reaped[i].StartedAt.Before(reaped[j].StartedAt) })
	return reaped, nil
}

// LastRun implements store.SyncRunStore.
func (s *Store) LastRun(ctx context.Context, accountID string) (*domain.SyncRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var last *domain.SyncRun
	for _, r := range s.runs {
		if r.AccountID == accountID && (last == nil || r.StartedAt.After(last.StartedAt)) {
			last = r
		}
	}
	if last == nil {
		return nil, fmt.Errorf("LastRun %s: %w", accountID, domain.ErrNotFound)
	}
	out := *last
	return &out, nil
}

// ── transactions ──────────────────────────────────────────────────────

// Ingest implements store.TransactionStore.
func (s *Store) Ingest(ctx context.Context, runID string, records []connector.Record) (store.IngestResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res store.IngestResult
	now := s.now().UTC()
	for _, rec := range records {
		if err := store.ValidateRecord(rec); err != nil {
			res.Skip(ctx, rec, err)
			continue
		}
		res.Watermark = store.AdvanceWatermark(res.Watermark, rec.Date)

		key := store.RecordKey(rec.AccountID, rec.ExternalID)
		if _, exists := s.byKey[key]; exists {
			res.Duplicates++
			continue
		}

		tx := store.NewTransaction(rec, runID, now)
		s.transactions[tx.ID] = &tx
		s.byKey[key] = tx.ID
		s.txOrder = append(s.txOrder, tx.ID)
		res.Inserted = append(res.Inserted, tx.ID)
	}
	return res, nil
}

// GetTransaction implements store.TransactionStore.
func (s *Store) GetTransaction(ctx context.Context, id string) (*domain.BankTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactions[id]
	if !ok {
		return nil, fmt.Errorf("GetTransaction %s: %w", id, domain.ErrNotFound)
	}
	out := *tx
	return &out, nil
}

// ListTransactions implements store.TransactionStore.
func (s *Store) ListTransactions(ctx context.Context, filter store.TransactionFilter) ([]*domain.BankTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids map[string]bool
	if len(filter.IDs) > 0 {
		ids = make(map[string]bool, len(filter.IDs))
		for _, id := range filter.IDs {
			ids[id] = true
		}
	}

	var result []*domain.BankTransaction
	for _, id := range s.txOrder {
		tx := s.transactions[id]
		if filter.AccountID != "" && tx.AccountID != filter.AccountID {
			continue
		}
		if ids != nil && !ids[tx.ID] {
			continue
		}
		if !store.StatusIn(tx.Status, filter.Statuses) {
			continue
		}
		out := *tx
		result = append(result, &out)
		if filter.Limit > 0 && len(result) == filter.Limit {
			break
		}
	}
	return result, nil
}

// SetClassification implements store.TransactionStore.
func (s *Store) SetClassification(ctx context.Context, update store.ClassificationUpdate) (*domain.BankTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactions[update.TransactionID]
	if !ok {
		return nil, fmt.Errorf("SetClassification %s: %w", update.TransactionID, domain.ErrNotFound)
	}
	if update.To == domain.StatusIgnored {
		if err := domain.CheckIgnore(*tx, s.allocatedLocked(tx.ID)); err != nil {
			return nil, err
		}
	}
	updated, err := store.ApplyClassification(*tx, update)
	if err != nil {
		return nil, err
	}
	*tx = updated
	out := updated
	return &out, nil
}

// ── rules ─────────────────────────────────────────────────────────────

// ListRules implements store.RuleStore.
func (s *Store) ListRules(ctx context.Context) ([]domain.MatchingRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rules := make([]domain.MatchingRule, 0, len(s.rules))
	for _, r := range s.rules {
		r.AltPatterns = append([]string(nil), r.AltPatterns...)
		rules = append(rules, r)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Less(rules[j]) })
	return rules, nil
}

// GetRule implements store.RuleStore.
func (s *Store) GetRule(ctx context.Context, id string) (*domain.MatchingRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rules[id]
	if !ok {
		return nil, fmt.Errorf("GetRule %s: %w", id, domain.ErrNotFound)
	}
	r.AltPatterns = append([]string(nil), r.AltPatterns...)
	return &r, nil
}

// SaveRule implements store.RuleStore.
func (s *Store) SaveRule(ctx context.Context, rule domain.MatchingRule) error {
	if rule.ID == "" {
		return fmt.Errorf("SaveRule: rule ID is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rule.AltPatterns = append([]string(nil), rule.AltPatterns...)
	s.rules[rule.ID] = rule
	return nil
}

// ── documents ─────────────────────────────────────────────────────────

// UpsertDocument implements store.DocumentStore. The open amount is recomputed
// from the document's active settlements under the same lock.
func (s *Store) UpsertDocument(ctx context.Context, doc domain.FinancialDocument) error {
	if doc.ID == "" {
		return fmt.Errorf("UpsertDocument: document ID is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	planned, err := domain.PlanDocumentRevision(s.documents[doc.ID], doc, s.documentAllocatedLocked(doc.ID))
	if err != nil {
		return fmt.Errorf("UpsertDocument: %w", err)
	}
	s.documents[doc.ID] = &planned
	return nil
}

// GetDocument implements store.DocumentStore.
func (s *Store) GetDocument(ctx context.Context, id string) (*domain.FinancialDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.documents[id]
	if !ok {
		return nil, fmt.Errorf("GetDocument %s: %w", id, domain.ErrNotFound)
	}
	out := *doc
	return &out, nil
}

// OpenDocuments implements store.DocumentStore.
func (s *Store) OpenDocuments(ctx context.Context, filter store.DocumentFilter) ([]*domain.FinancialDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.FinancialDocument
	for _, doc := range s.documents {
		if !doc.OpenAmount.IsPositive() {
			continue
		}
		if filter.Direction != "" && doc.Direction != filter.Direction {
			continue
		}
		if filter.Currency != "" && doc.Currency != filter.Currency {
			continue
		}
		out := *doc
		result = append(result, &out)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// ── settlements ───────────────────────────────────────────────────────

// ApplyAllocation implements store.SettlementStore.
func (s *Store) ApplyAllocation(ctx context.Context, req store.AllocationRequest) (*domain.Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactions[req.TransactionID]
	if !ok {
		return nil, fmt.Errorf("ApplyAllocation: transaction %s: %w", req.TransactionID, domain.ErrNotFound)
	}
	doc, ok := s.documents[req.DocumentID]
	if !ok {
		return nil, fmt.Errorf("ApplyAllocation: document %s: %w", req.DocumentID, domain.ErrNotFound)
	}

	plan, err := domain.PlanAllocation(*tx, *doc, s.allocatedLocked(tx.ID), req.Amount, req.Actor, req.At)
	if err != nil {
		return nil, err
	}

	settlement := plan.Settlement
	s.settlements[settlement.ID] = &settlement
	*tx = plan.Transaction
	*doc = plan.Document

	out := settlement
	return &out, nil
}

// VoidAllocation implements store.SettlementStore.
func (s *Store) VoidAllocation(ctx context.Context, settlementID, actor string, at time.Time) (*domain.Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	settlement, ok := s.settlements[settlementID]
	if !ok {
		return nil, fmt.Errorf("VoidAllocation %s: %w", settlementID, domain.ErrNotFound)
	}
	tx, ok := s.transactions[settlement.TransactionID]
	if !ok {
		return nil, fmt.Errorf("VoidAllocation: transaction %s: %w", settlement.TransactionID, domain.ErrNotFound)
	}
	doc, ok := s.documents[settlement.DocumentID]
	if !ok {
		return nil, fmt.Errorf("VoidAllocation: document %s: %w", settlement.DocumentID, domain.ErrNotFound)
	}

	plan, err := domain.PlanRelease(*settlement, *tx, *doc, actor, at)
	if err != nil {
		return nil, err
	}

	*settlement = plan.Settlement
	*tx = plan.Transaction
	*doc = plan.Document

	out := plan.Settlement
	return &out, nil
}

// ListSettlements implements store.SettlementStore.
func (s *Store) ListSettlements(ctx context.Context, filter store.SettlementFilter) ([]*domain.Settlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Settlement
	for _, st := range s.settlements {
		if filter.TransactionID != "" && st.TransactionID != filter.TransactionID {
			continue
		}
		if filter.DocumentID != "" && st.DocumentID != filter.DocumentID {
			continue
		}
		if filter.ActiveOnly && !st.Active() {
			continue
		}
		out := *st
		result = append(result, &out)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// allocatedLocked sums the active allocations of a transaction. Callers hold s.mu.
func (s *Store) allocatedLocked(txID string) decimal.Decimal {
	total := decimal.Zero
	for _, st := range s.settlements {
		if st.TransactionID == txID && st.Active() {
			total = total.Add(st.AllocatedAmount)
		}
	}
	return total
}

// documentAllocatedLocked sums the active allocations against a document. Callers hold s.mu.
func (s *Store) documentAllocatedLocked(docID string) decimal.Decimal {
	total := decimal.Zero
	for _, st := range s.settlements {
		if st.DocumentID == docID && st.Active() {
			total = total.Add(st.AllocatedAmount)
		}
	}
	return total
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// Ensure Store implements the store.Store interface.
var _ store.Store = (*Store)(nil)
