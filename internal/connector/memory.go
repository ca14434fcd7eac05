package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Memory serves records held in memory, paged by offset. It backs replays of
// archived pages and tests.
type Memory struct {
	mu      sync.RWMutex
	records map[string][]Record
}

// NewMemory creates an empty Memory connector.
func NewMemory() *Memory {
	return &Memory{records: make(map[string][]Record)}
}

// Add appends records to an account, in order.
func (m *Memory) Add(accountID string, records ...Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		if r.AccountID == "" {
			r.AccountID = accountID
		}
		m.records[accountID] = append(m.records[accountID], r)
	}
}

// LoadJSONLines reads one JSON-encoded Record per line, as written by the archive.
func (m *Memory) LoadJSONLines(accountID string, r io.Reader) (int, error) {
	dec := json.NewDecoder(r)
	n := 0
	for {
		var rec Record
		err := dec.Decode(&rec)
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("LoadJSONLines: record %d: %w", n+1, err)
		}
		m.Add(accountID, rec)
		n++
	}
}

// Accounts lists the accounts that have records.
func (m *Memory) Accounts() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// FetchPage implements Connector. The cursor is the offset of the page start.
func (m *Memory) FetchPage(ctx context.Context, accountID, cursor string, pageSize int) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	if pageSize <= 0 {
		return Page{}, fmt.Errorf("page size must be positive, got %d", pageSize)
	}

	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return Page{}, fmt.Errorf("invalid cursor %q", cursor)
		}
		offset = n
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.records[accountID]
	if offset >= len(all) {
		return Page{}, nil
	}
	end := offset + pageSize
	if end > len(all) {
		end = len(all)
	}

	page := Page{Records: append([]Record(nil), all[offset:end]...)}
	if end < len(all) {
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}

// CursorAt implements Seeker. It points at the first record dated on or after
// since, so nothing later in the slice is skipped even when records are out of
// date order.
func (m *Memory) CursorAt(ctx context.Context, accountID string, since time.Time) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.records[accountID]
	for i, r := range all {
		if !r.Date.Before(since) {
			return strconv.Itoa(i), nil
		}
	}
	return strconv.Itoa(len(all)), nil
}

var (
	_ Connector = (*Memory)(nil)
	_ Seeker    = (*Memory)(nil)
)
