// Package archive keeps the raw pages returned by the banking API so a sync can
// be audited or replayed without calling the API again.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/dvloznov/bank-reconciler/internal/connector"
)

// Archiver stores one fetched page.
type Archiver interface {
	ArchivePage(ctx context.Context, accountID, runID string, page int, records []connector.Record) error
}

// Fetcher reads an archived page back.
type Fetcher interface {
	Fetch(ctx context.Context, uri string) ([]byte, error)
}

// ObjectName is where a page lives inside the bucket,
// e.g. "raw/acc-1/run-9/page-0003.jsonl".
func ObjectName(prefix, accountID, runID string, page int) string {
	return path.Join(prefix, accountID, runID, fmt.Sprintf("page-%04d.jsonl", page))
}

// EncodeJSONLines writes one JSON record per line, the format
// connector.Memory.LoadJSONLines reads.
func EncodeJSONLines(records []connector.Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i, r := range records {
		if err := enc.Encode(r); err != nil {
			return nil, fmt.Errorf("EncodeJSONLines: record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// ParseURI splits "gs://bucket/path/to/object" into bucket and object.
func ParseURI(uri string) (bucket, object string, err error) {
	if !strings.HasPrefix(uri, "gs://") {
		return "", "", fmt.Errorf("invalid GCS URI: %s", uri)
	}
	parts := strings.SplitN(strings.TrimPrefix(uri, "gs://"), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid GCS URI (no object path): %s", uri)
	}
	return parts[0], parts[1], nil
}

// Nop discards pages. It is used when no bucket is configured.
type Nop struct{}

func (Nop) ArchivePage(context.Context, string, string, int, []connector.Record) error { return nil }

// Memory keeps pages in memory under their object names.
type Memory struct {
	mu      sync.RWMutex
	prefix  string
	objects map[string][]byte
}

func NewMemory(prefix string) *Memory {
	return &Memory{prefix: prefix, objects: make(map[string][]byte)}
}

func (m *Memory) ArchivePage(ctx context.Context, accountID, runID string, page int, records []connector.Record) error {
	data, err := EncodeJSONLines(records)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[ObjectName(m.prefix, accountID, runID, page)] = data
	return nil
}

// Fetch accepts either a bare object name or a gs:// URI.
func (m *Memory) Fetch(ctx context.Context, uri string) ([]byte, error) {
	name := uri
	if strings.HasPrefix(uri, "gs://") {
		_, object, err := ParseURI(uri)
		if err != nil {
			return nil, err
		}
		name = object
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[name]
	if !ok {
		return nil, fmt.Errorf("archived page %s not found", name)
	}
	return append([]byte(nil), data...), nil
}

// Objects lists the stored object names in order.
func (m *Memory) Objects() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.objects))
	for n := range m.objects {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

var (
	_ Archiver = Nop{}
	_ Archiver = (*Memory)(nil)
	_ Fetcher  = (*Memory)(nil)
)
