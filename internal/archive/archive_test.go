package archive

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/dvloznov/bank-reconciler/internal/connector"
	"github.com/dvloznov/bank-reconciler/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectName(t *testing.T) {
	assert.Equal(t, "raw/acc-1/run-9/page-0003.jsonl", ObjectName("raw", "acc-1", "run-9", 3))
	assert.Equal(t, "acc-1/run-9/page-0012.jsonl", ObjectName("", "acc-1", "run-9", 12))
}

func TestParseURI(t *testing.T) {
	tests := []struct {
		uri     string
		bucket  string
		object  string
		wantErr bool
	}{
		{uri: "gs://bucket/raw/acc/page-0001.jsonl", bucket: "bucket", object: "raw/acc/page-0001.jsonl"},
		{uri: "gs://bucket/file", bucket: "bucket", object: "file"},
		{uri: "gs://bucket", wantErr: true},
		{uri: "gs://bucket/", wantErr: true},
		{uri: "s3://bucket/file", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			bucket, object, err := ParseURI(tt.uri)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.bucket, bucket)
			assert.Equal(t, tt.object, object)
		})
	}
}

func TestMemory_ArchiveAndReplay(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("raw")

	records := []connector.Record{
		{ExternalID: "e1", AccountID: "acc-1", Amount: decimal.RequireFromString("12.50"), Currency: "EUR",
			Date: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), Label: "COFFEE", Side: domain.SideCredit},
		{ExternalID: "e2", AccountID: "acc-1", Amount: decimal.RequireFromString("-80"), Currency: "EUR",
			Date: time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC), Label: "PARKING", Side: domain.SideDebit},
	}
	require.NoError(t, m.ArchivePage(ctx, "acc-1", "run-1", 1, records))
	assert.Equal(t, []string{"raw/acc-1/run-1/page-0001.jsonl"}, m.Objects())

	data, err := m.Fetch(ctx, "gs://any-bucket/raw/acc-1/run-1/page-0001.jsonl")
	require.NoError(t, err)
	assert.Equal(t, 2, bytes.Count(data, []byte("\n")))

	replay := connector.NewMemory()
	n, err := replay.LoadJSONLines("acc-1", bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	page, err := replay.FetchPage(ctx, "acc-1", "", 10)
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	assert.Equal(t, "e2", page.Records[1].ExternalID)
	assert.True(t, page.Records[1].Amount.Equal(decimal.RequireFromString("-80")))

	_, err = m.Fetch(ctx, "raw/acc-1/run-1/page-0002.jsonl")
	assert.Error(t, err)
}

func TestNop(t *testing.T) {
	assert.NoError(t, Nop{}.ArchivePage(context.Background(), "acc", "run", 1, nil))
}
