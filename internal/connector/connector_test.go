package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/dvloznov/bank-reconciler/internal/domain"
	"github.com/dvloznov/bank-reconciler/internal/retry"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) retry.Policy {
	return retry.Policy{MaxAttempts: attempts, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}
}

func record(id string) Record {
	return Record{
		ExternalID: id,
		Amount:     decimal.NewFromInt(10),
		Currency:   "EUR",
		Date:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Label:      "label " + id,
		Side:       domain.SideCredit,
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limited", &StatusError{StatusCode: http.StatusTooManyRequests}, true},
		{"server error", &StatusError{StatusCode: http.StatusBadGateway}, true},
		{"bad request", &StatusError{StatusCode: http.StatusBadRequest}, false},
		{"unauthorized", fmt.Errorf("wrapped: %w", &StatusError{StatusCode: http.StatusUnauthorized}), false},
		{"deadline", context.DeadlineExceeded, true},
		{"cancelled", context.Canceled, false},
		{"marked", Transient(errors.New("socket closed")), true},
		{"plain", errors.New("decode failed"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestRetrying_RecoversFromTransientErrors(t *testing.T) {
	calls := 0
	inner := Func(func(ctx context.Context, accountID, cursor string, pageSize int) (Page, error) {
		calls++
		if calls < 3 {
			return Page{}, &StatusError{StatusCode: http.StatusServiceUnavailable}
		}
		return Page{Records: []Record{record("a")}, NextCursor: "next"}, nil
	})

	page, err := NewRetrying(inner, fastPolicy(4), time.Second).FetchPage(context.Background(), "acc-1", "", 10)
	require.NoError(t, err)

	assert.Equal(t, 3, calls)
	assert.Equal(t, "next", page.NextCursor)
	require.Len(t, page.Records, 1)
	assert.Equal(t, "acc-1", page.Records[0].AccountID)
}

func TestRetrying_ExhaustionPreservesCursor(t *testing.T) {
	calls := 0
	inner := Func(func(ctx context.Context, accountID, cursor string, pageSize int) (Page, error) {
		calls++
		return Page{}, &StatusError{StatusCode: http.StatusTooManyRequests}
	})

	_, err := NewRetrying(inner, fastPolicy(3), 0).FetchPage(context.Background(), "acc-1", "40", 10)

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "acc-1", fe.AccountID)
	assert.Equal(t, "40", fe.Cursor)
	assert.Equal(t, 3, fe.Attempts)
	assert.Equal(t, 3, calls)

	var se *StatusError
	assert.ErrorAs(t, err, &se)
}

func TestRetrying_PermanentErrorIsNotRetried(t *testing.T) {
	calls := 0
	inner := Func(func(ctx context.Context, accountID, cursor string, pageSize int) (Page, error) {
		calls++
		return Page{}, &StatusError{StatusCode: http.StatusForbidden}
	})

	_, err := NewRetrying(inner, fastPolicy(5), 0).FetchPage(context.Background(), "acc-1", "", 10)

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 1, fe.Attempts)
	assert.Equal(t, 1, calls)
}

func TestRetrying_PerCallTimeoutIsRetried(t *testing.T) {
	calls := 0
	inner := Func(func(ctx context.Context, accountID, cursor string, pageSize int) (Page, error) {
		calls++
		if calls == 1 {
			<-ctx.Done()
			return Page{}, ctx.Err()
		}
		return Page{}, nil
	})

	_, err := NewRetrying(inner, fastPolicy(3), 10*time.Millisecond).FetchPage(context.Background(), "acc-1", "", 10)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestMemory_Paging(t *testing.T) {
	m := NewMemory()
	m.Add("acc-1", record("a"), record("b"), record("c"))

	ctx := context.Background()
	p1, err := m.FetchPage(ctx, "acc-1", "", 2)
	require.NoError(t, err)
	assert.Len(t, p1.Records, 2)
	assert.Equal(t, "2", p1.NextCursor)

	p2, err := m.FetchPage(ctx, "acc-1", p1.NextCursor, 2)
	require.NoError(t, err)
	assert.Len(t, p2.Records, 1)
	assert.Empty(t, p2.NextCursor)

	// an old cursor can be replayed
	again, err := m.FetchPage(ctx, "acc-1", p1.NextCursor, 2)
	require.NoError(t, err)
	assert.Equal(t, p2.Records, again.Records)

	_, err = m.FetchPage(ctx, "acc-1", "x", 2)
	assert.Error(t, err)
}

func TestMemory_LoadJSONLines(t *testing.T) {
	m := NewMemory()
	lines := `{"external_id":"a","amount":"12.50","currency":"EUR","date":"2024-02-01T00:00:00Z","label":"x","side":"debit"}
{"external_id":"b","amount":"3","currency":"EUR","date":"2024-02-02T00:00:00Z","label":"y","side":"credit"}
`
	n, err := m.LoadJSONLines("acc-9", strings.NewReader(lines))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	page, err := m.FetchPage(context.Background(), "acc-9", "", 10)
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	assert.True(t, page.Records[0].Amount.Equal(decimal.RequireFromString("12.50")))
	assert.Equal(t, "acc-9", page.Records[1].AccountID)
	assert.Equal(t, []string{"acc-9"}, m.Accounts())
}

func TestMemory_CursorAt(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	jan := record("jan")
	mar := record("mar")
	mar.Date = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	feb := record("feb")
	feb.Date = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	m.Add("acc-1", jan, mar, feb)

	tests := []struct {
		name  string
		since time.Time
		want  string
	}{
		{"before everything", time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), "0"},
		{"first record on or after", time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), "1"},
		{"after everything", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), "3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.CursorAt(ctx, "acc-1", tt.since)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRetrying_CursorAt(t *testing.T) {
	ctx := context.Background()
	since := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	m := NewMemory()
	m.Add("acc-1", record("a"))
	got, err := NewRetrying(m, fastPolicy(2), 0).CursorAt(ctx, "acc-1", since)
	require.NoError(t, err)
	assert.Equal(t, "1", got)

	plain := Func(m.FetchPage)
	_, err = NewRetrying(plain, fastPolicy(2), 0).CursorAt(ctx, "acc-1", since)
	assert.ErrorIs(t, err, ErrSeekUnsupported)
}
