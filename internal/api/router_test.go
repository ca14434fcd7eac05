package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dvloznov/bank-reconciler/internal/connector"
	"github.com/dvloznov/bank-reconciler/internal/domain"
	"github.com/dvloznov/bank-reconciler/internal/jobs"
	"github.com/dvloznov/bank-reconciler/internal/jobs/inmemory"
	"github.com/dvloznov/bank-reconciler/internal/logger"
	"github.com/dvloznov/bank-reconciler/internal/reconcile"
	"github.com/dvloznov/bank-reconciler/internal/scoring"
	"github.com/dvloznov/bank-reconciler/internal/store/memory"
	"github.com/dvloznov/bank-reconciler/internal/store/storetest"
	"github.com/dvloznov/bank-reconciler/internal/syncrun"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "s3cret"

type fixture struct {
	server *httptest.Server
	store  *memory.Store
	jobs   *inmemory.Store
	txID   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	s := memory.New()
	scorer, err := scoring.NewScorer(scoring.DefaultConfig())
	require.NoError(t, err)

	booked := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	res, err := s.Ingest(ctx, "run-1", []connector.Record{storetest.Record("acc-1", "t1", "100.00", booked)})
	require.NoError(t, err)
	require.Len(t, res.Inserted, 1)
	require.NoError(t, s.UpsertDocument(ctx, storetest.Document("inv-1", domain.DirectionReceivable, "100.00")))

	jobStore := inmemory.NewStore()
	queue := inmemory.NewQueue(10, 1, jobStore)
	t.Cleanup(func() { _ = queue.Close() })

	handler := NewHandler(Deps{
		Store:      s,
		Reconciler: reconcile.NewCoordinator(s, scorer),
		Runs:       syncrun.NewTracker(s, time.Minute),
		Publisher:  queue,
		Jobs:       jobStore,
		MaxRetries: 1,
		Token:      testToken,
	}, logger.NewWithWriter(io.Discard))

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &fixture{server: srv, store: s, jobs: jobStore, txID: res.Inserted[0]}
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, map[string]interface{}) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.server.URL+path, r)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	if resp.Header.Get("Content-Type") == "application/json" {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp.StatusCode, out
}

func TestAuth(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.server.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp, err = http.Get(f.server.URL + "/api/transactions")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	status, body := f.do(t, http.MethodGet, "/api/transactions?account_id=acc-1", "")
	assert.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["count"])
}

func TestMatchAndUnmatch(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, http.MethodGet, "/api/transactions/"+f.txID+"/candidates", "")
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["count"])

	status, body = f.do(t, http.MethodPost, "/api/settlements",
		`{"transaction_id":"`+f.txID+`","document_id":"inv-1","amount":"60.00","actor":"alice"}`)
	require.Equal(t, http.StatusCreated, status)
	settlementID, _ := body["id"].(string)
	require.NotEmpty(t, settlementID)
	assert.Equal(t, "60", body["allocated_amount"])

	status, body = f.do(t, http.MethodPost, "/api/settlements",
		`{"transaction_id":"`+f.txID+`","document_id":"inv-1","amount":"50.00","actor":"alice"}`)
	assert.Equal(t, http.StatusConflict, status)
	assert.NotEmpty(t, body["reason"])
	assert.Equal(t, "40.00", body["remaining"])

	status, body = f.do(t, http.MethodGet, "/api/settlements?transaction_id="+f.txID, "")
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["count"])

	status, body = f.do(t, http.MethodPost, "/api/settlements/"+settlementID+"/void", `{"actor":"bob"}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "bob", body["voided_by"])

	status, body = f.do(t, http.MethodPost, "/api/settlements/"+settlementID+"/void", `{"actor":"bob"}`)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, string(domain.ConflictAlreadyVoided), body["reason"])

	status, body = f.do(t, http.MethodGet, "/api/transactions/"+f.txID, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, string(domain.StatusUnclassified), body["status"])
}

func TestIgnoreAndConfirm(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, http.MethodPost, "/api/transactions/"+f.txID+"/confirm", `{"actor":"alice"}`)
	assert.Equal(t, http.StatusConflict, status, "only matched transactions can be confirmed")
	assert.Equal(t, string(domain.ConflictInvalidTransition), body["reason"])

	status, body = f.do(t, http.MethodPost, "/api/transactions/"+f.txID+"/ignore", `{"reason":"fee"}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, string(domain.StatusIgnored), body["status"])

	status, _ = f.do(t, http.MethodGet, "/api/transactions/"+f.txID+"/candidates", "")
	assert.Equal(t, http.StatusConflict, status)

	status, body = f.do(t, http.MethodPost, "/api/transactions/"+f.txID+"/unignore", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, string(domain.StatusUnclassified), body["status"])
}

func TestBadRequests(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"unknown transaction", http.MethodGet, "/api/transactions/nope", "", http.StatusNotFound},
		{"unknown status filter", http.MethodGet, "/api/transactions?status=paid", "", http.StatusBadRequest},
		{"negative limit", http.MethodGet, "/api/jobs?limit=-1", "", http.StatusBadRequest},
		{"match without actor", http.MethodPost, "/api/settlements", `{"transaction_id":"a","document_id":"b","amount":"1"}`, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/api/settlements", `{"tx":"a"}`, http.StatusBadRequest},
		{"settlements without filter", http.MethodGet, "/api/settlements", "", http.StatusBadRequest},
		{"never synced", http.MethodGet, "/api/accounts/acc-1/status", "", http.StatusNotFound},
		{"unknown rule", http.MethodGet, "/api/rules/nope/preview", "", http.StatusNotFound},
		{"unknown job", http.MethodGet, "/api/jobs/nope", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := f.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, status)
		})
	}
}

func TestEnqueueSync(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, http.MethodPost, "/api/accounts/acc-1/sync", "")
	require.Equal(t, http.StatusAccepted, status)
	jobID, _ := body["job_id"].(string)
	require.NotEmpty(t, jobID)

	status, body = f.do(t, http.MethodGet, "/api/jobs/"+jobID, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "acc-1", body["account_id"])
	assert.EqualValues(t, 1, body["max_retries"])

	status, body = f.do(t, http.MethodGet, "/api/jobs?account_id=acc-1", "")
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["count"])
}

func TestEnqueueSync_StartingPoint(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, http.MethodPost, "/api/accounts/acc-1/sync?since=2024-03-01", "")
	require.Equal(t, http.StatusAccepted, status)
	jobID, _ := body["job_id"].(string)
	status, body = f.do(t, http.MethodGet, "/api/jobs/"+jobID, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "2024-03-01T00:00:00Z", body["since"])
	assert.Equal(t, jobs.TriggerAPI, body["trigger"])

	status, body = f.do(t, http.MethodPost, "/api/accounts/acc-1/sync?full=true", "")
	require.Equal(t, http.StatusAccepted, status)
	jobID, _ = body["job_id"].(string)
	_, body = f.do(t, http.MethodGet, "/api/jobs/"+jobID, "")
	assert.Equal(t, true, body["full"])

	for _, query := range []string{"since=03/01/2024", "full=true&since=2024-03-01"} {
		status, _ = f.do(t, http.MethodPost, "/api/accounts/acc-1/sync?"+query, "")
		assert.Equal(t, http.StatusBadRequest, status, query)
	}
}

func TestRulesAndDocuments(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.SaveRule(context.Background(), domain.MatchingRule{
		ID: "r1", Pattern: "label*", MatchType: domain.MatchGlob, Category: "Sales",
		Priority: domain.DefaultRulePriority,
	}))

	status, body := f.do(t, http.MethodGet, "/api/rules", "")
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["count"])

	status, body = f.do(t, http.MethodGet, "/api/rules/r1/preview?account_id=acc-1", "")
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["count"], "inactive rules can be previewed")

	status, body = f.do(t, http.MethodGet, "/api/documents?direction=receivable&currency=eur", "")
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["count"])
}
