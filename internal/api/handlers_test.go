package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/splitops/internal/api"
	"github.com/punchamoorthee/splitops/internal/models"
	"github.com/punchamoorthee/splitops/internal/service"
	"github.com/punchamoorthee/splitops/internal/service/servicetest"
)

// newTestServer wires the full router the same way cmd/api does, backed by
// the in-memory store.
func newTestServer(t *testing.T) (*httptest.Server, *servicetest.MemStore) {
	t.Helper()

	ms := servicetest.NewMemStore()
	friends := servicetest.NewFriends()
	friends.Accept("alice", "bob")
	friends.Accept("alice", "charlie")
	categories := servicetest.NewCategories()
	categories.Add("alice", "cat-food")
	categories.Add("bob", "cat-bob")

	engine := service.NewEngine(ms, friends, categories, nil)
	h := api.NewHandler(engine, nil)

	r := mux.NewRouter()
	r.HandleFunc("/health", h.HealthCheckHandler).Methods(http.MethodGet)
	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(api.WithIdentity)
	v1.HandleFunc("/splits/create", h.CreateSplitHandler).Methods(http.MethodPost)
	v1.HandleFunc("/splits/{id}/retry", h.RetrySplitHandler).Methods(http.MethodPost)
	v1.HandleFunc("/splits/{id}", h.GetSplitHandler).Methods(http.MethodGet)
	v1.HandleFunc("/records", h.ListRecordsHandler).Methods(http.MethodGet)
	v1.HandleFunc("/records/finalize-pending", h.FinalizePendingHandler).Methods(http.MethodPost)
	v1.HandleFunc("/records/{id}/settle", h.SettleHandler).Methods(http.MethodPut)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, ms
}

func doJSON(t *testing.T, srv *httptest.Server, method, path, user string, body any) (*http.Response, []byte) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out bytes.Buffer
	_, err = out.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, out.Bytes()
}

func createSplitBody(key string) models.CreateSplitRequest {
	return models.CreateSplitRequest{
		IdempotencyKey: key,
		TotalAmount:    100,
		Description:    "dinner",
		Date:           "2026-03-14",
		CategoryID:     "cat-food",
		Splits: []models.SplitParticipant{
			{UserID: "bob", Amount: 30},
			{UserID: "charlie", Amount: 30},
		},
	}
}

func TestIdentityRequired(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doJSON(t, srv, http.MethodGet, "/api/v1/records", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.JSONEq(t, `{"error":"Missing identity"}`, string(body))

	// Health stays open.
	resp, _ = doJSON(t, srv, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateSplitEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doJSON(t, srv, http.MethodPost, "/api/v1/splits/create", "alice", createSplitBody("key-1"))
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var created models.CreateSplitResponse
	require.NoError(t, json.Unmarshal(body, &created))
	assert.NotEmpty(t, created.SplitID)
	assert.NotEmpty(t, created.PayerRecordID)
	assert.Len(t, created.PendingRecordIDs, 2)

	// Replay serves the cached response, status included.
	resp, body = doJSON(t, srv, http.MethodPost, "/api/v1/splits/create", "alice", createSplitBody("key-1"))
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	var replayed models.CreateSplitResponse
	require.NoError(t, json.Unmarshal(body, &replayed))
	assert.Equal(t, created, replayed)

	// Same key, drifted payload.
	drifted := createSplitBody("key-1")
	drifted.TotalAmount = 80
	resp, _ = doJSON(t, srv, http.MethodPost, "/api/v1/splits/create", "alice", drifted)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCreateSplitBadRequests(t *testing.T) {
	srv, _ := newTestServer(t)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/splits/create", strings.NewReader("{not json"))
	require.NoError(t, err)
	req.Header.Set("X-User-ID", "alice")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Missing idempotency key trips struct validation.
	missing := createSplitBody("")
	resp, body := doJSON(t, srv, http.MethodPost, "/api/v1/splits/create", "alice", missing)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "Invalid field")

	// Non-friend participant.
	foreign := createSplitBody("key-x")
	foreign.Splits = append(foreign.Splits, models.SplitParticipant{UserID: "eve", Amount: 10})
	resp, body = doJSON(t, srv, http.MethodPost, "/api/v1/splits/create", "alice", foreign)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "eve is not an accepted friend")
}

func TestPartialFailureThenRetryEndpoint(t *testing.T) {
	srv, ms := newTestServer(t)
	ms.FailNextInsertFor("charlie")

	resp, body := doJSON(t, srv, http.MethodPost, "/api/v1/splits/create", "alice", createSplitBody("key-pf"))
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var errBody struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body, &errBody))
	parts := strings.Split(errBody.Error, ": ")
	require.Len(t, parts, 2, "error message must end with the split id")
	splitID := parts[1]
	require.NotEmpty(t, splitID)

	resp, body = doJSON(t, srv, http.MethodPost, "/api/v1/splits/"+splitID+"/retry", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var retried models.RetrySplitResponse
	require.NoError(t, json.Unmarshal(body, &retried))
	assert.Equal(t, models.SplitStatusCompleted, retried.Status)
	assert.Len(t, retried.PendingRecordIDs, 1)
	assert.Empty(t, retried.MissingParticipantIDs)

	// Only the payer may retry; anyone else sees nothing.
	resp, _ = doJSON(t, srv, http.MethodPost, "/api/v1/splits/"+splitID+"/retry", "bob", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRetryUnknownSplit(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, _ := doJSON(t, srv, http.MethodPost, "/api/v1/splits/nope/retry", "alice", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFinalizeAndSettleEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doJSON(t, srv, http.MethodPost, "/api/v1/splits/create", "alice", createSplitBody("key-2"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created models.CreateSplitResponse
	require.NoError(t, json.Unmarshal(body, &created))
	bobRecord := created.PendingRecordIDs[0]

	finalize := models.FinalizePendingRequest{RecordID: bobRecord, CategoryID: "cat-bob"}
	resp, body = doJSON(t, srv, http.MethodPost, "/api/v1/records/finalize-pending", "bob", finalize)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var rec models.Record
	require.NoError(t, json.Unmarshal(body, &rec))
	assert.False(t, rec.Pending)

	// Finalizing twice conflicts.
	resp, _ = doJSON(t, srv, http.MethodPost, "/api/v1/records/finalize-pending", "bob", finalize)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	settle := models.SettleRequest{SplitID: created.SplitID}
	resp, body = doJSON(t, srv, http.MethodPut, "/api/v1/records/"+bobRecord+"/settle", "bob", settle)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &rec))
	assert.True(t, rec.Settle)

	// Unrelated users cannot even observe the record.
	resp, _ = doJSON(t, srv, http.MethodPut, "/api/v1/records/"+bobRecord+"/settle", "charlie", settle)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListRecordsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doJSON(t, srv, http.MethodPost, "/api/v1/splits/create", "alice", createSplitBody("key-3"))
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	resp, body = doJSON(t, srv, http.MethodGet, "/api/v1/records?pending=true", "bob", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list models.ListRecordsResponse
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Equal(t, 1, list.TotalCount)
	assert.Equal(t, "bob", list.Records[0].OwnerUserID)

	// Bad filter values are rejected up front.
	resp, _ = doJSON(t, srv, http.MethodGet, "/api/v1/records?pending=maybe", "bob", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, srv, http.MethodGet, "/api/v1/records?limit=9001", "bob", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
