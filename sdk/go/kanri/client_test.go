package kanri

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{Subject: "s", APIKey: "k"})
	assert.Error(t, err)
	_, err = NewClient(Config{BaseURL: "http://x", APIKey: "k"})
	assert.Error(t, err)
	_, err = NewClient(Config{BaseURL: "http://x", Subject: "s"})
	assert.Error(t, err)

	c, err := NewClient(Config{BaseURL: "http://x/", Subject: "s", APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "http://x", c.baseURL, "trailing slash is trimmed")
}

// newAPITestServer serves a token endpoint plus the given routes, counting
// token requests.
func newAPITestServer(t *testing.T, tokenTTL time.Duration, register func(mux *http.ServeMux)) (*Client, *atomic.Int32) {
	t.Helper()
	var tokenCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		var req authRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "agent-1", req.Subject)
		assert.Equal(t, "secret", req.APIKey)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"data":{"token":"tok-%d","expires_at":%q}}`,
			tokenCalls.Load(), time.Now().Add(tokenTTL).Format(time.RFC3339))
	})
	if register != nil {
		register(mux)
	}
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	client, err := NewClient(Config{BaseURL: ts.URL, Subject: "agent-1", APIKey: "secret"})
	require.NoError(t, err)
	return client, &tokenCalls
}

func TestEnvelopeUnwrap(t *testing.T) {
	client, _ := newAPITestServer(t, time.Hour, func(mux *http.ServeMux) {
		mux.HandleFunc("GET /v1/status", func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"data":{"status":"working","running_runs":2,"pending_approvals":1},"meta":{"request_id":"r1"}}`)
		})
	})

	status, err := client.Status(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, StatusWorking, status.Status)
	assert.Equal(t, 2, status.RunningRuns)
	assert.Equal(t, 1, status.PendingApprovals)
}

func TestTokenCaching(t *testing.T) {
	client, tokenCalls := newAPITestServer(t, time.Hour, func(mux *http.ServeMux) {
		mux.HandleFunc("GET /v1/status", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"data":{"status":"idle"}}`)
		})
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := client.Status(ctx, "")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), tokenCalls.Load(), "token is cached across requests")
}

func TestTokenRefreshNearExpiry(t *testing.T) {
	// A TTL inside the refresh margin forces a new token per request.
	client, tokenCalls := newAPITestServer(t, time.Second, func(mux *http.ServeMux) {
		mux.HandleFunc("GET /v1/status", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"data":{"status":"idle"}}`)
		})
	})

	ctx := context.Background()
	_, err := client.Status(ctx, "")
	require.NoError(t, err)
	_, err = client.Status(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int32(2), tokenCalls.Load())
}

func TestErrorParsing(t *testing.T) {
	client, _ := newAPITestServer(t, time.Hour, func(mux *http.ServeMux) {
		mux.HandleFunc("GET /v1/runs/{run_id}", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":{"code":"not_found","message":"run missing"}}`)
		})
		mux.HandleFunc("POST /v1/runs", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusGone)
			fmt.Fprint(w, `{"error":{"code":"expired","message":"too late"}}`)
		})
	})
	ctx := context.Background()

	_, err := client.GetRun(ctx, uuid.New())
	require.Error(t, err)
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "not_found", apiErr.Code)
	assert.Equal(t, "run missing", apiErr.Message)
	assert.True(t, IsNotFound(err))
	assert.False(t, IsExpired(err))

	_, err = client.CreateRun(ctx, CreateRunRequest{ThreadID: "t1"})
	assert.True(t, IsExpired(err))
}

func TestRunAndToolCallPaths(t *testing.T) {
	runID := uuid.New()
	tcID := uuid.New()

	client, _ := newAPITestServer(t, time.Hour, func(mux *http.ServeMux) {
		mux.HandleFunc("POST /v1/runs", func(w http.ResponseWriter, r *http.Request) {
			var req CreateRunRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "t1", req.ThreadID)
			w.WriteHeader(http.StatusCreated)
			fmt.Fprintf(w, `{"data":{"id":%q,"thread_id":"t1","status":"pending"}}`, runID)
		})
		mux.HandleFunc("POST /v1/runs/"+runID.String()+"/tool_calls", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusCreated)
			fmt.Fprintf(w, `{"data":{"tool_call":{"id":%q,"run_id":%q,"status":"pending_approval","risk_tier":"high"},"approval":{"id":%q,"outcome":"pending"}}}`,
				tcID, runID, uuid.New())
		})
		mux.HandleFunc("POST /v1/runs/"+runID.String()+"/tool_calls/"+tcID.String()+"/approve", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"data":{"outcome":"approved","resolver":"op-1"}}`)
		})
		mux.HandleFunc("GET /v1/runs/"+runID.String()+"/events", func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "5", r.URL.Query().Get("after_id"))
			assert.Equal(t, "10", r.URL.Query().Get("limit"))
			fmt.Fprint(w, `{"data":{"events":[{"id":6,"type":"run_started"}]}}`)
		})
	})
	ctx := context.Background()

	run, err := client.CreateRun(ctx, CreateRunRequest{ThreadID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, runID, run.ID)
	assert.Equal(t, RunStatusPending, run.Status)

	submitted, err := client.SubmitToolCall(ctx, runID, SubmitToolCallRequest{
		Name: "update_record", RiskTier: "high",
	})
	require.NoError(t, err)
	assert.Equal(t, ToolCallPendingApproval, submitted.ToolCall.Status)
	require.NotNil(t, submitted.Approval)
	assert.Equal(t, ApprovalPending, submitted.Approval.Outcome)

	approval, err := client.Approve(ctx, runID, tcID)
	require.NoError(t, err)
	assert.Equal(t, ApprovalApproved, approval.Outcome)
	assert.Equal(t, "op-1", approval.Resolver)

	events, err := client.Events(ctx, runID, 5, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(6), events[0].ID)
}

func TestHealthNoAuth(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"data":{"status":"healthy","version":"1.2.3"}}`)
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	// No token endpoint exists; Health must still succeed.
	client, err := NewClient(Config{BaseURL: ts.URL, Subject: "s", APIKey: "k"})
	require.NoError(t, err)

	health, err := client.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "1.2.3", health.Version)
}
