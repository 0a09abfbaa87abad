package sentinel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestPlanReturnsProposedPlan(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v0/agent/plan" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		if got := r.Header.Get("X-API-Key"); got != "demo-key" {
			t.Fatalf("expected api key header, got %q", got)
		}
		var req PlanRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		if req.UserMessage != "swap 1 ETH for USDC" {
			t.Fatalf("unexpected user message: %q", req.UserMessage)
		}
		_ = json.NewEncoder(w).Encode(PlanResponse{
			RequestID: req.RequestID,
			Status:    StatusNeedsOwnerSignature,
			TxPlan: &TxPlan{
				PlanID:  "plan_ab12cd34",
				Status:  StatusNeedsOwnerSignature,
				Summary: "Swap 1 ETH for ≈3000 USDC via 1inch",
				UnsignedTransaction: &UnsignedTransaction{
					ChainID: 1,
					To:      "0x1111111254EEB25477B68fb85Ed929f73A960582",
					Value:   "1000000000000000000",
					Gas:     150000,
				},
			},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	client.SetAPIKey("demo-key")

	resp, err := client.Plan(context.Background(), PlanRequest{
		RequestID:   "req-1",
		UserMessage: "swap 1 ETH for USDC",
	})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if resp.Status != StatusNeedsOwnerSignature {
		t.Fatalf("unexpected status: %s", resp.Status)
	}
	if resp.TxPlan == nil || resp.TxPlan.PlanID != "plan_ab12cd34" {
		t.Fatalf("unexpected tx plan: %+v", resp.TxPlan)
	}
	if resp.TxPlan.UnsignedTransaction.Nonce != nil {
		t.Fatal("nonce must stay nil until the owner signs")
	}
}

func TestPlanDecodesTerminalOverErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(PlanResponse{
			RequestID: "req-blocked",
			Status:    StatusBlockedByPolicy,
			Error: &ErrorDetail{
				Code:    "POLICY_VIOLATION_ROUTER_NOT_ALLOWED",
				Message: "router is not on the allowlist",
			},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())

	resp, err := client.Plan(context.Background(), PlanRequest{UserMessage: "swap"})
	if err != nil {
		t.Fatalf("business terminals must not surface as errors: %v", err)
	}
	if resp.Status != StatusBlockedByPolicy {
		t.Fatalf("unexpected status: %s", resp.Status)
	}
	if resp.Error == nil || resp.Error.Code != "POLICY_VIOLATION_ROUTER_NOT_ALLOWED" {
		t.Fatalf("unexpected error detail: %+v", resp.Error)
	}
}

func TestPlanAuthFailureIsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())

	_, err := client.Plan(context.Background(), PlanRequest{UserMessage: "swap"})
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: %d", apiErr.StatusCode)
	}
	if apiErr.Message != "Unauthorized" {
		t.Fatalf("unexpected message: %q", apiErr.Message)
	}
}

func TestGetPlanNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v0/plans/missing" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(struct {
			Error APIError `json:"error"`
		}{Error: APIError{Code: "NOT_FOUND", Message: "plan does not exist"}})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())

	_, err := client.GetPlan(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Code != "NOT_FOUND" {
		t.Fatalf("unexpected error code: %s", apiErr.Code)
	}
}

func TestListPlansSendsFilters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if query.Get("limit") != "5" || query.Get("status") != "REJECTED,BLOCKED_BY_POLICY" || query.Get("session_id") != "sess-9" {
			t.Fatalf("unexpected query: %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode(PlanList{
			Plans: []PlanRecord{{RequestID: "req-1", Status: StatusRejected}},
			Count: 1,
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())

	list, err := client.ListPlans(context.Background(), ListPlansOptions{
		Limit:     5,
		Statuses:  []string{"REJECTED", "BLOCKED_BY_POLICY"},
		SessionID: "sess-9",
	})
	if err != nil {
		t.Fatalf("list plans: %v", err)
	}
	if list.Count != 1 || len(list.Plans) != 1 || list.Plans[0].RequestID != "req-1" {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestSubmitAndWaitForRun(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v0/harness/runs" && r.Method == http.MethodPost:
			var submission RunSubmission
			if err := json.NewDecoder(r.Body).Decode(&submission); err != nil {
				t.Fatalf("unexpected body: %v", err)
			}
			if submission.Suite != "smoke" {
				t.Fatalf("unexpected suite: %q", submission.Suite)
			}
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(Run{ID: "run-1", Suite: "smoke", Status: RunPending})
		case r.URL.Path == "/v0/harness/runs/run-1":
			status := RunRunning
			if polls.Add(1) >= 3 {
				status = RunSucceeded
			}
			_ = json.NewEncoder(w).Encode(Run{
				ID:      "run-1",
				Suite:   "smoke",
				Status:  status,
				Summary: &RunSummary{HarnessRunID: "run_x", CaseCount: 7},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())

	run, err := client.SubmitRun(context.Background(), RunSubmission{Suite: "smoke"})
	if err != nil {
		t.Fatalf("submit run: %v", err)
	}
	if run.ID != "run-1" || run.Status != RunPending {
		t.Fatalf("unexpected run: %+v", run)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done, err := client.WaitForRun(ctx, "run-1", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait for run: %v", err)
	}
	if done.Status != RunSucceeded {
		t.Fatalf("unexpected final status: %s", done.Status)
	}
	if done.Summary == nil || done.Summary.CaseCount != 7 {
		t.Fatalf("unexpected summary: %+v", done.Summary)
	}
}

func TestHealthDecodesDegradedPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v0/health" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(Health{
			Status:     "degraded",
			Components: map[string]any{"planner": false},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())

	health, err := client.Health(context.Background())
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if health.Status != "degraded" {
		t.Fatalf("unexpected status: %s", health.Status)
	}
}
