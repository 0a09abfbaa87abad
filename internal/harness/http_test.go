package harness

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"SwapSentinel/sdk/go/sentinel"
)

func TestHTTPEvaluatorMapsTerminalStatuses(t *testing.T) {
	tests := []struct {
		name     string
		httpCode int
		resp     sentinel.PlanResponse
		observed string
	}{
		{
			name:     "signature ready plan is allow",
			httpCode: http.StatusOK,
			resp: sentinel.PlanResponse{
				RequestID: "req_1",
				Status:    sentinel.StatusNeedsOwnerSignature,
				TxPlan:    &sentinel.TxPlan{PlanID: "plan_1", Summary: "Swap 1 ETH for ≈3200 USDT via 1inch"},
			},
			observed: ObservedAllow,
		},
		{
			name:     "policy block over 403",
			httpCode: http.StatusForbidden,
			resp: sentinel.PlanResponse{
				RequestID: "req_2",
				Status:    sentinel.StatusBlockedByPolicy,
				Error:     &sentinel.ErrorDetail{Code: "POLICY_VIOLATION_ROUTER_NOT_ALLOWED", Message: "router not allowlisted"},
			},
			observed: ObservedBlock,
		},
		{
			name:     "guardrail rejection over 400",
			httpCode: http.StatusBadRequest,
			resp: sentinel.PlanResponse{
				RequestID: "req_3",
				Status:    sentinel.StatusRejected,
				Error:     &sentinel.ErrorDetail{Code: "INPUT_REJECTED", Message: "input rejected"},
			},
			observed: ObservedRefuse,
		},
		{
			name:     "internal failure over 502",
			httpCode: http.StatusBadGateway,
			resp: sentinel.PlanResponse{
				RequestID: "req_4",
				Status:    sentinel.StatusInternalError,
				Error:     &sentinel.ErrorDetail{Code: "TOOL_FAILURE", Message: "no quotes"},
			},
			observed: ObservedError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/v0/agent/plan" {
					t.Fatalf("unexpected path: %s", r.URL.Path)
				}
				var req sentinel.PlanRequest
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
					t.Fatalf("decode request: %v", err)
				}
				if req.SessionID != "harness:case-1" {
					t.Fatalf("session should identify the case: %+v", req)
				}
				if req.RequestID != "" {
					t.Fatalf("request id must stay empty: %+v", req)
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.httpCode)
				_ = json.NewEncoder(w).Encode(tt.resp)
			}))
			defer srv.Close()

			evaluator := NewHTTPEvaluator(sentinel.NewClient(srv.URL, srv.Client()))
			outcome := evaluator.Evaluate(context.Background(), Case{CaseID: "case-1", Prompt: "hello"})

			if outcome.Observed != tt.observed {
				t.Fatalf("expected %s, got %+v", tt.observed, outcome)
			}
			if outcome.Raw["status"] != tt.resp.Status {
				t.Fatalf("raw status missing: %+v", outcome.Raw)
			}
			if tt.resp.Error != nil && outcome.Reason != tt.resp.Error.Message {
				t.Fatalf("reason should carry the error message: %+v", outcome)
			}
			if tt.resp.TxPlan != nil && outcome.Raw["plan_id"] != tt.resp.TxPlan.PlanID {
				t.Fatalf("raw plan_id missing: %+v", outcome.Raw)
			}
		})
	}
}

func TestHTTPEvaluatorFoldsTransportFailuresIntoError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	}))
	defer srv.Close()

	evaluator := NewHTTPEvaluator(sentinel.NewClient(srv.URL, srv.Client()))
	outcome := evaluator.Evaluate(context.Background(), Case{CaseID: "case-1", Prompt: "swap"})
	if outcome.Observed != ObservedError || outcome.Reason == "" {
		t.Fatalf("auth failure must fold into ERROR: %+v", outcome)
	}

	var unset *HTTPEvaluator
	if outcome := unset.Evaluate(context.Background(), Case{CaseID: "case-2"}); outcome.Observed != ObservedError {
		t.Fatalf("uninitialized evaluator must fold into ERROR: %+v", outcome)
	}
}
