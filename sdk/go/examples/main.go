package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"SwapSentinel/sdk/go/sentinel"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/v0/agent/plan", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		_ = json.NewEncoder(w).Encode(sentinel.PlanResponse{
			RequestID: "req-demo",
			Status:    sentinel.StatusNeedsOwnerSignature,
			TxPlan: &sentinel.TxPlan{
				PlanID:  "plan_demo0001",
				Status:  sentinel.StatusNeedsOwnerSignature,
				Summary: "Swap 1.5 ETH for ≈4800 USDT via 1inch",
				UnsignedTransaction: &sentinel.UnsignedTransaction{
					ChainID:  1,
					To:       "0x1111111254EEB25477B68fb85Ed929f73A960582",
					Value:    "1500000000000000000",
					Data:     "0x12aa3caf",
					Gas:      150000,
					GasPrice: "100000000000",
				},
			},
		})
	})
	mux.HandleFunc("/v0/plans/plan_demo0001", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(sentinel.PlanRecord{
			RequestID: "req-demo",
			PlanID:    "plan_demo0001",
			Status:    sentinel.StatusNeedsOwnerSignature,
			Summary:   "Swap 1.5 ETH for ≈4800 USDT via 1inch",
			CreatedAt: time.Now().Unix(),
		})
	})
	mux.HandleFunc("/v0/harness/runs", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(sentinel.Run{ID: "run-demo", Suite: "smoke", Status: sentinel.RunPending})
	})
	mux.HandleFunc("/v0/harness/runs/run-demo", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(sentinel.Run{
			ID:     "run-demo",
			Suite:  "smoke",
			Status: sentinel.RunSucceeded,
			Summary: &sentinel.RunSummary{
				HarnessRunID: "run_demo",
				CaseCount:    7,
				ASR:          0,
				FP:           0,
				TR:           1,
			},
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := sentinel.NewClient(srv.URL, srv.Client())
	client.SetAPIKey("demo-key")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Plan(ctx, sentinel.PlanRequest{
		RequestID:   "req-demo",
		UserMessage: "please swap 1.5 ETH for USDT",
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("plan status %s (plan_id=%s)\n", resp.Status, resp.TxPlan.PlanID)
	fmt.Printf("summary: %s\n", resp.TxPlan.Summary)

	record, err := client.GetPlan(ctx, resp.TxPlan.PlanID)
	if err != nil {
		panic(err)
	}
	fmt.Printf("audit record for %s: status=%s\n", record.PlanID, record.Status)

	run, err := client.SubmitRun(ctx, sentinel.RunSubmission{Suite: "smoke"})
	if err != nil {
		panic(err)
	}
	done, err := client.WaitForRun(ctx, run.ID, 50*time.Millisecond)
	if err != nil {
		panic(err)
	}
	fmt.Printf("evaluation run %s finished: status=%s ASR=%.2f TR=%.2f\n",
		done.ID, done.Status, done.Summary.ASR, done.Summary.TR)
}
