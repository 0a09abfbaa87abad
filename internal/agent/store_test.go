package agent

import (
	"context"
	"errors"
	"testing"
)

func sampleRecord(requestID, planID string, status Status, createdAt int64) *PlanRecord {
	return &PlanRecord{
		RequestID: requestID,
		PlanID:    planID,
		SessionID: "session-1",
		Status:    status,
		RiskLevel: "low",
		Response: PlanResponse{
			RequestID: requestID,
			Status:    status,
		},
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func TestMemoryPlanStoreSaveAndLookup(t *testing.T) {
	store := NewMemoryPlanStore()
	ctx := context.Background()

	record := sampleRecord("req-1", "plan_ab12cd34", StatusNeedsOwnerSignature, 100)
	if err := store.Save(ctx, record); err != nil {
		t.Fatalf("save: %v", err)
	}

	byPlan, err := store.GetByPlanID(ctx, "plan_ab12cd34")
	if err != nil {
		t.Fatalf("get by plan id: %v", err)
	}
	if byPlan.RequestID != "req-1" {
		t.Fatalf("unexpected record: %+v", byPlan)
	}

	byRequest, err := store.GetByRequestID(ctx, "req-1")
	if err != nil {
		t.Fatalf("get by request id: %v", err)
	}
	if byRequest.PlanID != "plan_ab12cd34" {
		t.Fatalf("unexpected record: %+v", byRequest)
	}

	if _, err := store.GetByPlanID(ctx, "plan_missing"); !errors.Is(err, ErrPlanNotFound) {
		t.Fatalf("expected ErrPlanNotFound, got %v", err)
	}

	if err := store.Save(ctx, record); !errors.Is(err, ErrPlanConflict) {
		t.Fatalf("expected ErrPlanConflict on duplicate save, got %v", err)
	}
}

func TestMemoryPlanStoreReturnsClones(t *testing.T) {
	store := NewMemoryPlanStore()
	ctx := context.Background()

	record := sampleRecord("req-1", "", StatusRejected, 100)
	record.Response.Trace = []StageEvent{{Stage: StatusReceived}}
	if err := store.Save(ctx, record); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := store.GetByRequestID(ctx, "req-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	loaded.Status = StatusInternalError
	loaded.Response.Trace[0].Stage = StatusInternalError

	again, err := store.GetByRequestID(ctx, "req-1")
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if again.Status != StatusRejected {
		t.Fatal("mutating a loaded record must not affect the store")
	}
	if again.Response.Trace[0].Stage != StatusReceived {
		t.Fatal("mutating a loaded trace must not affect the store")
	}
}

func TestMemoryPlanStoreListWithFilters(t *testing.T) {
	store := NewMemoryPlanStore()
	ctx := context.Background()

	records := []*PlanRecord{
		sampleRecord("req-1", "plan_00000001", StatusNeedsOwnerSignature, 100),
		sampleRecord("req-2", "", StatusRejected, 200),
		sampleRecord("req-3", "", StatusBlockedByPolicy, 300),
	}
	records[2].SessionID = "session-2"

	for _, record := range records {
		if err := store.Save(ctx, record); err != nil {
			t.Fatalf("save %s: %v", record.RequestID, err)
		}
	}

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 records, got %d", len(all))
	}
	if all[0].RequestID != "req-3" {
		t.Fatalf("expected newest record first, got %s", all[0].RequestID)
	}

	rejected, err := store.List(ctx, ListOptions{Statuses: []Status{StatusRejected}})
	if err != nil {
		t.Fatalf("list rejected: %v", err)
	}
	if len(rejected) != 1 || rejected[0].RequestID != "req-2" {
		t.Fatalf("unexpected rejected list: %+v", rejected)
	}

	session, err := store.List(ctx, ListOptions{SessionID: "session-2"})
	if err != nil {
		t.Fatalf("list by session: %v", err)
	}
	if len(session) != 1 || session[0].RequestID != "req-3" {
		t.Fatalf("unexpected session list: %+v", session)
	}

	limited, err := store.List(ctx, ListOptions{Limit: 2})
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("expected 2 records, got %d", len(limited))
	}
}

func TestMemoryPlanStoreStats(t *testing.T) {
	store := NewMemoryPlanStore()
	ctx := context.Background()

	records := []*PlanRecord{
		sampleRecord("req-1", "plan_00000001", StatusNeedsOwnerSignature, 100),
		sampleRecord("req-2", "", StatusRejected, 200),
		sampleRecord("req-3", "", StatusBlockedByPolicy, 300),
		sampleRecord("req-4", "", StatusInternalError, 400),
	}
	for _, record := range records {
		if err := store.Save(ctx, record); err != nil {
			t.Fatalf("save %s: %v", record.RequestID, err)
		}
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 4 || stats.NeedsSignature != 1 || stats.Rejected != 1 || stats.Blocked != 1 || stats.InternalErrors != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.OldestCreatedAt != 100 || stats.NewestCreatedAt != 400 {
		t.Fatalf("unexpected timestamp range: %+v", stats)
	}
}
