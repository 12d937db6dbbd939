package application

import (
	"context"
	"fmt"
	"testing"
	"time"

	alarms "engineroom-monitor/internal/alarms/domain"
)

func TestPoolProcessesEveryEquipment(t *testing.T) {
	var rules []alarms.ThresholdRule
	for i := 0; i < 5; i++ {
		equipment := fmt.Sprintf("pump-%03d", i)
		rules = append(rules, tempRule("rule-"+equipment, equipment, 80, 0, alarms.SeverityMedium))
	}
	svc, store, _, _ := serviceForTest(t, rules)

	pool, err := NewEvaluatorPool(svc, 3, 8, nil)
	if err != nil {
		t.Fatalf("NewEvaluatorPool: %v", err)
	}
	ctx := context.Background()
	pool.Start(ctx)

	t0 := time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)
	events := 0
	for i := 0; i < 5; i++ {
		equipment := fmt.Sprintf("pump-%03d", i)
		for j := 0; j < 4; j++ {
			ts := t0.Add(time.Duration(j) * time.Minute)
			if err := pool.Submit(ctx, storedEvent(equipment, ts, 90+float64(j))); err != nil {
				t.Fatalf("Submit: %v", err)
			}
			events++
		}
	}
	pool.Stop()

	if got := store.createdCount(); got != events {
		t.Fatalf("created %d alarms, want %d", got, events)
	}
}

func TestPoolKeepsEquipmentOrdered(t *testing.T) {
	svc, store, _, _ := serviceForTest(t, []alarms.ThresholdRule{
		tempRule("rule-1", "me-001", 80, 60, alarms.SeverityHigh),
	})

	pool, err := NewEvaluatorPool(svc, 4, 8, nil)
	if err != nil {
		t.Fatalf("NewEvaluatorPool: %v", err)
	}
	ctx := context.Background()
	pool.Start(ctx)

	// Out of order these three readings would not satisfy the duration
	// gate exactly once; same-equipment routing keeps them sequential.
	t0 := time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)
	for i, value := range []float64{85, 86, 87} {
		ts := t0.Add(time.Duration(i) * 30 * time.Second)
		if err := pool.Submit(ctx, storedEvent("me-001", ts, value)); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	pool.Stop()

	if got := store.createdCount(); got != 1 {
		t.Fatalf("created %d alarms, want exactly 1 at the 60s gate", got)
	}
}

func TestPoolSubmitRequiresEquipment(t *testing.T) {
	svc, _, _, _ := serviceForTest(t, nil)
	pool, err := NewEvaluatorPool(svc, 2, 4, nil)
	if err != nil {
		t.Fatalf("NewEvaluatorPool: %v", err)
	}
	evt := storedEvent("", time.Now(), 90)
	if err := pool.Submit(context.Background(), evt); err == nil {
		t.Fatal("expected error for missing equipment id")
	}
}
