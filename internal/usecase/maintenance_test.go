package usecase

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMaintenanceService_PurgeUsesRetention(t *testing.T) {
	ledger := &stubLedger{stubCounterStore: newStubCounterStore("postgres"), purged: 4}
	svc := NewMaintenanceService(ledger, nil, 7*24*time.Hour).WithNow(func() time.Time { return decisionNow })

	result, err := svc.Purge(context.Background())
	if err != nil {
		t.Fatalf("Purge returned error: %v", err)
	}
	want := decisionNow.Add(-7 * 24 * time.Hour)
	if !ledger.purgeCutoff.Equal(want) || !result.Cutoff.Equal(want) {
		t.Fatalf("expected cutoff %v, got %v", want, ledger.purgeCutoff)
	}
	if result.Windows != 4 || result.Denials != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestMaintenanceService_ListWindows(t *testing.T) {
	ledger := &stubLedger{stubCounterStore: newStubCounterStore("postgres")}
	svc := NewMaintenanceService(ledger, nil, time.Hour).WithNow(func() time.Time { return decisionNow })

	if _, err := svc.ListWindows(context.Background(), " ", time.Time{}, 0); !errors.Is(err, ErrIdentifierRequired) {
		t.Fatalf("expected ErrIdentifierRequired, got %v", err)
	}

	if _, err := svc.ListWindows(context.Background(), "ip:203.0.113.7", time.Time{}, 5000); err != nil {
		t.Fatalf("ListWindows returned error: %v", err)
	}
	if !ledger.listSince.Equal(decisionNow.Add(-time.Hour)) {
		t.Fatalf("expected since to default to the retention start, got %v", ledger.listSince)
	}
	if ledger.listLimit != maxListLimit {
		t.Fatalf("expected limit to be clamped, got %d", ledger.listLimit)
	}
}
