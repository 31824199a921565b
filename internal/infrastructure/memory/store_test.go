package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/medvend/go-pfe/internal/domain/fulfillment"
)

func TestWithinTxRollsBackOnError(t *testing.T) {
	store := NewStore()
	store.SeedMedicine(fulfillment.Medicine{ID: 1, Name: "Amoxicillin", PriceCents: 250})
	store.SeedMachine(fulfillment.VendingMachine{Code: "VM-01"}, map[int64]int{1: 50})

	boom := errors.New("boom")
	err := store.WithinTx(context.Background(), func(tx fulfillment.Tx) error {
		if err := tx.DecrementInventory(context.Background(), "VM-01", 1, 10); err != nil {
			t.Fatalf("decrement failed: %v", err)
		}
		if err := tx.AppendOutbox(context.Background(), &fulfillment.OutboxEvent{EventType: "test"}); err != nil {
			t.Fatalf("append failed: %v", err)
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom", err)
	}

	if got := store.InventoryLevel("VM-01", 1); got != 50 {
		t.Errorf("stock = %d, want 50 after rollback", got)
	}
	if events := store.Outbox(); len(events) != 0 {
		t.Errorf("outbox not rolled back: %+v", events)
	}
}

func TestWithinTxCommits(t *testing.T) {
	store := NewStore()
	store.SeedMachine(fulfillment.VendingMachine{Code: "VM-01"}, map[int64]int{1: 50})

	err := store.WithinTx(context.Background(), func(tx fulfillment.Tx) error {
		return tx.DecrementInventory(context.Background(), "VM-01", 1, 10)
	})
	if err != nil {
		t.Fatalf("tx failed: %v", err)
	}
	if got := store.InventoryLevel("VM-01", 1); got != 40 {
		t.Errorf("stock = %d, want 40", got)
	}
}

func TestDecrementInventoryGuardsNegative(t *testing.T) {
	store := NewStore()
	store.SeedMachine(fulfillment.VendingMachine{Code: "VM-01"}, map[int64]int{1: 5})

	err := store.WithinTx(context.Background(), func(tx fulfillment.Tx) error {
		return tx.DecrementInventory(context.Background(), "VM-01", 1, 10)
	})
	if !fulfillment.IsKind(err, fulfillment.KindInsufficientStock) {
		t.Errorf("got %v, want insufficient_stock", err)
	}
	if got := store.InventoryLevel("VM-01", 1); got != 5 {
		t.Errorf("stock = %d, want 5", got)
	}
}
