package fulfillment_test

import (
	"context"
	"testing"
	"time"

	"github.com/medvend/go-pfe/internal/domain/fulfillment"
)

func TestLedgerPurchase(t *testing.T) {
	store := seedStore()
	coordinator := fulfillment.NewCoordinator(store, fulfillment.DefaultPolicy(), nil)
	ledger := fulfillment.NewLedger(store, fulfillment.DefaultPolicy(), nil)

	result, err := coordinator.Checkout(context.Background(), checkoutRequest())
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	rec, err := ledger.Purchase(context.Background(), result.Purchase.ID)
	if err != nil {
		t.Fatalf("ledger read failed: %v", err)
	}
	if rec.Purchase.TotalCents != 9000 || len(rec.Items) != 2 {
		t.Errorf("unexpected record %+v", rec)
	}

	if _, err := ledger.Purchase(context.Background(), 404); !fulfillment.IsKind(err, fulfillment.KindNotFound) {
		t.Errorf("missing purchase: got %v, want not_found", err)
	}
}

func TestLedgerLegacyFallback(t *testing.T) {
	store := seedStore()
	store.SeedPurchase(fulfillment.Purchase{
		ID: 99, PatientID: 7, PrescriptionID: 10,
		PaymentMethod: "cash", PaymentStatus: fulfillment.PaymentCompleted,
		TotalCents: 5000, State: fulfillment.PurchaseCreated,
		CreatedAt: time.Date(2024, 1, 5, 8, 0, 0, 0, time.UTC),
	})
	store.SeedLegacyItem(7, 10, fulfillment.PurchaseItem{
		MedicineID: 1, MedicineName: "Amoxicillin", Quantity: 20, AmountCents: 5000, MachineCode: "VM-01",
	})

	ledger := fulfillment.NewLedger(store, fulfillment.DefaultPolicy(), nil)
	rec, err := ledger.Purchase(context.Background(), 99)
	if err != nil {
		t.Fatalf("ledger read failed: %v", err)
	}
	if len(rec.Items) != 1 || rec.Items[0].MedicineName != "Amoxicillin" {
		t.Errorf("legacy items not served: %+v", rec.Items)
	}

	// With the fallback off, a migrated purchase simply has no items.
	policy := fulfillment.DefaultPolicy()
	policy.LegacyHistoryFallback = false
	strict := fulfillment.NewLedger(store, policy, nil)
	rec, err = strict.Purchase(context.Background(), 99)
	if err != nil {
		t.Fatalf("strict ledger read failed: %v", err)
	}
	if len(rec.Items) != 0 {
		t.Errorf("fallback ran while disabled: %+v", rec.Items)
	}
}

func TestLedgerPatientPurchasesNewestFirst(t *testing.T) {
	store := seedStore()
	store.SeedPurchase(fulfillment.Purchase{
		ID: 50, PatientID: 7, PrescriptionID: 10,
		PaymentMethod: "cash", PaymentStatus: fulfillment.PaymentCompleted,
		TotalCents: 100, State: fulfillment.PurchaseCreated,
		CreatedAt: time.Date(2024, 1, 5, 8, 0, 0, 0, time.UTC),
	})
	store.SeedPurchase(fulfillment.Purchase{
		ID: 51, PatientID: 7, PrescriptionID: 10,
		PaymentMethod: "card", PaymentStatus: fulfillment.PaymentCompleted,
		TotalCents: 200, State: fulfillment.PurchaseCreated,
		CreatedAt: time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC),
	})
	store.SeedPurchase(fulfillment.Purchase{
		ID: 52, PatientID: 8, PrescriptionID: 11,
		PaymentMethod: "card", PaymentStatus: fulfillment.PaymentCompleted,
		TotalCents: 300, State: fulfillment.PurchaseCreated,
		CreatedAt: time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC),
	})

	ledger := fulfillment.NewLedger(store, fulfillment.DefaultPolicy(), nil)
	records, err := ledger.PatientPurchases(context.Background(), 7)
	if err != nil {
		t.Fatalf("ledger read failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].Purchase.ID != 51 || records[1].Purchase.ID != 50 {
		t.Errorf("wrong order: %d, %d", records[0].Purchase.ID, records[1].Purchase.ID)
	}
}
