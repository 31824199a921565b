package fulfillment_test

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/medvend/go-pfe/internal/domain/fulfillment"
	"github.com/medvend/go-pfe/internal/infrastructure/memory"
)

// seedStore builds the scenario the rest of the suite works from: patient 7
// holds pending prescription 10 with 20x Amoxicillin and 10x Ibuprofen.
// VM-01 stocks both, VM-02 stocks only Amoxicillin and not enough of it.
func seedStore() *memory.Store {
	store := memory.NewStore()
	store.SeedMedicine(fulfillment.Medicine{ID: 1, Name: "Amoxicillin", PriceCents: 250, RefStockQuantity: 100})
	store.SeedMedicine(fulfillment.Medicine{ID: 2, Name: "Ibuprofen", PriceCents: 400, RefStockQuantity: 50})
	store.SeedPrescription(
		fulfillment.Prescription{
			ID: 10, DoctorID: 3, PatientID: 7,
			Status:       fulfillment.PrescriptionPending,
			PrescribedAt: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
		},
		fulfillment.PrescriptionItem{ID: 1, PrescriptionID: 10, MedicineID: 1, Quantity: 20},
		fulfillment.PrescriptionItem{ID: 2, PrescriptionID: 10, MedicineID: 2, Quantity: 10},
	)
	store.SeedMachine(fulfillment.VendingMachine{Code: "VM-01", Location: "Lobby"}, map[int64]int{1: 50, 2: 30})
	store.SeedMachine(fulfillment.VendingMachine{Code: "VM-02", Location: "Annex"}, map[int64]int{1: 15})
	return store
}

func TestResolvePartitionsItems(t *testing.T) {
	store := seedStore()
	resolver := fulfillment.NewResolver(store, fulfillment.DefaultPolicy(), nil, nil)

	avail, err := resolver.Resolve(context.Background(), 10)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	if avail.PrescriptionID != 10 || avail.PatientID != 7 {
		t.Errorf("unexpected header: %+v", avail)
	}
	if len(avail.Available) != 2 || len(avail.Unavailable) != 0 {
		t.Fatalf("got %d available / %d unavailable, want 2 / 0",
			len(avail.Available), len(avail.Unavailable))
	}

	// Amoxicillin x20: only VM-01 has 20 or more.
	first := avail.Available[0]
	if first.MedicineID != 1 || len(first.Machines) != 1 || first.Machines[0].Code != "VM-01" {
		t.Errorf("unexpected first item %+v", first)
	}
	if first.PriceCents != 250 || first.MedicineName != "Amoxicillin" {
		t.Errorf("catalog join missing on %+v", first)
	}
}

func TestResolveReportsUnavailable(t *testing.T) {
	store := seedStore()
	// A third item no machine stocks.
	store.SeedMedicine(fulfillment.Medicine{ID: 3, Name: "Insulin", PriceCents: 1200, RefStockQuantity: 40})
	store.SeedPrescription(
		fulfillment.Prescription{ID: 11, DoctorID: 3, PatientID: 7, Status: fulfillment.PrescriptionPending},
		fulfillment.PrescriptionItem{ID: 3, PrescriptionID: 11, MedicineID: 3, Quantity: 10},
		fulfillment.PrescriptionItem{ID: 4, PrescriptionID: 11, MedicineID: 1, Quantity: 10},
	)
	resolver := fulfillment.NewResolver(store, fulfillment.DefaultPolicy(), nil, nil)

	avail, err := resolver.Resolve(context.Background(), 11)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if len(avail.Available) != 1 || len(avail.Unavailable) != 1 {
		t.Fatalf("got %d available / %d unavailable, want 1 / 1",
			len(avail.Available), len(avail.Unavailable))
	}
	if avail.Unavailable[0].MedicineID != 3 {
		t.Errorf("wrong item unavailable: %+v", avail.Unavailable[0])
	}
	// Amoxicillin x10 fits both machines, ordered by code.
	machines := avail.Available[0].Machines
	if len(machines) != 2 || machines[0].Code != "VM-01" || machines[1].Code != "VM-02" {
		t.Errorf("unexpected machine order %+v", machines)
	}
}

func TestResolveDispensingUnitRule(t *testing.T) {
	store := seedStore()
	// Quantity 15 is stocked by VM-01 but violates the multiple-of-10 rule.
	store.SeedPrescription(
		fulfillment.Prescription{ID: 12, DoctorID: 3, PatientID: 7, Status: fulfillment.PrescriptionPending},
		fulfillment.PrescriptionItem{ID: 5, PrescriptionID: 12, MedicineID: 1, Quantity: 15},
	)
	resolver := fulfillment.NewResolver(store, fulfillment.DefaultPolicy(), nil, nil)

	avail, err := resolver.Resolve(context.Background(), 12)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if len(avail.Available) != 0 || len(avail.Unavailable) != 1 {
		t.Fatalf("got %d available / %d unavailable, want 0 / 1",
			len(avail.Available), len(avail.Unavailable))
	}
	if avail.Unavailable[0].Machines != nil {
		t.Errorf("unit-rule rejection must not leak machine candidates: %+v", avail.Unavailable[0])
	}
}

func TestResolveErrors(t *testing.T) {
	store := seedStore()
	resolver := fulfillment.NewResolver(store, fulfillment.DefaultPolicy(), nil, nil)

	if _, err := resolver.Resolve(context.Background(), 999); !fulfillment.IsKind(err, fulfillment.KindNotFound) {
		t.Errorf("missing prescription: got %v, want not_found", err)
	}

	store.SeedPrescription(fulfillment.Prescription{
		ID: 13, DoctorID: 3, PatientID: 7, Status: fulfillment.PrescriptionPurchased,
	})
	if _, err := resolver.Resolve(context.Background(), 13); !fulfillment.IsKind(err, fulfillment.KindInvalidState) {
		t.Errorf("purchased prescription: got %v, want invalid_state", err)
	}
}

func TestResolveIsReadOnlyAndRepeatable(t *testing.T) {
	store := seedStore()
	resolver := fulfillment.NewResolver(store, fulfillment.DefaultPolicy(), nil, nil)

	first, err := resolver.Resolve(context.Background(), 10)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	second, err := resolver.Resolve(context.Background(), 10)
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("resolutions differ with no intervening mutation:\n%+v\n%+v", first, second)
	}
	if got := store.InventoryLevel("VM-01", 1); got != 50 {
		t.Errorf("resolve mutated inventory: %d", got)
	}
}
