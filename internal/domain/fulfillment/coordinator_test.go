package fulfillment_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/medvend/go-pfe/internal/domain/fulfillment"
	"github.com/medvend/go-pfe/internal/infrastructure/memory"
)

func checkoutRequest() *fulfillment.CheckoutRequest {
	return &fulfillment.CheckoutRequest{
		PrescriptionID: 10,
		PatientID:      7,
		Items: []fulfillment.CheckoutItem{
			{MedicineID: 1, Quantity: 20, MachineCode: "VM-01", PaymentMethod: "card"},
			{MedicineID: 2, Quantity: 10, MachineCode: "VM-01", PaymentMethod: "card"},
		},
	}
}

func TestCheckoutCommits(t *testing.T) {
	store := seedStore()
	coordinator := fulfillment.NewCoordinator(store, fulfillment.DefaultPolicy(), nil)

	result, err := coordinator.Checkout(context.Background(), checkoutRequest())
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	// 20 * 250 + 10 * 400.
	if result.Purchase.TotalCents != 9000 {
		t.Errorf("total = %d, want 9000", result.Purchase.TotalCents)
	}
	if result.Purchase.State != fulfillment.PurchaseCreated {
		t.Errorf("state = %v, want created", result.Purchase.State)
	}
	if result.Purchase.PaymentStatus != fulfillment.PaymentCompleted {
		t.Errorf("payment status = %q", result.Purchase.PaymentStatus)
	}
	if len(result.Items) != 2 {
		t.Fatalf("got %d items, want 2", len(result.Items))
	}

	// Item rows mirror the request and the catalog prices.
	var sum int64
	for _, it := range result.Items {
		if it.AmountCents != it.UnitCents*int64(it.Quantity) {
			t.Errorf("item math broken: %+v", it)
		}
		sum += it.AmountCents
	}
	if sum != result.Purchase.TotalCents {
		t.Errorf("items sum to %d, purchase says %d", sum, result.Purchase.TotalCents)
	}

	// Inventory decremented by exactly the purchased quantities.
	if got := store.InventoryLevel("VM-01", 1); got != 30 {
		t.Errorf("VM-01 med 1 stock = %d, want 30", got)
	}
	if got := store.InventoryLevel("VM-01", 2); got != 20 {
		t.Errorf("VM-01 med 2 stock = %d, want 20", got)
	}

	// Prescription consumed.
	pres, err := store.PrescriptionByID(context.Background(), 10)
	if err != nil {
		t.Fatalf("prescription read failed: %v", err)
	}
	if pres.Status != fulfillment.PrescriptionPurchased {
		t.Errorf("prescription status = %q, want purchased", pres.Status)
	}

	// One purchase.completed event in the same commit.
	events := store.Outbox()
	if len(events) != 1 || events[0].EventType != fulfillment.EventPurchaseCompleted {
		t.Errorf("unexpected outbox %+v", events)
	}
}

func TestCheckoutIsAtomicOnFailure(t *testing.T) {
	store := seedStore()
	coordinator := fulfillment.NewCoordinator(store, fulfillment.DefaultPolicy(), nil)

	// Second item asks VM-02 for Ibuprofen, which it does not stock. The
	// first item alone would have succeeded.
	req := checkoutRequest()
	req.Items[1].MachineCode = "VM-02"

	_, err := coordinator.Checkout(context.Background(), req)
	if !fulfillment.IsKind(err, fulfillment.KindInsufficientStock) {
		t.Fatalf("got %v, want insufficient_stock", err)
	}

	// Nothing moved: no partial decrements, no purchase rows, prescription
	// still pending, no events.
	if got := store.InventoryLevel("VM-01", 1); got != 50 {
		t.Errorf("VM-01 med 1 stock = %d, want 50 after rollback", got)
	}
	if _, err := store.PurchaseByID(context.Background(), 1); !fulfillment.IsKind(err, fulfillment.KindNotFound) {
		t.Errorf("purchase row survived rollback: %v", err)
	}
	pres, _ := store.PrescriptionByID(context.Background(), 10)
	if pres.Status != fulfillment.PrescriptionPending {
		t.Errorf("prescription status = %q, want pending", pres.Status)
	}
	if events := store.Outbox(); len(events) != 0 {
		t.Errorf("outbox not empty after rollback: %+v", events)
	}
}

func TestCheckoutInsufficientStock(t *testing.T) {
	store := seedStore()
	coordinator := fulfillment.NewCoordinator(store, fulfillment.DefaultPolicy(), nil)

	req := checkoutRequest()
	req.Items = []fulfillment.CheckoutItem{
		{MedicineID: 1, Quantity: 60, MachineCode: "VM-01", PaymentMethod: "card"},
	}
	_, err := coordinator.Checkout(context.Background(), req)
	if !fulfillment.IsKind(err, fulfillment.KindInsufficientStock) {
		t.Fatalf("got %v, want insufficient_stock", err)
	}
}

func TestCheckoutRejectsConsumedPrescription(t *testing.T) {
	store := seedStore()
	coordinator := fulfillment.NewCoordinator(store, fulfillment.DefaultPolicy(), nil)

	if _, err := coordinator.Checkout(context.Background(), checkoutRequest()); err != nil {
		t.Fatalf("first checkout failed: %v", err)
	}
	_, err := coordinator.Checkout(context.Background(), checkoutRequest())
	if !fulfillment.IsKind(err, fulfillment.KindInvalidState) {
		t.Errorf("second checkout: got %v, want invalid_state", err)
	}
}

func TestCheckoutOwnership(t *testing.T) {
	store := seedStore()
	coordinator := fulfillment.NewCoordinator(store, fulfillment.DefaultPolicy(), nil)

	req := checkoutRequest()
	req.PatientID = 8
	_, err := coordinator.Checkout(context.Background(), req)
	if !fulfillment.IsKind(err, fulfillment.KindNotFound) {
		t.Errorf("foreign prescription: got %v, want not_found", err)
	}
}

func TestCheckoutValidation(t *testing.T) {
	store := seedStore()
	coordinator := fulfillment.NewCoordinator(store, fulfillment.DefaultPolicy(), nil)

	cases := map[string]func(*fulfillment.CheckoutRequest){
		"empty items":        func(r *fulfillment.CheckoutRequest) { r.Items = nil },
		"zero quantity":      func(r *fulfillment.CheckoutRequest) { r.Items[0].Quantity = 0 },
		"negative quantity":  func(r *fulfillment.CheckoutRequest) { r.Items[0].Quantity = -10 },
		"unit rule":          func(r *fulfillment.CheckoutRequest) { r.Items[0].Quantity = 15 },
		"missing machine":    func(r *fulfillment.CheckoutRequest) { r.Items[0].MachineCode = "" },
		"missing medication": func(r *fulfillment.CheckoutRequest) { r.Items[0].MedicineID = 0 },
	}
	for name, mutate := range cases {
		req := checkoutRequest()
		mutate(req)
		if _, err := coordinator.Checkout(context.Background(), req); !fulfillment.IsKind(err, fulfillment.KindValidation) {
			t.Errorf("%s: got %v, want validation error", name, err)
		}
	}

	// Validation happens before any write.
	if got := store.InventoryLevel("VM-01", 1); got != 50 {
		t.Errorf("validation touched inventory: %d", got)
	}
}

func TestConcurrentCheckoutsNeverOversell(t *testing.T) {
	store := memory.NewStore()
	store.SeedMedicine(fulfillment.Medicine{ID: 1, Name: "Amoxicillin", PriceCents: 250, RefStockQuantity: 100})
	store.SeedMachine(fulfillment.VendingMachine{Code: "VM-01", Location: "Lobby"}, map[int64]int{1: 30})
	// Two patients, each with a pending prescription for 20 units. The
	// machine holds 30; only one checkout can commit.
	for i, patient := range []int64{7, 8} {
		id := int64(10 + i)
		store.SeedPrescription(
			fulfillment.Prescription{ID: id, DoctorID: 3, PatientID: patient, Status: fulfillment.PrescriptionPending},
			fulfillment.PrescriptionItem{ID: id * 10, PrescriptionID: id, MedicineID: 1, Quantity: 20},
		)
	}

	coordinator := fulfillment.NewCoordinator(store, fulfillment.DefaultPolicy(), nil)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = coordinator.Checkout(context.Background(), &fulfillment.CheckoutRequest{
				PrescriptionID: int64(10 + i),
				PatientID:      int64(7 + i),
				Items: []fulfillment.CheckoutItem{
					{MedicineID: 1, Quantity: 20, MachineCode: "VM-01", PaymentMethod: "card"},
				},
			})
		}(i)
	}
	wg.Wait()

	var failures int
	for _, err := range errs {
		if err != nil {
			if !fulfillment.IsKind(err, fulfillment.KindInsufficientStock) {
				t.Errorf("loser failed with %v, want insufficient_stock", err)
			}
			failures++
		}
	}
	if failures != 1 {
		t.Errorf("%d checkouts failed, want exactly 1", failures)
	}
	if got := store.InventoryLevel("VM-01", 1); got != 10 {
		t.Errorf("final stock = %d, want 10", got)
	}
}

func TestCheckoutTimestamps(t *testing.T) {
	store := seedStore()
	coordinator := fulfillment.NewCoordinator(store, fulfillment.DefaultPolicy(), nil)
	fixed := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	coordinator.SetNow(func() time.Time { return fixed })

	result, err := coordinator.Checkout(context.Background(), checkoutRequest())
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	if !result.Purchase.CreatedAt.Equal(fixed) {
		t.Errorf("created at = %v, want %v", result.Purchase.CreatedAt, fixed)
	}
}
