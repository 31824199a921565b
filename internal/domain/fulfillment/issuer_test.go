package fulfillment_test

import (
	"context"
	"testing"
	"time"

	"github.com/medvend/go-pfe/internal/domain/fulfillment"
)

func TestIssueToken(t *testing.T) {
	store := seedStore()
	coordinator := fulfillment.NewCoordinator(store, fulfillment.DefaultPolicy(), nil)
	issuer := fulfillment.NewIssuer(store, fulfillment.DefaultPolicy(), nil)

	base := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	issuer.SetNow(func() time.Time { return base })

	result, err := coordinator.Checkout(context.Background(), checkoutRequest())
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	issued, err := issuer.Issue(context.Background(), result.Purchase.ID)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if issued.Token != "Amoxicillin:20:Ibuprofen:10" {
		t.Errorf("token = %q", issued.Token)
	}
	if !issued.ExpiresAt.Equal(base.Add(fulfillment.TokenTTL)) {
		t.Errorf("expires at %v, want %v", issued.ExpiresAt, base.Add(fulfillment.TokenTTL))
	}

	// State transition and token persisted.
	p, err := store.PurchaseByID(context.Background(), result.Purchase.ID)
	if err != nil {
		t.Fatalf("purchase read failed: %v", err)
	}
	if p.State != fulfillment.PurchaseTokenIssued {
		t.Errorf("state = %v, want tokenIssued", p.State)
	}
	if p.Token != issued.Token {
		t.Errorf("persisted token %q differs from issued %q", p.Token, issued.Token)
	}

	// checkout + issuance = two events.
	events := store.Outbox()
	if len(events) != 2 || events[1].EventType != fulfillment.EventTokenIssued {
		t.Errorf("unexpected outbox %+v", events)
	}
}

func TestIssueRejectsWhileTokenOutstanding(t *testing.T) {
	store := seedStore()
	coordinator := fulfillment.NewCoordinator(store, fulfillment.DefaultPolicy(), nil)
	issuer := fulfillment.NewIssuer(store, fulfillment.DefaultPolicy(), nil)

	base := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	issuer.SetNow(func() time.Time { return base })

	result, err := coordinator.Checkout(context.Background(), checkoutRequest())
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	if _, err := issuer.Issue(context.Background(), result.Purchase.ID); err != nil {
		t.Fatalf("first issue failed: %v", err)
	}

	// Still inside the window.
	issuer.SetNow(func() time.Time { return base.Add(fulfillment.TokenTTL - time.Second) })
	if _, err := issuer.Issue(context.Background(), result.Purchase.ID); !fulfillment.IsKind(err, fulfillment.KindInvalidState) {
		t.Errorf("got %v, want invalid_state while token outstanding", err)
	}
}

func TestReissueAfterExpiry(t *testing.T) {
	store := seedStore()
	coordinator := fulfillment.NewCoordinator(store, fulfillment.DefaultPolicy(), nil)
	issuer := fulfillment.NewIssuer(store, fulfillment.DefaultPolicy(), nil)

	base := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	issuer.SetNow(func() time.Time { return base })

	result, err := coordinator.Checkout(context.Background(), checkoutRequest())
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	first, err := issuer.Issue(context.Background(), result.Purchase.ID)
	if err != nil {
		t.Fatalf("first issue failed: %v", err)
	}

	later := base.Add(fulfillment.TokenTTL + time.Minute)
	issuer.SetNow(func() time.Time { return later })

	second, err := issuer.Issue(context.Background(), result.Purchase.ID)
	if err != nil {
		t.Fatalf("re-issue failed: %v", err)
	}
	// Same item list, same encoding; only the window moves.
	if second.Token != first.Token {
		t.Errorf("re-issued token %q differs from %q", second.Token, first.Token)
	}
	if !second.ExpiresAt.Equal(later.Add(fulfillment.TokenTTL)) {
		t.Errorf("expires at %v, want %v", second.ExpiresAt, later.Add(fulfillment.TokenTTL))
	}
}

func TestIssueUnknownPurchase(t *testing.T) {
	store := seedStore()
	issuer := fulfillment.NewIssuer(store, fulfillment.DefaultPolicy(), nil)

	if _, err := issuer.Issue(context.Background(), 404); !fulfillment.IsKind(err, fulfillment.KindNotFound) {
		t.Errorf("got %v, want not_found", err)
	}
}

func TestIssueLegacyHistoryFallback(t *testing.T) {
	store := seedStore()
	// A migrated purchase: header row only, items live in purchase_history.
	store.SeedPurchase(fulfillment.Purchase{
		ID: 99, PatientID: 7, PrescriptionID: 10,
		PaymentMethod: "card", PaymentStatus: fulfillment.PaymentCompleted,
		TotalCents: 5000, State: fulfillment.PurchaseCreated,
		CreatedAt: time.Date(2024, 1, 5, 8, 0, 0, 0, time.UTC),
	})
	store.SeedLegacyItem(7, 10, fulfillment.PurchaseItem{
		MedicineID: 1, MedicineName: "Amoxicillin", Quantity: 20, AmountCents: 5000, MachineCode: "VM-01",
	})

	issuer := fulfillment.NewIssuer(store, fulfillment.DefaultPolicy(), nil)
	issued, err := issuer.Issue(context.Background(), 99)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if issued.Token != "Amoxicillin:20" {
		t.Errorf("token = %q", issued.Token)
	}
}

func TestValidateToken(t *testing.T) {
	store := seedStore()
	coordinator := fulfillment.NewCoordinator(store, fulfillment.DefaultPolicy(), nil)
	issuer := fulfillment.NewIssuer(store, fulfillment.DefaultPolicy(), nil)

	base := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	issuer.SetNow(func() time.Time { return base })

	result, err := coordinator.Checkout(context.Background(), checkoutRequest())
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	// Before issuance there is nothing to validate.
	if _, err := issuer.Validate(context.Background(), result.Purchase.ID, "whatever"); !fulfillment.IsKind(err, fulfillment.KindInvalidState) {
		t.Errorf("pre-issue validate: got %v, want invalid_state", err)
	}

	issued, err := issuer.Issue(context.Background(), result.Purchase.ID)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	items, err := issuer.Validate(context.Background(), result.Purchase.ID, issued.Token)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if len(items) != 2 || items[0].MedicineName != "Amoxicillin" || items[0].Quantity != 20 {
		t.Errorf("unexpected decoded items %+v", items)
	}

	if _, err := issuer.Validate(context.Background(), result.Purchase.ID, "Amoxicillin:99"); !fulfillment.IsKind(err, fulfillment.KindValidation) {
		t.Errorf("mismatched token: got %v, want validation error", err)
	}

	// Expiry is a lazy timestamp comparison; nothing sweeps the token, it
	// just stops validating.
	issuer.SetNow(func() time.Time { return base.Add(fulfillment.TokenTTL + time.Second) })
	if _, err := issuer.Validate(context.Background(), result.Purchase.ID, issued.Token); !fulfillment.IsKind(err, fulfillment.KindInvalidState) {
		t.Errorf("expired token: got %v, want invalid_state", err)
	}
	p, _ := store.PurchaseByID(context.Background(), result.Purchase.ID)
	if p.State != fulfillment.PurchaseTokenIssued || p.Token != issued.Token {
		t.Errorf("expiry mutated the purchase: %+v", p)
	}
}
