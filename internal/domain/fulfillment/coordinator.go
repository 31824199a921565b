package fulfillment

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// CheckoutItem targets one medicine quantity at one machine.
type CheckoutItem struct {
	MedicineID    int64
	Quantity      int
	MachineCode   string
	PaymentMethod string
}

// CheckoutRequest is the coordinator's input, already authenticated: the
// caller's patient identity comes from the auth layer, not the body.
type CheckoutRequest struct {
	PrescriptionID int64
	PatientID      int64
	Items          []CheckoutItem
}

// CheckoutResult is the committed outcome. Items are in purchase-item order
// and feed the token issuer unchanged.
type CheckoutResult struct {
	Purchase *Purchase
	Items    []PurchaseItem
}

// Coordinator owns the engine's single multi-table write path. Everything
// it does happens inside one store transaction: stock re-validation under
// row locks, purchase and item inserts, inventory decrements, the
// prescription's pending -> purchased transition and the outbox record.
// Any failure rolls the whole unit back.
type Coordinator struct {
	store  Store
	policy Policy
	logger *zap.Logger
	now    func() time.Time
}

// NewCoordinator creates a checkout coordinator.
func NewCoordinator(store Store, policy Policy, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{store: store, policy: policy, logger: logger, now: time.Now}
}

func (c *Coordinator) validate(req *CheckoutRequest) error {
	if req.PrescriptionID <= 0 || req.PatientID <= 0 {
		return Errf(KindValidation, "prescription and patient are required")
	}
	if len(req.Items) == 0 {
		return Errf(KindValidation, "item list is empty")
	}
	for _, it := range req.Items {
		if it.MedicineID <= 0 || it.MachineCode == "" {
			return Errf(KindValidation, "item needs a medicine and a machine")
		}
		if it.Quantity <= 0 {
			return Errf(KindValidation, "quantity %d for medicine %d must be positive", it.Quantity, it.MedicineID)
		}
		if !c.policy.QuantityDispensable(it.Quantity) {
			return Errf(KindValidation, "quantity %d for medicine %d is not a multiple of the dispensing unit %d",
				it.Quantity, it.MedicineID, c.policy.DispenseUnit)
		}
	}
	return nil
}

// Checkout converts a pending prescription into a committed purchase. On
// success invariants hold immediately; on any error the database is exactly
// as it was before the call.
func (c *Coordinator) Checkout(ctx context.Context, req *CheckoutRequest) (*CheckoutResult, error) {
	if err := c.validate(req); err != nil {
		return nil, err
	}

	// Stable processing order doubles as lock order, so two checkouts
	// touching the same rows cannot deadlock.
	items := make([]CheckoutItem, len(req.Items))
	copy(items, req.Items)
	sort.Slice(items, func(i, j int) bool {
		if items[i].MachineCode != items[j].MachineCode {
			return items[i].MachineCode < items[j].MachineCode
		}
		return items[i].MedicineID < items[j].MedicineID
	})

	// The legacy clients send the method on every item; the first one is
	// the purchase's method of record.
	paymentMethod := items[0].PaymentMethod

	var result *CheckoutResult
	err := c.store.WithinTx(ctx, func(tx Tx) error {
		pres, err := tx.PrescriptionForUpdate(ctx, req.PrescriptionID)
		if err != nil {
			return err
		}
		if pres.PatientID != req.PatientID {
			return Errf(KindNotFound, "prescription %d not found for patient %d", req.PrescriptionID, req.PatientID)
		}
		if pres.Status != PrescriptionPending {
			return Errf(KindInvalidState, "prescription %d is %s, not pending", pres.ID, pres.Status)
		}

		purchase := &Purchase{
			PatientID:      req.PatientID,
			PrescriptionID: req.PrescriptionID,
			PaymentMethod:  paymentMethod,
			PaymentStatus:  PaymentCompleted,
			State:          PurchaseCreated,
			CreatedAt:      c.now().UTC(),
		}
		if err := tx.InsertPurchase(ctx, purchase); err != nil {
			return err
		}

		var (
			total     int64
			committed []PurchaseItem
		)
		for _, it := range items {
			inv, err := tx.InventoryForUpdate(ctx, it.MachineCode, it.MedicineID)
			if err != nil {
				if IsKind(err, KindNotFound) {
					return Errf(KindInsufficientStock,
						"medicine %d is not stocked at machine %s", it.MedicineID, it.MachineCode)
				}
				return err
			}
			if inv.Available < it.Quantity {
				return Errf(KindInsufficientStock,
					"medicine %d at machine %s: %d available, %d requested",
					it.MedicineID, it.MachineCode, inv.Available, it.Quantity)
			}

			med, err := tx.MedicineByID(ctx, it.MedicineID)
			if err != nil {
				return err
			}

			line := PurchaseItem{
				PurchaseID:   purchase.ID,
				MedicineID:   med.ID,
				MedicineName: med.Name,
				Quantity:     it.Quantity,
				UnitCents:    med.PriceCents,
				AmountCents:  med.PriceCents * int64(it.Quantity),
				MachineCode:  it.MachineCode,
			}
			if err := tx.InsertPurchaseItem(ctx, &line); err != nil {
				return err
			}
			if err := tx.DecrementInventory(ctx, it.MachineCode, it.MedicineID, it.Quantity); err != nil {
				return err
			}
			total += line.AmountCents
			committed = append(committed, line)
		}

		if err := tx.SetPurchaseTotal(ctx, purchase.ID, total); err != nil {
			return err
		}
		if err := tx.MarkPrescriptionPurchased(ctx, pres.ID); err != nil {
			return err
		}

		purchase.TotalCents = total
		if err := tx.AppendOutbox(ctx, purchaseCompletedEvent(purchase, committed)); err != nil {
			return err
		}

		result = &CheckoutResult{Purchase: purchase, Items: committed}
		return nil
	})
	if err != nil {
		return nil, WrapTx(err)
	}

	c.logger.Info("checkout committed",
		zap.Int64("purchase_id", result.Purchase.ID),
		zap.Int64("prescription_id", req.PrescriptionID),
		zap.Int64("patient_id", req.PatientID),
		zap.Int64("total_cents", result.Purchase.TotalCents),
		zap.Int("items", len(result.Items)))

	return result, nil
}

func purchaseCompletedEvent(p *Purchase, items []PurchaseItem) *OutboxEvent {
	type eventItem struct {
		MedicineID  int64  `json:"medicine_id"`
		Quantity    int    `json:"quantity"`
		AmountCents int64  `json:"amount_cents"`
		MachineCode string `json:"machine_code"`
	}
	payload := struct {
		PurchaseID     int64       `json:"purchase_id"`
		PatientID      int64       `json:"patient_id"`
		PrescriptionID int64       `json:"prescription_id"`
		TotalCents     int64       `json:"total_cents"`
		Items          []eventItem `json:"items"`
		CreatedAt      time.Time   `json:"created_at"`
	}{
		PurchaseID:     p.ID,
		PatientID:      p.PatientID,
		PrescriptionID: p.PrescriptionID,
		TotalCents:     p.TotalCents,
		CreatedAt:      p.CreatedAt,
	}
	for _, it := range items {
		payload.Items = append(payload.Items, eventItem{
			MedicineID:  it.MedicineID,
			Quantity:    it.Quantity,
			AmountCents: it.AmountCents,
			MachineCode: it.MachineCode,
		})
	}
	raw, _ := json.Marshal(payload)

	return &OutboxEvent{
		AggregateID:   strconv.FormatInt(p.ID, 10),
		AggregateType: "purchase",
		EventType:     EventPurchaseCompleted,
		Topic:         TopicPurchaseEvents,
		Key:           strconv.FormatInt(p.ID, 10),
		Payload:       raw,
	}
}
