package fulfillment

import (
	"context"

	"go.uber.org/zap"
)

// PurchaseRecord is a ledger entry: the purchase header plus its items.
type PurchaseRecord struct {
	Purchase Purchase
	Items    []PurchaseItem
}

// Ledger is the read surface over the append-only purchase record.
type Ledger struct {
	store  Store
	policy Policy
	logger *zap.Logger
}

// NewLedger creates a ledger reader.
func NewLedger(store Store, policy Policy, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{store: store, policy: policy, logger: logger}
}

// Purchase returns one purchase with its items. Purchases migrated from the
// old schema have no item rows; when the legacy fallback policy is on those
// are read from the purchase_history table instead.
func (l *Ledger) Purchase(ctx context.Context, purchaseID int64) (*PurchaseRecord, error) {
	p, err := l.store.PurchaseByID(ctx, purchaseID)
	if err != nil {
		return nil, err
	}
	items, err := l.itemsFor(ctx, p)
	if err != nil {
		return nil, err
	}
	return &PurchaseRecord{Purchase: *p, Items: items}, nil
}

// PatientPurchases returns the patient's purchase history, newest first.
func (l *Ledger) PatientPurchases(ctx context.Context, patientID int64) ([]PurchaseRecord, error) {
	purchases, err := l.store.PurchasesByPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	records := make([]PurchaseRecord, 0, len(purchases))
	for idx := range purchases {
		items, err := l.itemsFor(ctx, &purchases[idx])
		if err != nil {
			return nil, err
		}
		records = append(records, PurchaseRecord{Purchase: purchases[idx], Items: items})
	}
	return records, nil
}

func (l *Ledger) itemsFor(ctx context.Context, p *Purchase) ([]PurchaseItem, error) {
	items, err := l.store.PurchaseItems(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 && l.policy.LegacyHistoryFallback {
		items, err = l.store.LegacyPurchaseItems(ctx, p.PatientID, p.PrescriptionID)
		if err != nil {
			return nil, err
		}
		if len(items) > 0 {
			l.logger.Debug("served items from legacy history",
				zap.Int64("purchase_id", p.ID))
		}
	}
	return items, nil
}
