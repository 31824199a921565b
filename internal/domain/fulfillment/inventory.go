package fulfillment

import (
	"context"
	"encoding/json"
	"strconv"

	"go.uber.org/zap"
)

// Inventory is the machine-operations surface. Restocking is the only
// mutation besides checkout's decrement, and the two never share a code
// path: restock sets an absolute level, checkout only subtracts.
type Inventory struct {
	store  Store
	policy Policy
	logger *zap.Logger
}

// NewInventory creates the inventory operations service.
func NewInventory(store Store, policy Policy, logger *zap.Logger) *Inventory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Inventory{store: store, policy: policy, logger: logger}
}

// Restock sets the absolute stock level of one medicine at one machine,
// creating the row if the machine did not carry the medicine before. When
// the new level sits at or below the low-stock threshold an inventory.low
// event is recorded for the alerting consumers.
func (i *Inventory) Restock(ctx context.Context, machineCode string, medicineID int64, qty int) error {
	if machineCode == "" || medicineID <= 0 {
		return Errf(KindValidation, "machine and medicine are required")
	}
	if qty < 0 {
		return Errf(KindValidation, "stock level %d must not be negative", qty)
	}

	err := i.store.WithinTx(ctx, func(tx Tx) error {
		med, err := tx.MedicineByID(ctx, medicineID)
		if err != nil {
			return err
		}
		if err := tx.UpsertInventory(ctx, machineCode, medicineID, qty); err != nil {
			return err
		}

		threshold := med.RefStockQuantity * i.policy.LowStockPercent / 100
		if threshold > 0 && qty <= threshold {
			if err := tx.AppendOutbox(ctx, inventoryLowEvent(machineCode, med, qty)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return WrapTx(err)
	}

	i.logger.Info("machine restocked",
		zap.String("machine_code", machineCode),
		zap.Int64("medicine_id", medicineID),
		zap.Int("quantity", qty))
	return nil
}

func inventoryLowEvent(machineCode string, med *Medicine, qty int) *OutboxEvent {
	payload, _ := json.Marshal(struct {
		MachineCode  string `json:"machine_code"`
		MedicineID   int64  `json:"medicine_id"`
		MedicineName string `json:"medicine_name"`
		Quantity     int    `json:"quantity"`
	}{machineCode, med.ID, med.Name, qty})

	return &OutboxEvent{
		AggregateID:   machineCode,
		AggregateType: "machine_inventory",
		EventType:     EventInventoryLow,
		Topic:         TopicInventoryEvents,
		Key:           machineCode + ":" + strconv.FormatInt(med.ID, 10),
		Payload:       payload,
	}
}
