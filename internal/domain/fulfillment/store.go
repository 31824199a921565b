package fulfillment

import (
	"context"
	"encoding/json"
	"time"
)

// Outbox event types appended by the engine and relayed to the broker.
const (
	EventPurchaseCompleted = "purchase.completed"
	EventTokenIssued       = "token.issued"
	EventInventoryLow      = "inventory.low"
)

// Broker topics the outbox relay publishes to.
const (
	TopicPurchaseEvents  = "purchase.events"
	TopicInventoryEvents = "inventory.events"
)

// OutboxEvent is a domain event recorded in the same transaction as the
// state change it describes. The relay publishes it after commit.
type OutboxEvent struct {
	AggregateID   string
	AggregateType string
	EventType     string
	Topic         string
	Key           string
	Payload       json.RawMessage
}

// Store is the engine's persistence contract. Reads outside a transaction
// are unlocked and may observe stale state; every multi-row write goes
// through WithinTx.
type Store interface {
	// PrescriptionByID returns KindNotFound if the prescription is missing.
	PrescriptionByID(ctx context.Context, id int64) (*Prescription, error)
	// PrescriptionLines returns the prescription's items joined with the
	// catalog, in item-ID order.
	PrescriptionLines(ctx context.Context, prescriptionID int64) ([]PrescriptionLine, error)
	// MachinesWithStock lists machines holding at least minQty of the
	// medicine, ordered by machine code for reproducible output.
	MachinesWithStock(ctx context.Context, medicineID int64, minQty int) ([]MachineStock, error)
	// PurchaseByID returns KindNotFound if the purchase is missing.
	PurchaseByID(ctx context.Context, id int64) (*Purchase, error)
	// PurchaseItems returns the purchase's items in item-ID order.
	PurchaseItems(ctx context.Context, purchaseID int64) ([]PurchaseItem, error)
	// LegacyPurchaseItems reads the pre-migration history table. Fallback
	// path only; new writes never touch it.
	LegacyPurchaseItems(ctx context.Context, patientID, prescriptionID int64) ([]PurchaseItem, error)
	// PurchasesByPatient lists the patient's purchases, newest first.
	PurchasesByPatient(ctx context.Context, patientID int64) ([]Purchase, error)

	// WithinTx runs fn inside a single transaction. Any error from fn rolls
	// everything back; a commit failure surfaces as KindTransactionFailure.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the transactional write surface. ForUpdate reads take row locks so
// concurrent checkouts against the same rows serialize.
type Tx interface {
	PrescriptionForUpdate(ctx context.Context, id int64) (*Prescription, error)
	InventoryForUpdate(ctx context.Context, machineCode string, medicineID int64) (*MachineInventory, error)
	DecrementInventory(ctx context.Context, machineCode string, medicineID int64, qty int) error
	UpsertInventory(ctx context.Context, machineCode string, medicineID int64, qty int) error
	MedicineByID(ctx context.Context, id int64) (*Medicine, error)
	InsertPurchase(ctx context.Context, p *Purchase) error
	InsertPurchaseItem(ctx context.Context, it *PurchaseItem) error
	SetPurchaseTotal(ctx context.Context, purchaseID, totalCents int64) error
	MarkPrescriptionPurchased(ctx context.Context, prescriptionID int64) error
	PurchaseForUpdate(ctx context.Context, id int64) (*Purchase, error)
	PurchaseItems(ctx context.Context, purchaseID int64) ([]PurchaseItem, error)
	LegacyPurchaseItems(ctx context.Context, patientID, prescriptionID int64) ([]PurchaseItem, error)
	SetPurchaseToken(ctx context.Context, purchaseID int64, token string, expiresAt time.Time) error
	AppendOutbox(ctx context.Context, e *OutboxEvent) error
}
