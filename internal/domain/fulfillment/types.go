// Package fulfillment implements the prescription-fulfillment purchase
// engine: availability resolution, atomic checkout, redemption tokens and
// the purchase ledger.
package fulfillment

import "time"

// PrescriptionStatus is the closed set of prescription states.
type PrescriptionStatus string

const (
	PrescriptionPending   PrescriptionStatus = "pending"
	PrescriptionPurchased PrescriptionStatus = "purchased"
)

// Prescription is a doctor-authored order for a patient. Owned by the
// prescribing workflow; this engine only reads it and performs the single
// pending -> purchased transition during checkout.
type Prescription struct {
	ID           int64
	DoctorID     int64
	PatientID    int64
	Status       PrescriptionStatus
	Instructions string
	PrescribedAt time.Time
}

// PrescriptionItem is one medicine+quantity line. Immutable once created.
type PrescriptionItem struct {
	ID             int64
	PrescriptionID int64
	MedicineID     int64
	Quantity       int
}

// PrescriptionLine is a prescription item joined with its catalog entry,
// as returned to availability and checkout flows.
type PrescriptionLine struct {
	PrescriptionItem
	MedicineName string
	PriceCents   int64
}

// Medicine is the catalog read model. Pricing and naming are owned by the
// catalog service; this engine only looks them up.
type Medicine struct {
	ID         int64
	Name       string
	PriceCents int64
	// RefStockQuantity is the catalog's reference stock level, used by the
	// low-stock threshold policy.
	RefStockQuantity int
}

// VendingMachine is a physical dispensing unit.
type VendingMachine struct {
	Code     string
	Location string
}

// MachineInventory is the stock level of one medicine at one machine,
// unique per (machine, medicine) pair. Available never goes negative.
type MachineInventory struct {
	MachineCode string
	MedicineID  int64
	Available   int
}

// MachineStock is an inventory row joined with the machine's location,
// as listed for availability candidates.
type MachineStock struct {
	Code      string
	Location  string
	Available int
}

// PurchaseState is the closed set of purchase states. Persisted as the
// legacy integer codes (0=created, 1=tokenIssued).
type PurchaseState uint8

const (
	PurchaseCreated PurchaseState = iota
	PurchaseTokenIssued
)

func (s PurchaseState) String() string {
	switch s {
	case PurchaseCreated:
		return "created"
	case PurchaseTokenIssued:
		return "tokenIssued"
	default:
		return "unknown"
	}
}

// Purchase is a committed, paid checkout tied to a prescription. Created by
// the checkout coordinator; the token issuer later applies the single
// created -> tokenIssued transition. Otherwise append-only.
type Purchase struct {
	ID             int64
	PatientID      int64
	PrescriptionID int64
	PaymentMethod  string
	PaymentStatus  string
	TotalCents     int64
	State          PurchaseState
	Token          string
	TokenExpiresAt time.Time
	CreatedAt      time.Time
}

// TokenExpired reports whether the purchase's redemption token has lapsed
// at the given instant. Expiry is evaluated lazily; State still reads
// tokenIssued after the window closes.
func (p *Purchase) TokenExpired(now time.Time) bool {
	return p.State == PurchaseTokenIssued && !p.TokenExpiresAt.After(now)
}

// PurchaseItem is one medicine+quantity+machine allocation within a
// committed purchase. Never mutated.
type PurchaseItem struct {
	ID           int64
	PurchaseID   int64
	MedicineID   int64
	MedicineName string
	Quantity     int
	UnitCents    int64
	AmountCents  int64
	MachineCode  string
}

// PaymentCompleted is the ledger's payment status for committed checkouts.
// Payment capture itself is external; the engine records the outcome.
const PaymentCompleted = "completed"
