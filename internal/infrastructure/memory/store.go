// Package memory provides an in-memory Store for unit tests and local
// development. Transactions take a store-wide lock and roll back by
// restoring a snapshot, which models the database's all-or-nothing commit
// closely enough to exercise the engine's atomicity guarantees.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/medvend/go-pfe/internal/domain/fulfillment"
)

type invKey struct {
	machine  string
	medicine int64
}

type legacyRow struct {
	patientID      int64
	prescriptionID int64
	item           fulfillment.PurchaseItem
}

type state struct {
	prescriptions     map[int64]fulfillment.Prescription
	prescriptionItems []fulfillment.PrescriptionItem
	medicines         map[int64]fulfillment.Medicine
	machines          map[string]fulfillment.VendingMachine
	inventory         map[invKey]int
	purchases         map[int64]fulfillment.Purchase
	purchaseItems     []fulfillment.PurchaseItem
	legacy            []legacyRow
	outbox            []fulfillment.OutboxEvent

	nextPurchaseID     int64
	nextPurchaseItemID int64
}

func newState() *state {
	return &state{
		prescriptions:      make(map[int64]fulfillment.Prescription),
		medicines:          make(map[int64]fulfillment.Medicine),
		machines:           make(map[string]fulfillment.VendingMachine),
		inventory:          make(map[invKey]int),
		purchases:          make(map[int64]fulfillment.Purchase),
		nextPurchaseID:     1,
		nextPurchaseItemID: 1,
	}
}

func (s *state) clone() *state {
	cp := newState()
	for k, v := range s.prescriptions {
		cp.prescriptions[k] = v
	}
	cp.prescriptionItems = append([]fulfillment.PrescriptionItem(nil), s.prescriptionItems...)
	for k, v := range s.medicines {
		cp.medicines[k] = v
	}
	for k, v := range s.machines {
		cp.machines[k] = v
	}
	for k, v := range s.inventory {
		cp.inventory[k] = v
	}
	for k, v := range s.purchases {
		cp.purchases[k] = v
	}
	cp.purchaseItems = append([]fulfillment.PurchaseItem(nil), s.purchaseItems...)
	cp.legacy = append([]legacyRow(nil), s.legacy...)
	cp.outbox = append([]fulfillment.OutboxEvent(nil), s.outbox...)
	cp.nextPurchaseID = s.nextPurchaseID
	cp.nextPurchaseItemID = s.nextPurchaseItemID
	return cp
}

// Store is the in-memory fulfillment.Store.
type Store struct {
	mu   sync.RWMutex
	data *state
}

var _ fulfillment.Store = (*Store)(nil)

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{data: newState()}
}

// Seeding helpers.

// SeedPrescription inserts a prescription with its items.
func (s *Store) SeedPrescription(p fulfillment.Prescription, items ...fulfillment.PrescriptionItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.prescriptions[p.ID] = p
	s.data.prescriptionItems = append(s.data.prescriptionItems, items...)
}

// SeedMedicine inserts a catalog entry.
func (s *Store) SeedMedicine(m fulfillment.Medicine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.medicines[m.ID] = m
}

// SeedMachine inserts a machine and optional stock levels.
func (s *Store) SeedMachine(m fulfillment.VendingMachine, stock map[int64]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.machines[m.Code] = m
	for medicineID, qty := range stock {
		s.data.inventory[invKey{m.Code, medicineID}] = qty
	}
}

// SeedPurchase inserts a purchase row as migrated data would appear, with
// no item rows attached.
func (s *Store) SeedPurchase(p fulfillment.Purchase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID >= s.data.nextPurchaseID {
		s.data.nextPurchaseID = p.ID + 1
	}
	s.data.purchases[p.ID] = p
}

// SeedLegacyItem inserts a pre-migration purchase_history row.
func (s *Store) SeedLegacyItem(patientID, prescriptionID int64, item fulfillment.PurchaseItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.legacy = append(s.data.legacy, legacyRow{patientID, prescriptionID, item})
}

// Outbox returns the recorded outbox events, oldest first.
func (s *Store) Outbox() []fulfillment.OutboxEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]fulfillment.OutboxEvent(nil), s.data.outbox...)
}

// InventoryLevel returns the current stock of one medicine at one machine.
func (s *Store) InventoryLevel(machineCode string, medicineID int64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.inventory[invKey{machineCode, medicineID}]
}

// Read surface.

func (s *Store) PrescriptionByID(ctx context.Context, id int64) (*fulfillment.Prescription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.prescription(id)
}

func (s *Store) PrescriptionLines(ctx context.Context, prescriptionID int64) ([]fulfillment.PrescriptionLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.prescriptionLines(prescriptionID)
}

func (s *Store) MachinesWithStock(ctx context.Context, medicineID int64, minQty int) ([]fulfillment.MachineStock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []fulfillment.MachineStock
	for key, qty := range s.data.inventory {
		if key.medicine != medicineID || qty < minQty {
			continue
		}
		out = append(out, fulfillment.MachineStock{
			Code:      key.machine,
			Location:  s.data.machines[key.machine].Location,
			Available: qty,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (s *Store) PurchaseByID(ctx context.Context, id int64) (*fulfillment.Purchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.purchase(id)
}

func (s *Store) PurchaseItems(ctx context.Context, purchaseID int64) ([]fulfillment.PurchaseItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.itemsOf(purchaseID), nil
}

func (s *Store) LegacyPurchaseItems(ctx context.Context, patientID, prescriptionID int64) ([]fulfillment.PurchaseItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.legacyItems(patientID, prescriptionID), nil
}

func (s *Store) PurchasesByPatient(ctx context.Context, patientID int64) ([]fulfillment.Purchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []fulfillment.Purchase
	for _, p := range s.data.purchases {
		if p.PatientID == patientID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// WithinTx serializes writers on the store lock and restores a snapshot if
// fn fails, so a failed checkout leaves no trace.
func (s *Store) WithinTx(ctx context.Context, fn func(tx fulfillment.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.data.clone()
	if err := fn(&memTx{data: s.data}); err != nil {
		s.data = snapshot
		return err
	}
	return nil
}

// memTx operates on the live state under the store lock.
type memTx struct {
	data *state
}

var _ fulfillment.Tx = (*memTx)(nil)

func (t *memTx) PrescriptionForUpdate(ctx context.Context, id int64) (*fulfillment.Prescription, error) {
	return t.data.prescription(id)
}

func (t *memTx) InventoryForUpdate(ctx context.Context, machineCode string, medicineID int64) (*fulfillment.MachineInventory, error) {
	qty, ok := t.data.inventory[invKey{machineCode, medicineID}]
	if !ok {
		return nil, fulfillment.Errf(fulfillment.KindNotFound,
			"no inventory for medicine %d at machine %s", medicineID, machineCode)
	}
	return &fulfillment.MachineInventory{MachineCode: machineCode, MedicineID: medicineID, Available: qty}, nil
}

func (t *memTx) DecrementInventory(ctx context.Context, machineCode string, medicineID int64, qty int) error {
	key := invKey{machineCode, medicineID}
	have, ok := t.data.inventory[key]
	if !ok || have < qty {
		// Mirrors the database CHECK constraint; the coordinator's locked
		// re-read should have prevented this.
		return fulfillment.Errf(fulfillment.KindInsufficientStock,
			"medicine %d at machine %s: %d available, %d requested", medicineID, machineCode, have, qty)
	}
	t.data.inventory[key] = have - qty
	return nil
}

func (t *memTx) UpsertInventory(ctx context.Context, machineCode string, medicineID int64, qty int) error {
	t.data.inventory[invKey{machineCode, medicineID}] = qty
	return nil
}

func (t *memTx) MedicineByID(ctx context.Context, id int64) (*fulfillment.Medicine, error) {
	m, ok := t.data.medicines[id]
	if !ok {
		return nil, fulfillment.Errf(fulfillment.KindNotFound, "medicine %d not found", id)
	}
	return &m, nil
}

func (t *memTx) InsertPurchase(ctx context.Context, p *fulfillment.Purchase) error {
	p.ID = t.data.nextPurchaseID
	t.data.nextPurchaseID++
	t.data.purchases[p.ID] = *p
	return nil
}

func (t *memTx) InsertPurchaseItem(ctx context.Context, it *fulfillment.PurchaseItem) error {
	it.ID = t.data.nextPurchaseItemID
	t.data.nextPurchaseItemID++
	t.data.purchaseItems = append(t.data.purchaseItems, *it)
	return nil
}

func (t *memTx) SetPurchaseTotal(ctx context.Context, purchaseID, totalCents int64) error {
	p, err := t.data.purchase(purchaseID)
	if err != nil {
		return err
	}
	p.TotalCents = totalCents
	t.data.purchases[purchaseID] = *p
	return nil
}

func (t *memTx) MarkPrescriptionPurchased(ctx context.Context, prescriptionID int64) error {
	p, err := t.data.prescription(prescriptionID)
	if err != nil {
		return err
	}
	p.Status = fulfillment.PrescriptionPurchased
	t.data.prescriptions[prescriptionID] = *p
	return nil
}

func (t *memTx) PurchaseForUpdate(ctx context.Context, id int64) (*fulfillment.Purchase, error) {
	return t.data.purchase(id)
}

func (t *memTx) PurchaseItems(ctx context.Context, purchaseID int64) ([]fulfillment.PurchaseItem, error) {
	return t.data.itemsOf(purchaseID), nil
}

func (t *memTx) LegacyPurchaseItems(ctx context.Context, patientID, prescriptionID int64) ([]fulfillment.PurchaseItem, error) {
	return t.data.legacyItems(patientID, prescriptionID), nil
}

func (t *memTx) SetPurchaseToken(ctx context.Context, purchaseID int64, token string, expiresAt time.Time) error {
	p, err := t.data.purchase(purchaseID)
	if err != nil {
		return err
	}
	p.State = fulfillment.PurchaseTokenIssued
	p.Token = token
	p.TokenExpiresAt = expiresAt
	t.data.purchases[purchaseID] = *p
	return nil
}

func (t *memTx) AppendOutbox(ctx context.Context, e *fulfillment.OutboxEvent) error {
	t.data.outbox = append(t.data.outbox, *e)
	return nil
}

// Shared lookups.

func (s *state) prescription(id int64) (*fulfillment.Prescription, error) {
	p, ok := s.prescriptions[id]
	if !ok {
		return nil, fulfillment.Errf(fulfillment.KindNotFound, "prescription %d not found", id)
	}
	return &p, nil
}

func (s *state) purchase(id int64) (*fulfillment.Purchase, error) {
	p, ok := s.purchases[id]
	if !ok {
		return nil, fulfillment.Errf(fulfillment.KindNotFound, "purchase %d not found", id)
	}
	return &p, nil
}

func (s *state) prescriptionLines(prescriptionID int64) ([]fulfillment.PrescriptionLine, error) {
	var out []fulfillment.PrescriptionLine
	for _, it := range s.prescriptionItems {
		if it.PrescriptionID != prescriptionID {
			continue
		}
		med := s.medicines[it.MedicineID]
		out = append(out, fulfillment.PrescriptionLine{
			PrescriptionItem: it,
			MedicineName:     med.Name,
			PriceCents:       med.PriceCents,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *state) itemsOf(purchaseID int64) []fulfillment.PurchaseItem {
	var out []fulfillment.PurchaseItem
	for _, it := range s.purchaseItems {
		if it.PurchaseID == purchaseID {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *state) legacyItems(patientID, prescriptionID int64) []fulfillment.PurchaseItem {
	var out []fulfillment.PurchaseItem
	for _, row := range s.legacy {
		if row.patientID == patientID && row.prescriptionID == prescriptionID {
			out = append(out, row.item)
		}
	}
	return out
}
