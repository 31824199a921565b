// Package postgres provides the PostgreSQL persistence layer: the engine's
// Store, startup migrations and the transactional outbox.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/medvend/go-pfe/internal/domain/fulfillment"
)

// Store implements fulfillment.Store over pgx.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

var _ fulfillment.Store = (*Store)(nil)

// NewStore creates a store over an existing pool.
func NewStore(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: pool, logger: logger}
}

func (s *Store) PrescriptionByID(ctx context.Context, id int64) (*fulfillment.Prescription, error) {
	return scanPrescription(s.pool.QueryRow(ctx, `
		SELECT prescription_id, doctor_id, patient_id, status, instructions, prescribed_at
		FROM prescriptions
		WHERE prescription_id = $1
	`, id), id)
}

func (s *Store) PrescriptionLines(ctx context.Context, prescriptionID int64) ([]fulfillment.PrescriptionLine, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT pi.item_id, pi.prescription_id, pi.medicine_id, pi.quantity, m.name, m.price_cents
		FROM prescription_items pi
		JOIN medicines m ON m.medicine_id = pi.medicine_id
		WHERE pi.prescription_id = $1
		ORDER BY pi.item_id
	`, prescriptionID)
	if err != nil {
		return nil, fmt.Errorf("query prescription lines: %w", err)
	}
	defer rows.Close()

	var lines []fulfillment.PrescriptionLine
	for rows.Next() {
		var l fulfillment.PrescriptionLine
		if err := rows.Scan(&l.ID, &l.PrescriptionID, &l.MedicineID, &l.Quantity, &l.MedicineName, &l.PriceCents); err != nil {
			return nil, fmt.Errorf("scan prescription line: %w", err)
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func (s *Store) MachinesWithStock(ctx context.Context, medicineID int64, minQty int) ([]fulfillment.MachineStock, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT vm.machine_code, vm.location, mi.quantity
		FROM machine_inventories mi
		JOIN vending_machines vm ON vm.machine_code = mi.machine_code
		WHERE mi.medicine_id = $1 AND mi.quantity >= $2
		ORDER BY vm.machine_code
	`, medicineID, minQty)
	if err != nil {
		return nil, fmt.Errorf("query machines with stock: %w", err)
	}
	defer rows.Close()

	var out []fulfillment.MachineStock
	for rows.Next() {
		var ms fulfillment.MachineStock
		if err := rows.Scan(&ms.Code, &ms.Location, &ms.Available); err != nil {
			return nil, fmt.Errorf("scan machine stock: %w", err)
		}
		out = append(out, ms)
	}
	return out, rows.Err()
}

func (s *Store) PurchaseByID(ctx context.Context, id int64) (*fulfillment.Purchase, error) {
	return scanPurchase(s.pool.QueryRow(ctx, purchaseSelect+`WHERE purchase_id = $1`, id), id)
}

func (s *Store) PurchaseItems(ctx context.Context, purchaseID int64) ([]fulfillment.PurchaseItem, error) {
	return queryPurchaseItems(ctx, s.pool, purchaseID)
}

func (s *Store) LegacyPurchaseItems(ctx context.Context, patientID, prescriptionID int64) ([]fulfillment.PurchaseItem, error) {
	return queryLegacyItems(ctx, s.pool, patientID, prescriptionID)
}

func (s *Store) PurchasesByPatient(ctx context.Context, patientID int64) ([]fulfillment.Purchase, error) {
	rows, err := s.pool.Query(ctx, purchaseSelect+`
		WHERE patient_id = $1
		ORDER BY created_at DESC, purchase_id DESC
	`, patientID)
	if err != nil {
		return nil, fmt.Errorf("query patient purchases: %w", err)
	}
	defer rows.Close()

	var out []fulfillment.Purchase
	for rows.Next() {
		p, err := scanPurchaseRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// WithinTx runs fn inside one database transaction. The deferred rollback
// is the single rollback point; no step carries its own compensation.
func (s *Store) WithinTx(ctx context.Context, fn func(tx fulfillment.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// pgTx implements fulfillment.Tx on a pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

var _ fulfillment.Tx = (*pgTx)(nil)

func (t *pgTx) PrescriptionForUpdate(ctx context.Context, id int64) (*fulfillment.Prescription, error) {
	return scanPrescription(t.tx.QueryRow(ctx, `
		SELECT prescription_id, doctor_id, patient_id, status, instructions, prescribed_at
		FROM prescriptions
		WHERE prescription_id = $1
		FOR UPDATE
	`, id), id)
}

func (t *pgTx) InventoryForUpdate(ctx context.Context, machineCode string, medicineID int64) (*fulfillment.MachineInventory, error) {
	inv := &fulfillment.MachineInventory{MachineCode: machineCode, MedicineID: medicineID}
	err := t.tx.QueryRow(ctx, `
		SELECT quantity
		FROM machine_inventories
		WHERE machine_code = $1 AND medicine_id = $2
		FOR UPDATE
	`, machineCode, medicineID).Scan(&inv.Available)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fulfillment.Errf(fulfillment.KindNotFound,
			"no inventory for medicine %d at machine %s", medicineID, machineCode)
	}
	if err != nil {
		return nil, fmt.Errorf("lock inventory row: %w", err)
	}
	return inv, nil
}

func (t *pgTx) DecrementInventory(ctx context.Context, machineCode string, medicineID int64, qty int) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE machine_inventories
		SET quantity = quantity - $3
		WHERE machine_code = $1 AND medicine_id = $2 AND quantity >= $3
	`, machineCode, medicineID, qty)
	if err != nil {
		return fmt.Errorf("decrement inventory: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Unreachable after the locked re-read unless another writer slipped in.
		return fulfillment.Errf(fulfillment.KindInsufficientStock,
			"medicine %d at machine %s: concurrent depletion", medicineID, machineCode)
	}
	return nil
}

func (t *pgTx) UpsertInventory(ctx context.Context, machineCode string, medicineID int64, qty int) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO machine_inventories (machine_code, medicine_id, quantity)
		VALUES ($1, $2, $3)
		ON CONFLICT (machine_code, medicine_id) DO UPDATE SET quantity = EXCLUDED.quantity
	`, machineCode, medicineID, qty)
	if err != nil {
		return fmt.Errorf("upsert inventory: %w", err)
	}
	return nil
}

func (t *pgTx) MedicineByID(ctx context.Context, id int64) (*fulfillment.Medicine, error) {
	m := &fulfillment.Medicine{}
	err := t.tx.QueryRow(ctx, `
		SELECT medicine_id, name, price_cents, stock_quantity
		FROM medicines
		WHERE medicine_id = $1
	`, id).Scan(&m.ID, &m.Name, &m.PriceCents, &m.RefStockQuantity)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fulfillment.Errf(fulfillment.KindNotFound, "medicine %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query medicine: %w", err)
	}
	return m, nil
}

func (t *pgTx) InsertPurchase(ctx context.Context, p *fulfillment.Purchase) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO purchases
			(patient_id, prescription_id, payment_method, payment_status, total_cents, state, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING purchase_id
	`, p.PatientID, p.PrescriptionID, p.PaymentMethod, p.PaymentStatus, p.TotalCents, int16(p.State), p.CreatedAt).
		Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("insert purchase: %w", err)
	}
	return nil
}

func (t *pgTx) InsertPurchaseItem(ctx context.Context, it *fulfillment.PurchaseItem) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO purchase_items
			(purchase_id, medicine_id, quantity, unit_cents, amount_cents, machine_code)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING item_id
	`, it.PurchaseID, it.MedicineID, it.Quantity, it.UnitCents, it.AmountCents, it.MachineCode).
		Scan(&it.ID)
	if err != nil {
		return fmt.Errorf("insert purchase item: %w", err)
	}
	return nil
}

func (t *pgTx) SetPurchaseTotal(ctx context.Context, purchaseID, totalCents int64) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE purchases SET total_cents = $2 WHERE purchase_id = $1
	`, purchaseID, totalCents)
	if err != nil {
		return fmt.Errorf("set purchase total: %w", err)
	}
	return nil
}

func (t *pgTx) MarkPrescriptionPurchased(ctx context.Context, prescriptionID int64) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE prescriptions
		SET status = $2
		WHERE prescription_id = $1 AND status = $3
	`, prescriptionID, fulfillment.PrescriptionPurchased, fulfillment.PrescriptionPending)
	if err != nil {
		return fmt.Errorf("mark prescription purchased: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fulfillment.Errf(fulfillment.KindInvalidState,
			"prescription %d is no longer pending", prescriptionID)
	}
	return nil
}

func (t *pgTx) PurchaseForUpdate(ctx context.Context, id int64) (*fulfillment.Purchase, error) {
	return scanPurchase(t.tx.QueryRow(ctx, purchaseSelect+`WHERE purchase_id = $1 FOR UPDATE`, id), id)
}

func (t *pgTx) PurchaseItems(ctx context.Context, purchaseID int64) ([]fulfillment.PurchaseItem, error) {
	return queryPurchaseItems(ctx, t.tx, purchaseID)
}

func (t *pgTx) LegacyPurchaseItems(ctx context.Context, patientID, prescriptionID int64) ([]fulfillment.PurchaseItem, error) {
	return queryLegacyItems(ctx, t.tx, patientID, prescriptionID)
}

func (t *pgTx) SetPurchaseToken(ctx context.Context, purchaseID int64, token string, expiresAt time.Time) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE purchases
		SET state = $2, qr_token = $3, qr_expires_at = $4
		WHERE purchase_id = $1
	`, purchaseID, int16(fulfillment.PurchaseTokenIssued), token, expiresAt)
	if err != nil {
		return fmt.Errorf("set purchase token: %w", err)
	}
	return nil
}

func (t *pgTx) AppendOutbox(ctx context.Context, e *fulfillment.OutboxEvent) error {
	return writeOutbox(ctx, t.tx, e)
}

// Scan helpers shared by pool and tx paths.

const purchaseSelect = `
	SELECT purchase_id, patient_id, prescription_id, payment_method, payment_status,
	       total_cents, state, qr_token, qr_expires_at, created_at
	FROM purchases
	`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPrescription(row rowScanner, id int64) (*fulfillment.Prescription, error) {
	p := &fulfillment.Prescription{}
	err := row.Scan(&p.ID, &p.DoctorID, &p.PatientID, &p.Status, &p.Instructions, &p.PrescribedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fulfillment.Errf(fulfillment.KindNotFound, "prescription %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("scan prescription: %w", err)
	}
	return p, nil
}

func scanPurchase(row rowScanner, id int64) (*fulfillment.Purchase, error) {
	p, err := scanPurchaseRow(row)
	if err != nil {
		if fulfillment.IsKind(err, fulfillment.KindNotFound) {
			return nil, fulfillment.Errf(fulfillment.KindNotFound, "purchase %d not found", id)
		}
		return nil, err
	}
	return p, nil
}

func scanPurchaseRow(row rowScanner) (*fulfillment.Purchase, error) {
	var (
		p         fulfillment.Purchase
		state     int16
		token     *string
		expiresAt *time.Time
	)
	err := row.Scan(&p.ID, &p.PatientID, &p.PrescriptionID, &p.PaymentMethod, &p.PaymentStatus,
		&p.TotalCents, &state, &token, &expiresAt, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fulfillment.Errf(fulfillment.KindNotFound, "purchase not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan purchase: %w", err)
	}
	p.State = fulfillment.PurchaseState(state)
	if token != nil {
		p.Token = *token
	}
	if expiresAt != nil {
		p.TokenExpiresAt = *expiresAt
	}
	return &p, nil
}

type rowQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryPurchaseItems(ctx context.Context, q rowQuerier, purchaseID int64) ([]fulfillment.PurchaseItem, error) {
	rows, err := q.Query(ctx, `
		SELECT pi.item_id, pi.purchase_id, pi.medicine_id, m.name, pi.quantity,
		       pi.unit_cents, pi.amount_cents, pi.machine_code
		FROM purchase_items pi
		JOIN medicines m ON m.medicine_id = pi.medicine_id
		WHERE pi.purchase_id = $1
		ORDER BY pi.item_id
	`, purchaseID)
	if err != nil {
		return nil, fmt.Errorf("query purchase items: %w", err)
	}
	defer rows.Close()

	var out []fulfillment.PurchaseItem
	for rows.Next() {
		var it fulfillment.PurchaseItem
		if err := rows.Scan(&it.ID, &it.PurchaseID, &it.MedicineID, &it.MedicineName,
			&it.Quantity, &it.UnitCents, &it.AmountCents, &it.MachineCode); err != nil {
			return nil, fmt.Errorf("scan purchase item: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func queryLegacyItems(ctx context.Context, q rowQuerier, patientID, prescriptionID int64) ([]fulfillment.PurchaseItem, error) {
	rows, err := q.Query(ctx, `
		SELECT ph.id, ph.medicine_id, m.name, ph.quantity, ph.amount_cents, ph.machine_code
		FROM purchase_history ph
		JOIN medicines m ON m.medicine_id = ph.medicine_id
		WHERE ph.patient_id = $1 AND ph.prescription_id = $2
		ORDER BY ph.id
	`, patientID, prescriptionID)
	if err != nil {
		return nil, fmt.Errorf("query legacy purchase history: %w", err)
	}
	defer rows.Close()

	var out []fulfillment.PurchaseItem
	for rows.Next() {
		var it fulfillment.PurchaseItem
		if err := rows.Scan(&it.ID, &it.MedicineID, &it.MedicineName,
			&it.Quantity, &it.AmountCents, &it.MachineCode); err != nil {
			return nil, fmt.Errorf("scan legacy item: %w", err)
		}
		if it.Quantity > 0 {
			it.UnitCents = it.AmountCents / int64(it.Quantity)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}
