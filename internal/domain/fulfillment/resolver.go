package fulfillment

import (
	"context"

	"go.uber.org/zap"

	"github.com/medvend/go-pfe/pkg/workerpool"
)

// ResolvedItem is a prescription line together with the machines able to
// cover its quantity, ordered by machine code.
type ResolvedItem struct {
	ItemID       int64
	MedicineID   int64
	MedicineName string
	Quantity     int
	PriceCents   int64
	Machines     []MachineStock
}

// Availability partitions a prescription's items into those satisfiable by
// at least one machine and those that are not.
type Availability struct {
	PrescriptionID int64
	PatientID      int64
	Available      []ResolvedItem
	Unavailable    []ResolvedItem
}

// Resolver answers "which machines can dispense this prescription". It is
// read-only and its inventory reads are deliberately unlocked; checkout
// re-validates under row locks.
type Resolver struct {
	store  Store
	policy Policy
	pool   *workerpool.Pool
	logger *zap.Logger
}

// NewResolver creates a resolver. pool may be nil, in which case lookups
// run with a small default fan-out.
func NewResolver(store Store, policy Policy, pool *workerpool.Pool, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pool == nil {
		pool = workerpool.New(0, logger)
	}
	return &Resolver{store: store, policy: policy, pool: pool, logger: logger}
}

// Resolve partitions the prescription's items by availability. Fails with
// KindNotFound if the prescription does not exist and KindInvalidState if
// it is no longer pending. Repeated calls with no intervening mutation
// return an identical partition.
func (r *Resolver) Resolve(ctx context.Context, prescriptionID int64) (*Availability, error) {
	pres, err := r.store.PrescriptionByID(ctx, prescriptionID)
	if err != nil {
		return nil, err
	}
	if pres.Status != PrescriptionPending {
		return nil, Errf(KindInvalidState, "prescription %d is %s, not pending", prescriptionID, pres.Status)
	}

	lines, err := r.store.PrescriptionLines(ctx, prescriptionID)
	if err != nil {
		return nil, err
	}

	// Fan the per-item inventory lookups out, then reassemble in item order
	// so the partition is reproducible.
	candidates := make([][]MachineStock, len(lines))
	tasks := make([]workerpool.Task, len(lines))
	for i, line := range lines {
		i, line := i, line
		tasks[i] = func(ctx context.Context) error {
			machines, err := r.store.MachinesWithStock(ctx, line.MedicineID, line.Quantity)
			if err != nil {
				return err
			}
			candidates[i] = machines
			return nil
		}
	}
	if err := r.pool.Run(ctx, tasks); err != nil {
		return nil, err
	}

	out := &Availability{PrescriptionID: pres.ID, PatientID: pres.PatientID}
	for i, line := range lines {
		item := ResolvedItem{
			ItemID:       line.ID,
			MedicineID:   line.MedicineID,
			MedicineName: line.MedicineName,
			Quantity:     line.Quantity,
			PriceCents:   line.PriceCents,
			Machines:     candidates[i],
		}
		switch {
		case len(item.Machines) == 0:
			out.Unavailable = append(out.Unavailable, item)
		case !r.policy.QuantityDispensable(line.Quantity):
			// Stock exists but the quantity cannot leave a machine's
			// dispensing mechanism. Reclassified after the raw check, as
			// the legacy system did.
			item.Machines = nil
			out.Unavailable = append(out.Unavailable, item)
		default:
			out.Available = append(out.Available, item)
		}
	}

	r.logger.Debug("availability resolved",
		zap.Int64("prescription_id", prescriptionID),
		zap.Int("available", len(out.Available)),
		zap.Int("unavailable", len(out.Unavailable)))

	return out, nil
}
