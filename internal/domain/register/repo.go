package register

import (
	"context"

	"github.com/google/uuid"
)

// EntryRepository owns the controlled_drug_entry table and the atomic write
// paths that pair an entry update with its ledger row. Multi-row writes
// commit in a single database transaction; a version mismatch on the entry
// surfaces as ErrStaleEntry.
type EntryRepository interface {
	// Create persists a new entry together with its initiating RECEIPT
	// transaction.
	Create(ctx context.Context, e *RegisterEntry, receipt *Transaction) error
	GetByID(ctx context.Context, id uuid.UUID) (*RegisterEntry, error)
	// ApplyTransaction appends t and moves the entry's balance and version
	// in one unit. e carries the expected version and the new stock.
	ApplyTransaction(ctx context.Context, e *RegisterEntry, t *Transaction) error
	// RecordReconciliation appends the zero-delta reconciliation transaction
	// and, when d is non-nil, persists the discrepancy and flags the entry.
	RecordReconciliation(ctx context.Context, e *RegisterEntry, t *Transaction, d *Discrepancy) error
	// ResolveDiscrepancy clears the entry's discrepancy flag, marks d
	// resolved, and appends the resolution transaction atomically.
	ResolveDiscrepancy(ctx context.Context, e *RegisterEntry, d *Discrepancy, t *Transaction) error
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
	List(ctx context.Context, f ListFilter, limit, offset int) ([]*RegisterEntry, int, error)
	Stats(ctx context.Context, expiryWindowDays, overdueDays int) (*Stats, error)
}

// TransactionRepository reads the append-only ledger. There is deliberately
// no update or delete.
type TransactionRepository interface {
	ListByEntry(ctx context.Context, entryID uuid.UUID, limit, offset int) ([]*Transaction, int, error)
}

type DiscrepancyRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Discrepancy, error)
	ListOpen(ctx context.Context, limit, offset int) ([]*Discrepancy, int, error)
}

// PrescriptionDirectory is the read-only collaborator consulted on
// administration: the prescription's medication must match the register
// entry's medication.
type PrescriptionDirectory interface {
	MedicationFor(ctx context.Context, prescriptionID uuid.UUID) (uuid.UUID, error)
}
