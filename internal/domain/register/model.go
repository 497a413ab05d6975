package register

import (
	"time"

	"github.com/google/uuid"
)

// Drug schedules under the misuse-of-drugs classification. Schedule I and II
// substances get zero reconciliation tolerance.
const (
	ScheduleI   = "I"
	ScheduleII  = "II"
	ScheduleIII = "III"
	ScheduleIV  = "IV"
	ScheduleV   = "V"
)

var validSchedules = map[string]bool{
	ScheduleI: true, ScheduleII: true, ScheduleIII: true, ScheduleIV: true, ScheduleV: true,
}

// zeroToleranceSchedule reports whether the schedule admits no reconciliation
// variance at all.
func zeroToleranceSchedule(schedule string) bool {
	return schedule == ScheduleI || schedule == ScheduleII
}

// Transaction types on the ledger.
const (
	TxReceipt        = "RECEIPT"
	TxAdministration = "ADMINISTRATION"
	TxDestruction    = "DESTRUCTION"
	TxReconciliation = "RECONCILIATION"
	TxResolution     = "RECONCILIATION_RESOLUTION"
)

var validDestructionReasons = map[string]bool{
	"expired": true, "damaged": true, "recalled": true,
	"patient_deceased": true, "discontinued": true, "other": true,
}

// Reconciliation outcomes.
const (
	ReconciliationMatched     = "MATCHED"
	ReconciliationDiscrepancy = "DISCREPANCY"
)

// RegisterEntry maps to the controlled_drug_entry table: the ledger head for
// one physical batch of a controlled drug. Version is an optimistic
// concurrency counter bumped on every mutation.
type RegisterEntry struct {
	ID                 uuid.UUID  `db:"id" json:"id"`
	MedicationID       uuid.UUID  `db:"medication_id" json:"medication_id"`
	MedicationName     string     `db:"medication_name" json:"medication_name"`
	Schedule           string     `db:"schedule" json:"schedule"`
	BatchNumber        string     `db:"batch_number" json:"batch_number"`
	ExpiryDate         time.Time  `db:"expiry_date" json:"expiry_date"`
	ReceivedDate       time.Time  `db:"received_date" json:"received_date"`
	SupplierName       string     `db:"supplier_name" json:"supplier_name"`
	SupplierLicense    string     `db:"supplier_license" json:"supplier_license"`
	StorageLocation    string     `db:"storage_location" json:"storage_location"`
	CurrentStock       int        `db:"current_stock" json:"current_stock"`
	ReorderThreshold   int        `db:"reorder_threshold" json:"reorder_threshold"`
	LastReconciledAt   *time.Time `db:"last_reconciled_at" json:"last_reconciled_at,omitempty"`
	HasOpenDiscrepancy bool       `db:"has_open_discrepancy" json:"has_open_discrepancy"`
	IsActive           bool       `db:"is_active" json:"is_active"`
	Version            int        `db:"version" json:"version"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at" json:"updated_at"`
}

// Witness is the verified identity of one of the two people present for a
// stock-changing action. Not persisted standalone; embedded in the
// transaction it authorizes.
type Witness struct {
	WitnessID   uuid.UUID `json:"witness_id"`
	WitnessName string    `json:"witness_name"`
	WitnessRole string    `json:"witness_role"`
	Signature   string    `json:"signature"`
	Biometric   *string   `json:"biometric,omitempty"`
	VerifiedAt  time.Time `json:"verified_at"`
	DeviceID    string    `json:"device_id,omitempty"`
	IPAddress   string    `json:"ip_address,omitempty"`
}

// Transaction maps to the cd_transaction table. Rows are append-only: once
// written they are never updated or deleted, and BalanceAfter chains off the
// previous transaction's BalanceAfter.
type Transaction struct {
	ID               uuid.UUID  `db:"id" json:"id"`
	EntryID          uuid.UUID  `db:"entry_id" json:"entry_id"`
	Type             string     `db:"type" json:"type"`
	QuantityDelta    int        `db:"quantity_delta" json:"quantity_delta"`
	BalanceAfter     int        `db:"balance_after" json:"balance_after"`
	ResidentID       *uuid.UUID `db:"resident_id" json:"resident_id,omitempty"`
	PrescriptionID   *uuid.UUID `db:"prescription_id" json:"prescription_id,omitempty"`
	Reason           *string    `db:"reason" json:"reason,omitempty"`
	Method           *string    `db:"method" json:"method,omitempty"`
	Location         *string    `db:"location" json:"location,omitempty"`
	PrimaryWitness   *Witness   `db:"primary_witness" json:"primary_witness,omitempty"`
	SecondaryWitness *Witness   `db:"secondary_witness" json:"secondary_witness,omitempty"`
	SupervisorID     *uuid.UUID `db:"supervisor_id" json:"supervisor_id,omitempty"`
	Variance         *int       `db:"variance" json:"variance,omitempty"`
	Notes            *string    `db:"notes" json:"notes,omitempty"`
	OccurredAt       time.Time  `db:"occurred_at" json:"occurred_at"`
	RecordedBy       string     `db:"recorded_by" json:"recorded_by"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
}

// Discrepancy maps to the cd_discrepancy table. Created when a reconciliation
// variance exceeds tolerance; open discrepancies block further stock movement
// on the entry.
type Discrepancy struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	EntryID         uuid.UUID  `db:"entry_id" json:"entry_id"`
	ExpectedStock   int        `db:"expected_stock" json:"expected_stock"`
	ActualStock     int        `db:"actual_stock" json:"actual_stock"`
	Variance        int        `db:"variance" json:"variance"`
	ReconciledBy    uuid.UUID  `db:"reconciled_by" json:"reconciled_by"`
	WitnessedBy     uuid.UUID  `db:"witnessed_by" json:"witnessed_by"`
	Notes           *string    `db:"notes" json:"notes,omitempty"`
	DetectedAt      time.Time  `db:"detected_at" json:"detected_at"`
	ResolvedAt      *time.Time `db:"resolved_at" json:"resolved_at,omitempty"`
	ResolvedBy      *string    `db:"resolved_by" json:"resolved_by,omitempty"`
	ResolutionNotes *string    `db:"resolution_notes" json:"resolution_notes,omitempty"`
}

// ReconciliationResult is the outcome of a physical count against the ledger
// balance. DISCREPANCY is a valid terminal state, not an error.
type ReconciliationResult struct {
	Status        string       `json:"status"`
	ExpectedStock int          `json:"expected_stock"`
	ActualStock   int          `json:"actual_stock"`
	Variance      int          `json:"variance"`
	Tolerance     int          `json:"tolerance"`
	Transaction   *Transaction `json:"transaction"`
	Discrepancy   *Discrepancy `json:"discrepancy,omitempty"`
}

// Stats is the compliance reporting aggregate.
type Stats struct {
	TotalEntries          int            `json:"total_entries"`
	ActiveEntries         int            `json:"active_entries"`
	BySchedule            map[string]int `json:"by_schedule"`
	OpenDiscrepancies     int            `json:"open_discrepancies"`
	ExpiringSoon          int            `json:"expiring_soon"`
	BelowReorderThreshold int            `json:"below_reorder_threshold"`
	OverdueReconciliation int            `json:"overdue_reconciliation"`
}

// ListFilter narrows register listings. Zero values mean "no filter".
type ListFilter struct {
	Schedule           string
	MedicationName     string
	BatchNumber        string
	StorageLocation    string
	LowStock           bool
	ExpiringWithinDays int
	OpenDiscrepancy    *bool
	OverdueDays        int
	IncludeInactive    bool
}

// -- Request payloads --

type RegisterRequest struct {
	MedicationID     uuid.UUID `json:"medication_id"`
	MedicationName   string    `json:"medication_name"`
	Schedule         string    `json:"schedule"`
	BatchNumber      string    `json:"batch_number"`
	ExpiryDate       time.Time `json:"expiry_date"`
	ReceivedDate     time.Time `json:"received_date"`
	ReceivedQuantity int       `json:"received_quantity"`
	SupplierName     string    `json:"supplier_name"`
	SupplierLicense  string    `json:"supplier_license"`
	StorageLocation  string    `json:"storage_location"`
	ReorderThreshold int       `json:"reorder_threshold"`
	PrimaryWitness   Witness   `json:"primary_witness"`
	SecondaryWitness Witness   `json:"secondary_witness"`
}

type AdministerRequest struct {
	ResidentID         uuid.UUID `json:"resident_id"`
	PrescriptionID     uuid.UUID `json:"prescription_id"`
	Quantity           int       `json:"quantity"`
	AdministrationDate time.Time `json:"administration_date"`
	Notes              *string   `json:"notes,omitempty"`
	PrimaryWitness     Witness   `json:"primary_witness"`
	SecondaryWitness   Witness   `json:"secondary_witness"`
}

type DestroyRequest struct {
	Quantity         int       `json:"quantity"`
	Reason           string    `json:"reason"`
	Method           string    `json:"method"`
	Location         string    `json:"location"`
	DestructionDate  time.Time `json:"destruction_date"`
	SupervisorID     uuid.UUID `json:"supervisor_id"`
	Notes            *string   `json:"notes,omitempty"`
	PrimaryWitness   Witness   `json:"primary_witness"`
	SecondaryWitness Witness   `json:"secondary_witness"`
}

type ReconcileRequest struct {
	ActualStock  int       `json:"actual_stock"`
	ReconciledBy uuid.UUID `json:"reconciled_by"`
	WitnessedBy  uuid.UUID `json:"witnessed_by"`
	Notes        *string   `json:"notes,omitempty"`
}

type ResolveDiscrepancyRequest struct {
	SupervisorID uuid.UUID `json:"supervisor_id"`
	Notes        *string   `json:"notes,omitempty"`
}
