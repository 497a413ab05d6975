package register

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/careledger/careledger/internal/platform/auditlog"
	"github.com/careledger/careledger/internal/platform/db"
)

// Reporting windows for the compliance stats aggregate.
const (
	expiryWindowDays          = 90
	reconciliationOverdueDays = 7
)

// Config carries the register's tunable policy values.
type Config struct {
	// Tolerance is the permitted reconciliation variance for schedule III-V
	// substances. Schedule I/II always use zero.
	Tolerance int
	// ReorderThreshold is the default low-stock threshold applied to entries
	// registered without one.
	ReorderThreshold int
}

type Service struct {
	entries       EntryRepository
	transactions  TransactionRepository
	discrepancies DiscrepancyRepository
	prescriptions PrescriptionDirectory
	verifier      *Verifier
	audit         auditlog.Recorder
	cfg           Config
	locks         entryLocks
}

func NewService(
	entries EntryRepository,
	transactions TransactionRepository,
	discrepancies DiscrepancyRepository,
	prescriptions PrescriptionDirectory,
	verifier *Verifier,
	audit auditlog.Recorder,
	cfg Config,
) *Service {
	if audit == nil {
		audit = auditlog.Nop{}
	}
	return &Service{
		entries:       entries,
		transactions:  transactions,
		discrepancies: discrepancies,
		prescriptions: prescriptions,
		verifier:      verifier,
		audit:         audit,
		cfg:           cfg,
	}
}

// Register creates a new register entry from a witnessed receipt of stock.
// The entry and its initiating RECEIPT transaction are written atomically.
func (s *Service) Register(ctx context.Context, recordedBy string, req *RegisterRequest) (*RegisterEntry, error) {
	if req.MedicationID == uuid.Nil {
		return nil, validationError(CodeMissingField, "medication_id is required")
	}
	if req.MedicationName == "" {
		return nil, validationError(CodeMissingField, "medication_name is required")
	}
	if req.BatchNumber == "" {
		return nil, validationError(CodeMissingField, "batch_number is required")
	}
	if !validSchedules[req.Schedule] {
		return nil, validationError(CodeNotControlledSubstance,
			fmt.Sprintf("schedule %q is not a controlled substance schedule", req.Schedule))
	}
	if req.ReceivedQuantity <= 0 {
		return nil, validationError(CodeInvalidQuantity, "received_quantity must be positive")
	}
	if req.ReceivedDate.IsZero() {
		req.ReceivedDate = time.Now().UTC()
	}
	if !req.ExpiryDate.After(req.ReceivedDate) {
		return nil, validationError(CodeInvalidDateRange, "expiry_date must be after received_date")
	}

	now := time.Now().UTC()
	if err := s.verifier.Verify(&req.PrimaryWitness, &req.SecondaryWitness, ActionContext{
		Action: ActionRegister,
		Now:    now,
	}); err != nil {
		return nil, err
	}

	threshold := req.ReorderThreshold
	if threshold <= 0 {
		threshold = s.cfg.ReorderThreshold
	}

	entry := &RegisterEntry{
		ID:               uuid.New(),
		MedicationID:     req.MedicationID,
		MedicationName:   req.MedicationName,
		Schedule:         req.Schedule,
		BatchNumber:      req.BatchNumber,
		ExpiryDate:       req.ExpiryDate,
		ReceivedDate:     req.ReceivedDate,
		SupplierName:     req.SupplierName,
		SupplierLicense:  req.SupplierLicense,
		StorageLocation:  req.StorageLocation,
		CurrentStock:     req.ReceivedQuantity,
		ReorderThreshold: threshold,
		IsActive:         true,
		Version:          1,
	}

	receipt := &Transaction{
		ID:               uuid.New(),
		EntryID:          entry.ID,
		Type:             TxReceipt,
		QuantityDelta:    req.ReceivedQuantity,
		BalanceAfter:     req.ReceivedQuantity,
		PrimaryWitness:   &req.PrimaryWitness,
		SecondaryWitness: &req.SecondaryWitness,
		OccurredAt:       req.ReceivedDate,
		RecordedBy:       recordedBy,
	}

	if err := s.entries.Create(ctx, entry, receipt); err != nil {
		return nil, fmt.Errorf("create register entry: %w", err)
	}

	s.recordAudit(ctx, entry, receipt)
	return entry, nil
}

// Administer appends a witnessed administration to the ledger, decrementing
// stock by the administered quantity.
func (s *Service) Administer(ctx context.Context, recordedBy string, entryID uuid.UUID, req *AdministerRequest) (*Transaction, error) {
	if req.ResidentID == uuid.Nil {
		return nil, validationError(CodeMissingField, "resident_id is required")
	}
	if req.PrescriptionID == uuid.Nil {
		return nil, validationError(CodeMissingField, "prescription_id is required")
	}
	if req.Quantity <= 0 {
		return nil, validationError(CodeInvalidQuantity, "quantity must be positive")
	}

	now := time.Now().UTC()
	if err := s.verifier.Verify(&req.PrimaryWitness, &req.SecondaryWitness, ActionContext{
		Action: ActionAdminister,
		Now:    now,
	}); err != nil {
		return nil, err
	}

	unlock := s.locks.acquire(entryID)
	defer unlock()

	entry, err := s.loadEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if err := s.checkMovable(entry); err != nil {
		return nil, err
	}
	if entry.CurrentStock-req.Quantity < 0 {
		return nil, conflictError(CodeInsufficientStock,
			fmt.Sprintf("cannot administer %d units; current stock is %d", req.Quantity, entry.CurrentStock))
	}

	medID, err := s.prescriptions.MedicationFor(ctx, req.PrescriptionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFoundError("prescription not found")
		}
		return nil, fmt.Errorf("look up prescription: %w", err)
	}
	if medID != entry.MedicationID {
		return nil, conflictError(CodeMedicationMismatch, "prescription medication does not match register entry")
	}

	occurredAt := req.AdministrationDate
	if occurredAt.IsZero() {
		occurredAt = now
	}

	resident := req.ResidentID
	prescription := req.PrescriptionID
	tx := &Transaction{
		ID:               uuid.New(),
		EntryID:          entry.ID,
		Type:             TxAdministration,
		QuantityDelta:    -req.Quantity,
		BalanceAfter:     entry.CurrentStock - req.Quantity,
		ResidentID:       &resident,
		PrescriptionID:   &prescription,
		Notes:            req.Notes,
		PrimaryWitness:   &req.PrimaryWitness,
		SecondaryWitness: &req.SecondaryWitness,
		OccurredAt:       occurredAt,
		RecordedBy:       recordedBy,
	}

	if err := s.apply(ctx, entry, tx); err != nil {
		return nil, err
	}

	s.recordAudit(ctx, entry, tx)
	return tx, nil
}

// Destroy appends a witnessed, supervisor-countersigned destruction to the
// ledger.
func (s *Service) Destroy(ctx context.Context, recordedBy string, entryID uuid.UUID, req *DestroyRequest) (*Transaction, error) {
	if req.Quantity <= 0 {
		return nil, validationError(CodeInvalidQuantity, "quantity must be positive")
	}
	if !validDestructionReasons[req.Reason] {
		return nil, validationError(CodeInvalidReason, fmt.Sprintf("invalid destruction reason %q", req.Reason))
	}

	now := time.Now().UTC()
	if err := s.verifier.Verify(&req.PrimaryWitness, &req.SecondaryWitness, ActionContext{
		Action:       ActionDestroy,
		Now:          now,
		SupervisorID: req.SupervisorID,
	}); err != nil {
		return nil, err
	}

	unlock := s.locks.acquire(entryID)
	defer unlock()

	entry, err := s.loadEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if err := s.checkMovable(entry); err != nil {
		return nil, err
	}
	if entry.CurrentStock-req.Quantity < 0 {
		return nil, conflictError(CodeInsufficientStock,
			fmt.Sprintf("cannot destroy %d units; current stock is %d", req.Quantity, entry.CurrentStock))
	}

	occurredAt := req.DestructionDate
	if occurredAt.IsZero() {
		occurredAt = now
	}

	reason := req.Reason
	supervisor := req.SupervisorID
	tx := &Transaction{
		ID:               uuid.New(),
		EntryID:          entry.ID,
		Type:             TxDestruction,
		QuantityDelta:    -req.Quantity,
		BalanceAfter:     entry.CurrentStock - req.Quantity,
		Reason:           &reason,
		SupervisorID:     &supervisor,
		Notes:            req.Notes,
		PrimaryWitness:   &req.PrimaryWitness,
		SecondaryWitness: &req.SecondaryWitness,
		OccurredAt:       occurredAt,
		RecordedBy:       recordedBy,
	}
	if req.Method != "" {
		m := req.Method
		tx.Method = &m
	}
	if req.Location != "" {
		l := req.Location
		tx.Location = &l
	}

	if err := s.apply(ctx, entry, tx); err != nil {
		return nil, err
	}

	s.recordAudit(ctx, entry, tx)
	return tx, nil
}

// Reconcile compares a physical count against the ledger balance. The
// balance itself is never corrected from the count; a variance beyond
// tolerance opens a discrepancy that blocks further movement.
func (s *Service) Reconcile(ctx context.Context, recordedBy string, entryID uuid.UUID, req *ReconcileRequest) (*ReconciliationResult, error) {
	if req.ActualStock < 0 {
		return nil, validationError(CodeInvalidQuantity, "actual_stock must not be negative")
	}
	if req.ReconciledBy == uuid.Nil || req.WitnessedBy == uuid.Nil {
		return nil, validationError(CodeMissingField, "reconciled_by and witnessed_by are required")
	}
	if req.ReconciledBy == req.WitnessedBy {
		return nil, conflictError(CodeSamePerson, "reconciliation must be witnessed by a second person")
	}

	unlock := s.locks.acquire(entryID)
	defer unlock()

	entry, err := s.loadEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if entry.HasOpenDiscrepancy {
		return nil, conflictError(CodeDiscrepancyBlock, "entry has an unresolved discrepancy")
	}

	expected := entry.CurrentStock
	variance := req.ActualStock - expected
	tolerance := s.cfg.Tolerance
	if zeroToleranceSchedule(entry.Schedule) {
		tolerance = 0
	}

	now := time.Now().UTC()
	v := variance
	tx := &Transaction{
		ID:            uuid.New(),
		EntryID:       entry.ID,
		Type:          TxReconciliation,
		QuantityDelta: 0,
		BalanceAfter:  expected,
		Variance:      &v,
		Notes:         req.Notes,
		OccurredAt:    now,
		RecordedBy:    recordedBy,
	}

	result := &ReconciliationResult{
		ExpectedStock: expected,
		ActualStock:   req.ActualStock,
		Variance:      variance,
		Tolerance:     tolerance,
		Transaction:   tx,
	}

	if abs(variance) > tolerance {
		disc := &Discrepancy{
			ID:            uuid.New(),
			EntryID:       entry.ID,
			ExpectedStock: expected,
			ActualStock:   req.ActualStock,
			Variance:      variance,
			ReconciledBy:  req.ReconciledBy,
			WitnessedBy:   req.WitnessedBy,
			Notes:         req.Notes,
			DetectedAt:    now,
		}
		entry.HasOpenDiscrepancy = true
		if err := s.entries.RecordReconciliation(ctx, entry, tx, disc); err != nil {
			return nil, s.mapRepoErr(err, "record reconciliation")
		}
		result.Status = ReconciliationDiscrepancy
		result.Discrepancy = disc
	} else {
		entry.LastReconciledAt = &now
		if err := s.entries.RecordReconciliation(ctx, entry, tx, nil); err != nil {
			return nil, s.mapRepoErr(err, "record reconciliation")
		}
		result.Status = ReconciliationMatched
	}

	s.recordAudit(ctx, entry, tx)
	return result, nil
}

// ResolveDiscrepancy clears an open discrepancy under supervisor
// countersignature and appends the resolution to the custody chain.
func (s *Service) ResolveDiscrepancy(ctx context.Context, resolvedBy string, entryID, discrepancyID uuid.UUID, req *ResolveDiscrepancyRequest) (*Transaction, error) {
	if req.SupervisorID == uuid.Nil {
		return nil, validationError(CodeSupervisorRequired, "discrepancy resolution requires a supervisor")
	}
	if req.SupervisorID.String() == resolvedBy {
		return nil, conflictError(CodeSupervisorRequired, "supervisor must be distinct from the resolver")
	}

	unlock := s.locks.acquire(entryID)
	defer unlock()

	var (
		entry *RegisterEntry
		tx    *Transaction
	)
	err := s.inTx(ctx, func(ctx context.Context) error {
		var err error
		entry, err = s.loadEntry(ctx, entryID)
		if err != nil {
			return err
		}

		disc, err := s.discrepancies.GetByID(ctx, discrepancyID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return notFoundError("discrepancy not found")
			}
			return fmt.Errorf("load discrepancy: %w", err)
		}
		if disc.EntryID != entry.ID {
			return validationError(CodeMissingField, "discrepancy does not belong to this register entry")
		}
		if disc.ResolvedAt != nil {
			return conflictError(CodeAlreadyResolved, "discrepancy is already resolved")
		}

		now := time.Now().UTC()
		disc.ResolvedAt = &now
		disc.ResolvedBy = &resolvedBy
		disc.ResolutionNotes = req.Notes

		supervisor := req.SupervisorID
		tx = &Transaction{
			ID:            uuid.New(),
			EntryID:       entry.ID,
			Type:          TxResolution,
			QuantityDelta: 0,
			BalanceAfter:  entry.CurrentStock,
			SupervisorID:  &supervisor,
			Notes:         req.Notes,
			OccurredAt:    now,
			RecordedBy:    resolvedBy,
		}

		entry.HasOpenDiscrepancy = false
		if err := s.entries.ResolveDiscrepancy(ctx, entry, disc, tx); err != nil {
			return s.mapRepoErr(err, "resolve discrepancy")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.recordAudit(ctx, entry, tx)
	return tx, nil
}

// -- Reads --

func (s *Service) GetEntry(ctx context.Context, id uuid.UUID) (*RegisterEntry, error) {
	return s.loadEntry(ctx, id)
}

func (s *Service) ListEntries(ctx context.Context, f ListFilter, limit, offset int) ([]*RegisterEntry, int, error) {
	return s.entries.List(ctx, f, limit, offset)
}

func (s *Service) ListTransactions(ctx context.Context, entryID uuid.UUID, limit, offset int) ([]*Transaction, int, error) {
	if _, err := s.loadEntry(ctx, entryID); err != nil {
		return nil, 0, err
	}
	return s.transactions.ListByEntry(ctx, entryID, limit, offset)
}

func (s *Service) ListOpenDiscrepancies(ctx context.Context, limit, offset int) ([]*Discrepancy, int, error) {
	return s.discrepancies.ListOpen(ctx, limit, offset)
}

func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	return s.entries.Stats(ctx, expiryWindowDays, reconciliationOverdueDays)
}

// -- Lifecycle --

func (s *Service) Deactivate(ctx context.Context, id uuid.UUID) error {
	if _, err := s.loadEntry(ctx, id); err != nil {
		return err
	}
	return s.entries.SetActive(ctx, id, false)
}

func (s *Service) Reactivate(ctx context.Context, id uuid.UUID) error {
	if _, err := s.loadEntry(ctx, id); err != nil {
		return err
	}
	return s.entries.SetActive(ctx, id, true)
}

// -- internals --

func (s *Service) loadEntry(ctx context.Context, id uuid.UUID) (*RegisterEntry, error) {
	entry, err := s.entries.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFoundError("register entry not found")
		}
		return nil, fmt.Errorf("load register entry: %w", err)
	}
	return entry, nil
}

// checkMovable enforces the movement preconditions shared by administration
// and destruction.
func (s *Service) checkMovable(entry *RegisterEntry) error {
	if !entry.IsActive {
		return conflictError(CodeEntryInactive, "register entry is deactivated")
	}
	if entry.HasOpenDiscrepancy {
		return conflictError(CodeDiscrepancyBlock, "entry has an unresolved discrepancy")
	}
	return nil
}

// inTx runs fn inside one database transaction when the request carries a
// tenant-scoped connection, so a multi-step mutation reads and writes a
// single snapshot. Without a connection fn runs directly; repository writes
// stay individually atomic either way.
func (s *Service) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if db.ConnFromContext(ctx) == nil || db.TxFromContext(ctx) != nil {
		return fn(ctx)
	}

	txCtx, tx, err := db.WithTx(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(txCtx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *Service) apply(ctx context.Context, entry *RegisterEntry, tx *Transaction) error {
	entry.CurrentStock = tx.BalanceAfter
	return s.mapRepoErr(s.entries.ApplyTransaction(ctx, entry, tx), "append transaction")
}

func (s *Service) mapRepoErr(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStaleEntry) {
		return retryableConflict("register entry was modified concurrently; reload and retry")
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (s *Service) recordAudit(ctx context.Context, entry *RegisterEntry, tx *Transaction) {
	ev := auditlog.Event{
		TenantID:      db.TenantFromContext(ctx),
		EntryID:       entry.ID.String(),
		TransactionID: tx.ID.String(),
		Type:          tx.Type,
		Quantity:      float64(tx.QuantityDelta),
		BalanceAfter:  float64(tx.BalanceAfter),
		PerformedBy:   tx.RecordedBy,
		OccurredAt:    tx.OccurredAt,
	}
	if tx.PrimaryWitness != nil && tx.SecondaryWitness != nil {
		ev.WitnessedBy = tx.PrimaryWitness.WitnessID.String() + "," + tx.SecondaryWitness.WitnessID.String()
	}
	if tx.ResidentID != nil {
		ev.ResidentID = tx.ResidentID.String()
	}
	if tx.Reason != nil {
		ev.Reason = *tx.Reason
	}
	s.audit.Record(ctx, ev)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
