package register

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/careledger/careledger/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// =========== RegisterEntry Repository ===========

type entryRepoPG struct{ pool *pgxpool.Pool }

func NewEntryRepoPG(pool *pgxpool.Pool) EntryRepository {
	return &entryRepoPG{pool: pool}
}

func (r *entryRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *entryRepoPG) begin(ctx context.Context) (pgx.Tx, error) {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx.Begin(ctx)
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c.Begin(ctx)
	}
	return r.pool.Begin(ctx)
}

const entryCols = `id, medication_id, medication_name, schedule, batch_number, expiry_date, received_date,
	supplier_name, supplier_license, storage_location, current_stock, reorder_threshold,
	last_reconciled_at, has_open_discrepancy, is_active, version, created_at, updated_at`

func scanEntry(row pgx.Row) (*RegisterEntry, error) {
	var e RegisterEntry
	err := row.Scan(&e.ID, &e.MedicationID, &e.MedicationName, &e.Schedule, &e.BatchNumber,
		&e.ExpiryDate, &e.ReceivedDate, &e.SupplierName, &e.SupplierLicense, &e.StorageLocation,
		&e.CurrentStock, &e.ReorderThreshold, &e.LastReconciledAt, &e.HasOpenDiscrepancy,
		&e.IsActive, &e.Version, &e.CreatedAt, &e.UpdatedAt)
	return &e, err
}

func (r *entryRepoPG) Create(ctx context.Context, e *RegisterEntry, receipt *Transaction) error {
	tx, err := r.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO controlled_drug_entry (id, medication_id, medication_name, schedule, batch_number,
			expiry_date, received_date, supplier_name, supplier_license, storage_location,
			current_stock, reorder_threshold, has_open_discrepancy, is_active, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		e.ID, e.MedicationID, e.MedicationName, e.Schedule, e.BatchNumber,
		e.ExpiryDate, e.ReceivedDate, e.SupplierName, e.SupplierLicense, e.StorageLocation,
		e.CurrentStock, e.ReorderThreshold, e.HasOpenDiscrepancy, e.IsActive, e.Version)
	if err != nil {
		return err
	}

	if err := insertTransaction(ctx, tx, receipt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *entryRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*RegisterEntry, error) {
	return scanEntry(r.conn(ctx).QueryRow(ctx,
		`SELECT `+entryCols+` FROM controlled_drug_entry WHERE id = $1`, id))
}

func (r *entryRepoPG) ApplyTransaction(ctx context.Context, e *RegisterEntry, t *Transaction) error {
	tx, err := r.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := insertTransaction(ctx, tx, t); err != nil {
		return err
	}
	if err := casUpdateEntry(ctx, tx, e, `current_stock = $2`, e.CurrentStock); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	e.Version++
	return nil
}

func (r *entryRepoPG) RecordReconciliation(ctx context.Context, e *RegisterEntry, t *Transaction, d *Discrepancy) error {
	tx, err := r.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := insertTransaction(ctx, tx, t); err != nil {
		return err
	}

	if d != nil {
		_, err = tx.Exec(ctx, `
			INSERT INTO cd_discrepancy (id, entry_id, expected_stock, actual_stock, variance,
				reconciled_by, witnessed_by, notes, detected_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			d.ID, d.EntryID, d.ExpectedStock, d.ActualStock, d.Variance,
			d.ReconciledBy, d.WitnessedBy, d.Notes, d.DetectedAt)
		if err != nil {
			return err
		}
		if err := casUpdateEntry(ctx, tx, e, `has_open_discrepancy = $2`, true); err != nil {
			return err
		}
	} else {
		if err := casUpdateEntry(ctx, tx, e, `last_reconciled_at = $2`, e.LastReconciledAt); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	e.Version++
	return nil
}

func (r *entryRepoPG) ResolveDiscrepancy(ctx context.Context, e *RegisterEntry, d *Discrepancy, t *Transaction) error {
	tx, err := r.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE cd_discrepancy SET resolved_at = $2, resolved_by = $3, resolution_notes = $4
		WHERE id = $1 AND resolved_at IS NULL`,
		d.ID, d.ResolvedAt, d.ResolvedBy, d.ResolutionNotes)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleEntry
	}

	if err := insertTransaction(ctx, tx, t); err != nil {
		return err
	}
	if err := casUpdateEntry(ctx, tx, e, `has_open_discrepancy = $2`, false); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	e.Version++
	return nil
}

func (r *entryRepoPG) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE controlled_drug_entry SET is_active = $2, version = version + 1, updated_at = NOW()
		WHERE id = $1`, id, active)
	return err
}

func (r *entryRepoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*RegisterEntry, int, error) {
	where, args := buildListFilter(f)

	var total int
	countSQL := `SELECT COUNT(*) FROM controlled_drug_entry` + where
	if err := r.conn(ctx).QueryRow(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	listSQL := `SELECT ` + entryCols + ` FROM controlled_drug_entry` + where +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	rows, err := r.conn(ctx).Query(ctx, listSQL, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*RegisterEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, e)
	}
	return items, total, rows.Err()
}

func buildListFilter(f ListFilter) (string, []interface{}) {
	var conds []string
	var args []interface{}

	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if !f.IncludeInactive {
		conds = append(conds, `is_active = TRUE`)
	}
	if f.Schedule != "" {
		add(`schedule = $%d`, f.Schedule)
	}
	if f.MedicationName != "" {
		add(`medication_name ILIKE $%d`, "%"+f.MedicationName+"%")
	}
	if f.BatchNumber != "" {
		add(`batch_number = $%d`, f.BatchNumber)
	}
	if f.StorageLocation != "" {
		add(`storage_location = $%d`, f.StorageLocation)
	}
	if f.LowStock {
		conds = append(conds, `current_stock <= reorder_threshold`)
	}
	if f.ExpiringWithinDays > 0 {
		add(`expiry_date <= NOW() + make_interval(days => $%d)`, f.ExpiringWithinDays)
	}
	if f.OpenDiscrepancy != nil {
		add(`has_open_discrepancy = $%d`, *f.OpenDiscrepancy)
	}
	if f.OverdueDays > 0 {
		add(`(last_reconciled_at IS NULL OR last_reconciled_at < NOW() - make_interval(days => $%d))`, f.OverdueDays)
	}

	if len(conds) == 0 {
		return "", args
	}
	return ` WHERE ` + strings.Join(conds, ` AND `), args
}

func (r *entryRepoPG) Stats(ctx context.Context, expiryWindowDays, overdueDays int) (*Stats, error) {
	st := &Stats{BySchedule: map[string]int{}}

	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE is_active),
			COUNT(*) FILTER (WHERE has_open_discrepancy),
			COUNT(*) FILTER (WHERE is_active AND expiry_date <= NOW() + make_interval(days => $1)),
			COUNT(*) FILTER (WHERE is_active AND current_stock <= reorder_threshold),
			COUNT(*) FILTER (WHERE is_active AND (last_reconciled_at IS NULL OR last_reconciled_at < NOW() - make_interval(days => $2)))
		FROM controlled_drug_entry`,
		expiryWindowDays, overdueDays).
		Scan(&st.TotalEntries, &st.ActiveEntries, &st.OpenDiscrepancies,
			&st.ExpiringSoon, &st.BelowReorderThreshold, &st.OverdueReconciliation)
	if err != nil {
		return nil, err
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT schedule, COUNT(*) FROM controlled_drug_entry WHERE is_active GROUP BY schedule`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var schedule string
		var n int
		if err := rows.Scan(&schedule, &n); err != nil {
			return nil, err
		}
		st.BySchedule[schedule] = n
	}
	return st, rows.Err()
}

// casUpdateEntry applies a single-column update guarded by the entry's
// optimistic version counter. Zero rows affected means a concurrent writer
// advanced the version first.
func casUpdateEntry(ctx context.Context, tx pgx.Tx, e *RegisterEntry, set string, val interface{}) error {
	tag, err := tx.Exec(ctx, `
		UPDATE controlled_drug_entry SET `+set+`, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $3`,
		e.ID, val, e.Version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleEntry
	}
	return nil
}

func insertTransaction(ctx context.Context, tx pgx.Tx, t *Transaction) error {
	primary, err := marshalWitness(t.PrimaryWitness)
	if err != nil {
		return err
	}
	secondary, err := marshalWitness(t.SecondaryWitness)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO cd_transaction (id, entry_id, type, quantity_delta, balance_after,
			resident_id, prescription_id, reason, method, location,
			primary_witness, secondary_witness, supervisor_id, variance, notes,
			occurred_at, recorded_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		t.ID, t.EntryID, t.Type, t.QuantityDelta, t.BalanceAfter,
		t.ResidentID, t.PrescriptionID, t.Reason, t.Method, t.Location,
		primary, secondary, t.SupervisorID, t.Variance, t.Notes,
		t.OccurredAt, t.RecordedBy)
	return err
}

func marshalWitness(w *Witness) ([]byte, error) {
	if w == nil {
		return nil, nil
	}
	return json.Marshal(w)
}

func unmarshalWitness(raw []byte) (*Witness, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var w Witness
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// =========== Transaction Repository ===========

type transactionRepoPG struct{ pool *pgxpool.Pool }

func NewTransactionRepoPG(pool *pgxpool.Pool) TransactionRepository {
	return &transactionRepoPG{pool: pool}
}

func (r *transactionRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const transactionCols = `id, entry_id, type, quantity_delta, balance_after, resident_id, prescription_id,
	reason, method, location, primary_witness, secondary_witness, supervisor_id, variance, notes,
	occurred_at, recorded_by, created_at`

func scanTransaction(row pgx.Row) (*Transaction, error) {
	var t Transaction
	var primary, secondary []byte
	err := row.Scan(&t.ID, &t.EntryID, &t.Type, &t.QuantityDelta, &t.BalanceAfter,
		&t.ResidentID, &t.PrescriptionID, &t.Reason, &t.Method, &t.Location,
		&primary, &secondary, &t.SupervisorID, &t.Variance, &t.Notes,
		&t.OccurredAt, &t.RecordedBy, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	if t.PrimaryWitness, err = unmarshalWitness(primary); err != nil {
		return nil, err
	}
	if t.SecondaryWitness, err = unmarshalWitness(secondary); err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *transactionRepoPG) ListByEntry(ctx context.Context, entryID uuid.UUID, limit, offset int) ([]*Transaction, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM cd_transaction WHERE entry_id = $1`, entryID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+transactionCols+` FROM cd_transaction
		WHERE entry_id = $1 ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`,
		entryID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, t)
	}
	return items, total, rows.Err()
}

// =========== Discrepancy Repository ===========

type discrepancyRepoPG struct{ pool *pgxpool.Pool }

func NewDiscrepancyRepoPG(pool *pgxpool.Pool) DiscrepancyRepository {
	return &discrepancyRepoPG{pool: pool}
}

func (r *discrepancyRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const discrepancyCols = `id, entry_id, expected_stock, actual_stock, variance, reconciled_by,
	witnessed_by, notes, detected_at, resolved_at, resolved_by, resolution_notes`

func scanDiscrepancy(row pgx.Row) (*Discrepancy, error) {
	var d Discrepancy
	err := row.Scan(&d.ID, &d.EntryID, &d.ExpectedStock, &d.ActualStock, &d.Variance,
		&d.ReconciledBy, &d.WitnessedBy, &d.Notes, &d.DetectedAt,
		&d.ResolvedAt, &d.ResolvedBy, &d.ResolutionNotes)
	return &d, err
}

func (r *discrepancyRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Discrepancy, error) {
	return scanDiscrepancy(r.conn(ctx).QueryRow(ctx,
		`SELECT `+discrepancyCols+` FROM cd_discrepancy WHERE id = $1`, id))
}

func (r *discrepancyRepoPG) ListOpen(ctx context.Context, limit, offset int) ([]*Discrepancy, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM cd_discrepancy WHERE resolved_at IS NULL`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+discrepancyCols+` FROM cd_discrepancy
		WHERE resolved_at IS NULL ORDER BY detected_at DESC LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Discrepancy
	for rows.Next() {
		d, err := scanDiscrepancy(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, d)
	}
	return items, total, rows.Err()
}

// =========== Prescription Directory ===========

type prescriptionDirectoryPG struct{ pool *pgxpool.Pool }

func NewPrescriptionDirectoryPG(pool *pgxpool.Pool) PrescriptionDirectory {
	return &prescriptionDirectoryPG{pool: pool}
}

func (r *prescriptionDirectoryPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *prescriptionDirectoryPG) MedicationFor(ctx context.Context, prescriptionID uuid.UUID) (uuid.UUID, error) {
	var medicationID uuid.UUID
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT medication_id FROM prescription WHERE id = $1`, prescriptionID).Scan(&medicationID)
	return medicationID, err
}
