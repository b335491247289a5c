package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"ballotline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a compare-and-swap update that matched no row.
	ErrConflict = errors.New("concurrent modification")
)

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// on returns tx when set, the pool otherwise. With a single pooled connection a
// caller holding a transaction must always pass it.
func (r Repo) on(tx *sql.Tx) Querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

const instanceColumns = `id,template_id,name,current_phase_id,phases_json,budget,COALESCE(categories_json,''),COALESCE(field_values_json,''),revision,completed_at,created_by,created_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanInstance(row scanner) (domain.Instance, error) {
	var (
		inst                      domain.Instance
		phasesJSON, catJSON, fvJS string
		budget                    sql.NullFloat64
		completed                 sql.NullString
	)
	err := row.Scan(&inst.ID, &inst.TemplateID, &inst.Name, &inst.CurrentPhaseID, &phasesJSON, &budget, &catJSON, &fvJS,
		&inst.Revision, &completed, &inst.CreatedBy, &inst.CreatedAt, &inst.UpdatedAt)
	if err == sql.ErrNoRows {
		return inst, ErrNotFound
	}
	if err != nil {
		return inst, err
	}
	if err := json.Unmarshal([]byte(phasesJSON), &inst.Phases); err != nil {
		return inst, fmt.Errorf("decode phases for instance %s: %w", inst.ID, err)
	}
	if catJSON != "" {
		if err := json.Unmarshal([]byte(catJSON), &inst.Categories); err != nil {
			return inst, fmt.Errorf("decode categories for instance %s: %w", inst.ID, err)
		}
	}
	if fvJS != "" {
		if err := json.Unmarshal([]byte(fvJS), &inst.FieldValues); err != nil {
			return inst, fmt.Errorf("decode field values for instance %s: %w", inst.ID, err)
		}
	}
	if budget.Valid {
		v := budget.Float64
		inst.Budget = &v
	}
	if completed.Valid {
		inst.CompletedAt = &completed.String
	}
	return inst, nil
}

type instanceRow struct {
	phases, categories, fieldValues any
}

func encodeInstance(inst domain.Instance) (instanceRow, error) {
	phases, err := json.Marshal(inst.Phases)
	if err != nil {
		return instanceRow{}, fmt.Errorf("encode phases: %w", err)
	}
	row := instanceRow{phases: string(phases)}
	if row.categories, err = marshalOptional(inst.Categories, len(inst.Categories) == 0); err != nil {
		return instanceRow{}, fmt.Errorf("encode categories: %w", err)
	}
	if row.fieldValues, err = marshalOptional(inst.FieldValues, len(inst.FieldValues) == 0); err != nil {
		return instanceRow{}, fmt.Errorf("encode field values: %w", err)
	}
	return row, nil
}

func (r Repo) InsertInstance(ctx context.Context, tx *sql.Tx, inst domain.Instance) error {
	row, err := encodeInstance(inst)
	if err != nil {
		return err
	}
	_, err = r.on(tx).ExecContext(ctx, `INSERT INTO instances(id,template_id,name,current_phase_id,current_phase_ends_at,phases_json,budget,categories_json,field_values_json,revision,completed_at,created_by,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		inst.ID, inst.TemplateID, inst.Name, inst.CurrentPhaseID, nullableStringPtr(inst.CurrentPhaseEndsAt()), row.phases,
		nullableFloat(inst.Budget), row.categories, row.fieldValues, inst.Revision, nullableStringPtr(inst.CompletedAt),
		inst.CreatedBy, inst.CreatedAt, inst.UpdatedAt)
	return err
}

func (r Repo) GetInstance(ctx context.Context, tx *sql.Tx, id string) (domain.Instance, error) {
	return scanInstance(r.on(tx).QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id=?`, id))
}

type InstanceFilters struct {
	TemplateID string
	// Open restricts to instances that have not completed their last phase.
	Open  bool
	Limit int
}

func (r Repo) ListInstances(ctx context.Context, f InstanceFilters) ([]domain.Instance, error) {
	var (
		where []string
		args  []any
	)
	if f.TemplateID != "" {
		where = append(where, "template_id=?")
		args = append(args, f.TemplateID)
	}
	if f.Open {
		where = append(where, "completed_at IS NULL")
	}
	query := `SELECT ` + instanceColumns + ` FROM instances`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	return r.queryInstances(ctx, r.DB, query, args...)
}

// ListExpiredInstances returns open instances whose current phase has a planned
// end at or before now. now must be an RFC3339 UTC timestamp.
func (r Repo) ListExpiredInstances(ctx context.Context, now string) ([]domain.Instance, error) {
	return r.queryInstances(ctx, r.DB, `SELECT `+instanceColumns+` FROM instances
WHERE completed_at IS NULL AND current_phase_ends_at IS NOT NULL AND current_phase_ends_at <= ?
ORDER BY current_phase_ends_at, id`, now)
}

func (r Repo) queryInstances(ctx context.Context, q Querier, query string, args ...any) ([]domain.Instance, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, inst)
	}
	return res, rows.Err()
}

// UpdateInstanceCAS writes inst only if the stored row still has the observed
// phase and revision. The stored revision becomes expectedRevision+1. It
// returns ErrConflict when the row moved on and ErrNotFound when it is gone.
func (r Repo) UpdateInstanceCAS(ctx context.Context, tx *sql.Tx, inst domain.Instance, expectedPhaseID string, expectedRevision int64) error {
	row, err := encodeInstance(inst)
	if err != nil {
		return err
	}
	q := r.on(tx)
	res, err := q.ExecContext(ctx, `UPDATE instances SET name=?,current_phase_id=?,current_phase_ends_at=?,phases_json=?,budget=?,categories_json=?,field_values_json=?,completed_at=?,updated_at=?,revision=revision+1
WHERE id=? AND current_phase_id=? AND revision=?`,
		inst.Name, inst.CurrentPhaseID, nullableStringPtr(inst.CurrentPhaseEndsAt()), row.phases, nullableFloat(inst.Budget),
		row.categories, row.fieldValues, nullableStringPtr(inst.CompletedAt), inst.UpdatedAt,
		inst.ID, expectedPhaseID, expectedRevision)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := q.QueryRowContext(ctx, `SELECT 1 FROM instances WHERE id=?`, inst.ID).Scan(&exists); err == sql.ErrNoRows {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func marshalOptional(v any, empty bool) (any, error) {
	if empty {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalStrings(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}
