package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"ballotline/internal/config"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
	InstanceID string
}

func (e ForbiddenError) Error() string {
	if e.InstanceID == "" {
		return fmt.Sprintf("permission %s required", e.Permission)
	}
	return fmt.Sprintf("permission %s required on instance %s", e.Permission, e.InstanceID)
}

// Service provides RBAC helpers backed by SQL. Every method runs on tx when
// it is non-nil.
type Service struct {
	DB *sql.DB
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s Service) on(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return s.DB
}

func (s Service) EnsureActor(ctx context.Context, tx *sql.Tx, actorID string) error {
	if actorID == "" {
		return errors.New("actor_id required")
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.on(tx).ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, now)
	return err
}

func (s Service) ActorHasPermission(ctx context.Context, tx *sql.Tx, instanceID, actorID, perm string) (bool, error) {
	row := s.on(tx).QueryRowContext(ctx, `
SELECT 1 FROM instance_roles ir
JOIN role_permissions rp ON rp.role_id=ir.role_id
WHERE ir.instance_id=? AND ir.actor_id=? AND rp.permission_id=? LIMIT 1`,
		instanceID, actorID, perm)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// Require returns ForbiddenError unless actorID holds perm on the instance.
func (s Service) Require(ctx context.Context, tx *sql.Tx, instanceID, actorID, perm string) error {
	ok, err := s.ActorHasPermission(ctx, tx, instanceID, actorID, perm)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Permission: perm, InstanceID: instanceID}
	}
	return nil
}

func (s Service) ActorRoles(ctx context.Context, tx *sql.Tx, instanceID, actorID string) ([]string, error) {
	return s.strings(ctx, tx, `SELECT role_id FROM instance_roles WHERE instance_id=? AND actor_id=? ORDER BY role_id`, instanceID, actorID)
}

func (s Service) ActorPermissions(ctx context.Context, tx *sql.Tx, instanceID, actorID string) ([]string, error) {
	return s.strings(ctx, tx, `
SELECT DISTINCT rp.permission_id
FROM instance_roles ir
JOIN role_permissions rp ON rp.role_id=ir.role_id
WHERE ir.instance_id=? AND ir.actor_id=?
ORDER BY rp.permission_id`, instanceID, actorID)
}

func (s Service) strings(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]string, error) {
	rows, err := s.on(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// SeedRoles upserts the configured roles and their permissions. Permissions
// dropped from config are removed from the role.
func (s Service) SeedRoles(ctx context.Context, tx *sql.Tx, roles map[string]config.RBACRole) error {
	q := s.on(tx)
	ids := make([]string, 0, len(roles))
	for id := range roles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		role := roles[id]
		if _, err := q.ExecContext(ctx, `INSERT INTO roles(id, description) VALUES (?,?) ON CONFLICT(id) DO UPDATE SET description=excluded.description`, id, role.Description); err != nil {
			return fmt.Errorf("seed role %s: %w", id, err)
		}
		if _, err := q.ExecContext(ctx, `DELETE FROM role_permissions WHERE role_id=?`, id); err != nil {
			return fmt.Errorf("reset role %s: %w", id, err)
		}
		for _, perm := range role.Permissions {
			if _, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO permissions(id) VALUES (?)`, perm); err != nil {
				return fmt.Errorf("seed permission %s: %w", perm, err)
			}
			if _, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO role_permissions(role_id, permission_id) VALUES (?,?)`, id, perm); err != nil {
				return fmt.Errorf("grant %s to %s: %w", perm, id, err)
			}
		}
	}
	return nil
}
