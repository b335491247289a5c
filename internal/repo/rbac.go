package repo

import (
	"context"
	"database/sql"

	"ballotline/internal/domain"
)

// AssignRole grants roleID on the instance. Granting twice is a no-op.
func (r Repo) AssignRole(ctx context.Context, tx *sql.Tx, instanceID, actorID, roleID string) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT OR IGNORE INTO instance_roles(instance_id, actor_id, role_id) VALUES (?,?,?)`, instanceID, actorID, roleID)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, tx *sql.Tx, instanceID, actorID, roleID string) error {
	_, err := r.on(tx).ExecContext(ctx, `DELETE FROM instance_roles WHERE instance_id=? AND actor_id=? AND role_id=?`, instanceID, actorID, roleID)
	return err
}

func (r Repo) ListRoleAssignments(ctx context.Context, tx *sql.Tx, instanceID string) ([]domain.RoleAssignment, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT instance_id, actor_id, role_id FROM instance_roles WHERE instance_id=? ORDER BY actor_id, role_id`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RoleAssignment
	for rows.Next() {
		var ra domain.RoleAssignment
		if err := rows.Scan(&ra.InstanceID, &ra.ProfileID, &ra.Role); err != nil {
			return nil, err
		}
		res = append(res, ra)
	}
	return res, rows.Err()
}
