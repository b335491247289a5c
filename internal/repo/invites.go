package repo

import (
	"context"
	"database/sql"

	"ballotline/internal/domain"
)

const inviteColumns = `id,instance_id,profile_id,profile_entity_type,role,COALESCE(email,''),invited_by,created_at,accepted_on`

func scanInvite(row scanner) (domain.Invite, error) {
	var (
		inv      domain.Invite
		accepted sql.NullString
	)
	err := row.Scan(&inv.ID, &inv.InstanceID, &inv.ProfileID, &inv.ProfileEntityType, &inv.Role, &inv.Email, &inv.InvitedBy, &inv.CreatedAt, &accepted)
	if err == sql.ErrNoRows {
		return inv, ErrNotFound
	}
	if accepted.Valid {
		inv.AcceptedOn = &accepted.String
	}
	return inv, err
}

func (r Repo) InsertInvite(ctx context.Context, tx *sql.Tx, inv domain.Invite) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO invites(id,instance_id,profile_id,profile_entity_type,role,email,invited_by,created_at,accepted_on) VALUES (?,?,?,?,?,?,?,?,?)`,
		inv.ID, inv.InstanceID, inv.ProfileID, inv.ProfileEntityType, inv.Role, nullable(inv.Email), inv.InvitedBy, inv.CreatedAt, nullableStringPtr(inv.AcceptedOn))
	return err
}

func (r Repo) GetInvite(ctx context.Context, tx *sql.Tx, id string) (domain.Invite, error) {
	return scanInvite(r.on(tx).QueryRowContext(ctx, `SELECT `+inviteColumns+` FROM invites WHERE id=?`, id))
}

func (r Repo) FindInvite(ctx context.Context, tx *sql.Tx, instanceID, profileID string) (domain.Invite, error) {
	return scanInvite(r.on(tx).QueryRowContext(ctx, `SELECT `+inviteColumns+` FROM invites WHERE instance_id=? AND profile_id=?`, instanceID, profileID))
}

// ListInvites lists an instance's invites. pending restricts to unaccepted ones.
func (r Repo) ListInvites(ctx context.Context, tx *sql.Tx, instanceID string, pending bool) ([]domain.Invite, error) {
	query := `SELECT ` + inviteColumns + ` FROM invites WHERE instance_id=?`
	if pending {
		query += ` AND accepted_on IS NULL`
	}
	query += ` ORDER BY created_at, id`
	rows, err := r.on(tx).QueryContext(ctx, query, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Invite
	for rows.Next() {
		inv, err := scanInvite(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, inv)
	}
	return res, rows.Err()
}

// MarkInviteAccepted sets accepted_on once; it reports whether this call set it.
func (r Repo) MarkInviteAccepted(ctx context.Context, tx *sql.Tx, id, acceptedOn string) (bool, error) {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE invites SET accepted_on=? WHERE id=? AND accepted_on IS NULL`, acceptedOn, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
