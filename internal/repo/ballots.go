package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"ballotline/internal/domain"
)

// UpsertBallot stores the member's selections for a phase, replacing any
// earlier ballot for the same (instance, phase, member).
func (r Repo) UpsertBallot(ctx context.Context, tx *sql.Tx, b domain.Ballot) error {
	ids, err := json.Marshal(b.ProposalIDs)
	if err != nil {
		return fmt.Errorf("encode selections: %w", err)
	}
	q := r.on(tx)
	if _, err := q.ExecContext(ctx, `INSERT INTO ballots(instance_id,phase_id,member_profile_id,proposal_ids_json,cast_at) VALUES (?,?,?,?,?)
ON CONFLICT(instance_id,phase_id,member_profile_id) DO UPDATE SET proposal_ids_json=excluded.proposal_ids_json, cast_at=excluded.cast_at`,
		b.InstanceID, b.PhaseID, b.MemberProfileID, string(ids), b.CastAt); err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM ballot_selections WHERE instance_id=? AND phase_id=? AND member_profile_id=?`,
		b.InstanceID, b.PhaseID, b.MemberProfileID); err != nil {
		return err
	}
	for _, pid := range b.ProposalIDs {
		if _, err := q.ExecContext(ctx, `INSERT INTO ballot_selections(instance_id,phase_id,member_profile_id,proposal_id) VALUES (?,?,?,?)`,
			b.InstanceID, b.PhaseID, b.MemberProfileID, pid); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) GetBallot(ctx context.Context, tx *sql.Tx, instanceID, phaseID, memberID string) (domain.Ballot, error) {
	var (
		b   domain.Ballot
		ids string
	)
	err := r.on(tx).QueryRowContext(ctx, `SELECT instance_id,phase_id,member_profile_id,proposal_ids_json,cast_at FROM ballots WHERE instance_id=? AND phase_id=? AND member_profile_id=?`,
		instanceID, phaseID, memberID).Scan(&b.InstanceID, &b.PhaseID, &b.MemberProfileID, &ids, &b.CastAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	if b.ProposalIDs, err = unmarshalStrings(ids); err != nil {
		return b, fmt.Errorf("decode ballot selections: %w", err)
	}
	return b, nil
}

func (r Repo) CountBallots(ctx context.Context, tx *sql.Tx, instanceID, phaseID string) (int, error) {
	var n int
	err := r.on(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM ballots WHERE instance_id=? AND phase_id=?`, instanceID, phaseID).Scan(&n)
	return n, err
}

// Tallies counts votes per proposal for a phase. Every proposal of the instance
// is listed, including those with no votes, ordered by votes then id.
func (r Repo) Tallies(ctx context.Context, tx *sql.Tx, instanceID, phaseID string) ([]domain.Tally, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT p.id, COUNT(s.proposal_id)
FROM proposals p
LEFT JOIN ballot_selections s ON s.proposal_id=p.id AND s.instance_id=p.instance_id AND s.phase_id=?
WHERE p.instance_id=?
GROUP BY p.id
ORDER BY COUNT(s.proposal_id) DESC, p.id`, phaseID, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Tally
	for rows.Next() {
		var t domain.Tally
		if err := rows.Scan(&t.ProposalID, &t.Votes); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ReplaceOutcomes swaps the stored selection outcomes of a phase for res.
func (r Repo) ReplaceOutcomes(ctx context.Context, tx *sql.Tx, instanceID, phaseID string, res []domain.SelectionOutcome) error {
	q := r.on(tx)
	if _, err := q.ExecContext(ctx, `DELETE FROM selection_outcomes WHERE instance_id=? AND phase_id=?`, instanceID, phaseID); err != nil {
		return err
	}
	for _, o := range res {
		if _, err := q.ExecContext(ctx, `INSERT INTO selection_outcomes(instance_id,phase_id,proposal_id,outcome,rank,votes,budget) VALUES (?,?,?,?,?,?,?)`,
			instanceID, phaseID, o.ProposalID, o.Outcome, o.Rank, o.Votes, o.Budget); err != nil {
			return fmt.Errorf("insert outcome %s: %w", o.ProposalID, err)
		}
	}
	return nil
}

// ListOutcomes returns persisted outcomes. An empty phaseID lists all phases.
func (r Repo) ListOutcomes(ctx context.Context, tx *sql.Tx, instanceID, phaseID string) ([]domain.SelectionOutcome, error) {
	query := `SELECT instance_id,phase_id,proposal_id,outcome,rank,votes,budget FROM selection_outcomes WHERE instance_id=?`
	args := []any{instanceID}
	if phaseID != "" {
		query += ` AND phase_id=?`
		args = append(args, phaseID)
	}
	query += ` ORDER BY phase_id, CASE WHEN rank=0 THEN 1 ELSE 0 END, rank, proposal_id`
	rows, err := r.on(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SelectionOutcome
	for rows.Next() {
		var o domain.SelectionOutcome
		if err := rows.Scan(&o.InstanceID, &o.PhaseID, &o.ProposalID, &o.Outcome, &o.Rank, &o.Votes, &o.Budget); err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}
