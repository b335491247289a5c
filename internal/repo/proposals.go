package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"ballotline/internal/domain"
)

const proposalColumns = `id,instance_id,author_profile_id,author_entity_type,title,COALESCE(document_ref,''),COALESCE(content_json,''),COALESCE(category_ids_json,''),budget,submitted_phase_id,COALESCE(review_decision,''),created_at,updated_at`

func scanProposal(row scanner) (domain.Proposal, error) {
	var (
		p                 domain.Proposal
		content, catsJSON string
		budget            sql.NullFloat64
	)
	err := row.Scan(&p.ID, &p.InstanceID, &p.AuthorProfileID, &p.AuthorEntityType, &p.Title, &p.DocumentRef, &content, &catsJSON,
		&budget, &p.SubmittedPhaseID, &p.ReviewDecision, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if content != "" {
		if err := json.Unmarshal([]byte(content), &p.Content); err != nil {
			return p, fmt.Errorf("decode content for proposal %s: %w", p.ID, err)
		}
	}
	if p.CategoryIDs, err = unmarshalStrings(catsJSON); err != nil {
		return p, fmt.Errorf("decode categories for proposal %s: %w", p.ID, err)
	}
	if budget.Valid {
		v := budget.Float64
		p.Budget = &v
	}
	return p, nil
}

func (r Repo) InsertProposal(ctx context.Context, tx *sql.Tx, p domain.Proposal) error {
	content, err := marshalOptional(p.Content, len(p.Content) == 0)
	if err != nil {
		return fmt.Errorf("encode content: %w", err)
	}
	cats, err := marshalOptional(p.CategoryIDs, len(p.CategoryIDs) == 0)
	if err != nil {
		return fmt.Errorf("encode categories: %w", err)
	}
	_, err = r.on(tx).ExecContext(ctx, `INSERT INTO proposals(id,instance_id,author_profile_id,author_entity_type,title,document_ref,content_json,category_ids_json,budget,submitted_phase_id,review_decision,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.InstanceID, p.AuthorProfileID, p.AuthorEntityType, p.Title, nullable(p.DocumentRef), content, cats,
		nullableFloat(p.Budget), p.SubmittedPhaseID, nullable(p.ReviewDecision), p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetProposal(ctx context.Context, tx *sql.Tx, id string) (domain.Proposal, error) {
	return scanProposal(r.on(tx).QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id=?`, id))
}

func (r Repo) ListProposals(ctx context.Context, tx *sql.Tx, instanceID string) ([]domain.Proposal, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE instance_id=? ORDER BY created_at, id`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) SetProposalReview(ctx context.Context, tx *sql.Tx, id, decision, updatedAt string) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE proposals SET review_decision=?, updated_at=? WHERE id=?`, nullable(decision), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ProposalSet returns proposal id -> review decision for an instance.
func (r Repo) ProposalSet(ctx context.Context, tx *sql.Tx, instanceID string) (map[string]string, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT id, COALESCE(review_decision,'') FROM proposals WHERE instance_id=?`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var id, decision string
		if err := rows.Scan(&id, &decision); err != nil {
			return nil, err
		}
		out[id] = decision
	}
	return out, rows.Err()
}
