package sqlite

import (
	"context"
	"fmt"

	"github.com/ashita-ai/shugo/internal/model"
)

// CreatePrincipal inserts an API principal. An existing (tenant, actor) pair
// yields a ConflictError.
func (s *DB) CreatePrincipal(ctx context.Context, p model.Principal) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO principals (id, tenant_id, actor, role, api_key_hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, actor) DO NOTHING`,
		p.ID.String(), p.TenantID, p.Actor, string(p.Role), p.APIKeyHash, ts(p.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: create principal: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &model.ConflictError{Resource: "principal", ID: p.TenantID + "/" + p.Actor, Message: "already exists"}
	}
	return nil
}

// GetPrincipal looks up a principal by tenant and actor.
func (s *DB) GetPrincipal(ctx context.Context, tenantID, actor string) (model.Principal, error) {
	p, err := scanPrincipal(s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, actor, role, api_key_hash, created_at
		 FROM principals WHERE tenant_id = ? AND actor = ?`, tenantID, actor))
	if err != nil {
		return model.Principal{}, notFoundOr(err, "principal", tenantID+"/"+actor)
	}
	return p, nil
}

// ListPrincipals returns a tenant's principals ordered by actor.
func (s *DB) ListPrincipals(ctx context.Context, tenantID string) ([]model.Principal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, actor, role, api_key_hash, created_at
		 FROM principals WHERE tenant_id = ? ORDER BY actor`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list principals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Principal
	for rows.Next() {
		p, err := scanPrincipal(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan principal: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPrincipal(row scanner) (model.Principal, error) {
	var (
		p       model.Principal
		role    string
		created int64
	)
	if err := row.Scan(&p.ID, &p.TenantID, &p.Actor, &role, &p.APIKeyHash, &created); err != nil {
		return model.Principal{}, err
	}
	p.Role = model.Role(role)
	p.CreatedAt = fromTS(created)
	return p, nil
}
