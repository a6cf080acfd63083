package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/shugo/internal/model"
)

// CreatePrincipal inserts an API principal. An existing (tenant, actor) pair
// yields a ConflictError.
func (db *DB) CreatePrincipal(ctx context.Context, p model.Principal) error {
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO principals (id, tenant_id, actor, role, api_key_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (tenant_id, actor) DO NOTHING`,
		p.ID, p.TenantID, p.Actor, string(p.Role), p.APIKeyHash, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create principal: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &model.ConflictError{Resource: "principal", ID: p.TenantID + "/" + p.Actor, Message: "already exists"}
	}
	return nil
}

// GetPrincipal looks up a principal by tenant and actor. Used during token
// exchange before the API key hash is verified.
func (db *DB) GetPrincipal(ctx context.Context, tenantID, actor string) (model.Principal, error) {
	p, err := scanPrincipal(db.pool.QueryRow(ctx,
		`SELECT id, tenant_id, actor, role, api_key_hash, created_at
		 FROM principals WHERE tenant_id = $1 AND actor = $2`,
		tenantID, actor))
	if err != nil {
		return model.Principal{}, notFoundOr(err, "principal", tenantID+"/"+actor)
	}
	return p, nil
}

// ListPrincipals returns a tenant's principals ordered by actor.
func (db *DB) ListPrincipals(ctx context.Context, tenantID string) ([]model.Principal, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, tenant_id, actor, role, api_key_hash, created_at
		 FROM principals WHERE tenant_id = $1 ORDER BY actor`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("storage: list principals: %w", err)
	}
	defer rows.Close()

	var out []model.Principal
	for rows.Next() {
		p, err := scanPrincipal(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan principal: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPrincipal(row pgx.Row) (model.Principal, error) {
	var (
		p    model.Principal
		role string
	)
	if err := row.Scan(&p.ID, &p.TenantID, &p.Actor, &role, &p.APIKeyHash, &p.CreatedAt); err != nil {
		return model.Principal{}, err
	}
	p.Role = model.Role(role)
	p.CreatedAt = p.CreatedAt.UTC()
	return p, nil
}
