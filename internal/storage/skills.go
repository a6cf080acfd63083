package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/shugo/internal/model"
)

const skillColumns = `name, version, description, manifest, checksum, state, published_by, published_at, updated_at`

// CreateSkillWithAudit inserts a new skill version and its audit entry in one
// transaction. An existing (name, version) yields a ConflictError.
func (db *DB) CreateSkillWithAudit(ctx context.Context, s model.Skill, audit model.AuditEntry) error {
	manifest, err := json.Marshal(s.Manifest)
	if err != nil {
		return fmt.Errorf("storage: marshal skill manifest: %w", err)
	}
	return db.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO skills (`+skillColumns+`)
			 VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8, $9)
			 ON CONFLICT (name, version) DO NOTHING`,
			s.Name, s.Version, s.Description, manifest, s.Checksum, string(s.State),
			s.PublishedBy, s.PublishedAt, s.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("storage: create skill: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return &model.ConflictError{Resource: "skill", ID: s.Name + "@" + s.Version}
		}
		return insertAudit(ctx, tx, audit)
	})
}

func scanSkill(row pgx.Row) (model.Skill, error) {
	var (
		s        model.Skill
		manifest []byte
		state    string
	)
	if err := row.Scan(&s.Name, &s.Version, &s.Description, &manifest, &s.Checksum, &state,
		&s.PublishedBy, &s.PublishedAt, &s.UpdatedAt); err != nil {
		return model.Skill{}, err
	}
	s.State = model.SkillState(state)
	if err := json.Unmarshal(manifest, &s.Manifest); err != nil {
		return model.Skill{}, fmt.Errorf("storage: decode skill manifest: %w", err)
	}
	return s, nil
}

// GetSkill returns one skill version in any state.
func (db *DB) GetSkill(ctx context.Context, name, version string) (model.Skill, error) {
	s, err := scanSkill(db.pool.QueryRow(ctx,
		`SELECT `+skillColumns+` FROM skills WHERE name = $1 AND version = $2`, name, version))
	if err != nil {
		return model.Skill{}, notFoundOr(err, "skill", name+"@"+version)
	}
	return s, nil
}

// ListSkillVersions returns every version of a skill in any state. Order is
// unspecified; callers sort by semver.
func (db *DB) ListSkillVersions(ctx context.Context, name string) ([]model.Skill, error) {
	rows, err := db.pool.Query(ctx, `SELECT `+skillColumns+` FROM skills WHERE name = $1`, name)
	if err != nil {
		return nil, fmt.Errorf("storage: list skill versions: %w", err)
	}
	defer rows.Close()
	return collectSkills(rows)
}

// SearchSkills returns all versions whose name, description, or instructions
// contain query (case-insensitive) and whose state is in states. An empty
// query matches everything; empty states means any state.
func (db *DB) SearchSkills(ctx context.Context, query string, states []model.SkillState) ([]model.Skill, error) {
	var conds []string
	var args []any
	if query != "" {
		args = append(args, "%"+escapeLike(query)+"%")
		conds = append(conds, fmt.Sprintf(
			`(name ILIKE $%[1]d OR description ILIKE $%[1]d OR manifest->>'instructions' ILIKE $%[1]d)`, len(args)))
	}
	if len(states) > 0 {
		ss := make([]string, len(states))
		for i, s := range states {
			ss[i] = string(s)
		}
		args = append(args, ss)
		conds = append(conds, fmt.Sprintf("state = ANY($%d)", len(args)))
	}
	q := `SELECT ` + skillColumns + ` FROM skills`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	rows, err := db.pool.Query(ctx, q+` ORDER BY name`, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: search skills: %w", err)
	}
	defer rows.Close()
	return collectSkills(rows)
}

func collectSkills(rows pgx.Rows) ([]model.Skill, error) {
	var out []model.Skill
	for rows.Next() {
		s, err := scanSkill(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan skill: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// TransitionSkillWithAudit moves a skill from state from to state to, but only
// if it is still in from. It returns false when the conditional write lost.
func (db *DB) TransitionSkillWithAudit(ctx context.Context, name, version string, from, to model.SkillState, audit model.AuditEntry) (bool, error) {
	var applied bool
	err := db.withTx(ctx, func(tx pgx.Tx) error {
		applied = false
		tag, err := tx.Exec(ctx,
			`UPDATE skills SET state = $4, updated_at = $5
			 WHERE name = $1 AND version = $2 AND state = $3`,
			name, version, string(from), string(to), audit.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("storage: transition skill: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		applied = true
		return insertAudit(ctx, tx, audit)
	})
	return applied, err
}

// ForceSkillStateWithAudit sets a skill's state unconditionally and returns the
// state it replaced.
func (db *DB) ForceSkillStateWithAudit(ctx context.Context, name, version string, to model.SkillState, audit *model.AuditEntry) (model.SkillState, error) {
	var old model.SkillState
	err := db.withTx(ctx, func(tx pgx.Tx) error {
		var prev string
		err := tx.QueryRow(ctx,
			`SELECT state FROM skills WHERE name = $1 AND version = $2 FOR UPDATE`, name, version,
		).Scan(&prev)
		if err != nil {
			return notFoundOr(err, "skill", name+"@"+version)
		}
		old = model.SkillState(prev)
		if _, err := tx.Exec(ctx,
			`UPDATE skills SET state = $3, updated_at = $4 WHERE name = $1 AND version = $2`,
			name, version, string(to), audit.Timestamp,
		); err != nil {
			return fmt.Errorf("storage: force skill state: %w", err)
		}
		audit.Details.Before = map[string]any{"state": old}
		return insertAudit(ctx, tx, *audit)
	})
	return old, err
}

// CreateSkillTestRunWithAudit appends a test run record.
func (db *DB) CreateSkillTestRunWithAudit(ctx context.Context, run model.SkillTestRun, audit model.AuditEntry) error {
	results, err := json.Marshal(run.Results)
	if err != nil {
		return fmt.Errorf("storage: marshal test results: %w", err)
	}
	return db.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO skill_test_runs (id, name, version, passed, results, actor, created_at)
			 VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7)`,
			run.ID, run.Name, run.Version, run.Passed, results, run.Actor, run.CreatedAt,
		); err != nil {
			return fmt.Errorf("storage: create skill test run: %w", err)
		}
		return insertAudit(ctx, tx, audit)
	})
}

// LatestSkillTestRun returns the most recent test run for a skill version, or
// nil if it was never tested.
func (db *DB) LatestSkillTestRun(ctx context.Context, name, version string) (*model.SkillTestRun, error) {
	var (
		run     model.SkillTestRun
		results []byte
	)
	err := db.pool.QueryRow(ctx,
		`SELECT id, name, version, passed, results, actor, created_at
		 FROM skill_test_runs WHERE name = $1 AND version = $2
		 ORDER BY created_at DESC, id DESC LIMIT 1`,
		name, version,
	).Scan(&run.ID, &run.Name, &run.Version, &run.Passed, &results, &run.Actor, &run.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: latest skill test run: %w", err)
	}
	if err := json.Unmarshal(results, &run.Results); err != nil {
		return nil, fmt.Errorf("storage: decode test results: %w", err)
	}
	return &run, nil
}

// escapeLike escapes LIKE metacharacters so user input matches literally.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
