package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ashita-ai/shugo/internal/model"
)

const skillColumns = `name, version, description, manifest, checksum, state, published_by, published_at, updated_at`

// CreateSkillWithAudit inserts a new skill version and its audit entry in one
// transaction. An existing (name, version) yields a ConflictError.
func (s *DB) CreateSkillWithAudit(ctx context.Context, sk model.Skill, audit model.AuditEntry) error {
	manifest, err := json.Marshal(sk.Manifest)
	if err != nil {
		return fmt.Errorf("sqlite: marshal skill manifest: %w", err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO skills (`+skillColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (name, version) DO NOTHING`,
			sk.Name, sk.Version, sk.Description, string(manifest), sk.Checksum, string(sk.State),
			sk.PublishedBy, ts(sk.PublishedAt), ts(sk.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("sqlite: create skill: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &model.ConflictError{Resource: "skill", ID: sk.Name + "@" + sk.Version}
		}
		return insertAudit(ctx, tx, audit)
	})
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSkill(row scanner) (model.Skill, error) {
	var (
		sk                model.Skill
		manifest, state   string
		published, update int64
	)
	if err := row.Scan(&sk.Name, &sk.Version, &sk.Description, &manifest, &sk.Checksum, &state,
		&sk.PublishedBy, &published, &update); err != nil {
		return model.Skill{}, err
	}
	sk.State = model.SkillState(state)
	sk.PublishedAt = fromTS(published)
	sk.UpdatedAt = fromTS(update)
	if err := json.Unmarshal([]byte(manifest), &sk.Manifest); err != nil {
		return model.Skill{}, fmt.Errorf("sqlite: decode skill manifest: %w", err)
	}
	return sk, nil
}

// GetSkill returns one skill version in any state.
func (s *DB) GetSkill(ctx context.Context, name, version string) (model.Skill, error) {
	sk, err := scanSkill(s.db.QueryRowContext(ctx,
		`SELECT `+skillColumns+` FROM skills WHERE name = ? AND version = ?`, name, version))
	if err != nil {
		return model.Skill{}, notFoundOr(err, "skill", name+"@"+version)
	}
	return sk, nil
}

// ListSkillVersions returns every version of a skill in any state.
func (s *DB) ListSkillVersions(ctx context.Context, name string) ([]model.Skill, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+skillColumns+` FROM skills WHERE name = ?`, name)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list skill versions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectSkills(rows)
}

// SearchSkills returns all versions whose name, description, or instructions
// contain query and whose state is in states. SQLite LIKE is already
// case-insensitive for ASCII.
func (s *DB) SearchSkills(ctx context.Context, query string, states []model.SkillState) ([]model.Skill, error) {
	var conds []string
	var args []any
	if query != "" {
		pat := "%" + escapeLike(query) + "%"
		conds = append(conds,
			`(name LIKE ? ESCAPE '\' OR description LIKE ? ESCAPE '\' OR json_extract(manifest, '$.instructions') LIKE ? ESCAPE '\')`)
		args = append(args, pat, pat, pat)
	}
	if len(states) > 0 {
		conds = append(conds, "state IN ("+placeholders(len(states))+")")
		for _, st := range states {
			args = append(args, string(st))
		}
	}
	q := `SELECT ` + skillColumns + ` FROM skills`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	rows, err := s.db.QueryContext(ctx, q+` ORDER BY name`, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: search skills: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectSkills(rows)
}

func collectSkills(rows *sql.Rows) ([]model.Skill, error) {
	var out []model.Skill
	for rows.Next() {
		sk, err := scanSkill(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan skill: %w", err)
		}
		out = append(out, sk)
	}
	return out, rows.Err()
}

// TransitionSkillWithAudit moves a skill from state from to state to, but only
// if it is still in from. It returns false when the conditional write lost.
func (s *DB) TransitionSkillWithAudit(ctx context.Context, name, version string, from, to model.SkillState, audit model.AuditEntry) (bool, error) {
	var applied bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE skills SET state = ?, updated_at = ? WHERE name = ? AND version = ? AND state = ?`,
			string(to), ts(audit.Timestamp), name, version, string(from),
		)
		if err != nil {
			return fmt.Errorf("sqlite: transition skill: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		applied = true
		return insertAudit(ctx, tx, audit)
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// ForceSkillStateWithAudit sets a skill's state unconditionally and returns the
// state it replaced.
func (s *DB) ForceSkillStateWithAudit(ctx context.Context, name, version string, to model.SkillState, audit *model.AuditEntry) (model.SkillState, error) {
	var old model.SkillState
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var prev string
		if err := tx.QueryRowContext(ctx,
			`SELECT state FROM skills WHERE name = ? AND version = ?`, name, version,
		).Scan(&prev); err != nil {
			return notFoundOr(err, "skill", name+"@"+version)
		}
		old = model.SkillState(prev)
		if _, err := tx.ExecContext(ctx,
			`UPDATE skills SET state = ?, updated_at = ? WHERE name = ? AND version = ?`,
			string(to), ts(audit.Timestamp), name, version,
		); err != nil {
			return fmt.Errorf("sqlite: force skill state: %w", err)
		}
		audit.Details.Before = map[string]any{"state": old}
		return insertAudit(ctx, tx, *audit)
	})
	return old, err
}

// CreateSkillTestRunWithAudit appends a test run record.
func (s *DB) CreateSkillTestRunWithAudit(ctx context.Context, run model.SkillTestRun, audit model.AuditEntry) error {
	results, err := json.Marshal(run.Results)
	if err != nil {
		return fmt.Errorf("sqlite: marshal test results: %w", err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO skill_test_runs (id, name, version, passed, results, actor, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			run.ID.String(), run.Name, run.Version, run.Passed, string(results), run.Actor, ts(run.CreatedAt),
		); err != nil {
			return fmt.Errorf("sqlite: create skill test run: %w", err)
		}
		return insertAudit(ctx, tx, audit)
	})
}

// LatestSkillTestRun returns the most recent test run for a skill version, or
// nil if it was never tested.
func (s *DB) LatestSkillTestRun(ctx context.Context, name, version string) (*model.SkillTestRun, error) {
	var (
		run     model.SkillTestRun
		results string
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, version, passed, results, actor, created_at
		 FROM skill_test_runs WHERE name = ? AND version = ?
		 ORDER BY created_at DESC, id DESC LIMIT 1`,
		name, version,
	).Scan(&run.ID, &run.Name, &run.Version, &run.Passed, &results, &run.Actor, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: latest skill test run: %w", err)
	}
	run.CreatedAt = fromTS(created)
	if err := json.Unmarshal([]byte(results), &run.Results); err != nil {
		return nil, fmt.Errorf("sqlite: decode test results: %w", err)
	}
	return &run, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
