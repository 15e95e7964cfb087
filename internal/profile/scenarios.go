package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

const scenarioColumns = `id, owner_id, tool_id, name, inputs, created_at`

// CountScenarios returns how many scenarios ownerID has saved for toolID.
func (s *Store) CountScenarios(ctx context.Context, ownerID, toolID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT COUNT(*) FROM scenarios WHERE owner_id = ? AND tool_id = ?`),
		ownerID, toolID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count scenarios: %w", err)
	}
	return n, nil
}

// ListScenarios returns the owner's scenarios, newest first.
func (s *Store) ListScenarios(ctx context.Context, ownerID, toolID string) ([]*Scenario, error) {
	query := `SELECT ` + scenarioColumns + ` FROM scenarios WHERE owner_id = ?`
	args := []any{ownerID}
	if toolID != "" {
		query += ` AND tool_id = ?`
		args = append(args, toolID)
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list scenarios: %w", err)
	}
	defer rows.Close()

	scenarios := []*Scenario{}
	for rows.Next() {
		sc, err := scanScenario(rows)
		if err != nil {
			return nil, err
		}
		scenarios = append(scenarios, sc)
	}
	return scenarios, rows.Err()
}

// InsertScenario stores sc without any quota check.
func (s *Store) InsertScenario(ctx context.Context, sc *Scenario) error {
	if err := s.prepareScenario(sc); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO scenarios (`+scenarioColumns+`) VALUES (?, ?, ?, ?, ?, ?)`),
		sc.ID, sc.OwnerID, sc.ToolID, sc.Name, string(sc.Inputs), sc.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert scenario: %w", err)
	}
	return nil
}

// InsertWithinLimit stores sc only while the owner has fewer than limit
// scenarios for the tool. The count and insert run as one statement inside a
// transaction; on Postgres the transaction also holds an advisory lock on the
// owner and tool pair so concurrent saves are serialized.
func (s *Store) InsertWithinLimit(ctx context.Context, sc *Scenario, limit int) (bool, error) {
	if limit <= 0 {
		if err := s.InsertScenario(ctx, sc); err != nil {
			return false, err
		}
		return true, nil
	}
	if err := s.prepareScenario(sc); err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("insert scenario: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if s.dialect == dialectPostgres {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, sc.OwnerID+":"+sc.ToolID); err != nil {
			return false, fmt.Errorf("insert scenario: lock: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO scenarios (`+scenarioColumns+`)
		SELECT CAST(? AS TEXT), CAST(? AS TEXT), CAST(? AS TEXT), CAST(? AS TEXT), CAST(? AS TEXT), CAST(? AS BIGINT)
		WHERE (SELECT COUNT(*) FROM scenarios WHERE owner_id = ? AND tool_id = ?) < CAST(? AS BIGINT)`),
		sc.ID, sc.OwnerID, sc.ToolID, sc.Name, string(sc.Inputs), sc.CreatedAt.Unix(),
		sc.OwnerID, sc.ToolID, limit,
	)
	if err != nil {
		return false, fmt.Errorf("insert scenario: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert scenario: rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("insert scenario: commit: %w", err)
	}
	return affected == 1, nil
}

// DeleteScenario deletes a scenario only if ownerID owns it.
func (s *Store) DeleteScenario(ctx context.Context, ownerID, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM scenarios WHERE id = ? AND owner_id = ?`), id, ownerID)
	if err != nil {
		return false, fmt.Errorf("delete scenario: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (s *Store) prepareScenario(sc *Scenario) error {
	if sc == nil {
		return fmt.Errorf("scenario is nil")
	}
	if sc.OwnerID == "" || sc.ToolID == "" {
		return fmt.Errorf("scenario owner and tool are required")
	}
	if sc.ID == "" {
		sc.ID = NewScenarioID()
	}
	if len(sc.Inputs) == 0 {
		sc.Inputs = json.RawMessage(`{}`)
	}
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = s.now().UTC()
	}
	return nil
}

func scanScenario(s scanner) (*Scenario, error) {
	var sc Scenario
	var inputs string
	var createdAt int64
	if err := s.Scan(&sc.ID, &sc.OwnerID, &sc.ToolID, &sc.Name, &inputs, &createdAt); err != nil {
		return nil, fmt.Errorf("scan scenario: %w", err)
	}
	sc.Inputs = json.RawMessage(inputs)
	sc.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &sc, nil
}
