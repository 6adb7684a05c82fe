package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/omini/omini-core/internal/domain"
)

const journeyCols = `id, organization_id, name, status, triggers, nodes, edges,
	debounce_minutes, created_at, updated_at`

// CreateJourney inserts a draft journey graph.
func (s *Store) CreateJourney(ctx context.Context, j *domain.Journey) error {
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if j.Status == "" {
		j.Status = domain.JourneyDraft
	}
	triggers, err := marshalJSON(j.Triggers)
	if err != nil {
		return err
	}
	nodes, err := marshalJSON(j.Nodes)
	if err != nil {
		return err
	}
	edges, err := marshalJSON(j.Edges)
	if err != nil {
		return err
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO journeys
			(id, organization_id, name, status, triggers, nodes, edges, debounce_minutes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`, j.ID, j.OrganizationID, j.Name, j.Status, triggers, nodes, edges,
		j.DebounceMinutes).Scan(&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create journey: %w", err)
	}
	return nil
}

// GetJourney fetches one journey in the org.
func (s *Store) GetJourney(ctx context.Context, orgID, id string) (*domain.Journey, error) {
	j, err := scanJourney(s.db.QueryRowContext(ctx, `
		SELECT `+journeyCols+` FROM journeys WHERE id = $1 AND organization_id = $2
	`, id, orgID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return j, err
}

// ListJourneys returns the org's journeys, newest first.
func (s *Store) ListJourneys(ctx context.Context, orgID string) ([]domain.Journey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+journeyCols+` FROM journeys
		WHERE organization_id = $1 ORDER BY created_at DESC
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list journeys: %w", err)
	}
	defer rows.Close()

	var out []domain.Journey
	for rows.Next() {
		j, err := scanJourney(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// ListActiveJourneys returns the org's active journeys for trigger
// evaluation.
func (s *Store) ListActiveJourneys(ctx context.Context, orgID string) ([]domain.Journey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+journeyCols+` FROM journeys
		WHERE organization_id = $1 AND status = 'active'
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list active journeys: %w", err)
	}
	defer rows.Close()

	var out []domain.Journey
	for rows.Next() {
		j, err := scanJourney(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// ListAllActiveJourneys returns active journeys across every org. The
// time-trigger sweep uses it.
func (s *Store) ListAllActiveJourneys(ctx context.Context) ([]domain.Journey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+journeyCols+` FROM journeys WHERE status = 'active'
	`)
	if err != nil {
		return nil, fmt.Errorf("list all active journeys: %w", err)
	}
	defer rows.Close()

	var out []domain.Journey
	for rows.Next() {
		j, err := scanJourney(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// SetJourneyStatus applies a guarded lifecycle transition. Allowed moves:
// draft→active, active→paused, paused→active, and any non-archived state
// to archived.
func (s *Store) SetJourneyStatus(ctx context.Context, orgID, id string, to domain.JourneyStatus) error {
	var guard string
	switch to {
	case domain.JourneyActive:
		guard = `status IN ('draft','paused')`
	case domain.JourneyPaused:
		guard = `status = 'active'`
	case domain.JourneyArchived:
		guard = `status <> 'archived'`
	default:
		return fmt.Errorf("set journey status: invalid target %q", to)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE journeys SET status = $3, updated_at = NOW()
		WHERE id = $1 AND organization_id = $2 AND `+guard,
		id, orgID, to)
	if err != nil {
		return fmt.Errorf("set journey status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// UpdateJourneyGraph replaces the graph of a draft or paused journey.
func (s *Store) UpdateJourneyGraph(ctx context.Context, j *domain.Journey) error {
	triggers, err := marshalJSON(j.Triggers)
	if err != nil {
		return err
	}
	nodes, err := marshalJSON(j.Nodes)
	if err != nil {
		return err
	}
	edges, err := marshalJSON(j.Edges)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE journeys
		SET name = $3, triggers = $4, nodes = $5, edges = $6,
		    debounce_minutes = $7, updated_at = NOW()
		WHERE id = $1 AND organization_id = $2 AND status IN ('draft','paused')
	`, j.ID, j.OrganizationID, j.Name, triggers, nodes, edges, j.DebounceMinutes)
	if err != nil {
		return fmt.Errorf("update journey graph: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// CreateRun starts a run at the journey's entry node: a running run row
// plus step 0 pending, in one transaction.
func (s *Store) CreateRun(ctx context.Context, run *domain.JourneyRun, entryNodeID string, wakeAt *time.Time) (*domain.JourneyRunStep, error) {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	run.Status = domain.RunRunning
	step := &domain.JourneyRunStep{
		ID:             uuid.New().String(),
		OrganizationID: run.OrganizationID,
		RunID:          run.ID,
		NodeID:         entryNodeID,
		StepIndex:      0,
		Status:         domain.StepPending,
		WakeAt:         wakeAt,
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO journey_runs
				(id, organization_id, journey_id, lead_id, conversation_id, trigger_type, status)
			VALUES ($1, $2, $3, $4, $5, $6, 'running')
			RETURNING started_at
		`, run.ID, run.OrganizationID, run.JourneyID, nullUUID(run.LeadID),
			nullUUID(run.ConversationID), run.TriggerType).Scan(&run.StartedAt)
		if err != nil {
			return fmt.Errorf("create run: %w", err)
		}
		err = tx.QueryRowContext(ctx, `
			INSERT INTO journey_run_steps
				(id, organization_id, run_id, node_id, step_index, status, wake_at)
			VALUES ($1, $2, $3, $4, 0, 'pending', $5)
			RETURNING created_at, updated_at
		`, step.ID, step.OrganizationID, run.ID, entryNodeID,
			nullTime(wakeAt)).Scan(&step.CreatedAt, &step.UpdatedAt)
		if err != nil {
			return fmt.Errorf("create entry step: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return step, nil
}

// GetRun fetches one run in the org.
func (s *Store) GetRun(ctx context.Context, orgID, id string) (*domain.JourneyRun, error) {
	run := &domain.JourneyRun{}
	var leadID, convID sql.NullString
	var completed sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, journey_id, lead_id, conversation_id,
		       trigger_type, status, started_at, completed_at
		FROM journey_runs WHERE id = $1 AND organization_id = $2
	`, id, orgID).Scan(
		&run.ID, &run.OrganizationID, &run.JourneyID, &leadID, &convID,
		&run.TriggerType, &run.Status, &run.StartedAt, &completed,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	run.LeadID = leadID.String
	run.ConversationID = convID.String
	run.CompletedAt = timePtr(completed)
	return run, nil
}

// ListRuns returns a journey's runs, newest first.
func (s *Store) ListRuns(ctx context.Context, orgID, journeyID string, limit int) ([]domain.JourneyRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, journey_id, lead_id, conversation_id,
		       trigger_type, status, started_at, completed_at
		FROM journey_runs
		WHERE organization_id = $1 AND journey_id = $2
		ORDER BY started_at DESC LIMIT $3
	`, orgID, journeyID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []domain.JourneyRun
	for rows.Next() {
		var run domain.JourneyRun
		var leadID, convID sql.NullString
		var completed sql.NullTime
		if err := rows.Scan(
			&run.ID, &run.OrganizationID, &run.JourneyID, &leadID, &convID,
			&run.TriggerType, &run.Status, &run.StartedAt, &completed,
		); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.LeadID = leadID.String
		run.ConversationID = convID.String
		run.CompletedAt = timePtr(completed)
		out = append(out, run)
	}
	return out, rows.Err()
}

// ClaimDueSteps atomically claims pending steps whose wake time has
// passed, moving them to running.
func (s *Store) ClaimDueSteps(ctx context.Context, now time.Time, limit int) ([]domain.JourneyRunStep, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		UPDATE journey_run_steps
		SET status = 'running', attempts = attempts + 1, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM journey_run_steps
			WHERE status = 'pending' AND (wake_at IS NULL OR wake_at <= $1)
			ORDER BY created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+stepCols+`
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due steps: %w", err)
	}
	defer rows.Close()

	var out []domain.JourneyRunStep
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

// ClaimStep claims one specific pending, due step. Returns ErrConflict
// when the step was already claimed or is still asleep, which makes
// duplicate run-job deliveries harmless.
func (s *Store) ClaimStep(ctx context.Context, orgID, stepID string) (*domain.JourneyRunStep, error) {
	st, err := scanStep(s.db.QueryRowContext(ctx, `
		UPDATE journey_run_steps
		SET status = 'running', attempts = attempts + 1, updated_at = NOW()
		WHERE id = $1 AND organization_id = $2 AND status = 'pending'
		AND (wake_at IS NULL OR wake_at <= NOW())
		RETURNING `+stepCols+`
	`, stepID, orgID))
	if err == sql.ErrNoRows {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("claim step: %w", err)
	}
	return st, nil
}

// GetStep fetches one run step in the org.
func (s *Store) GetStep(ctx context.Context, orgID, id string) (*domain.JourneyRunStep, error) {
	st, err := scanStep(s.db.QueryRowContext(ctx, `
		SELECT `+stepCols+` FROM journey_run_steps
		WHERE id = $1 AND organization_id = $2
	`, id, orgID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return st, err
}

// ListSteps returns a run's steps in execution order.
func (s *Store) ListSteps(ctx context.Context, orgID, runID string) ([]domain.JourneyRunStep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+stepCols+` FROM journey_run_steps
		WHERE organization_id = $1 AND run_id = $2 ORDER BY step_index
	`, orgID, runID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var out []domain.JourneyRunStep
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

// CompleteStep marks a running step completed with its output and, when
// nextNodeID is non-empty, appends the next pending step; otherwise the
// run completes. One transaction keeps the step chain dense.
func (s *Store) CompleteStep(ctx context.Context, orgID, stepID string, output map[string]interface{}, nextNodeID string, nextWakeAt *time.Time) (*domain.JourneyRunStep, error) {
	var next *domain.JourneyRunStep
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		out, err := marshalJSON(output)
		if err != nil {
			return err
		}
		var runID string
		var stepIndex int
		err = tx.QueryRowContext(ctx, `
			UPDATE journey_run_steps
			SET status = 'completed', output = $3, updated_at = NOW()
			WHERE id = $1 AND organization_id = $2 AND status = 'running'
			RETURNING run_id, step_index
		`, stepID, orgID, out).Scan(&runID, &stepIndex)
		if err == sql.ErrNoRows {
			return ErrConflict
		}
		if err != nil {
			return fmt.Errorf("complete step: %w", err)
		}

		// Cancellation halts here: the step's outcome is recorded but
		// no next step is appended.
		var runStatus string
		err = tx.QueryRowContext(ctx, `
			SELECT status FROM journey_runs
			WHERE id = $1 AND organization_id = $2 FOR UPDATE
		`, runID, orgID).Scan(&runStatus)
		if err != nil {
			return fmt.Errorf("lock run: %w", err)
		}
		if runStatus != string(domain.RunRunning) {
			return nil
		}

		if nextNodeID == "" {
			_, err := tx.ExecContext(ctx, `
				UPDATE journey_runs
				SET status = 'completed', completed_at = NOW()
				WHERE id = $1 AND organization_id = $2 AND status = 'running'
			`, runID, orgID)
			if err != nil {
				return fmt.Errorf("complete run: %w", err)
			}
			return nil
		}

		next = &domain.JourneyRunStep{
			ID:             uuid.New().String(),
			OrganizationID: orgID,
			RunID:          runID,
			NodeID:         nextNodeID,
			StepIndex:      stepIndex + 1,
			Status:         domain.StepPending,
			WakeAt:         nextWakeAt,
		}
		err = tx.QueryRowContext(ctx, `
			INSERT INTO journey_run_steps
				(id, organization_id, run_id, node_id, step_index, status, wake_at)
			VALUES ($1, $2, $3, $4, $5, 'pending', $6)
			RETURNING created_at, updated_at
		`, next.ID, orgID, runID, nextNodeID, next.StepIndex,
			nullTime(nextWakeAt)).Scan(&next.CreatedAt, &next.UpdatedAt)
		if err != nil {
			return fmt.Errorf("append next step: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

// ReturnStepToPending puts a running step back to pending with a wake
// time, for retry after a transient failure.
func (s *Store) ReturnStepToPending(ctx context.Context, orgID, stepID string, wakeAt time.Time, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE journey_run_steps
		SET status = 'pending', wake_at = $3, error = $4, updated_at = NOW()
		WHERE id = $1 AND organization_id = $2 AND status = 'running'
	`, stepID, orgID, wakeAt, reason)
	if err != nil {
		return fmt.Errorf("return step to pending: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// SkipStep marks a running step skipped. Used when the run was
// cancelled between the claim and the execution, since CancelRun only
// covers steps still pending at that point.
func (s *Store) SkipStep(ctx context.Context, orgID, stepID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE journey_run_steps
		SET status = 'skipped', updated_at = NOW()
		WHERE id = $1 AND organization_id = $2 AND status = 'running'
	`, stepID, orgID)
	if err != nil {
		return fmt.Errorf("skip step: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// FailStep marks a running step failed and fails its run.
func (s *Store) FailStep(ctx context.Context, orgID, stepID, reason string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var runID string
		err := tx.QueryRowContext(ctx, `
			UPDATE journey_run_steps
			SET status = 'failed', error = $3, updated_at = NOW()
			WHERE id = $1 AND organization_id = $2 AND status = 'running'
			RETURNING run_id
		`, stepID, orgID, reason).Scan(&runID)
		if err == sql.ErrNoRows {
			return ErrConflict
		}
		if err != nil {
			return fmt.Errorf("fail step: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE journey_runs
			SET status = 'failed', completed_at = NOW()
			WHERE id = $1 AND organization_id = $2 AND status = 'running'
		`, runID, orgID)
		if err != nil {
			return fmt.Errorf("fail run: %w", err)
		}
		return nil
	})
}

// CancelRun cancels a running run and skips its pending steps. A step
// already claimed by a worker is resolved by the engine: SkipStep if
// execution has not started, otherwise CompleteStep sees the cancelled
// run and appends nothing, so the run halts after it.
func (s *Store) CancelRun(ctx context.Context, orgID, runID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE journey_runs
			SET status = 'cancelled', completed_at = NOW()
			WHERE id = $1 AND organization_id = $2 AND status = 'running'
		`, runID, orgID)
		if err != nil {
			return fmt.Errorf("cancel run: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrConflict
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE journey_run_steps
			SET status = 'skipped', updated_at = NOW()
			WHERE run_id = $1 AND organization_id = $2 AND status = 'pending'
		`, runID, orgID)
		if err != nil {
			return fmt.Errorf("skip run steps: %w", err)
		}
		return nil
	})
}

// CountRecentRuns counts runs of the journey for the lead started at or
// after since. Debounce falls back to this when Redis is cold.
func (s *Store) CountRecentRuns(ctx context.Context, orgID, journeyID, leadID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM journey_runs
		WHERE organization_id = $1 AND journey_id = $2 AND lead_id = $3
		AND started_at >= $4
	`, orgID, journeyID, leadID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count recent runs: %w", err)
	}
	return n, nil
}

const stepCols = `id, organization_id, run_id, node_id, step_index, status,
	wake_at, attempts, input, output, COALESCE(error,''), created_at, updated_at`

func scanStep(r rowScanner) (*domain.JourneyRunStep, error) {
	st := &domain.JourneyRunStep{}
	var wakeAt sql.NullTime
	var input, output []byte
	err := r.Scan(
		&st.ID, &st.OrganizationID, &st.RunID, &st.NodeID, &st.StepIndex,
		&st.Status, &wakeAt, &st.Attempts, &input, &output, &st.Error,
		&st.CreatedAt, &st.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan step: %w", err)
	}
	st.WakeAt = timePtr(wakeAt)
	if err := unmarshalJSON(input, &st.Input); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(output, &st.Output); err != nil {
		return nil, err
	}
	return st, nil
}

func scanJourney(r rowScanner) (*domain.Journey, error) {
	j := &domain.Journey{}
	var triggers, nodes, edges []byte
	err := r.Scan(
		&j.ID, &j.OrganizationID, &j.Name, &j.Status, &triggers, &nodes, &edges,
		&j.DebounceMinutes, &j.CreatedAt, &j.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan journey: %w", err)
	}
	if err := unmarshalJSON(triggers, &j.Triggers); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(nodes, &j.Nodes); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(edges, &j.Edges); err != nil {
		return nil, err
	}
	return j, nil
}
