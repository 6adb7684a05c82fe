package journey

import (
	"context"
	"errors"

	"github.com/omini/omini-core/internal/domain"
	"github.com/omini/omini-core/internal/pkg/apperr"
	"github.com/omini/omini-core/internal/storage"
)

// Create validates and inserts a draft journey.
func (e *Engine) Create(ctx context.Context, orgID string, j *domain.Journey) (*domain.Journey, error) {
	j.OrganizationID = orgID
	j.Status = domain.JourneyDraft
	if err := ValidateGraph(j); err != nil {
		return nil, err
	}
	if err := e.store.CreateJourney(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}

func (e *Engine) Get(ctx context.Context, orgID, id string) (*domain.Journey, error) {
	j, err := e.store.GetJourney(ctx, orgID, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.New(apperr.NotFound, "journey not found")
	}
	return j, err
}

func (e *Engine) List(ctx context.Context, orgID string) ([]domain.Journey, error) {
	return e.store.ListJourneys(ctx, orgID)
}

// UpdateGraph replaces the graph of a draft or paused journey.
func (e *Engine) UpdateGraph(ctx context.Context, orgID string, j *domain.Journey) (*domain.Journey, error) {
	j.OrganizationID = orgID
	if err := ValidateGraph(j); err != nil {
		return nil, err
	}
	if err := e.store.UpdateJourneyGraph(ctx, j); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, apperr.New(apperr.Conflict, "only draft or paused journeys can be edited")
		}
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.New(apperr.NotFound, "journey not found")
		}
		return nil, err
	}
	return e.Get(ctx, orgID, j.ID)
}

// SetStatus moves a journey through its lifecycle. Allowed transitions:
// draft/paused to active, active to paused, anything but archived to
// archived.
func (e *Engine) SetStatus(ctx context.Context, orgID, id string, to domain.JourneyStatus) (*domain.Journey, error) {
	if err := e.store.SetJourneyStatus(ctx, orgID, id, to); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, apperr.Newf(apperr.Conflict, "journey cannot move to %s", to)
		}
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.New(apperr.NotFound, "journey not found")
		}
		return nil, err
	}
	return e.Get(ctx, orgID, id)
}

// Runs lists a journey's runs, newest first.
func (e *Engine) Runs(ctx context.Context, orgID, journeyID string, limit int) ([]domain.JourneyRun, error) {
	if _, err := e.Get(ctx, orgID, journeyID); err != nil {
		return nil, err
	}
	return e.store.ListRuns(ctx, orgID, journeyID, limit)
}

// RunSteps returns a run's steps in execution order.
func (e *Engine) RunSteps(ctx context.Context, orgID, runID string) (*domain.JourneyRun, []domain.JourneyRunStep, error) {
	run, err := e.store.GetRun(ctx, orgID, runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, apperr.New(apperr.NotFound, "run not found")
		}
		return nil, nil, err
	}
	steps, err := e.store.ListSteps(ctx, orgID, runID)
	if err != nil {
		return nil, nil, err
	}
	return run, steps, nil
}

// CancelRun halts a run before its next step. A step already claimed by
// a worker finishes its node normally; the cancelled run then refuses
// the next step. In-flight outbound messages are not recalled.
func (e *Engine) CancelRun(ctx context.Context, orgID, runID string) (*domain.JourneyRun, error) {
	if err := e.store.CancelRun(ctx, orgID, runID); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, apperr.New(apperr.Conflict, "run already finished")
		}
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.New(apperr.NotFound, "run not found")
		}
		return nil, err
	}
	return e.store.GetRun(ctx, orgID, runID)
}
