package coordinator

import (
	"context"
	"fmt"

	"github.com/jcmexdev/saga-orchestrator/internal/coordinator/sagalog"
)

const (
	DefaultEventLimit = 50
	MaxEventLimit     = 200
	DefaultListLimit  = 100
	MaxListLimit      = 1000
)

// QueryService is the read side of the saga log.
type QueryService struct {
	repo sagalog.Repository
}

func NewQueryService(repo sagalog.Repository) *QueryService {
	return &QueryService{repo: repo}
}

// SagaStatus is a saga with its step executions ordered by position.
type SagaStatus struct {
	Saga  *sagalog.Saga
	Steps []*sagalog.StepExecution
}

// Page is one page of the saga index.
type Page struct {
	Items []*sagalog.Saga
	Total int
	Page  int
	Size  int
	Pages int
}

// Summary aggregates every saga in the store.
type Summary struct {
	TotalSagas          int      `json:"total_sagas"`
	PendingSagas        int      `json:"pending_sagas"`
	CompletedSagas      int      `json:"completed_sagas"`
	FailedSagas         int      `json:"failed_sagas"`
	CompensatedSagas    int      `json:"compensated_sagas"`
	InProgressSagas     int      `json:"in_progress_sagas"`
	AverageDurationMs   *float64 `json:"average_duration_ms"`
	SuccessRate         float64  `json:"success_rate"`
	TotalStepsExecuted  int      `json:"total_steps_executed"`
	TotalCompensations  int      `json:"total_compensations"`
	FailedCompensations int      `json:"failed_compensations"`
}

// Status returns the saga and its executions, or sagalog.ErrNotFound.
func (q *QueryService) Status(ctx context.Context, sagaID string) (*SagaStatus, error) {
	saga, err := q.repo.GetSaga(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	steps, err := q.repo.ListSteps(ctx, sagaID)
	if err != nil {
		return nil, fmt.Errorf("coordinator: saga status: %w", err)
	}
	return &SagaStatus{Saga: saga, Steps: steps}, nil
}

// Events returns a newest-first page of the saga's events. limit is
// clamped to [1, MaxEventLimit]; before, when positive, is an exclusive
// upper bound on the sequence number. An unknown saga has no events.
func (q *QueryService) Events(ctx context.Context, sagaID string, limit int, before int64) ([]*sagalog.Event, error) {
	events, err := q.repo.ListEvents(ctx, sagaID, sagalog.EventQuery{
		Limit:  clamp(limit, DefaultEventLimit, MaxEventLimit),
		Before: before,
	})
	if err != nil {
		return nil, fmt.Errorf("coordinator: saga events: %w", err)
	}
	return events, nil
}

// List returns a page of sagas in creation order.
func (q *QueryService) List(ctx context.Context, f sagalog.ListFilter) (*Page, error) {
	if f.Skip < 0 {
		f.Skip = 0
	}
	f.Limit = clamp(f.Limit, DefaultListLimit, MaxListLimit)

	items, total, err := q.repo.ListSagas(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("coordinator: list sagas: %w", err)
	}
	return &Page{
		Items: items,
		Total: total,
		Page:  f.Skip/f.Limit + 1,
		Size:  f.Limit,
		Pages: (total + f.Limit - 1) / f.Limit,
	}, nil
}

// Stats computes the summary. SuccessRate is completed over finished
// sagas (completed, failed, compensated), 0 when none finished.
func (q *QueryService) Stats(ctx context.Context) (*Summary, error) {
	st, err := q.repo.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("coordinator: stats: %w", err)
	}

	s := &Summary{
		TotalSagas:          st.Total,
		PendingSagas:        st.ByState[sagalog.StatePending],
		CompletedSagas:      st.ByState[sagalog.StateCompleted],
		FailedSagas:         st.ByState[sagalog.StateFailed],
		CompensatedSagas:    st.ByState[sagalog.StateCompensated],
		AverageDurationMs:   st.AvgDuration,
		TotalStepsExecuted:  st.TotalStepsExecuted,
		TotalCompensations:  st.TotalCompensations,
		FailedCompensations: st.FailedCompensations,
	}
	s.InProgressSagas = s.TotalSagas - s.PendingSagas - s.CompletedSagas - s.FailedSagas - s.CompensatedSagas

	if finished := s.CompletedSagas + s.FailedSagas + s.CompensatedSagas; finished > 0 {
		s.SuccessRate = float64(s.CompletedSagas) / float64(finished)
	}
	return s, nil
}

func clamp(v, def, ceiling int) int {
	if v <= 0 {
		return def
	}
	if v > ceiling {
		return ceiling
	}
	return v
}
