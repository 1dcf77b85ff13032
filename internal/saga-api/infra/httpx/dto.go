package httpx

import (
	"encoding/json"
	"time"

	"github.com/jcmexdev/saga-orchestrator/internal/coordinator"
	"github.com/jcmexdev/saga-orchestrator/internal/coordinator/sagalog"
)

type StartSagaResponse struct {
	SagaID  string `json:"saga_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type SagaResponse struct {
	SagaID       string          `json:"saga_id"`
	SagaType     string          `json:"saga_type"`
	State        string          `json:"state"`
	Payload      json.RawMessage `json:"payload"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    time.Time       `json:"started_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	FailedAt     *time.Time      `json:"failed_at,omitempty"`
	Steps        []StepResponse  `json:"steps,omitempty"`
}

type StepResponse struct {
	ID               int64           `json:"id"`
	StepName         string          `json:"step_name"`
	StepOrder        int             `json:"step_order"`
	Status           string          `json:"status"`
	CompensationStep string          `json:"compensation_step,omitempty"`
	OutputData       json.RawMessage `json:"output_data,omitempty"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	StartedAt        time.Time       `json:"started_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	DurationMs       int64           `json:"duration_ms"`
}

type EventResponse struct {
	Seq       int64           `json:"seq"`
	SagaID    string          `json:"saga_id"`
	EventType string          `json:"event_type"`
	EventData json.RawMessage `json:"event_data"`
	TraceID   string          `json:"trace_id,omitempty"`
	SpanID    string          `json:"span_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type SagaListResponse struct {
	Items []SagaResponse `json:"items"`
	Total int            `json:"total"`
	Page  int            `json:"page"`
	Size  int            `json:"size"`
	Pages int            `json:"pages"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func mapSaga(s *sagalog.Saga, steps []*sagalog.StepExecution) SagaResponse {
	resp := SagaResponse{
		SagaID:       s.ID,
		SagaType:     s.Type,
		State:        string(s.State),
		Payload:      s.Payload,
		Result:       s.Result,
		ErrorMessage: s.ErrorMessage,
		CreatedAt:    s.CreatedAt,
		StartedAt:    s.StartedAt,
		UpdatedAt:    s.UpdatedAt,
		CompletedAt:  s.CompletedAt,
		FailedAt:     s.FailedAt,
	}
	for _, exec := range steps {
		resp.Steps = append(resp.Steps, StepResponse{
			ID:               exec.ID,
			StepName:         string(exec.Step),
			StepOrder:        exec.Order,
			Status:           string(exec.Status),
			CompensationStep: string(exec.CompensationStep),
			OutputData:       exec.OutputData,
			ErrorMessage:     exec.ErrorMessage,
			StartedAt:        exec.StartedAt,
			CompletedAt:      exec.CompletedAt,
			DurationMs:       exec.DurationMs,
		})
	}
	return resp
}

func mapEvents(events []*sagalog.Event) []EventResponse {
	out := make([]EventResponse, len(events))
	for i, ev := range events {
		out[i] = EventResponse{
			Seq:       ev.Seq,
			SagaID:    ev.SagaID,
			EventType: string(ev.Type),
			EventData: ev.Data,
			TraceID:   ev.TraceID,
			SpanID:    ev.SpanID,
			CreatedAt: ev.CreatedAt,
		}
	}
	return out
}

func mapPage(p *coordinator.Page) SagaListResponse {
	resp := SagaListResponse{
		Items: make([]SagaResponse, len(p.Items)),
		Total: p.Total,
		Page:  p.Page,
		Size:  p.Size,
		Pages: p.Pages,
	}
	for i, s := range p.Items {
		resp.Items[i] = mapSaga(s, nil)
	}
	return resp
}
