package store

import (
	"context"
	"errors"

	"github.com/seantiz/guidance/internal/model"
)

// ErrInvalidTransition is returned when a request status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// RequestStats holds aggregate generation statistics.
type RequestStats struct {
	Total                 int            `json:"total"`
	CountByStatus         map[string]int `json:"count_by_status"`
	AvgDurationMS         float64        `json:"avg_duration_ms"`
	TotalCompletionTokens int            `json:"total_completion_tokens"`
}

// Result is the terminal outcome of a request.
type Result struct {
	Status           string
	Outputs          []model.SequenceOutput
	CompletionTokens int
	Error            string
}

// Store defines the persistence operations for requests.
type Store interface {
	CreateRequest(ctx context.Context, r *model.Request) error
	GetRequest(ctx context.Context, id string) (*model.Request, error)
	ListRequests(ctx context.Context, limit, offset int) ([]*model.Request, int, error)
	UpdateRequestStatus(ctx context.Context, id, status string) error
	FinishRequest(ctx context.Context, id string, res Result) error
	GetRequestStats(ctx context.Context) (*RequestStats, error)
	InsertLogLine(ctx context.Context, requestID string, seq int, line string) error
	GetLogLines(ctx context.Context, requestID string) ([]model.LogLine, error)
	Close() error
}
