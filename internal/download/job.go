package download

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status 是任务生命周期状态。合法迁移:
// queued->running, queued->failed, running->completed, running->failed。
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// validTransition 定义状态机白名单。
func validTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusRunning || to == StatusFailed
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// Spec 是提交下载任务的入参。
type Spec struct {
	Platform string `json:"platform"`
	Symbol   string `json:"symbol"`
	PeriodID string `json:"period_id"`
	Start    int64  `json:"start"` // Unix ms，含
	End      int64  `json:"end"`   // Unix ms，不含
}

// ValidationError 表示提交参数不合法，HTTP 层映射为 400。
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

func (s *Spec) normalize() error {
	s.Platform = strings.ToLower(strings.TrimSpace(s.Platform))
	s.Symbol = strings.TrimSpace(s.Symbol)
	s.PeriodID = strings.ToUpper(strings.TrimSpace(s.PeriodID))
	if s.Symbol == "" {
		return &ValidationError{Field: "symbol", Msg: "不能为空"}
	}
	if s.PeriodID == "" {
		return &ValidationError{Field: "period_id", Msg: "不能为空"}
	}
	if s.Start <= 0 {
		return &ValidationError{Field: "start", Msg: "必须为正的毫秒时间戳"}
	}
	if s.End < s.Start {
		return &ValidationError{Field: "end", Msg: "不能早于 start"}
	}
	return nil
}

// Job 是持久化的下载任务记录。
type Job struct {
	ID       string `json:"id"`
	Platform string `json:"platform"`
	Symbol   string `json:"symbol"`
	PeriodID string `json:"period_id"`
	Start    int64  `json:"start"`
	End      int64  `json:"end"`

	Status   Status  `json:"status"`
	Progress float64 `json:"progress"` // 0~100
	Message  string  `json:"message,omitempty"`

	Expected int64  `json:"expected_candles"`
	Fetched  int64  `json:"fetched_candles"`
	Missing  int64  `json:"missing_candles"`
	FilePath string `json:"file_path,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func newJob(spec Spec) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:        uuid.NewString(),
		Platform:  spec.Platform,
		Symbol:    spec.Symbol,
		PeriodID:  spec.PeriodID,
		Start:     spec.Start,
		End:       spec.End,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
