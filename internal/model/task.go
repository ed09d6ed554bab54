package model

import "time"

// ChoreographyTask tracks one blueprint execution.
type ChoreographyTask struct {
	ID              string      `json:"task_id"`
	Status          TaskStatus  `json:"status"`
	Progress        int         `json:"progress"`
	Stage           string      `json:"stage"`
	Message         string      `json:"message"`
	Result          *TaskResult `json:"result,omitempty"`
	Error           *string     `json:"error,omitempty"`
	CancelRequested bool        `json:"cancel_requested"`
	FallbackLevel   int         `json:"fallback_level,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
	StartedAt       *time.Time  `json:"started_at,omitempty"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
}

// TaskResult references the produced artifact.
type TaskResult struct {
	VideoRef string  `json:"video_ref"`
	Duration float64 `json:"duration,omitempty"`
	Size     int64   `json:"size,omitempty"`
}

// ChoreographyStartRequest is the body of POST /api/choreography/start.
type ChoreographyStartRequest struct {
	AudioPath     string          `json:"audio_path" validate:"required,max=1024"`
	AudioDuration float64         `json:"audio_duration" validate:"required,gt=0,lte=3600"`
	Query         QueryParameters `json:"query"`
	Output        *OutputConfig   `json:"output_config,omitempty"`
}

// ChoreographyStartResponse is returned when a task has been queued.
type ChoreographyStartResponse struct {
	TaskID        string     `json:"task_id"`
	Status        TaskStatus `json:"status"`
	FallbackLevel int        `json:"fallback_level"`
	Message       string     `json:"message,omitempty"`
	MoveCount     int        `json:"move_count"`
	CreatedAt     time.Time  `json:"created_at"`
}

// ChoreographyCancelResponse acknowledges a cancellation request.
type ChoreographyCancelResponse struct {
	Success bool       `json:"success"`
	TaskID  string     `json:"task_id"`
	Status  TaskStatus `json:"status"`
}

// BlueprintValidateResponse lists every violation found in a document.
type BlueprintValidateResponse struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationIssue `json:"errors"`
}

// ValidationIssue is the wire form of a single blueprint violation.
type ValidationIssue struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ChoreographyResultResponse describes the finished video.
type ChoreographyResultResponse struct {
	TaskID      string     `json:"task_id"`
	VideoRef    string     `json:"video_ref"`
	URL         string     `json:"url,omitempty"`
	Duration    float64    `json:"duration,omitempty"`
	Size        int64      `json:"size,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
