package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Type string

const (
	TypeJobStarted   Type = "job_started"
	TypeJobProgress  Type = "job_progress"
	TypeJobCompleted Type = "job_completed"
	TypeJobFailed    Type = "job_failed"
)

type Stage string

const (
	StageStarted   Stage = "started"
	StageChunking  Stage = "chunking"
	StageEmbedding Stage = "embedding"
	StageIndexing  Stage = "indexing"
	StageCompleted Stage = "completed"
	StageFailed    Stage = "failed"
)

// Rank orders stages within a job. Terminal stages share the highest rank.
func (s Stage) Rank() int {
	switch s {
	case StageStarted:
		return 0
	case StageChunking:
		return 1
	case StageEmbedding:
		return 2
	case StageIndexing:
		return 3
	case StageCompleted, StageFailed:
		return 4
	default:
		return -1
	}
}

// Event is one of JobStarted, JobProgress, JobCompleted or JobFailed.
type Event interface {
	Type() Type
	Meta() Header
	isEvent()
}

// Header carries the fields shared by every event.
type Header struct {
	JobID     string    `json:"jobId"`
	TenantID  string    `json:"tenantId"`
	Timestamp time.Time `json:"timestamp"`
}

func (h Header) Meta() Header { return h }
func (Header) isEvent() {}

type JobStarted struct {
	Header
	TotalSteps int    `json:"totalSteps"`
	Title      string `json:"title"`
}

type JobProgress struct {
	Header
	Stage       Stage   `json:"stage"`
	CurrentStep int     `json:"currentStep"`
	TotalSteps  int     `json:"totalSteps"`
	Percent     float64 `json:"percent"`
	Message     string  `json:"message,omitempty"`
}

type JobCompleted struct {
	Header
	DurationMs int64 `json:"durationMs"`
}

type FailureInfo struct {
	Name      string `json:"name"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type JobFailed struct {
	Header
	Error FailureInfo `json:"error"`
}

func (JobStarted) Type() Type { return TypeJobStarted }
func (JobProgress) Type() Type { return TypeJobProgress }
func (JobCompleted) Type() Type { return TypeJobCompleted }
func (JobFailed) Type() Type { return TypeJobFailed }

// StageOf maps an event to its position in the job lifecycle.
func StageOf(e Event) Stage {
	switch ev := e.(type) {
	case JobStarted:
		return StageStarted
	case JobProgress:
		return ev.Stage
	case JobCompleted:
		return StageCompleted
	case JobFailed:
		return StageFailed
	default:
		panic(fmt.Sprintf("events: unknown event %T", e))
	}
}

func IsTerminal(e Event) bool {
	switch e.(type) {
	case JobCompleted, JobFailed:
		return true
	default:
		return false
	}
}

var ErrUnknownType = errors.New("unknown event type")

// Marshal encodes e with its "type" discriminator.
func Marshal(e Event) ([]byte, error) {
	type started struct {
		Type Type `json:"type"`
		JobStarted
	}
	type progress struct {
		Type Type `json:"type"`
		JobProgress
	}
	type completed struct {
		Type Type `json:"type"`
		JobCompleted
	}
	type failed struct {
		Type Type `json:"type"`
		JobFailed
	}

	switch ev := e.(type) {
	case JobStarted:
		return json.Marshal(started{ev.Type(), ev})
	case JobProgress:
		return json.Marshal(progress{ev.Type(), ev})
	case JobCompleted:
		return json.Marshal(completed{ev.Type(), ev})
	case JobFailed:
		return json.Marshal(failed{ev.Type(), ev})
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, e)
	}
}

// Unmarshal decodes a wire event. Unknown discriminators are rejected.
func Unmarshal(data []byte) (Event, error) {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	var (
		ev  Event
		err error
	)
	switch head.Type {
	case TypeJobStarted:
		var v JobStarted
		err = json.Unmarshal(data, &v)
		ev = v
	case TypeJobProgress:
		var v JobProgress
		err = json.Unmarshal(data, &v)
		ev = v
	case TypeJobCompleted:
		var v JobCompleted
		err = json.Unmarshal(data, &v)
		ev = v
	case TypeJobFailed:
		var v JobFailed
		err = json.Unmarshal(data, &v)
		ev = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", head.Type, err)
	}
	if ev.Meta().JobID == "" || ev.Meta().TenantID == "" {
		return nil, fmt.Errorf("decode %s: missing jobId or tenantId", head.Type)
	}
	return ev, nil
}
