package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Default timeouts applied at submission when the caller leaves them unset.
// Requests with an empty command list still enqueue; they simply run with
// these defaults.
const (
	DefaultExecutionTimeout   = 1 * time.Hour
	DefaultIOTimeout          = 20 * time.Minute
	DefaultSchedulingDeadline = 24 * time.Hour
	MaxPriority               = 255
	MaxDimensionKeys          = 64
	MaxDimensionValuesPerKey  = 16
)

// DataRef points at an input bundle the bot must fetch before running the
// commands. The URL is opaque to the scheduler.
type DataRef struct {
	URL    string `json:"url" yaml:"url"`
	Digest string `json:"digest,omitempty" yaml:"digest,omitempty"`
}

// TaskProperties holds everything the bot needs to execute the task.
// Dimensions is a requirement: for every key, the bot must report at least
// one of the listed values.
type TaskProperties struct {
	Commands         [][]string          `json:"commands" yaml:"commands"`
	Data             []DataRef           `json:"data,omitempty" yaml:"data,omitempty"`
	Dimensions       map[string][]string `json:"dimensions" yaml:"dimensions"`
	Env              map[string]string   `json:"env,omitempty" yaml:"env,omitempty"`
	ExecutionTimeout time.Duration       `json:"execution_timeout" yaml:"execution_timeout"`
	IOTimeout        time.Duration       `json:"io_timeout" yaml:"io_timeout"`
}

// TaskRequest is the immutable record of what was asked for. It is created
// once by MakeRequest and never mutated afterwards; a retry produces a brand
// new TaskRequest with a fresh ID rather than touching this one.
type TaskRequest struct {
	ID                 uuid.UUID      `json:"id" yaml:"id"`
	Name               string         `json:"name" yaml:"name"`
	User               string         `json:"user" yaml:"user"`
	Priority           int            `json:"priority" yaml:"priority"` // Lower is more urgent.
	Properties         TaskProperties `json:"properties" yaml:"properties"`
	SchedulingDeadline time.Duration  `json:"scheduling_deadline" yaml:"scheduling_deadline"`
	CreatedAt          time.Time      `json:"created_at" yaml:"created_at"`
}

// ExpiresAt returns the instant after which an unclaimed task can no longer
// be handed out.
func (r *TaskRequest) ExpiresAt() time.Time {
	return r.CreatedAt.Add(r.SchedulingDeadline)
}

// SubmitRequest is the caller-facing shape accepted by MakeRequest. The
// zero values of the timeout fields mean "use the defaults".
type SubmitRequest struct {
	Name               string              `json:"name"`
	User               string              `json:"user"`
	Priority           int                 `json:"priority"`
	Commands           [][]string          `json:"commands"`
	Data               []DataRef           `json:"data,omitempty"`
	Dimensions         map[string][]string `json:"dimensions"`
	Env                map[string]string   `json:"env,omitempty"`
	ExecutionTimeout   time.Duration       `json:"execution_timeout,omitempty"`
	IOTimeout          time.Duration       `json:"io_timeout,omitempty"`
	SchedulingDeadline time.Duration       `json:"scheduling_deadline,omitempty"`
}

// Validate checks the submission and returns an ErrValidation-wrapped error
// describing the first problem found.
func (s *SubmitRequest) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	if s.User == "" {
		return fmt.Errorf("%w: user is required", ErrValidation)
	}
	if s.Priority < 0 || s.Priority > MaxPriority {
		return fmt.Errorf("%w: priority %d out of range [0, %d]", ErrValidation, s.Priority, MaxPriority)
	}
	if len(s.Dimensions) == 0 {
		return fmt.Errorf("%w: at least one dimension is required", ErrValidation)
	}
	if len(s.Dimensions) > MaxDimensionKeys {
		return fmt.Errorf("%w: too many dimension keys (%d)", ErrValidation, len(s.Dimensions))
	}
	for key, values := range s.Dimensions {
		if key == "" {
			return fmt.Errorf("%w: empty dimension key", ErrValidation)
		}
		if len(values) == 0 {
			return fmt.Errorf("%w: dimension %q has no values", ErrValidation, key)
		}
		if len(values) > MaxDimensionValuesPerKey {
			return fmt.Errorf("%w: dimension %q has too many values (%d)", ErrValidation, key, len(values))
		}
		for _, v := range values {
			if v == "" {
				return fmt.Errorf("%w: dimension %q has an empty value", ErrValidation, key)
			}
		}
	}
	if s.ExecutionTimeout < 0 || s.IOTimeout < 0 || s.SchedulingDeadline < 0 {
		return fmt.Errorf("%w: timeouts must not be negative", ErrValidation)
	}
	return nil
}

// NewTaskRequest builds the immutable request from a validated submission,
// filling in defaults for any timeout left at zero. An empty command list is
// accepted; the historical behavior is to compute timeouts from defaults.
func NewTaskRequest(s *SubmitRequest) *TaskRequest {
	props := TaskProperties{
		Commands:         s.Commands,
		Data:             s.Data,
		Dimensions:       copyDimensions(s.Dimensions),
		Env:              copyEnv(s.Env),
		ExecutionTimeout: s.ExecutionTimeout,
		IOTimeout:        s.IOTimeout,
	}
	if props.ExecutionTimeout == 0 {
		props.ExecutionTimeout = DefaultExecutionTimeout
	}
	if props.IOTimeout == 0 {
		props.IOTimeout = DefaultIOTimeout
	}
	deadline := s.SchedulingDeadline
	if deadline == 0 {
		deadline = DefaultSchedulingDeadline
	}
	return &TaskRequest{
		ID:                 uuid.New(),
		Name:               s.Name,
		User:               s.User,
		Priority:           s.Priority,
		Properties:         props,
		SchedulingDeadline: deadline,
		CreatedAt:          time.Now().UTC(),
	}
}

// ToSubmit converts the request back into a submission with identical
// properties. Retry uses this to duplicate a request under a new identity.
func (r *TaskRequest) ToSubmit(user string) *SubmitRequest {
	return &SubmitRequest{
		Name:               r.Name,
		User:               user,
		Priority:           r.Priority,
		Commands:           r.Properties.Commands,
		Data:               r.Properties.Data,
		Dimensions:         copyDimensions(r.Properties.Dimensions),
		Env:                copyEnv(r.Properties.Env),
		ExecutionTimeout:   r.Properties.ExecutionTimeout,
		IOTimeout:          r.Properties.IOTimeout,
		SchedulingDeadline: r.SchedulingDeadline,
	}
}

func copyDimensions(dims map[string][]string) map[string][]string {
	if dims == nil {
		return nil
	}
	out := make(map[string][]string, len(dims))
	for k, vs := range dims {
		out[k] = append([]string(nil), vs...)
	}
	return out
}

func copyEnv(env map[string]string) map[string]string {
	if env == nil {
		return nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = v
	}
	return out
}
