package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/harun/taskpilot/pkg/plan"
)

// ErrNotFound is returned by Load for unknown ids.
var ErrNotFound = errors.New("session not found")

// StepStatus is the state of one StepExecution.
type StepStatus string

const (
	StepExecuting StepStatus = "executing"
	StepCompleted StepStatus = "completed"
	StepError     StepStatus = "error"
	StepAborted   StepStatus = "aborted"
)

// Terminal reports whether the status is final.
func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepError || s == StepAborted
}

// Outcome is the terminal state of a whole run.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeAborted   Outcome = "aborted"
	OutcomeFailed    Outcome = "failed"
)

// Message is one entry of the session transcript.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Files     []string  `json:"files,omitempty"`
}

// ToolCallRecord is a tool call together with the result it produced.
type ToolCallRecord struct {
	ID      string                 `json:"id"`
	Name    string                 `json:"name"`
	Input   map[string]interface{} `json:"input"`
	Result  interface{}            `json:"result"`
	IsError bool                   `json:"isError"`
}

// StepExecution records one plan step. It is created with status executing
// and moves exactly once to a terminal status.
type StepExecution struct {
	StepNumber  int              `json:"stepNumber"`
	Agent       string           `json:"agent"`
	Model       *string          `json:"model,omitempty"`
	Description string           `json:"description"`
	Query       string           `json:"query"`
	Response    string           `json:"response"`
	ToolCalls   []ToolCallRecord `json:"toolCalls"`
	Status      StepStatus       `json:"status"`
	Error       string           `json:"error,omitempty"`
	StartedAt   time.Time        `json:"startedAt"`
	CompletedAt *time.Time       `json:"completedAt,omitempty"`
}

// ExecutionSession is the persisted record of one run.
type ExecutionSession struct {
	ID             string          `json:"id"`
	Task           string          `json:"task"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	Messages       []Message       `json:"messages"`
	Plan           *plan.Plan      `json:"plan,omitempty"`
	StepExecutions []StepExecution `json:"stepExecutions"`
	Outcome        Outcome         `json:"outcome,omitempty"`
	Result         string          `json:"result,omitempty"`
}

// Summary is the list view of a session.
type Summary struct {
	ID        string    `json:"id"`
	Task      string    `json:"task"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Steps     int       `json:"steps"`
	Outcome   Outcome   `json:"outcome,omitempty"`
}

// Store persists execution sessions. Save overwrites by id.
type Store interface {
	Save(ctx context.Context, s *ExecutionSession) error
	Load(ctx context.Context, id string) (*ExecutionSession, error)
	List(ctx context.Context) ([]Summary, error)
	Close() error
}

// NewID returns a fresh session id.
func NewID() string {
	return gonanoid.Must()
}

// New creates a session for task with its opening user message.
func New(task string, files []string) *ExecutionSession {
	now := time.Now().UTC()
	return &ExecutionSession{
		ID:        NewID(),
		Task:      task,
		CreatedAt: now,
		UpdatedAt: now,
		Messages: []Message{{
			Role:      "user",
			Content:   task,
			Timestamp: now,
			Files:     append([]string(nil), files...),
		}},
		StepExecutions: []StepExecution{},
	}
}

// AddMessage appends a transcript entry.
func (s *ExecutionSession) AddMessage(role, content string) {
	s.Messages = append(s.Messages, Message{Role: role, Content: content, Timestamp: time.Now().UTC()})
}

// Summarize returns the list view of s.
func (s *ExecutionSession) Summarize() Summary {
	return Summary{
		ID:        s.ID,
		Task:      s.Task,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
		Steps:     len(s.StepExecutions),
		Outcome:   s.Outcome,
	}
}

// touch moves UpdatedAt forward, never backward.
func touch(s *ExecutionSession) {
	now := time.Now().UTC()
	if now.After(s.UpdatedAt) {
		s.UpdatedAt = now
	}
}

// validateID rejects ids that are not safe as file names.
func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("session id cannot contain '..'")
	}
	if strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("session id cannot contain path separators")
	}
	if strings.Contains(id, "\x00") {
		return fmt.Errorf("session id cannot contain null bytes")
	}
	return nil
}
