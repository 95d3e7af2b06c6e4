package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

var (
	ErrInvalidEncoding = errors.New("message body is not valid UTF-8")
	ErrInvalidJob      = errors.New("invalid job message")
)

// JobMessage is the payload carried by one queue message
type JobMessage struct {
	JobID        string `json:"job_id,omitempty"`
	InputFile    string `json:"input_file"`              // path relative to the host input directory
	Preset       string `json:"preset"`                  // encoder preset passed to the conversion image
	OutputPrefix string `json:"output_prefix,omitempty"` // object key prefix, defaults to the job id
	CallbackURL  string `json:"callback_url,omitempty"`  // receives the JobResult once the job settles
}

// Validate checks the fields every job needs.
func (m JobMessage) Validate() error {
	if strings.TrimSpace(m.InputFile) == "" {
		return fmt.Errorf("%w: input_file is required", ErrInvalidJob)
	}
	if strings.TrimSpace(m.Preset) == "" {
		return fmt.Errorf("%w: preset is required", ErrInvalidJob)
	}
	for _, seg := range strings.FieldsFunc(m.OutputPrefix, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return fmt.Errorf("%w: output_prefix %q leaves the key prefix", ErrInvalidJob, m.OutputPrefix)
		}
	}
	return nil
}

// DecodeJobMessage parses a UTF-8 JSON message body.
func DecodeJobMessage(body []byte) (JobMessage, error) {
	if !utf8.Valid(body) {
		return JobMessage{}, ErrInvalidEncoding
	}

	var msg JobMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return JobMessage{}, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	if err := msg.Validate(); err != nil {
		return JobMessage{}, err
	}
	return msg, nil
}

// JobStatus is the final state recorded for a job
type JobStatus string

const (
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// JobResult is what the worker records once a job is settled.
type JobResult struct {
	JobID          string     `json:"job_id"`
	Status         JobStatus  `json:"status"`
	Job            JobMessage `json:"job"`
	ExitCode       int64      `json:"exit_code"`
	Error          string     `json:"error,omitempty"`
	PublishStatus  string     `json:"publish_status,omitempty"`
	FilesAttempted int        `json:"files_attempted"`
	FilesSucceeded int        `json:"files_succeeded"`
	FailedFiles    []string   `json:"failed_files,omitempty"`
	Attempt        int        `json:"attempt"`
	DurationMs     int64      `json:"duration_ms"`
	CompletedAt    time.Time  `json:"completed_at"`
}
