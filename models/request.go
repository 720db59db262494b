package models

import (
	"strings"
	"time"
)

// Input
//
//	One labelled program input supplied alongside a submission.
type Input struct {
	Label string    `json:"label" validate:"max=128"`
	Value string    `json:"value" validate:"max=65536"`
	Kind  InputKind `json:"type" validate:"omitempty,oneof=text number multiline"`
}

// Lines
//
//	Returns the stdin lines this input contributes, in order. Multiline
//	values contribute one line per line of text, number values are trimmed
//	and every other value is a single line.
func (i Input) Lines() []string {
	switch i.Kind {
	case InputKindMultiline:
		v := strings.ReplaceAll(i.Value, "\r\n", "\n")
		return strings.Split(strings.TrimSuffix(v, "\n"), "\n")
	case InputKindNumber:
		return []string{strings.TrimSpace(i.Value)}
	default:
		return []string{strings.TrimRight(i.Value, "\r\n")}
	}
}

// ExecutionRequest
//
//	Immutable description of one "run my code" submission made by a
//	room member. It is consumed exactly once by the execution engine.
type ExecutionRequest struct {
	ID                string    `json:"id"`
	RoomID            string    `json:"room_id"`
	RequesterID       string    `json:"requester_id"`
	RequesterUsername string    `json:"requester_username"`
	Language          string    `json:"language"`
	SourceCode        string    `json:"source_code"`
	Inputs            []Input   `json:"inputs"`
	SubmittedAt       time.Time `json:"submitted_at"`
}

// StdinLines
//
//	Flattens the inputs into the ordered list of values a program would
//	read from standard input.
func (r ExecutionRequest) StdinLines() []string {
	lines := make([]string, 0, len(r.Inputs))
	for _, in := range r.Inputs {
		lines = append(lines, in.Lines()...)
	}
	return lines
}
