package models

import "time"

// ResultEvent
//
//	Event broadcast to every member of a room once one of the room's
//	executions has finished.
type ResultEvent struct {
	RoomID            string          `json:"roomId"`
	RequestID         string          `json:"requestId"`
	Result            ExecutionResult `json:"result"`
	RequesterUsername string          `json:"requesterUsername"`
	ExecutionTimeMs   int64           `json:"executionTimeMs"`
	Inputs            []Input         `json:"inputs"`
	Language          string          `json:"language"`
	SubmittedAt       time.Time       `json:"submittedAt"`
	CompletedAt       time.Time       `json:"completedAt"`
}

// RejectReason
//
//	Why a submission was refused before it reached the engine.
type RejectReason string

const (
	RejectReasonBusy     RejectReason = "busy"
	RejectReasonShutdown RejectReason = "shutting_down"
)

// RejectedEvent
//
//	Event sent only to the requester of a submission that was not admitted.
type RejectedEvent struct {
	RoomID    string       `json:"roomId"`
	RequestID string       `json:"requestId"`
	Reason    RejectReason `json:"reason"`
	Message   string       `json:"message"`
}

// NewResultEvent
//
//	Assembles the room broadcast for a finished request.
func NewResultEvent(req ExecutionRequest, res ExecutionResult, completedAt time.Time) ResultEvent {
	inputs := req.Inputs
	if inputs == nil {
		inputs = []Input{}
	}
	return ResultEvent{
		RoomID:            req.RoomID,
		RequestID:         req.ID,
		Result:            res,
		RequesterUsername: req.RequesterUsername,
		ExecutionTimeMs:   res.ExecutionTimeMs,
		Inputs:            inputs,
		Language:          req.Language,
		SubmittedAt:       req.SubmittedAt,
		CompletedAt:       completedAt,
	}
}
