package api

import (
	"time"

	"codesync/api/payload"
	"codesync/coordinator"
	"codesync/models"

	"cdr.dev/slog"
	"golang.org/x/xerrors"
)

// ExecuteRequest
//
//	Turns a room member's run request into an execution submission. The
//	requester gets an acknowledgement with the request id; the result
//	itself reaches the whole room once the execution finishes.
func (a *HttpApi) ExecuteRequest(socket *masterWebSocket, msg *payload.WebSocketPayload[any]) {
	req, ok := decodeWebSocketPayload[payload.ExecuteRequestPayload](a, socket, msg)
	if !ok || !a.requireMembership(socket, msg, req.RoomID) {
		return
	}

	if !socket.limiter.Allow() {
		socket.sendError(msg.SequenceID, payload.WebSocketErrorCodeRateLimited, "too many execution requests, slow down")
		return
	}

	username, _ := a.Hub.Username(socket.ctx, socket.id, req.RoomID)

	inputs := req.Inputs
	if inputs == nil {
		inputs = []models.Input{}
	}

	execReq := models.ExecutionRequest{
		ID:                a.Snowflake.Generate().Base36(),
		RoomID:            req.RoomID,
		RequesterID:       socket.id,
		RequesterUsername: username,
		Language:          req.Language,
		SourceCode:        req.Code,
		Inputs:            inputs,
		SubmittedAt:       time.Now(),
	}

	err := a.Coordinator.Submit(socket.ctx, execReq)
	switch {
	case err == nil:
	case xerrors.Is(err, coordinator.ErrBusy):
		// the requester has already been sent the rejection
		return
	case xerrors.Is(err, coordinator.ErrClosed):
		err = socket.write(msg.SequenceID, payload.WebSocketMessageTypeExecutionRejected, models.RejectedEvent{
			RoomID:    req.RoomID,
			RequestID: execReq.ID,
			Reason:    models.RejectReasonShutdown,
			Message:   "the server is shutting down",
		})
		if err != nil {
			socket.logger.Warn(socket.ctx, "failed to send rejection", slog.Error(err))
		}
		return
	default:
		socket.logger.Error(socket.ctx, "failed to submit execution", slog.Error(err))
		socket.sendError(msg.SequenceID, payload.WebSocketErrorCodeServerError, DefaultErrorMessage)
		return
	}

	socket.logger.Info(socket.ctx, "execution submitted",
		slog.F("request_id", execReq.ID),
		slog.F("room_id", execReq.RoomID),
		slog.F("language", execReq.Language),
	)

	err = socket.write(msg.SequenceID, payload.WebSocketMessageTypeExecutionAccepted, payload.ExecutionAcceptedPayload{
		RequestID: execReq.ID,
		RoomID:    execReq.RoomID,
	})
	if err != nil {
		socket.logger.Warn(socket.ctx, "failed to acknowledge execution", slog.Error(err))
	}
}
