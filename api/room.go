package api

import (
	"context"
	"time"

	"codesync/api/payload"
	"codesync/hub"

	"cdr.dev/slog"
)

// requireMembership answers the client and returns false when the socket
// has not joined the room
func (a *HttpApi) requireMembership(socket *masterWebSocket, msg *payload.WebSocketPayload[any], roomID string) bool {
	if a.Hub.InRoom(socket.ctx, socket.id, roomID) {
		return true
	}
	socket.sendError(msg.SequenceID, payload.WebSocketErrorCodeUnauthorized, "join the room first")
	return false
}

// JoinRoom
//
//	Adds the connection to a room and tells every member, the newcomer
//	included, who is present.
func (a *HttpApi) JoinRoom(socket *masterWebSocket, msg *payload.WebSocketPayload[any]) {
	req, ok := decodeWebSocketPayload[payload.JoinRoomPayload](a, socket, msg)
	if !ok {
		return
	}

	members, err := a.Hub.Join(socket.ctx, req.RoomID, hub.Member{
		ConnectionID: socket.id,
		Username:     req.Username,
		Conn:         socket,
	})
	if err != nil {
		socket.logger.Error(socket.ctx, "failed to join room", slog.F("room_id", req.RoomID), slog.Error(err))
		socket.sendError(msg.SequenceID, payload.WebSocketErrorCodeServerError, DefaultErrorMessage)
		return
	}

	socket.logger.Info(socket.ctx, "joined room",
		slog.F("room_id", req.RoomID),
		slog.F("username", req.Username),
	)

	_, err = a.Hub.Broadcast(socket.ctx, req.RoomID, "", payload.WebSocketMessageTypeJoined, payload.JoinedPayload{
		RoomID:       req.RoomID,
		ConnectionID: socket.id,
		Username:     req.Username,
		Members:      members,
	})
	if err != nil {
		socket.logger.Warn(socket.ctx, "failed to announce join", slog.Error(err))
	}
}

// CodeChange relays an editor change to the other members of the room
func (a *HttpApi) CodeChange(socket *masterWebSocket, msg *payload.WebSocketPayload[any]) {
	req, ok := decodeWebSocketPayload[payload.CodeChangePayload](a, socket, msg)
	if !ok || !a.requireMembership(socket, msg, req.RoomID) {
		return
	}

	_, err := a.Hub.Broadcast(socket.ctx, req.RoomID, socket.id, payload.WebSocketMessageTypeCodeChange, req)
	if err != nil {
		socket.logger.Warn(socket.ctx, "failed to relay code change", slog.Error(err))
	}
}

// SyncCode
//
//	Sends the sender's buffer to a single member, typically one that just
//	joined. Both connections must share the room.
func (a *HttpApi) SyncCode(socket *masterWebSocket, msg *payload.WebSocketPayload[any]) {
	req, ok := decodeWebSocketPayload[payload.SyncCodePayload](a, socket, msg)
	if !ok || !a.requireMembership(socket, msg, req.RoomID) {
		return
	}

	if !a.Hub.InRoom(socket.ctx, req.ConnectionID, req.RoomID) {
		socket.sendError(msg.SequenceID, payload.WebSocketErrorCodeBadRequest, "connection is not in the room")
		return
	}

	err := a.Hub.Send(socket.ctx, req.ConnectionID, payload.WebSocketMessageTypeCodeChange, payload.CodeChangePayload{
		RoomID: req.RoomID,
		Code:   req.Code,
	})
	if err != nil {
		socket.logger.Warn(socket.ctx, "failed to sync code",
			slog.F("target", req.ConnectionID),
			slog.Error(err),
		)
	}
}

// SendMessage relays a chat message, stamped by the server, to the other members
func (a *HttpApi) SendMessage(socket *masterWebSocket, msg *payload.WebSocketPayload[any]) {
	req, ok := decodeWebSocketPayload[payload.SendMessagePayload](a, socket, msg)
	if !ok || !a.requireMembership(socket, msg, req.RoomID) {
		return
	}

	username, _ := a.Hub.Username(socket.ctx, socket.id, req.RoomID)

	_, err := a.Hub.Broadcast(socket.ctx, req.RoomID, socket.id, payload.WebSocketMessageTypeReceiveMessage, payload.ReceiveMessagePayload{
		RoomID:    req.RoomID,
		Username:  username,
		Message:   req.Message,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		socket.logger.Warn(socket.ctx, "failed to relay chat message", slog.Error(err))
	}
}

// leaveRooms removes a closed connection from the hub and tells the remaining members
func (a *HttpApi) leaveRooms(socket *masterWebSocket) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	left, err := a.Hub.Leave(ctx, socket.id)
	if err != nil {
		socket.logger.Debug(ctx, "failed to leave rooms", slog.Error(err))
		return
	}

	for _, room := range left {
		_, err := a.Hub.Broadcast(ctx, room.RoomID, socket.id, payload.WebSocketMessageTypeLeft, payload.LeftPayload{
			RoomID:       room.RoomID,
			ConnectionID: socket.id,
			Username:     room.Username,
		})
		if err != nil {
			socket.logger.Debug(ctx, "failed to announce leave", slog.F("room_id", room.RoomID), slog.Error(err))
		}
	}
}
