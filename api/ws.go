package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"sync/atomic"
	"time"

	"codesync/api/payload"
	"codesync/metrics"

	"cdr.dev/slog"
	"github.com/bwmarrin/snowflake"
	"github.com/go-playground/validator/v10"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	// max message size is 2MiB, enough for a source file and its inputs
	maxMessageSize = 2 * 1024 * 1024

	pingInterval = 5 * time.Second
	writeTimeout = 10 * time.Second
)

// masterWebSocket
//
//	masterWebSocket is used to pass the properties of a master web socket
//	connection to the multiple goroutines that will be spawned to handle
//	the connection.
type masterWebSocket struct {
	// id of the connection, used by other members to address it
	id string

	// web socket connection
	ws *websocket.Conn

	// time of the last websocket interaction
	lastInteraction *atomic.Pointer[time.Time]

	// worker pool to manage the concurrent resources of this connection
	pool *pool.Pool

	// context for the connection
	ctx context.Context

	// cancel function for the connection
	cancel context.CancelCauseFunc

	// logger for the connection
	logger slog.Logger

	// map of handlers for each message type
	handlers map[payload.WebSocketMessageType]WebSocketHandlerFunc

	// limits how often the connection may submit executions
	limiter *rate.Limiter

	// generates sequence ids for server initiated messages
	snowflake *snowflake.Node
}

// WebSocketHandlerFunc
//
//	WebSocketHandlerFunc is the function signature for handlers meant to process
//	a specific WebSocketPayload type when sent from the client to the server.
type WebSocketHandlerFunc func(socket *masterWebSocket, msg *payload.WebSocketPayload[any])

// write sends a message in reply to a client sequence
func (s *masterWebSocket) write(seqID string, msgType payload.WebSocketMessageType, data any) error {
	ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, s.ws, payload.PrepPayload(seqID, msgType, data))
}

// Send delivers a server initiated message. It is how the hub reaches the connection.
func (s *masterWebSocket) Send(ctx context.Context, msgType payload.WebSocketMessageType, data any) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	// the write must also stop when the socket goes away
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	return wsjson.Write(ctx, s.ws, payload.PrepPayload(s.snowflake.Generate().Base36(), msgType, data))
}

// sendError sends a generic error payload and logs when that fails
func (s *masterWebSocket) sendError(seqID string, code payload.WebSocketErrorCode, message string) {
	err := s.write(seqID, payload.WebSocketMessageTypeGenericError, payload.GenericErrorPayload{
		Error: message,
		Code:  code,
	})
	if err != nil {
		s.logger.Error(s.ctx, "failed to send error payload", slog.Error(err))
	}
}

// MasterWebSocket
//
//	The master web socket carrying every room message of one client.
func (a *HttpApi) MasterWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: a.AllowedOrigins,
	})
	if err != nil {
		// Accept has already written the response
		a.Logger.Warn(r.Context(), "failed to accept websocket", slog.Error(err))
		return
	}

	ws.SetReadLimit(maxMessageSize)

	// WARNING: we can no longer use the built in response handlers like
	// handleError and handleJsonResponse we have just hijacked the connection
	// and upgraded to a websocket

	// the request context ends when this function returns but the socket
	// lives much longer than that
	ctx, cancel := context.WithCancelCause(context.Background())

	connID := a.Snowflake.Generate().Base36()
	logger := a.Logger.With(
		slog.F("connection_id", connID),
		slog.F("ip", r.Context().Value(CtxKeyIPAddress)),
	)

	logger.Info(r.Context(), "new web socket connection")

	languages := make([]string, 0)
	for _, l := range a.Registry.Languages() {
		languages = append(languages, l.String())
	}

	err = wsjson.Write(ctx, ws, payload.PrepPayload(
		a.Snowflake.Generate().Base36(),
		payload.WebSocketMessageTypeInit,
		payload.InitPayload{
			Epoch:        time.Now().UnixMilli(),
			NodeID:       fmt.Sprintf("%v", a.NodeID),
			ConnectionID: connID,
			Languages:    languages,
		},
	))
	if err != nil {
		cancel(fmt.Errorf("failed to send init payload: %w", err))
		logger.Error(r.Context(), "failed to send init payload", slog.Error(err))
		_ = ws.Close(websocket.StatusInternalError, "internal server error")
		return
	}

	limit := rate.Limit(a.SubmitRatePerSec)
	if a.SubmitRatePerSec <= 0 {
		limit = rate.Inf
	}

	var safeTime atomic.Pointer[time.Time]
	t := time.Now()
	safeTime.Store(&t)

	socket := &masterWebSocket{
		id:              connID,
		ws:              ws,
		lastInteraction: &safeTime,
		pool:            pool.New().WithMaxGoroutines(a.MaxHandlersPerSocket),
		ctx:             ctx,
		cancel:          cancel,
		logger:          logger,
		limiter:         rate.NewLimiter(limit, a.SubmitBurst),
		snowflake:       a.Snowflake,
		handlers: map[payload.WebSocketMessageType]WebSocketHandlerFunc{
			payload.WebSocketMessageTypeJoinRoom:       a.JoinRoom,
			payload.WebSocketMessageTypeCodeChange:     a.CodeChange,
			payload.WebSocketMessageTypeSyncCode:       a.SyncCode,
			payload.WebSocketMessageTypeSendMessage:    a.SendMessage,
			payload.WebSocketMessageTypeExecuteRequest: a.ExecuteRequest,
		},
	}

	a.sockets.Store(connID, socket)

	a.wg.Go(func() {
		a.activeConnections.Add(1)
		metrics.ConnectedClients.Inc()
		defer func() {
			a.sockets.Delete(connID)
			metrics.ConnectedClients.Dec()
			a.activeConnections.Add(-1)
		}()
		a.masterWebSocketLoop(socket)
	})
}

// masterWebSocketLoop
//
//	Dispatches client messages to their handlers and keeps the connection
//	alive until either side closes it.
func (a *HttpApi) masterWebSocketLoop(socket *masterWebSocket) {
	defer func() {
		socket.cancel(fmt.Errorf("masterWebSocketLoop: exiting on closure"))

		// NOTE: if the socket is still open here then something has gone wrong
		_ = socket.ws.Close(websocket.StatusInternalError, "internal server error")

		socket.pool.Wait()

		a.leaveRooms(socket)
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	// buffered so a fast client does not block the reader while handlers run
	messages := make(chan *payload.WebSocketPayload[any], 100)

	a.wg.Go(func() {
		a.masterWebSocketRead(socket, messages)
	})

	for {
		select {
		case <-socket.ctx.Done():
			if ctxErr := context.Cause(socket.ctx); ctxErr != nil {
				socket.logger.Debug(socket.ctx, "masterWebSocketLoop closed", slog.Error(ctxErr))
			}
			return
		case <-ticker.C:
			err := socket.ws.Ping(socket.ctx)
			if err != nil {
				socket.logger.Debug(socket.ctx, "failed to send ping to client", slog.Error(err))
				return
			}
		case message := <-messages:
			handler, ok := socket.handlers[message.Type]
			if !ok {
				socket.logger.Warn(socket.ctx, "received unknown message type", slog.F("type", message.Type.String()))
				socket.sendError(message.SequenceID, payload.WebSocketErrorCodeBadRequest,
					fmt.Sprintf("unsupported message type %s", message.Type))
				continue
			}

			socket.pool.Go(func() {
				a.handlerWrapper(handler, socket, message)
			})
		}
	}
}

// masterWebSocketRead
//
//	The master web socket read loop to read messages from the client.
func (a *HttpApi) masterWebSocketRead(socket *masterWebSocket, messages chan *payload.WebSocketPayload[any]) {
	defer func() {
		if r := recover(); r != nil {
			socket.cancel(fmt.Errorf("masterWebSocketRead: panic: %v", r))
			socket.logger.Error(socket.ctx, "masterWebSocketRead: panic",
				slog.F("panic", fmt.Sprint(r)),
				slog.F("stack", string(debug.Stack())),
			)
		} else {
			socket.cancel(fmt.Errorf("masterWebSocketRead: exiting on closure"))
		}
		_ = socket.ws.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		var message payload.WebSocketPayload[any]
		err := wsjson.Read(socket.ctx, socket.ws, &message)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				socket.logger.Debug(socket.ctx, "websocket closed")
			} else {
				socket.logger.Warn(socket.ctx, "failed to read message from client", slog.Error(err))
			}
			return
		}

		if !a.validateWebSocketPayload(socket, &message, nil) {
			continue
		}

		t := time.Now()
		socket.lastInteraction.Store(&t)

		select {
		case messages <- &message:
		case <-socket.ctx.Done():
			return
		}
	}
}

// validateWebSocketPayload
//
//	Validates the envelope, or the inner payload when one is passed, and
//	reports the failed fields to the client.
func (a *HttpApi) validateWebSocketPayload(socket *masterWebSocket, msg *payload.WebSocketPayload[any], inner interface{}) bool {
	var err error
	if inner != nil {
		err = a.validator.Struct(inner)
	} else {
		err = a.validator.Struct(msg)
	}

	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		failedValidations := make(map[string]string)
		for _, validationError := range validationErrors {
			failedValidations[validationError.Field()] = validationError.Tag()
		}

		err = socket.write(msg.SequenceID, payload.WebSocketMessageTypeValidationError, payload.ValidationErrorPayload{
			GenericErrorPayload: payload.GenericErrorPayload{
				Error: "validation failed",
				Code:  payload.WebSocketErrorCodeBadRequest,
			},
			ValidationErrors: failedValidations,
		})
		if err != nil {
			socket.logger.Error(socket.ctx, "failed to send validation error payload", slog.Error(err))
		}
		return false
	}

	if err != nil {
		socket.logger.Error(socket.ctx, "unexpected validation failure", slog.Error(err))
		socket.sendError(msg.SequenceID, payload.WebSocketErrorCodeServerError, DefaultErrorMessage)
		return false
	}

	return true
}

// decodeWebSocketPayload
//
//	Re-decodes the untyped payload of a message into T and validates it.
//	The client has been answered when false is returned.
func decodeWebSocketPayload[T any](a *HttpApi, socket *masterWebSocket, msg *payload.WebSocketPayload[any]) (*T, bool) {
	var out T

	buf, err := json.Marshal(msg.Payload)
	if err == nil {
		err = json.Unmarshal(buf, &out)
	}
	if err != nil {
		err = socket.write(msg.SequenceID, payload.WebSocketMessageTypeValidationError, payload.ValidationErrorPayload{
			GenericErrorPayload: payload.GenericErrorPayload{
				Error: "validation failed",
				Code:  payload.WebSocketErrorCodeBadRequest,
			},
			ValidationErrors: map[string]string{
				"payload": fmt.Sprintf("payload is not a valid %s payload", msg.Type),
			},
		})
		if err != nil {
			socket.logger.Error(socket.ctx, "failed to send validation error payload", slog.Error(err))
		}
		return nil, false
	}

	if !a.validateWebSocketPayload(socket, msg, &out) {
		return nil, false
	}

	return &out, true
}

// handlerWrapper
//
//	Wraps all handler functions to provide global middleware such as panic recovery.
func (a *HttpApi) handlerWrapper(handler WebSocketHandlerFunc, socket *masterWebSocket, msg *payload.WebSocketPayload[any]) {
	defer func() {
		if r := recover(); r != nil {
			panicErr := fmt.Errorf("panic: %v\n%s", r, debug.Stack())
			socket.logger.Error(
				socket.ctx,
				"unexpected panic in websocket handler",
				slog.F("msg_type", msg.Type.String()),
				slog.Error(panicErr),
			)
			socket.sendError(msg.SequenceID, payload.WebSocketErrorCodeServerError, DefaultErrorMessage)
		}
	}()

	handler(socket, msg)
}
