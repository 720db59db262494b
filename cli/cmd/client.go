package cmd

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"codesync/api/payload"

	"github.com/buger/jsonparser"
	"github.com/coder/retry"
	"golang.org/x/xerrors"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type RoomClientOptions struct {
	// Address is the <host>:<port> of the server
	Address string
	// Secret is the shared bearer token, empty when the server is open
	Secret string
	// DialTimeout bounds how long the client keeps retrying the initial connection
	DialTimeout time.Duration
}

// RoomClient
//
//	Minimal websocket client for the room protocol.
type RoomClient struct {
	conn *websocket.Conn
	init payload.InitPayload
}

// Message is a server frame with its payload left undecoded
type Message struct {
	Type       payload.WebSocketMessageType
	SequenceID string
	Payload    []byte
}

func NewRoomClient(ctx context.Context, opts RoomClientOptions) (*RoomClient, error) {
	target := url.URL{Scheme: "ws", Host: opts.Address, Path: "/api/v1/ws"}
	if len(opts.Secret) > 0 {
		target.RawQuery = url.Values{"token": {opts.Secret}}.Encode()
	}

	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()

	var (
		conn *websocket.Conn
		err  error
	)
	for r := retry.New(250*time.Millisecond, 2*time.Second); r.Wait(dialCtx); {
		conn, _, err = websocket.Dial(dialCtx, target.String(), nil)
		if err == nil {
			break
		}
	}
	if conn == nil {
		if err == nil {
			err = dialCtx.Err()
		}
		return nil, xerrors.Errorf("failed to dial %s: %w", opts.Address, err)
	}
	conn.SetReadLimit(4 * 1024 * 1024)

	c := &RoomClient{conn: conn}

	msg, err := c.Next(ctx)
	if err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return nil, xerrors.Errorf("failed to read init message: %w", err)
	}
	if msg.Type != payload.WebSocketMessageTypeInit {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return nil, xerrors.Errorf("expected init message, got %s", msg.Type)
	}
	err = json.Unmarshal(msg.Payload, &c.init)
	if err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return nil, xerrors.Errorf("failed to decode init message: %w", err)
	}

	return c, nil
}

// ConnectionID returns the id the server assigned to this connection
func (c *RoomClient) ConnectionID() string {
	return c.init.ConnectionID
}

// Languages returns the languages the server advertised on connect
func (c *RoomClient) Languages() []string {
	return c.init.Languages
}

func (c *RoomClient) Send(ctx context.Context, seqID string, msgType payload.WebSocketMessageType, data any) error {
	return wsjson.Write(ctx, c.conn, payload.WebSocketPayload[any]{
		SequenceID: seqID,
		Type:       msgType,
		Origin:     payload.WebSocketMessageOriginClient,
		CreatedAt:  time.Now().UnixMilli(),
		Payload:    data,
	})
}

// Next
//
//	Reads the next frame and peeks its envelope without decoding the
//	payload, so callers only pay for the messages they care about.
func (c *RoomClient) Next(ctx context.Context) (*Message, error) {
	_, buf, err := c.conn.Read(ctx)
	if err != nil {
		return nil, err
	}

	msgType, err := jsonparser.GetInt(buf, "type")
	if err != nil {
		return nil, xerrors.Errorf("message has no type: %w", err)
	}

	seqID, err := jsonparser.GetString(buf, "sequence_id")
	if err != nil && err != jsonparser.KeyPathNotFoundError {
		return nil, xerrors.Errorf("invalid sequence id: %w", err)
	}

	raw, _, _, err := jsonparser.Get(buf, "payload")
	if err != nil && err != jsonparser.KeyPathNotFoundError {
		return nil, xerrors.Errorf("invalid payload: %w", err)
	}

	return &Message{
		Type:       payload.WebSocketMessageType(msgType),
		SequenceID: seqID,
		Payload:    raw,
	}, nil
}

// messageError converts an error frame into a go error, nil for other frames
func messageError(msg *Message) error {
	switch msg.Type {
	case payload.WebSocketMessageTypeGenericError:
		var p payload.GenericErrorPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return xerrors.Errorf("undecodable error message: %w", err)
		}
		return xerrors.New(p.Error)
	case payload.WebSocketMessageTypeValidationError:
		var p payload.ValidationErrorPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return xerrors.Errorf("undecodable validation error: %w", err)
		}
		return xerrors.Errorf("invalid request: %v", p.ValidationErrors)
	}
	return nil
}

func (c *RoomClient) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
