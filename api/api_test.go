package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"codesync/api/payload"
	"codesync/coordinator"
	"codesync/hub"
	"codesync/models"
	"codesync/toolchain"

	"cdr.dev/slog/sloggers/slogtest"
	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const testSecret = "s3cret"

// echoEngine answers every request with its source code as stdout
type echoEngine struct{}

func (echoEngine) Execute(ctx context.Context, req models.ExecutionRequest) models.ExecutionResult {
	if _, ok := toolchain.NewRegistry().Resolve(req.Language); !ok {
		return models.UnsupportedLanguage(req.Language)
	}
	return models.Success(req.SourceCode, "", 1, false)
}

type testServer struct {
	api  *HttpApi
	base string
}

func newTestServer(t *testing.T, mutate ...func(*HttpApiParams)) *testServer {
	t.Helper()

	logger := slogtest.Make(t, &slogtest.Options{IgnoreErrors: true})

	sf, err := snowflake.NewNode(1)
	require.NoError(t, err)

	h := hub.NewHub(hub.HubParams{Logger: logger})
	coord, err := coordinator.New(coordinator.Params{
		Engine:        echoEngine{},
		Publisher:     h,
		MaxConcurrent: 2,
		QueueDepth:    2,
		Logger:        logger,
	})
	require.NoError(t, err)

	params := HttpApiParams{
		NodeID:           1,
		Snowflake:        sf,
		Host:             "127.0.0.1",
		Port:             0,
		Logger:           logger,
		Secret:           testSecret,
		SubmitRatePerSec: 100,
		SubmitBurst:      100,
		Hub:              h,
		Coordinator:      coord,
		Registry:         toolchain.NewRegistry(),
	}
	for _, m := range mutate {
		m(&params)
	}

	a, err := NewHttpApi(params)
	require.NoError(t, err)

	go func() {
		_ = a.Start(context.Background())
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
		_ = coord.Close(ctx)
		h.Close()
	})

	return &testServer{api: a, base: a.Addr().String()}
}

func (s *testServer) get(t *testing.T, path string, headers map[string]string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, "http://"+s.base+path, nil)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res.StatusCode, body
}

func TestBasicEndpoints(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)

	code, body := s.get(t, "/ping", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "pong", string(body))

	code, body = s.get(t, "/healthz", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "OK", string(body))

	code, body = s.get(t, "/metrics", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestLanguages(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)

	code, body := s.get(t, "/api/v1/languages", nil)
	require.Equal(t, http.StatusOK, code)

	var res struct {
		Languages []LanguageInfo `json:"languages"`
	}
	require.NoError(t, json.Unmarshal(body, &res))
	require.NotEmpty(t, res.Languages)

	byName := map[string]LanguageInfo{}
	for i, l := range res.Languages {
		byName[l.Language] = l
		if i > 0 {
			assert.True(t, res.Languages[i-1].Language < l.Language)
		}
	}
	assert.True(t, byName["cpp"].Compiled)
	assert.False(t, byName["python"].Compiled)
	assert.True(t, byName["javascript"].PromptShim)
	assert.True(t, byName["python"].SupportsStdin)
}

func TestAuthentication(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)

	code, _ := s.get(t, "/api/v1/ws", nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = s.get(t, "/api/v1/ws", map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = s.get(t, "/debug/pprof/cmdline", nil)
	assert.Equal(t, http.StatusForbidden, code)

	// a correct token reaches the websocket handler which refuses a plain GET
	code, _ = s.get(t, "/api/v1/ws", map[string]string{"Authorization": "Bearer " + testSecret})
	assert.NotEqual(t, http.StatusForbidden, code)
}

type testClient struct {
	t    *testing.T
	conn *websocket.Conn
	init payload.InitPayload
}

func dial(t *testing.T, s *testServer, query string) *testClient {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+s.base+"/api/v1/ws"+query, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	})

	c := &testClient{t: t, conn: conn}
	msg := c.read(payload.WebSocketMessageTypeInit)
	require.NoError(t, json.Unmarshal(msg.Payload, &c.init))
	require.NotEmpty(t, c.init.ConnectionID)
	return c
}

func (c *testClient) send(seq string, msgType payload.WebSocketMessageType, data any) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := wsjson.Write(ctx, c.conn, payload.WebSocketPayload[any]{
		SequenceID: seq,
		Type:       msgType,
		Origin:     payload.WebSocketMessageOriginClient,
		CreatedAt:  time.Now().UnixMilli(),
		Payload:    data,
	})
	require.NoError(c.t, err)
}

// read returns the next message of the given type, skipping others
func (c *testClient) read(msgType payload.WebSocketMessageType) payload.WebSocketPayload[json.RawMessage] {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		var msg payload.WebSocketPayload[json.RawMessage]
		err := wsjson.Read(ctx, c.conn, &msg)
		require.NoError(c.t, err, "waiting for %s", msgType)
		if msg.Type == msgType {
			return msg
		}
	}
}

func TestRoomFlow(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	alice := dial(t, s, "?token="+testSecret)
	bob := dial(t, s, "?token="+testSecret)

	alice.send("1", payload.WebSocketMessageTypeJoinRoom, payload.JoinRoomPayload{RoomID: "room-1", Username: "alice"})
	alice.read(payload.WebSocketMessageTypeJoined)

	bob.send("2", payload.WebSocketMessageTypeJoinRoom, payload.JoinRoomPayload{RoomID: "room-1", Username: "bob"})
	var joined payload.JoinedPayload
	require.NoError(t, json.Unmarshal(alice.read(payload.WebSocketMessageTypeJoined).Payload, &joined))
	assert.Equal(t, "bob", joined.Username)
	assert.Equal(t, []payload.RoomMember{
		{ConnectionID: alice.init.ConnectionID, Username: "alice"},
		{ConnectionID: bob.init.ConnectionID, Username: "bob"},
	}, joined.Members)
	bob.read(payload.WebSocketMessageTypeJoined)

	// code changes reach the other member
	alice.send("3", payload.WebSocketMessageTypeCodeChange, payload.CodeChangePayload{RoomID: "room-1", Code: "print(1)"})
	var change payload.CodeChangePayload
	require.NoError(t, json.Unmarshal(bob.read(payload.WebSocketMessageTypeCodeChange).Payload, &change))
	assert.Equal(t, "print(1)", change.Code)

	// sync goes to the addressed connection only
	bob.send("4", payload.WebSocketMessageTypeSyncCode, payload.SyncCodePayload{
		RoomID:       "room-1",
		ConnectionID: alice.init.ConnectionID,
		Code:         "print(2)",
	})
	require.NoError(t, json.Unmarshal(alice.read(payload.WebSocketMessageTypeCodeChange).Payload, &change))
	assert.Equal(t, "print(2)", change.Code)

	// chat is stamped with the registered username
	bob.send("5", payload.WebSocketMessageTypeSendMessage, payload.SendMessagePayload{RoomID: "room-1", Message: "hi"})
	var chat payload.ReceiveMessagePayload
	require.NoError(t, json.Unmarshal(alice.read(payload.WebSocketMessageTypeReceiveMessage).Payload, &chat))
	assert.Equal(t, "bob", chat.Username)
	assert.Equal(t, "hi", chat.Message)
	assert.NotZero(t, chat.Timestamp)

	// executions are acknowledged to the requester and published to the room
	alice.send("6", payload.WebSocketMessageTypeExecuteRequest, payload.ExecuteRequestPayload{
		RoomID:   "room-1",
		Language: "python",
		Code:     "print('hello')",
		Inputs:   []models.Input{{Label: "n", Value: "3", Kind: models.InputKindNumber}},
	})

	for _, c := range []*testClient{alice, bob} {
		var event models.ResultEvent
		require.NoError(t, json.Unmarshal(c.read(payload.WebSocketMessageTypeExecutionResult).Payload, &event))
		assert.Equal(t, "room-1", event.RoomID)
		assert.Equal(t, "alice", event.RequesterUsername)
		assert.Equal(t, models.StatusSuccess, event.Result.Status)
		assert.Equal(t, "print('hello')", event.Result.Stdout)
		require.Len(t, event.Inputs, 1)
		assert.Equal(t, "3", event.Inputs[0].Value)
	}

	// leaving is announced to those who stay
	require.NoError(t, bob.conn.Close(websocket.StatusNormalClosure, ""))
	var left payload.LeftPayload
	require.NoError(t, json.Unmarshal(alice.read(payload.WebSocketMessageTypeLeft).Payload, &left))
	assert.Equal(t, bob.init.ConnectionID, left.ConnectionID)
	assert.Equal(t, "bob", left.Username)
}

func TestExecuteRequiresMembership(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	c := dial(t, s, "?token="+testSecret)

	c.send("1", payload.WebSocketMessageTypeExecuteRequest, payload.ExecuteRequestPayload{
		RoomID:   "room-1",
		Language: "python",
		Code:     "print(1)",
	})

	var errPayload payload.GenericErrorPayload
	msg := c.read(payload.WebSocketMessageTypeGenericError)
	assert.Equal(t, "1", msg.SequenceID)
	require.NoError(t, json.Unmarshal(msg.Payload, &errPayload))
	assert.Equal(t, payload.WebSocketErrorCodeUnauthorized, errPayload.Code)
}

func TestValidationErrors(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	c := dial(t, s, "?token="+testSecret)

	c.send("1", payload.WebSocketMessageTypeJoinRoom, payload.JoinRoomPayload{RoomID: "room-1"})

	var v payload.ValidationErrorPayload
	msg := c.read(payload.WebSocketMessageTypeValidationError)
	require.NoError(t, json.Unmarshal(msg.Payload, &v))
	assert.Equal(t, "required", v.ValidationErrors["Username"])

	c.send("2", payload.WebSocketMessageTypeJoinRoom, payload.JoinRoomPayload{RoomID: "room-1", Username: "carol"})
	c.read(payload.WebSocketMessageTypeJoined)

	c.send("3", payload.WebSocketMessageTypeExecuteRequest, payload.ExecuteRequestPayload{
		RoomID:   "room-1",
		Language: "python",
		Code:     "print(1)",
		Inputs:   []models.Input{{Value: "x", Kind: "binary"}},
	})
	msg = c.read(payload.WebSocketMessageTypeValidationError)
	require.NoError(t, json.Unmarshal(msg.Payload, &v))
	assert.Equal(t, "oneof", v.ValidationErrors["Kind"])
}

func TestExecuteRateLimited(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, func(p *HttpApiParams) {
		p.SubmitRatePerSec = 0.001
		p.SubmitBurst = 1
	})
	c := dial(t, s, "?token="+testSecret)

	c.send("1", payload.WebSocketMessageTypeJoinRoom, payload.JoinRoomPayload{RoomID: "room-1", Username: "dave"})
	c.read(payload.WebSocketMessageTypeJoined)

	for i := 0; i < 2; i++ {
		c.send(fmt.Sprint(10+i), payload.WebSocketMessageTypeExecuteRequest, payload.ExecuteRequestPayload{
			RoomID:   "room-1",
			Language: "python",
			Code:     "print(1)",
		})
	}

	var errPayload payload.GenericErrorPayload
	require.NoError(t, json.Unmarshal(c.read(payload.WebSocketMessageTypeGenericError).Payload, &errPayload))
	assert.Equal(t, payload.WebSocketErrorCodeRateLimited, errPayload.Code)
}

func TestUnsupportedLanguageIsPublished(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	c := dial(t, s, "?token="+testSecret)

	c.send("1", payload.WebSocketMessageTypeJoinRoom, payload.JoinRoomPayload{RoomID: "room-9", Username: "erin"})
	c.read(payload.WebSocketMessageTypeJoined)

	c.send("2", payload.WebSocketMessageTypeExecuteRequest, payload.ExecuteRequestPayload{
		RoomID:   "room-9",
		Language: "brainfuck",
		Code:     "+.",
	})

	var event models.ResultEvent
	require.NoError(t, json.Unmarshal(c.read(payload.WebSocketMessageTypeExecutionResult).Payload, &event))
	assert.Equal(t, models.StatusUnsupportedLanguage, event.Result.Status)
}
