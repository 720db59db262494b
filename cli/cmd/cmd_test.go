package cmd

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"codesync/api"
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

func TestParseInputs(t *testing.T) {
	t.Parallel()

	inputs := parseInputs([]string{"name=Ada", "42", "poem=a\nb"}, false)
	require.Len(t, inputs, 3)

	assert.Equal(t, models.Input{Label: "name", Value: "Ada", Kind: models.InputKindText}, inputs[0])
	assert.Equal(t, models.Input{Label: "input 2", Value: "42", Kind: models.InputKindText}, inputs[1])
	assert.Equal(t, models.InputKindMultiline, inputs[2].Kind)

	inputs = parseInputs([]string{"x"}, true)
	assert.Equal(t, models.InputKindMultiline, inputs[0].Kind)
}

func TestLoadSource(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "main.PY")
	require.NoError(t, os.WriteFile(path, []byte("print(1)\n"), 0o644))

	source, lang, err := loadSource(path, "")
	require.NoError(t, err)
	assert.Equal(t, "print(1)\n", source)
	assert.Equal(t, "python", lang)

	_, lang, err = loadSource(path, "js")
	require.NoError(t, err)
	assert.Equal(t, "js", lang)

	other := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(other, []byte("hi"), 0o644))
	_, _, err = loadSource(other, "")
	assert.ErrorContains(t, err, "pass --lang")

	_, _, err = loadSource(filepath.Join(dir, "missing.go"), "")
	assert.Error(t, err)
}

// echoEngine answers every request with its source code as stdout
type echoEngine struct{}

func (echoEngine) Execute(ctx context.Context, req models.ExecutionRequest) models.ExecutionResult {
	if _, ok := toolchain.NewRegistry().Resolve(req.Language); !ok {
		return models.UnsupportedLanguage(req.Language)
	}
	return models.Success(req.SourceCode, "", 1, false)
}

func newServer(t *testing.T, secret string) string {
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

	a, err := api.NewHttpApi(api.HttpApiParams{
		NodeID:           1,
		Snowflake:        sf,
		Host:             "127.0.0.1",
		Logger:           logger,
		Secret:           secret,
		SubmitRatePerSec: 100,
		SubmitBurst:      100,
		Hub:              h,
		Coordinator:      coord,
		Registry:         toolchain.NewRegistry(),
	})
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

	return a.Addr().String()
}

func TestSubmitAgainstServer(t *testing.T) {
	t.Parallel()

	addr := newServer(t, "topsecret")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := NewRoomClient(ctx, RoomClientOptions{Address: addr, Secret: "topsecret"})
	require.NoError(t, err)
	defer client.Close()

	assert.NotEmpty(t, client.ConnectionID())
	assert.Contains(t, client.Languages(), "python")

	require.NoError(t, joinRoom(ctx, client, "room-1", "ada"))

	event, err := execute(ctx, client, payload.ExecuteRequestPayload{
		RoomID:   "room-1",
		Language: "py",
		Code:     "print('hi')",
		Inputs:   []models.Input{{Label: "n", Value: "1", Kind: models.InputKindNumber}},
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, event.Result.Status)
	assert.Equal(t, "print('hi')", event.Result.Stdout)
	assert.Equal(t, "ada", event.RequesterUsername)

	// invalid requests surface the server's validation error
	_, err = execute(ctx, client, payload.ExecuteRequestPayload{
		RoomID:   "room-1",
		Language: "py",
	})
	assert.ErrorContains(t, err, "invalid request")
}

func TestSubmitWrongSecret(t *testing.T) {
	t.Parallel()

	addr := newServer(t, "topsecret")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := NewRoomClient(ctx, RoomClientOptions{
		Address:     addr,
		Secret:      "wrong",
		DialTimeout: time.Second,
	})
	assert.Error(t, err)
}

// scriptedServer answers every execute request with the passed frames in order
func scriptedServer(t *testing.T, frames ...payload.WebSocketPayload[any]) string {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		ctx := r.Context()
		err = wsjson.Write(ctx, conn, payload.WebSocketPayload[any]{
			Type:    payload.WebSocketMessageTypeInit,
			Payload: payload.InitPayload{ConnectionID: "c1"},
		})
		if err != nil {
			return
		}

		var req payload.WebSocketPayload[any]
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			return
		}

		for _, f := range frames {
			if err := wsjson.Write(ctx, conn, f); err != nil {
				return
			}
		}

		// hold the connection until the client leaves
		_, _, _ = conn.Read(ctx)
	}))
	t.Cleanup(srv.Close)

	return strings.TrimPrefix(srv.URL, "http://")
}

func TestExecuteBuffersEarlyResults(t *testing.T) {
	t.Parallel()

	other := models.ResultEvent{RequestID: "other", Result: models.Success("theirs", "", 1, false)}
	mine := models.ResultEvent{RequestID: "mine", Result: models.Success("ours", "", 1, false)}

	addr := scriptedServer(t,
		payload.WebSocketPayload[any]{Type: payload.WebSocketMessageTypeExecutionResult, Payload: other},
		payload.WebSocketPayload[any]{Type: payload.WebSocketMessageTypeExecutionResult, Payload: mine},
		payload.WebSocketPayload[any]{
			SequenceID: execSequence,
			Type:       payload.WebSocketMessageTypeExecutionAccepted,
			Payload:    payload.ExecutionAcceptedPayload{RequestID: "mine", RoomID: "r"},
		},
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := NewRoomClient(ctx, RoomClientOptions{Address: addr})
	require.NoError(t, err)
	defer client.Close()
	assert.Equal(t, "c1", client.ConnectionID())

	event, err := execute(ctx, client, payload.ExecuteRequestPayload{RoomID: "r", Language: "py", Code: "x"})
	require.NoError(t, err)
	assert.Equal(t, "ours", event.Result.Stdout)
}

func TestExecuteRejected(t *testing.T) {
	t.Parallel()

	addr := scriptedServer(t, payload.WebSocketPayload[any]{
		Type: payload.WebSocketMessageTypeExecutionRejected,
		Payload: models.RejectedEvent{
			RoomID:  "r",
			Reason:  models.RejectReasonBusy,
			Message: "room is busy",
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := NewRoomClient(ctx, RoomClientOptions{Address: addr})
	require.NoError(t, err)
	defer client.Close()

	_, err = execute(ctx, client, payload.ExecuteRequestPayload{RoomID: "r", Language: "py", Code: "x"})
	assert.ErrorContains(t, err, "busy")
}
