package cmd

import (
	"context"
	"encoding/json"
	"os"
	"os/user"
	"strings"
	"time"

	"codesync/api/payload"
	"codesync/models"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"golang.org/x/xerrors"
)

const (
	joinSequence = "join"
	execSequence = "execute"
)

func init() {
	rootCmd.AddCommand(submitCmd)

	submitCmd.Flags().StringP("lang", "l", "", "language of the source file (inferred from the extension when empty)")
	submitCmd.Flags().StringArrayP("input", "i", nil, "program input as label=value or value, repeatable")
	submitCmd.Flags().BoolP("multiline", "m", false, "treat every input as multiline")
	submitCmd.Flags().StringP("secret", "s", os.Getenv("CODESYNC_SECRET"), "shared secret of the server")
	submitCmd.Flags().StringP("username", "u", "", "name shown to the other room members")
	submitCmd.Flags().DurationP("wait", "w", 2*time.Minute, "how long to wait for the result")
}

var submitCmd = &cobra.Command{
	Use:   "submit <host>:<port> <room> <file> [options]",
	Short: "Submits a source file to a room on a codesync server",
	Long:  `Joins a room on a codesync server, submits a source file for execution and prints the result broadcast to the room`,
	Run:   submit,
	Args:  cobra.ExactArgs(3),
}

func submit(cmd *cobra.Command, args []string) {
	lang, _ := cmd.Flags().GetString("lang")
	rawInputs, _ := cmd.Flags().GetStringArray("input")
	multiline, _ := cmd.Flags().GetBool("multiline")
	secret, _ := cmd.Flags().GetString("secret")
	username, _ := cmd.Flags().GetString("username")
	wait, _ := cmd.Flags().GetDuration("wait")

	if !strings.Contains(args[0], ":") {
		pterm.Error.Printf("invalid server - should be <host>:<port>\n")
		return
	}

	source, lang, err := loadSource(args[2], lang)
	if err != nil {
		pterm.Error.Println(err)
		return
	}

	if len(username) == 0 {
		username = "cli"
		if u, err := user.Current(); err == nil {
			username = u.Username
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()

	client, err := NewRoomClient(ctx, RoomClientOptions{
		Address: args[0],
		Secret:  secret,
	})
	if err != nil {
		pterm.Error.Printf("failed to connect: %v\n", err)
		return
	}
	defer client.Close()

	pterm.Debug.Printf("connected as %s, server languages: %s\n",
		client.ConnectionID(), strings.Join(client.Languages(), ", "))

	err = joinRoom(ctx, client, args[1], username)
	if err != nil {
		pterm.Error.Printf("failed to join room: %v\n", err)
		return
	}

	spinner, _ := pterm.DefaultSpinner.Start("executing ", args[2], " in room ", args[1])
	event, err := execute(ctx, client, payload.ExecuteRequestPayload{
		RoomID:   args[1],
		Language: lang,
		Code:     source,
		Inputs:   parseInputs(rawInputs, multiline),
	})
	_ = spinner.Stop()
	if err != nil {
		pterm.Error.Printf("execution failed: %v\n", err)
		os.Exit(1)
	}

	printResult(event.Result)
	if event.Result.Status != models.StatusSuccess {
		os.Exit(1)
	}
}

// joinRoom joins the room and waits for the server to announce this connection
func joinRoom(ctx context.Context, client *RoomClient, roomID, username string) error {
	err := client.Send(ctx, joinSequence, payload.WebSocketMessageTypeJoinRoom, payload.JoinRoomPayload{
		RoomID:   roomID,
		Username: username,
	})
	if err != nil {
		return err
	}

	for {
		msg, err := client.Next(ctx)
		if err != nil {
			return err
		}

		if msg.SequenceID == joinSequence {
			if err := messageError(msg); err != nil {
				return err
			}
		}

		if msg.Type != payload.WebSocketMessageTypeJoined {
			continue
		}

		var joined payload.JoinedPayload
		err = json.Unmarshal(msg.Payload, &joined)
		if err != nil {
			return xerrors.Errorf("failed to decode joined message: %w", err)
		}
		if joined.ConnectionID == client.ConnectionID() {
			return nil
		}
	}
}

// execute
//
//	Submits the request and waits for its result. Results broadcast before
//	the acknowledgement arrives are held until the request id is known,
//	since other members may run code in the same room.
func execute(ctx context.Context, client *RoomClient, req payload.ExecuteRequestPayload) (*models.ResultEvent, error) {
	err := client.Send(ctx, execSequence, payload.WebSocketMessageTypeExecuteRequest, req)
	if err != nil {
		return nil, err
	}

	requestID := ""
	pending := make(map[string]*models.ResultEvent)

	for {
		msg, err := client.Next(ctx)
		if err != nil {
			return nil, err
		}

		if msg.SequenceID == execSequence {
			if err := messageError(msg); err != nil {
				return nil, err
			}
		}

		switch msg.Type {
		case payload.WebSocketMessageTypeExecutionAccepted:
			var accepted payload.ExecutionAcceptedPayload
			err = json.Unmarshal(msg.Payload, &accepted)
			if err != nil {
				return nil, xerrors.Errorf("failed to decode acknowledgement: %w", err)
			}
			requestID = accepted.RequestID
			pterm.Debug.Printf("request %s accepted\n", requestID)
			if event, ok := pending[requestID]; ok {
				return event, nil
			}
		case payload.WebSocketMessageTypeExecutionResult:
			var event models.ResultEvent
			err = json.Unmarshal(msg.Payload, &event)
			if err != nil {
				return nil, xerrors.Errorf("failed to decode result: %w", err)
			}
			if len(requestID) == 0 {
				pending[event.RequestID] = &event
				continue
			}
			if event.RequestID == requestID {
				return &event, nil
			}
		case payload.WebSocketMessageTypeExecutionRejected:
			// rejections are only ever sent to the requester
			var rejected models.RejectedEvent
			err = json.Unmarshal(msg.Payload, &rejected)
			if err != nil {
				return nil, xerrors.Errorf("failed to decode rejection: %w", err)
			}
			return nil, xerrors.Errorf("rejected (%s): %s", rejected.Reason, rejected.Message)
		}
	}
}
