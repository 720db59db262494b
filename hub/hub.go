package hub

import (
	"context"
	"strings"
	"sync"

	"codesync/api/payload"
	"codesync/models"

	"cdr.dev/slog"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/exp/slices"
	"golang.org/x/xerrors"
)

const broadcastWorkers = 8

var (
	ErrClosed            = xerrors.New("hub is closed")
	ErrUnknownConnection = xerrors.New("unknown connection")
	ErrEmptyRoom         = xerrors.New("room has no members")
)

// Sender delivers a single typed message to one connection
type Sender interface {
	Send(ctx context.Context, msgType payload.WebSocketMessageType, data any) error
}

// Member is a connection taking part in one or more rooms
type Member struct {
	ConnectionID string
	Username     string
	Conn         Sender
}

type membership struct {
	member *Member
	// seq orders members by the time they joined a room
	seq uint64
}

type HubParams struct {
	Logger slog.Logger
}

// Hub
//
//	Process wide registry of rooms and their members. All membership state
//	is owned by a single actor goroutine; callers hand it closures and
//	deliver messages on their own goroutine so a slow connection never
//	stalls the registry.
type Hub struct {
	logger slog.Logger
	ops    chan func()
	closed chan struct{}
	once   sync.Once
	wg     *conc.WaitGroup

	// owned by the actor
	rooms map[string]map[string]membership
	conns map[string]map[string]struct{}
	seq   uint64
}

func NewHub(params HubParams) *Hub {
	h := &Hub{
		logger: params.Logger.Named("hub"),
		ops:    make(chan func()),
		closed: make(chan struct{}),
		wg:     conc.NewWaitGroup(),
		rooms:  make(map[string]map[string]membership),
		conns:  make(map[string]map[string]struct{}),
	}
	h.wg.Go(h.loop)
	return h
}

func (h *Hub) loop() {
	for {
		select {
		case op := <-h.ops:
			op()
		case <-h.closed:
			return
		}
	}
}

// do runs fn on the actor and waits for it to finish
func (h *Hub) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case h.ops <- func() {
		defer close(done)
		fn()
	}:
	case <-h.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// Join
//
//	Adds the member to a room, creating the room on first use, and returns
//	the room's members in join order. Joining a room twice refreshes the
//	member's username and connection.
func (h *Hub) Join(ctx context.Context, roomID string, m Member) ([]payload.RoomMember, error) {
	if len(roomID) == 0 || len(m.ConnectionID) == 0 || m.Conn == nil {
		return nil, xerrors.New("room, connection id and connection are required")
	}
	m.Username = strings.TrimSpace(m.Username)

	var members []payload.RoomMember
	err := h.do(ctx, func() {
		room, ok := h.rooms[roomID]
		if !ok {
			room = make(map[string]membership)
			h.rooms[roomID] = room
		}

		seq := h.seq
		if existing, ok := room[m.ConnectionID]; ok {
			seq = existing.seq
		} else {
			h.seq++
		}
		member := m
		room[m.ConnectionID] = membership{member: &member, seq: seq}

		if _, ok := h.conns[m.ConnectionID]; !ok {
			h.conns[m.ConnectionID] = make(map[string]struct{})
		}
		h.conns[m.ConnectionID][roomID] = struct{}{}

		members = h.members(roomID)
	})
	if err != nil {
		return nil, err
	}

	h.logger.Debug(ctx, "member joined room",
		slog.F("room_id", roomID),
		slog.F("connection_id", m.ConnectionID),
		slog.F("members", len(members)),
	)

	return members, nil
}

// LeftRoom describes a room a connection was removed from
type LeftRoom struct {
	RoomID   string
	Username string
}

// Leave removes the connection from every room it joined. Empty rooms are dropped.
func (h *Hub) Leave(ctx context.Context, connectionID string) ([]LeftRoom, error) {
	var left []LeftRoom
	err := h.do(ctx, func() {
		for roomID := range h.conns[connectionID] {
			room := h.rooms[roomID]
			if ms, ok := room[connectionID]; ok {
				left = append(left, LeftRoom{RoomID: roomID, Username: ms.member.Username})
			}
			delete(room, connectionID)
			if len(room) == 0 {
				delete(h.rooms, roomID)
			}
		}
		delete(h.conns, connectionID)
	})
	if err != nil {
		return nil, err
	}

	slices.SortFunc(left, func(a, b LeftRoom) bool {
		return a.RoomID < b.RoomID
	})
	return left, nil
}

// members must only be called on the actor
func (h *Hub) members(roomID string) []payload.RoomMember {
	room := h.rooms[roomID]
	ordered := make([]membership, 0, len(room))
	for _, ms := range room {
		ordered = append(ordered, ms)
	}
	slices.SortFunc(ordered, func(a, b membership) bool {
		return a.seq < b.seq
	})

	out := make([]payload.RoomMember, 0, len(ordered))
	for _, ms := range ordered {
		out = append(out, payload.RoomMember{
			ConnectionID: ms.member.ConnectionID,
			Username:     ms.member.Username,
		})
	}
	return out
}

// Members returns the members of a room in join order
func (h *Hub) Members(ctx context.Context, roomID string) ([]payload.RoomMember, error) {
	var members []payload.RoomMember
	err := h.do(ctx, func() {
		members = h.members(roomID)
	})
	return members, err
}

// InRoom reports whether the connection is a member of the room
func (h *Hub) InRoom(ctx context.Context, connectionID, roomID string) bool {
	in := false
	_ = h.do(ctx, func() {
		_, in = h.rooms[roomID][connectionID]
	})
	return in
}

// Username returns the name a connection joined the room with
func (h *Hub) Username(ctx context.Context, connectionID, roomID string) (string, bool) {
	var (
		name string
		ok   bool
	)
	_ = h.do(ctx, func() {
		var ms membership
		ms, ok = h.rooms[roomID][connectionID]
		if ok {
			name = ms.member.Username
		}
	})
	return name, ok
}

// RoomCount returns the number of rooms with at least one member
func (h *Hub) RoomCount(ctx context.Context) int {
	n := 0
	_ = h.do(ctx, func() {
		n = len(h.rooms)
	})
	return n
}

func (h *Hub) targets(ctx context.Context, roomID, exclude string) ([]*Member, error) {
	var targets []*Member
	err := h.do(ctx, func() {
		for id, ms := range h.rooms[roomID] {
			if id == exclude {
				continue
			}
			targets = append(targets, ms.member)
		}
	})
	return targets, err
}

// Broadcast
//
//	Sends a message to every member of a room except the excluded
//	connection and returns how many members received it. A failing member
//	is logged and skipped.
func (h *Hub) Broadcast(ctx context.Context, roomID, excludeConnectionID string,
	msgType payload.WebSocketMessageType, data any) (int, error) {
	targets, err := h.targets(ctx, roomID, excludeConnectionID)
	if err != nil {
		return 0, err
	}

	var mu sync.Mutex
	delivered := 0

	p := pool.New().WithMaxGoroutines(broadcastWorkers)
	for _, m := range targets {
		m := m
		p.Go(func() {
			err := m.Conn.Send(ctx, msgType, data)
			if err != nil {
				h.logger.Warn(ctx, "failed to deliver room message",
					slog.F("room_id", roomID),
					slog.F("connection_id", m.ConnectionID),
					slog.F("type", msgType.String()),
					slog.Error(err),
				)
				return
			}
			mu.Lock()
			delivered++
			mu.Unlock()
		})
	}
	p.Wait()

	return delivered, nil
}

// Send delivers a message to a single connection
func (h *Hub) Send(ctx context.Context, connectionID string, msgType payload.WebSocketMessageType, data any) error {
	var member *Member
	err := h.do(ctx, func() {
		for roomID := range h.conns[connectionID] {
			member = h.rooms[roomID][connectionID].member
			return
		}
	})
	if err != nil {
		return err
	}
	if member == nil {
		return ErrUnknownConnection
	}
	return member.Conn.Send(ctx, msgType, data)
}

// Publish broadcasts a finished execution to every member of its room
func (h *Hub) Publish(ctx context.Context, event models.ResultEvent) error {
	delivered, err := h.Broadcast(ctx, event.RoomID, "", payload.WebSocketMessageTypeExecutionResult, event)
	if err != nil {
		return err
	}
	if delivered == 0 {
		return xerrors.Errorf("failed to publish %s to room %s: %w", event.RequestID, event.RoomID, ErrEmptyRoom)
	}
	return nil
}

// Reject tells only the requester that their submission was refused
func (h *Hub) Reject(ctx context.Context, requesterID string, event models.RejectedEvent) error {
	err := h.Send(ctx, requesterID, payload.WebSocketMessageTypeExecutionRejected, event)
	if err != nil {
		return xerrors.Errorf("failed to reject %s: %w", event.RequestID, err)
	}
	return nil
}

// Close stops the actor. Later calls fail with ErrClosed.
func (h *Hub) Close() {
	h.once.Do(func() {
		close(h.closed)
	})
	h.wg.Wait()
}
