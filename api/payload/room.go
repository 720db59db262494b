package payload

// RoomMember is one connection present in a room
type RoomMember struct {
	ConnectionID string `json:"connection_id"`
	Username     string `json:"username"`
}

type JoinRoomPayload struct {
	RoomID   string `json:"room_id" validate:"required,max=128"`
	Username string `json:"username" validate:"required,max=64"`
}

// JoinedPayload is sent to every member of a room, the newcomer included
type JoinedPayload struct {
	RoomID       string       `json:"room_id"`
	ConnectionID string       `json:"connection_id"`
	Username     string       `json:"username"`
	Members      []RoomMember `json:"members"`
}

// LeftPayload is sent to the remaining members when a connection leaves
type LeftPayload struct {
	RoomID       string `json:"room_id"`
	ConnectionID string `json:"connection_id"`
	Username     string `json:"username"`
}

// CodeChangePayload travels both ways: clients send it for a room and the
// server relays it to the other members without the room id.
type CodeChangePayload struct {
	RoomID string `json:"room_id,omitempty" validate:"required,max=128"`
	Code   string `json:"code" validate:"max=1048576"`
}

// SyncCodePayload pushes the sender's buffer to a single connection
type SyncCodePayload struct {
	RoomID       string `json:"room_id" validate:"required,max=128"`
	ConnectionID string `json:"connection_id" validate:"required,max=64"`
	Code         string `json:"code" validate:"max=1048576"`
}

type SendMessagePayload struct {
	RoomID  string `json:"room_id" validate:"required,max=128"`
	Message string `json:"message" validate:"required,max=4096"`
}

type ReceiveMessagePayload struct {
	RoomID    string `json:"room_id"`
	Username  string `json:"username"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}
