package payload

import "codesync/models"

type ExecuteRequestPayload struct {
	RoomID   string         `json:"room_id" validate:"required,max=128"`
	Language string         `json:"language" validate:"required,max=32"`
	Code     string         `json:"code" validate:"required,max=1048576"`
	Inputs   []models.Input `json:"inputs" validate:"max=64,dive"`
}

type ExecutionAcceptedPayload struct {
	RequestID string `json:"request_id"`
	RoomID    string `json:"room_id"`
}
