package payload

// InitPayload
//
//	Payload returned to the client by the server on websocket upgrade
//	to initialize the connection.
type InitPayload struct {
	// Epoch
	//
	//  Initialization time of the websocket connection in unix millis.
	Epoch int64 `json:"epoch"`

	// NodeID
	//
	//  The ID of the node that the client is connected to.
	NodeID string `json:"node_id"`

	// ConnectionID
	//
	//  The id the server assigned to this connection. Other room members
	//  address the connection with it when syncing code.
	ConnectionID string `json:"connection_id"`

	// Languages
	//
	//  The languages the server can execute.
	Languages []string `json:"languages"`
}
