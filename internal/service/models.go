package service

import (
	"github.com/sharetube/syncwatch/internal/repository/connection"
	"github.com/sharetube/syncwatch/internal/repository/room"
)

// Output is the room state frame sent to clients. CurrentClient is the
// recipient's own client id and is null for clients that were never admitted.
type Output struct {
	CurrentTime   float64       `json:"currentTime"`
	IsPaused      bool          `json:"isPaused"`
	Clients       []room.Client `json:"clients"`
	RoomId        string        `json:"roomId"`
	CurrentClient *string       `json:"currentClient"`
	Info          string        `json:"info,omitempty"`
}

func newOutput(state room.State, clientId, info string) Output {
	var currentClient *string
	if clientId != "" {
		currentClient = &clientId
	}

	clients := state.Clients
	if clients == nil {
		clients = []room.Client{}
	}

	return Output{
		CurrentTime:   state.CurrentTime,
		IsPaused:      state.IsPaused,
		Clients:       clients,
		RoomId:        state.RoomId,
		CurrentClient: currentClient,
		Info:          info,
	}
}

type JoinParams struct {
	Socket     connection.Socket
	RoomId     string
	ClientName string
}

type JoinResponse struct {
	ClientId string
	RoomId   string
}
