package room

import "golang.org/x/exp/slices"

type Client struct {
	Id   string `json:"id"`
	Name string `json:"name"`
}

// State is the persisted shape of one room.
type State struct {
	RoomId      string   `json:"roomId"`
	CurrentTime float64  `json:"currentTime"`
	IsPaused    bool     `json:"isPaused"`
	Clients     []Client `json:"clients"`
}

func (s State) Clone() State {
	c := s
	c.Clients = slices.Clone(s.Clients)
	if c.Clients == nil {
		c.Clients = []Client{}
	}

	return c
}

// Table maps room id to room state and is persisted as a whole.
type Table map[string]State

func (t Table) Clone() Table {
	c := make(Table, len(t))
	for id, state := range t {
		c[id] = state.Clone()
	}

	return c
}
