package catalog

import (
	"encoding/json"
	"fmt"

	"github.com/mirkobrombin/go-latch/v1/adapter"
)

// State is the cluster-wide state of one latch incarnation.
type State struct {
	Name         string `json:"name"`
	ID           string `json:"id"`
	InitialCount int    `json:"initial"`
	Count        int    `json:"count"`
	AutoDelete   bool   `json:"autoDelete"`
	Removed      bool   `json:"removed"`
	// Version is the store record version and is not part of the payload.
	Version uint64 `json:"-"`
}

// Zero reports whether waiters on this state may proceed.
func (s State) Zero() bool {
	return s.Removed || s.Count == 0
}

func (s State) String() string {
	return fmt.Sprintf("latch %q [id=%s count=%d/%d autoDelete=%t removed=%t version=%d]",
		s.Name, s.ID, s.Count, s.InitialCount, s.AutoDelete, s.Removed, s.Version)
}

// gone is returned by mutations aimed at an incarnation that no longer
// exists.
func gone(name, id string) State {
	return State{Name: name, ID: id, Removed: true}
}

func decode(name string, rec adapter.Record) (State, error) {
	var st State
	if err := json.Unmarshal(rec.Data, &st); err != nil {
		return State{}, fmt.Errorf("catalog: decode %q: %w", name, err)
	}
	st.Name = name
	st.Version = rec.Version
	return st, nil
}

func encode(st State) ([]byte, error) {
	return json.Marshal(st)
}
