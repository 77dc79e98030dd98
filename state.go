package doord

import (
	"context"
	"errors"
	"fmt"

	"pkt.systems/doord/internal/settings"
	"pkt.systems/doord/internal/storage"
)

// StateObjectKey is the object holding the door timestamps across restarts.
const StateObjectKey = "state.json"

type persistedState struct {
	LastOpen string `json:"last_open,omitempty"`
	LastRing string `json:"last_ring,omitempty"`
}

// restoreState copies persisted timestamps into st. A missing document is
// not an error.
func restoreState(ctx context.Context, backend storage.Backend, st *settings.Store) (bool, error) {
	var state persistedState
	if err := storage.ReadJSON(ctx, backend, StateObjectKey, &state); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("restore state: %w", err)
	}
	if state.LastOpen != "" {
		if err := st.Set(settings.KeyLastOpen, state.LastOpen); err != nil {
			return false, err
		}
	}
	if state.LastRing != "" {
		if err := st.Set(settings.KeyLastRing, state.LastRing); err != nil {
			return false, err
		}
	}
	return true, nil
}

func saveState(ctx context.Context, backend storage.Backend, st *settings.Store) error {
	state := persistedState{
		LastOpen: st.String(settings.KeyLastOpen),
		LastRing: st.String(settings.KeyLastRing),
	}
	if _, err := storage.WriteJSON(ctx, backend, StateObjectKey, state); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}
