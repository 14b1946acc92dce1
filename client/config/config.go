// Package config persists the engine's local state: its view of the
// backend selection and the directory the result cache lives in.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.ntppool.org/common/logger"
)

const stateFile = "selection.json"

// SelectionState is the last selection the backend confirmed.
type SelectionState struct {
	CandidateID *int      `json:"speed_server_id"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Equal reports whether the state already points at id.
func (s SelectionState) Equal(id *int) bool {
	if s.CandidateID == nil || id == nil {
		return s.CandidateID == nil && id == nil
	}
	return *s.CandidateID == *id
}

type State struct {
	dir string

	lock      sync.RWMutex
	selection SelectionState
	loaded    bool
}

// Open reads the state in dir, creating the directory if needed. A
// missing state file is an empty selection.
func Open(ctx context.Context, dir string) (*State, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	st := &State{dir: dir}
	if err := st.load(ctx); err != nil {
		return nil, err
	}
	return st, nil
}

func (st *State) Dir() string {
	return st.dir
}

// Path returns the path of a file in the state directory.
func (st *State) Path(name string) string {
	return filepath.Join(st.dir, name)
}

func (st *State) Selection() SelectionState {
	st.lock.RLock()
	defer st.lock.RUnlock()
	return st.selection
}

// HaveSelection is false until a selection was loaded from disk or
// saved.
func (st *State) HaveSelection() bool {
	st.lock.RLock()
	defer st.lock.RUnlock()
	return st.loaded
}

func (st *State) SetSelection(ctx context.Context, sel SelectionState) error {
	st.lock.Lock()
	defer st.lock.Unlock()

	b, err := json.MarshalIndent(sel, "", "  ")
	if err != nil {
		return err
	}
	if err := ReplaceFile(st.Path(stateFile), b); err != nil {
		logger.FromContext(ctx).ErrorContext(ctx, "could not save selection", "err", err)
		return err
	}
	st.selection = sel
	st.loaded = true
	return nil
}

func (st *State) load(ctx context.Context) error {
	st.lock.Lock()
	defer st.lock.Unlock()

	b, err := os.ReadFile(st.Path(stateFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}

	var sel SelectionState
	if err := json.Unmarshal(b, &sel); err != nil {
		logger.FromContext(ctx).WarnContext(ctx, "ignoring unreadable selection state", "err", err)
		return nil
	}
	st.selection = sel
	st.loaded = true
	return nil
}
