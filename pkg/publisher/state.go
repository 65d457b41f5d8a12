package publisher

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/apperrors"
)

const stateFileName = ".publisher_state.json"

// State tracks the watermark and processed-file set the publisher uses to
// avoid re-syncing files across ticks (spec.md §4.G step 9).
type State struct {
	Watermark time.Time       `json:"watermark"`
	Processed map[string]bool `json:"processed"`
}

func loadState(repoPath string) (State, error) {
	path := filepath.Join(repoPath, stateFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return State{Processed: make(map[string]bool)}, nil
		}
		return State{}, apperrors.Wrap(err, apperrors.ErrorTypeStorage, "read publisher state")
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, apperrors.Wrap(err, apperrors.ErrorTypeStorage, "parse publisher state")
	}
	if s.Processed == nil {
		s.Processed = make(map[string]bool)
	}
	return s, nil
}

func saveState(repoPath string, s State) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "marshal publisher state")
	}
	path := filepath.Join(repoPath, stateFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeStorage, "write publisher state")
	}
	if err := os.Rename(tmp, path); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeStorage, "rename publisher state into place")
	}
	return nil
}
