package settings

import (
	"encoding/json"
	"fmt"

	"cashmanager/internal/core"
)

// StorageName prefixes every persisted settings key.
const StorageName = "cash-manager-settings"

// blobVersion is written into every blob; older versions are read as-is.
const blobVersion = 0

// Key returns the storage key of a browser's settings.
func Key(clientID string) string {
	return StorageName + ":" + clientID
}

type blob struct {
	State   core.Settings `json:"state"`
	Version int           `json:"version"`
}

// Encode renders settings in the persisted blob format.
func Encode(s core.Settings) ([]byte, error) {
	b, err := json.Marshal(blob{State: s, Version: blobVersion})
	if err != nil {
		return nil, fmt.Errorf("encode settings: %w", err)
	}
	return b, nil
}

// Decode reads a persisted blob. Missing or unknown fields take their
// default value.
func Decode(data []byte) (core.Settings, error) {
	b := blob{State: core.DefaultSettings()}
	if err := json.Unmarshal(data, &b); err != nil {
		return core.DefaultSettings(), fmt.Errorf("decode settings: %w", err)
	}
	return b.State.Normalize(), nil
}
