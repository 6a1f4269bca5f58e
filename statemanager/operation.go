package statemanager

import (
	"encoding/json"
	"strings"
	"time"
)

// OperationKind is the tag set once when an operation starts
type OperationKind string

const (
	KindInstall OperationKind = "install"
	KindUpdate  OperationKind = "update"
	KindDelete  OperationKind = "delete"
)

// ParseOperationKind normalizes a kind case-insensitively ("Update", "update").
// Kinds outside install, update and delete are kept as sent; "" means none.
func ParseOperationKind(s string) OperationKind {
	return OperationKind(strings.ToLower(strings.TrimSpace(s)))
}

// OperationKey identifies an operation by its source repository and destination folder.
// Never use it as a map key directly; use Canonical().
type OperationKey struct {
	SourceURL       string `json:"repoUrl"`
	DestinationPath string `json:"folderPath"`
}

// Canonical returns the store key for k
func (k OperationKey) Canonical() string {
	return CanonicalKey(k.SourceURL, k.DestinationPath)
}

// UnmarshalJSON accepts both the camelCase and snake_case field spellings
func (k *OperationKey) UnmarshalJSON(data []byte) error {
	var raw struct {
		RepoURL         string `json:"repoUrl"`
		FolderPath      string `json:"folderPath"`
		RepoURLSnake    string `json:"repo_url"`
		FolderPathSnake string `json:"folder_path"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	k.SourceURL = raw.RepoURL
	if k.SourceURL == "" {
		k.SourceURL = raw.RepoURLSnake
	}
	k.DestinationPath = raw.FolderPath
	if k.DestinationPath == "" {
		k.DestinationPath = raw.FolderPathSnake
	}
	return nil
}

// Progress is a {current, total} counter reported by the backend
type Progress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// OperationState represents the live state of one tracked operation
type OperationState struct {
	Kind      OperationKind `json:"type,omitempty" yaml:"type,omitempty"`
	Progress  *Progress     `json:"progress,omitempty" yaml:"progress,omitempty"`
	Status    string        `json:"status,omitempty" yaml:"status,omitempty"`
	Warning   string        `json:"warning,omitempty" yaml:"warning,omitempty"`
	Error     string        `json:"error,omitempty" yaml:"error,omitempty"`
	IsActive  bool          `json:"isActive" yaml:"isActive"`
	UpdatedAt time.Time     `json:"updatedAt,omitempty" yaml:"updatedAt,omitempty"`
}

// clone returns a copy that shares no pointers with s
func (s *OperationState) clone() OperationState {
	out := *s
	if s.Progress != nil {
		p := *s.Progress
		out.Progress = &p
	}
	return out
}

// TrackedOperation pairs a key with its state for listings
type TrackedOperation struct {
	Key   OperationKey   `json:"key" yaml:"key"`
	Label string         `json:"label" yaml:"label"`
	State OperationState `json:"state" yaml:"state"`
}

// OperationStats provides aggregated statistics
type OperationStats struct {
	LiveOperations   int                   `json:"live_operations"`
	ActiveOperations int                   `json:"active_operations"`
	HistoryEntries   int                   `json:"history_entries"`
	ByKind           map[OperationKind]int `json:"by_kind"`
	ByOutcome        map[EventKind]int     `json:"by_outcome"`
}
