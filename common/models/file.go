package models

import "time"

// FileEntry is the authoritative per-path record of workspace bytes.
// Invariant: Hash == hex(SHA-256(Content)).
type FileEntry struct {
	Path      string    `json:"path"`
	Content   []byte    `json:"-"`
	Hash      string    `json:"hash"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CacheEntry is a workspace-cache record used for loop suppression.
// Hash is empty for deletions and directories.
type CacheEntry struct {
	Hash      string `json:"hash"`
	IsDeleted bool   `json:"is_deleted"`
}
