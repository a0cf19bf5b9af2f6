package client

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Bookmark is a saved relay server and the identity used on it.
type Bookmark struct {
	Name        string `yaml:"name"`
	Addr        string `yaml:"addr"` // host:port or ws:// URL
	Username    string `yaml:"username"`
	DisplayName string `yaml:"display_name,omitempty"`
	TLS         bool   `yaml:"tls,omitempty"`
	LastUsed    int64  `yaml:"last_used,omitempty"`
}

// BookmarkStore manages bookmarks persisted as YAML.
type BookmarkStore struct {
	path      string
	Bookmarks []Bookmark `yaml:"bookmarks"`
}

// DefaultBookmarkPath returns servers.yaml next to the executable.
func DefaultBookmarkPath() string {
	exePath, err := os.Executable()
	if err != nil {
		return "servers.yaml"
	}
	return filepath.Join(filepath.Dir(exePath), "servers.yaml")
}

// NewBookmarkStore creates a store backed by path. Nothing is read until
// Load.
func NewBookmarkStore(path string) *BookmarkStore {
	return &BookmarkStore{path: path}
}

// Path returns the backing file.
func (bs *BookmarkStore) Path() string { return bs.path }

// Load reads bookmarks from disk. A missing file yields an empty list.
func (bs *BookmarkStore) Load() error {
	data, err := os.ReadFile(bs.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			bs.Bookmarks = nil
			return nil
		}
		return fmt.Errorf("read bookmarks: %w", err)
	}
	if err := yaml.Unmarshal(data, bs); err != nil {
		return fmt.Errorf("parse bookmarks: %w", err)
	}
	return nil
}

// Save writes bookmarks to disk, most recently used first.
func (bs *BookmarkStore) Save() error {
	sort.SliceStable(bs.Bookmarks, func(i, j int) bool {
		return bs.Bookmarks[i].LastUsed > bs.Bookmarks[j].LastUsed
	})
	data, err := yaml.Marshal(bs)
	if err != nil {
		return err
	}
	return os.WriteFile(bs.path, data, 0o600)
}

// Add adds or replaces the bookmark with the same name. Returns true if it
// was a new entry.
func (bs *BookmarkStore) Add(b Bookmark) bool {
	for i, existing := range bs.Bookmarks {
		if existing.Name == b.Name {
			bs.Bookmarks[i] = b
			return false
		}
	}
	bs.Bookmarks = append(bs.Bookmarks, b)
	return true
}

// Touch updates LastUsed for the named bookmark.
func (bs *BookmarkStore) Touch(name string, ts int64) bool {
	for i := range bs.Bookmarks {
		if bs.Bookmarks[i].Name == name {
			bs.Bookmarks[i].LastUsed = ts
			return true
		}
	}
	return false
}

// Find returns the bookmark with the given name, or nil.
func (bs *BookmarkStore) Find(name string) *Bookmark {
	for i := range bs.Bookmarks {
		if bs.Bookmarks[i].Name == name {
			b := bs.Bookmarks[i]
			return &b
		}
	}
	return nil
}
