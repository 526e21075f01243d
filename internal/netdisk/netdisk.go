// Package netdisk defines the Netdisk port: the external collaborator
// boundary that the engine consumes but does not implement. Auth,
// cookie/session storage, and the real remote-listing/share-resolution API
// all live on the other side of this interface; this module only has a
// stub, in-memory implementation for tests and local development.
package netdisk

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FileHandle identifies a remote file the engine can resolve a URL for.
type FileHandle struct {
	FSID       string
	RemotePath string
}

// ResolvedURL is a signed, time-bounded download URL for a FileHandle.
type ResolvedURL struct {
	URL       string
	ExpiresAt time.Time
}

// Entry is one child of a directory listing page.
type Entry struct {
	FSID     string
	Name     string
	IsDir    bool
	Size     int64
}

// Page is one page of a directory listing, with an opaque cursor for the
// next page (empty when there is no more data).
type Page struct {
	Entries    []Entry
	NextCursor string
}

// Port is the abstract capability the engine consumes: list a remote
// directory page, resolve a download URL for a file handle, optionally
// create a remote directory. Implementations are authenticated elsewhere;
// the downloader only consumes this interface.
type Port interface {
	ListDirectory(ctx context.Context, remotePath, cursor string) (Page, error)
	ResolveURL(ctx context.Context, handle FileHandle) (ResolvedURL, error)
	CreateDirectory(ctx context.Context, remotePath string) error
}

// Stub is an in-memory Port used by tests and local runs without a real
// Baidu Netdisk session. Each ResolveURL call rotates through Hosts so
// tests can exercise CDN-host variety the way the real API does.
type Stub struct {
	mu        sync.Mutex
	Hosts     []string
	Dirs      map[string][]Entry
	PageSize  int
	resolveN  int
	TTL       time.Duration
	Fail      map[string]error // remotePath or fs_id -> forced error
}

func NewStub() *Stub {
	return &Stub{
		Hosts:    []string{"https://cdn1.example.test", "https://cdn2.example.test"},
		Dirs:     make(map[string][]Entry),
		PageSize: 50,
		TTL:      2 * time.Hour,
		Fail:     make(map[string]error),
	}
}

func (s *Stub) ListDirectory(_ context.Context, remotePath, cursor string) (Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err, ok := s.Fail[remotePath]; ok {
		return Page{}, err
	}

	entries := s.Dirs[remotePath]
	start := 0
	if cursor != "" {
		fmt.Sscanf(cursor, "%d", &start)
	}
	end := start + s.PageSize
	if end > len(entries) {
		end = len(entries)
	}
	if start > len(entries) {
		start = len(entries)
	}

	page := Page{Entries: entries[start:end]}
	if end < len(entries) {
		page.NextCursor = fmt.Sprintf("%d", end)
	}
	return page, nil
}

func (s *Stub) ResolveURL(_ context.Context, handle FileHandle) (ResolvedURL, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err, ok := s.Fail[handle.FSID]; ok {
		return ResolvedURL{}, err
	}

	host := s.Hosts[s.resolveN%len(s.Hosts)]
	s.resolveN++
	return ResolvedURL{
		URL:       fmt.Sprintf("%s/dl/%s", host, handle.FSID),
		ExpiresAt: time.Now().Add(s.TTL),
	}, nil
}

func (s *Stub) CreateDirectory(_ context.Context, remotePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.Dirs[remotePath]; !ok {
		s.Dirs[remotePath] = nil
	}
	return nil
}

// AddFile is a test helper registering a file entry under a directory.
func (s *Stub) AddFile(dir string, e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Dirs[dir] = append(s.Dirs[dir], e)
}
