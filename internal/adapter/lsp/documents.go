package lsp

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/Strob0t/PyForge/internal/domain"
	lspDomain "github.com/Strob0t/PyForge/internal/domain/lsp"
)

// DocumentTracker records which files have been opened on an engine client
// and guarantees each file is announced with exactly one didOpen, no matter
// how many goroutines ask for it concurrently.
type DocumentTracker struct {
	client *Client

	mu   sync.Mutex
	open map[string]*docEntry // absolute path -> entry
}

// docEntry is a latch for one tracked document. The goroutine that inserts
// the entry performs the didOpen; everyone else waits on ready.
type docEntry struct {
	uri   string
	err   error
	ready chan struct{}
}

func newDocumentTracker(client *Client) *DocumentTracker {
	return &DocumentTracker{
		client: client,
		open:   make(map[string]*docEntry),
	}
}

// EnsureOpen makes sure the file is open on the engine and returns its URI.
// The first caller for a path reads the file and sends didOpen; concurrent
// callers for the same path block until that attempt resolves and share its
// outcome. A failed attempt is forgotten so a later call can retry.
func (t *DocumentTracker) EnsureOpen(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: resolve path %s: %v", domain.ErrValidation, path, err)
	}

	t.mu.Lock()
	if e, ok := t.open[abs]; ok {
		t.mu.Unlock()
		<-e.ready
		if e.err != nil {
			return "", e.err
		}
		return e.uri, nil
	}
	e := &docEntry{ready: make(chan struct{})}
	t.open[abs] = e
	t.mu.Unlock()

	uri, err := t.announce(abs)
	if err != nil {
		t.mu.Lock()
		delete(t.open, abs)
		t.mu.Unlock()
		e.err = err
		close(e.ready)
		return "", err
	}

	e.uri = uri
	close(e.ready)
	return uri, nil
}

// announce reads the file from disk and sends the didOpen notification.
func (t *DocumentTracker) announce(abs string) (string, error) {
	content, err := os.ReadFile(abs) //nolint:gosec // path validated by the service layer
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: file %s", domain.ErrNotFound, abs)
		}
		return "", fmt.Errorf("read file %s: %w", abs, err)
	}

	uri := lspDomain.PathToURI(abs)
	params := map[string]any{
		"textDocument": map[string]any{
			"uri":        uri,
			"languageId": t.client.engine.LanguageID,
			"version":    1,
			"text":       string(content),
		},
	}
	if err := t.client.Notify("textDocument/didOpen", params); err != nil {
		return "", err
	}
	return uri, nil
}

// IsOpen reports whether the file is already announced to the engine.
func (t *DocumentTracker) IsOpen(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}

	t.mu.Lock()
	e, ok := t.open[abs]
	t.mu.Unlock()
	if !ok {
		return false
	}

	select {
	case <-e.ready:
		return e.err == nil
	default:
		return false
	}
}

// Count returns the number of tracked documents.
func (t *DocumentTracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.open)
}

// Paths returns the tracked document paths in sorted order.
func (t *DocumentTracker) Paths() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	paths := make([]string, 0, len(t.open))
	for p := range t.open {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// closeAll sends didClose for every tracked document directly on conn and
// clears the tracker. Used during graceful shutdown, when the client state
// already blocks regular notifications.
func (t *DocumentTracker) closeAll(conn *JSONRPCConn) {
	t.mu.Lock()
	entries := t.open
	t.open = make(map[string]*docEntry)
	t.mu.Unlock()

	for _, e := range entries {
		select {
		case <-e.ready:
		default:
			continue // open still in flight, nothing to close
		}
		if e.err != nil {
			continue
		}
		params := map[string]any{
			"textDocument": map[string]any{"uri": e.uri},
		}
		_ = conn.Notify("textDocument/didClose", params)
	}
}

// discard forgets all tracked documents without notifying the engine. Used
// after a crash, when the process on the other side is already gone.
func (t *DocumentTracker) discard() {
	t.mu.Lock()
	t.open = make(map[string]*docEntry)
	t.mu.Unlock()
}
