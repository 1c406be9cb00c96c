// Package lsp defines domain types for Language Server Protocol integration.
// These types represent LSP concepts (positions, locations, diagnostics,
// completions) in a transport-independent way for use across the service,
// adapter, and tool layers.
package lsp

import "fmt"

// Position in a text document (0-based line and character).
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// FromDisplay converts 1-indexed caller coordinates to a 0-indexed Position.
func FromDisplay(line, character int) (Position, error) {
	if line < 1 || character < 1 {
		return Position{}, fmt.Errorf("positions are 1-indexed: line=%d character=%d", line, character)
	}
	return Position{Line: line - 1, Character: character - 1}, nil
}

// Display returns the 1-indexed coordinates of p.
func (p Position) Display() (line, character int) {
	return p.Line + 1, p.Character + 1
}

// Range in a text document.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// Location links a URI to a range.
type Location struct {
	URI   string `json:"uri"`
	Range Range  `json:"range"`
}

// DiagnosticSeverity mirrors LSP DiagnosticSeverity.
const (
	SeverityError   = 1
	SeverityWarning = 2
	SeverityInfo    = 3
	SeverityHint    = 4
)

// Diagnostic represents a compiler/linter diagnostic.
type Diagnostic struct {
	Range    Range  `json:"range"`
	Severity int    `json:"severity"` // 1=Error, 2=Warning, 3=Info, 4=Hint
	Source   string `json:"source"`
	Message  string `json:"message"`
	Code     string `json:"code,omitempty"`
}

// DocumentSymbol represents a symbol in a document (function, class, etc.).
type DocumentSymbol struct {
	Name           string           `json:"name"`
	Kind           int              `json:"kind"` // LSP SymbolKind enum
	Range          Range            `json:"range"`
	SelectionRange Range            `json:"selectionRange"`
	Children       []DocumentSymbol `json:"children,omitempty"`
}

// HoverResult contains hover information for a position.
type HoverResult struct {
	Contents string `json:"contents"` // Markdown
	Range    *Range `json:"range,omitempty"`
}

// CompletionItem represents a single completion suggestion.
type CompletionItem struct {
	Label         string `json:"label"`
	Kind          int    `json:"kind,omitempty"` // LSP CompletionItemKind enum
	Detail        string `json:"detail,omitempty"`
	Documentation string `json:"documentation,omitempty"`
	InsertText    string `json:"insertText,omitempty"`
}

// ClientState represents the lifecycle state of an engine client.
type ClientState string

const (
	StateNotStarted   ClientState = "not_started"
	StateInitializing ClientState = "initializing"
	StateReady        ClientState = "ready"
	StateShuttingDown ClientState = "shutting_down"
	StateCrashed      ClientState = "crashed"
)

// ClientInfo describes a pooled engine client instance.
type ClientInfo struct {
	WorkspaceRoot string      `json:"workspace_root"`
	State         ClientState `json:"state"`
	Command       string      `json:"command"`
	PID           int         `json:"pid,omitempty"`
	Documents     int         `json:"documents"`
	Diagnostics   int         `json:"diagnostics"` // Count of cached diagnostics
	IdleFor       string      `json:"idle_for,omitempty"`
}
