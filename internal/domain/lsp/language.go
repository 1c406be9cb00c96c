package lsp

// EngineConfig defines how to launch the language engine for a workspace.
// All engines communicate via stdio.
type EngineConfig struct {
	Command    []string       // argv, e.g. ["pyright-langserver", "--stdio"]
	LanguageID string         // LSP languageId used when opening documents
	Extensions []string       // accepted source file extensions; empty accepts any
	InitOpts   map[string]any // LSP initializationOptions (optional)
}

// DefaultEngine returns the stock Pyright engine configuration.
func DefaultEngine() EngineConfig {
	return EngineConfig{
		Command:    []string{"pyright-langserver", "--stdio"},
		LanguageID: "python",
		Extensions: []string{".py", ".pyi"},
	}
}
