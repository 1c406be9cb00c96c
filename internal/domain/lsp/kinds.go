package lsp

// symbolKindNames maps LSP SymbolKind values to readable names.
var symbolKindNames = map[int]string{
	1: "file", 2: "module", 3: "namespace", 4: "package", 5: "class",
	6: "method", 7: "property", 8: "field", 9: "constructor", 10: "enum",
	11: "interface", 12: "function", 13: "variable", 14: "constant",
	15: "string", 16: "number", 17: "boolean", 18: "array", 19: "object",
	20: "key", 21: "null", 22: "enum member", 23: "struct", 24: "event",
	25: "operator", 26: "type parameter",
}

// completionKindNames maps LSP CompletionItemKind values to readable names.
var completionKindNames = map[int]string{
	1: "text", 2: "method", 3: "function", 4: "constructor", 5: "field",
	6: "variable", 7: "class", 8: "interface", 9: "module", 10: "property",
	11: "unit", 12: "value", 13: "enum", 14: "keyword", 15: "snippet",
	16: "color", 17: "file", 18: "reference", 19: "folder",
	20: "enum member", 21: "constant", 22: "struct", 23: "event",
	24: "operator", 25: "type parameter",
}

// SymbolKindName returns the readable name of an LSP SymbolKind, or "unknown"
// for values outside the protocol's enum.
func SymbolKindName(kind int) string {
	if name, ok := symbolKindNames[kind]; ok {
		return name
	}
	return "unknown"
}

// CompletionKindName returns the readable name of an LSP CompletionItemKind.
func CompletionKindName(kind int) string {
	if name, ok := completionKindNames[kind]; ok {
		return name
	}
	return "unknown"
}

// SeverityName returns the readable name of a diagnostic severity.
func SeverityName(severity int) string {
	switch severity {
	case SeverityError:
		return "error"
	case SeverityWarning:
		return "warning"
	case SeverityInfo:
		return "information"
	case SeverityHint:
		return "hint"
	default:
		return "unknown"
	}
}
