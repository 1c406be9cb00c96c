package lsp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	lspDomain "github.com/Strob0t/PyForge/internal/domain/lsp"
)

// Typed wrappers over Request for the engine operations the tool layer
// exposes. All take a document URI previously returned by the tracker.

// Hover returns hover information at the given position, or nil when the
// engine has nothing to say about it.
func (c *Client) Hover(ctx context.Context, uri string, pos lspDomain.Position) (*lspDomain.HoverResult, error) {
	raw, err := c.Request(ctx, "textDocument/hover", positionParams(uri, pos), 0)
	if err != nil {
		return nil, err
	}
	if isNull(raw) {
		return nil, nil
	}

	var resp struct {
		Contents json.RawMessage  `json:"contents"`
		Range    *lspDomain.Range `json:"range"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("parse hover result: %w", err)
	}
	return &lspDomain.HoverResult{Contents: hoverText(resp.Contents), Range: resp.Range}, nil
}

// Definition returns the definition locations for the symbol at the position.
func (c *Client) Definition(ctx context.Context, uri string, pos lspDomain.Position) ([]lspDomain.Location, error) {
	raw, err := c.Request(ctx, "textDocument/definition", positionParams(uri, pos), 0)
	if err != nil {
		return nil, err
	}
	return parseLocations(raw)
}

// References returns all references to the symbol at the position.
func (c *Client) References(ctx context.Context, uri string, pos lspDomain.Position, includeDeclaration bool) ([]lspDomain.Location, error) {
	params := positionParams(uri, pos)
	params["context"] = map[string]any{"includeDeclaration": includeDeclaration}

	raw, err := c.Request(ctx, "textDocument/references", params, 0)
	if err != nil {
		return nil, err
	}
	return parseLocations(raw)
}

// DocumentSymbols returns the symbol tree of a document. Engines that only
// produce the flat SymbolInformation form are normalized into the tree shape
// with empty children.
func (c *Client) DocumentSymbols(ctx context.Context, uri string) ([]lspDomain.DocumentSymbol, error) {
	params := map[string]any{
		"textDocument": map[string]any{"uri": uri},
	}
	raw, err := c.Request(ctx, "textDocument/documentSymbol", params, 0)
	if err != nil {
		return nil, err
	}
	if isNull(raw) {
		return nil, nil
	}

	var flat []struct {
		Name     string              `json:"name"`
		Kind     int                 `json:"kind"`
		Location *lspDomain.Location `json:"location"`
	}
	if err := json.Unmarshal(raw, &flat); err == nil && len(flat) > 0 && flat[0].Location != nil {
		syms := make([]lspDomain.DocumentSymbol, 0, len(flat))
		for _, s := range flat {
			syms = append(syms, lspDomain.DocumentSymbol{
				Name:           s.Name,
				Kind:           s.Kind,
				Range:          s.Location.Range,
				SelectionRange: s.Location.Range,
			})
		}
		return syms, nil
	}

	var syms []lspDomain.DocumentSymbol
	if err := json.Unmarshal(raw, &syms); err != nil {
		return nil, fmt.Errorf("parse document symbols: %w", err)
	}
	return syms, nil
}

// Completions returns completion suggestions at the given position.
func (c *Client) Completions(ctx context.Context, uri string, pos lspDomain.Position) ([]lspDomain.CompletionItem, error) {
	raw, err := c.Request(ctx, "textDocument/completion", positionParams(uri, pos), 0)
	if err != nil {
		return nil, err
	}
	if isNull(raw) {
		return nil, nil
	}

	// Either a CompletionList or a bare item array.
	var list struct {
		Items []json.RawMessage `json:"items"`
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &list); err == nil && list.Items != nil {
		items = list.Items
	} else if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("parse completion result: %w", err)
	}

	out := make([]lspDomain.CompletionItem, 0, len(items))
	for _, raw := range items {
		var w struct {
			Label         string          `json:"label"`
			Kind          int             `json:"kind"`
			Detail        string          `json:"detail"`
			Documentation json.RawMessage `json:"documentation"`
			InsertText    string          `json:"insertText"`
		}
		if err := json.Unmarshal(raw, &w); err != nil {
			continue
		}
		out = append(out, lspDomain.CompletionItem{
			Label:         w.Label,
			Kind:          w.Kind,
			Detail:        w.Detail,
			Documentation: hoverText(w.Documentation),
			InsertText:    w.InsertText,
		})
	}
	return out, nil
}

func positionParams(uri string, pos lspDomain.Position) map[string]any {
	return map[string]any{
		"textDocument": map[string]any{"uri": uri},
		"position":     map[string]any{"line": pos.Line, "character": pos.Character},
	}
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// parseLocations normalizes the three wire shapes of a location result
// (single Location, Location array, LocationLink array) into a flat slice.
func parseLocations(raw json.RawMessage) ([]lspDomain.Location, error) {
	if isNull(raw) {
		return nil, nil
	}

	var links []struct {
		TargetURI            string          `json:"targetUri"`
		TargetSelectionRange lspDomain.Range `json:"targetSelectionRange"`
	}
	if err := json.Unmarshal(raw, &links); err == nil && len(links) > 0 && links[0].TargetURI != "" {
		locs := make([]lspDomain.Location, 0, len(links))
		for _, l := range links {
			locs = append(locs, lspDomain.Location{URI: l.TargetURI, Range: l.TargetSelectionRange})
		}
		return locs, nil
	}

	var locs []lspDomain.Location
	if err := json.Unmarshal(raw, &locs); err == nil {
		return locs, nil
	}

	var single lspDomain.Location
	if err := json.Unmarshal(raw, &single); err == nil && single.URI != "" {
		return []lspDomain.Location{single}, nil
	}

	return nil, fmt.Errorf("unrecognized location payload")
}

// hoverText flattens the LSP hover content shapes (plain string,
// MarkupContent, MarkedString, or an array of those) into one string.
func hoverText(raw json.RawMessage) string {
	if isNull(raw) {
		return ""
	}

	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}

	var markup struct {
		Value string `json:"value"`
	}
	if json.Unmarshal(raw, &markup) == nil && markup.Value != "" {
		return markup.Value
	}

	var parts []json.RawMessage
	if json.Unmarshal(raw, &parts) == nil {
		var b strings.Builder
		for _, p := range parts {
			if t := hoverText(p); t != "" {
				if b.Len() > 0 {
					b.WriteString("\n\n")
				}
				b.WriteString(t)
			}
		}
		return b.String()
	}

	return ""
}
