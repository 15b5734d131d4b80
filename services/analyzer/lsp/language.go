// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lsp

import (
	"path/filepath"
	"strings"
)

// languageIDs maps file extensions to LSP language identifiers.
var languageIDs = map[string]string{
	".ts":     "typescript",
	".mts":    "typescript",
	".cts":    "typescript",
	".tsx":    "typescriptreact",
	".js":     "javascript",
	".mjs":    "javascript",
	".cjs":    "javascript",
	".jsx":    "javascriptreact",
	".vue":    "vue",
	".svelte": "svelte",
	".go":     "go",
	".py":     "python",
	".pyi":    "python",
	".rs":     "rust",
	".c":      "c",
	".h":      "c",
	".cc":     "cpp",
	".cpp":    "cpp",
	".cxx":    "cpp",
	".hpp":    "cpp",
	".cs":     "csharp",
	".java":   "java",
	".rb":     "ruby",
	".rake":   "ruby",
	".yaml":   "yaml",
	".yml":    "yaml",
	".json":   "json",
	".lua":    "lua",
	".zig":    "zig",
	".ex":     "elixir",
	".exs":    "elixir",
}

// LanguageIDForPath returns the languageId for path's extension, or
// "plaintext" when unknown.
func LanguageIDForPath(path string) string {
	if id, ok := languageIDs[strings.ToLower(filepath.Ext(path))]; ok {
		return id
	}
	return "plaintext"
}
