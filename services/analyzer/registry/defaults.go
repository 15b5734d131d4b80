// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

var jsExtensions = []string{".ts", ".tsx", ".js", ".jsx", ".mjs", ".cjs", ".mts", ".cts"}

var jsLockfiles = []string{"package-lock.json", "bun.lockb", "bun.lock", "pnpm-lock.yaml", "yarn.lock", "package.json"}

// Defaults returns the built-in analyzer definitions in dispatch order.
func Defaults() []AnalyzerDefinition {
	return []AnalyzerDefinition{
		{
			ID:             "typescript",
			Name:           "TypeScript Language Server",
			Extensions:     jsExtensions,
			RootMarkers:    jsLockfiles,
			ExcludeMarkers: []string{"deno.json", "deno.jsonc"},
			Command:        "typescript-language-server",
			Args:           []string{"--stdio"},
			Installable:    true,
			Install: InstallStrategy{
				Kind:    InstallNPM,
				Package: "typescript-language-server",
				Extra:   []string{"typescript"},
			},
		},
		{
			ID:          "deno",
			Name:        "Deno",
			Extensions:  []string{".ts", ".tsx", ".js", ".jsx", ".mjs"},
			RootMarkers: []string{"deno.json", "deno.jsonc"},
			Command:     "deno",
			Args:        []string{"lsp"},
		},
		{
			ID:          "eslint",
			Name:        "ESLint",
			Extensions:  append(append([]string(nil), jsExtensions...), ".vue"),
			RootMarkers: jsLockfiles,
			Command:     "vscode-eslint-language-server",
			Args:        []string{"--stdio"},
			Installable: true,
			Install: InstallStrategy{
				Kind:    InstallNPM,
				Package: "vscode-langservers-extracted",
			},
			Settings: map[string]interface{}{
				"validate":         "on",
				"run":              "onType",
				"workingDirectory": map[string]interface{}{"mode": "auto"},
			},
		},
		{
			ID:          "vue",
			Name:        "Vue Language Server",
			Extensions:  []string{".vue"},
			RootMarkers: jsLockfiles,
			Command:     "vue-language-server",
			Args:        []string{"--stdio"},
			Installable: true,
			Install: InstallStrategy{
				Kind:    InstallNPM,
				Package: "@vue/language-server",
			},
		},
		{
			ID:          "gopls",
			Name:        "gopls",
			Extensions:  []string{".go"},
			RootMarkers: []string{"go.work", "go.mod", "go.sum"},
			Command:     "gopls",
			Args:        []string{"serve"},
			Installable: true,
			Install: InstallStrategy{
				Kind:    InstallPackageManager,
				Manager: "go",
				Package: "golang.org/x/tools/gopls",
				Version: "latest",
			},
		},
		{
			ID:          "pyright",
			Name:        "Pyright",
			Extensions:  []string{".py", ".pyi"},
			RootMarkers: []string{"pyproject.toml", "setup.py", "setup.cfg", "requirements.txt", "Pipfile", "pyrightconfig.json"},
			Command:     "pyright-langserver",
			Args:        []string{"--stdio"},
			Installable: true,
			Install: InstallStrategy{
				Kind:    InstallNPM,
				Package: "pyright",
			},
		},
		{
			ID:          "ruby-lsp",
			Name:        "Ruby LSP",
			Extensions:  []string{".rb", ".rake", ".gemspec", ".ru"},
			RootMarkers: []string{"Gemfile"},
			Command:     "ruby-lsp",
			Installable: true,
			Install: InstallStrategy{
				Kind:    InstallPackageManager,
				Manager: "gem",
				Package: "ruby-lsp",
			},
		},
		{
			ID:          "rust-analyzer",
			Name:        "rust-analyzer",
			Extensions:  []string{".rs"},
			RootMarkers: []string{"Cargo.toml", "Cargo.lock"},
			Command:     "rust-analyzer",
			Installable: true,
			Install: InstallStrategy{
				Kind:        InstallDownload,
				URLTemplate: "https://github.com/rust-lang/rust-analyzer/releases/latest/download/rust-analyzer-{{.Arch}}-{{.OS}}.gz",
				Archive:     "gz",
				OSNames: map[string]string{
					"linux":   "unknown-linux-gnu",
					"darwin":  "apple-darwin",
					"windows": "pc-windows-msvc",
				},
				ArchNames: map[string]string{
					"amd64": "x86_64",
					"arm64": "aarch64",
				},
			},
		},
		{
			ID:          "clangd",
			Name:        "clangd",
			Extensions:  []string{".c", ".cc", ".cpp", ".cxx", ".h", ".hh", ".hpp", ".hxx"},
			RootMarkers: []string{"compile_commands.json", "compile_flags.txt", ".clangd", "CMakeLists.txt", "Makefile"},
			Command:     "clangd",
			Args:        []string{"--background-index", "--clang-tidy"},
			Installable: true,
			Install: InstallStrategy{
				Kind:        InstallDownload,
				Version:     "18.1.3",
				URLTemplate: "https://github.com/clangd/clangd/releases/download/{{.Version}}/clangd-{{.OS}}-{{.Version}}.zip",
				Archive:     "zip",
				BinaryPath:  "clangd_{{.Version}}/bin/clangd",
				OSNames: map[string]string{
					"linux":   "linux",
					"darwin":  "mac",
					"windows": "windows",
				},
			},
		},
		{
			ID:          "csharp",
			Name:        "csharp-ls",
			Extensions:  []string{".cs"},
			RootMarkers: []string{"*.sln", "*.csproj", "global.json"},
			Command:     "csharp-ls",
		},
		{
			ID:          "jdtls",
			Name:        "Eclipse JDT Language Server",
			Extensions:  []string{".java"},
			RootMarkers: []string{"pom.xml", "build.gradle", "build.gradle.kts", "settings.gradle"},
			Command:     "jdtls",
		},
		{
			ID:          "yaml",
			Name:        "YAML Language Server",
			Extensions:  []string{".yaml", ".yml"},
			RootMarkers: []string{".git", "package.json"},
			Command:     "yaml-language-server",
			Args:        []string{"--stdio"},
			Installable: true,
			Install: InstallStrategy{
				Kind:    InstallNPM,
				Package: "yaml-language-server",
			},
		},
	}
}
