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
	"encoding/json"
	"net/url"
	"path/filepath"
	"strings"
)

// PathToURI converts a file path to a file:// URI, making it absolute first.
func PathToURI(path string) string {
	if !filepath.IsAbs(path) {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
	}
	u := &url.URL{Scheme: "file", Path: filepath.ToSlash(path)}
	return u.String()
}

// URIToPath converts a file:// URI back to a cleaned file path.
func URIToPath(uri string) string {
	if u, err := url.Parse(uri); err == nil && u.Scheme == "file" {
		return filepath.Clean(filepath.FromSlash(u.Path))
	}
	return filepath.Clean(strings.TrimPrefix(uri, "file://"))
}

// =============================================================================
// RESULT DECODING
// =============================================================================

// ParseLocations decodes a definition or references result. Analyzers may
// answer with a Location, a list of Locations, or LocationLinks.
func ParseLocations(data json.RawMessage) ([]Location, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}

	if data[0] == '[' {
		var links []LocationLink
		if err := json.Unmarshal(data, &links); err == nil && len(links) > 0 && links[0].TargetURI != "" {
			locations := make([]Location, len(links))
			for i, link := range links {
				locations[i] = Location{URI: link.TargetURI, Range: link.TargetSelectionRange}
			}
			return locations, nil
		}

		var locations []Location
		if err := json.Unmarshal(data, &locations); err == nil {
			return locations, nil
		}
	}

	var single Location
	if err := json.Unmarshal(data, &single); err == nil && single.URI != "" {
		return []Location{single}, nil
	}

	var link LocationLink
	if err := json.Unmarshal(data, &link); err == nil && link.TargetURI != "" {
		return []Location{{URI: link.TargetURI, Range: link.TargetSelectionRange}}, nil
	}

	return nil, ErrInvalidResponse
}

// ParseHover decodes a hover result into plain text. MarkupContent, a bare
// string, a MarkedString and a list of either are all accepted.
func ParseHover(data json.RawMessage) (string, error) {
	if len(data) == 0 || string(data) == "null" {
		return "", nil
	}
	var envelope struct {
		Contents json.RawMessage `json:"contents"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return "", ErrInvalidResponse
	}
	return markedText(envelope.Contents)
}

func markedText(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", ErrInvalidResponse
		}
		return s, nil
	case '[':
		var parts []json.RawMessage
		if err := json.Unmarshal(raw, &parts); err != nil {
			return "", ErrInvalidResponse
		}
		texts := make([]string, 0, len(parts))
		for _, part := range parts {
			text, err := markedText(part)
			if err != nil {
				return "", err
			}
			if text != "" {
				texts = append(texts, text)
			}
		}
		return strings.Join(texts, "\n\n"), nil
	default:
		var obj struct {
			Value string `json:"value"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return "", ErrInvalidResponse
		}
		return obj.Value, nil
	}
}

// ParseCompletion decodes a completion result, either a bare item list or a
// CompletionList.
func ParseCompletion(data json.RawMessage) ([]CompletionItem, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	if data[0] == '[' {
		var items []CompletionItem
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, ErrInvalidResponse
		}
		return items, nil
	}
	var list struct {
		Items []CompletionItem `json:"items"`
	}
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, ErrInvalidResponse
	}
	return list.Items, nil
}
