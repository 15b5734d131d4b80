// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/AleutianAI/analyzerhub/services/analyzer/lsp"
)

// location is a file position given on the command line as
// "path:line[:column]" with one-based line and column.
type location struct {
	Path string
	Line int
	Col  int
}

// parseLocation splits "path:line[:column]". The path may itself contain
// colons; only trailing numeric fields are taken as the position.
func parseLocation(s string) (location, error) {
	fields := strings.Split(s, ":")
	var nums []int
	for len(fields) > 1 && len(nums) < 2 {
		n, err := strconv.Atoi(fields[len(fields)-1])
		if err != nil {
			break
		}
		nums = append([]int{n}, nums...)
		fields = fields[:len(fields)-1]
	}
	path := strings.Join(fields, ":")
	if path == "" || len(nums) == 0 {
		return location{}, fmt.Errorf("invalid location %q: want path:line[:column]", s)
	}
	loc := location{Path: path, Line: nums[0], Col: 1}
	if len(nums) == 2 {
		loc.Col = nums[1]
	}
	if loc.Line < 1 || loc.Col < 1 {
		return location{}, fmt.Errorf("invalid location %q: line and column start at 1", s)
	}
	return loc, nil
}

// Position converts to a zero-based protocol position.
func (l location) Position() lsp.Position {
	return lsp.Position{Line: l.Line - 1, Character: l.Col - 1}
}

func (l location) String() string {
	return fmt.Sprintf("%s:%d:%d", l.Path, l.Line, l.Col)
}
