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
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	// MaxFrameSize bounds a single message body. Larger declared lengths are
	// treated as malformed headers.
	MaxFrameSize = 64 << 20

	// maxHeaderSize bounds an unterminated header block before it is dropped.
	maxHeaderSize = 8 << 10

	headerTerminator = "\r\n\r\n"
	contentLengthKey = "content-length"
)

// Framer splits a byte stream into Content-Length delimited frames.
//
// Description:
//
//	Bytes are appended to an accumulation buffer and every complete frame is
//	extracted. The result does not depend on how the stream was chunked: any
//	split of the same bytes yields the same frames in the same order.
//
//	A header block without a usable Content-Length is dropped and reported
//	as a *FrameError; parsing resumes right after that block.
//
// Thread Safety:
//
//	Not safe for concurrent use. Each connection owns one Framer and feeds
//	it from its read loop.
type Framer struct {
	buf     []byte
	resyncs int
}

// NewFramer creates an empty framer.
func NewFramer() *Framer {
	return &Framer{}
}

// Push appends chunk and returns every frame it completes.
//
// Outputs:
//
//	[]json.RawMessage - Complete frame bodies in stream order. Each slice is
//	  owned by the caller.
//	[]error - One *FrameError per discarded header block.
func (f *Framer) Push(chunk []byte) ([]json.RawMessage, []error) {
	f.buf = append(f.buf, chunk...)

	var (
		frames []json.RawMessage
		errs   []error
	)
	for {
		body, ok, err := f.next()
		if err != nil {
			f.resyncs++
			errs = append(errs, err)
			continue
		}
		if !ok {
			break
		}
		frames = append(frames, body)
	}
	f.compact()
	return frames, errs
}

// Buffered returns the number of bytes waiting for a complete frame.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// Resyncs returns how many header blocks have been discarded.
func (f *Framer) Resyncs() int {
	return f.resyncs
}

// next extracts one frame. ok is false when more input is needed.
func (f *Framer) next() (json.RawMessage, bool, error) {
	end := bytes.Index(f.buf, []byte(headerTerminator))
	if end < 0 {
		if len(f.buf) > maxHeaderSize {
			// Keep the tail in case it holds the start of a terminator.
			keep := len(headerTerminator) - 1
			dropped := string(f.buf[:min(len(f.buf)-keep, 64)])
			f.buf = f.buf[len(f.buf)-keep:]
			return nil, false, &FrameError{Header: dropped, Reason: "header too large"}
		}
		return nil, false, nil
	}

	header := string(f.buf[:end])
	length, reason := parseContentLength(header)
	if reason != "" {
		f.buf = f.buf[end+len(headerTerminator):]
		return nil, false, &FrameError{Header: header, Reason: reason}
	}

	start := end + len(headerTerminator)
	if len(f.buf)-start < length {
		return nil, false, nil
	}

	body := make(json.RawMessage, length)
	copy(body, f.buf[start:start+length])
	f.buf = f.buf[start+length:]
	return body, true, nil
}

// compact releases consumed capacity once the buffer drains.
func (f *Framer) compact() {
	if len(f.buf) == 0 {
		f.buf = nil
		return
	}
	if cap(f.buf) > 4*len(f.buf) && cap(f.buf) > 64<<10 {
		f.buf = append([]byte(nil), f.buf...)
	}
}

// parseContentLength returns the declared body length or a non-empty reason
// describing why the header block is unusable.
func parseContentLength(header string) (int, string) {
	found := false
	length := 0
	for _, line := range strings.Split(header, "\r\n") {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if strings.ToLower(strings.TrimSpace(name)) != contentLengthKey {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return 0, "invalid content-length"
		}
		if n < 0 {
			return 0, "negative content-length"
		}
		if n > MaxFrameSize {
			return 0, "content-length exceeds limit"
		}
		length = n
		found = true
	}
	if !found {
		return 0, "missing content-length"
	}
	return length, ""
}

// WriteFrame writes body with its Content-Length header in a single Write so
// concurrent writers holding the same lock never interleave partial frames.
func WriteFrame(w io.Writer, body []byte) error {
	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(body))
	frame := make([]byte, 0, len(header)+len(body))
	frame = append(frame, header...)
	frame = append(frame, body...)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}
