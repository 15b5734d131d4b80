// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package install

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/AleutianAI/analyzerhub/services/analyzer/registry"
)

const userAgent = "analyzerhub-installer/1.0"

// urlParams is the data passed to an InstallStrategy URL template.
type urlParams struct {
	OS      string
	Arch    string
	Version string
}

// renderURL expands s.URLTemplate for the given platform.
func renderURL(s registry.InstallStrategy, goos, goarch string) (string, error) {
	tmpl, err := template.New("url").Option("missingkey=error").Parse(s.URLTemplate)
	if err != nil {
		return "", fmt.Errorf("parse url template: %w", err)
	}
	p := urlParams{OS: goos, Arch: goarch, Version: s.Version}
	if v, ok := s.OSNames[goos]; ok {
		p.OS = v
	}
	if v, ok := s.ArchNames[goarch]; ok {
		p.Arch = v
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, p); err != nil {
		return "", fmt.Errorf("render url template: %w", err)
	}
	return buf.String(), nil
}

// installDownload fetches the release asset for this platform, verifies it
// when a digest is pinned, and writes the binary to dest/bin.
func (c *Cache) installDownload(ctx context.Context, def registry.AnalyzerDefinition, dest string) (string, error) {
	s := def.Install
	url, err := renderURL(s, c.goos, c.goarch)
	if err != nil {
		return "", err
	}

	archive, err := c.download(ctx, url, dest)
	if err != nil {
		return "", err
	}
	defer os.Remove(archive)

	if want, ok := s.SHA256[c.goos+"/"+c.goarch]; ok && want != "" {
		if err := verifyChecksum(archive, want); err != nil {
			return "", err
		}
	} else {
		c.logger.Warn("no pinned checksum for download",
			slog.String("analyzer", def.ID),
			slog.String("platform", c.goos+"/"+c.goarch))
	}

	binDir := filepath.Join(dest, "bin")
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		return "", err
	}
	target := filepath.Join(binDir, def.Command)
	inner := s.BinaryPath
	if inner == "" {
		inner = def.Command
	}

	switch strings.ToLower(s.Archive) {
	case "tar.gz", "tgz":
		err = extractTarGz(archive, inner, target)
	case "zip":
		err = extractZip(archive, inner, target)
	case "gz":
		err = extractGz(archive, target)
	case "":
		err = copyFile(archive, target)
	default:
		err = fmt.Errorf("unsupported archive format %q", s.Archive)
	}
	if err != nil {
		return "", err
	}
	if err := os.Chmod(target, 0o755); err != nil {
		return "", err
	}
	return target, nil
}

// download streams url into a temporary file under dir.
func (c *Cache) download(ctx context.Context, url, dir string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: %s: HTTP %d", ErrDownloadFailed, url, resp.StatusCode)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(dir, "download-*")
	if err != nil {
		return "", err
	}
	defer tmp.Close()

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	return tmp.Name(), nil
}

func verifyChecksum(file, want string) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}
	got := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(got, want) {
		return fmt.Errorf("%w: expected %s, got %s", ErrChecksumMismatch, want, got)
	}
	return nil
}

// matchesEntry reports whether an archive entry is the wanted binary. A
// wanted path with a slash must match the entry path; a bare name matches
// the entry's base name.
func matchesEntry(entry, want string) bool {
	entry = strings.TrimPrefix(path.Clean("/"+entry), "/")
	if strings.Contains(want, "/") {
		return entry == strings.TrimPrefix(path.Clean("/"+want), "/")
	}
	base := path.Base(entry)
	return base == want || base == want+".exe"
}

func extractTarGz(archive, want, target string) error {
	f, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer f.Close()

	gzr, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if header.Typeflag == tar.TypeReg && matchesEntry(header.Name, want) {
			return writeFile(target, tr)
		}
	}
	return fmt.Errorf("%w: %q not in archive", ErrBinaryMissing, want)
}

func extractZip(archive, want, target string) error {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, f := range r.File {
		if f.FileInfo().IsDir() || !matchesEntry(f.Name, want) {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		err = writeFile(target, rc)
		rc.Close()
		return err
	}
	return fmt.Errorf("%w: %q not in archive", ErrBinaryMissing, want)
}

func extractGz(archive, target string) error {
	f, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer f.Close()

	gzr, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gzr.Close()
	return writeFile(target, gzr)
}

func copyFile(src, target string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	return writeFile(target, f)
}

// writeFile writes r to target through a sibling temp file and a rename.
func writeFile(target string, r io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Dir(target), ".extract-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), target)
}
