package snapshot

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	difflib "github.com/pmezard/go-difflib/difflib"
)

// Files fingerprinted in every snapshot, in manifest order.
var RequiredFiles = []string{"stop_times.txt", "trips.txt", "routes.txt", "stops.txt"}

const chunkSize = 4096

// Maps required file name to hex encoded SHA-256 of its content. A
// file absent from the snapshot is absent from the manifest.
type Manifest map[string]string

// Computes the manifest for a snapshot directory. A missing directory
// yields an empty manifest.
func Fingerprint(dir string) (Manifest, error) {
	m := Manifest{}
	for _, name := range RequiredFiles {
		hash, err := HashFile(filepath.Join(dir, name))
		if os.IsNotExist(errors.Cause(err)) {
			continue
		}
		if err != nil {
			return nil, err
		}
		m[name] = hash
	}
	return m, nil
}

func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, chunkSize)
	_, err = io.CopyBuffer(h, f, buf)
	if err != nil {
		return "", errors.Wrapf(err, "hashing %s", path)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// Keys of next whose hash differs from m's, including keys m lacks.
func (m Manifest) Changed(next Manifest) []string {
	changed := []string{}
	for _, name := range next.names() {
		if m[name] != next[name] {
			changed = append(changed, name)
		}
	}
	return changed
}

// Reports whether all required files are present.
func (m Manifest) Complete() bool {
	for _, name := range RequiredFiles {
		if m[name] == "" {
			return false
		}
	}
	return true
}

// Required files first, in order, followed by anything else sorted.
func (m Manifest) names() []string {
	names := []string{}
	seen := map[string]bool{}
	for _, name := range RequiredFiles {
		if _, found := m[name]; found {
			names = append(names, name)
			seen[name] = true
		}
	}
	extra := []string{}
	for name := range m {
		if !seen[name] {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	return append(names, extra...)
}

// The manifest file format: one "filename,hash" line per file.
func (m Manifest) String() string {
	var b strings.Builder
	for _, name := range m.names() {
		fmt.Fprintf(&b, "%s,%s\n", name, m[name])
	}
	return b.String()
}

// Reads a manifest file. A missing file yields an empty manifest.
func ReadManifest(path string) (Manifest, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return Manifest{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "opening manifest %s", path)
	}
	defer f.Close()

	m := Manifest{}
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		name, hash, found := strings.Cut(text, ",")
		if !found || name == "" || hash == "" {
			return nil, fmt.Errorf("malformed manifest %s (line %d)", path, line)
		}
		m[name] = hash
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "reading manifest %s", path)
	}

	return m, nil
}

// Replaces the manifest file in full. The new content is written to a
// temporary file and renamed into place.
func WriteManifest(path string, m Manifest) error {
	return writeFileAtomic(path, []byte(m.String()))
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "creating %s", dir)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return errors.Wrapf(err, "creating temp file for %s", path)
	}

	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return errors.Wrapf(err, "writing %s", path)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrapf(err, "renaming into %s", path)
	}

	return nil
}

// Unified diff of two manifests. Empty when they're equal.
func DiffManifests(old, next Manifest, oldName, nextName string) (string, error) {
	u := difflib.UnifiedDiff{
		A:        splitLines(old.String()),
		B:        splitLines(next.String()),
		FromFile: oldName,
		ToFile:   nextName,
		Context:  1,
	}
	s, err := difflib.GetUnifiedDiffString(u)
	if err != nil {
		return "", errors.Wrap(err, "diffing manifests")
	}
	return s, nil
}

// Splits after each newline, keeping it.
func splitLines(s string) []string {
	if s == "" {
		return []string{}
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
