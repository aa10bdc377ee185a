// SPDX-License-Identifier: MIT

// Package urlutil derives stable video identifiers from source URLs.
//
// The same source URL must always map to the same identifier so a
// resubmission reuses cached artifacts instead of downloading again.
package urlutil

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// maxIDLen caps derived identifiers so they stay usable as key
// segments and directory names.
const maxIDLen = 50

// hashLen is the number of hex digits kept when falling back to a
// hash-derived identifier.
const hashLen = 8

// googParamPrefix marks the only query parameters that survive
// normalization. Tracking parameters and cache busters vary between
// fetches of the same object and must not change its identity.
const googParamPrefix = "X-Goog-"

// genericStems are filename stems too common to identify a video.
// A URL ending in /video.mp4 says nothing about its content, so such
// URLs get a hash-derived identifier instead.
var genericStems = map[string]struct{}{
	"video":     {},
	"videos":    {},
	"clip":      {},
	"clips":     {},
	"movie":     {},
	"film":      {},
	"output":    {},
	"out":       {},
	"final":     {},
	"untitled":  {},
	"download":  {},
	"upload":    {},
	"file":      {},
	"input":     {},
	"temp":      {},
	"tmp":       {},
	"test":      {},
	"sample":    {},
	"export":    {},
	"render":    {},
	"media":     {},
	"recording": {},
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// Normalize canonicalizes a URL for hashing and deduplication:
// percent-escapes are decoded, the query is reduced to its X-Goog-*
// parameters in sorted order, and the result is lowercased after
// Unicode NFC normalization. Composed and decomposed spellings of the
// same path normalize to the same string.
func Normalize(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	var b strings.Builder
	if u.Scheme != "" {
		b.WriteString(u.Scheme)
		b.WriteString("://")
	}
	b.WriteString(u.Host)
	b.WriteString(u.Path)
	if q := signedParams(u.Query()); len(q) > 0 {
		b.WriteByte('?')
		b.WriteString(q.Encode())
	}
	return strings.ToLower(norm.NFC.String(b.String())), nil
}

func signedParams(q url.Values) url.Values {
	kept := url.Values{}
	for k, vs := range q {
		if strings.HasPrefix(k, googParamPrefix) {
			kept[k] = vs
		}
	}
	return kept
}

// Hash returns the hex SHA-256 of the normalized URL. Input that does
// not parse is hashed as-is so every URL maps to some identifier.
func Hash(raw string) string {
	s, err := Normalize(raw)
	if err != nil {
		s = strings.ToLower(strings.TrimSpace(raw))
	}
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// VideoID derives a stable identifier from a source URL:
//
//	https://cdn.example.com/media/Board%20Meeting%20Q3.mp4 → "board-meeting-q3"
//	https://cdn.example.com/media/video.mp4                → "video-3f2a9c01"
//
// The filename stem is lowercased, runs of non-alphanumerics collapse
// to single dashes, and the result is capped at 50 characters. Stems
// that are empty, a single character, or a generic word cannot
// identify a video; those URLs get an identifier built from the hash
// of the normalized URL.
func VideoID(raw string) string {
	stem := pathStem(raw)
	if len([]rune(stem)) <= 1 || isGeneric(stem) {
		return hashID(raw)
	}
	id := sanitizeStem(stem)
	if id == "" {
		return hashID(raw)
	}
	return id
}

func pathStem(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	base := path.Base(u.Path)
	if base == "/" || base == "." {
		return ""
	}
	return strings.TrimSuffix(base, path.Ext(base))
}

func isGeneric(stem string) bool {
	_, ok := genericStems[strings.ToLower(stem)]
	return ok
}

func sanitizeStem(stem string) string {
	s := strings.ToLower(stem)
	s = nonAlnum.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > maxIDLen {
		s = strings.TrimRight(s[:maxIDLen], "-")
	}
	return s
}

func hashID(raw string) string {
	return "video-" + Hash(raw)[:hashLen]
}
