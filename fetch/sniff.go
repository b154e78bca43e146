package fetch

import (
	"bytes"
	"path"
	"strings"
	"unicode"

	"github.com/pithecene-io/kitpack/types"
)

// DefaultExtension is used when no signature matches.
const DefaultExtension = ".bin"

// signatures is a best-effort table of leading magic bytes. It is not a MIME
// sniffer; anything unrecognized falls back to DefaultExtension.
var signatures = []struct {
	magic []byte
	ext   string
}{
	{[]byte("\x89PNG\r\n\x1a\n"), ".png"},
	{[]byte{0xFF, 0xD8, 0xFF}, ".jpg"},
	{[]byte("%PDF-"), ".pdf"},
}

// SniffExtension infers a file extension from the first bytes of data.
func SniffExtension(data []byte) string {
	for _, sig := range signatures {
		if bytes.HasPrefix(data, sig.magic) {
			return sig.ext
		}
	}
	return DefaultExtension
}

// Filename derives the archive filename for an asset: the sanitized display
// name, plus a sniffed extension when the name carries none.
func Filename(ref types.AssetRef, data []byte) string {
	name := SanitizeName(ref.DisplayName)
	if name == "" {
		name = SanitizeName(ref.ID)
	}
	if name == "" {
		name = "asset"
	}
	if !hasExtension(name) {
		name += SniffExtension(data)
	}
	return name
}

// SanitizeName replaces path separators and control characters so the name
// is a single archive path segment. Leading and trailing dots are dropped.
func SanitizeName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\':
			return '-'
		case unicode.IsControl(r):
			return -1
		}
		return r
	}, name)
	return strings.Trim(strings.TrimSpace(name), ". ")
}

// hasExtension reports whether name ends in a short alphanumeric extension.
// "123 Main St. Flyer" has none; "flyer.pdf" does.
func hasExtension(name string) bool {
	ext := path.Ext(name)
	if len(ext) < 2 || len(ext) > 6 {
		return false
	}
	for _, r := range ext[1:] {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
