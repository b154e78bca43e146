package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/pithecene-io/kitpack/types"
)

// DefaultMaxBodyBytes bounds the request body.
const DefaultMaxBodyBytes = 64 << 10

// downloadRequest is the wire body of POST /v1/kits/download.
type downloadRequest struct {
	GalleryID string   `json:"galleryId"`
	AssetIDs  []string `json:"assetIds"`
}

// decodeRequest parses and validates the body. Asset ids are trimmed and
// duplicates collapsed, in first-seen order. The count bound applies to
// the ids as sent.
func decodeRequest(w http.ResponseWriter, r *http.Request, maxBytes int64) (string, []string, error) {
	body := http.MaxBytesReader(w, r.Body, maxBytes)
	var req downloadRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return "", nil, fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		case errors.Is(err, io.EOF):
			return "", nil, errors.New("request body is empty")
		default:
			return "", nil, fmt.Errorf("invalid JSON body: %w", err)
		}
	}

	bundleID := strings.TrimSpace(req.GalleryID)
	if bundleID == "" {
		return "", nil, errors.New("galleryId is required")
	}
	if err := types.ValidateAssetCount(len(req.AssetIDs)); err != nil {
		return "", nil, fmt.Errorf("assetIds: %w", err)
	}

	seen := make(map[string]bool, len(req.AssetIDs))
	ids := make([]string, 0, len(req.AssetIDs))
	for i, id := range req.AssetIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			return "", nil, fmt.Errorf("assetIds[%d] is blank", i)
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return bundleID, ids, nil
}

// ClientIdentity returns the caller network identity: the first
// X-Forwarded-For hop when trustProxy is set, otherwise the remote host.
func ClientIdentity(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if first = strings.TrimSpace(first); first != "" {
				return first
			}
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Slug derives the archive filename stem from a bundle subject: ASCII
// letters and digits are kept (lowercased), every other run becomes a single
// hyphen, and leading/trailing hyphens are dropped. Empty results become
// "bundle".
func Slug(subject string) string {
	var b strings.Builder
	hyphen := false
	for _, r := range strings.ToLower(subject) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			hyphen = false
			continue
		}
		if !hyphen && b.Len() > 0 {
			b.WriteByte('-')
			hyphen = true
		}
	}
	s := strings.TrimSuffix(b.String(), "-")
	if s == "" {
		return "bundle"
	}
	return s
}

// bearerToken extracts the session token from the Authorization header or
// the session cookie.
func bearerToken(r *http.Request, cookieName string) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, token, ok := strings.Cut(auth, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	if cookieName != "" {
		if c, err := r.Cookie(cookieName); err == nil {
			return c.Value
		}
	}
	return ""
}
