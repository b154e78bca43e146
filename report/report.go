// Package report composes the text entries appended after every asset:
// the README.txt manifest and the _download_report.txt failure report.
// Folder placement and type labels are table-driven.
package report

import (
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/pithecene-io/kitpack/types"
)

const (
	// ManifestName is the manifest entry path. Always appended.
	ManifestName = "README.txt"
	// FailureReportName is the failure report entry path. Appended only when
	// at least one asset failed.
	FailureReportName = "_download_report.txt"
	// DefaultFolder receives assets whose type tag is not in the folder table.
	DefaultFolder = "Other"
)

// Folder names.
const (
	FolderSocial = "Social Media"
	FolderPrint  = "Print Materials"
	FolderVideo  = "Videos"
	FolderEmail  = "Email"
)

// folders maps type tags to archive folders.
var folders = map[string]string{
	"social_post":    FolderSocial,
	"social_story":   FolderSocial,
	"instagram_post": FolderSocial,
	"facebook_post":  FolderSocial,
	"linkedin_post":  FolderSocial,
	"flyer":          FolderPrint,
	"brochure":       FolderPrint,
	"postcard":       FolderPrint,
	"feature_sheet":  FolderPrint,
	"yard_sign":      FolderPrint,
	"video":          FolderVideo,
	"reel":           FolderVideo,
	"slideshow":      FolderVideo,
	"email":          FolderEmail,
	"email_banner":   FolderEmail,
	"newsletter":     FolderEmail,
}

// labels maps type tags to human-readable type names.
var labels = map[string]string{
	"social_post":    "Social Media Post",
	"social_story":   "Social Media Story",
	"instagram_post": "Instagram Post",
	"facebook_post":  "Facebook Post",
	"linkedin_post":  "LinkedIn Post",
	"flyer":          "Flyer",
	"brochure":       "Brochure",
	"postcard":       "Postcard",
	"feature_sheet":  "Feature Sheet",
	"yard_sign":      "Yard Sign",
	"video":          "Video",
	"reel":           "Short Video",
	"slideshow":      "Slideshow Video",
	"email":          "Email",
	"email_banner":   "Email Banner",
	"newsletter":     "Newsletter",
}

func normalizeTag(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}

// FolderFor returns the archive folder for a type tag, DefaultFolder for
// unrecognized tags, and "" for an empty (ungrouped) tag.
func FolderFor(tag string) string {
	tag = normalizeTag(tag)
	if tag == "" {
		return ""
	}
	if f, ok := folders[tag]; ok {
		return f
	}
	return DefaultFolder
}

// LabelFor returns the human type name for a tag. Unknown tags are
// title-cased with underscores and hyphens read as spaces.
func LabelFor(tag string) string {
	tag = normalizeTag(tag)
	if l, ok := labels[tag]; ok {
		return l
	}
	if tag == "" {
		return "Asset"
	}
	words := strings.FieldsFunc(tag, func(r rune) bool {
		return r == '_' || r == '-' || r == ' '
	})
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + w[size:]
	}
	return strings.Join(words, " ")
}

// KnownTags returns the tags present in the folder table.
func KnownTags() []string {
	tags := make([]string, 0, len(folders))
	for t := range folders {
		tags = append(tags, t)
	}
	return tags
}

// EntryPath joins the folder for ref's tag with filename. Ungrouped assets
// land at the archive root.
func EntryPath(ref types.AssetRef, filename string) string {
	folder := FolderFor(ref.TypeTag)
	if folder == "" {
		return filename
	}
	return folder + "/" + filename
}

// Manifest builds the README.txt entry.
func Manifest(subject string, stats *types.RunStats, generatedAt time.Time) types.ArchiveEntry {
	var b strings.Builder
	if subject == "" {
		subject = "Marketing Kit"
	}

	fmt.Fprintf(&b, "Marketing Kit: %s\n", subject)
	fmt.Fprintf(&b, "Generated: %s\n", generatedAt.UTC().Format(time.RFC1123))
	b.WriteString("\n")

	b.WriteString("Included assets:\n")
	if len(stats.Included) == 0 {
		b.WriteString("  (none)\n")
	}
	for i, a := range stats.Included {
		fmt.Fprintf(&b, "%d. %s (%s)\n", i+1, a.DisplayName, LabelFor(a.TypeTag))
	}

	b.WriteString("\n")
	fmt.Fprintf(&b, "Total included: %d\n", stats.SuccessCount)
	if n := len(stats.Failures); n > 0 {
		fmt.Fprintf(&b, "Failed to download: %d (see %s)\n", n, FailureReportName)
	}

	return types.ArchiveEntry{Path: ManifestName, Payload: []byte(b.String())}
}

// FailureReport builds the _download_report.txt entry. The second return is
// false when there were no failures and nothing should be appended.
func FailureReport(stats *types.RunStats) (types.ArchiveEntry, bool) {
	if len(stats.Failures) == 0 {
		return types.ArchiveEntry{}, false
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Download report: %d asset(s) could not be included\n\n", len(stats.Failures))
	for _, f := range stats.Failures {
		name := f.DisplayName
		if name == "" {
			name = f.AssetID
		}
		fmt.Fprintf(&b, "- %s: %s\n", name, f.Error)
	}
	b.WriteString("\n")
	b.WriteString("Please retry downloading these assets individually, ")
	b.WriteString("or contact support if the problem persists.\n")

	return types.ArchiveEntry{Path: FailureReportName, Payload: []byte(b.String())}, true
}
