package config

import (
	"os"
	"regexp"
)

// envRef matches ${NAME} and ${NAME:-fallback}.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ExpandEnv substitutes environment references in a config document.
// ${NAME} becomes the variable's value; ${NAME:-fallback} becomes fallback
// when NAME is unset or empty. An unset reference without a fallback expands
// to "", and a missing secret then fails Validate or sink construction.
func ExpandEnv(doc string) string {
	var out []byte
	last := 0
	for _, m := range envRef.FindAllStringSubmatchIndex(doc, -1) {
		out = append(out, doc[last:m[0]]...)
		out = append(out, lookupEnv(doc, m)...)
		last = m[1]
	}
	if out == nil {
		return doc
	}
	return string(append(out, doc[last:]...))
}

// lookupEnv resolves one match; m holds submatch offsets into doc.
func lookupEnv(doc string, m []int) string {
	if v := os.Getenv(doc[m[2]:m[3]]); v != "" {
		return v
	}
	if m[4] >= 0 {
		return doc[m[4]:m[5]]
	}
	return ""
}
