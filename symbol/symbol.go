// Package symbol pairs raw identifiers found in a module with a readable
// display form.
//
// Matching and lookups always use Raw. Display exists for diagnostics and
// summaries only.
package symbol

import (
	"strings"
	"sync"

	"github.com/ianlancetaylor/demangle"
)

// Symbol is an identifier as it appears in the binary, possibly mangled.
type Symbol struct {
	raw     string
	once    sync.Once
	display string
}

// New returns a Symbol for raw.
func New(raw string) *Symbol {
	return &Symbol{raw: raw}
}

// Raw returns the identifier exactly as it appears in the module.
func (s *Symbol) Raw() string {
	return s.raw
}

// Display returns the demangled form, computed on first use.
func (s *Symbol) Display() string {
	s.once.Do(func() {
		s.display = Demangle(s.raw)
	})
	return s.display
}

func (s *Symbol) String() string {
	return s.Display()
}

// IsMangled reports whether raw looks like an Itanium or Rust mangled name.
func IsMangled(raw string) bool {
	return strings.HasPrefix(raw, "_Z") || strings.HasPrefix(raw, "_R") ||
		strings.HasPrefix(raw, "__Z") || strings.HasPrefix(raw, "__R")
}

// Demangle returns the readable form of raw. Names that do not demangle
// are returned unchanged. Rust legacy hash suffixes are dropped.
func Demangle(raw string) string {
	if !IsMangled(raw) {
		return raw
	}
	name := strings.TrimPrefix(raw, "_")
	if !strings.HasPrefix(name, "_") {
		name = raw
	}
	out, err := demangle.ToString(name, demangle.NoClones)
	if err != nil {
		return raw
	}
	out = stripHash(out)
	if strings.Contains(out, "$") {
		out = unescapeLegacy(out)
	}
	return out
}

// stripHash removes a trailing "::h" followed by 16 hex digits.
func stripHash(s string) string {
	const n = len("::h") + 16
	if len(s) < n || s[len(s)-n:len(s)-16] != "::h" {
		return s
	}
	for _, c := range s[len(s)-16:] {
		if !isHex(c) {
			return s
		}
	}
	return s[:len(s)-n]
}

func isHex(c rune) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')
}

var legacyEscapes = strings.NewReplacer(
	"$SP$", "@",
	"$BP$", "*",
	"$RF$", "&",
	"$LT$", "<",
	"$GT$", ">",
	"$LP$", "(",
	"$RP$", ")",
	"$C$", ",",
	"$u20$", " ",
	"$u27$", "'",
	"$u5b$", "[",
	"$u5d$", "]",
	"$u7b$", "{",
	"$u7d$", "}",
	"$u7e$", "~",
	"..", "::",
)

func unescapeLegacy(s string) string {
	return legacyEscapes.Replace(s)
}
