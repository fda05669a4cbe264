// Package filetype maps a declared MIME-like type string to a preview category.
package filetype

import (
	"fmt"
	"strings"
)

// Category is the semantic preview category of a file.
type Category int

const (
	Unsupported Category = iota
	Image
	Pdf
	Spreadsheet
	Document
)

var categoryNames = map[Category]string{
	Unsupported: "unsupported",
	Image:       "image",
	Pdf:         "pdf",
	Spreadsheet: "spreadsheet",
	Document:    "document",
}

func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return fmt.Sprintf("category(%d)", int(c))
}

// MarshalText encodes the category by name.
func (c Category) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText accepts the names produced by String.
func (c *Category) UnmarshalText(text []byte) error {
	parsed, err := ParseCategory(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseCategory resolves a category name.
func ParseCategory(name string) (Category, error) {
	for c, n := range categoryNames {
		if n == strings.ToLower(strings.TrimSpace(name)) {
			return c, nil
		}
	}
	return Unsupported, fmt.Errorf("unknown category %q", name)
}

// Rule pairs a declared-type predicate with the category it selects.
type Rule struct {
	Name     string
	Match    func(declaredType string) bool
	Category Category
}

func hasPrefix(prefix string) func(string) bool {
	return func(s string) bool { return strings.HasPrefix(s, prefix) }
}

func containsAny(subs ...string) func(string) bool {
	return func(s string) bool {
		for _, sub := range subs {
			if strings.Contains(s, sub) {
				return true
			}
		}
		return false
	}
}

// Evaluated top to bottom; first match wins. Matching is case-sensitive.
var rules = []Rule{
	{Name: "image", Match: hasPrefix("image/"), Category: Image},
	{Name: "pdf", Match: containsAny("pdf"), Category: Pdf},
	{Name: "spreadsheet", Match: containsAny("spreadsheet", "excel", "sheet", "csv", ".xlsx"), Category: Spreadsheet},
	{Name: "document", Match: containsAny("doc", "word", ".docx"), Category: Document},
}

// Rules returns a copy of the ordered rule table.
func Rules() []Rule {
	out := make([]Rule, len(rules))
	copy(out, rules)
	return out
}

// Classify returns the category selected by the first matching rule, or
// Unsupported when none match.
func Classify(declaredType string) Category {
	for _, r := range rules {
		if r.Match(declaredType) {
			return r.Category
		}
	}
	return Unsupported
}

// IsPreviewable reports whether declaredType maps to a category other than
// Unsupported. It says nothing about whether parsing will succeed.
func IsPreviewable(declaredType string) bool {
	return Classify(declaredType) != Unsupported
}

// IsCSV reports whether a spreadsheet-declared type is plain comma separated text.
func IsCSV(declaredType string) bool {
	return strings.Contains(declaredType, "csv")
}
