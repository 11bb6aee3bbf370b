// Package output renders query results in the supported output formats.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format represents the output format type.
type Format string

const (
	// FormatText is the default plain output: one test id per line.
	FormatText Format = "text"

	// FormatYAML is the structured YAML output
	FormatYAML Format = "yaml"

	// FormatJSON is the structured JSON output
	FormatJSON Format = "json"
)

// ParseFormat parses a format string into a Format value.
// Accepts: "text", "yaml", "json" (case-insensitive)
// Returns an error for invalid format values.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "text":
		return FormatText, nil
	case "yaml":
		return FormatYAML, nil
	case "json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("invalid format: %q (expected text, yaml, or json)", s)
	}
}

// String returns the string representation of the format.
func (f Format) String() string {
	return string(f)
}

// Selection is the result document of a line or diff query.
type Selection struct {
	Tests    []string `yaml:"tests" json:"tests"`
	Count    int      `yaml:"count" json:"count"`
	Warnings []string `yaml:"warnings,omitempty" json:"warnings,omitempty"`
}

// NewSelection builds the result document for a sorted list of test ids.
func NewSelection(tests, warnings []string) *Selection {
	return &Selection{
		Tests:    tests,
		Count:    len(tests),
		Warnings: warnings,
	}
}

// Render writes the selection to w in the given format. Text output is one
// test id per line in the order given (callers pass them sorted); warnings
// are not repeated in text output since they already went to stderr.
func Render(w io.Writer, format Format, sel *Selection) error {
	switch format {
	case FormatText:
		for _, id := range sel.Tests {
			if _, err := fmt.Fprintln(w, id); err != nil {
				return err
			}
		}
		return nil
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(sel); err != nil {
			enc.Close()
			return err
		}
		return enc.Close()
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(sel)
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}
