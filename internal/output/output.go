package output

import (
	"fmt"
	"io"
	"strings"
)

// Format represents an output format.
type Format string

const (
	FormatTable    Format = "table"
	FormatJSON     Format = "json"
	FormatYAML     Format = "yaml"
	FormatMarkdown Format = "markdown"
)

// ParseFormat validates and normalizes a format string.
func ParseFormat(value string) (Format, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case "", string(FormatTable):
		return FormatTable, nil
	case string(FormatJSON):
		return FormatJSON, nil
	case string(FormatYAML), "yml":
		return FormatYAML, nil
	case string(FormatMarkdown), "md":
		return FormatMarkdown, nil
	default:
		return "", fmt.Errorf("unsupported output format: %s", value)
	}
}

// Render formats v. Table and markdown formats accept the view types
// known to Tabulate and fall back to JSON for anything else.
func Render(format Format, v any) (string, error) {
	switch format {
	case FormatJSON:
		return renderJSON(v)
	case FormatYAML:
		return renderYAML(v)
	}

	t, ok := Tabulate(v)
	if !ok {
		return renderJSON(v)
	}
	if format == FormatMarkdown {
		return t.RenderMarkdown(), nil
	}
	return t.Render(), nil
}

// Write renders v to w followed by a newline.
func Write(w io.Writer, format Format, v any) error {
	rendered, err := Render(format, v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, rendered)
	return err
}
