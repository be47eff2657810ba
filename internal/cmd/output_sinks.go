package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/cobra"

	"github.com/marketbridge/marketbridge/internal/output"
)

var formatExtensions = map[output.Format]string{
	output.FormatJSON:     "json",
	output.FormatYAML:     "yaml",
	output.FormatMarkdown: "md",
}

func outputExtension(format output.Format) string {
	if ext, ok := formatExtensions[format]; ok {
		return ext
	}
	return "txt"
}

var nonFilename = regexp.MustCompile(`[^a-z0-9._-]+`)

func sanitizeFilename(value string) string {
	clean := nonFilename.ReplaceAllString(strings.ToLower(strings.TrimSpace(value)), "-")
	if clean = strings.Trim(clean, "-."); clean == "" {
		return "output"
	}
	return clean
}

// addOutputFlags registers --output-format, --out and --out-dir.
func addOutputFlags(cmd *cobra.Command) {
	cmd.Flags().String("output-format", string(output.FormatTable), "Output format: table|json|yaml|markdown")
	cmd.Flags().String("out", "", "Write output to a file (default stdout)")
	cmd.Flags().String("out-dir", "", "Write output to a directory")
}

func resolveOutputFormat(cmd *cobra.Command) (output.Format, error) {
	value, err := cmd.Flags().GetString("output-format")
	if err != nil {
		return "", err
	}
	return output.ParseFormat(value)
}

// outputTarget is where a command's rendered view goes.
type outputTarget struct {
	format output.Format
	path   string // empty or "-" means the command's stdout
}

func resolveOutputTarget(cmd *cobra.Command, name string) (outputTarget, error) {
	format, err := resolveOutputFormat(cmd)
	if err != nil {
		return outputTarget{}, err
	}
	file, _ := cmd.Flags().GetString("out")
	dir, _ := cmd.Flags().GetString("out-dir")
	file, dir = strings.TrimSpace(file), strings.TrimSpace(dir)

	target := outputTarget{format: format, path: file}
	switch {
	case file != "" && dir != "":
		return outputTarget{}, errors.New("--out and --out-dir are mutually exclusive")
	case dir != "":
		abs, err := filepath.Abs(dir)
		if err != nil {
			abs = dir
		}
		target.path = filepath.Join(abs, sanitizeFilename(name)+"."+outputExtension(format))
	}
	return target, nil
}

func (t outputTarget) open(stdout io.Writer) (io.Writer, func() error, error) {
	if t.path == "" || t.path == "-" {
		if stdout == nil {
			stdout = os.Stdout
		}
		return stdout, func() error { return nil }, nil
	}
	// #nosec G301 -- report directories are shared with the operator's tooling
	if err := os.MkdirAll(filepath.Dir(t.path), 0755); err != nil {
		return nil, nil, fmt.Errorf("create output directory: %w", err)
	}
	f, err := os.Create(t.path)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}

// writeOutput renders v with the command's output flags. name becomes the
// file stem under --out-dir.
func writeOutput(cmd *cobra.Command, name string, v any) (err error) {
	target, err := resolveOutputTarget(cmd, name)
	if err != nil {
		return err
	}
	w, closeFn, err := target.open(cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closeFn(); err == nil {
			err = cerr
		}
	}()
	return output.Write(w, target.format, v)
}
