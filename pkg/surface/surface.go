// Package surface defines output rendering for SSPI scoring results.
// Implementations handle different output targets: terminal, JSON, XLSX.
package surface

import (
	"fmt"
	"io"

	"github.com/sspi-data/sspi/pkg/scoring"
)

// Renderer produces formatted output from a scoring Result.
type Renderer interface {
	// Render writes the formatted result to the writer.
	Render(w io.Writer, result *scoring.Result) error
}

// ForFormat returns the renderer for an output format name.
func ForFormat(format string) (Renderer, error) {
	switch format {
	case "", "text":
		return &TerminalRenderer{}, nil
	case "json":
		return &JSONRenderer{}, nil
	case "xlsx":
		return &XLSXRenderer{}, nil
	default:
		return nil, fmt.Errorf("unknown output format %q (want text, json or xlsx)", format)
	}
}
