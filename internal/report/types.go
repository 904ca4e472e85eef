// Package report renders printable session reports and archives them.
package report

import "errors"

type Format string

const (
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
)

// Request names the session to render.
type Request struct {
	UnitID    string
	SessionID string
	Format    Format
	Archive   bool
}

// Result contains the rendered report. ArchiveKey is set when the report was
// stored in the archive bucket.
type Result struct {
	Data       []byte
	Filename   string
	MimeType   string
	ArchiveKey string
}

var (
	// ErrPDFDependencyMissing indicates the headless browser is unavailable.
	ErrPDFDependencyMissing = errors.New("report pdf dependency missing")
	// ErrArchiveDisabled indicates no object storage is configured.
	ErrArchiveDisabled   = errors.New("report archive not configured")
	ErrUnsupportedFormat = errors.New("unsupported report format")
)
