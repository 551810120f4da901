package export

import (
	"fmt"
	"strings"
)

// Format identifies a supported export encoding.
type Format string

const (
	FormatCSV Format = "csv"
	FormatPDF Format = "pdf"
)

// ParseFormat normalises a user supplied format, defaulting to CSV.
func ParseFormat(raw string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(raw))) {
	case "", FormatCSV:
		return FormatCSV, nil
	case FormatPDF:
		return FormatPDF, nil
	default:
		return "", fmt.Errorf("unsupported export format %q", raw)
	}
}

// ContentType returns the MIME type for the format.
func (f Format) ContentType() string {
	if f == FormatPDF {
		return "application/pdf"
	}
	return "text/csv"
}

// Dataset defines tabular export content.
type Dataset struct {
	Title   string
	Summary []string
	Headers []string
	Rows    []map[string]string
}

// Exporter renders datasets in every supported format.
type Exporter struct {
	csv *CSVExporter
	pdf *PDFExporter
}

// NewExporter wires the CSV and PDF renderers.
func NewExporter() *Exporter {
	return &Exporter{csv: NewCSVExporter(), pdf: NewPDFExporter()}
}

// Render encodes data using format.
func (e *Exporter) Render(format Format, data Dataset) ([]byte, error) {
	switch format {
	case FormatPDF:
		return e.pdf.Render(data)
	case FormatCSV:
		return e.csv.Render(data)
	default:
		return nil, fmt.Errorf("unsupported export format %q", format)
	}
}
