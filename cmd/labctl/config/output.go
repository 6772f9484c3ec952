package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"
)

// OutputFormat represents the output format
type OutputFormat string

const (
	OutputTable OutputFormat = "table"
	OutputJSON  OutputFormat = "json"
	OutputYAML  OutputFormat = "yaml"
)

// Outputter renders command results as a table, JSON or YAML.
type Outputter struct {
	format OutputFormat
	out    io.Writer
}

// NewOutputter creates an outputter writing to stdout.
func NewOutputter(format string) *Outputter {
	return NewOutputterTo(format, os.Stdout)
}

// NewOutputterTo creates an outputter writing to w.
func NewOutputterTo(format string, w io.Writer) *Outputter {
	return &Outputter{format: OutputFormat(format), out: w}
}

// IsTable reports whether tabular rendering was requested. Commands with a
// natural table shape check this and fall back to Print otherwise.
func (o *Outputter) IsTable() bool {
	return o.format == OutputTable
}

// Print encodes data in the structured format. Table output has no generic
// encoding; callers render tables through Table instead.
func (o *Outputter) Print(data interface{}) error {
	switch o.format {
	case OutputJSON:
		enc := json.NewEncoder(o.out)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case OutputYAML:
		enc := yaml.NewEncoder(o.out)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(data)
	case OutputTable:
		return fmt.Errorf("no table rendering for this result, use -o json or -o yaml")
	default:
		return fmt.Errorf("unknown output format: %s", o.format)
	}
}

// Table renders headers and rows with tablewriter.
func (o *Outputter) Table(headers []string, rows [][]string) {
	t := tablewriter.NewWriter(o.out)

	cells := make([]any, len(headers))
	for i, h := range headers {
		cells[i] = h
	}
	t.Header(cells...)

	for _, row := range rows {
		t.Append(row)
	}
	t.Render()
}
