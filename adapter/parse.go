package adapter

import (
	"bytes"
	"encoding/csv"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Shared parsers for the formats device vendors actually emit: CSV with
// either comma or semicolon delimiters, loosely delimited key-value
// text, and flattened XML. Per-device key vocabularies stay in the
// adapters; these produce generic lowercase-keyed rows.

// ParseCSVRows reads a header-rowed CSV export into one map per data
// row. The delimiter is sniffed from the header line: European exports
// favor semicolons.
func ParseCSVRows(data []byte) ([]map[string]string, error) {
	var header, _, _ = bytes.Cut(data, []byte("\n"))
	var delim rune = ','
	if bytes.Count(header, []byte(";")) > bytes.Count(header, []byte(",")) {
		delim = ';'
	}

	var r = csv.NewReader(bytes.NewReader(data))
	r.Comma = delim
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	cols, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("reading CSV header: %w", err)
	}
	for i := range cols {
		cols[i] = normalizeKey(cols[i])
	}

	var rows []map[string]string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("reading CSV row %d: %w", len(rows)+2, err)
		}
		var row = make(map[string]string, len(cols))
		for i, v := range rec {
			if i >= len(cols) || cols[i] == "" {
				continue
			}
			if v = strings.TrimSpace(v); v != "" {
				row[cols[i]] = v
			}
		}
		if len(row) > 0 {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

// ParseKeyValues reads loosely formatted text exports where each line
// holds one field. Delimiters `:`, `=`, and tab are all tolerated; the
// first occurrence splits the line.
func ParseKeyValues(data []byte) map[string]string {
	var out = make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(strings.TrimSuffix(line, "\r"))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var idx = strings.IndexAny(line, ":=\t")
		if idx <= 0 {
			continue
		}
		var key = normalizeKey(line[:idx])
		var val = strings.TrimSpace(line[idx+1:])
		if key != "" && val != "" {
			out[key] = val
		}
	}
	return out
}

// FlattenXML walks an XML document into dotted lowercase keys mapped to
// element text. Repeated elements keep their first occurrence, which is
// where vendors put the summary values.
func FlattenXML(data []byte) (map[string]string, error) {
	var dec = xml.NewDecoder(bytes.NewReader(data))
	var out = make(map[string]string)
	var stack []string

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("parsing XML: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			stack = append(stack, normalizeKey(t.Name.Local))
			for _, attr := range t.Attr {
				var key = strings.Join(stack, ".") + "." + normalizeKey(attr.Name.Local)
				if _, seen := out[key]; !seen && strings.TrimSpace(attr.Value) != "" {
					out[key] = strings.TrimSpace(attr.Value)
				}
			}
		case xml.EndElement:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		case xml.CharData:
			var text = strings.TrimSpace(string(t))
			if text == "" || len(stack) == 0 {
				continue
			}
			var key = strings.Join(stack, ".")
			if _, seen := out[key]; !seen {
				out[key] = text
			}
		}
	}
	return out, nil
}

// normalizeKey lowercases a vendor field name and collapses separators
// so "Cell Density" and "CELL_DENSITY" both become "cell density".
func normalizeKey(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer("_", " ", "-", " ", "(", " ", ")", " ").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

// readingsFromRows applies |keyMap| (vendor vocabulary to canonical
// keys) to generic rows. Unmapped fields are retained under their
// normalized names so RawData keeps the full export.
func readingsFromRows(rows []map[string]string, keyMap map[string]string) []Reading {
	var out = make([]Reading, 0, len(rows))
	for _, row := range rows {
		var rd = make(Reading, len(row))
		for k, v := range row {
			if canon, ok := keyMap[k]; ok {
				rd[canon] = v
			} else {
				rd[k] = v
			}
		}
		out = append(out, rd)
	}
	return out
}

// parseByExtension dispatches a file to the right shared parser and
// maps its fields through |keyMap|.
func parseByExtension(path string, keyMap map[string]string) ([]Reading, error) {
	var data, err = os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		rows, err := ParseCSVRows(data)
		if err != nil {
			return nil, err
		}
		return readingsFromRows(rows, keyMap), nil
	case ".txt", ".dat":
		var row = ParseKeyValues(data)
		if len(row) == 0 {
			return nil, fmt.Errorf("no key-value fields in %s", path)
		}
		return readingsFromRows([]map[string]string{row}, keyMap), nil
	case ".xml":
		flat, err := FlattenXML(data)
		if err != nil {
			return nil, err
		}
		// Dotted XML paths match on their final segment, so
		// measurement.ecd and ecd both land on the canonical key.
		var row = make(map[string]string, len(flat))
		for k, v := range flat {
			var leaf = k
			if i := strings.LastIndex(k, "."); i >= 0 {
				leaf = k[i+1:]
			}
			if _, taken := row[leaf]; !taken {
				row[leaf] = v
			}
		}
		return readingsFromRows([]map[string]string{row}, keyMap), nil
	default:
		return nil, fmt.Errorf("unsupported export format %q", filepath.Ext(path))
	}
}

// rawEnvelope preserves the original reading for the measurement's
// RawData block.
func rawEnvelope(r Reading) map[string]any {
	var out = make(map[string]any, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
