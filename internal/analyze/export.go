// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package analyze

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jeranaias/gemlet/internal/util"
)

// =============================================================================
// EXPORT
// =============================================================================

// ExportCSV writes a Page,Analysis table.
func ExportCSV(w io.Writer, results []PageResult) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"Page", "Analysis"}); err != nil {
		return err
	}
	for _, r := range results {
		if err := cw.Write([]string{strconv.Itoa(r.Page), r.Analysis}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

type exportRecord struct {
	Page     int    `json:"page"`
	File     string `json:"file"`
	Analysis string `json:"analysis"`
	Error    string `json:"error,omitempty"`
}

// ExportJSON writes results as an indented JSON array.
func ExportJSON(w io.Writer, results []PageResult) error {
	records := make([]exportRecord, len(results))
	for i, r := range results {
		records[i] = exportRecord{Page: r.Page, File: r.File, Analysis: r.Analysis}
		if r.Err != nil {
			records[i].Error = r.Err.Error()
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(records)
}

// WriteExport writes results to path in the format named by its extension
// (.csv or .json). The file is replaced atomically.
func WriteExport(path string, results []PageResult) error {
	var buf bytes.Buffer
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		err = ExportCSV(&buf, results)
	case ".json":
		err = ExportJSON(&buf, results)
	default:
		return fmt.Errorf("unsupported export format %q (use .csv or .json)", filepath.Ext(path))
	}
	if err != nil {
		return fmt.Errorf("encode export: %w", err)
	}
	return util.AtomicWriteFile(path, buf.Bytes(), 0644)
}
