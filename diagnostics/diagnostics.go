// Package diagnostics normalizes analyzer diagnostics into a stable shape
// regardless of which form the analyzer emits them in (C5): push
// notifications cached by URI, pull responses in either of two
// workspace/diagnostic shapes, and a fallback sweep when the analyzer
// supports neither.
package diagnostics

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Severity is the normalized 1..4 LSP severity scale (error, warning,
// information, hint). Analyzers report it as either an integer on this
// scale or one of the four lowercase strings; both forms normalize here.
type Severity int

const (
	SeverityError       Severity = 1
	SeverityWarning     Severity = 2
	SeverityInformation Severity = 3
	SeverityHint        Severity = 4
)

// ParseSeverity accepts the decoded JSON value of a diagnostic's severity
// field in either representation and returns the normalized scale. An
// unrecognized value defaults to SeverityError so it is never silently
// dropped from the summary counters.
func ParseSeverity(v any) Severity {
	switch t := v.(type) {
	case float64:
		return clampSeverity(int(t))
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return SeverityError
		}
		return clampSeverity(int(n))
	case int:
		return clampSeverity(t)
	case string:
		switch t {
		case "error":
			return SeverityError
		case "warning":
			return SeverityWarning
		case "information", "info":
			return SeverityInformation
		case "hint":
			return SeverityHint
		}
	}
	return SeverityError
}

func clampSeverity(n int) Severity {
	if n < int(SeverityError) || n > int(SeverityHint) {
		return SeverityError
	}
	return Severity(n)
}

// Summary is the global counter record returned alongside per-file
// diagnostics (spec §4.5 point 3, §8 invariant — all four fields always
// present and numeric, possibly zero).
type Summary struct {
	TotalErrors      int `json:"total_errors"`
	TotalWarnings    int `json:"total_warnings"`
	TotalInformation int `json:"total_information"`
	TotalHints       int `json:"total_hints"`
}

// Report is the load-bearing workspace_diagnostics output shape.
type Report struct {
	Files   map[string][]json.RawMessage `json:"files"`
	Summary Summary                      `json:"summary"`
}

// Summarize tallies the severity of every diagnostic across all files into
// a Summary. Diagnostics that fail to decode are skipped rather than
// counted as errors by default, since a malformed entry carries no
// trustworthy severity.
func Summarize(files map[string][]json.RawMessage) Summary {
	var s Summary
	for _, diags := range files {
		for _, raw := range diags {
			var d struct {
				Severity any `json:"severity"`
			}
			if err := json.Unmarshal(raw, &d); err != nil {
				continue
			}
			switch ParseSeverity(d.Severity) {
			case SeverityError:
				s.TotalErrors++
			case SeverityWarning:
				s.TotalWarnings++
			case SeverityInformation:
				s.TotalInformation++
			case SeverityHint:
				s.TotalHints++
			}
		}
	}
	return s
}

// Normalize accepts the raw result of a workspace/diagnostic request and
// reduces it to a uri -> diagnostics mapping regardless of which of the two
// shapes the analyzer used. ok is false when raw matches neither known
// shape, signalling the caller (session.Session.WorkspaceDiagnostics) to
// fall back to the sweep path (spec §4.5 point 1, §9 open question).
func Normalize(raw json.RawMessage) (map[string][]json.RawMessage, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, false
	}

	// Shape 1: { "items": [ { "uri": "...", "items"|"diagnostics": [...] }, ... ] }
	var itemsShape struct {
		Items []struct {
			URI         string            `json:"uri"`
			Items       []json.RawMessage `json:"items"`
			Diagnostics []json.RawMessage `json:"diagnostics"`
		} `json:"items"`
	}
	if err := json.Unmarshal(raw, &itemsShape); err == nil && itemsShape.Items != nil {
		out := make(map[string][]json.RawMessage, len(itemsShape.Items))
		for _, item := range itemsShape.Items {
			if item.URI == "" {
				continue
			}
			diags := item.Items
			if diags == nil {
				diags = item.Diagnostics
			}
			if diags == nil {
				diags = []json.RawMessage{}
			}
			out[item.URI] = diags
		}
		return out, true
	}

	// Shape 2: already a uri -> diagnostics mapping.
	var mapShape map[string][]json.RawMessage
	if err := json.Unmarshal(raw, &mapShape); err == nil {
		return mapShape, true
	}

	return nil, false
}

// skipWorkspaceDirs mirrors the fixed excludelist spec §4.5 point 2 names;
// generalized from the teacher's Ruby-only skipDirs to every directory a
// sweep over an arbitrary analyzer's workspace should never descend into.
var skipWorkspaceDirs = map[string]bool{
	"target":       true,
	".git":         true,
	"node_modules": true,
	".idea":        true,
	".vscode":      true,
}

// FallbackSweep walks root depth-first in filepath.Walk's lexical order,
// collecting every non-directory path, skipping skipWorkspaceDirs, and
// stopping once cap files have been collected. It never returns an error:
// a directory it cannot read is simply skipped, matching the teacher's
// "skip errors" walk callback.
func FallbackSweep(root string, cap int) []string {
	var files []string

	_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if len(files) >= cap {
			return filepath.SkipDir
		}

		if info.IsDir() {
			if skipWorkspaceDirs[info.Name()] {
				return filepath.SkipDir
			}
			return nil
		}

		files = append(files, path)
		if len(files) >= cap {
			return filepath.SkipAll
		}
		return nil
	})

	if len(files) > cap {
		files = files[:cap]
	}
	return files
}

// FilterInRange keeps only the diagnostics whose range overlaps
// [startLine, endLine], used by the code_actions operation to scope the
// context it sends the analyzer (ported from filter_diagnostics_in_range).
func FilterInRange(diags []json.RawMessage, startLine, endLine int) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(diags))
	for _, raw := range diags {
		var d struct {
			Range struct {
				Start struct {
					Line int `json:"line"`
				} `json:"start"`
				End struct {
					Line int `json:"line"`
				} `json:"end"`
			} `json:"range"`
		}
		if err := json.Unmarshal(raw, &d); err != nil {
			continue
		}
		if d.Range.Start.Line <= endLine && d.Range.End.Line >= startLine {
			out = append(out, raw)
		}
	}
	return out
}
