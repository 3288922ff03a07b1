package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"reportd/internal/report"
	"reportd/internal/task/engine"
)

// ParamsSource is the implicit source of sections that name no source, or
// name "params": the section data is the schedule parameter with the same key.
const ParamsSource = "params"

type funcSource struct {
	name string
	fn   func(ctx context.Context, req FetchRequest) (Data, error)
}

// Func adapts a function to DataSource.
func Func(name string, fn func(ctx context.Context, req FetchRequest) (Data, error)) DataSource {
	return funcSource{name: name, fn: fn}
}

func (f funcSource) Name() string { return f.name }
func (f funcSource) Fetch(ctx context.Context, req FetchRequest) (Data, error) {
	return f.fn(ctx, req)
}

// DirSource reads section data from JSON files dropped by upstream exports.
// A section reads options["file"] when set, else "<report>/<section>.json",
// relative to Dir.
type DirSource struct {
	SourceName string
	Dir        string
}

func (d DirSource) Name() string {
	if d.SourceName == "" {
		return "file"
	}
	return d.SourceName
}

func (d DirSource) Fetch(ctx context.Context, req FetchRequest) (Data, error) {
	out := Data{Sections: make(map[string]any, len(req.Sections))}
	for _, sec := range req.Sections {
		if err := ctx.Err(); err != nil {
			return Data{}, err
		}
		rel := filepath.Join(req.ReportID, sec.Key+".json")
		if v, ok := sec.Options["file"].(string); ok && v != "" {
			rel = v
		}
		if filepath.IsAbs(rel) || strings.HasPrefix(filepath.Clean(rel), "..") {
			return Data{}, engine.NoRetry(fmt.Errorf("%w: section %s: file %q escapes source dir", report.ErrConfiguration, sec.Key, rel))
		}
		b, err := os.ReadFile(filepath.Join(d.Dir, rel))
		if errors.Is(err, fs.ErrNotExist) {
			// Upstream export may not have landed yet.
			return Data{}, fmt.Errorf("section %s: %s not available", sec.Key, rel)
		}
		if err != nil {
			return Data{}, err
		}
		var v any
		if err := json.Unmarshal(b, &v); err != nil {
			return Data{}, engine.NoRetry(fmt.Errorf("section %s: decode %s: %w", sec.Key, rel, err))
		}
		out.Sections[sec.Key] = v
	}
	return out, nil
}
