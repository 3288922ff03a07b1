// Package artifact stores rendered report versions on the local filesystem.
//
// Visual rendering is out of scope: pdf and excel artifacts carry the
// canonical JSON content, csv flattens sections into key/data rows and html
// wraps them in a minimal page.
package artifact

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"strings"

	"reportd/internal/report"
	"reportd/pkg/logx"
)

type FileRenderer struct {
	Dir string
	Log logx.Logger
}

func NewFileRenderer(dir string, log logx.Logger) *FileRenderer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &FileRenderer{Dir: dir, Log: log.With(logx.String("comp", "artifact"))}
}

// Path returns where the artifact of a version is stored.
func (r *FileRenderer) Path(reportID string, version int, f report.Format) string {
	return filepath.Join(r.Dir, safeName(reportID), fmt.Sprintf("v%d.%s", version, f.Ext()))
}

func (r *FileRenderer) Render(ctx context.Context, req report.RenderRequest) (report.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return report.Artifact{}, err
	}
	if !req.Format.Valid() {
		return report.Artifact{}, fmt.Errorf("unknown format %q", req.Format)
	}
	body, err := encodeAs(req)
	if err != nil {
		return report.Artifact{}, err
	}
	path := r.Path(req.ReportID, req.Version, req.Format)
	if err := writeFileAtomic(path, body); err != nil {
		return report.Artifact{}, err
	}
	r.Log.Debug("artifact written", logx.String("path", path), logx.Int("bytes", len(body)))
	return report.Artifact{
		VersionID: req.VersionID,
		Path:      path,
		Name:      fmt.Sprintf("%s-v%d.%s", safeName(req.ReportID), req.Version, req.Format.Ext()),
		MIME:      mimeFor(req.Format),
		Size:      int64(len(body)),
	}, nil
}

type section struct {
	Key   string          `json:"key"`
	Title string          `json:"title"`
	Data  json.RawMessage `json:"data"`
}

func sections(content json.RawMessage) ([]section, error) {
	var doc struct {
		Sections []section `json:"sections"`
		Error    string    `json:"error"`
	}
	if err := json.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("decode content: %w", err)
	}
	return doc.Sections, nil
}

var htmlPage = template.Must(template.New("report").Parse(`<!doctype html>
<html><head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body><h1>{{.Title}}</h1>
{{range .Sections}}<section id="{{.Key}}"><h2>{{if .Title}}{{.Title}}{{else}}{{.Key}}{{end}}</h2><pre>{{printf "%s" .Data}}</pre></section>
{{end}}</body></html>
`))

func encodeAs(req report.RenderRequest) ([]byte, error) {
	switch req.Format {
	case report.FormatCSV:
		secs, err := sections(req.Content)
		if err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		w := csv.NewWriter(&buf)
		_ = w.Write([]string{"section", "data"})
		for _, s := range secs {
			_ = w.Write([]string{s.Key, string(s.Data)})
		}
		w.Flush()
		return buf.Bytes(), w.Error()
	case report.FormatHTML:
		secs, err := sections(req.Content)
		if err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		err = htmlPage.Execute(&buf, map[string]any{
			"Title":    fmt.Sprintf("%s v%d", req.ReportID, req.Version),
			"Sections": secs,
		})
		return buf.Bytes(), err
	default:
		var buf bytes.Buffer
		if err := json.Indent(&buf, req.Content, "", "  "); err != nil {
			return nil, fmt.Errorf("decode content: %w", err)
		}
		return buf.Bytes(), nil
	}
}

func mimeFor(f report.Format) string {
	switch f {
	case report.FormatCSV:
		return "text/csv"
	case report.FormatHTML:
		return "text/html"
	case report.FormatExcel:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		return "application/pdf"
	}
}

func safeName(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, s)
	s = strings.Trim(s, ".")
	if s == "" {
		return "_"
	}
	return s
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
