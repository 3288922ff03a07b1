package pipeline

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"reportd/internal/report"
)

// document is the stored version content. It carries no timestamps so equal
// inputs always produce equal bytes; encoding/json sorts map keys.
type document struct {
	ReportID        string           `json:"report_id"`
	TemplateID      string           `json:"template_id"`
	TemplateVersion int              `json:"template_version"`
	Sections        []sectionContent `json:"sections"`
	Error           string           `json:"error,omitempty"`
	FailedSources   []string         `json:"failed_sources,omitempty"`
}

type sectionContent struct {
	Key   string `json:"key"`
	Title string `json:"title,omitempty"`
	Kind  string `json:"kind,omitempty"`
	Data  any    `json:"data"`
}

type rawDocument struct {
	Sections []struct {
		Key  string          `json:"key"`
		Data json.RawMessage `json:"data"`
	} `json:"sections"`
}

func buildDocument(reportID string, tpl report.Template, data map[string]any) document {
	doc := document{
		ReportID:        reportID,
		TemplateID:      tpl.ID,
		TemplateVersion: tpl.Version,
		Sections:        make([]sectionContent, 0, len(tpl.Sections)),
	}
	for _, sec := range tpl.Sections {
		doc.Sections = append(doc.Sections, sectionContent{
			Key:   sec.Key,
			Title: sec.Title,
			Kind:  sec.Kind,
			Data:  data[sec.Key],
		})
	}
	return doc
}

// encode returns the canonical bytes and their SHA-256.
func encode(doc document) (json.RawMessage, string, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, "", fmt.Errorf("%w: encode content: %v", report.ErrConfiguration, err)
	}
	sum := sha256.Sum256(b)
	return b, hex.EncodeToString(sum[:]), nil
}

// sectionValues decodes content into the generic form rules walk.
func sectionValues(content json.RawMessage) map[string]any {
	var doc struct {
		Sections []struct {
			Key  string `json:"key"`
			Data any    `json:"data"`
		} `json:"sections"`
	}
	out := map[string]any{}
	if err := json.Unmarshal(content, &doc); err != nil {
		return out
	}
	for _, s := range doc.Sections {
		out[s.Key] = s.Data
	}
	return out
}

func rawSections(content json.RawMessage) map[string]json.RawMessage {
	var doc rawDocument
	out := map[string]json.RawMessage{}
	if len(content) == 0 || json.Unmarshal(content, &doc) != nil {
		return out
	}
	for _, s := range doc.Sections {
		out[s.Key] = s.Data
	}
	return out
}

// diffSections compares section data by key.
func diffSections(prev, next json.RawMessage) *report.SectionDiff {
	a, b := rawSections(prev), rawSections(next)
	d := &report.SectionDiff{}
	for k, nv := range b {
		pv, ok := a[k]
		switch {
		case !ok:
			d.Added = append(d.Added, k)
		case !bytes.Equal(compact(pv), compact(nv)):
			d.Changed = append(d.Changed, k)
		}
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			d.Removed = append(d.Removed, k)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Changed)
	return d
}

func compact(b json.RawMessage) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, b); err != nil {
		return b
	}
	return buf.Bytes()
}
