package main

import (
	"encoding/json"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
)

// record is the wire shape of every collection item.
type record struct {
	ID         string            `json:"id,omitempty"`
	Kind       string            `json:"kind,omitempty"`
	Name       string            `json:"name"`
	Status     string            `json:"status,omitempty"`
	Revision   string            `json:"revision,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	UpdatedAt  time.Time         `json:"updatedAt,omitempty"`
}

func cloneRecord(r record) record {
	if r.Attributes != nil {
		attrs := make(map[string]string, len(r.Attributes))
		for k, v := range r.Attributes {
			attrs[k] = v
		}
		r.Attributes = attrs
	}
	return r
}

func printRecords(w io.Writer, items []record) error {
	table := tablewriter.NewWriter(w)
	table.Header([]string{"ID", "Name", "Status", "Revision", "Updated"})
	table.Configure(func(cfg *tablewriter.Config) {
		cfg.Row.Alignment.Global = tw.AlignLeft
	})
	data := make([][]string, 0, len(items))
	for _, r := range items {
		data = append(data, []string{r.ID, r.Name, r.Status, r.Revision, formatTime(r.UpdatedAt)})
	}
	if err := table.Bulk(data); err != nil {
		return err
	}
	return table.Render()
}

func printRecord(w io.Writer, r record) error {
	table := tablewriter.NewWriter(w)
	table.Header([]string{"Field", "Value"})
	rows := [][]string{
		{"id", r.ID},
		{"kind", r.Kind},
		{"name", r.Name},
		{"status", r.Status},
		{"revision", r.Revision},
		{"updated", formatTime(r.UpdatedAt)},
	}
	keys := make([]string, 0, len(r.Attributes))
	for k := range r.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		rows = append(rows, []string{"attributes." + k, r.Attributes[k]})
	}
	if err := table.Bulk(rows); err != nil {
		return err
	}
	return table.Render()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// parseAttrs turns key=value pairs into a map.
func parseAttrs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, &usageError{msg: "attribute must be key=value: " + pair}
		}
		out[key] = value
	}
	return out, nil
}

type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }
