package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/schaermu/relsyncd/internal/app"
	"github.com/schaermu/relsyncd/internal/store"
	"github.com/schaermu/relsyncd/internal/tree"
)

// printResult writes the result of an action to w. A failed action is
// returned as an error so the process exits non-zero.
func printResult(w io.Writer, res app.Result) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
	} else if res.OK {
		printData(w, res.Data)
		_, _ = fmt.Fprintln(w, res.Message)
	}

	if !res.OK {
		return errors.New(res.Message)
	}
	return nil
}

// printData renders listing results as aligned columns
func printData(w io.Writer, data any) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer func() {
		_ = tw.Flush()
	}()

	switch v := data.(type) {
	case []app.NamedSource:
		_, _ = fmt.Fprintln(tw, "NAME\tPENDING\tLAST UPDATED\tDOWNLOADED\tURL")
		for _, s := range v {
			name := s.Name
			if s.Highlight {
				name = "*" + name
			}
			_, _ = fmt.Fprintf(tw, "%s\t%t\t%s\t%s\t%s\n", name, s.Pending, dash(s.LastUpdated), dash(s.DownloadedRelease), s.URL)
		}
	case []store.Task:
		for _, t := range v {
			_, _ = fmt.Fprintf(tw, "%d\t%s\n", t.Index, t.Command)
		}
	case []store.Device:
		_, _ = fmt.Fprintln(tw, "NAME\tMODEL\tADDRESS\tUSER\tVERSIONS")
		for _, d := range v {
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s:%d\t%s\t%s\n", d.Name, dash(d.Model), d.Address, d.Port, dash(d.Username), versions(d.Versions))
		}
	case []tree.Entry:
		for _, e := range v {
			if e.IsDir {
				_, _ = fmt.Fprintf(tw, "%s/\t\n", e.Path)
			} else {
				_, _ = fmt.Fprintf(tw, "%s\t%d\n", e.Path, e.Size)
			}
		}
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func versions(m map[string]string) string {
	if len(m) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(m))
	for k, v := range m {
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}
