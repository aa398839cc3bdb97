package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/maneesh/labimport/internal/models"
	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"
)

func (c *cli) print(w io.Writer, data any, table func(io.Writer)) error {
	switch strings.ToLower(strings.TrimSpace(c.output)) {
	case "", "table":
		table(w)
		return nil
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(data)
	default:
		return fmt.Errorf("invalid output format: %q (valid: table, json, yaml)", c.output)
	}
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	t := tablewriter.NewWriter(w)
	if len(header) > 0 {
		t.SetHeader(header)
	}
	t.SetAutoWrapText(false)
	t.SetAutoFormatHeaders(true)
	t.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	t.SetAlignment(tablewriter.ALIGN_LEFT)
	t.SetCenterSeparator("")
	t.SetColumnSeparator("")
	t.SetRowSeparator("")
	t.SetHeaderLine(false)
	t.SetBorder(false)
	t.SetTablePadding("  ")
	t.SetNoWhiteSpace(true)
	return t
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }

func jobTable(jobs []*models.JobStatus) func(io.Writer) {
	return func(w io.Writer) {
		t := newTable(w, "ID", "TYPE", "STATUS", "PROGRESS", "FILE", "ROWS", "OWNER", "UPDATED")
		for _, js := range jobs {
			t.Append([]string{
				js.ID,
				js.JobType,
				string(js.Status),
				strconv.Itoa(js.ProgressPercent()) + "%",
				js.OriginalFileName,
				itoa(js.ProcessedRows) + "/" + itoa(js.TotalRows),
				js.CreatedBy,
				js.UpdatedAt.Format("2006-01-02 15:04:05"),
			})
		}
		t.Render()
	}
}

func jobDetail(js *models.JobStatus) func(io.Writer) {
	return func(w io.Writer) {
		t := newTable(w)
		t.SetColumnSeparator(":")
		for _, kv := range [][2]string{
			{"ID", js.ID},
			{"Type", js.JobType},
			{"Status", string(js.Status)},
			{"Progress", strconv.Itoa(js.ProgressPercent()) + "%"},
			{"File", js.OriginalFileName},
			{"Total rows", itoa(js.TotalRows)},
			{"Processed", itoa(js.ProcessedRows)},
			{"Created", itoa(js.CreatedCount)},
			{"Updated", itoa(js.UpdatedCount)},
			{"Skipped", itoa(js.SkippedCount)},
			{"Errors", itoa(js.ErrorCount)},
			{"Error", js.ErrorMsg},
			{"Result", js.ResultPath},
			{"Owner", js.CreatedBy},
			{"Created at", js.CreatedAt.Format("2006-01-02 15:04:05")},
			{"Updated at", js.UpdatedAt.Format("2006-01-02 15:04:05")},
		} {
			if kv[1] != "" {
				t.Append(kv[:])
			}
		}
		t.Render()
	}
}

func statsTable(s *models.JobStats) func(io.Writer) {
	return func(w io.Writer) {
		t := newTable(w, "GROUP", "KEY", "COUNT")
		t.Append([]string{"all", "total", itoa(s.Total)})
		t.Append([]string{"all", "active", itoa(s.ActiveJobs)})
		for _, st := range models.AllJobStates {
			t.Append([]string{"status", string(st), itoa(s.ByStatus[st])})
		}
		kinds := make([]string, 0, len(s.ByType))
		for k := range s.ByType {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		for _, k := range kinds {
			t.Append([]string{"type", k, itoa(s.ByType[k])})
		}
		t.Render()
	}
}
