package resourcemgr

import (
	"fmt"
	"strings"
)

// FormatSummary renders the quota post-pass's human-readable per-namespace
// summary.
func FormatSummary(results []NSResult) string {
	var b strings.Builder
	for _, res := range results {
		status := "ok"
		if res.Err != nil {
			status = "error: " + res.Err.Error()
		}
		fmt.Fprintf(&b, "%-30s files_used=%-8d bytes_used=%-12d del_objs=%-6d del_files=%-6d rebuilds=%-6d repacks=%-6d [%s]\n",
			res.NS.ID, res.Report.FilesUsed, res.Report.BytesUsed,
			res.Report.DelObjs, res.Report.DelFiles, res.Report.RebuildObjs, res.Report.RepackFiles,
			status)
	}
	return b.String()
}
