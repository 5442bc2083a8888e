package orchestrator

import (
	"regexp"
	"strings"

	"github.com/kalambet/rsagent/internal/defend"
	"github.com/kalambet/rsagent/internal/draft"
)

var mermaidRe = regexp.MustCompile("(?s)```mermaid\\b.*?```")

var (
	flowPaths  = []string{defend.PathCurrentFlow, defend.PathChangesFlow}
	tablePaths = []string{defend.PathCurrentTable, defend.PathChangesTable}
)

// routeStructured copies fenced mermaid diagrams and notification tables
// from a defend answer into the flow and table fields that were flagged.
// Blocks fill flagged fields in order; the last block fills any remaining.
func routeStructured(d *draft.Draft, flagged []string, answer string) {
	fill(d, flaggedOf(flagged, flowPaths), mermaidRe.FindAllString(answer, -1))
	fill(d, flaggedOf(flagged, tablePaths), notificationTables(answer))
}

func fill(d *draft.Draft, paths, blocks []string) {
	if len(blocks) == 0 {
		return
	}
	for i, p := range paths {
		d.SetField(p, blocks[min(i, len(blocks)-1)])
	}
}

func flaggedOf(flagged, candidates []string) []string {
	var out []string
	for _, c := range candidates {
		for _, f := range flagged {
			if f == c {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// notificationTables returns the markdown tables in text whose header row
// is the notification header.
func notificationTables(text string) []string {
	var tables []string
	var cur []string
	flush := func() {
		if len(cur) > 0 && defend.HasNotificationHeader(cur[0]) {
			tables = append(tables, strings.Join(cur, "\n"))
		}
		cur = nil
	}
	for _, line := range strings.Split(text, "\n") {
		t := strings.TrimSpace(line)
		if strings.HasPrefix(t, "|") {
			cur = append(cur, t)
			continue
		}
		flush()
	}
	flush()
	return tables
}
