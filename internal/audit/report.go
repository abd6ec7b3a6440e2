// Package audit renders an execution trace into an immutable textual record.
// It consumes run output only; no logic beyond formatting lives here.
package audit

import (
	"fmt"
	"strings"
	"time"

	"protovault/internal/domain"
)

const rule = "================================================================================"
const thinRule = "--------------------------------------------------------------------------------"

// Report assembles the audit record for a run. The byte-level layout is not
// contractual, but the PROTOCOL METADATA, EXECUTION CONTEXT and EXECUTION LOG
// sections followed by a terminal banner appear once each, in that order.
func Report(p domain.Protocol, r domain.Run, entries []domain.LogEntry) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s\n%32sPROTOVAULT | EXECUTION AUDIT RECORD\n%s\n\n", rule, "", rule)

	b.WriteString("PROTOCOL METADATA\n-----------------\n")
	fmt.Fprintf(&b, "ID:             %s\n", strings.ToUpper(p.ID))
	fmt.Fprintf(&b, "Title:          %s\n", p.Title)
	fmt.Fprintf(&b, "Version:        %s\n", p.Version)
	fmt.Fprintf(&b, "Category:       %s\n", p.Category)
	fmt.Fprintf(&b, "Risk Class:     %s\n", p.RiskClass)
	fmt.Fprintf(&b, "Jurisdiction:   %s\n\n", p.Jurisdiction)

	b.WriteString("EXECUTION CONTEXT\n-----------------\n")
	fmt.Fprintf(&b, "Session ID:     %s\n", strings.ToUpper(r.SessionID))
	fmt.Fprintf(&b, "Operator:       %s\n", r.ActorID)
	fmt.Fprintf(&b, "Started:        %s\n", r.StartedAt)
	if r.EndedAt != nil {
		fmt.Fprintf(&b, "Ended:          %s\n", *r.EndedAt)
		if d, ok := duration(r.StartedAt, *r.EndedAt); ok {
			fmt.Fprintf(&b, "Duration:       %s\n", d)
		}
	}
	fmt.Fprintf(&b, "Status:         %s\n\n", statusLabel(r.Status))

	fmt.Fprintf(&b, "%s\n%32sEXECUTION LOG\n%s\n\n", thinRule, "", thinRule)
	for i, e := range entries {
		fmt.Fprintf(&b, "STEP %d: %s\n", i+1, strings.ToUpper(e.Title))
		fmt.Fprintf(&b, "   - Description:  %s\n", orNA(e.Description))
		fmt.Fprintf(&b, "   - Role Required: %s\n", e.Role)
		fmt.Fprintf(&b, "   - Action Taken: %s\n", e.Action)
		fmt.Fprintf(&b, "   - Timestamp:    %s\n", e.TS)
		fmt.Fprintf(&b, "   - Status:       VERIFIED\n%s\n", thinRule)
	}
	b.WriteString("\n")

	if r.Status == "completed" {
		b.WriteString("[OK] SUCCESS: PROTOCOL COMPLETED\n")
		b.WriteString("     All mandatory steps verified and logged.\n")
	} else {
		b.WriteString("[!] ALERT: EXECUTION HALTED PREMATURELY\n")
		fmt.Fprintf(&b, "    Steps completed: %d of %d\n", len(entries), len(p.Steps))
	}

	fmt.Fprintf(&b, "\n%s\nGenerated by ProtoVault.\nThis document is an immutable record of operational execution.\n%s\n", rule, rule)
	return b.String()
}

func statusLabel(status string) string {
	switch status {
	case "completed":
		return "COMPLETED"
	case "abandoned":
		return "HALTED PREMATURELY"
	default:
		return "PARTIAL / IN PROGRESS"
	}
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

func duration(start, end string) (string, bool) {
	s, err1 := time.Parse(time.RFC3339, start)
	e, err2 := time.Parse(time.RFC3339, end)
	if err1 != nil || err2 != nil {
		return "", false
	}
	d := e.Sub(s).Round(time.Second)
	if d < 0 {
		return "", false
	}
	return d.String(), true
}
