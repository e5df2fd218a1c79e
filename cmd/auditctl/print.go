package main

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/fatih/color"

	"auditbuddy/internal/domain"
)

func statusColor(s domain.Status) *color.Color {
	switch s {
	case domain.StatusCompleted:
		return color.New(color.FgGreen, color.Bold)
	case domain.StatusCompletedWithErrors:
		return color.New(color.FgYellow, color.Bold)
	case domain.StatusFailed:
		return color.New(color.FgRed, color.Bold)
	case domain.StatusRunning:
		return color.New(color.FgCyan)
	}
	return color.New(color.FgWhite)
}

func scoreColor(score int) *color.Color {
	switch {
	case score >= 90:
		return color.New(color.FgGreen)
	case score >= 50:
		return color.New(color.FgYellow)
	}
	return color.New(color.FgRed)
}

func printAudit(w io.Writer, a *domain.Audit) {
	fmt.Fprintf(w, "%s  %s\n", a.ID, a.URL)
	fmt.Fprintf(w, "  status:   %s", statusColor(a.Status).Sprint(a.Status))
	if !a.Status.Terminal() {
		fmt.Fprintf(w, " (%d%%, %s)", a.Progress, a.CurrentStep)
	}
	fmt.Fprintln(w)
	if a.Error != "" {
		fmt.Fprintf(w, "  error:    %s\n", color.RedString(a.Error))
	}
	if len(a.CategoryResults) == 0 {
		return
	}

	names := make([]string, 0, len(a.CategoryResults))
	for name := range a.CategoryResults {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		o := a.CategoryResults[name]
		if o.Succeeded() {
			fmt.Fprintf(w, "  %-14s %s\n", name, scoreColor(*o.Score).Sprintf("%3d", *o.Score))
			continue
		}
		msg := "failed"
		if o.Error != nil {
			msg = *o.Error
		}
		fmt.Fprintf(w, "  %-14s %s\n", name, color.RedString("  - %s", msg))
	}
	if overall, ok := a.OverallScore(); ok {
		fmt.Fprintf(w, "  %-14s %s\n", "overall", scoreColor(overall).Sprintf("%3d", overall))
	}
}

func printList(w io.Writer, list []*domain.Audit) {
	if len(list) == 0 {
		fmt.Fprintln(w, "no audits")
		return
	}
	for _, a := range list {
		fmt.Fprintf(w, "%s  %-22s %s  %s\n",
			a.ID,
			statusColor(a.Status).Sprint(a.Status),
			a.CreatedAt.Local().Format(time.DateTime),
			a.URL,
		)
	}
}

func printEvent(w io.Writer, ev domain.ProgressEvent) {
	line := fmt.Sprintf("[%s] %3d%% %s", ev.At.Local().Format(time.TimeOnly), ev.Progress, ev.Status)
	if ev.CurrentStep != "" {
		line += "  " + ev.CurrentStep
	}
	if ev.Error != "" {
		line += "  " + ev.Error
	}
	statusColor(ev.Status).Fprintln(w, line)
}

func printProfile(w io.Writer, p *domain.Profile) {
	fmt.Fprintf(w, "%s  (audit %s, %s)\n", color.New(color.Bold).Sprint(p.Domain), p.AuditID, p.CompletedAt.Local().Format(time.DateTime))
	names := make([]string, 0, len(p.Scores))
	for name := range p.Scores {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-14s %s\n", name, scoreColor(p.Scores[name]).Sprintf("%3d", p.Scores[name]))
	}
	for _, name := range p.Failed {
		fmt.Fprintf(w, "  %-14s %s\n", name, color.RedString("  - failed"))
	}
	fmt.Fprintf(w, "  %-14s %s\n", "overall", scoreColor(p.Overall).Sprintf("%3d", p.Overall))
}
