package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	apiclient "github.com/splax/autodeploy/pkg/api/client"
)

type printer struct {
	w         io.Writer
	tty       bool
	forceJSON bool
}

func newPrinter(f *os.File) *printer {
	return &printer{w: f, tty: term.IsTerminal(int(f.Fd()))}
}

func (p *printer) json() bool {
	return p.forceJSON || !p.tty
}

func (p *printer) encode(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p *printer) check(r CheckReport, warnings []string) error {
	if p.json() {
		return p.encode(struct {
			CheckReport
			Warnings []string `json:"warnings,omitempty"`
		}{r, warnings})
	}
	for _, w := range warnings {
		fmt.Fprintf(p.w, "warning: %s\n", w)
	}
	fmt.Fprintf(p.w, "repository: %s\nref:        %s\noutcome:    %s\n", r.Decision.Repository, r.Decision.Ref, r.Decision.Outcome)
	if r.DeployURL != "" {
		fmt.Fprintf(p.w, "deploy url: %s\nbranch:     %s\n", r.DeployURL, r.Branch)
	}
	if r.Evaluation == nil || len(r.Evaluation.Results) == 0 {
		return nil
	}
	fmt.Fprintln(p.w)
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "HOOK\tEXPECTED\tACTUAL\tMATCH")
	for _, res := range r.Evaluation.Results {
		actual := "<absent>"
		if res.Present {
			actual = fmt.Sprintf("%v", res.Actual)
		}
		fmt.Fprintf(tw, "%s\t%v\t%s\t%t\n", res.Path, res.Expected, actual, res.Matched)
	}
	return tw.Flush()
}

func (p *printer) decision(d apiclient.Decision) error {
	if p.json() {
		return p.encode(d)
	}
	if d.AttemptID != "" {
		fmt.Fprintf(p.w, "%s (attempt %s)\n", d.Status, d.AttemptID)
		return nil
	}
	fmt.Fprintln(p.w, d.Status)
	return nil
}

func (p *printer) history(deployments []apiclient.Deployment) error {
	if p.json() {
		if deployments == nil {
			deployments = []apiclient.Deployment{}
		}
		return p.encode(deployments)
	}
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tREPOSITORY\tREF\tSTATUS\tPATH\tSTARTED")
	for _, d := range deployments {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", d.ID, d.Repository, d.Ref, d.Status, d.Path, d.StartedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

func (p *printer) deployment(d *apiclient.Deployment) error {
	if p.json() {
		return p.encode(d)
	}
	fmt.Fprintf(p.w, "id:         %s\nrepository: %s\nref:        %s\ntarget:     %s\nstatus:     %s\n", d.ID, d.Repository, d.Ref, d.TargetURL, d.Status)
	if d.CommitMessage != "" || d.CommitAuthor != "" {
		fmt.Fprintf(p.w, "commit:     %q by %s\n", d.CommitMessage, d.CommitAuthor)
	}
	if d.Path != "" {
		fmt.Fprintf(p.w, "path:       %s\n", d.Path)
	}
	if d.Error != "" {
		fmt.Fprintf(p.w, "error:      %s\n", d.Error)
	}
	if len(d.Steps) == 0 {
		return nil
	}
	fmt.Fprintln(p.w)
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tEXIT\tTOLERATED\tDURATION")
	for _, s := range d.Steps {
		fmt.Fprintf(tw, "%s\t%d\t%t\t%s\n", s.Stage, s.ExitStatus, s.Tolerated, (time.Duration(s.DurationMS) * time.Millisecond).String())
	}
	return tw.Flush()
}

func (p *printer) streamEvent(ev apiclient.StreamEvent) error {
	if p.json() {
		enc := json.NewEncoder(p.w)
		return enc.Encode(ev)
	}
	ts := ev.Timestamp.Local().Format(time.TimeOnly)
	switch {
	case ev.Step != nil:
		status := "ok"
		if ev.Step.ExitStatus != 0 {
			status = fmt.Sprintf("exit %d", ev.Step.ExitStatus)
			if ev.Step.Tolerated {
				status += " (tolerated)"
			}
		}
		_, err := fmt.Fprintf(p.w, "%s  %s  %s  %-10s %s\n", ts, ev.AttemptID, ev.Repository, ev.Step.Stage, status)
		return err
	default:
		line := fmt.Sprintf("%s  %s  %s  %-10s %s", ts, ev.AttemptID, ev.Repository, "result", ev.State)
		if ev.Error != "" {
			line += ": " + ev.Error
		}
		_, err := fmt.Fprintln(p.w, line)
		return err
	}
}
