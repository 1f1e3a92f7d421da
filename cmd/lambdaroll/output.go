package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/artpar/lambdaroll/internal/core/domain"
	"github.com/artpar/lambdaroll/internal/shell/events"
)

// =============================================================================
// Printer
// =============================================================================

// printer renders store records as a table, JSON or YAML.
type printer struct {
	w      io.Writer
	format string
}

func newPrinter(w io.Writer, format string) *printer {
	return &printer{w: w, format: strings.ToLower(format)}
}

// structured writes v as JSON or YAML. It reports false for table output.
func (p *printer) structured(v any) (bool, error) {
	switch p.format {
	case "json":
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case "yaml":
		// Round-trip through JSON so YAML keys match the API field names.
		data, err := json.Marshal(v)
		if err != nil {
			return true, err
		}
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return true, err
		}
		out, err := yaml.Marshal(generic)
		if err != nil {
			return true, err
		}
		_, err = p.w.Write(out)
		return true, err
	case "", "table":
		return false, nil
	}
	return true, &CommandError{Op: "output", Err: fmt.Errorf("unknown format %q", p.format), ExitCode: ExitCommandError}
}

func (p *printer) Runs(runs []domain.PipelineRun) error {
	if ok, err := p.structured(runs); ok {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(p.w, "no runs")
		return nil
	}

	w := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tSTATUS\tSTAGE\tREF\tCREATED")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Status, dash(string(r.CurrentStage)), r.SourceRef, r.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func (p *printer) Run(run *domain.PipelineRun) error {
	if ok, err := p.structured(run); ok {
		return err
	}

	fmt.Fprintf(p.w, "run:    %s\n", run.ID)
	fmt.Fprintf(p.w, "fleet:  %s\n", run.Fleet)
	fmt.Fprintf(p.w, "ref:    %s\n", run.SourceRef)
	fmt.Fprintf(p.w, "status: %s\n", run.Status)
	if run.ErrorMessage != "" {
		fmt.Fprintf(p.w, "reason: %s\n", run.ErrorMessage)
	}
	fmt.Fprintln(p.w)

	w := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STAGE\tSTATUS\tUPDATED\tFAILED\tDETAIL")
	for i := range run.Stages {
		st := &run.Stages[i]
		report := st.Report()
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", st.Stage, st.Status, len(report.Updated), len(report.Failed), stageDetail(st))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	for i := range run.Stages {
		for _, f := range run.Stages[i].Report().Failed {
			fmt.Fprintf(p.w, "  %s %s: %s\n", run.Stages[i].Stage, f.Unit, f.Cause)
		}
	}
	return nil
}

func (p *printer) Gates(gates []domain.Gate) error {
	if ok, err := p.structured(gates); ok {
		return err
	}
	if len(gates) == 0 {
		fmt.Fprintln(p.w, "no pending gates")
		return nil
	}

	w := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "GATE\tRUN\tSTAGE\tOPENED\tINFO")
	for _, g := range gates {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", g.ID, g.RunID, g.Stage, g.CreatedAt.Format(time.RFC3339), g.Info)
	}
	return w.Flush()
}

func (p *printer) Layers(versions []domain.LayerVersion) error {
	if ok, err := p.structured(versions); ok {
		return err
	}
	if len(versions) == 0 {
		fmt.Fprintln(p.w, "no published versions")
		return nil
	}

	w := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tARN\tSHA256\tPUBLISHED")
	for _, v := range versions {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", v.Version, v.ARN, dash(v.CodeSHA256), v.PublishedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func stageDetail(st *domain.StageExecution) string {
	switch {
	case st.ErrorMessage != "":
		return st.ErrorMessage
	case st.LayerVersion != nil:
		return st.LayerVersion.String()
	case st.GateID != "":
		return "gate " + st.GateID
	}
	return ""
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// =============================================================================
// Progress
// =============================================================================

// progressPrinter writes one line per completed stage and gate event of a
// foreground run.
type progressPrinter struct {
	mu sync.Mutex
	w  io.Writer
}

func newProgressPrinter(w io.Writer) *progressPrinter {
	return &progressPrinter{w: w}
}

func (p *progressPrinter) Publish(evt events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch evt.Type {
	case events.TypeStageCompleted:
		report, ok := evt.Payload.(domain.StageReport)
		if !ok {
			return
		}
		line := fmt.Sprintf("%-13s %-10s", report.Stage, report.Status)
		if report.Stage.IsFanOut() {
			line += fmt.Sprintf(" updated=%d failed=%d", len(report.Report.Updated), len(report.Report.Failed))
		}
		if report.LayerVersion != nil {
			line += " version=" + report.LayerVersion.String()
		}
		if report.ErrorMessage != "" {
			line += " error=" + report.ErrorMessage
		}
		fmt.Fprintf(p.w, "%s (%s)\n", line, report.Duration.Round(time.Millisecond))
		for _, f := range report.Report.Failed {
			fmt.Fprintf(p.w, "  %s: %s\n", f.Unit, f.Cause)
		}

	case events.TypeGateOpened, events.TypeGateReminder:
		g, ok := evt.Payload.(domain.Gate)
		if !ok {
			return
		}
		fmt.Fprintf(p.w, "%-13s awaiting approval: lambdaroll approve %s\n", g.Stage, g.ID)
		if g.Info != "" {
			fmt.Fprintf(p.w, "  %s\n", g.Info)
		}

	case events.TypeRunFinished:
		run, ok := evt.Payload.(*domain.PipelineRun)
		if !ok {
			return
		}
		if run.ErrorMessage != "" {
			fmt.Fprintf(p.w, "run %s %s: %s\n", run.ID, run.Status, run.ErrorMessage)
			return
		}
		fmt.Fprintf(p.w, "run %s %s\n", run.ID, run.Status)
	}
}
