package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/saltfish/trainstream/internal/domain"
	"github.com/saltfish/trainstream/internal/progress"
)

// progressPrinter writes one line per visible change of a run state.
type progressPrinter struct {
	w       io.Writer
	printed bool
	status  domain.RunStatus
	units   uint
	model   domain.ModelID
}

func newProgressPrinter(w io.Writer) *progressPrinter {
	return &progressPrinter{w: w}
}

// Print reports s unless it looks the same as the last line printed.
func (p *progressPrinter) Print(s progress.RunState) {
	var model domain.ModelID
	if s.CurrentModel != nil {
		model = *s.CurrentModel
	}
	if p.printed && s.Status == p.status && s.CompletedUnits == p.units && model == p.model {
		return
	}
	p.printed = true
	p.status, p.units, p.model = s.Status, s.CompletedUnits, model

	fmt.Fprintln(p.w, progressLine(s))
}

func progressLine(s progress.RunState) string {
	line := fmt.Sprintf("[%3d%%] %-9s %d/%d folds", s.Percent(), s.Status, s.CompletedUnits, s.ExpectedTotalUnits)
	if s.CurrentModel != nil {
		line += "  model=" + s.CurrentModel.String()
	}
	if s.ErrorMessage != nil {
		line += "  error=" + strconv.Quote(*s.ErrorMessage)
	}
	return line
}

// renderResult prints one row per trained model.
func renderResult(w io.Writer, res *domain.RunResult) error {
	if res == nil || len(res.Models) == 0 {
		fmt.Fprintln(w, "No model results.")
		return nil
	}

	table := tablewriter.NewWriter(w)
	table.Header("Model", "RMSE", "MAE", "MAPE", "Folds", "Train Time", "Artifact")
	for _, m := range res.Models {
		artifact := "-"
		if m.ArtifactPath != nil {
			artifact = *m.ArtifactPath
		}
		if err := table.Append(
			m.ModelName.String(),
			metric(m.MetricsOverall, "rmse"),
			metric(m.MetricsOverall, "mae"),
			metric(m.MetricsOverall, "mape"),
			strconv.Itoa(len(m.WalkForward)),
			(time.Duration(m.TrainingTimeSeconds * float64(time.Second))).Round(time.Millisecond).String(),
			artifact,
		); err != nil {
			return err
		}
	}
	return table.Render()
}

func metric(m domain.Metrics, name string) string {
	v, ok := m[name]
	if !ok {
		return "-"
	}
	return strconv.FormatFloat(v, 'f', 4, 64)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return nil
}
