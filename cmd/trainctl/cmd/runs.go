package cmd

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	httpapi "github.com/saltfish/trainstream/internal/api/http"
	"github.com/saltfish/trainstream/internal/domain"
	"github.com/saltfish/trainstream/internal/progress"
)

var (
	// Server run flags
	runSurface     string
	historyStatus  string
	historyPage    int
	historyPerPage int
)

// runsCmd represents the runs command
var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Manage server runs",
	Long:  `Commands for submitting, inspecting and cancelling runs on a trainstream server.`,
}

var runsSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a run to a surface",
	Long:  `Submit a training request to the server. An active run on the surface is cancelled first.`,
	RunE:  runRunsSubmit,
}

var runsCurrentCmd = &cobra.Command{
	Use:   "current",
	Short: "Show the current run of a surface",
	RunE:  runRunsCurrent,
}

var runsCancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel the active run of a surface",
	RunE:  runRunsCancel,
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List run history",
	RunE:  runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one run from the history",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

var surfacesCmd = &cobra.Command{
	Use:   "surfaces",
	Short: "List surfaces and their latest runs",
	RunE:  runSurfaces,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(surfacesCmd)
	runsCmd.AddCommand(runsSubmitCmd)
	runsCmd.AddCommand(runsCurrentCmd)
	runsCmd.AddCommand(runsCancelCmd)
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)

	runsCmd.PersistentFlags().StringVar(&runSurface, "surface", "", "surface name (default surface if empty)")
	addRequestFlags(runsSubmitCmd)

	runsListCmd.Flags().StringVar(&historyStatus, "status", "", "filter by status (running, succeeded, failed, cancelled)")
	runsListCmd.Flags().IntVar(&historyPage, "page", 1, "page number")
	runsListCmd.Flags().IntVar(&historyPerPage, "page-size", 20, "runs per page")
}

func surfaceQuery() string {
	if runSurface == "" {
		return ""
	}
	return "?" + url.Values{"surface": {runSurface}}.Encode()
}

func runRunsSubmit(cmd *cobra.Command, args []string) error {
	req, err := requestFromFlags()
	if err != nil {
		return err
	}

	var result httpapi.SubmitRunResponse
	if err := callAPI(http.MethodPost, "/api/v1/runs"+surfaceQuery(), req, &result, http.StatusAccepted); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if IsJSONOutput() {
		return printJSON(out, result)
	}
	table := tablewriter.NewWriter(out)
	table.Header("Field", "Value")
	table.Append("Run ID", result.RunID.String())
	table.Append("Surface", result.Surface)
	table.Append("Snapshot", result.SnapshotURL)
	return table.Render()
}

func runRunsCurrent(cmd *cobra.Command, args []string) error {
	var snap progress.Snapshot
	if err := callAPI(http.MethodGet, "/api/v1/runs/current"+surfaceQuery(), nil, &snap, http.StatusOK); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if IsJSONOutput() {
		return printJSON(out, snap)
	}
	fmt.Fprintf(out, "Surface %s, run %s, snapshot #%d\n", snap.Surface, snap.RunID, snap.Seq)
	fmt.Fprintln(out, progressLine(snap.State))
	if snap.State.Status == domain.RunStatusSucceeded {
		return renderResult(out, snap.State.FinalResult)
	}
	return nil
}

func runRunsCancel(cmd *cobra.Command, args []string) error {
	if err := callAPI(http.MethodDelete, "/api/v1/runs/current"+surfaceQuery(), nil, nil, http.StatusNoContent); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Run cancelled.")
	return nil
}

func runRunsList(cmd *cobra.Command, args []string) error {
	params := url.Values{}
	if runSurface != "" {
		params.Set("surface", runSurface)
	}
	if historyStatus != "" {
		params.Set("status", historyStatus)
	}
	params.Set("page", strconv.Itoa(historyPage))
	params.Set("page_size", strconv.Itoa(historyPerPage))

	var result httpapi.ListRunsResponse
	if err := callAPI(http.MethodGet, "/api/v1/runs?"+params.Encode(), nil, &result, http.StatusOK); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if IsJSONOutput() {
		return printJSON(out, result)
	}
	if len(result.Runs) == 0 {
		fmt.Fprintln(out, "No runs found.")
		return nil
	}
	if err := renderRuns(out, result.Runs); err != nil {
		return err
	}
	fmt.Fprintf(out, "\nPage %d of %d, total runs: %d\n",
		result.Pagination.Page, result.Pagination.TotalPages, result.Pagination.TotalCount)
	return nil
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	var record domain.RunRecord
	if err := callAPI(http.MethodGet, "/api/v1/runs/"+url.PathEscape(args[0]), nil, &record, http.StatusOK); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if IsJSONOutput() {
		return printJSON(out, record)
	}

	table := tablewriter.NewWriter(out)
	table.Header("Field", "Value")
	table.Append("Run ID", record.ID.String())
	table.Append("Surface", record.Surface)
	table.Append("Trigger", record.Trigger)
	table.Append("Status", record.Status.String())
	table.Append("Instrument", strconv.FormatInt(record.InstrumentToken, 10))
	table.Append("Interval", record.Interval)
	table.Append("Progress", fmt.Sprintf("%d/%d (%d%%)", record.CompletedUnits, record.ExpectedUnits,
		progress.Percent(record.CompletedUnits, record.ExpectedUnits)))
	table.Append("Started At", record.StartedAt.Format(time.RFC3339))
	if record.FinishedAt != nil {
		table.Append("Finished At", record.FinishedAt.Format(time.RFC3339))
		table.Append("Duration", record.Duration().Round(time.Millisecond).String())
	}
	if record.ErrorMessage != nil {
		table.Append("Error", *record.ErrorMessage)
	}
	if err := table.Render(); err != nil {
		return err
	}

	if record.FinalResult != nil {
		fmt.Fprintln(out)
		return renderResult(out, record.FinalResult)
	}
	return nil
}

func runSurfaces(cmd *cobra.Command, args []string) error {
	var result struct {
		Surfaces []httpapi.SurfaceStatus `json:"surfaces"`
	}
	if err := callAPI(http.MethodGet, "/api/v1/surfaces", nil, &result, http.StatusOK); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if IsJSONOutput() {
		return printJSON(out, result)
	}

	table := tablewriter.NewWriter(out)
	table.Header("Surface", "Active", "Run ID", "Trigger", "Status", "Progress")
	for _, s := range result.Surfaces {
		runID := "-"
		if s.RunID != nil {
			runID = s.RunID.String()
		}
		trigger := s.Trigger
		if trigger == "" {
			trigger = "-"
		}
		table.Append(s.Surface, strconv.FormatBool(s.Active), runID, trigger, s.Status.String(), fmt.Sprintf("%d%%", s.Percent))
	}
	return table.Render()
}

// renderRuns prints run history rows.
func renderRuns(w io.Writer, runs []*domain.RunRecord) error {
	table := tablewriter.NewWriter(w)
	table.Header("Run ID", "Surface", "Trigger", "Status", "Instrument", "Interval", "Progress", "Started At")
	for _, r := range runs {
		if err := table.Append(
			r.ID.String()[:8],
			r.Surface,
			r.Trigger,
			r.Status.String(),
			strconv.FormatInt(r.InstrumentToken, 10),
			r.Interval,
			fmt.Sprintf("%d%%", progress.Percent(r.CompletedUnits, r.ExpectedUnits)),
			r.StartedAt.Format("2006-01-02 15:04"),
		); err != nil {
			return err
		}
	}
	return table.Render()
}
