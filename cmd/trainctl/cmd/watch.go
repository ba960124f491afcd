package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	httpapi "github.com/saltfish/trainstream/internal/api/http"
	"github.com/saltfish/trainstream/internal/progress"
)

var (
	watchSurface string
	exitOnFinish bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the runs of a server surface",
	Long: `Watch connects to the trainstream WebSocket feed and prints the progress of
every run on one surface as its snapshots arrive.

Example:
  trainctl watch
  trainctl watch --surface dashboard --exit-on-finish`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().StringVar(&watchSurface, "surface", "default", "surface to follow")
	watchCmd.Flags().BoolVar(&exitOnFinish, "exit-on-finish", false, "exit after the first run finishes")
}

// feedURL turns the server URL into its WebSocket feed URL for one surface.
func feedURL(server, surface string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid server URL scheme %q", u.Scheme)
	}
	u = u.JoinPath("ws")
	u.RawQuery = url.Values{"surface": {surface}}.Encode()
	return u.String(), nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	target, err := feedURL(GetServerURL(), watchSurface)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", target, err)
	}
	defer conn.Close()

	fmt.Fprintf(cmd.ErrOrStderr(), "Watching surface %q (press Ctrl+C to stop)...\n", watchSurface)

	err = followSurface(ctx, conn, cmd.OutOrStdout(), exitOnFinish)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// followSurface prints feed messages until the connection drops, ctx ends,
// or, with exitOnFinish, the first run finishes.
func followSurface(ctx context.Context, conn *websocket.Conn, w io.Writer, exitOnFinish bool) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	printer := newProgressPrinter(w)
	for {
		var msg httpapi.WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("feed closed: %w", err)
		}

		switch msg.Type {
		case httpapi.EventTypeRunStarted:
			var started struct {
				RunID   uuid.UUID `json:"run_id"`
				Trigger string    `json:"trigger"`
			}
			if err := json.Unmarshal(msg.Data, &started); err != nil {
				return fmt.Errorf("failed to parse %s message: %w", msg.Type, err)
			}
			printer = newProgressPrinter(w)
			fmt.Fprintf(w, "Run %s started on %s (trigger: %s)\n", started.RunID, msg.Surface, started.Trigger)

		case httpapi.EventTypeSnapshot:
			var snap progress.Snapshot
			if err := json.Unmarshal(msg.Data, &snap); err != nil {
				return fmt.Errorf("failed to parse %s message: %w", msg.Type, err)
			}
			if snap.RunID == uuid.Nil {
				continue
			}
			printer.Print(snap.State)

		case httpapi.EventTypeRunFinished:
			var finished httpapi.RunFinishedMessage
			if err := json.Unmarshal(msg.Data, &finished); err != nil {
				return fmt.Errorf("failed to parse %s message: %w", msg.Type, err)
			}
			line := fmt.Sprintf("Run %s %s after %s (%d%%)", finished.RunID, finished.Outcome,
				(time.Duration(finished.DurationMs) * time.Millisecond).String(), finished.Percent)
			if finished.Error != nil {
				line += ": " + *finished.Error
			}
			fmt.Fprintln(w, line)
			if exitOnFinish {
				return nil
			}
		}
	}
}
