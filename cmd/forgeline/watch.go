package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/spf13/cobra"

	"github.com/Strob0t/forgeline/internal/domain/event"
)

var (
	stepStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#666666"))
	kindStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF")).Width(12)
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#3FB950"))
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#AAAAAA"))
	summaryStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#444444")).
			Padding(0, 1)
)

func newWatchCmd() *cobra.Command {
	var server, runID string
	cmd := &cobra.Command{
		Use:   "watch <project-id>",
		Short: "Stream a project's run events to the terminal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := streamURL(server, args[0], runID)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return watch(ctx, u, runID, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "forgeline server base URL")
	cmd.Flags().StringVar(&runID, "run", "", "replay this run first and exit when it ends")
	return cmd
}

// streamURL maps the server base URL onto the project's WebSocket endpoint.
func streamURL(server, projectID, runID string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("server url: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/" + projectID
	q := url.Values{}
	if runID != "" {
		q.Set("run_id", runID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func watch(ctx context.Context, u, runID string, out io.Writer) error {
	c, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", u, err)
	}
	defer c.CloseNow() //nolint:errcheck

	for {
		var ev event.AgentEvent
		if err := wsjson.Read(ctx, c, &ev); err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			if websocket.CloseStatus(err) == websocket.StatusGoingAway {
				return errors.New("server is shutting down")
			}
			return fmt.Errorf("read event: %w", err)
		}
		fmt.Fprintln(out, renderEvent(ev))
		if runID != "" && ev.RunID == runID && finalEvent(ev) {
			return c.Close(websocket.StatusNormalClosure, "")
		}
	}
}

// finalEvent reports whether ev ends its run's stream. Tool and agent
// errors are reported mid-run; any other error fails the run.
func finalEvent(ev event.AgentEvent) bool {
	switch p := ev.Payload.(type) {
	case *event.Complete:
		return true
	case *event.Status:
		return p.Status == event.StatusPaused || p.Status == event.StatusCancelled
	case *event.Error:
		return p.Type != "tool_error" && p.Type != "agent_error"
	}
	return false
}

func renderEvent(ev event.AgentEvent) string {
	head := stepStyle.Render(fmt.Sprintf("%s #%-4d", shortID(ev.RunID), ev.Step)) + " " +
		kindStyle.Render(string(ev.Kind()))

	var body string
	switch p := ev.Payload.(type) {
	case *event.Status:
		body = string(p.Status)
		if p.Session > 0 {
			body += fmt.Sprintf(" session %d", p.Session)
		}
		if p.Progress != nil {
			body += fmt.Sprintf(" (%d/%d passing)", p.Progress.Passing, p.Progress.Total)
		}
		if p.Message != "" {
			body += " " + mutedStyle.Render(p.Message)
		}
	case *event.ToolCall:
		body = p.Tool + " " + mutedStyle.Render(p.Input)
	case *event.ToolResult:
		switch {
		case p.Blocked:
			body = failStyle.Render("blocked")
		case p.IsError:
			body = failStyle.Render("failed")
		default:
			body = okStyle.Render("ok")
		}
		if p.Output != "" {
			body += " " + mutedStyle.Render(p.Output)
		}
	case *event.Message:
		body = p.Text
	case *event.Feature:
		name := p.Name
		if name == "" {
			name = p.FeatureID
		}
		body = string(p.Action) + " " + name
		if p.Action == event.FeatureCompleted {
			body = okStyle.Render(body)
		} else if p.Action == event.FeatureFailed {
			body = failStyle.Render(body)
		}
	case *event.Commit:
		body = p.SHA + " " + p.Message
	case *event.Test:
		name := p.Name
		if name == "" {
			name = p.FeatureID
		}
		if p.Passed {
			body = okStyle.Render("passed") + " " + name
		} else {
			body = failStyle.Render("failed") + " " + name
		}
	case *event.Error:
		body = failStyle.Render(p.Message)
		if p.Type != "" {
			body += " " + mutedStyle.Render("["+p.Type+"]")
		}
	case *event.Complete:
		return head + "\n" + summaryStyle.Render(fmt.Sprintf(
			"%d features completed, %d commits, %d sessions\n%d/%d features passing",
			p.FeaturesCompleted, p.CommitsMade, p.Sessions, p.Progress.Passing, p.Progress.Total,
		))
	}
	return head + " " + body
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[len(id)-8:]
	}
	return id
}
