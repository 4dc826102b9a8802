package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/jaakkos/duet/internal/app"
	"github.com/jaakkos/duet/internal/domain"
)

var (
	showLimit int
	showJSON  bool

	listStatus string
)

var (
	colorAgentA = lipgloss.Color("#58A6FF")
	colorAgentB = lipgloss.Color("#BC8CFF")
	colorHuman  = lipgloss.Color("#3FB950")
	colorDim    = lipgloss.Color("#8B949E")
	colorWarn   = lipgloss.Color("#D29922")

	titleStyle = lipgloss.NewStyle().Bold(true)
	dimStyle   = lipgloss.NewStyle().Foreground(colorDim)
	nodeStyle  = lipgloss.NewStyle().Foreground(colorWarn).Bold(true)
	boxStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorDim).
			Padding(0, 1)
)

func roleStyle(r domain.Role) lipgloss.Style {
	switch r {
	case domain.RoleAgentA:
		return lipgloss.NewStyle().Foreground(colorAgentA).Bold(true)
	case domain.RoleAgentB:
		return lipgloss.NewStyle().Foreground(colorAgentB).Bold(true)
	default:
		return lipgloss.NewStyle().Foreground(colorHuman).Bold(true)
	}
}

func statusStyle(s domain.Status) lipgloss.Style {
	switch s {
	case domain.StatusActive:
		return lipgloss.NewStyle().Foreground(colorHuman)
	case domain.StatusPaused:
		return lipgloss.NewStyle().Foreground(colorWarn)
	default:
		return dimStyle
	}
}

// renderMessage formats one transcript entry for the terminal.
func renderMessage(m domain.Message) string {
	header := roleStyle(m.Role).Render(m.Role.DisplayName()) + " " +
		dimStyle.Render(fmt.Sprintf("%s · %s", m.Signal, m.Timestamp.Local().Format(time.DateTime)))
	return header + "\n" + m.Content + "\n\n"
}

var showCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Print a session transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(e *engine) error {
			ctx := cmd.Context()
			id := args[0]
			var session domain.Session
			var planning *domain.PlanningState
			if err := e.svc.Query(ctx, id, func(conv *domain.Conversation) error {
				session = conv.Session
				if conv.Planning != nil {
					p := *conv.Planning
					planning = &p
				}
				return nil
			}); err != nil {
				return err
			}
			msgs, err := e.svc.Transcript(ctx, id, showLimit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if showJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					Session  domain.Session        `json:"session"`
					Planning *domain.PlanningState `json:"planning,omitempty"`
					Messages []domain.Message      `json:"messages"`
				}{session, planning, msgs})
			}

			fmt.Fprintln(out, titleStyle.Render(session.Topic))
			fmt.Fprintln(out, dimStyle.Render(session.ID+" · "+string(session.Mode)+" · ")+
				statusStyle(session.Status).Render(string(session.Status)))
			if planning != nil {
				fmt.Fprintln(out, boxStyle.Render(renderPlanning(*planning)))
			}
			fmt.Fprintln(out)
			for _, m := range msgs {
				fmt.Fprint(out, renderMessage(m))
			}
			return nil
		})
	},
}

func renderPlanning(s domain.PlanningState) string {
	done := func(v string) string {
		if v == "" {
			return dimStyle.Render("pending")
		}
		return "done"
	}
	var b strings.Builder
	b.WriteString("Node: " + nodeStyle.Render(s.CurrentNode.String()))
	if s.CurrentNode.IsCheckpoint() {
		b.WriteString(dimStyle.Render(" (awaiting human)"))
	}
	fmt.Fprintf(&b, "\nAnalysis: %s  Proposal: %s  Review: %s", done(s.AgentAAnalysis), done(s.AgentAProposal), done(s.AgentBReview))
	if len(s.IdentifiedFiles) > 0 {
		fmt.Fprintf(&b, "\nFiles: %s", app.Truncate(strings.Join(s.IdentifiedFiles, ", "), 100))
	}
	for _, issue := range s.ValidationIssues {
		b.WriteString("\n" + nodeStyle.Render("! ") + issue)
	}
	if s.FinalPlan != "" {
		b.WriteString("\n\n" + s.FinalPlan)
	}
	return b.String()
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var status domain.Status
		switch s := domain.Status(strings.ToLower(listStatus)); s {
		case "":
		case domain.StatusActive, domain.StatusPaused, domain.StatusCompleted:
			status = s
		default:
			return fmt.Errorf("unknown status %q", listStatus)
		}
		return withEngine(func(e *engine) error {
			sessions, err := e.svc.ListSessions(cmd.Context(), status)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(sessions) == 0 {
				fmt.Fprintln(out, "No sessions.")
				return nil
			}
			idCol := lipgloss.NewStyle().Width(38)
			statusCol := lipgloss.NewStyle().Width(11)
			modeCol := lipgloss.NewStyle().Width(10)
			countCol := lipgloss.NewStyle().Width(6).Align(lipgloss.Right).MarginRight(2)
			fmt.Fprintln(out, titleStyle.Render(
				idCol.Render("ID")+statusCol.Render("STATUS")+modeCol.Render("MODE")+countCol.Render("MSGS")+"TOPIC"))
			for _, s := range sessions {
				fmt.Fprintln(out,
					idCol.Render(s.ID)+
						statusStyle(s.Status).Inherit(statusCol).Render(string(s.Status))+
						modeCol.Render(string(s.Mode))+
						countCol.Render(fmt.Sprint(s.MessageCount))+
						app.Truncate(s.Topic, 60))
			}
			return nil
		})
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 0, "show only the last N messages (0 = all)")
	showCmd.Flags().BoolVar(&showJSON, "json", false, "print JSON instead of styled text")
	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by status (active, paused, completed)")
}
