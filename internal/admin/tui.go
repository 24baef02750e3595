package admin

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/xiy/civicrm-mcp/internal/apiv4"
	"github.com/xiy/civicrm-mcp/internal/store"
)

const refreshEvery = 2 * time.Second

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	paneStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

type tickMsg time.Time

type dashboardMsg struct {
	stats    store.Stats
	reqLogs  []store.MCPRequestLog
	crmCalls []store.CRMCallLog
	err      error
	took     time.Duration
}

type dashboardStore interface {
	Stats(ctx context.Context) (store.Stats, error)
	RecentMCPRequestLogs(ctx context.Context, limit int) ([]store.MCPRequestLog, error)
	RecentCRMCalls(ctx context.Context, limit int) ([]store.CRMCallLog, error)
}

type model struct {
	ctx      context.Context
	st       dashboardStore
	endpoint string
	rows     int

	stats       store.Stats
	reqLogs     []store.MCPRequestLog
	crmCalls    []store.CRMCallLog
	lastErr     error
	refreshedAt time.Time
	took        time.Duration

	width  int
	height int
}

// Run starts a local diagnostics dashboard over the request and CRM call logs.
func Run(ctx context.Context, st dashboardStore, endpoint string) error {
	_, err := tea.NewProgram(newModel(ctx, st, endpoint), tea.WithAltScreen()).Run()
	return err
}

func newModel(ctx context.Context, st dashboardStore, endpoint string) model {
	return model{ctx: ctx, st: st, endpoint: endpoint, rows: 8}
}

func (m model) refresh() tea.Cmd {
	return fetchDashboardCmd(m.ctx, m.st, m.rows, m.rows)
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.refresh(), tickCmd())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.refresh()
		}
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.rows = max(4, (msg.Height-10)/2)
	case tickMsg:
		return m, tea.Batch(m.refresh(), tickCmd())
	case dashboardMsg:
		// A failed refresh keeps the previous rows on screen.
		m.lastErr = msg.err
		m.took = msg.took
		if msg.err == nil {
			m.stats, m.reqLogs, m.crmCalls = msg.stats, msg.reqLogs, msg.crmCalls
			m.refreshedAt = time.Now()
		}
	}
	return m, nil
}

func (m model) View() string {
	w, h := 54, 10
	if m.width > 0 {
		w = max(38, (m.width-4)/2)
	}
	if m.height > 0 {
		h = max(8, (m.height-6)/2)
	}
	pane := func(title, body string) string {
		return paneStyle.Width(w).Height(h).Render(titleStyle.Render(title) + "\n" + body)
	}

	endpoint := m.endpoint
	if endpoint == "" {
		endpoint = "(no endpoint configured)"
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render("civicrm-mcp admin")+"  "+dimStyle.Render(endpoint),
		m.renderStatus(),
		lipgloss.JoinHorizontal(lipgloss.Top, pane("Overview", m.renderOverview()), " ", pane("CRM Outcomes", m.renderOutcomes(w-4))),
		lipgloss.JoinHorizontal(lipgloss.Top, pane("MCP Requests", formatRequestPane(m.reqLogs)), " ", pane("CRM Calls", formatCRMCallPane(m.crmCalls))),
	)
}

func (m model) renderStatus() string {
	if m.lastErr != nil {
		return errStyle.Render("refresh failed: " + clip(m.lastErr.Error(), 100))
	}
	if m.refreshedAt.IsZero() {
		return dimStyle.Render("loading... r refresh, q quit")
	}
	return dimStyle.Render(fmt.Sprintf("refreshed %s in %s, r refresh, q quit",
		clock(m.refreshedAt), m.took.Round(time.Millisecond)))
}

func (m model) renderOverview() string {
	s := m.stats
	oldest := "-"
	if !s.OldestRequest.IsZero() {
		oldest = s.OldestRequest.UTC().Format(time.RFC3339)
	}
	return fmt.Sprintf("MCP requests  %d\nfailed tools  %d\nCRM calls     %d\noldest row    %s",
		s.Requests, s.FailedTools, s.CRMCalls, oldest)
}

// renderOutcomes draws one bar per CRM call outcome scaled to width.
func (m model) renderOutcomes(width int) string {
	s := m.stats
	if s.CRMCalls == 0 {
		return "(no CRM calls yet)"
	}
	failed := s.CRMTransport + s.CRMDecode + s.CRMAPIErrors
	counts := []struct {
		outcome string
		n       int64
	}{
		{apiv4.OutcomeOK, max(0, s.CRMCalls-failed)},
		{apiv4.OutcomeTransportError, s.CRMTransport},
		{apiv4.OutcomeDecodeError, s.CRMDecode},
		{apiv4.OutcomeAPIError, s.CRMAPIErrors},
	}
	barMax := max(1, width-24)
	lines := make([]string, 0, len(counts))
	for _, c := range counts {
		bar := strings.Repeat("#", int(c.n*int64(barMax)/s.CRMCalls))
		lines = append(lines, fmt.Sprintf("%-15s %5d %s", c.outcome, c.n, bar))
	}
	return strings.Join(lines, "\n")
}

func fetchDashboardCmd(ctx context.Context, st dashboardStore, reqLimit, callLimit int) tea.Cmd {
	return func() tea.Msg {
		start := time.Now()
		var msg dashboardMsg
		msg.stats, msg.err = st.Stats(ctx)
		if msg.err == nil {
			msg.reqLogs, msg.err = st.RecentMCPRequestLogs(ctx, reqLimit)
		}
		if msg.err == nil {
			msg.crmCalls, msg.err = st.RecentCRMCalls(ctx, callLimit)
		}
		msg.took = time.Since(start)
		return msg
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(refreshEvery, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func formatRequestPane(rows []store.MCPRequestLog) string {
	if len(rows) == 0 {
		return "(no MCP requests yet)"
	}
	lines := make([]string, 0, len(rows))
	for _, row := range rows {
		name := row.Method
		if row.ToolName != "" {
			name += ":" + row.ToolName
		}
		mark := "ok "
		if !row.Success {
			mark = "err"
		}
		line := fmt.Sprintf("%s %s %-30s %5dms", clock(row.CreatedAt), mark, clip(name, 30), max(0, row.DurationMS))
		if !row.Success && row.ErrorText != "" {
			line += " " + clip(row.ErrorText, 52)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func formatCRMCallPane(rows []store.CRMCallLog) string {
	if len(rows) == 0 {
		return "(no CRM calls yet)"
	}
	lines := make([]string, 0, len(rows))
	for _, row := range rows {
		status := "---"
		if row.Status > 0 {
			status = fmt.Sprintf("%d", row.Status)
		}
		line := fmt.Sprintf("%s %s %-28s %5dms", clock(row.CreatedAt), status, clip(row.Entity+"/"+row.Action, 28), max(0, row.DurationMS))
		if row.Outcome != apiv4.OutcomeOK {
			line += " " + row.Outcome
			if row.ErrorText != "" {
				line += ": " + clip(row.ErrorText, 40)
			}
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func clock(t time.Time) string {
	if t.IsZero() {
		return "--:--:--"
	}
	return t.UTC().Format("15:04:05")
}

// clip collapses whitespace and shortens s to at most n runes.
func clip(s string, n int) string {
	r := []rune(strings.Join(strings.Fields(s), " "))
	if len(r) <= n {
		return string(r)
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
