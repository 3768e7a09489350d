package dash

import (
	"encoding/json"
	"os"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/benchtop-dev/benchtop/internal/analysis"
	"github.com/benchtop-dev/benchtop/internal/bridge"
)

const (
	tickInterval = time.Second
	maxLogLines  = 50
)

// job is the dashboard's view of one daemon job.
type job struct {
	ID          string          `json:"id"`
	Recipe      string          `json:"recipe"`
	Cluster     string          `json:"cluster"`
	Params      json.RawMessage `json:"params"`
	Status      string          `json:"status"`
	Priority    int             `json:"priority"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at"`
	LastError   string          `json:"last_error"`
}

type cluster struct {
	Name      string `json:"name"`
	Scheduler string `json:"scheduler"`
	MaxJobs   int    `json:"max_jobs"`
	Running   int    `json:"running"`
}

// Messages.
type (
	tickMsg          time.Time
	bridgeResultMsg  bridge.Result
	analysisEventMsg analysis.Event
)

// Model is the main BubbleTea model for the dashboard.
type Model struct {
	worker   *bridge.Worker
	analyzer *analysis.Client
	tracker  *analysis.Tracker

	// Recipe document being watched for diagnostics, if any.
	recipePath   string
	recipeOpened bool
	lastModTime  time.Time

	width  int
	height int

	// State
	jobs       []job
	clusters   []cluster
	queueDepth int
	connected  bool
	// One in-flight request per operation kind.
	pending map[bridge.OpKind]bool

	analysisState string
	diagnostics   []analysis.Diagnostic
	messageLog    []string

	jobTable table.Model
	viewport viewport.Model
	theme    Theme

	lastError string
}

// New creates the dashboard model. analyzer may be nil when recipe
// analysis is disabled; recipePath may be empty.
func New(worker *bridge.Worker, analyzer *analysis.Client, tracker *analysis.Tracker, recipePath string) *Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Recipe", Width: 24},
			{Title: "Cluster", Width: 12},
			{Title: "ID", Width: 10},
			{Title: "Status", Width: 10},
			{Title: "Duration", Width: 10},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return &Model{
		worker:        worker,
		analyzer:      analyzer,
		tracker:       tracker,
		recipePath:    recipePath,
		pending:       make(map[bridge.OpKind]bool),
		analysisState: "disabled",
		jobTable:      t,
		theme:         NewDefaultTheme(),
	}
}

func (m *Model) Init() tea.Cmd {
	cmds := []tea.Cmd{
		awaitBridgeResult(m.worker),
		tea.Tick(tickInterval, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	}
	if m.analyzer != nil {
		m.analysisState = "starting"
		cmds = append(cmds, awaitAnalysisEvent(m.analyzer))
	}
	m.enqueue(bridge.OpPing, "system.ping", nil)
	m.enqueue(bridge.OpListJobs, "job.list", nil)
	m.enqueue(bridge.OpListClusters, "cluster.list", nil)
	return tea.Batch(cmds...)
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			m.enqueue(bridge.OpListJobs, "job.list", nil)
		case "s":
			m.submitRecipe()
		case "c":
			if row := m.jobTable.SelectedRow(); row != nil {
				if id := m.selectedJobID(); id != "" {
					m.enqueue(bridge.OpCancelJob, "job.cancel", map[string]any{"id": id})
				}
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.jobTable.SetWidth(m.width - 6)
		m.viewport.Width = m.width - 6
		m.viewport.Height = m.height / 4

	case tickMsg:
		m.onTick()
		return m, tea.Tick(tickInterval, func(t time.Time) tea.Msg { return tickMsg(t) })

	case bridgeResultMsg:
		m.handleBridgeResult(bridge.Result(msg))
		return m, awaitBridgeResult(m.worker)

	case analysisEventMsg:
		terminal := m.handleAnalysisEvent(analysis.Event(msg))
		if terminal {
			return m, nil
		}
		return m, awaitAnalysisEvent(m.analyzer)
	}

	m.jobTable, cmd = m.jobTable.Update(msg)
	return m, cmd
}

// enqueue hands an op to the bridge worker unless one of the same kind is
// already in flight.
func (m *Model) enqueue(kind bridge.OpKind, method string, params any) {
	if m.pending[kind] {
		return
	}
	if m.worker.TryEnqueue(bridge.Op{Kind: kind, Method: method, Params: params}) {
		m.pending[kind] = true
	}
}

// submitRecipe submits the watched recipe to the least-loaded cluster.
func (m *Model) submitRecipe() {
	if m.recipePath == "" {
		m.lastError = "no recipe loaded; start with --recipe"
		return
	}
	if len(m.clusters) == 0 {
		m.lastError = "no clusters configured"
		return
	}
	target := m.clusters[0]
	for _, c := range m.clusters[1:] {
		if c.Running < target.Running {
			target = c
		}
	}
	m.enqueue(bridge.OpSubmitJob, "job.submit", map[string]any{
		"recipe":  m.recipePath,
		"cluster": target.Name,
	})
}

func (m *Model) onTick() {
	m.enqueue(bridge.OpListJobs, "job.list", nil)
	m.pollRecipe()
	if m.analyzer != nil && m.tracker != nil && m.analyzer.Ready() {
		m.tracker.Flush(time.Now(), m.analyzer.ChangeDocument)
	}
}

// pollRecipe watches the recipe file and records edits for debouncing.
func (m *Model) pollRecipe() {
	if m.recipePath == "" || m.analyzer == nil || !m.analyzer.Ready() {
		return
	}

	info, err := os.Stat(m.recipePath)
	if err != nil {
		return
	}

	if !m.recipeOpened {
		content, err := os.ReadFile(m.recipePath)
		if err != nil {
			return
		}
		if err := m.analyzer.OpenDocument(m.recipePath, string(content)); err == nil {
			m.recipeOpened = true
			m.lastModTime = info.ModTime()
		}
		return
	}

	if info.ModTime().After(m.lastModTime) {
		content, err := os.ReadFile(m.recipePath)
		if err != nil {
			return
		}
		m.lastModTime = info.ModTime()
		m.tracker.Record(m.recipePath, string(content), time.Now())
	}
}

func (m *Model) handleBridgeResult(res bridge.Result) {
	m.pending[res.Kind] = false

	if res.Err != nil {
		m.connected = false
		m.lastError = res.Err.Error()
		return
	}
	m.connected = true
	m.lastError = ""

	switch res.Kind {
	case bridge.OpPing:
		var body struct {
			QueueDepth int `json:"queue_depth"`
		}
		if err := json.Unmarshal(res.Payload, &body); err == nil {
			m.queueDepth = body.QueueDepth
		}

	case bridge.OpListJobs:
		var body struct {
			Jobs []job `json:"jobs"`
		}
		if err := json.Unmarshal(res.Payload, &body); err != nil {
			m.lastError = "malformed job list from daemon"
			return
		}
		m.jobs = body.Jobs
		m.updateTable()

	case bridge.OpListClusters:
		var body struct {
			Clusters []cluster `json:"clusters"`
		}
		if err := json.Unmarshal(res.Payload, &body); err == nil {
			m.clusters = body.Clusters
		}

	case bridge.OpSubmitJob, bridge.OpCancelJob:
		// The next list refresh shows the effect.
		m.enqueue(bridge.OpListJobs, "job.list", nil)
	}
}

// handleAnalysisEvent applies one event; returns true when the stream is
// finished and must not be re-armed.
func (m *Model) handleAnalysisEvent(ev analysis.Event) bool {
	switch ev.Type {
	case analysis.EventReady:
		m.analysisState = "ready"
	case analysis.EventInitFailed:
		m.analysisState = "failed"
		m.lastError = ev.Message
	case analysis.EventDiagnostics:
		m.diagnostics = ev.Diagnostics
		m.updateViewport()
	case analysis.EventMessage:
		m.messageLog = append([]string{ev.Message}, m.messageLog...)
		if len(m.messageLog) > maxLogLines {
			m.messageLog = m.messageLog[:maxLogLines]
		}
	case analysis.EventClosed:
		m.analysisState = "stopped"
		if ev.Err != nil {
			m.lastError = ev.Message + ": " + ev.Err.Error()
		}
		return true
	}
	return false
}

func (m *Model) selectedJobID() string {
	idx := m.jobTable.Cursor()
	if idx < 0 || idx >= len(m.jobs) {
		return ""
	}
	return m.jobs[idx].ID
}

func (m *Model) updateTable() {
	rows := make([]table.Row, 0, len(m.jobs))
	for _, j := range m.jobs {
		rows = append(rows, table.Row{
			statusGlyph(j.Status),
			j.Recipe,
			j.Cluster,
			shortID(j.ID),
			j.Status,
			jobDuration(j),
		})
	}
	m.jobTable.SetRows(rows)
}

func statusGlyph(status string) string {
	switch status {
	case "running":
		return "▶"
	case "succeeded":
		return "✓"
	case "failed":
		return "✗"
	case "canceled":
		return "−"
	default:
		return "·"
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func jobDuration(j job) string {
	switch {
	case j.StartedAt == nil:
		return "-"
	case j.CompletedAt != nil:
		return j.CompletedAt.Sub(*j.StartedAt).Round(time.Second).String()
	default:
		return time.Since(*j.StartedAt).Round(time.Second).String()
	}
}

// awaitBridgeResult delivers the next worker result as a message.
func awaitBridgeResult(w *bridge.Worker) tea.Cmd {
	return func() tea.Msg {
		res, ok := <-w.Results()
		if !ok {
			return nil
		}
		return bridgeResultMsg(res)
	}
}

// awaitAnalysisEvent delivers the next analysis event as a message.
func awaitAnalysisEvent(c *analysis.Client) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-c.Events()
		if !ok {
			return nil
		}
		return analysisEventMsg(ev)
	}
}
