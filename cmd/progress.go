package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// errCancelledByUser is returned when the TUI is quit before the task finishes
var errCancelledByUser = errors.New("cancelled by user")

const maxProgressMessages = 10

var (
	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#626262")).
			Margin(0, 2)

	stageStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#04B575")).
			Margin(0, 2)

	tableHeaderStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#FFAA00")).
				Bold(true).
				Margin(0, 2)

	progressInfoStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#888888")).
				Margin(0, 2)
)

type progressModel struct {
	title       string
	spinner     spinner.Model
	rows        progress.Model
	stage       string
	currentRows int64
	totalRows   int64
	chunks      int
	messages    []string
	width       int
	startTime   time.Time
	done        bool
	cancelled   bool
	err         error
}

type stageMsg string

type messageMsg string

type totalRowsMsg int64

type chunkMsg ChunkProgress

type taskDoneMsg struct {
	err error
}

func newProgressModel(title string) progressModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return progressModel{
		title:     title,
		spinner:   s,
		rows:      progress.New(progress.WithDefaultGradient(), progress.WithWidth(60)),
		stage:     "Initializing...",
		messages:  make([]string, 0),
		startTime: time.Now(),
	}
}

func (m progressModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)
	case tea.WindowSizeMsg:
		return m.handleWindowSizeMsg(msg)
	case spinner.TickMsg:
		return m.handleSpinnerTickMsg(msg)
	case progress.FrameMsg:
		return m.handleProgressFrameMsg(msg)
	case stageMsg:
		m.stage = string(msg)
		return m, nil
	case messageMsg:
		return m.handleMessageMsg(msg)
	case totalRowsMsg:
		m.totalRows = int64(msg)
		return m, nil
	case chunkMsg:
		return m.handleChunkMsg(msg)
	case taskDoneMsg:
		m.done = true
		m.err = msg.err
		return m, tea.Quit
	}
	return m, nil
}

func (m progressModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "ctrl+c" || msg.String() == "q" {
		m.cancelled = true
		return m, tea.Quit
	}
	return m, nil
}

func (m progressModel) handleWindowSizeMsg(msg tea.WindowSizeMsg) (tea.Model, tea.Cmd) {
	m.width = msg.Width
	if msg.Width > 10 {
		m.rows.Width = msg.Width - 10
	}
	return m, nil
}

func (m progressModel) handleSpinnerTickMsg(msg spinner.TickMsg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	m.spinner, cmd = m.spinner.Update(msg)
	return m, cmd
}

func (m progressModel) handleProgressFrameMsg(msg progress.FrameMsg) (tea.Model, tea.Cmd) {
	model, cmd := m.rows.Update(msg)
	if pm, ok := model.(progress.Model); ok {
		m.rows = pm
	}
	return m, cmd
}

func (m progressModel) handleMessageMsg(msg messageMsg) (tea.Model, tea.Cmd) {
	m.messages = append(m.messages, string(msg))
	if len(m.messages) > maxProgressMessages {
		m.messages = m.messages[len(m.messages)-maxProgressMessages:]
	}
	return m, nil
}

// handleChunkMsg tracks extraction progress. The row estimate can be short
// of the real total, so it grows with the rows actually read.
func (m progressModel) handleChunkMsg(msg chunkMsg) (tea.Model, tea.Cmd) {
	m.chunks = msg.Chunk
	m.currentRows = msg.TotalRows
	if m.currentRows > m.totalRows {
		m.totalRows = m.currentRows
	}
	m.stage = fmt.Sprintf("Encoding %s (chunk %d)", msg.Key, msg.Chunk)
	return m, nil
}

// renderMessages renders the message log section
func (m progressModel) renderMessages() []string {
	var sections []string
	sections = append(sections, helpStyle.Render("   Log:"))
	if len(m.messages) == 0 {
		sections = append(sections, "     (waiting for operations...)")
	} else {
		for _, msg := range m.messages {
			sections = append(sections, "     "+msg)
		}
	}
	return sections
}

// renderSeparator renders a horizontal separator
func (m progressModel) renderSeparator() []string {
	separatorWidth := 80
	if m.width > 6 && m.width < 200 {
		separatorWidth = m.width - 6
	}
	separator := "   " + strings.Repeat("─", separatorWidth)
	return []string{"", lipgloss.NewStyle().Foreground(lipgloss.Color("#444")).Render(separator), ""}
}

func (m progressModel) renderRows() []string {
	var sections []string
	if m.totalRows > 0 {
		rowInfo := fmt.Sprintf("   Rows: %d/%d (%d chunks, %s)", m.currentRows, m.totalRows, m.chunks,
			time.Since(m.startTime).Round(time.Second))
		sections = append(sections, progressInfoStyle.Render(rowInfo))
		sections = append(sections, "   "+m.rows.ViewAs(float64(m.currentRows)/float64(m.totalRows)))
	} else if m.currentRows > 0 {
		sections = append(sections, progressInfoStyle.Render(fmt.Sprintf("   Rows: %d (%d chunks)", m.currentRows, m.chunks)))
	}
	return sections
}

func (m progressModel) View() string {
	if m.done {
		return ""
	}

	var sections []string
	sections = append(sections, "", tableHeaderStyle.Render("   "+m.title), "")
	sections = append(sections, m.renderMessages()...)
	sections = append(sections, m.renderSeparator()...)
	sections = append(sections, stageStyle.Render(fmt.Sprintf("   %s %s", m.spinner.View(), m.stage)))
	sections = append(sections, m.renderRows()...)

	sections = append(sections, "")
	sections = append(sections, helpStyle.Render("   Press Ctrl+C or 'q' to quit"))

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// progressReporter is handed to a running task. With a TUI attached it
// feeds the model; otherwise it falls back to the logger.
type progressReporter struct {
	send   func(tea.Msg)
	logger *slog.Logger
}

func (r *progressReporter) Stage(stage string) {
	if r.send != nil {
		r.send(stageMsg(stage))
		return
	}
	r.logger.Info(fmt.Sprintf("⏳ %s", stage))
}

func (r *progressReporter) SetTotal(total int64) {
	if r.send != nil {
		r.send(totalRowsMsg(total))
		return
	}
	r.logger.Debug(fmt.Sprintf("  📏 Expecting about %d rows", total))
}

// Chunk matches the OnChunk hook of BuildRequest and MaterializeRequest
func (r *progressReporter) Chunk(p ChunkProgress) {
	if r.send != nil {
		r.send(chunkMsg(p))
		return
	}
	r.logger.Info(fmt.Sprintf("  📊 %s: chunk %d, %d rows so far", p.Key, p.Chunk, p.TotalRows))
}

// tuiLogHandler turns log records into TUI messages so logging does not
// tear the display
type tuiLogHandler struct {
	level slog.Leveler
	send  func(tea.Msg)
}

func (h *tuiLogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *tuiLogHandler) Handle(_ context.Context, r slog.Record) error {
	h.send(messageMsg(strings.TrimSpace(r.Message)))
	return nil
}

func (h *tuiLogHandler) WithAttrs(_ []slog.Attr) slog.Handler {
	return h
}

func (h *tuiLogHandler) WithGroup(_ string) slog.Handler {
	return h
}

// progressTask is the work a command runs under runWithProgress
type progressTask func(ctx context.Context, logger *slog.Logger, report *progressReporter) error

// runWithProgress runs task behind the bubbletea progress display. In plain
// mode (debug, or a non-text log format) the task logs straight to logger.
func runWithProgress(ctx context.Context, title string, plain bool, logger *slog.Logger, task progressTask) error {
	if plain {
		return task(ctx, logger, &progressReporter{logger: logger})
	}

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(newProgressModel(title), tea.WithAltScreen())

	tuiLogger := slog.New(&tuiLogHandler{level: slog.LevelInfo, send: p.Send})
	report := &progressReporter{send: p.Send, logger: tuiLogger}

	taskErr := make(chan error, 1)
	go func() {
		err := task(taskCtx, tuiLogger, report)
		taskErr <- err
		p.Send(taskDoneMsg{err: err})
	}()

	go func() {
		select {
		case <-ctx.Done():
			p.Quit()
		case <-taskCtx.Done():
		}
	}()

	final, err := p.Run()
	if err != nil {
		cancel()
		<-taskErr
		return fmt.Errorf("progress display failed: %w", err)
	}

	if m, ok := final.(progressModel); ok && m.cancelled {
		cancel()
		<-taskErr
		return errCancelledByUser
	}

	return <-taskErr
}
