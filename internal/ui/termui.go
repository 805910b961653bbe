package ui

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/skalibog/mtabot/internal/bot"
	"github.com/skalibog/mtabot/internal/config"
	"github.com/skalibog/mtabot/pkg/logger"
	"github.com/skalibog/mtabot/pkg/models"
	"go.uber.org/zap"
)

// maxLogLines сколько последних строк лога держать в памяти
const maxLogLines = 50

// Стили UI
var (
	primaryColor   = lipgloss.Color("#0077cc")
	secondaryColor = lipgloss.Color("#333333")
	errorColor     = lipgloss.Color("#cc3300")
	successColor   = lipgloss.Color("#33cc33")
	warningColor   = lipgloss.Color("#cccc00")

	appStyle = lipgloss.NewStyle().
			Padding(1, 2).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor)
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#ffffff")).
			Background(primaryColor).
			Padding(0, 1).
			Align(lipgloss.Center)
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#ffffff")).
			Background(secondaryColor).
			Padding(0, 1)
	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(secondaryColor).
			Padding(0, 1)
	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#999999")).
			Padding(0, 1)

	ansiRegex = regexp.MustCompile(`\x1b\[[0-9;]*m`)
)

// Source источник состояния бота
type Source interface {
	Status() bot.Status
}

// TermUI терминальная панель: режим, позиции, готовность серий и хвост лога
type TermUI struct {
	source  Source
	logFile string
	refresh time.Duration

	mu       sync.RWMutex
	status   bot.Status
	logs     []string
	selected int
}

type refreshMsg struct{}

type bubbleModel struct {
	ui *TermUI
}

// NewTermUI создает интерфейс. logFile путь к JSON логу
func NewTermUI(cfg config.UIConfig, logFile string, source Source) *TermUI {
	refresh := time.Duration(cfg.RefreshRate) * time.Millisecond
	if refresh <= 0 {
		refresh = time.Second
	}
	return &TermUI{
		source:  source,
		logFile: logFile,
		refresh: refresh,
		logs:    []string{"Бот запущен. Ожидание данных..."},
	}
}

// Run показывает интерфейс до выхода по q или отмены контекста.
// Выход пользователя вызывает cancel
func (ui *TermUI) Run(ctx context.Context, cancel context.CancelFunc) error {
	ui.reload()
	program := tea.NewProgram(bubbleModel{ui: ui}, tea.WithAltScreen(), tea.WithContext(ctx))

	go func() {
		ticker := time.NewTicker(ui.refresh)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ui.reload()
				program.Send(refreshMsg{})
			}
		}
	}()

	_, err := program.Run()
	cancel()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func (ui *TermUI) reload() {
	status := ui.source.Status()
	logs, err := tailLogs(ui.logFile, maxLogLines)
	if err != nil {
		logger.Warn("Ошибка загрузки логов", zap.Error(err))
	}

	ui.mu.Lock()
	defer ui.mu.Unlock()
	ui.status = status
	if len(logs) > 0 {
		ui.logs = logs
	}
	if ui.selected >= len(status.Positions) {
		ui.selected = max(0, len(status.Positions)-1)
	}
}

// tailLogs последние n строк JSON лога в читаемом виде
func tailLogs(path string, n int) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var logs []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		logs = append(logs, formatLogLine(scanner.Text()))
		if len(logs) > n {
			logs = logs[1:]
		}
	}
	return logs, scanner.Err()
}

func formatLogLine(line string) string {
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		return line
	}
	level, _ := entry["level"].(string)
	ts, _ := entry["ts"].(string)
	msg, _ := entry["msg"].(string)
	level = strings.ToUpper(ansiRegex.ReplaceAllString(level, ""))

	timestamp := ""
	if t, err := time.Parse("02.01.2006 - 15:04:05.999999999Z07:00", ts); err == nil {
		timestamp = t.Format("15:04:05")
	}

	keys := make([]string, 0, len(entry))
	for k := range entry {
		switch k {
		case "level", "ts", "msg", "caller":
		default:
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] [%s] %s", timestamp, level, msg)
	for _, k := range keys {
		fmt.Fprintf(&b, " (%s: %v)", k, entry[k])
	}
	return b.String()
}

func (m bubbleModel) Init() tea.Cmd {
	return nil
}

func (m bubbleModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "up":
			m.ui.mu.Lock()
			m.ui.selected = max(0, m.ui.selected-1)
			m.ui.mu.Unlock()
		case "down":
			m.ui.mu.Lock()
			m.ui.selected = min(max(0, len(m.ui.status.Positions)-1), m.ui.selected+1)
			m.ui.mu.Unlock()
		case "r":
			m.ui.reload()
		}
	case refreshMsg:
	}
	return m, nil
}

func (m bubbleModel) View() string {
	m.ui.mu.RLock()
	defer m.ui.mu.RUnlock()

	return appStyle.Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("MTABOT - Binance Futures"),
			"",
			renderMode(m.ui.status),
			"",
			renderPositions(m.ui.status.Positions, m.ui.selected),
			"",
			renderSeries(m.ui.status.Series),
			"",
			renderLogs(m.ui.logs),
			"",
			footerStyle.Render("Клавиши: ↑/↓ - навигация, R - обновить, Q - выход"),
		),
	)
}

func renderMode(st bot.Status) string {
	style := lipgloss.NewStyle().Foreground(successColor).Bold(true)
	if st.Mode == models.ModeManagementOnly {
		style = lipgloss.NewStyle().Foreground(warningColor).Bold(true)
	}
	return fmt.Sprintf("  Режим: %s  Баланс: %.2f  В очереди: %d",
		style.Render(string(st.Mode)), st.Balance, st.Pending)
}

func renderPositions(positions []bot.PositionStatus, selected int) string {
	var content strings.Builder
	if len(positions) == 0 {
		content.WriteString("  Нет открытых позиций\n")
	}
	for i, p := range positions {
		line := fmt.Sprintf("  %-10s %-5s %-15s кол-во %g вход %.4f цена %.4f %s",
			p.Symbol, p.Side, p.Strategy, p.Quantity, p.EntryPrice, p.Price, formatPnL(p.PnLPercent))
		if p.TrailingActive && p.TrailingStopPrice != nil {
			line += fmt.Sprintf(" трейлинг %.4f", *p.TrailingStopPrice)
		}
		if i == selected {
			line = lipgloss.NewStyle().Background(lipgloss.Color("#222222")).Render("> " + line[2:])
		}
		content.WriteString(line + "\n")
	}
	return sectionStyle.Render(lipgloss.JoinVertical(lipgloss.Left,
		headerStyle.Render("ПОЗИЦИИ"), content.String()))
}

func formatPnL(pnl float64) string {
	text := fmt.Sprintf("%+.2f%%", pnl)
	switch {
	case pnl > 0:
		return lipgloss.NewStyle().Foreground(successColor).Render(text)
	case pnl < 0:
		return lipgloss.NewStyle().Foreground(errorColor).Render(text)
	default:
		return text
	}
}

func renderSeries(series []bot.SeriesStatus) string {
	var content strings.Builder
	if len(series) == 0 {
		content.WriteString("  Ожидание данных...\n")
	}
	for _, s := range series {
		state := lipgloss.NewStyle().Foreground(warningColor).Render(fmt.Sprintf("%d/%d", s.Length, s.Required))
		if s.Ready {
			state = lipgloss.NewStyle().Foreground(successColor).Render("готова")
		}
		fmt.Fprintf(&content, "  %-10s %-4s %s цена %.4f\n", s.Symbol, s.Timeframe, state, s.LastPrice)
	}
	return sectionStyle.Render(lipgloss.JoinVertical(lipgloss.Left,
		headerStyle.Render("СЕРИИ"), content.String()))
}

func renderLogs(logs []string) string {
	var content strings.Builder
	for _, line := range logs {
		switch {
		case strings.Contains(line, "[ERROR]"):
			line = lipgloss.NewStyle().Foreground(errorColor).Render(line)
		case strings.Contains(line, "[WARN]"):
			line = lipgloss.NewStyle().Foreground(warningColor).Render(line)
		case strings.Contains(line, "[INFO]"):
			line = lipgloss.NewStyle().Foreground(successColor).Render(line)
		case strings.Contains(line, "[DEBUG]"):
			line = lipgloss.NewStyle().Foreground(lipgloss.Color("#9999ff")).Render(line)
		}
		content.WriteString("  " + line + "\n")
	}
	return sectionStyle.Render(lipgloss.JoinVertical(lipgloss.Left,
		headerStyle.Render("ЛОГИ"), content.String()))
}
