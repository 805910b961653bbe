package ui

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/skalibog/mtabot/internal/bot"
	"github.com/skalibog/mtabot/internal/config"
	"github.com/skalibog/mtabot/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSource bot.Status

func (s staticSource) Status() bot.Status { return bot.Status(s) }

func TestFormatLogLine(t *testing.T) {
	line := `{"level":"\u001b[33mwarn\u001b[0m","ts":"01.05.2024 - 12:00:01.000000000Z","msg":"Сообщение","symbol":"BTCUSDT","caller":"x.go:1"}`
	assert.Equal(t, "[12:00:01] [WARN] Сообщение (symbol: BTCUSDT)", formatLogLine(line))
	assert.Equal(t, "plain text", formatLogLine("plain text"))
}

func TestTailLogsKeepsLastLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.json.log")
	var b strings.Builder
	for i := 0; i < 60; i++ {
		b.WriteString("line\n")
	}
	b.WriteString("last\n")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))

	logs, err := tailLogs(path, maxLogLines)
	require.NoError(t, err)
	assert.Len(t, logs, maxLogLines)
	assert.Equal(t, "last", logs[len(logs)-1])

	logs, err = tailLogs(filepath.Join(t.TempDir(), "missing.log"), maxLogLines)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestViewShowsStatus(t *testing.T) {
	stop := 101.5
	src := staticSource{
		Mode:    models.ModeManagementOnly,
		Balance: 7.5,
		Positions: []bot.PositionStatus{{
			Position: models.Position{Symbol: "BTCUSDT", Side: models.SideLong, Strategy: models.TrendFollowing,
				EntryPrice: 100, TrailingActive: true, TrailingStopPrice: &stop},
			Price:      102,
			PnLPercent: 2,
		}},
		Series: []bot.SeriesStatus{
			{Symbol: "BTCUSDT", Timeframe: "1m", Length: 500, Required: 201, Ready: true},
			{Symbol: "BTCUSDT", Timeframe: "1h", Length: 12, Required: 201},
		},
	}
	ui := NewTermUI(config.UIConfig{}, filepath.Join(t.TempDir(), "none.log"), src)
	ui.reload()

	view := bubbleModel{ui: ui}.View()
	assert.Contains(t, view, "MANAGEMENT_ONLY")
	assert.Contains(t, view, "BTCUSDT")
	assert.Contains(t, view, "101.5000")
	assert.Contains(t, view, "12/201")
	assert.Contains(t, view, "Бот запущен")
}

func TestQuitKey(t *testing.T) {
	ui := NewTermUI(config.UIConfig{}, "", staticSource{})
	_, cmd := bubbleModel{ui: ui}.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
}
