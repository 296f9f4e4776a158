package output

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
)

const barWidth = 30

// ProgressBar renders a bar with a percentage when total is known. Live
// downloads have no total, so a marker sweeps the bar as bytes arrive.
func ProgressBar(current, total int64, width int) string {
	if width <= 0 {
		width = barWidth
	}
	current = max(0, current)
	cells := make([]string, width)
	for i := range cells {
		cells[i] = " "
	}
	label := ""
	if total > 0 {
		percent := float64(min(current, total)) / float64(total)
		for i := range min(int(percent*float64(width)), width) {
			cells[i] = StyleSymbols["hline"]
		}
		label = fmt.Sprintf("%.1f%%", percent*100)
	} else {
		// one cell per MiB
		cells[int(current>>20)%width] = StyleSymbols["hline"]
		label = "live"
	}
	bar := StyleSymbols["bullet"] + strings.Join(cells, "") + StyleSymbols["bullet"]
	return debugStyle.Render(fmt.Sprintf("%s %s %s ", bar, label, StyleSymbols["bullet"]))
}

// terminalSize falls back to 80x24 when stdout is not a terminal.
func terminalSize() (width, height int) {
	width, height, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 || height <= 0 {
		return 80, 24
	}
	return width, height
}

// wrapText splits text into lines that fit the terminal after indent columns.
func wrapText(text string, indent int) []string {
	width, _ := terminalSize()
	limit := width - indent - 2
	if limit <= 10 {
		limit = 80
	}
	runes := []rune(text)
	var lines []string
	for len(runes) > limit {
		lines = append(lines, string(runes[:limit]))
		runes = runes[limit:]
	}
	return append(lines, string(runes))
}
