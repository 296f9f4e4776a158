package output

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tanq16/fragdl/internal/engine"
	"github.com/tanq16/fragdl/internal/utils"
	"golang.org/x/term"
)

type FunctionOutput struct {
	ID          int
	Name        string
	Status      string
	Message     string
	StreamLines []string
	Complete    bool
	StartTime   time.Time
	LastUpdated time.Time
	Error       error
}

type ErrorReport struct {
	FunctionName string
	Error        error
	Time         time.Time
}

// Manager renders one line per download, with a progress bar underneath
// while it transfers. Without a terminal nothing is redrawn and only the
// summary is printed.
type Manager struct {
	outputs       map[int]*FunctionOutput
	mutex         sync.RWMutex
	out           io.Writer
	interactive   bool
	numLines      int
	maxStreams    int
	errors        []ErrorReport
	doneCh        chan struct{}
	displayTick   time.Duration
	functionCount int
	displayWg     sync.WaitGroup
}

func NewManager() *Manager {
	return &Manager{
		outputs:     make(map[int]*FunctionOutput),
		out:         os.Stdout,
		interactive: term.IsTerminal(int(os.Stdout.Fd())),
		maxStreams:  10,
		doneCh:      make(chan struct{}),
		displayTick: 300 * time.Millisecond,
	}
}

func (m *Manager) RegisterFunction(name string) int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.functionCount++
	m.outputs[m.functionCount] = &FunctionOutput{
		ID:          m.functionCount,
		Name:        name,
		Status:      "pending",
		StreamLines: []string{},
		StartTime:   time.Now(),
		LastUpdated: time.Now(),
	}
	return m.functionCount
}

func (m *Manager) update(id int, f func(info *FunctionOutput)) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if info, exists := m.outputs[id]; exists {
		f(info)
		info.LastUpdated = time.Now()
	}
}

func (m *Manager) SetMessage(id int, message string) {
	m.update(id, func(info *FunctionOutput) { info.Message = message })
}

func (m *Manager) SetStatus(id int, status string) {
	m.update(id, func(info *FunctionOutput) { info.Status = status })
}

func (m *Manager) GetStatus(id int) string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if info, exists := m.outputs[id]; exists {
		return info.Status
	}
	return "unknown"
}

func (m *Manager) Complete(id int, message string) {
	m.update(id, func(info *FunctionOutput) {
		info.StreamLines = []string{}
		if message == "" {
			info.Message = fmt.Sprintf("Completed %s", info.Name)
		} else {
			info.Message = message
		}
		info.Complete = true
		info.Status = "success"
	})
}

// Warn completes a function whose result is usable but incomplete.
func (m *Manager) Warn(id int, message string) {
	m.update(id, func(info *FunctionOutput) {
		info.StreamLines = []string{}
		info.Message = message
		info.Complete = true
		info.Status = "warning"
	})
}

func (m *Manager) ReportError(id int, err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if info, exists := m.outputs[id]; exists {
		info.Complete = true
		info.Status = "error"
		info.Error = err
		info.StreamLines = []string{}
		info.LastUpdated = time.Now()
		m.errors = append(m.errors, ErrorReport{
			FunctionName: info.Name,
			Error:        err,
			Time:         time.Now(),
		})
	}
}

func (m *Manager) AddStreamLine(id int, line string) {
	m.update(id, func(info *FunctionOutput) {
		info.StreamLines = append(info.StreamLines, wrapText(line, 2+4)...)
		if len(info.StreamLines) > m.maxStreams {
			info.StreamLines = info.StreamLines[len(info.StreamLines)-m.maxStreams:]
		}
	})
}

// SetProgress replaces the stream lines with a progress bar.
func (m *Manager) SetProgress(id int, current, total int64, text string) {
	line := ProgressBar(current, total, barWidth) + debugStyle.Render(text)
	m.update(id, func(info *FunctionOutput) {
		info.StreamLines = []string{line}
	})
}

// Hook reports engine progress of one download on function id.
func (m *Manager) Hook(id int) engine.ProgressHook {
	return func(p engine.Progress) {
		switch p.Status {
		case engine.StatusDownloading:
			m.SetStatus(id, "pending")
			m.SetProgress(id, p.DownloadedBytes, progressTotal(p), ProgressText(p))
		case engine.StatusProcessing:
			m.update(id, func(info *FunctionOutput) {
				info.StreamLines = []string{}
				info.Message = fmt.Sprintf("Processing %s", info.Name)
			})
			m.AddStreamLine(id, fmt.Sprintf("%s downloaded in %s, post-processing", utils.FormatBytes(p.DownloadedBytes), utils.FormatETA(p.Elapsed)))
		}
	}
}

func progressTotal(p engine.Progress) int64 {
	if p.TotalBytes > 0 {
		return p.TotalBytes
	}
	return p.TotalBytesEstimate
}

// ProgressText is the line printed next to the bar, e.g.
// "12.3 MB of ~40 MB • 2.1 MB/s • ETA 00:13 • frag 12/40".
func ProgressText(p engine.Progress) string {
	parts := []string{utils.FormatBytes(p.DownloadedBytes)}
	switch {
	case p.TotalBytes > 0:
		parts[0] += " of " + utils.FormatBytes(p.TotalBytes)
	case p.TotalBytesEstimate > 0:
		parts[0] += " of ~" + utils.FormatBytes(p.TotalBytesEstimate)
	}
	parts = append(parts, utils.FormatSpeed(p.Speed))
	if p.ETA >= 0 {
		parts = append(parts, "ETA "+utils.FormatETA(p.ETA))
	}
	if p.FragmentCount > 0 {
		parts = append(parts, fmt.Sprintf("frag %d/%d", p.FragmentIndex, p.FragmentCount))
	} else if p.FragmentIndex > 0 {
		parts = append(parts, fmt.Sprintf("frag %d", p.FragmentIndex))
	}
	return strings.Join(parts, " "+StyleSymbols["bullet"]+" ")
}

func (m *Manager) GetStatusIndicator(status string) string {
	switch status {
	case "success", "pass":
		return successStyle.Render(StyleSymbols["pass"])
	case "error", "fail":
		return errorStyle.Render(StyleSymbols["fail"])
	case "warning":
		return warningStyle.Render(StyleSymbols["warning"])
	case "pending":
		return pendingStyle.Render(StyleSymbols["pending"])
	default:
		return infoStyle.Render(StyleSymbols["bullet"])
	}
}

func styleMessage(status, message string) string {
	switch status {
	case "success":
		return successStyle.Render(message)
	case "error":
		return errorStyle.Render(message)
	case "warning":
		return warningStyle.Render(message)
	default:
		return pendingStyle.Render(message)
	}
}

func (m *Manager) sortFunctions() (active, pending, completed []*FunctionOutput) {
	var allFuncs []*FunctionOutput
	for _, info := range m.outputs {
		allFuncs = append(allFuncs, info)
	}
	sort.Slice(allFuncs, func(i, j int) bool {
		return allFuncs[i].ID < allFuncs[j].ID
	})
	for _, f := range allFuncs {
		if f.Complete {
			completed = append(completed, f)
		} else if f.Status == "pending" && f.Message == "" {
			pending = append(pending, f)
		} else {
			active = append(active, f)
		}
	}
	return active, pending, completed
}

// render writes the whole board and returns the number of lines used.
func (m *Manager) render(w io.Writer, availableLines int) int {
	lineCount := 0
	activeFuncs, pendingFuncs, completedFuncs := m.sortFunctions()

	totalNeeded := len(completedFuncs)
	for _, f := range activeFuncs {
		totalNeeded += 1 + len(f.StreamLines)
	}
	totalNeeded += len(pendingFuncs)
	if totalNeeded > availableLines {
		maxCompleted := max(availableLines-(totalNeeded-len(completedFuncs)), 0)
		if len(completedFuncs) > maxCompleted {
			completedFuncs = completedFuncs[len(completedFuncs)-maxCompleted:]
		}
	}

	streams := func(info *FunctionOutput) {
		indent := strings.Repeat(" ", 2+4)
		for _, line := range info.StreamLines {
			if lineCount >= availableLines {
				return
			}
			fmt.Fprintf(w, "%s%s\n", indent, streamStyle.Render(line))
			lineCount++
		}
	}

	for _, info := range activeFuncs {
		if lineCount >= availableLines {
			break
		}
		elapsed := time.Since(info.StartTime).Round(time.Second)
		fmt.Fprintf(w, "%s%s %s %s\n", strings.Repeat(" ", 2), m.GetStatusIndicator(info.Status), debugStyle.Render(elapsed.String()), styleMessage(info.Status, info.Message))
		lineCount++
		streams(info)
	}
	for _, info := range pendingFuncs {
		if lineCount >= availableLines {
			break
		}
		fmt.Fprintf(w, "%s%s %s\n", strings.Repeat(" ", 2), m.GetStatusIndicator(info.Status), pendingStyle.Render("Waiting..."))
		lineCount++
	}
	if len(completedFuncs) > 10 && lineCount < availableLines {
		fmt.Fprintln(w, infoStyle.Render(fmt.Sprintf("%s%d downloads completed with varying hidden status ...", strings.Repeat(" ", 2), len(completedFuncs)-8)))
		completedFuncs = completedFuncs[len(completedFuncs)-8:]
		lineCount++
	}
	for _, info := range completedFuncs {
		if lineCount >= availableLines {
			break
		}
		totalTime := info.LastUpdated.Sub(info.StartTime).Round(time.Second)
		fmt.Fprintf(w, "%s%s %s %s\n", strings.Repeat(" ", 2), m.GetStatusIndicator(info.Status), debugStyle.Render(totalTime.String()), styleMessage(info.Status, info.Message))
		lineCount++
	}
	return lineCount
}

func (m *Manager) updateDisplay() {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, height := terminalSize()
	availableLines := height - 3
	if m.numLines > 0 {
		fmt.Fprintf(m.out, "\033[%dA\033[J", m.numLines)
	}
	m.numLines = m.render(m.out, availableLines)
}

func (m *Manager) StartDisplay() {
	if !m.interactive {
		return
	}
	m.displayWg.Add(1)
	go func() {
		defer m.displayWg.Done()
		ticker := time.NewTicker(m.displayTick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.updateDisplay()
			case <-m.doneCh:
				m.updateDisplay()
				return
			}
		}
	}()
}

// StopDisplay draws the final board and the summary.
func (m *Manager) StopDisplay() {
	close(m.doneCh)
	m.displayWg.Wait()
	if !m.interactive {
		m.mutex.RLock()
		m.render(m.out, len(m.outputs)+2)
		m.mutex.RUnlock()
	}
	m.ShowSummary()
}

func (m *Manager) displayErrors() {
	if len(m.errors) == 0 {
		return
	}
	fmt.Fprintln(m.out)
	fmt.Fprintln(m.out, strings.Repeat(" ", 2)+errorStyle.Bold(true).Render("Errors:"))
	for i, err := range m.errors {
		fmt.Fprintf(m.out, "%s%s %s %s\n",
			strings.Repeat(" ", 2+2),
			errorStyle.Render(fmt.Sprintf("%d.", i+1)),
			debugStyle.Render(fmt.Sprintf("[%s]", err.Time.Format("15:04:05"))),
			errorStyle.Render(fmt.Sprintf("Download: %s", err.FunctionName)))
		fmt.Fprintf(m.out, "%s%s\n", strings.Repeat(" ", 2+4), errorStyle.Render(fmt.Sprintf("Error: %v", err.Error)))
	}
}

// Counts returns how many functions succeeded, warned and failed.
func (m *Manager) Counts() (success, warnings, failures int) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	for _, info := range m.outputs {
		switch info.Status {
		case "success":
			success++
		case "warning":
			warnings++
		case "error":
			failures++
		}
	}
	return success, warnings, failures
}

func (m *Manager) ShowSummary() {
	success, warnings, failures := m.Counts()
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	total := len(m.outputs)
	fmt.Fprintln(m.out)
	fmt.Fprintln(m.out, strings.Repeat(" ", 2)+success2Style.Render(fmt.Sprintf("Completed %d of %d", success+warnings, total)))
	if warnings > 0 {
		fmt.Fprintln(m.out, strings.Repeat(" ", 2)+warningStyle.Render(fmt.Sprintf("Incomplete %d of %d", warnings, total)))
	}
	if failures > 0 {
		fmt.Fprintln(m.out, strings.Repeat(" ", 2)+errorStyle.Render(fmt.Sprintf("Failed %d of %d", failures, total)))
	}
	m.displayErrors()
	fmt.Fprintln(m.out)
}
