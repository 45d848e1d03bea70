package output

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/term"
)

// DownloadLine is one tracked transfer in the live display.
type DownloadLine struct {
	SessionID   string
	URL         string
	Status      string
	Message     string
	Progress    string
	Complete    bool
	StartTime   time.Time
	LastUpdated time.Time
	Err         error
	Index       int
}

type failureRecord struct {
	url  string
	err  error
	when time.Time
}

// Manager renders the multi-download console display. All methods are safe
// for concurrent use; the display goroutine repaints on a fixed tick.
type Manager struct {
	mu          sync.RWMutex
	lines       map[string]*DownloadLine
	failures    []failureRecord
	numLines    int
	nextIndex   int
	doneCh      chan struct{}
	displayTick time.Duration
	displayWg   sync.WaitGroup
}

func NewManager() *Manager {
	return &Manager{
		lines:       make(map[string]*DownloadLine),
		doneCh:      make(chan struct{}),
		displayTick: 300 * time.Millisecond,
	}
}

// Track registers a session for display. Safe to call before the session
// has resolved; the line shows as pending until the first update.
func (m *Manager) Track(sessionID, url string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.lines[sessionID]; exists {
		return
	}
	m.nextIndex++
	m.lines[sessionID] = &DownloadLine{
		SessionID:   sessionID,
		URL:         url,
		Status:      "pending",
		StartTime:   time.Now(),
		LastUpdated: time.Now(),
		Index:       m.nextIndex,
	}
}

func (m *Manager) SetStatus(sessionID, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if line, exists := m.lines[sessionID]; exists {
		line.Status = status
		line.LastUpdated = time.Now()
	}
}

func (m *Manager) SetMessage(sessionID, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if line, exists := m.lines[sessionID]; exists {
		line.Message = message
		line.LastUpdated = time.Now()
	}
}

// Progress updates the live transfer readout for a session. A negative
// total renders a size-unknown stream counter.
func (m *Manager) Progress(sessionID string, downloaded, total int64, bytesPerSec float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if line, exists := m.lines[sessionID]; exists {
		line.Status = "active"
		line.Progress = ProgressLine(downloaded, total, bytesPerSec)
		line.LastUpdated = time.Now()
	}
}

func (m *Manager) Complete(sessionID, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if line, exists := m.lines[sessionID]; exists {
		line.Progress = ""
		if message == "" {
			message = fmt.Sprintf("Completed %s", line.URL)
		}
		line.Message = message
		line.Complete = true
		line.Status = "completed"
		line.LastUpdated = time.Now()
	}
}

func (m *Manager) Paused(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if line, exists := m.lines[sessionID]; exists {
		line.Progress = ""
		line.Message = fmt.Sprintf("Paused %s", line.URL)
		line.Complete = true
		line.Status = "paused"
		line.LastUpdated = time.Now()
	}
}

func (m *Manager) Failed(sessionID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if line, exists := m.lines[sessionID]; exists {
		line.Progress = ""
		line.Complete = true
		line.Status = "failed"
		line.Err = err
		line.LastUpdated = time.Now()
		m.failures = append(m.failures, failureRecord{url: line.URL, err: err, when: time.Now()})
	}
}

func (m *Manager) statusIndicator(status string) string {
	switch status {
	case "completed":
		return successStyle.Render(StyleSymbols["pass"])
	case "failed":
		return errorStyle.Render(StyleSymbols["fail"])
	case "paused", "cancelled":
		return warningStyle.Render(StyleSymbols["warning"])
	case "pending":
		return pendingStyle.Render(StyleSymbols["pending"])
	default:
		return infoStyle.Render(StyleSymbols["bullet"])
	}
}

func (m *Manager) sortLines() (active, pending, done []*DownloadLine) {
	var all []*DownloadLine
	for _, line := range m.lines {
		all = append(all, line)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].Index < all[j].Index
	})
	for _, l := range all {
		switch {
		case l.Complete:
			done = append(done, l)
		case l.Status == "pending":
			pending = append(pending, l)
		default:
			active = append(active, l)
		}
	}
	return active, pending, done
}

func (m *Manager) renderLine(l *DownloadLine, elapsed time.Duration) int {
	indicator := m.statusIndicator(l.Status)
	var styled string
	switch l.Status {
	case "completed":
		styled = successStyle.Render(l.Message)
	case "failed":
		styled = errorStyle.Render(fmt.Sprintf("Failed %s: %v", l.URL, l.Err))
	case "paused":
		styled = warningStyle.Render(l.Message)
	default:
		styled = pendingStyle.Render(l.Message)
	}
	fmt.Printf("  %s %s %s\n", indicator, debugStyle.Render(elapsed.String()), styled)
	count := 1
	if l.Progress != "" {
		fmt.Printf("      %s\n", l.Progress)
		count++
	}
	return count
}

func (m *Manager) updateDisplay() {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, termHeight, _ := term.GetSize(int(os.Stdout.Fd()))
	if termHeight <= 0 {
		termHeight = 24
	}
	availableLines := termHeight - 3

	if m.numLines > 0 {
		fmt.Printf("\033[%dA\033[J", m.numLines)
	}

	lineCount := 0
	active, pending, done := m.sortLines()

	// Completed lines give way to in-flight ones when space runs out.
	needed := 2*len(active) + len(pending) + len(done)
	if needed > availableLines {
		maxDone := availableLines - (needed - len(done))
		if maxDone < 0 {
			maxDone = 0
		}
		if len(done) > maxDone {
			done = done[len(done)-maxDone:]
		}
	}

	for _, l := range active {
		if lineCount >= availableLines {
			break
		}
		lineCount += m.renderLine(l, time.Since(l.StartTime).Round(time.Second))
	}
	for _, l := range pending {
		if lineCount >= availableLines {
			break
		}
		fmt.Printf("  %s %s\n", m.statusIndicator(l.Status), pendingStyle.Render("Waiting..."))
		lineCount++
	}
	if len(done) > 10 && lineCount < availableLines {
		PrintInfo(fmt.Sprintf("  %d downloads settled, older ones hidden ...", len(done)-8))
		done = done[len(done)-8:]
		lineCount++
	}
	for _, l := range done {
		if lineCount >= availableLines {
			break
		}
		lineCount += m.renderLine(l, l.LastUpdated.Sub(l.StartTime).Round(time.Second))
	}
	m.numLines = lineCount
}

func (m *Manager) StartDisplay() {
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
				m.ShowSummary()
				return
			}
		}
	}()
}

func (m *Manager) StopDisplay() {
	close(m.doneCh)
	m.displayWg.Wait()
}

func (m *Manager) displayFailures() {
	if len(m.failures) == 0 {
		return
	}
	fmt.Println()
	fmt.Println("  " + errorStyle.Bold(true).Render("Failures:"))
	for i, f := range m.failures {
		fmt.Printf("    %s %s %s\n",
			errorStyle.Render(fmt.Sprintf("%d.", i+1)),
			debugStyle.Render(fmt.Sprintf("[%s]", f.when.Format("15:04:05"))),
			errorStyle.Render(f.url))
		for _, line := range wrapText(fmt.Sprintf("Error: %v", f.err), 6) {
			fmt.Printf("      %s\n", errorStyle.Render(line))
		}
	}
}

func (m *Manager) ShowSummary() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fmt.Println()
	var completed, failed, paused int
	for _, line := range m.lines {
		switch line.Status {
		case "completed":
			completed++
		case "failed":
			failed++
		case "paused":
			paused++
		}
	}
	fmt.Println("  " + successStyle.Render(fmt.Sprintf("Completed %d of %d", completed, len(m.lines))))
	if paused > 0 {
		fmt.Println("  " + warningStyle.Render(fmt.Sprintf("Paused %d of %d", paused, len(m.lines))))
	}
	if failed > 0 {
		fmt.Println("  " + errorStyle.Render(fmt.Sprintf("Failed %d of %d", failed, len(m.lines))))
	}
	m.displayFailures()
	fmt.Println()
}
