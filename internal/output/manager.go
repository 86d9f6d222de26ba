package output

import (
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/term"

	"github.com/tanq16/segget/internal/engine"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusWarning Status = "warning"
	StatusSuccess Status = "success"
	StatusStopped Status = "stopped"
	StatusError   Status = "error"
)

type DownloadOutput struct {
	ID          int
	Label       string
	Status      Status
	Message     string
	StreamLines []string
	Complete    bool
	StartTime   time.Time
	LastUpdated time.Time
	Error       error
}

type ErrorReport struct {
	Label string
	Error error
	Time  time.Time
}

type Manager struct {
	w           io.Writer
	interactive bool
	outputs     map[int]*DownloadOutput
	mutex       sync.RWMutex
	numLines    int
	count       int
	errors      []ErrorReport
	displayTick time.Duration
	doneCh      chan struct{}
	displayWg   sync.WaitGroup
}

// NewManager renders to stdout, redrawing in place when it is a terminal.
func NewManager() *Manager {
	return NewManagerWithWriter(os.Stdout, term.IsTerminal(int(os.Stdout.Fd())))
}

func NewManagerWithWriter(w io.Writer, interactive bool) *Manager {
	return &Manager{
		w:           w,
		interactive: interactive,
		outputs:     make(map[int]*DownloadOutput),
		displayTick: 300 * time.Millisecond,
		doneCh:      make(chan struct{}),
	}
}

func (m *Manager) Register(label string) int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.count++
	now := time.Now()
	m.outputs[m.count] = &DownloadOutput{
		ID:          m.count,
		Label:       label,
		Status:      StatusPending,
		StartTime:   now,
		LastUpdated: now,
	}
	return m.count
}

func (m *Manager) with(id int, fn func(o *DownloadOutput)) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if o, ok := m.outputs[id]; ok {
		fn(o)
		o.LastUpdated = time.Now()
	}
}

func (m *Manager) SetMessage(id int, message string) {
	m.with(id, func(o *DownloadOutput) { o.Message = message })
}

func (m *Manager) SetStatus(id int, status Status) {
	m.with(id, func(o *DownloadOutput) { o.Status = status })
}

func (m *Manager) GetStatus(id int) Status {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if o, ok := m.outputs[id]; ok {
		return o.Status
	}
	return ""
}

// Update renders an engine snapshot into the download's status and stream lines.
func (m *Manager) Update(id int, snap engine.Snapshot) {
	m.with(id, func(o *DownloadOutput) {
		if o.Complete {
			return
		}
		switch snap.State {
		case engine.StateRetrying:
			o.Status = StatusWarning
			o.Message = fmt.Sprintf("Retrying %s in %s (%v)", snap.Target, snap.Delay.Round(time.Millisecond), snap.Err)
		case engine.StateDownloading:
			o.Status = StatusActive
			o.Message = "Downloading " + snap.Target
		}
		o.StreamLines = progressLines(snap)
	})
}

func (m *Manager) Complete(id int, message string) {
	m.finish(id, StatusSuccess, message, nil)
}

func (m *Manager) Stopped(id int, message string) {
	m.finish(id, StatusStopped, message, nil)
}

func (m *Manager) ReportError(id int, err error) {
	m.finish(id, StatusError, fmt.Sprintf("Failed %v", err), err)
}

func (m *Manager) finish(id int, status Status, message string, err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	o, ok := m.outputs[id]
	if !ok {
		return
	}
	o.Status = status
	o.Message = message
	o.Error = err
	o.Complete = true
	o.StreamLines = nil
	o.LastUpdated = time.Now()
	if err != nil {
		m.errors = append(m.errors, ErrorReport{Label: o.Label, Error: err, Time: o.LastUpdated})
	}
	if !m.interactive {
		fmt.Fprintln(m.w, m.headline(o))
	}
}

func (m *Manager) indicator(status Status) string {
	switch status {
	case StatusSuccess:
		return successStyle.Render(StyleSymbols["pass"])
	case StatusError:
		return errorStyle.Render(StyleSymbols["fail"])
	case StatusWarning, StatusStopped:
		return warningStyle.Render(StyleSymbols["warning"])
	case StatusPending:
		return pendingStyle.Render(StyleSymbols["pending"])
	default:
		return infoStyle.Render(StyleSymbols["bullet"])
	}
}

func (m *Manager) headline(o *DownloadOutput) string {
	elapsed := time.Since(o.StartTime).Round(time.Second)
	if o.Complete {
		elapsed = o.LastUpdated.Sub(o.StartTime).Round(time.Second)
	}
	var message string
	switch o.Status {
	case StatusSuccess:
		message = successStyle.Render(o.Message)
	case StatusError:
		message = errorStyle.Render(o.Message)
	case StatusWarning, StatusStopped:
		message = warningStyle.Render(o.Message)
	default:
		message = pendingStyle.Render(o.Message)
	}
	if o.Message == "" {
		message = pendingStyle.Render("Waiting...")
	}
	return fmt.Sprintf("  %s %s %s", m.indicator(o.Status), debugStyle.Render(elapsed.String()), message)
}

// sorted returns active downloads first, then pending, then completed, each
// in registration order.
func (m *Manager) sorted() []*DownloadOutput {
	all := make([]*DownloadOutput, 0, len(m.outputs))
	for _, o := range m.outputs {
		all = append(all, o)
	}
	rank := func(o *DownloadOutput) int {
		switch {
		case o.Complete:
			return 2
		case o.Status == StatusPending:
			return 1
		}
		return 0
	}
	sort.Slice(all, func(i, j int) bool {
		if ri, rj := rank(all[i]), rank(all[j]); ri != rj {
			return ri < rj
		}
		return all[i].ID < all[j].ID
	})
	return all
}

func (m *Manager) render(width, height int) []string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	available := max(height-3, 1)
	var lines []string
	for _, o := range m.sorted() {
		lines = append(lines, m.headline(o))
		for _, stream := range o.StreamLines {
			for _, l := range wrapText(stream, width-8) {
				lines = append(lines, "      "+streamStyle.Render(l))
			}
		}
	}
	if len(lines) > available {
		lines = lines[:available]
	}
	return lines
}

func (m *Manager) updateDisplay() {
	width, height := terminalSize()
	lines := m.render(width, height)
	if m.numLines > 0 {
		fmt.Fprintf(m.w, "\033[%dA\033[J", m.numLines)
	}
	for _, l := range lines {
		fmt.Fprintln(m.w, l)
	}
	m.numLines = len(lines)
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

// StopDisplay draws the final frame and the summary.
func (m *Manager) StopDisplay() {
	close(m.doneCh)
	m.displayWg.Wait()
	m.ShowSummary()
}

func (m *Manager) ShowSummary() {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	var success, failures, stopped int
	for _, o := range m.outputs {
		switch o.Status {
		case StatusSuccess:
			success++
		case StatusError:
			failures++
		case StatusStopped:
			stopped++
		}
	}
	fmt.Fprintln(m.w)
	fmt.Fprintln(m.w, "  "+success2Style.Render(fmt.Sprintf("Completed %d of %d", success, len(m.outputs))))
	if stopped > 0 {
		fmt.Fprintln(m.w, "  "+warningStyle.Render(fmt.Sprintf("Stopped %d of %d", stopped, len(m.outputs))))
	}
	if failures > 0 {
		fmt.Fprintln(m.w, "  "+errorStyle.Render(fmt.Sprintf("Failed %d of %d", failures, len(m.outputs))))
	}
	if len(m.errors) > 0 {
		fmt.Fprintln(m.w)
		fmt.Fprintln(m.w, "  "+errorStyle.Bold(true).Render("Errors:"))
		for i, e := range m.errors {
			fmt.Fprintf(m.w, "    %s %s %s\n", errorStyle.Render(fmt.Sprintf("%d.", i+1)),
				debugStyle.Render(fmt.Sprintf("[%s]", e.Time.Format("15:04:05"))), errorStyle.Render(e.Label))
			fmt.Fprintf(m.w, "      %s\n", errorStyle.Render(fmt.Sprintf("Error: %v", e.Error)))
		}
	}
	fmt.Fprintln(m.w)
}
