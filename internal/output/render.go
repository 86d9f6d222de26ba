package output

import (
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/term"

	"github.com/tanq16/segget/internal/engine"
	"github.com/tanq16/segget/internal/utils"
)

func progressBar(current, total int64, width int) string {
	if width <= 0 {
		width = 30
	}
	if total <= 0 {
		total = 1
	}
	current = max(0, min(current, total))
	percent := float64(current) / float64(total)
	filled := max(0, min(int(percent*float64(width)), width))
	bar := StyleSymbols["bullet"] + strings.Repeat(StyleSymbols["hline"], filled) + strings.Repeat(" ", width-filled) + StyleSymbols["bullet"]
	return debugStyle.Render(fmt.Sprintf("%s %.1f%% %s ", bar, percent*100, StyleSymbols["bullet"]))
}

// progressLines renders the stream lines of one download: a bar (or a byte
// counter when the size is unknown) and, in multipart mode, segment totals.
func progressLines(snap engine.Snapshot) []string {
	speed := utils.FormatSpeed(snap.Speed)
	var line string
	if snap.Total > 0 {
		line = fmt.Sprintf("%s%s %s %s", progressBar(snap.Count, snap.Total, 30),
			debugStyle.Render(fmt.Sprintf("%s / %s", utils.FormatBytes(uint64(snap.Count)), utils.FormatBytes(uint64(snap.Total)))),
			StyleSymbols["bullet"], debugStyle.Render(speed))
	} else {
		line = fmt.Sprintf("%s %s %s", debugStyle.Render(utils.FormatBytes(uint64(snap.Count))), StyleSymbols["bullet"], debugStyle.Render(speed))
	}
	lines := []string{line}
	if snap.Multipart() {
		var done, retrying int
		for _, seg := range snap.Segments {
			switch seg.State {
			case engine.StateDone:
				done++
			case engine.StateRetrying:
				retrying++
			}
		}
		summary := fmt.Sprintf("segments %d/%d done", done, len(snap.Segments))
		if retrying > 0 {
			summary += fmt.Sprintf(", %d retrying", retrying)
		}
		lines = append(lines, summary)
	}
	return lines
}

func terminalSize() (int, int) {
	width, height, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 || height <= 0 {
		return 80, 24
	}
	return width, height
}

func wrapText(text string, width int) []string {
	if width <= 10 {
		width = 80
	}
	if utf8.RuneCountInString(text) <= width {
		return []string{text}
	}
	var lines []string
	var current strings.Builder
	n := 0
	for _, r := range text {
		if n == width {
			lines = append(lines, current.String())
			current.Reset()
			n = 0
		}
		current.WriteRune(r)
		n++
	}
	if current.Len() > 0 {
		lines = append(lines, current.String())
	}
	return lines
}
