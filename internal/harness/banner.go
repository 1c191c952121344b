package harness

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

const (
	bannerTitle = "=== FOUND AUTH URL ==="
	bannerRule  = "======================"
)

// InteractiveInstructions follow the banner when the operator types the code.
var InteractiveInstructions = []string{
	"Please open the URL above in your browser,",
	"complete authentication, and paste the code here:",
}

// PresuppliedInstructions follow the banner when the code is configured.
var PresuppliedInstructions = []string{
	"A verification code was supplied in advance and will be entered automatically.",
}

// Banner renders operator-facing notices into the transcript.
type Banner struct {
	out          io.Writer
	title        lipgloss.Style
	url          lipgloss.Style
	muted        lipgloss.Style
	instructions []string
}

// NewBanner writes to out. Styling is dropped unless color is true.
func NewBanner(out io.Writer, color bool, instructions []string) *Banner {
	renderer := lipgloss.NewRenderer(out)
	if !color {
		renderer.SetColorProfile(termenv.Ascii)
	}
	if len(instructions) == 0 {
		instructions = InteractiveInstructions
	}
	return &Banner{
		out:          out,
		title:        renderer.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF9900")),
		url:          renderer.NewStyle().Underline(true).Foreground(lipgloss.Color("#99CCFF")),
		muted:        renderer.NewStyle().Faint(true),
		instructions: append([]string(nil), instructions...),
	}
}

// URL announces an extracted auth URL.
func (b *Banner) URL(url string) {
	if b == nil || b.out == nil {
		return
	}
	var sb strings.Builder
	sb.WriteString("\n")
	sb.WriteString(b.title.Render(bannerTitle))
	sb.WriteString("\nURL: ")
	sb.WriteString(b.url.Render(url))
	sb.WriteString("\n")
	sb.WriteString(b.title.Render(bannerRule))
	sb.WriteString("\n\n")
	for _, line := range b.instructions {
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	_, _ = io.WriteString(b.out, sb.String())
}

// Exit reports the child's exit code.
func (b *Banner) Exit(code int) {
	if b == nil || b.out == nil {
		return
	}
	_, _ = fmt.Fprintf(b.out, "\n%s\n", b.muted.Render(fmt.Sprintf("Process exited with code: %d", code)))
}

// Notice writes a one-line operator message.
func (b *Banner) Notice(message string) {
	if b == nil || b.out == nil {
		return
	}
	_, _ = fmt.Fprintf(b.out, "\n%s\n", b.title.Render(message))
}
