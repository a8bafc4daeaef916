// Package console serializes operator-facing output. Lines from the prompt,
// the transport callback and the hook worker never interleave mid-line.
package console

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

type Console struct {
	mu      sync.Mutex
	out     io.Writer
	success lipgloss.Style
	failure lipgloss.Style
	warn    lipgloss.Style
	info    lipgloss.Style
	header  lipgloss.Style
	dim     lipgloss.Style
	banner  lipgloss.Style
	cell    lipgloss.Style
}

// New styles output for out. When out is not a terminal the renderer falls
// back to plain text, which keeps captured output readable.
func New(out io.Writer) *Console {
	r := lipgloss.NewRenderer(out)
	return &Console{
		out:     out,
		success: r.NewStyle().Foreground(lipgloss.Color("42")),
		failure: r.NewStyle().Foreground(lipgloss.Color("196")),
		warn:    r.NewStyle().Foreground(lipgloss.Color("214")),
		info:    r.NewStyle().Foreground(lipgloss.Color("39")),
		header:  r.NewStyle().Bold(true).Foreground(lipgloss.Color("63")),
		dim:     r.NewStyle().Foreground(lipgloss.Color("247")),
		banner:  r.NewStyle().Bold(true).Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(0, 1),
		cell:    r.NewStyle().Padding(0, 1),
	}
}

func (c *Console) write(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = io.WriteString(c.out, s)
}

func (c *Console) line(style lipgloss.Style, prefix, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if prefix != "" {
		msg = prefix + " " + msg
	}
	c.write(style.Render(msg) + "\n")
}

func (c *Console) Printf(format string, args ...any) {
	c.write(fmt.Sprintf(format, args...))
}

func (c *Console) Println(args ...any) {
	c.write(fmt.Sprintln(args...))
}

func (c *Console) Success(format string, args ...any) { c.line(c.success, "[ok]", format, args...) }
func (c *Console) Error(format string, args ...any)   { c.line(c.failure, "[x]", format, args...) }
func (c *Console) Warn(format string, args ...any)    { c.line(c.warn, "[!]", format, args...) }
func (c *Console) Info(format string, args ...any)    { c.line(c.info, "", format, args...) }
func (c *Console) Dim(format string, args ...any)     { c.line(c.dim, "", format, args...) }

func (c *Console) Header(title string) {
	c.write("\n" + c.header.Render(title) + "\n" + c.dim.Render(strings.Repeat("-", max(len(title), 20))) + "\n")
}

// Banner draws a boxed block, used for visual notifications.
func (c *Console) Banner(lines ...string) {
	c.write(c.banner.Render(strings.Join(lines, "\n")) + "\n")
}

// Table renders rows under headers with a light border.
func (c *Console) Table(headers []string, rows [][]string) {
	head := c.header.Padding(0, 1)
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(c.dim).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return head
			}
			return c.cell
		}).
		Headers(headers...).
		Rows(rows...)
	c.write(t.Render() + "\n")
}

// Raw writes s unstyled, e.g. control characters.
func (c *Console) Raw(s string) {
	c.write(s)
}

func (c *Console) Clear() {
	c.write("\033[H\033[2J")
}

// Writer returns an io.Writer that goes through the console lock.
func (c *Console) Writer() io.Writer {
	return writerFunc(func(p []byte) (int, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.out.Write(p)
	})
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
