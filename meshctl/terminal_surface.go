package main

import (
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"golang.org/x/term"
	"gonum.org/v1/gonum/spatial/r2"

	"github.com/mindmesh/mindmesh/mesh"
)

// layout units per terminal cell
// cells are about twice as tall as they are wide
const CellWidth = 10.0
const CellHeight = 20.0

const DefaultColumns = 80
const DefaultRows = 24

const LabelLength = 16

var userColors = []color.Attribute{
	color.FgCyan,
	color.FgGreen,
	color.FgYellow,
	color.FgMagenta,
	color.FgBlue,
	color.FgRed,
}

// renders frames as ascii art on a terminal
// the bottom line is a status line
type TerminalSurface struct {
	out io.Writer
	fd  int

	minRenderInterval time.Duration

	stateLock  sync.Mutex
	status     string
	colors     map[string]*color.Color
	lastRender time.Time
}

func NewTerminalSurface(out io.Writer, fd int) *TerminalSurface {
	return &TerminalSurface{
		out:               out,
		fd:                fd,
		minRenderInterval: 100 * time.Millisecond,
		colors:            map[string]*color.Color{},
	}
}

func (self *TerminalSurface) size() (columns int, rows int) {
	columns, rows, err := term.GetSize(self.fd)
	if err != nil || columns <= 0 || rows <= 0 {
		return DefaultColumns, DefaultRows
	}
	return
}

func (self *TerminalSurface) Viewport() (float64, float64) {
	columns, rows := self.size()
	return float64(columns) * CellWidth, float64(rows-1) * CellHeight
}

func (self *TerminalSurface) SetStatus(status string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.status = status
}

// users keep the color of first sight
func (self *TerminalSurface) userColor(user string) *color.Color {
	c, ok := self.colors[user]
	if !ok {
		c = color.New(userColors[len(self.colors)%len(userColors)])
		self.colors[user] = c
	}
	return c
}

func (self *TerminalSurface) Render(frame *mesh.Frame) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	now := time.Now()
	if !frame.Stopped && now.Sub(self.lastRender) < self.minRenderInterval {
		return
	}
	self.lastRender = now

	columns, rows := self.size()
	fmt.Fprint(self.out, "\033[H\033[2J")
	fmt.Fprint(self.out, self.draw(frame, columns, rows-1))
	connection := "-"
	if frame.ConnectionId != (mesh.Id{}) {
		connection = frame.ConnectionId.Short()
	}
	fmt.Fprintf(
		self.out,
		"%s | conn %s | nodes %d links %d alpha %.3f",
		self.status,
		connection,
		len(frame.Nodes),
		len(frame.Links),
		frame.Alpha,
	)
}

// heavier glyphs for more similar links, as stroke width 1 + 2*similarity
func linkGlyph(similarity float64) string {
	width := 1 + 2*similarity
	switch {
	case width < 1.8:
		return "."
	case width < 2.4:
		return ":"
	default:
		return "#"
	}
}

// the graph as `rows` lines of `columns` cells
func (self *TerminalSurface) draw(frame *mesh.Frame, columns int, rows int) string {
	if columns <= 0 || rows <= 0 {
		return ""
	}
	cells := make([][]string, rows)
	for i := range cells {
		cells[i] = make([]string, columns)
		for j := range cells[i] {
			cells[i][j] = " "
		}
	}
	set := func(x float64, y float64, s string) (int, int, bool) {
		column := int(math.Floor(x / CellWidth))
		row := int(math.Floor(y / CellHeight))
		if column < 0 || columns <= column || row < 0 || rows <= row {
			return 0, 0, false
		}
		cells[row][column] = s
		return row, column, true
	}

	for _, link := range frame.Links {
		glyph := linkGlyph(link.Similarity)
		d := r2.Sub(link.TargetPos, link.SourcePos)
		steps := int(math.Max(math.Abs(d.X)/CellWidth, math.Abs(d.Y)/CellHeight))
		for i := 1; i < steps; i += 1 {
			p := r2.Add(link.SourcePos, r2.Scale(float64(i)/float64(steps), d))
			set(p.X, p.Y, glyph)
		}
	}

	for _, node := range frame.Nodes {
		c := self.userColor(node.User)
		glyph := "o"
		if node.Pinned() {
			glyph = "@"
		}
		row, column, ok := set(node.Pos.X, node.Pos.Y, c.Sprint(glyph))
		if !ok {
			continue
		}
		label := []rune(strings.TrimSpace(node.Text))
		if LabelLength < len(label) {
			label = append(label[:LabelLength-1], '~')
		}
		for i, r := range label {
			labelColumn := column + 2 + i
			if columns <= labelColumn {
				break
			}
			cells[row][labelColumn] = c.Sprint(string(r))
		}
	}

	var b strings.Builder
	for _, line := range cells {
		b.WriteString(strings.Join(line, ""))
		b.WriteString("\n")
	}
	return b.String()
}
