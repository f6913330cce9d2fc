package main

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
)

// rowMark flags a listed row. Marks combine.
type rowMark uint8

const (
	markBest   rowMark = 1 << iota // Lowest validation loss.
	markResume                     // Checkpoint training resumes from.
	markHead                       // Variable of the fine-tuned classification layer.
)

// String lists the checkpoint marks, like "best, resume".
func (m rowMark) String() string {
	var names []string
	if m&markBest != 0 {
		names = append(names, "best")
	}
	if m&markResume != 0 {
		names = append(names, "resume")
	}
	return strings.Join(names, ", ")
}

var (
	bestColor = lipgloss.AdaptiveColor{Light: "2", Dark: "10"}
	headColor = lipgloss.AdaptiveColor{Light: "3", Dark: "11"}

	titleStyle  = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("99"))
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true).Padding(0, 1).Align(lipgloss.Center)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

// rowStyle of a row with the given marks: the best checkpoint is green, the one training resumes from is
// bold, and the classification layer variables are yellow.
func rowStyle(marks rowMark) lipgloss.Style {
	s := cellStyle
	if marks&markBest != 0 {
		s = s.Foreground(bestColor)
	}
	if marks&markResume != 0 {
		s = s.Bold(true)
	}
	if marks&markHead != 0 {
		s = s.Foreground(headColor)
	}
	return s
}

// listing is a table of checkpoints, hyperparameters or variables, with marked rows.
type listing struct {
	table      *lgtable.Table
	marks      []rowMark
	alignments []lipgloss.Position
}

// newListing with the given column headers. Columns without an alignment take the last one given,
// or lipgloss.Left.
func newListing(headers []string, alignments ...lipgloss.Position) *listing {
	l := &listing{alignments: alignments}
	l.table = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		Headers(headers...).
		StyleFunc(l.style)
	return l
}

func (l *listing) add(marks rowMark, cells ...string) {
	l.marks = append(l.marks, marks)
	l.table.Row(cells...)
}

func (l *listing) style(row, col int) lipgloss.Style {
	s := headerStyle
	if row >= 0 && row < len(l.marks) {
		s = rowStyle(l.marks[row])
	}
	return s.Align(l.alignment(col))
}

func (l *listing) alignment(col int) lipgloss.Position {
	switch {
	case col < len(l.alignments):
		return l.alignments[col]
	case len(l.alignments) > 0:
		return l.alignments[len(l.alignments)-1]
	}
	return lipgloss.Left
}

func (l *listing) String() string { return l.table.Render() }
