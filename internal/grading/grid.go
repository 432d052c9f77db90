// Package grading holds the answer sheet geometry and the scoring rules.
// Region coordinates are expressed as percentages of the sheet so one grid
// serves any aligned output resolution.
package grading

import (
	"github.com/pkg/errors"

	"github.com/scanalign/scanalign/internal/common/scanerrors"
	"github.com/scanalign/scanalign/internal/vision"
)

const (
	TotalQuestions     = 45
	OptionsPerQuestion = 5
)

type GridColumn struct {
	// First and last question in the column, inclusive, 1-indexed.
	Start int
	End   int
	// Top left of the column's first bubble, percent of sheet size.
	StartX float64
	StartY float64
}

// GridConfig describes the bubble layout of the sheet. All lengths are
// percentages of the sheet dimensions.
type GridConfig struct {
	HorizontalSpacing float64
	VerticalSpacing   float64
	MarkerWidth       float64
	MarkerHeight      float64
	Columns           []GridColumn
}

// DefaultGrid matches the standard 45 question, 5 option sheet with three
// answer columns.
func DefaultGrid() GridConfig {
	return GridConfig{
		HorizontalSpacing: 1.48,
		VerticalSpacing:   3.76,
		MarkerWidth:       1.4,
		MarkerHeight:      2.0,
		Columns: []GridColumn{
			{Start: 1, End: 20, StartX: 59.4, StartY: 17.92},
			{Start: 21, End: 34, StartX: 72.4, StartY: 17.92},
			{Start: 35, End: 45, StartX: 84.5, StartY: 17.92},
		},
	}
}

// BubbleRegion returns the pixel region of one option bubble on a sheet of
// the given size. question is 1-indexed within [1, TotalQuestions], option
// within [1, OptionsPerQuestion].
func (g GridConfig) BubbleRegion(width, height, question, option int) (vision.Region, error) {
	var column *GridColumn
	for i := range g.Columns {
		if g.Columns[i].Start <= question && question <= g.Columns[i].End {
			column = &g.Columns[i]
			break
		}
	}
	if column == nil {
		return vision.Region{}, errors.WithStack(&scanerrors.ErrInvalidArgument{
			Name:    "question",
			Value:   question,
			Message: "outside the sheet's question range",
		})
	}
	if option < 1 || option > OptionsPerQuestion {
		return vision.Region{}, errors.WithStack(&scanerrors.ErrInvalidArgument{
			Name:    "option",
			Value:   option,
			Message: "outside the sheet's option range",
		})
	}

	indexInColumn := question - column.Start
	xPercent := column.StartX + float64(option-1)*g.HorizontalSpacing
	yPercent := column.StartY + float64(indexInColumn)*g.VerticalSpacing

	return vision.Region{
		X:      int(xPercent * float64(width) / 100),
		Y:      int(yPercent * float64(height) / 100),
		Width:  int(g.MarkerWidth * float64(width) / 100),
		Height: int(g.MarkerHeight * float64(height) / 100),
	}, nil
}

// Regions returns the full ordered region list for a sheet of the given
// size: question major, option minor. The ordering contract is what lets
// densities measured in batches be reassembled into answers.
func (g GridConfig) Regions(width, height int) ([]vision.Region, error) {
	regions := make([]vision.Region, 0, TotalQuestions*OptionsPerQuestion)
	for question := 1; question <= TotalQuestions; question++ {
		for option := 1; option <= OptionsPerQuestion; option++ {
			region, err := g.BubbleRegion(width, height, question, option)
			if err != nil {
				return nil, err
			}
			regions = append(regions, region)
		}
	}
	return regions, nil
}
