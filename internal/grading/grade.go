package grading

import (
	"math"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/scanalign/scanalign/internal/common/scanerrors"
)

// DefaultMarkThreshold is the dark pixel density above which a bubble counts
// as marked.
const DefaultMarkThreshold = 0.45

const (
	StatusCorrect = "correct"
	StatusWrong   = "wrong"
	StatusBlank   = "blank"
)

type QuestionDetail struct {
	Question int `json:"question"`
	// Marked is the detected option, 0 when the question was left blank.
	Marked        int    `json:"marked"`
	CorrectAnswer int    `json:"correctAnswer"`
	IsCorrect     bool   `json:"isCorrect"`
	Status        string `json:"status"`
}

type SheetResult struct {
	TotalScore float64          `json:"totalScore"`
	MaxScore   float64          `json:"maxScore"`
	Correct    int              `json:"correct"`
	Wrong      int              `json:"wrong"`
	Blank      int              `json:"blank"`
	Accuracy   float64          `json:"accuracy"`
	Details    []QuestionDetail `json:"details"`
}

// ValidateAnswerKey checks the key covers every question with a valid option.
func ValidateAnswerKey(answerKey []int) error {
	if len(answerKey) != TotalQuestions {
		return errors.WithStack(&scanerrors.ErrInvalidArgument{
			Name:    "answerKey",
			Value:   len(answerKey),
			Message: "the key must have one answer per question",
		})
	}
	for _, answer := range answerKey {
		if answer < 1 || answer > OptionsPerQuestion {
			return errors.WithStack(&scanerrors.ErrInvalidArgument{
				Name:    "answerKey",
				Value:   answer,
				Message: "answers must be valid options",
			})
		}
	}
	return nil
}

// DetectAnswers turns the ordered bubble densities (question major, option
// minor, as produced by GridConfig.Regions) into the marked option per
// question. A question with no density above threshold is blank (0); with
// several, the darkest bubble wins.
func DetectAnswers(densities []float64, threshold float64) ([]int, error) {
	if len(densities) != TotalQuestions*OptionsPerQuestion {
		return nil, errors.WithStack(&scanerrors.ErrInvalidArgument{
			Name:    "densities",
			Value:   len(densities),
			Message: "expected one density per bubble",
		})
	}

	answers := make([]int, TotalQuestions)
	for question := 1; question <= TotalQuestions; question++ {
		base := (question - 1) * OptionsPerQuestion

		marked := 0
		markedCount := 0
		best := 0.0
		for option := 1; option <= OptionsPerQuestion; option++ {
			density := densities[base+option-1]
			if density > threshold {
				markedCount++
				if density > best {
					best = density
					marked = option
				}
			}
		}
		if markedCount > 1 {
			log.Warnf("Question %d has %d marked bubbles, keeping the darkest (option %d, density %.3f)",
				question, markedCount, marked, best)
		}
		answers[question-1] = marked
	}
	return answers, nil
}

// GradeSheet scores detected answers against the key.
func GradeSheet(answers []int, answerKey []int, scorePerQuestion float64) (*SheetResult, error) {
	if err := ValidateAnswerKey(answerKey); err != nil {
		return nil, err
	}
	if len(answers) != TotalQuestions {
		return nil, errors.WithStack(&scanerrors.ErrInvalidArgument{
			Name:    "answers",
			Value:   len(answers),
			Message: "expected one detected answer per question",
		})
	}

	result := &SheetResult{
		MaxScore: TotalQuestions * scorePerQuestion,
		Details:  make([]QuestionDetail, 0, TotalQuestions),
	}

	for question := 1; question <= TotalQuestions; question++ {
		marked := answers[question-1]
		correctAnswer := answerKey[question-1]

		detail := QuestionDetail{
			Question:      question,
			Marked:        marked,
			CorrectAnswer: correctAnswer,
		}
		switch {
		case marked == 0:
			detail.Status = StatusBlank
			result.Blank++
		case marked == correctAnswer:
			detail.Status = StatusCorrect
			detail.IsCorrect = true
			result.Correct++
		default:
			detail.Status = StatusWrong
			result.Wrong++
		}
		result.Details = append(result.Details, detail)
	}

	result.TotalScore = float64(result.Correct) * scorePerQuestion
	result.Accuracy = math.Round(float64(result.Correct)/TotalQuestions*100*100) / 100
	return result, nil
}
