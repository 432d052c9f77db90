// Package scanalign wires the admission queue, resource monitor and
// processing pipeline into the service a deployment runs.
package scanalign

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/scanalign/scanalign/internal/admission"
	"github.com/scanalign/scanalign/internal/pipeline"
)

// Processor runs one admitted job. Satisfied by pipeline.Facade.
type Processor interface {
	Process(ctx context.Context, req *pipeline.Request) (*pipeline.Result, error)
}

// Service is the single entry point for sheet processing. Every request
// passes through the admission queue; the processor is only ever invoked
// under a queue grant, within the job's deadline.
type Service struct {
	queue     *admission.Queue
	processor Processor
}

func NewService(queue *admission.Queue, processor Processor) *Service {
	return &Service{queue: queue, processor: processor}
}

// ProcessSheet submits one request, waits for its turn and runs it. The
// queue's default timeout bounds both the wait and the execution.
func (s *Service) ProcessSheet(ctx context.Context, req *pipeline.Request) (*pipeline.Result, error) {
	ticket, err := s.queue.Submit(req, time.Time{})
	if err != nil {
		return nil, err
	}

	grant, err := s.queue.AwaitTurn(ctx, ticket)
	if err != nil {
		return nil, err
	}
	job := grant.Job()
	log.WithField("jobId", job.Id).
		WithField("queuedFor", job.StartedAt.Sub(job.SubmittedAt)).
		Info("Job granted a pipeline slot")

	// Whatever remains of the job deadline bounds execution.
	execCtx, cancel := context.WithDeadline(ctx, job.Deadline)
	defer cancel()

	result, execErr := s.processor.Process(execCtx, req)
	s.queue.Release(grant, result, execErr)
	if execErr != nil {
		return nil, execErr
	}
	return result, nil
}

// BatchRequest processes several sheets against one shared reference and
// grading setup.
type BatchRequest struct {
	Sources          [][]byte
	Reference        []byte
	Strategy         pipeline.Strategy
	Fallback         bool
	ReturnImage      bool
	AnswerKey        []int
	MarkThreshold    float64
	ScorePerQuestion float64
}

// BatchItemResult is the outcome for one sheet of a batch, at the same index
// as its source.
type BatchItemResult struct {
	Index  int              `json:"index"`
	Result *pipeline.Result `json:"result,omitempty"`
	Error  string           `json:"error,omitempty"`
}

func (r BatchItemResult) Succeeded() bool {
	return r.Error == ""
}

type BatchSummary struct {
	Total      int               `json:"total"`
	Successful int               `json:"successful"`
	Failed     int               `json:"failed"`
	Items      []BatchItemResult `json:"items"`
}

// ProcessBatch runs each sheet through admission in input order. A failed
// sheet is recorded on its item and does not stop the rest; only a cancelled
// context aborts the batch early.
func (s *Service) ProcessBatch(ctx context.Context, batch *BatchRequest) (*BatchSummary, error) {
	if len(batch.Sources) == 0 {
		return &BatchSummary{}, nil
	}

	summary := &BatchSummary{
		Total: len(batch.Sources),
		Items: make([]BatchItemResult, len(batch.Sources)),
	}
	for i, source := range batch.Sources {
		if err := ctx.Err(); err != nil {
			return nil, errors.WithStack(err)
		}

		result, err := s.ProcessSheet(ctx, &pipeline.Request{
			Source:           source,
			Reference:        batch.Reference,
			Strategy:         batch.Strategy,
			Fallback:         batch.Fallback,
			ReturnImage:      batch.ReturnImage,
			AnswerKey:        batch.AnswerKey,
			MarkThreshold:    batch.MarkThreshold,
			ScorePerQuestion: batch.ScorePerQuestion,
		})
		item := BatchItemResult{Index: i, Result: result}
		if err != nil {
			item.Error = err.Error()
			summary.Failed++
			log.WithError(err).Warnf("Sheet %d of %d failed", i+1, summary.Total)
		} else {
			summary.Successful++
		}
		summary.Items[i] = item
	}
	return summary, nil
}
