package pipeline

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/scanalign/scanalign/internal/common/scanerrors"
	"github.com/scanalign/scanalign/internal/grading"
	"github.com/scanalign/scanalign/internal/vision"
)

// Request describes the work for one admitted job. The payload is opaque
// image bytes; the facade only inspects shape metadata.
type Request struct {
	// Source is the scanned sheet.
	Source []byte
	// Reference is the template the sheet is aligned against. Required for
	// the feature strategy, optional otherwise (it then only fixes the
	// output dimensions).
	Reference []byte
	Strategy  Strategy
	// Fallback enables retrying a failed feature alignment with the contour
	// strategy.
	Fallback bool
	// ReturnImage requests the corrected image bytes in the result.
	ReturnImage bool
	// AnswerKey, when present, requests grading of the aligned sheet.
	AnswerKey []int
	// MarkThreshold overrides the default dark density threshold when > 0.
	MarkThreshold    float64
	ScorePerQuestion float64
}

// Result is the terminal outcome of a job, carried inside the job record.
type Result struct {
	Strategy   Strategy `json:"strategy"`
	MatchCount int      `json:"matchCount"`
	Width      int      `json:"width"`
	Height     int      `json:"height"`
	// ImageBytes is set only when the request asked for the corrected image.
	ImageBytes []byte `json:"-"`
	// Grade is set when the request carried an answer key.
	Grade *grading.SheetResult `json:"grade,omitempty"`
}

// Config bounds the memory each job may use; the working resolution and the
// region batch size are the levers.
type Config struct {
	// MaxDimension caps decoded image size, longer edge in pixels.
	MaxDimension int
	// MinMatches below which feature alignment fails.
	MinMatches int
	// ContourWorkingDimension caps boundary detection resolution.
	ContourWorkingDimension int
	// RegionBatchSize bounds the number of region buffers alive at once.
	RegionBatchSize int
	// EncodeQuality for returned image bytes.
	EncodeQuality int
}

func DefaultConfig() Config {
	return Config{
		MaxDimension:            1000,
		MinMatches:              10,
		ContourWorkingDimension: 1000,
		RegionBatchSize:         15,
		EncodeQuality:           85,
	}
}

// Facade is the single contract the admission queue invokes per admitted
// job: alignment (with optional fallback), then batched grading when asked
// for. It must only ever be called by a holder of a queue grant.
type Facade struct {
	engine  vision.Engine
	config  Config
	feature *FeatureAligner
	contour *ContourAligner
	grid    grading.GridConfig
	regions *BatchedRegionExecutor
}

func NewFacade(engine vision.Engine, config Config) *Facade {
	return &Facade{
		engine:  engine,
		config:  config,
		feature: NewFeatureAligner(engine, config.MinMatches),
		contour: NewContourAligner(engine, config.ContourWorkingDimension),
		grid:    grading.DefaultGrid(),
		regions: NewBatchedRegionExecutor(&engineRegionEvaluator{engine: engine}),
	}
}

// Process runs the pipeline for one admitted job. Alignment failures are
// returned as ErrAlignmentFailed so the caller can record a job-local
// failure; anything else is a fault.
func (f *Facade) Process(ctx context.Context, req *Request) (*Result, error) {
	if err := f.validate(req); err != nil {
		return nil, err
	}

	source, err := f.engine.Decode(req.Source, f.config.MaxDimension)
	if err != nil {
		return nil, errors.WithMessage(err, "decoding source")
	}

	var reference vision.Image
	if len(req.Reference) > 0 {
		reference, err = f.engine.Decode(req.Reference, f.config.MaxDimension)
		if err != nil {
			return nil, errors.WithMessage(err, "decoding reference")
		}
	}

	output := f.outputDimensions(reference)

	aligned, err := f.align(ctx, req, source, reference, output)
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"strategy": aligned.Strategy,
		"matches":  aligned.MatchCount,
		"width":    output.Width,
		"height":   output.Height,
	}).Info("Alignment complete")

	result := &Result{
		Strategy:   aligned.Strategy,
		MatchCount: aligned.MatchCount,
		Width:      aligned.Image.Width(),
		Height:     aligned.Image.Height(),
	}

	if len(req.AnswerKey) > 0 {
		grade, err := f.grade(ctx, req, aligned.Image)
		if err != nil {
			return nil, err
		}
		result.Grade = grade
	}

	if req.ReturnImage {
		encoded, err := f.engine.Encode(aligned.Image, ".jpg", f.config.EncodeQuality)
		if err != nil {
			return nil, errors.WithMessage(err, "encoding result")
		}
		result.ImageBytes = encoded
	}

	return result, nil
}

func (f *Facade) validate(req *Request) error {
	if len(req.Source) == 0 {
		return errors.WithStack(&scanerrors.ErrInvalidArgument{
			Name:    "source",
			Value:   0,
			Message: "a source image is required",
		})
	}
	if !req.Strategy.Valid() {
		return errors.WithStack(&scanerrors.ErrInvalidArgument{
			Name:    "strategy",
			Value:   string(req.Strategy),
			Message: "must be feature or contour",
		})
	}
	if req.Strategy == StrategyFeature && len(req.Reference) == 0 {
		return errors.WithStack(&scanerrors.ErrInvalidArgument{
			Name:    "reference",
			Value:   0,
			Message: "the feature strategy requires a reference image",
		})
	}
	if len(req.AnswerKey) > 0 {
		if err := grading.ValidateAnswerKey(req.AnswerKey); err != nil {
			return err
		}
	}
	return nil
}

// outputDimensions is the reference's size when one was provided, otherwise
// an A4 shaped default derived from the decode cap.
func (f *Facade) outputDimensions(reference vision.Image) Dimensions {
	if reference != nil {
		return Dimensions{Width: reference.Width(), Height: reference.Height()}
	}
	return Dimensions{
		Width:  f.config.MaxDimension,
		Height: int(float64(f.config.MaxDimension) * 1.414),
	}
}

// align runs the selected strategy, falling back from feature to contour on
// an alignment failure when the request allows it.
func (f *Facade) align(ctx context.Context, req *Request, source, reference vision.Image, output Dimensions) (*AlignResult, error) {
	primary := f.alignerFor(req.Strategy)
	result, err := primary.Align(ctx, source, reference, output)
	if err == nil {
		return result, nil
	}

	var alignmentErr *scanerrors.ErrAlignmentFailed
	if !errors.As(err, &alignmentErr) {
		return nil, err
	}
	if !req.Fallback || req.Strategy != StrategyFeature {
		return nil, err
	}

	log.WithError(err).Warn("Feature alignment failed, retrying with the contour strategy")
	result, fallbackErr := f.contour.Align(ctx, source, nil, output)
	if fallbackErr != nil {
		// Report the original failure; the fallback result adds nothing.
		return nil, err
	}
	return result, nil
}

func (f *Facade) alignerFor(strategy Strategy) Aligner {
	if strategy == StrategyContour {
		return f.contour
	}
	return f.feature
}

func (f *Facade) grade(ctx context.Context, req *Request, aligned vision.Image) (*grading.SheetResult, error) {
	regions, err := f.grid.Regions(aligned.Width(), aligned.Height())
	if err != nil {
		return nil, err
	}

	results, err := f.regions.EvaluateAll(ctx, aligned, regions, f.config.RegionBatchSize)
	if err != nil {
		if results == nil {
			return nil, err
		}
		// Individual region failures read as unmarked bubbles.
		log.WithError(err).Warn("Some regions could not be evaluated")
	}

	densities := make([]float64, len(results))
	for _, r := range results {
		if r.Ok {
			densities[r.Index] = r.Density
		}
	}

	threshold := req.MarkThreshold
	if threshold <= 0 {
		threshold = grading.DefaultMarkThreshold
	}
	scorePerQuestion := req.ScorePerQuestion
	if scorePerQuestion <= 0 {
		scorePerQuestion = 1
	}

	answers, err := grading.DetectAnswers(densities, threshold)
	if err != nil {
		return nil, err
	}
	return grading.GradeSheet(answers, req.AnswerKey, scorePerQuestion)
}

// engineRegionEvaluator adapts the vision engine to the executor's scoped
// acquisition contract.
type engineRegionEvaluator struct {
	engine vision.Engine
}

func (e *engineRegionEvaluator) OpenScope(img vision.Image) (RegionScope, error) {
	return &engineRegionScope{engine: e.engine, img: img}, nil
}

type engineRegionScope struct {
	engine vision.Engine
	img    vision.Image
}

func (s *engineRegionScope) Evaluate(region vision.Region) (float64, error) {
	return s.engine.EvaluateRegion(s.img, region)
}

func (s *engineRegionScope) Release() {
	// Buffers for region evaluation live inside the engine call itself;
	// nothing survives the batch.
	s.img = nil
}
