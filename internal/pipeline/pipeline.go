package pipeline

import (
	"context"
	"errors"
	"math"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"meal-mate/backend/internal/carbs"
	"meal-mate/backend/internal/classifier"
	"meal-mate/backend/internal/dosage"
)

const defaultTimeout = 15 * time.Second

// Classifier returns ranked predictions for an image.
type Classifier interface {
	Classify(ctx context.Context, image []byte) ([]classifier.Prediction, error)
}

// Input carries the per-request physiological parameters.
type Input struct {
	Weight       float64
	CurrentSugar float64
	// CarbPortion replaces the table value for the dose when set.
	CarbPortion *float64
	// Source tags the caller for observers ("api", "line", "telegram").
	Source string
}

// Result is the dosage estimate for one image.
type Result struct {
	FoodName       string  `json:"food_name"`
	CarbEstimation float64 `json:"carb_estimation"`
	Insulin        float64 `json:"insulin"`
}

// Outcome is reported to observers after every run.
type Outcome struct {
	Source   string
	Result   Result
	Err      error
	Duration time.Duration
}

// Observer receives run outcomes. Implementations must be safe for concurrent use.
type Observer interface {
	ObserveRun(Outcome)
}

// Pipeline turns an image into a dosage result.
type Pipeline struct {
	classifier Classifier
	table      *carbs.Table
	policy     dosage.Policy
	timeout    time.Duration
	observers  []Observer
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithTimeout bounds the classifier call of each run.
func WithTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithObservers registers outcome observers.
func WithObservers(observers ...Observer) Option {
	return func(p *Pipeline) {
		for _, o := range observers {
			if o != nil {
				p.observers = append(p.observers, o)
			}
		}
	}
}

// New constructs a pipeline.
func New(c Classifier, table *carbs.Table, policy dosage.Policy, opts ...Option) (*Pipeline, error) {
	if c == nil {
		return nil, errors.New("pipeline: classifier required")
	}
	if table == nil {
		return nil, errors.New("pipeline: carb table required")
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	p := &Pipeline{
		classifier: c,
		table:      table,
		policy:     policy,
		timeout:    defaultTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Table exposes the lookup table the pipeline was built with.
func (p *Pipeline) Table() *carbs.Table {
	return p.table
}

// Policy exposes the dosage policy the pipeline was built with.
func (p *Pipeline) Policy() dosage.Policy {
	return p.policy
}

// Run classifies the image, looks up the best label and computes the dose.
// Failures are returned as *Error.
func (p *Pipeline) Run(ctx context.Context, image []byte, in Input) (Result, error) {
	start := time.Now()
	result, err := p.run(ctx, image, in)
	outcome := Outcome{Source: in.Source, Result: result, Err: err, Duration: time.Since(start)}
	for _, o := range p.observers {
		o.ObserveRun(outcome)
	}
	return result, err
}

func (p *Pipeline) run(ctx context.Context, image []byte, in Input) (Result, error) {
	if err := validate(image, in); err != nil {
		return Result{}, err
	}

	predictions, err := p.classify(ctx, image)
	if err != nil {
		return Result{}, err
	}

	best, ok := SelectBest(predictions)
	if !ok {
		return Result{}, &Error{Kind: KindNoPrediction}
	}

	grams, err := p.table.Lookup(best.Label)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"label":      best.Label,
			"confidence": best.Confidence,
		}).Info("best prediction has no carb entry")
		return Result{}, &Error{Kind: KindUnknownFood, Label: best.Label, Err: err}
	}
	if in.CarbPortion != nil {
		grams = *in.CarbPortion
	}

	insulin, err := p.policy.Compute(in.Weight, grams, in.CurrentSugar)
	if err != nil {
		return Result{}, &Error{Kind: KindInvalidInput, Err: err}
	}

	return Result{
		FoodName:       best.Label,
		CarbEstimation: grams,
		Insulin:        insulin,
	}, nil
}

func (p *Pipeline) classify(ctx context.Context, image []byte) ([]classifier.Prediction, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	predictions, err := p.classifier.Classify(callCtx, image)
	if err == nil {
		return predictions, nil
	}

	perr := &Error{Kind: KindClassifierFailure, Reason: ReasonTransport, Err: err}
	var statusErr *classifier.StatusError
	switch {
	case errors.As(err, &statusErr):
		perr.Reason = ReasonStatus
		perr.StatusCode = statusErr.StatusCode
		perr.Body = statusErr.Body
	case errors.Is(err, classifier.ErrMalformedResponse):
		perr.Reason = ReasonMalformed
	case errors.Is(callCtx.Err(), context.DeadlineExceeded) || isTimeout(err):
		perr.Reason = ReasonTimeout
	}
	return nil, perr
}

// SelectBest returns the prediction with the highest confidence. Ties keep
// the first one encountered. ok is false for an empty set.
func SelectBest(predictions []classifier.Prediction) (best classifier.Prediction, ok bool) {
	for i, pred := range predictions {
		if i == 0 || pred.Confidence > best.Confidence {
			best = pred
		}
	}
	return best, len(predictions) > 0
}

func validate(image []byte, in Input) error {
	if len(image) == 0 {
		return invalidInput("image is empty")
	}
	if math.IsNaN(in.Weight) || math.IsInf(in.Weight, 0) || in.Weight <= 0 {
		return invalidInput("weight must be positive, got %v", in.Weight)
	}
	if math.IsNaN(in.CurrentSugar) || math.IsInf(in.CurrentSugar, 0) {
		return invalidInput("current sugar must be finite, got %v", in.CurrentSugar)
	}
	if in.CarbPortion != nil {
		v := *in.CarbPortion
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return invalidInput("carb portion must be non-negative, got %v", v)
		}
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
