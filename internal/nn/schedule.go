package nn

import (
	"math"

	"github.com/pkg/errors"
)

// ErrUnknownSchedule is returned by NewSchedule for an unrecognised name.
var ErrUnknownSchedule = errors.New("nn: unknown learning rate schedule")

// Schedule maps a zero-based step to a learning rate.
type Schedule interface {
	LR(step int) float64
}

// ScheduleConfig carries every knob any schedule may read.
type ScheduleConfig struct {
	Name          string
	BaseLR        float64
	MinLR         float64 // eta_min for the cosine family
	WarmupSteps   int
	WarmupStartLR float64
	TotalSteps    int
	DecayEvery    int
	DecayRate     float64
}

// NewSchedule builds the schedule called cfg.Name: "fixed", "cos",
// "cos_warmup", "step" or "one_cycle".
func NewSchedule(cfg ScheduleConfig) (Schedule, error) {
	switch cfg.Name {
	case "fixed", "":
		return Fixed{Base: cfg.BaseLR}, nil
	case "cos":
		return Cosine{Base: cfg.BaseLR, Min: cfg.MinLR, Total: cfg.TotalSteps}, nil
	case "cos_warmup":
		return WarmupCosine{
			Base: cfg.BaseLR, Start: cfg.WarmupStartLR, Min: cfg.MinLR,
			Warmup: cfg.WarmupSteps, Total: cfg.TotalSteps,
		}, nil
	case "step":
		return StepDecay{Base: cfg.BaseLR, Every: cfg.DecayEvery, Rate: cfg.DecayRate}, nil
	case "one_cycle":
		return NewOneCycle(cfg.BaseLR, cfg.TotalSteps), nil
	default:
		return nil, errors.Wrapf(ErrUnknownSchedule, "%q", cfg.Name)
	}
}

// Fixed keeps the learning rate constant.
type Fixed struct{ Base float64 }

func (s Fixed) LR(int) float64 { return s.Base }

// Cosine anneals from Base to Min over Total steps, then stays at Min.
type Cosine struct {
	Base, Min float64
	Total     int
}

func (s Cosine) LR(step int) float64 {
	if s.Total <= 0 || step >= s.Total {
		return s.Min
	}
	return annealCos(s.Base, s.Min, float64(step)/float64(s.Total))
}

// WarmupCosine ramps linearly from Start to Base over Warmup steps, then
// follows a cosine decay to Min at Total.
type WarmupCosine struct {
	Base, Start, Min float64
	Warmup, Total    int
}

func (s WarmupCosine) LR(step int) float64 {
	// Phase 1: Linear warmup
	if step < s.Warmup {
		return s.Start + (s.Base-s.Start)*float64(step)/float64(s.Warmup)
	}

	// Phase 2: Cosine decay
	if step < s.Total {
		progress := float64(step-s.Warmup) / float64(s.Total-s.Warmup)
		return annealCos(s.Base, s.Min, progress)
	}

	// Phase 3: Constant minimum
	return s.Min
}

// StepDecay multiplies the rate by Rate every Every steps.
type StepDecay struct {
	Base  float64
	Every int
	Rate  float64
}

func (s StepDecay) LR(step int) float64 {
	if s.Every <= 0 {
		return s.Base
	}
	return s.Base * math.Pow(s.Rate, float64(step/s.Every))
}

// OneCycle warms up from Max/DivFactor to Max over PctStart of the run, then
// anneals to Max/(DivFactor*FinalDivFactor). Both phases are cosine shaped.
type OneCycle struct {
	Max            float64
	Total          int
	PctStart       float64
	DivFactor      float64
	FinalDivFactor float64
}

// NewOneCycle returns a one-cycle schedule with the usual constants.
func NewOneCycle(maxLR float64, total int) OneCycle {
	return OneCycle{Max: maxLR, Total: total, PctStart: 0.3, DivFactor: 25, FinalDivFactor: 1e4}
}

func (s OneCycle) LR(step int) float64 {
	initial := s.Max / s.DivFactor
	final := initial / s.FinalDivFactor
	up := s.PctStart*float64(s.Total) - 1
	down := float64(s.Total) - 1
	x := float64(step)

	switch {
	case x <= up:
		if up <= 0 {
			return s.Max
		}
		return annealCos(initial, s.Max, x/up)
	case x < down:
		return annealCos(s.Max, final, (x-up)/(down-up))
	default:
		return final
	}
}

// annealCos moves from start (pct 0) to end (pct 1) along half a cosine.
func annealCos(start, end, pct float64) float64 {
	return end + (start-end)/2*(math.Cos(math.Pi*pct)+1)
}

// LRScheduler walks a schedule one step per call.
type LRScheduler struct {
	sched Schedule
	step  int
}

// NewLRScheduler wraps a schedule starting at step 0.
func NewLRScheduler(s Schedule) *LRScheduler {
	return &LRScheduler{sched: s}
}

// GetLR returns the learning rate for the current step and advances.
func (s *LRScheduler) GetLR() float64 {
	lr := s.sched.LR(s.step)
	s.step++
	return lr
}

// Step returns how many rates have been handed out.
func (s *LRScheduler) Step() int { return s.step }
