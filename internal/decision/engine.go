// Package decision turns classifier output into per-frame decisions using
// the open-set rule: background labels mean empty, low confidence means
// uncertain, everything else is a present species.
package decision

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/trapscan/internal/model"
)

// Defaults.
const (
	DefaultThreshold = 0.5
	DefaultSomething = "iets sp"
)

// DefaultBackground is the stock background label set.
var DefaultBackground = []string{"achtergrond"}

// Config holds the user-adjustable decision parameters.
type Config struct {
	Threshold  float64  `json:"threshold"`
	Background []string `json:"background"`
	Something  string   `json:"something,omitempty"`
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		Threshold:  DefaultThreshold,
		Background: append([]string(nil), DefaultBackground...),
		Something:  DefaultSomething,
	}
}

// Validate checks the threshold range.
func (c Config) Validate() error {
	if c.Threshold < 0 || c.Threshold > 1 {
		return eris.Errorf("decision: threshold %v outside [0,1]", c.Threshold)
	}
	return nil
}

// Engine applies a Config. It is immutable and safe for concurrent use.
type Engine struct {
	threshold  float64
	background map[string]struct{}
	something  string
}

// New builds an Engine. Labels are compared in canonical form.
func New(cfg Config) *Engine {
	e := &Engine{
		threshold:  cfg.Threshold,
		background: make(map[string]struct{}, len(cfg.Background)),
		something:  Canonical(cfg.Something),
	}
	for _, bg := range cfg.Background {
		if c := Canonical(bg); c != "" {
			e.background[c] = struct{}{}
		}
	}
	return e
}

// Threshold returns the presence threshold.
func (e *Engine) Threshold() float64 {
	return e.threshold
}

// IsBackground reports whether label is in the background set.
func (e *Engine) IsBackground(label string) bool {
	_, ok := e.background[Canonical(label)]
	return ok
}

func (e *Engine) isSomething(label string) bool {
	return e.something != "" && Canonical(label) == e.something
}

// Decide applies the rule in order: background top-1 is empty regardless
// of confidence; the catch-all "something" label and top-1 below the
// threshold are uncertain; anything else is present.
func (e *Engine) Decide(c model.Classification) model.Decision {
	if c.Empty() {
		return model.Unclassified()
	}
	top := c.Top1()
	switch {
	case e.IsBackground(top.Label):
		return model.Empty(top.Label, top.Prob)
	case e.isSomething(top.Label):
		return model.Uncertain(top.Label, top.Prob)
	case top.Prob < e.threshold:
		return model.Uncertain(top.Label, top.Prob)
	default:
		return model.Present(top.Label, top.Prob)
	}
}

// Recompute re-decides every row that has a stored classification and no
// manual override. The input is not modified.
func (e *Engine) Recompute(rows []model.ResultRow) []model.ResultRow {
	out := make([]model.ResultRow, len(rows))
	copy(out, rows)
	for i := range out {
		if out[i].Decision.Manual || out[i].Classification == nil {
			continue
		}
		out[i].Decision = e.Decide(*out[i].Classification)
	}
	return out
}

// Manual builds the decision for a user-assigned label. Background labels
// mark the frame empty, the "something" label marks it uncertain, and any
// other label is a present species at full confidence.
func (e *Engine) Manual(label string) model.Decision {
	switch {
	case e.IsBackground(label):
		return model.Empty(label, 1).AsManual()
	case e.isSomething(label):
		return model.Uncertain(label, 1).AsManual()
	default:
		return model.Present(label, 1).AsManual()
	}
}
