package model

import (
	"sort"

	"github.com/rotisserie/eris"
)

// LabelProb pairs a label with its predicted probability.
type LabelProb struct {
	Label string  `json:"label"`
	Prob  float64 `json:"prob"`
}

// Classification is the model output for one frame, ordered by descending
// probability. It always holds at least one entry.
type Classification struct {
	Probs []LabelProb `json:"probs"`
}

// NewClassification pairs labels with probabilities and orders them by
// descending probability. Ties keep label order.
func NewClassification(labels []string, probs []float64) (Classification, error) {
	if len(labels) == 0 {
		return Classification{}, eris.New("classification: no labels")
	}
	if len(labels) != len(probs) {
		return Classification{}, eris.Errorf("classification: %d labels but %d probabilities", len(labels), len(probs))
	}
	out := make([]LabelProb, len(labels))
	for i := range labels {
		out[i] = LabelProb{Label: labels[i], Prob: probs[i]}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Prob > out[j].Prob })
	return Classification{Probs: out}, nil
}

// Top1 returns the most probable label.
func (c Classification) Top1() LabelProb {
	if len(c.Probs) == 0 {
		return LabelProb{}
	}
	return c.Probs[0]
}

// Top2 returns the runner-up label, if any.
func (c Classification) Top2() (LabelProb, bool) {
	if len(c.Probs) < 2 {
		return LabelProb{}, false
	}
	return c.Probs[1], true
}

// Empty reports whether the classification carries no predictions.
func (c Classification) Empty() bool {
	return len(c.Probs) == 0
}
