package model

// DecisionKind is the categorical outcome for a frame.
type DecisionKind string

const (
	KindPresent      DecisionKind = "present"
	KindUncertain    DecisionKind = "uncertain"
	KindEmpty        DecisionKind = "empty"
	KindUnclassified DecisionKind = "unclassified" // frame could not be decoded
)

// Decision is the outcome for one frame. Label holds the species for
// present frames, the best guess for uncertain frames, and the background
// label for empty frames.
type Decision struct {
	Kind       DecisionKind `json:"kind"`
	Label      string       `json:"label,omitempty"`
	Confidence float64      `json:"confidence"`
	Manual     bool         `json:"manual,omitempty"`
}

// Present builds a present decision.
func Present(species string, confidence float64) Decision {
	return Decision{Kind: KindPresent, Label: species, Confidence: confidence}
}

// Uncertain builds an uncertain decision.
func Uncertain(bestGuess string, confidence float64) Decision {
	return Decision{Kind: KindUncertain, Label: bestGuess, Confidence: confidence}
}

// Empty builds an empty decision for a background label.
func Empty(backgroundLabel string, confidence float64) Decision {
	return Decision{Kind: KindEmpty, Label: backgroundLabel, Confidence: confidence}
}

// Unclassified builds the decision used for frames that never reached the model.
func Unclassified() Decision {
	return Decision{Kind: KindUnclassified}
}

// IsPresent reports whether the decision says an animal is present.
func (d Decision) IsPresent() bool {
	return d.Kind == KindPresent
}

// AsManual returns a copy of d tagged as a manual override.
func (d Decision) AsManual() Decision {
	d.Manual = true
	return d
}
