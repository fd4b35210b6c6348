package classifier

import (
	"sort"
)

// Backend names.
const (
	BackendLinear = "linear"
	BackendOpenCV = "opencv"
)

// Backend runs the forward pass. Forward receives a batch of CHW tensors
// and returns one logit vector per input, in order.
type Backend interface {
	Forward(batch [][]float32) ([][]float32, error)
	Close() error
}

// Params is what a backend needs to open its weights.
type Params struct {
	WeightsPath string
	InputSize   int
	Classes     int
}

// Opener constructs a Backend from a Params.
type Opener func(p Params) (Backend, error)

// Registry maps backend names to openers.
type Registry map[string]Opener

// DefaultRegistry holds the pure-Go backends. Native backends register
// themselves from cmd.
func DefaultRegistry() Registry {
	return Registry{BackendLinear: OpenLinear}
}

// Names returns registered backend names, sorted.
func (r Registry) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
