// Package classifier loads a species model bundle and runs batched
// inference over preprocessed tensors.
package classifier

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/trapscan/internal/model"
	"github.com/sells-group/trapscan/internal/preprocess"
)

// ModelLoadError reports a missing or malformed model bundle. It is fatal
// for the session until the bundle is fixed and reloaded.
type ModelLoadError struct {
	Path string
	Err  error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("classifier: load model %s: %v", e.Path, e.Err)
}

func (e *ModelLoadError) Unwrap() error {
	return e.Err
}

// Options selects a model bundle.
type Options struct {
	Dir      string
	Backend  string // used when the manifest names none
	Registry Registry
}

// Classifier is read-only after Load. Forward passes are serialized.
type Classifier struct {
	mu       sync.Mutex
	backend  Backend
	labels   []string
	manifest Manifest
}

// Load reads the bundle in opts.Dir and opens its backend. Every failure is
// returned as *ModelLoadError.
func Load(opts Options) (*Classifier, error) {
	dir := opts.Dir
	if dir == "" {
		return nil, &ModelLoadError{Path: dir, Err: eris.New("model directory not configured")}
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, &ModelLoadError{Path: dir, Err: err}
	}
	if !info.IsDir() {
		return nil, &ModelLoadError{Path: dir, Err: eris.New("not a directory")}
	}

	manifest, err := LoadManifest(dir, opts.Backend)
	if err != nil {
		return nil, &ModelLoadError{Path: filepath.Join(dir, ManifestFile), Err: err}
	}

	labelsPath := filepath.Join(dir, manifest.Labels)
	f, err := os.Open(labelsPath)
	if err != nil {
		return nil, &ModelLoadError{Path: labelsPath, Err: err}
	}
	labels, err := ParseLabels(f)
	_ = f.Close()
	if err != nil {
		return nil, &ModelLoadError{Path: labelsPath, Err: err}
	}

	registry := opts.Registry
	if registry == nil {
		registry = DefaultRegistry()
	}
	open, ok := registry[manifest.Backend]
	if !ok {
		return nil, &ModelLoadError{
			Path: dir,
			Err:  eris.Errorf("unknown backend %q (available: %v)", manifest.Backend, registry.Names()),
		}
	}
	weights := filepath.Join(dir, manifest.Weights)
	backend, err := open(Params{WeightsPath: weights, InputSize: manifest.InputSize, Classes: len(labels)})
	if err != nil {
		return nil, &ModelLoadError{Path: weights, Err: err}
	}

	zap.L().Info("classifier: model loaded",
		zap.String("name", manifest.Name),
		zap.String("version", manifest.Version),
		zap.String("backend", manifest.Backend),
		zap.Int("labels", len(labels)),
		zap.Int("input_size", manifest.InputSize),
	)
	return New(backend, labels, *manifest), nil
}

// New wraps an already opened backend.
func New(backend Backend, labels []string, manifest Manifest) *Classifier {
	if manifest.InputSize <= 0 {
		manifest.InputSize = preprocess.DefaultSize
	}
	return &Classifier{
		backend:  backend,
		labels:   append([]string(nil), labels...),
		manifest: manifest,
	}
}

// Labels returns a copy of the label list in class index order.
func (c *Classifier) Labels() []string {
	return append([]string(nil), c.labels...)
}

// Version identifies the loaded model for cache entries.
func (c *Classifier) Version() string {
	return c.manifest.Fingerprint()
}

// InputSize is the tensor edge the model expects.
func (c *Classifier) InputSize() int {
	return c.manifest.InputSize
}

// Normalization is the channel statistics the model was trained with.
func (c *Classifier) Normalization() preprocess.Normalization {
	return c.manifest.Normalization()
}

// Classify runs one forward pass and returns a classification per input,
// in input order.
func (c *Classifier) Classify(ctx context.Context, batch [][]float32) ([]model.Classification, error) {
	if len(batch) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "classifier: classify")
	}
	want := 3 * c.manifest.InputSize * c.manifest.InputSize
	for i, t := range batch {
		if len(t) != want {
			return nil, eris.Errorf("classifier: input %d has %d values, want %d", i, len(t), want)
		}
	}

	logits, err := c.forward(batch)
	if err != nil {
		return nil, eris.Wrap(err, "classifier: forward")
	}
	if len(logits) != len(batch) {
		return nil, eris.Errorf("classifier: backend returned %d outputs for %d inputs", len(logits), len(batch))
	}

	out := make([]model.Classification, len(logits))
	for i, row := range logits {
		if len(row) != len(c.labels) {
			return nil, eris.Errorf("classifier: output %d has %d logits, want %d", i, len(row), len(c.labels))
		}
		cls, err := model.NewClassification(c.labels, Softmax(row))
		if err != nil {
			return nil, eris.Wrap(err, "classifier: build classification")
		}
		out[i] = cls
	}
	return out, nil
}

func (c *Classifier) forward(batch [][]float32) ([][]float32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.backend == nil {
		return nil, eris.New("classifier closed")
	}
	return c.backend.Forward(batch)
}

// Close releases the backend.
func (c *Classifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.backend == nil {
		return nil
	}
	err := c.backend.Close()
	c.backend = nil
	return err
}

// Softmax converts logits to probabilities, shifted by the max logit for
// numerical stability.
func Softmax(logits []float32) []float64 {
	if len(logits) == 0 {
		return nil
	}
	maxv := float64(logits[0])
	for _, v := range logits[1:] {
		maxv = math.Max(maxv, float64(v))
	}
	out := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		out[i] = math.Exp(float64(v) - maxv)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
