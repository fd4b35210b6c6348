// Package batch drives preprocessing and inference as a two-stage pipeline
// over fixed-size batches.
package batch

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/sells-group/trapscan/internal/model"
	"github.com/sells-group/trapscan/internal/preprocess"
)

// Pipeline and tuning constants.
const (
	DefaultSize = 8
	// QueueDepth is the number of batches allowed between the start of
	// preprocessing and the end of classification.
	QueueDepth = 2

	autoTuneMinTotal       = 1000
	autoTuneBatches        = 4
	autoTuneMinImprovement = 0.15
)

var autoTuneCandidates = []int{DefaultSize, 12}

// Classifier runs inference on a batch of tensors.
type Classifier interface {
	Classify(ctx context.Context, batch [][]float32) ([]model.Classification, error)
}

// Preparer turns paths into preprocessed items, in order.
type Preparer interface {
	Run(ctx context.Context, paths []string) []preprocess.Item
}

// Outcome is the result for one input path. Err is set for frames that
// could not be decoded; Classification is nil in that case.
type Outcome struct {
	Path           string
	CaptureTime    *time.Time
	Hash           string
	Err            error
	Classification *model.Classification
}

// Scheduler splits work into batches and keeps at most QueueDepth batches
// in flight.
type Scheduler struct {
	Size int
	// AutoTune only applies when Size is zero or DefaultSize.
	AutoTune   bool
	Prep       Preparer
	Classifier Classifier
	// Progress is called from a single goroutine after every batch with
	// the number of processed frames, decode failures included.
	Progress func(done, total int)
}

// Run processes paths and returns one outcome per path, in input order.
// A classifier error aborts the run.
func (s *Scheduler) Run(ctx context.Context, paths []string) ([]Outcome, error) {
	if s.Prep == nil || s.Classifier == nil {
		return nil, eris.New("batch: scheduler needs a preparer and a classifier")
	}
	total := len(paths)
	out := make([]Outcome, total)
	if total == 0 {
		return out, nil
	}
	size := s.Size
	if size <= 0 {
		size = DefaultSize
	}

	// An explicitly configured size is never tuned away.
	offset := 0
	if s.AutoTune && size == DefaultSize && total >= autoTuneMinTotal {
		tuned, n, err := s.tune(ctx, paths, out)
		if err != nil {
			return nil, err
		}
		size, offset = tuned, n
	}

	if err := s.pipeline(ctx, paths[offset:], size, out[offset:], offset, total); err != nil {
		return nil, err
	}
	return out, nil
}

// tune runs a few batches at each candidate size and keeps the larger size
// only if it is clearly faster per image.
func (s *Scheduler) tune(ctx context.Context, paths []string, out []Outcome) (int, int, error) {
	total := len(paths)
	offset := 0
	perImage := make(map[int]time.Duration, len(autoTuneCandidates))
	for _, candidate := range autoTuneCandidates {
		n := candidate * autoTuneBatches
		if offset+n > total {
			break
		}
		start := time.Now()
		if err := s.pipeline(ctx, paths[offset:offset+n], candidate, out[offset:offset+n], offset, total); err != nil {
			return 0, 0, err
		}
		perImage[candidate] = time.Since(start) / time.Duration(n)
		offset += n
	}

	chosen := DefaultSize
	if base, ok := perImage[DefaultSize]; ok {
		best := base
		limit := time.Duration(float64(base) * (1 - autoTuneMinImprovement))
		for _, candidate := range autoTuneCandidates {
			d, ok := perImage[candidate]
			if !ok || candidate == DefaultSize {
				continue
			}
			if d < limit && d < best {
				best, chosen = d, candidate
			}
		}
	}

	zap.L().Info("batch: auto-tuned batch size",
		zap.Int("chosen", chosen),
		zap.Any("per_image", perImage),
	)
	return chosen, offset, nil
}

type prepared struct {
	start int
	items []preprocess.Item
}

// pipeline fills out (aligned with paths). base is the number of frames
// already processed before paths[0], for progress reporting.
func (s *Scheduler) pipeline(ctx context.Context, paths []string, size int, out []Outcome, base, total int) error {
	slots := semaphore.NewWeighted(QueueDepth)
	ready := make(chan prepared, QueueDepth)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(ready)
		for start := 0; start < len(paths); start += size {
			end := min(start+size, len(paths))
			// A slot is held from here until the batch is classified.
			if err := slots.Acquire(gctx, 1); err != nil {
				return eris.Wrap(err, "batch: wait for pipeline slot")
			}
			items := s.Prep.Run(gctx, paths[start:end])
			select {
			case ready <- prepared{start: start, items: items}:
			case <-gctx.Done():
				slots.Release(1)
				return eris.Wrap(gctx.Err(), "batch: queue batch")
			}
		}
		return nil
	})

	g.Go(func() error {
		done := base
		for b := range ready {
			err := s.classify(gctx, b, out)
			slots.Release(1)
			if err != nil {
				return err
			}
			done += len(b.items)
			if s.Progress != nil {
				s.Progress(done, total)
			}
		}
		return nil
	})

	return g.Wait()
}

func (s *Scheduler) classify(ctx context.Context, b prepared, out []Outcome) error {
	var tensors [][]float32
	var index []int
	for i, item := range b.items {
		out[b.start+i] = Outcome{
			Path:        item.Path,
			CaptureTime: item.CaptureTime,
			Hash:        item.Hash,
			Err:         item.Err,
		}
		if item.Err != nil {
			zap.L().Warn("batch: frame not decodable", zap.String("path", item.Path), zap.Error(item.Err))
			continue
		}
		tensors = append(tensors, item.Tensor)
		index = append(index, b.start+i)
	}
	if len(tensors) == 0 {
		return nil
	}

	results, err := s.Classifier.Classify(ctx, tensors)
	if err != nil {
		return eris.Wrapf(err, "batch: classify frames %d-%d", b.start, b.start+len(b.items)-1)
	}
	if len(results) != len(tensors) {
		return eris.Errorf("batch: classifier returned %d results for %d frames", len(results), len(tensors))
	}
	for j, idx := range index {
		c := results[j]
		out[idx].Classification = &c
	}
	return nil
}
