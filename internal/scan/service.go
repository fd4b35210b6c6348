// Package scan is the application API: folder selection, background scan
// jobs with progress, recompute and manual overrides over the result cache.
package scan

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/trapscan/internal/batch"
	"github.com/sells-group/trapscan/internal/cache"
	"github.com/sells-group/trapscan/internal/decision"
	"github.com/sells-group/trapscan/internal/model"
	"github.com/sells-group/trapscan/internal/preprocess"
	"github.com/sells-group/trapscan/internal/scanner"
)

// ErrBusy is returned when a scan is started while another is running.
var ErrBusy = errors.New("scan: a scan is already running")

// Classifier is the loaded model as seen by the service.
type Classifier interface {
	batch.Classifier
	Version() string
	InputSize() int
	Normalization() preprocess.Normalization
	Close() error
}

// Loader opens the model. It is called lazily on the first scan that
// needs inference and again after Reload.
type Loader func() (Classifier, error)

// Options tunes scanning and batching.
type Options struct {
	Extensions []string
	BatchSize  int
	AutoTune   bool
	Workers    int
}

// Request starts a scan. A forced scan recomputes every row and discards
// manual overrides unless KeepOverrides is set.
type Request struct {
	Folder        string `json:"folder"`
	Recursive     bool   `json:"recursive"`
	Force         bool   `json:"force"`
	KeepOverrides bool   `json:"keep_overrides"`
}

// Selection is the outcome of looking at a folder without running the
// model.
type Selection struct {
	Folder      string
	Listing     *scanner.Listing
	Fingerprint model.Fingerprint
	Cached      *model.CacheEntry // set only when the fingerprint matches
	Empty       bool
}

// Service wires the scanner, the batch pipeline, the decision engine and
// the cache.
type Service struct {
	cache cache.Cache
	load  Loader
	opts  Options

	mu     sync.RWMutex
	cls    Classifier
	dcfg   decision.Config
	engine *decision.Engine

	// writeMu serializes read-modify-write cycles on cache entries.
	writeMu sync.Mutex
	running atomic.Bool
}

// NewService builds a Service.
func NewService(c cache.Cache, load Loader, dcfg decision.Config, opts Options) *Service {
	return &Service{
		cache:  c,
		load:   load,
		opts:   opts,
		dcfg:   dcfg,
		engine: decision.New(dcfg),
	}
}

// DecisionConfig returns the current decision parameters.
func (s *Service) DecisionConfig() decision.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dcfg
}

func (s *Service) currentEngine() *decision.Engine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// Running reports whether a scan job is in progress.
func (s *Service) Running() bool {
	return s.running.Load()
}

// Select lists a folder and returns the cached entry when the folder is
// unchanged since it was stored. The model is never invoked.
func (s *Service) Select(ctx context.Context, folder string, recursive bool) (*Selection, error) {
	listing, err := scanner.Scan(ctx, folder, scanner.Options{Recursive: recursive, Extensions: s.opts.Extensions})
	if errors.Is(err, scanner.ErrNoImages) {
		return &Selection{Folder: listing.Root, Listing: listing, Empty: true}, nil
	}
	if err != nil {
		return nil, err
	}

	sel := &Selection{
		Folder:      listing.Root,
		Listing:     listing,
		Fingerprint: cache.Compute(listing.Frames),
	}
	entry, err := s.cache.Load(ctx, listing.Root)
	switch {
	case errors.Is(err, cache.ErrCacheCorrupt):
		zap.L().Warn("scan: discarding corrupt cache entry", zap.String("folder", listing.Root), zap.Error(err))
	case err != nil:
		return nil, eris.Wrap(err, "scan: load cache")
	case cache.Validate(entry, sel.Fingerprint):
		sel.Cached = entry
	case entry != nil:
		zap.L().Info("scan: folder changed since last scan", zap.String("folder", listing.Root))
	}
	return sel, nil
}

// Start runs a scan in the background. It returns ErrBusy while another
// scan is running.
func (s *Service) Start(ctx context.Context, req Request) (*Job, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	job := newJob(req.Folder)
	go func() {
		res, err := s.run(ctx, req, job)
		if err != nil {
			zap.L().Error("scan: failed", zap.String("job", job.ID), zap.String("folder", req.Folder), zap.Error(err))
		}
		// Clear the flag first so a caller woken by Wait can start again.
		s.running.Store(false)
		job.finish(res, err)
	}()
	return job, nil
}

// Scan runs a scan synchronously.
func (s *Service) Scan(ctx context.Context, req Request) (*Result, error) {
	job, err := s.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	return job.Wait()
}

func (s *Service) run(ctx context.Context, req Request, job *Job) (*Result, error) {
	start := time.Now()
	sel, err := s.Select(ctx, req.Folder, req.Recursive)
	if err != nil {
		return nil, err
	}

	if sel.Empty {
		job.report(Progress{})
		return &Result{Folder: sel.Folder, Empty: true, Warnings: sel.Listing.Warnings, Rows: []model.ResultRow{}}, nil
	}
	if sel.Cached != nil && !req.Force {
		n := len(sel.Cached.Rows)
		job.report(Progress{Done: n, Total: n})
		zap.L().Info("scan: served from cache", zap.String("folder", sel.Folder), zap.Int("frames", n))
		return &Result{
			Folder:       sel.Folder,
			Rows:         sel.Cached.Rows,
			Counts:       model.Tally(sel.Cached.Rows),
			FromCache:    true,
			Warnings:     sel.Listing.Warnings,
			ModelVersion: sel.Cached.ModelVersion,
			Elapsed:      time.Since(start),
		}, nil
	}

	cls, err := s.classifier()
	if err != nil {
		return nil, err
	}

	total := len(sel.Listing.Frames)
	job.report(Progress{Total: total})
	prep := preprocess.New(cls.InputSize(), cls.Normalization())
	sched := &batch.Scheduler{
		Size:       s.opts.BatchSize,
		AutoTune:   s.opts.AutoTune,
		Prep:       preprocess.NewPool(prep, s.opts.Workers),
		Classifier: cls,
		Progress: func(done, total int) {
			job.report(Progress{Done: done, Total: total})
		},
	}
	outcomes, err := sched.Run(ctx, sel.Listing.Paths())
	if err != nil {
		return nil, eris.Wrap(err, "scan: run pipeline")
	}

	rows := assemble(sel.Listing.Frames, outcomes, s.currentEngine())
	markBursts(rows)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if !req.Force || req.KeepOverrides {
		// Unchanged frames keep manual decisions from the previous entry.
		if prev, err := s.cache.Load(ctx, sel.Folder); err == nil && prev != nil {
			carryOverrides(rows, prev)
		}
	}

	entry := &model.CacheEntry{
		Folder:       sel.Folder,
		Fingerprint:  sel.Fingerprint,
		ModelVersion: cls.Version(),
		GeneratedAt:  time.Now().UTC(),
		Rows:         rows,
	}
	if err := s.cache.Store(ctx, entry); err != nil {
		zap.L().Warn("scan: could not store results in cache", zap.String("folder", sel.Folder), zap.Error(err))
	}

	res := &Result{
		Folder:       sel.Folder,
		Rows:         rows,
		Counts:       model.Tally(rows),
		Warnings:     sel.Listing.Warnings,
		ModelVersion: cls.Version(),
		Elapsed:      time.Since(start),
	}
	zap.L().Info("scan: complete",
		zap.String("folder", sel.Folder),
		zap.Int("frames", total),
		zap.Int("present", res.Counts.Present),
		zap.Int("uncertain", res.Counts.Uncertain),
		zap.Int("empty", res.Counts.Empty),
		zap.Int("unclassified", res.Counts.Unclassified),
		zap.Duration("elapsed", res.Elapsed),
	)
	return res, nil
}

// classifier loads the model on first use.
func (s *Service) classifier() (Classifier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cls != nil {
		return s.cls, nil
	}
	if s.load == nil {
		return nil, eris.New("scan: no model loader configured")
	}
	cls, err := s.load()
	if err != nil {
		return nil, err
	}
	s.cls = cls
	return cls, nil
}

// Reload drops the loaded model; the next scan loads it again.
func (s *Service) Reload() error {
	s.mu.Lock()
	cls := s.cls
	s.cls = nil
	s.mu.Unlock()
	if cls == nil {
		return nil
	}
	return cls.Close()
}

// Close releases the model and the cache.
func (s *Service) Close() error {
	err := s.Reload()
	if cerr := s.cache.Close(); err == nil {
		err = cerr
	}
	return err
}

// Rows returns the stored rows for a folder, or cache.ErrNotFound when the
// folder was never scanned or its entry is unreadable.
func (s *Service) Rows(ctx context.Context, folder string) ([]model.ResultRow, error) {
	entry, err := cache.LoadEntry(ctx, s.cache, folder)
	if err != nil {
		return nil, err
	}
	return entry.Rows, nil
}

// Recompute applies new decision parameters to a folder's stored
// classifications without running the model. Manual overrides are kept.
// The new parameters also apply to later scans.
func (s *Service) Recompute(ctx context.Context, folder string, cfg decision.Config) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	engine := decision.New(cfg)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	entry, err := cache.LoadEntry(ctx, s.cache, folder)
	if err != nil {
		return nil, err
	}
	entry.Rows = engine.Recompute(entry.Rows)
	if err := s.cache.Store(ctx, entry); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.dcfg, s.engine = cfg, engine
	s.mu.Unlock()
	return &Result{
		Folder:       entry.Folder,
		Rows:         entry.Rows,
		Counts:       model.Tally(entry.Rows),
		FromCache:    true,
		ModelVersion: entry.ModelVersion,
	}, nil
}

// Override assigns a label to one frame by hand. path may be absolute or
// relative to the folder.
func (s *Service) Override(ctx context.Context, folder, path, label string) (*model.ResultRow, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return nil, eris.New("scan: override label is empty")
	}
	d := s.currentEngine().Manual(label)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	entry, err := cache.ApplyOverride(ctx, s.cache, folder, path, d)
	if err != nil {
		return nil, err
	}
	row := entry.Rows[entry.FindRow(path)]
	zap.L().Info("scan: manual override",
		zap.String("folder", entry.Folder),
		zap.String("frame", row.Frame.RelPath),
		zap.String("kind", string(row.Decision.Kind)),
		zap.String("label", row.Decision.Label),
	)
	return &row, nil
}

func assemble(frames []model.FrameRecord, outcomes []batch.Outcome, engine *decision.Engine) []model.ResultRow {
	rows := make([]model.ResultRow, len(frames))
	for i, f := range frames {
		o := outcomes[i]
		f.CaptureTime = o.CaptureTime
		f.Hash = o.Hash
		if o.Err != nil || o.Classification == nil {
			f.Status = model.DecodeFailed
			rows[i] = model.ResultRow{Frame: f, Decision: model.Unclassified()}
			continue
		}
		f.Status = model.DecodeOK
		rows[i] = model.ResultRow{
			Frame:          f,
			Classification: o.Classification,
			Decision:       engine.Decide(*o.Classification),
		}
	}
	return rows
}

// markBursts links consecutive, perceptually identical frames to the first
// frame of their run.
func markBursts(rows []model.ResultRow) {
	head := -1
	for i := range rows {
		if rows[i].Frame.Hash == "" {
			head = -1
			continue
		}
		if head >= 0 && preprocess.SameBurst(rows[i-1].Frame.Hash, rows[i].Frame.Hash) {
			rows[i].DuplicateOf = rows[head].Frame.RelPath
			continue
		}
		head = i
	}
}

func carryOverrides(rows []model.ResultRow, prev *model.CacheEntry) {
	manual := make(map[string]model.ResultRow)
	for _, r := range prev.Rows {
		if r.Decision.Manual {
			manual[r.Frame.RelPath] = r
		}
	}
	if len(manual) == 0 {
		return
	}
	for i := range rows {
		old, ok := manual[rows[i].Frame.RelPath]
		if !ok || old.Frame.Size != rows[i].Frame.Size || !old.Frame.ModTime.Equal(rows[i].Frame.ModTime) {
			continue
		}
		rows[i].Decision = old.Decision
	}
}
