package scan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/trapscan/internal/cache"
	"github.com/sells-group/trapscan/internal/classifier"
	"github.com/sells-group/trapscan/internal/decision"
	"github.com/sells-group/trapscan/internal/model"
	"github.com/sells-group/trapscan/internal/preprocess"
	"github.com/sells-group/trapscan/internal/scanner"
)

const testSize = 8

var (
	red   = color.RGBA{R: 255, A: 255}
	green = color.RGBA{G: 255, A: 255}
	blue  = color.RGBA{B: 255, A: 255}
)

// colorClassifier maps the dominant channel of a frame to a fixed score.
type colorClassifier struct {
	calls  atomic.Int32
	frames atomic.Int32
}

func (c *colorClassifier) Classify(_ context.Context, batch [][]float32) ([]model.Classification, error) {
	c.calls.Add(1)
	c.frames.Add(int32(len(batch)))
	labels := []string{"sparrow", "achtergrond", "unknown_species"}
	hw := testSize * testSize
	out := make([]model.Classification, len(batch))
	for i, t := range batch {
		var probs []float64
		switch {
		case t[0] > 0.5:
			probs = []float64{0.91, 0.09, 0}
		case t[hw] > 0.5:
			probs = []float64{0.01, 0.98, 0.01}
		default:
			probs = []float64{0.30, 0.28, 0.42}
		}
		cls, err := model.NewClassification(labels, probs)
		if err != nil {
			return nil, err
		}
		out[i] = cls
	}
	return out, nil
}

func (c *colorClassifier) Version() string { return "color@1" }
func (c *colorClassifier) InputSize() int  { return testSize }
func (c *colorClassifier) Normalization() preprocess.Normalization {
	return preprocess.Normalization{Std: [3]float32{1, 1, 1}}
}
func (c *colorClassifier) Close() error { return nil }

// memCache keeps entries as JSON to mimic persistence.
type memCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	corrupt bool
}

func newMemCache() *memCache {
	return &memCache{entries: map[string][]byte{}}
}

func (m *memCache) Load(_ context.Context, folder string) (*model.CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.corrupt {
		return nil, fmt.Errorf("decode: %w", cache.ErrCacheCorrupt)
	}
	key, err := cache.Key(folder)
	if err != nil {
		return nil, err
	}
	data, ok := m.entries[key]
	if !ok {
		return nil, nil
	}
	var e model.CacheEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (m *memCache) Store(_ context.Context, e *model.CacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, err := cache.Key(e.Folder)
	if err != nil {
		return err
	}
	e.Key = key
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	m.entries[key] = data
	m.corrupt = false
	return nil
}

func (m *memCache) Delete(_ context.Context, folder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, err := cache.Key(folder)
	if err != nil {
		return err
	}
	delete(m.entries, key)
	return nil
}

func (m *memCache) List(context.Context) ([]cache.Summary, error) { return nil, nil }
func (m *memCache) Close() error                                  { return nil }

func writeFrame(t *testing.T, dir, name string, c color.Color) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, c)
		}
	}
	f, err := os.Create(filepath.Join(dir, name))
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

type fixture struct {
	svc   *Service
	cls   *colorClassifier
	cache *memCache
	loads atomic.Int32
}

func newFixture(t *testing.T, threshold float64) *fixture {
	t.Helper()
	fx := &fixture{cls: &colorClassifier{}, cache: newMemCache()}
	load := func() (Classifier, error) {
		fx.loads.Add(1)
		return fx.cls, nil
	}
	dcfg := decision.Config{Threshold: threshold, Background: []string{"achtergrond"}, Something: decision.DefaultSomething}
	fx.svc = NewService(fx.cache, load, dcfg, Options{BatchSize: 4, Workers: 2})
	return fx
}

// sparrowFolder holds 6 red frames and 4 green frames.
func sparrowFolder(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for i := 0; i < 6; i++ {
		writeFrame(t, dir, fmt.Sprintf("s%02d.png", i), red)
	}
	for i := 0; i < 4; i++ {
		writeFrame(t, dir, fmt.Sprintf("b%02d.png", i), green)
	}
	return dir
}

func TestScan_EmptyFolder(t *testing.T) {
	fx := newFixture(t, 0.6)
	res, err := fx.svc.Scan(context.Background(), Request{Folder: t.TempDir()})
	require.NoError(t, err)
	assert.True(t, res.Empty)
	assert.Empty(t, res.Rows)
	assert.Equal(t, int32(0), fx.loads.Load(), "model not loaded for an empty folder")
}

func TestScan_PresentAndEmpty(t *testing.T) {
	fx := newFixture(t, 0.6)
	dir := sparrowFolder(t)

	res, err := fx.svc.Scan(context.Background(), Request{Folder: dir})
	require.NoError(t, err)
	require.Len(t, res.Rows, 10)
	assert.False(t, res.FromCache)
	assert.Equal(t, 6, res.Counts.Present)
	assert.Equal(t, 4, res.Counts.Empty)

	for _, row := range res.Rows {
		assert.Equal(t, model.DecodeOK, row.Frame.Status)
		switch row.Frame.RelPath[0] {
		case 's':
			assert.Equal(t, model.Present("sparrow", 0.91), row.Decision)
		case 'b':
			assert.Equal(t, model.KindEmpty, row.Decision.Kind)
			assert.Equal(t, "achtergrond", row.Decision.Label)
		}
	}
	assert.Equal(t, "color@1", res.ModelVersion)
}

func TestScan_Uncertain(t *testing.T) {
	fx := newFixture(t, 0.6)
	dir := t.TempDir()
	writeFrame(t, dir, "x.png", blue)

	res, err := fx.svc.Scan(context.Background(), Request{Folder: dir})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, model.Uncertain("unknown_species", 0.42), res.Rows[0].Decision)
}

func TestScan_RescanServedFromCache(t *testing.T) {
	fx := newFixture(t, 0.6)
	dir := sparrowFolder(t)
	ctx := context.Background()

	first, err := fx.svc.Scan(ctx, Request{Folder: dir})
	require.NoError(t, err)
	calls := fx.cls.calls.Load()
	require.Positive(t, calls)

	second, err := fx.svc.Scan(ctx, Request{Folder: dir})
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, calls, fx.cls.calls.Load(), "classifier must not run on a cache hit")
	assert.Equal(t, first.Rows, second.Rows)

	sel, err := fx.svc.Select(ctx, dir, false)
	require.NoError(t, err)
	require.NotNil(t, sel.Cached)

	// a touched file invalidates the entry
	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "s00.png"), later, later))
	third, err := fx.svc.Scan(ctx, Request{Folder: dir})
	require.NoError(t, err)
	assert.False(t, third.FromCache)
	assert.Greater(t, fx.cls.calls.Load(), calls)

	// forced rescan ignores a valid entry
	calls = fx.cls.calls.Load()
	forced, err := fx.svc.Scan(ctx, Request{Folder: dir, Force: true})
	require.NoError(t, err)
	assert.False(t, forced.FromCache)
	assert.Greater(t, fx.cls.calls.Load(), calls)
}

func TestScan_DecodeFailureDoesNotAbort(t *testing.T) {
	fx := newFixture(t, 0.6)
	dir := t.TempDir()
	for i := 0; i < 9; i++ {
		writeFrame(t, dir, fmt.Sprintf("f%02d.png", i), red)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f04b.jpg"), []byte("\xff\xd8\xff garbage"), 0o644))

	res, err := fx.svc.Scan(context.Background(), Request{Folder: dir})
	require.NoError(t, err)
	require.Len(t, res.Rows, 10)
	assert.Equal(t, 9, res.Counts.Present)
	assert.Equal(t, 1, res.Counts.Unclassified)
	assert.Equal(t, int32(9), fx.cls.frames.Load())

	for _, row := range res.Rows {
		if row.Frame.RelPath == "f04b.jpg" {
			assert.Equal(t, model.DecodeFailed, row.Frame.Status)
			assert.Equal(t, model.KindUnclassified, row.Decision.Kind)
			assert.Nil(t, row.Classification)
		}
	}
}

func TestScan_BurstsMarked(t *testing.T) {
	fx := newFixture(t, 0.6)
	dir := t.TempDir()
	writeFrame(t, dir, "a.png", red)
	writeFrame(t, dir, "b.png", red)
	writeFrame(t, dir, "c.png", red)

	res, err := fx.svc.Scan(context.Background(), Request{Folder: dir})
	require.NoError(t, err)
	require.Len(t, res.Rows, 3)
	assert.Empty(t, res.Rows[0].DuplicateOf)
	assert.Equal(t, "a.png", res.Rows[1].DuplicateOf)
	assert.Equal(t, "a.png", res.Rows[2].DuplicateOf)
}

func TestScan_FolderReadError(t *testing.T) {
	fx := newFixture(t, 0.6)
	_, err := fx.svc.Scan(context.Background(), Request{Folder: filepath.Join(t.TempDir(), "missing")})
	var fre *scanner.FolderReadError
	require.ErrorAs(t, err, &fre)
	assert.False(t, fx.svc.Running())
}

func TestScan_ModelLoadError(t *testing.T) {
	dir := sparrowFolder(t)
	load := func() (Classifier, error) {
		return nil, &classifier.ModelLoadError{Path: "/models", Err: errors.New("missing weights")}
	}
	svc := NewService(newMemCache(), load, decision.DefaultConfig(), Options{})

	_, err := svc.Scan(context.Background(), Request{Folder: dir})
	var mle *classifier.ModelLoadError
	require.ErrorAs(t, err, &mle)
}

func TestScan_CorruptCacheTreatedAsMiss(t *testing.T) {
	fx := newFixture(t, 0.6)
	dir := sparrowFolder(t)
	fx.cache.corrupt = true

	res, err := fx.svc.Scan(context.Background(), Request{Folder: dir})
	require.NoError(t, err)
	assert.False(t, res.FromCache)
	assert.Len(t, res.Rows, 10)
}

func TestStart_BusyAndProgress(t *testing.T) {
	release := make(chan struct{})
	cls := &colorClassifier{}
	load := func() (Classifier, error) {
		<-release
		return cls, nil
	}
	svc := NewService(newMemCache(), load, decision.Config{Threshold: 0.6, Background: []string{"achtergrond"}}, Options{BatchSize: 3})
	dir := sparrowFolder(t)

	job, err := svc.Start(context.Background(), Request{Folder: dir})
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.True(t, svc.Running())

	_, err = svc.Start(context.Background(), Request{Folder: dir})
	assert.ErrorIs(t, err, ErrBusy)

	state, _, _, _ := job.Snapshot()
	assert.Equal(t, JobRunning, state)
	close(release)

	var last Progress
	for p := range job.Progress() {
		assert.LessOrEqual(t, p.Done, p.Total)
		last = p
	}
	assert.Equal(t, 10, last.Total)
	assert.Equal(t, 10, last.Done)

	res, err := job.Wait()
	require.NoError(t, err)
	assert.Len(t, res.Rows, 10)

	state, p, snap, err := job.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, JobDone, state)
	assert.Equal(t, Progress{Done: 10, Total: 10}, p)
	assert.Same(t, res, snap)

	assert.Eventually(t, func() bool { return !svc.Running() }, time.Second, 5*time.Millisecond)
}

func TestRecompute_HonorsOverrides(t *testing.T) {
	fx := newFixture(t, 0.6)
	dir := sparrowFolder(t)
	ctx := context.Background()

	_, err := fx.svc.Scan(ctx, Request{Folder: dir})
	require.NoError(t, err)

	row, err := fx.svc.Override(ctx, dir, "s00.png", "Koolmees")
	require.NoError(t, err)
	assert.Equal(t, model.Present("Koolmees", 1).AsManual(), row.Decision)

	calls := fx.cls.calls.Load()
	res, err := fx.svc.Recompute(ctx, dir, decision.Config{Threshold: 0.95, Background: []string{"achtergrond"}})
	require.NoError(t, err)
	assert.Equal(t, calls, fx.cls.calls.Load())
	assert.Equal(t, 0.95, fx.svc.DecisionConfig().Threshold)

	for _, r := range res.Rows {
		switch {
		case r.Frame.RelPath == "s00.png":
			assert.Equal(t, model.Present("Koolmees", 1).AsManual(), r.Decision)
		case r.Frame.RelPath[0] == 's':
			assert.Equal(t, model.Uncertain("sparrow", 0.91), r.Decision)
		default:
			assert.Equal(t, model.KindEmpty, r.Decision.Kind)
		}
	}

	// recompute persisted
	rows, err := fx.svc.Rows(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, res.Rows, rows)

	// going back restores the automatic decisions
	res, err = fx.svc.Recompute(ctx, dir, decision.Config{Threshold: 0.6, Background: []string{"achtergrond"}})
	require.NoError(t, err)
	assert.Equal(t, 6, res.Counts.Present)
	assert.Equal(t, 1, res.Counts.Manual)

	_, err = fx.svc.Recompute(ctx, dir, decision.Config{Threshold: 2})
	assert.Error(t, err)
}

func TestOverride(t *testing.T) {
	fx := newFixture(t, 0.6)
	dir := sparrowFolder(t)
	ctx := context.Background()
	_, err := fx.svc.Scan(ctx, Request{Folder: dir})
	require.NoError(t, err)

	row, err := fx.svc.Override(ctx, dir, filepath.Join(dir, "s01.png"), "achtergrond")
	require.NoError(t, err)
	assert.Equal(t, model.KindEmpty, row.Decision.Kind)
	assert.True(t, row.Decision.Manual)

	row, err = fx.svc.Override(ctx, dir, "s02.png", "iets sp")
	require.NoError(t, err)
	assert.Equal(t, model.KindUncertain, row.Decision.Kind)

	_, err = fx.svc.Override(ctx, dir, "nope.png", "vos")
	assert.ErrorIs(t, err, cache.ErrNotFound)

	_, err = fx.svc.Override(ctx, dir, "s03.png", "   ")
	assert.Error(t, err)

	// a forced rescan can opt in to keeping overrides on unchanged frames
	res, err := fx.svc.Scan(ctx, Request{Folder: dir, Force: true, KeepOverrides: true})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Counts.Manual)

	// a plain forced rescan recomputes every row
	res, err = fx.svc.Scan(ctx, Request{Folder: dir, Force: true})
	require.NoError(t, err)
	assert.Zero(t, res.Counts.Manual)
	rows, err := fx.svc.Rows(ctx, dir)
	require.NoError(t, err)
	for _, r := range rows {
		assert.False(t, r.Decision.Manual, r.Frame.RelPath)
	}
}

func TestScan_ChangedFolderKeepsOverrides(t *testing.T) {
	fx := newFixture(t, 0.6)
	dir := sparrowFolder(t)
	ctx := context.Background()
	_, err := fx.svc.Scan(ctx, Request{Folder: dir})
	require.NoError(t, err)
	_, err = fx.svc.Override(ctx, dir, "s01.png", "achtergrond")
	require.NoError(t, err)
	_, err = fx.svc.Override(ctx, dir, "s02.png", "achtergrond")
	require.NoError(t, err)

	// touching s02 changes the fingerprint and drops only its override
	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "s02.png"), later, later))
	res, err := fx.svc.Scan(ctx, Request{Folder: dir})
	require.NoError(t, err)
	assert.False(t, res.FromCache)
	assert.Equal(t, 1, res.Counts.Manual)
}

func TestCorruptEntry_IsNotFound(t *testing.T) {
	fx := newFixture(t, 0.6)
	dir := sparrowFolder(t)
	ctx := context.Background()
	_, err := fx.svc.Scan(ctx, Request{Folder: dir})
	require.NoError(t, err)
	fx.cache.corrupt = true

	_, err = fx.svc.Rows(ctx, dir)
	assert.ErrorIs(t, err, cache.ErrNotFound)
	_, err = fx.svc.Recompute(ctx, dir, decision.Config{Threshold: 0.9})
	assert.ErrorIs(t, err, cache.ErrNotFound)
	_, err = fx.svc.Override(ctx, dir, "s01.png", "vos")
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestRecompute_UnknownFolderKeepsSettings(t *testing.T) {
	fx := newFixture(t, 0.6)
	before := fx.svc.DecisionConfig()

	_, err := fx.svc.Recompute(context.Background(), t.TempDir(), decision.Config{Threshold: 0.95})
	require.ErrorIs(t, err, cache.ErrNotFound)
	assert.Equal(t, before, fx.svc.DecisionConfig())
}

func TestRows_NotFound(t *testing.T) {
	fx := newFixture(t, 0.6)
	_, err := fx.svc.Rows(context.Background(), t.TempDir())
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestReload(t *testing.T) {
	fx := newFixture(t, 0.6)
	dir := sparrowFolder(t)
	ctx := context.Background()

	_, err := fx.svc.Scan(ctx, Request{Folder: dir})
	require.NoError(t, err)
	require.NoError(t, fx.svc.Reload())
	_, err = fx.svc.Scan(ctx, Request{Folder: dir, Force: true})
	require.NoError(t, err)
	assert.Equal(t, int32(2), fx.loads.Load())
}

func TestScan_SQLiteCache(t *testing.T) {
	st, err := cache.NewSQLite(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	cls := &colorClassifier{}
	svc := NewService(st, func() (Classifier, error) { return cls, nil },
		decision.Config{Threshold: 0.6, Background: []string{"achtergrond"}}, Options{})
	defer svc.Close() //nolint:errcheck

	dir := sparrowFolder(t)
	first, err := svc.Scan(context.Background(), Request{Folder: dir})
	require.NoError(t, err)
	second, err := svc.Scan(context.Background(), Request{Folder: dir})
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	require.Len(t, second.Rows, len(first.Rows))
	for i := range first.Rows {
		assert.Equal(t, first.Rows[i].Decision, second.Rows[i].Decision)
		assert.Equal(t, first.Rows[i].Frame.RelPath, second.Rows[i].Frame.RelPath)
	}
}
