package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/trapscan/internal/cache"
	"github.com/sells-group/trapscan/internal/classifier"
	"github.com/sells-group/trapscan/internal/db"
	"github.com/sells-group/trapscan/internal/decision"
	"github.com/sells-group/trapscan/internal/scan"
)

// backends is extended by build-tagged files with native backends.
var backends = classifier.DefaultRegistry()

// migrator is implemented by both cache backends.
type migrator interface {
	Migrate(ctx context.Context) error
}

func initCache(ctx context.Context) (cache.Cache, error) {
	var (
		c   cache.Cache
		err error
	)
	switch cfg.Cache.Driver {
	case "sqlite", "":
		path := cfg.Cache.Path
		if path == "" {
			path = cache.DefaultPath()
		}
		c, err = cache.NewSQLite(path)
	case "postgres":
		c, err = cache.NewPostgres(ctx, cfg.Cache.DatabaseURL, &db.PoolConfig{
			MaxConns: cfg.Cache.MaxConns,
			MinConns: cfg.Cache.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported cache driver: %s", cfg.Cache.Driver)
	}
	if err != nil {
		return nil, err
	}
	if m, ok := c.(migrator); ok {
		if err := m.Migrate(ctx); err != nil {
			_ = c.Close()
			return nil, eris.Wrap(err, "migrate cache")
		}
	}
	return c, nil
}

func decisionConfig() decision.Config {
	dc := decision.Config{
		Threshold:  cfg.Decision.Threshold,
		Background: cfg.Decision.BackgroundLabels,
		Something:  cfg.Decision.SomethingLabel,
	}
	if len(dc.Background) == 0 {
		dc.Background = append([]string(nil), decision.DefaultBackground...)
	}
	return dc
}

func loadClassifier() (scan.Classifier, error) {
	c, err := classifier.Load(classifier.Options{
		Dir:      cfg.Model.Dir,
		Backend:  cfg.Model.Backend,
		Registry: backends,
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// initService opens the cache and builds the scan service. The model is
// loaded on first use.
func initService(ctx context.Context, mode string) (*scan.Service, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	c, err := initCache(ctx)
	if err != nil {
		return nil, err
	}
	return scan.NewService(c, loadClassifier, decisionConfig(), scan.Options{
		Extensions: cfg.Scan.Extensions,
		BatchSize:  cfg.Batch.Size,
		AutoTune:   cfg.Batch.AutoTune,
		Workers:    cfg.Batch.Workers,
	}), nil
}
