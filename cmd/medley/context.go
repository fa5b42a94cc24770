package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"

	"github.com/jacentio/medley/internal/config"
	"github.com/jacentio/medley/internal/logging"
	"github.com/jacentio/medley/notify"
	"github.com/jacentio/medley/reconcile"
	"github.com/jacentio/medley/store"
)

type commandContext struct {
	configPath string
	logFormat  string
	jsonOutput bool
	stderr     io.Writer

	configOnce sync.Once
	config     *config.Config
	configErr  error
	logger     *slog.Logger

	store    store.DocumentStore
	engine   *reconcile.Engine
	notifier *notify.Publisher
}

func newCommandContext() *commandContext {
	return &commandContext{stderr: os.Stderr}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, err := config.Load(strings.TrimSpace(c.configPath))
		if err != nil {
			c.configErr = err
			return
		}
		logCfg := cfg.Logging
		logCfg.Output = c.stderr
		switch format := strings.TrimSpace(c.logFormat); {
		case format != "":
			logCfg.Format = format
		case isTerminal(c.stderr):
			logCfg.Format = "console"
		}
		_, c.logger = logging.Install(logCfg)
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) ensureEngine(ctx context.Context) (*reconcile.Engine, error) {
	if c.engine != nil {
		return c.engine, nil
	}
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	schemas := cfg.KeySchemas()
	s, err := openStore(ctx, cfg.Store, c.logger, store.WithIndexes(indexesFor(schemas)...))
	if err != nil {
		return nil, err
	}
	c.store = s
	c.engine = reconcile.New(s, reconcile.WithKeySchemas(schemas), reconcile.WithLogger(c.logger))
	return c.engine, nil
}

func (c *commandContext) ensureNotifier() (*notify.Publisher, error) {
	if c.notifier != nil {
		return c.notifier, nil
	}
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	n, err := notify.Open(cfg.Notify.Transport(), c.logger)
	if err != nil {
		return nil, err
	}
	c.notifier = n
	return n, nil
}

func (c *commandContext) close() error {
	var errs []error
	if c.notifier != nil {
		errs = append(errs, c.notifier.Close())
		c.notifier = nil
	}
	if c.store != nil {
		errs = append(errs, c.store.Close())
		c.store = nil
		c.engine = nil
	}
	return errors.Join(errs...)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
