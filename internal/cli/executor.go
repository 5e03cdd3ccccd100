package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"code.cloudfoundry.org/lager/v3"
	"code.cloudfoundry.org/lager/v3/lagerctx"

	"axbuild/internal/config"
	"axbuild/internal/metrics"
	"axbuild/internal/runstate"
	"axbuild/internal/toolrun"
	"axbuild/internal/trace"
)

// pipeline carries the state shared by the steps of one invocation.
type pipeline struct {
	inv  Invocation
	opts Options
	cfg  *config.Config

	metrics *metrics.Metrics
	report  *trace.Recorder
	run     *runstate.Recorder

	graphHash string
}

// Execute runs a parsed invocation.
//
// Responsibilities:
//   - Load and validate configuration (defaults, file, environment, flags).
//   - Record the run under the work path.
//   - Write metrics and the build report even on failure.
//   - On failure write the error marker file and exit with ExitFailure.
func Execute(ctx context.Context, inv Invocation, opts Options) (res Result, execErr error) {
	res.ExitCode = ExitFailure

	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	cfg, err := loadConfig(inv, opts)

	root := newLogger(stderr, logLevel(cfg.LogLevel))
	ctx = lagerctx.NewContext(ctx, root)
	logger := root.Session(inv.Command)

	p := &pipeline{
		inv:     inv,
		opts:    opts,
		cfg:     cfg,
		metrics: metrics.New(),
		report:  trace.NewRecorder(),
	}

	errFile := errorFilePath(inv, cfg)
	if rmErr := removeErrorFile(errFile); rmErr != nil {
		logger.Error("failed-to-remove-stale-error-file", rmErr, lager.Data{"path": errFile})
	}

	p.run = startRun(logger, cfg.WorkPath, inv.Command)
	if p.run != nil {
		res.RunID = p.run.RunID()
	}

	var outputs []string
	if err == nil {
		outputs, err = p.execute(ctx)
	}
	if flushErr := p.flush(); flushErr != nil && err == nil {
		err = flushErr
	}

	if err == nil {
		if p.run != nil {
			if recErr := p.run.Succeed(); recErr != nil {
				logger.Error("failed-to-record-run", recErr)
			}
		}
		logger.Info("done", lager.Data{"outputs": outputs})
		res.ExitCode = ExitSuccess
		res.Outputs = outputs
		return res, nil
	}

	failure := classify(err)
	data := lager.Data{"error-file": errFile}
	if strings.EqualFold(cfg.LogLevel, "debug") {
		data["chain"] = errorChain(err)
	}
	logger.Error("failed", failure, data)

	if wErr := writeErrorFile(errFile, failure); wErr != nil {
		logger.Error("failed-to-write-error-file", wErr, lager.Data{"path": errFile})
	}
	if p.run != nil {
		if recErr := p.run.Fail(failure); recErr != nil {
			logger.Error("failed-to-record-failure", recErr)
		}
	}

	res.Summary = summary(failure)
	if inv.Global.PropagateErrors {
		return res, failure
	}
	return res, nil
}

// loadConfig always returns a usable Config so the failure path can still
// log, record and write the error file. The error is set when loading or
// validation failed.
func loadConfig(inv Invocation, opts Options) (*config.Config, error) {
	cfg, err := config.Load(config.LoadOptions{File: inv.Global.ConfigFile, Environment: opts.Environment})
	if err != nil {
		cfg = config.Default()
		inv.apply(cfg)
		_ = cfg.ResolvePaths()
		return cfg, &runstate.ConfigurationError{Code: "ConfigurationLoad", Message: err.Error(), Cause: err}
	}
	inv.apply(cfg)
	if err := cfg.ResolvePaths(); err != nil {
		return cfg, &runstate.ConfigurationError{Code: "ConfigurationLoad", Message: err.Error(), Cause: err}
	}
	if err := cfg.Validate(inv.scope()); err != nil {
		if !containsFold([]string{"debug", "info", "error", "fatal"}, cfg.LogLevel) {
			cfg.LogLevel = "info"
		}
		return cfg, err
	}
	return cfg, nil
}

func newLogger(w io.Writer, level lager.LogLevel) lager.Logger {
	logger := lager.NewLogger("axbuild")
	sink := lager.NewReconfigurableSink(lager.NewWriterSink(w, lager.DEBUG), level)
	logger.RegisterSink(sink)
	return logger
}

func logLevel(s string) lager.LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return lager.DEBUG
	case "error":
		return lager.ERROR
	case "fatal":
		return lager.FATAL
	default:
		return lager.INFO
	}
}

// startRun opens the run record. Recording is best effort: a run that
// cannot be recorded still executes.
func startRun(logger lager.Logger, workPath, command string) *runstate.Recorder {
	store, err := runstate.NewStore(workPath)
	if err != nil {
		logger.Error("failed-to-open-run-store", err, lager.Data{"work-path": workPath})
		return nil
	}
	rec := runstate.NewRecorder(store)
	if _, err := rec.Start(command); err != nil {
		logger.Error("failed-to-record-run", err, lager.Data{"work-path": workPath})
		return nil
	}
	return rec
}

func (p *pipeline) execute(ctx context.Context) (outputs []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &runstate.SystemFailureError{Code: "Panic", Message: fmt.Sprint(r)}
		}
	}()

	switch p.inv.Command {
	case CommandGenerateProject:
		return p.generateProject(ctx)
	case CommandPackageRuntime:
		return p.packageRuntime(ctx)
	case CommandPackageSource:
		return p.packageSource(ctx)
	default:
		return nil, invalidInvocationf("unknown command %q", p.inv.Command)
	}
}

func (p *pipeline) setGraphHash(ctx context.Context, hash string) {
	p.graphHash = hash
	if p.run == nil {
		return
	}
	if err := p.run.SetGraphHash(hash); err != nil {
		lagerctx.FromContext(ctx).Error("failed-to-record-graph-hash", err)
	}
}

func (p *pipeline) runner() toolrun.Runner {
	if p.opts.Runner != nil {
		return p.opts.Runner
	}
	return toolrun.NewExecutor()
}

// flush writes the metrics textfile and the build report.
func (p *pipeline) flush() error {
	var errs []error
	if err := p.metrics.WriteFile(p.cfg.MetricsFile); err != nil {
		errs = append(errs, fmt.Errorf("write metrics: %w", err))
	}
	if path := p.inv.Global.TracePath; path != "" {
		if err := p.report.WriteFile(path, p.inv.Command, p.graphHash); err != nil {
			errs = append(errs, fmt.Errorf("write build report: %w", err))
		}
	}
	return errors.Join(errs...)
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
