package toolrun

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"code.cloudfoundry.org/lager/v3"
	"code.cloudfoundry.org/lager/v3/lagerctx"
	"github.com/cenkalti/backoff/v5"

	"axbuild/internal/fsutil"
)

// DefaultRetries is the number of additional attempts after the first one.
const DefaultRetries = 2

type Class int

const (
	Transient Class = iota
	Permanent
)

// Classify treats failed runs as transient and everything that prevents a
// run (missing tool, cancelled context) as permanent.
func Classify(err error) Class {
	var start *StartError
	switch {
	case errors.As(err, &start):
		return Permanent
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return Permanent
	default:
		return Transient
	}
}

type RetryPolicy struct {
	Tool     string
	Retries  int
	Delay    time.Duration
	Classify func(error) Class
	// OnRetry is called before every repeated attempt.
	OnRetry func(attempt int, err error)
}

// Retry runs op until it succeeds, fails permanently or 1+Retries attempts
// are used up. Exhaustion yields a *RetryError carrying every attempt's log.
func Retry[T any](ctx context.Context, policy RetryPolicy, op func(attempt int) (T, error)) (T, error) {
	classify := policy.Classify
	if classify == nil {
		classify = Classify
	}
	retries := policy.Retries
	if retries < 0 {
		retries = 0
	}

	var (
		attempt int
		log     strings.Builder
		last    error
	)
	res, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		if attempt > 1 && policy.OnRetry != nil {
			policy.OnRetry(attempt, last)
		}
		v, err := op(attempt)
		if err == nil {
			return v, nil
		}
		last = err
		fmt.Fprintf(&log, "attempt %d: %s\n", attempt, errorLog(err))
		if classify(err) == Permanent {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(policy.Delay)),
		backoff.WithMaxTries(uint(retries+1)),
		backoff.WithMaxElapsedTime(0),
	)
	if err == nil {
		return res, nil
	}
	if last == nil {
		return res, err
	}
	if classify(last) == Permanent && attempt == 1 {
		return res, last
	}
	return res, &RetryError{Tool: policy.Tool, Attempts: attempt, Log: log.String(), Last: last}
}

func errorLog(err error) string {
	var te *ToolError
	if errors.As(err, &te) && strings.TrimSpace(te.Stderr) != "" {
		return fmt.Sprintf("%v\n%s", err, strings.TrimSpace(te.Stderr))
	}
	return err.Error()
}

// ToleratedSuccess reports whether a failed invocation actually did its job:
// the expected output exists with content and nothing was written to stderr.
func ToleratedSuccess(inv Invocation, res *Result, err error) bool {
	if err == nil || inv.Output == "" {
		return false
	}
	if res != nil && len(bytes.TrimSpace(res.Stderr)) > 0 {
		return false
	}
	var te *ToolError
	if errors.As(err, &te) && strings.TrimSpace(te.Stderr) != "" {
		return false
	}
	return fsutil.NonEmptyFile(inv.Output)
}

// RunWithRetry runs inv under policy. A failed attempt removes whatever it
// left at inv.Output, so only a successful attempt's output remains.
func RunWithRetry(ctx context.Context, runner Runner, inv Invocation, policy RetryPolicy) (*Result, error) {
	if policy.Tool == "" {
		policy.Tool = inv.Tool
	}
	return Retry(ctx, policy, func(attempt int) (*Result, error) {
		return RunOnce(ctx, runner, inv)
	})
}

// RunOnce runs inv a single time, accepting a tolerated success and removing
// partial output on failure.
func RunOnce(ctx context.Context, runner Runner, inv Invocation) (*Result, error) {
	logger := lagerctx.FromContext(ctx).Session("run-tool", lager.Data{"tool": inv.Tool})

	logger.Debug("invoke", lager.Data{"command": inv.String()})
	res, err := runner.Run(ctx, inv)
	if err == nil {
		return res, nil
	}
	if ToleratedSuccess(inv, res, err) {
		logger.Info("tolerated-failure", lager.Data{"error": err.Error()})
		return res, nil
	}
	if inv.Output != "" {
		if rmErr := os.Remove(inv.Output); rmErr != nil && !os.IsNotExist(rmErr) {
			logger.Error("remove-partial-output", rmErr)
		}
	}
	logger.Error("failed", err)
	return res, err
}
