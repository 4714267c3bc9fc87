package engine

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// CommandEngine invokes an external parser binary through a command
// template. The template is split without a shell; {input} and
// {output_dir} are substituted per task.
type CommandEngine struct {
	name        string
	args        []string
	env         []string
	guard       *ResourceGuard
	cancelEvery time.Duration
	logger      *logrus.Logger
}

// NewCommandEngine validates the template up front so a broken engine
// configuration fails at startup rather than on the first task.
func NewCommandEngine(name, template string, env []string, guard *ResourceGuard, cancelEvery time.Duration, logger *logrus.Logger) (*CommandEngine, error) {
	if err := ValidateTemplate(template); err != nil {
		return nil, err
	}
	args, err := SplitTemplate(template)
	if err != nil {
		return nil, err
	}
	if cancelEvery <= 0 {
		cancelEvery = 2 * time.Second
	}
	return &CommandEngine{
		name:        name,
		args:        args,
		env:         env,
		guard:       guard,
		cancelEvery: cancelEvery,
		logger:      logger,
	}, nil
}

func (e *CommandEngine) Name() string { return e.name }

// Parse runs the external command and locates the artifacts it produced.
// Exit-by-signal (OOM kill, crash) classifies as transient; a regular
// non-zero exit means the engine rejected the input and is permanent.
func (e *CommandEngine) Parse(ctx context.Context, inputPath string, opts Options, outputDir string, cancelled CancelCheck) (*Result, error) {
	if err := e.guard.Check(); err != nil {
		return nil, err
	}

	argv := expandTemplate(e.args, inputPath, outputDir)
	bin := argv[0]
	if _, err := exec.LookPath(bin); err != nil {
		return nil, Permanentf("engine binary not found: %s", bin)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(runCtx, bin, argv[1:]...)
	if len(e.env) > 0 {
		cmd.Env = e.env
	}
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	e.logger.WithFields(logrus.Fields{
		"engine": e.name,
		"cmd":    strings.Join(argv, " "),
	}).Debug("invoking engine")

	if err := cmd.Start(); err != nil {
		return nil, Permanentf("engine failed to start: %v", err)
	}

	// Watch the cancel flag while the engine runs. Killing the process is
	// our only lever; the worker discards partial output afterwards.
	wasCancelled := false
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		ticker := time.NewTicker(e.cancelEvery)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if cancelled != nil && cancelled() {
					wasCancelled = true
					cancel()
					return
				}
			}
		}
	}()

	err := cmd.Wait()
	cancel()
	<-watchDone

	if wasCancelled {
		return nil, ErrCancelled
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return nil, Transientf("engine timed out: %v", ctxErr)
		}
		return nil, ctxErr
	}
	if err != nil {
		tail := tailOf(output.String(), 512)
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == -1 {
			// Killed by a signal: OOM killer, crash, external kill.
			return nil, Transientf("engine killed: %v: %s", err, tail)
		}
		return nil, Permanentf("engine failed: %v: %s", err, tail)
	}

	res, ferr := findArtifacts(outputDir)
	if ferr != nil {
		return nil, Permanentf("engine produced no artifacts: %v", ferr)
	}
	return res, nil
}

// findArtifacts locates the first markdown file (required) and json file
// (optional) under outputDir, returning paths relative to it. Engines
// nest output freely, so the search is recursive.
func findArtifacts(outputDir string) (*Result, error) {
	var res Result
	err := filepath.WalkDir(outputDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, rerr := filepath.Rel(outputDir, path)
		if rerr != nil {
			return rerr
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".md":
			if res.MarkdownFile == "" {
				res.MarkdownFile = rel
			}
		case ".json":
			if res.JSONFile == "" {
				res.JSONFile = rel
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if res.MarkdownFile == "" {
		return nil, errors.New("no markdown file in output directory")
	}
	return &res, nil
}

func tailOf(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "…" + s[len(s)-n:]
}
