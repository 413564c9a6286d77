// Command maskctl uploads one image to the masking backend and saves the
// masked result.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/example/pii-masker/internal/logging"
	"github.com/example/pii-masker/internal/maskclient"
	"github.com/example/pii-masker/internal/masker"
	"github.com/example/pii-masker/internal/progress"
	"github.com/example/pii-masker/internal/usecase"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
	backendEnv  = "MASKING_BACKEND_URL"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stderr)
	stop()
	os.Exit(code)
}

type options struct {
	file     string
	backend  string
	out      string
	timeout  time.Duration
	logLevel string
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	backend := os.Getenv(backendEnv)
	if backend == "" {
		backend = "http://127.0.0.1:8000"
	}

	opts := &options{}
	fs := flag.NewFlagSet("maskctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.file, "file", "", "image to mask")
	fs.StringVar(&opts.backend, "backend", backend, "masking backend base URL")
	fs.StringVar(&opts.out, "out", usecase.DownloadName, "where to write the masked image")
	fs.DurationVar(&opts.timeout, "timeout", 60*time.Second, "masking request timeout")
	fs.StringVar(&opts.logLevel, "log-level", "warn", "log level")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return opts, nil
}

func run(ctx context.Context, args []string, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		return exitUsage
	}

	logger, err := logging.NewLogger(opts.logLevel, true)
	if err != nil {
		fmt.Fprintf(stderr, "maskctl: %v\n", err)
		return exitFailure
	}
	defer logger.Sync() //nolint:errcheck

	client := maskclient.New(opts.backend, opts.timeout, logger)
	bar := &progressBar{w: stderr}
	uc := usecase.NewMaskingUseCase(client, usecase.NewMemoryCache(), nil, bar, logger, usecase.Options{})
	session := uc.NewSession()

	if opts.file != "" {
		image, err := readImage(opts.file)
		if err != nil {
			fmt.Fprintf(stderr, "maskctl: %v\n", err)
			return exitFailure
		}
		if err := uc.Select(ctx, session.ID, image); err != nil {
			fmt.Fprintf(stderr, "maskctl: %v\n", err)
			return exitFailure
		}
	}

	handle, err := uc.Submit(ctx, session.ID)
	switch {
	case errors.Is(err, usecase.ErrNoFileSelected):
		fmt.Fprintln(stderr, usecase.NoticeNoFile)
		return exitUsage
	case err != nil:
		logger.Debug("masking failed", zap.Error(err))
		fmt.Fprintln(stderr, usecase.NoticeMaskingFailed)
		return exitFailure
	}

	result, err := uc.OpenResult(ctx, handle.ID)
	if err != nil {
		fmt.Fprintf(stderr, "maskctl: %v\n", err)
		return exitFailure
	}
	if err := os.WriteFile(opts.out, result.Data, 0o644); err != nil {
		fmt.Fprintf(stderr, "maskctl: write %s: %v\n", opts.out, err)
		return exitFailure
	}
	fmt.Fprintf(stderr, "masked image written to %s (%d bytes)\n", opts.out, handle.Size)
	return exitOK
}

func readImage(path string) (*masker.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	contentType := mimetype.Detect(data).String()
	if len(data) > 0 && !strings.HasPrefix(contentType, "image/") {
		return nil, fmt.Errorf("%s is not an image (%s)", path, contentType)
	}
	return &masker.Image{Name: filepath.Base(path), ContentType: contentType, Data: data}, nil
}

// progressBar renders session events as a single terminal line.
type progressBar struct {
	w io.Writer
}

func (p *progressBar) Publish(_ string, event progress.Event) {
	switch event.Type {
	case progress.EventProgress:
		const width = 30
		filled := event.Progress * width / 100
		fmt.Fprintf(p.w, "\r[%s%s] %3d%%", strings.Repeat("#", filled), strings.Repeat(".", width-filled), event.Progress)
	case progress.EventResult, progress.EventError:
		fmt.Fprintln(p.w)
	}
}
