// Package ocr runs the two-pass extraction stage: a required
// full-document text pass with bounded retries and a best-effort
// structured annotation pass over the leading pages.
package ocr

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/clausechat/clausechat/provider"
)

// Options carries the stage tunables.
type Options struct {
	Attempts        int
	Backoff         time.Duration
	AnnotationPages int
}

// Extractor wraps the document intelligence provider with the stage's
// retry and fallback semantics.
type Extractor struct {
	docintel provider.DocumentIntelligence
	opts     Options
	logger   *log.Logger
	sleep    func(context.Context, time.Duration) error
}

// New builds an extractor. docintel may be a hosted client or LocalPDF.
func New(docintel provider.DocumentIntelligence, opts Options, logger *log.Logger) *Extractor {
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 2 * time.Second
	}
	if opts.AnnotationPages <= 0 {
		opts.AnnotationPages = 8
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[OCR] ", log.LstdFlags)
	}
	return &Extractor{docintel: docintel, opts: opts, logger: logger, sleep: sleepCtx}
}

// Extract runs both passes. Pass 1 failures are retried with linearly
// increasing backoff and the last error is returned if every attempt
// fails. Pass 2 failures never fail the call; an empty annotation is
// returned instead.
func (e *Extractor) Extract(ctx context.Context, data []byte, mimeType string) ([]provider.Page, provider.Annotation, error) {
	var (
		pages   []provider.Page
		lastErr error
	)
	for attempt := 1; attempt <= e.opts.Attempts; attempt++ {
		pages, lastErr = e.docintel.ExtractText(ctx, data, mimeType)
		if lastErr == nil && len(pages) > 0 {
			break
		}
		if lastErr == nil {
			lastErr = fmt.Errorf("extraction returned zero pages")
		}
		if attempt < e.opts.Attempts {
			delay := time.Duration(attempt) * e.opts.Backoff
			e.logger.Printf("text extraction attempt %d/%d failed: %v; retrying in %s", attempt, e.opts.Attempts, lastErr, delay)
			if err := e.sleep(ctx, delay); err != nil {
				return nil, provider.Annotation{}, err
			}
		}
	}
	if lastErr != nil {
		return nil, provider.Annotation{}, fmt.Errorf("text extraction failed after %d attempts: %w", e.opts.Attempts, lastErr)
	}

	annotation, err := e.docintel.ExtractAnnotations(ctx, data, mimeType, e.opts.AnnotationPages)
	if err != nil {
		e.logger.Printf("annotation pass failed, continuing without annotations: %v", err)
		annotation = provider.Annotation{}
	}
	return pages, annotation, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
