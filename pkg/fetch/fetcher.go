package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/image-downloader/pkg/config"
	"github.com/Sriram-PR/image-downloader/pkg/imaging"
	"github.com/Sriram-PR/image-downloader/pkg/metrics"
	"github.com/Sriram-PR/image-downloader/pkg/models"
	"github.com/Sriram-PR/image-downloader/pkg/utils"
)

// FetchResult is a fetched and validated image
type FetchResult struct {
	Info     models.ImageInfo
	Body     []byte
	Attempts int // Attempts made, including the successful one
}

// Fetcher downloads images with a fixed retry budget, using an underlying http.Client
type Fetcher struct {
	client    *http.Client
	validator *imaging.Validator
	cfg       *config.AppConfig // Timeout, MaxRetries, UserAgent, MaxImageSizeBytes
	log       *logrus.Entry
}

// NewFetcher creates a new Fetcher instance
func NewFetcher(client *http.Client, validator *imaging.Validator, cfg *config.AppConfig, log *logrus.Entry) *Fetcher {
	return &Fetcher{
		client:    client,
		validator: validator,
		cfg:       cfg,
		log:       log,
	}
}

// FetchImage GETs rawURL up to MaxRetries+1 times and returns the first body that decodes as an image.
// Every failure (transport, timeout, body read, size cap, undecodable body) consumes one
// attempt and the next attempt starts immediately. The status code alone never fails an attempt:
// a decodable body is accepted whatever the status, and an undecodable one is reported by its
// status when that was non-2xx. On failure the returned result is non-nil and
// carries only Attempts; the error wraps utils.ErrRetryFailed and the last attempt error, or the
// context error if ctx ended first.
func (f *Fetcher) FetchImage(ctx context.Context, rawURL string) (*FetchResult, error) {
	reqLog := f.log.WithField("url", rawURL)
	maxRetries := max(f.cfg.MaxRetries, 0)

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= maxRetries; attempt++ {
		// Cooperative cancellation: never start a new attempt once the run is cancelled
		if ctxErr := ctx.Err(); ctxErr != nil {
			return &FetchResult{Attempts: attempts}, cancelledError(ctxErr, attempts, lastErr)
		}

		attempts++
		start := time.Now()
		body, info, err := f.attempt(ctx, rawURL)
		result := attemptResult(err)
		metrics.FetchAttemptsTotal.WithLabelValues(result).Inc()
		metrics.FetchDurationSeconds.WithLabelValues(result).Observe(time.Since(start).Seconds())

		if err == nil {
			reqLog.WithFields(logrus.Fields{"attempt": attempt, "bytes": len(body)}).Debug("Fetched valid image")
			return &FetchResult{Info: info, Body: body, Attempts: attempts}, nil
		}

		lastErr = err
		// An attempt cut short by the parent context is not a retryable failure
		if ctxErr := ctx.Err(); ctxErr != nil {
			return &FetchResult{Attempts: attempts}, cancelledError(ctxErr, attempts, lastErr)
		}
		reqLog.WithFields(logrus.Fields{"attempt": attempt, "max_retries": maxRetries}).Debugf("Attempt failed: %v", err)
	}

	reqLog.Debugf("All %d fetch attempts failed. Last error: %v", attempts, lastErr)
	return &FetchResult{Attempts: attempts}, fmt.Errorf("%w: %w", utils.ErrRetryFailed, lastErr)
}

// attempt performs one bounded GET, reads the body and validates it
func (f *Fetcher) attempt(parent context.Context, rawURL string) ([]byte, models.ImageInfo, error) {
	ctx := parent
	if f.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, f.cfg.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, models.ImageInfo{}, fmt.Errorf("%w: %w", utils.ErrRequestCreation, err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, models.ImageInfo{}, err
	}
	defer resp.Body.Close()

	// The body decides the outcome; the status only names the failure when the body is not an image
	statusErr := checkStatus(resp)

	body, err := f.readBody(resp)
	if err != nil {
		return nil, models.ImageInfo{}, orStatus(statusErr, err)
	}

	info, err := f.validator.Validate(body)
	if err != nil {
		return nil, models.ImageInfo{}, orStatus(statusErr, err)
	}
	if statusErr != nil {
		f.log.WithFields(logrus.Fields{"url": rawURL, "status": resp.StatusCode}).Debug("Accepted image body served with non-2xx status")
	}
	return body, info, nil
}

// orStatus prefers the HTTP status error over the body error it caused
func orStatus(statusErr, bodyErr error) error {
	if statusErr != nil {
		return statusErr
	}
	return bodyErr
}

// readBody reads the full response body, enforcing MaxImageSizeBytes when set
func (f *Fetcher) readBody(resp *http.Response) ([]byte, error) {
	limit := f.cfg.MaxImageSizeBytes
	if limit <= 0 {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", utils.ErrResponseBodyRead, err)
		}
		return body, nil
	}

	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if size, parseErr := strconv.ParseInt(cl, 10, 64); parseErr == nil && size > limit {
			return nil, fmt.Errorf("%w: Content-Length %d > %d bytes", utils.ErrImageTooLarge, size, limit)
		}
	}

	// Read one byte past the limit to detect oversize bodies without a Content-Length
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", utils.ErrResponseBodyRead, err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", utils.ErrImageTooLarge, limit)
	}
	return body, nil
}

// checkStatus maps a non-2xx status to the matching sentinel error
func checkStatus(resp *http.Response) error {
	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return nil
	case code >= 500:
		return fmt.Errorf("%w: status %d %s", utils.ErrServerHTTPError, code, resp.Status)
	case code >= 400:
		return fmt.Errorf("%w: status %d %s", utils.ErrClientHTTPError, code, resp.Status)
	default:
		return fmt.Errorf("%w: status %d %s", utils.ErrOtherHTTPError, code, resp.Status)
	}
}

// attemptResult maps an attempt error to its metrics label
func attemptResult(err error) string {
	switch {
	case err == nil:
		return metrics.AttemptOK
	case errors.Is(err, utils.ErrInvalidImage):
		return metrics.AttemptInvalid
	case errors.Is(err, utils.ErrImageTooLarge):
		return metrics.AttemptTooLarge
	case errors.Is(err, utils.ErrResponseBodyRead):
		return metrics.AttemptBodyReadErr
	case errors.Is(err, utils.ErrClientHTTPError), errors.Is(err, utils.ErrServerHTTPError), errors.Is(err, utils.ErrOtherHTTPError):
		return metrics.AttemptHTTPError
	}
	return metrics.AttemptNetError
}

func cancelledError(ctxErr error, attempts int, lastErr error) error {
	if lastErr != nil {
		return fmt.Errorf("fetch cancelled after %d attempt(s) (last error: %v): %w", attempts, lastErr, ctxErr)
	}
	return fmt.Errorf("fetch cancelled before first attempt: %w", ctxErr)
}
