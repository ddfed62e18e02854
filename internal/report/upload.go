package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/mmr-tortoise/matrixci/internal/model"
)

// Upload retry behavior. Transient failures (network errors, 5xx) are
// retried; client errors (4xx) are not, since resending the same
// payload cannot fix them.
const (
	defaultMaxAttempts = 3
	defaultRetryDelay  = 2 * time.Second
)

// Uploader posts coverage files to external reporting services. It
// implements runner.Reporter: Report is only invoked for jobs whose
// steps all passed.
type Uploader struct {
	// Client issues the upload requests. Nil selects a client with a
	// 30-second timeout.
	Client *http.Client

	// WorkDir is the directory coverage file paths resolve against.
	WorkDir string

	// MaxAttempts bounds tries per target, retry delays included.
	// Zero or negative selects defaultMaxAttempts.
	MaxAttempts int

	// RetryDelay is the pause between attempts. Zero selects
	// defaultRetryDelay; negative disables the pause (tests).
	RetryDelay time.Duration

	// Logf, when set, receives skip warnings and retry notices.
	Logf func(format string, args ...any)

	// lookupEnv resolves token variables; defaults to os.LookupEnv.
	lookupEnv func(string) (string, bool)
}

func (u *Uploader) logf(format string, args ...any) {
	if u.Logf != nil {
		u.Logf(format, args...)
	}
}

func (u *Uploader) client() *http.Client {
	if u.Client != nil {
		return u.Client
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func (u *Uploader) maxAttempts() int {
	if u.MaxAttempts > 0 {
		return u.MaxAttempts
	}
	return defaultMaxAttempts
}

func (u *Uploader) retryDelay() time.Duration {
	if u.RetryDelay != 0 {
		if u.RetryDelay < 0 {
			return 0
		}
		return u.RetryDelay
	}
	return defaultRetryDelay
}

func (u *Uploader) token(name string) (string, bool) {
	lookup := u.lookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	return lookup(name)
}

// Report uploads the job's coverage file to every configured target.
// Every target is attempted even when an earlier one fails; the
// failures are joined into the returned error. Targets whose token
// variable is unset are skipped with a warning, not failed.
func (u *Uploader) Report(ctx context.Context, job model.Job) error {
	if job.Coverage == nil || len(job.Coverage.Uploads) == 0 {
		return nil
	}

	data, err := readCoverageFile(u.WorkDir, job.Coverage.File)
	if err != nil {
		return err
	}

	var errs []error
	for _, target := range job.Coverage.Uploads {
		if target.TokenEnv != "" {
			if _, ok := u.token(target.TokenEnv); !ok {
				u.logf("skipping %s upload for job %s: %s is not set", target.Name, job.Name, target.TokenEnv)
				continue
			}
		}

		if err := u.uploadWithRetry(ctx, job, target, data); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", target.Name, err))
		}
	}

	return errors.Join(errs...)
}

// uploadWithRetry posts one payload, retrying transient failures up to
// the attempt bound.
func (u *Uploader) uploadWithRetry(ctx context.Context, job model.Job, target model.Upload, data []byte) error {
	attempts := u.maxAttempts()

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			u.logf("retrying %s upload for job %s (attempt %d/%d)", target.Name, job.Name, attempt, attempts)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(u.retryDelay()):
			}
		}

		retryable, err := u.upload(ctx, job, target, data)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	return fmt.Errorf("giving up after %d attempts: %w", attempts, lastErr)
}

// upload performs a single multipart POST. The bool reports whether the
// failure is worth retrying.
func (u *Uploader) upload(ctx context.Context, job model.Job, target model.Upload, data []byte) (bool, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", filepath.Base(job.Coverage.File))
	if err != nil {
		return false, fmt.Errorf("building upload payload: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return false, fmt.Errorf("building upload payload: %w", err)
	}
	if err := writer.WriteField("job", job.Name); err != nil {
		return false, fmt.Errorf("building upload payload: %w", err)
	}
	if err := writer.Close(); err != nil {
		return false, fmt.Errorf("building upload payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, &body)
	if err != nil {
		return false, fmt.Errorf("building upload request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if target.TokenEnv != "" {
		token, _ := u.token(target.TokenEnv)
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := u.client().Do(req)
	if err != nil {
		// Connection refused, DNS failure, timeout: all transient.
		return true, fmt.Errorf("posting coverage to %s: %w", target.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return false, nil
	}

	// Read a bounded slice of the body for the error message; coverage
	// services tend to explain rejections in plain text.
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err = fmt.Errorf("coverage service returned %s: %s", resp.Status, bytes.TrimSpace(snippet))

	return resp.StatusCode >= 500, err
}
