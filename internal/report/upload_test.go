package report

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmr-tortoise/matrixci/internal/model"
)

// writeCoverage drops a coverage file into dir and returns the job
// configured to upload it to the given targets.
func writeCoverage(t *testing.T, dir string, targets ...model.Upload) model.Job {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".coverage"), []byte("line data"), 0o644))
	return model.Job{
		Name:     "demo/python=3.8",
		Coverage: &model.Coverage{File: ".coverage", Uploads: targets},
	}
}

// uploader returns an Uploader wired for tests: no retry delay and a
// stubbed token environment.
func uploader(dir string, env map[string]string) *Uploader {
	return &Uploader{
		WorkDir:    dir,
		RetryDelay: -1,
		lookupEnv: func(key string) (string, bool) {
			v, ok := env[key]
			return v, ok
		},
	}
}

// TestReport_Success verifies a passing upload: multipart body carries
// the file and the job name, and the token arrives as a bearer header.
func TestReport_Success(t *testing.T) {
	var gotAuth string
	var gotFile, gotJob string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, r.ParseMultipartForm(1<<20))
		gotJob = r.FormValue("job")
		f, _, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		buf := make([]byte, 32)
		n, _ := f.Read(buf)
		gotFile = string(buf[:n])
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dir := t.TempDir()
	job := writeCoverage(t, dir, model.Upload{Name: "coveralls", URL: srv.URL, TokenEnv: "COVERALLS_TOKEN"})
	u := uploader(dir, map[string]string{"COVERALLS_TOKEN": "secret"})

	err := u.Report(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "line data", gotFile)
	assert.Equal(t, "demo/python=3.8", gotJob)
}

// TestReport_MissingTokenSkips verifies an unset token variable skips
// the target with a warning instead of failing the job.
func TestReport_MissingTokenSkips(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	dir := t.TempDir()
	job := writeCoverage(t, dir, model.Upload{Name: "codecov", URL: srv.URL, TokenEnv: "CODECOV_TOKEN"})

	var warnings []string
	u := uploader(dir, nil)
	u.Logf = func(format string, args ...any) {
		warnings = append(warnings, format)
	}

	err := u.Report(context.Background(), job)
	require.NoError(t, err)
	assert.Zero(t, hits.Load(), "no request should reach the service")
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "skipping")
}

// TestReport_RetriesServerErrors verifies 5xx responses are retried up
// to the attempt bound and the upload succeeds once the service
// recovers.
func TestReport_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dir := t.TempDir()
	job := writeCoverage(t, dir, model.Upload{Name: "coveralls", URL: srv.URL})
	u := uploader(dir, nil)

	err := u.Report(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, int32(3), hits.Load())
}

// TestReport_ExhaustsAttempts verifies a persistently failing service
// gives up after the attempt bound.
func TestReport_ExhaustsAttempts(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	dir := t.TempDir()
	job := writeCoverage(t, dir, model.Upload{Name: "coveralls", URL: srv.URL})
	u := uploader(dir, nil)

	err := u.Report(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "giving up after 3 attempts")
	assert.Equal(t, int32(3), hits.Load())
}

// TestReport_ClientErrorFailsImmediately verifies 4xx responses are not
// retried: resending the same payload cannot fix them.
func TestReport_ClientErrorFailsImmediately(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	dir := t.TempDir()
	job := writeCoverage(t, dir, model.Upload{Name: "coveralls", URL: srv.URL})
	u := uploader(dir, nil)

	err := u.Report(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Equal(t, int32(1), hits.Load())
}

// TestReport_AllTargetsAttempted verifies a failure in one target does
// not short-circuit the others, and all failures surface in the error.
func TestReport_AllTargetsAttempted(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer bad.Close()

	var goodHits atomic.Int32
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		goodHits.Add(1)
	}))
	defer good.Close()

	dir := t.TempDir()
	job := writeCoverage(t, dir,
		model.Upload{Name: "coveralls", URL: bad.URL},
		model.Upload{Name: "codecov", URL: good.URL},
	)
	u := uploader(dir, nil)

	err := u.Report(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "coveralls")
	assert.Equal(t, int32(1), goodHits.Load(), "the healthy target still gets its upload")
}

// TestReport_MissingCoverageFile verifies a job that configures uploads
// but never produced the coverage file fails before any request.
func TestReport_MissingCoverageFile(t *testing.T) {
	dir := t.TempDir()
	job := model.Job{
		Name:     "demo/python=3.8",
		Coverage: &model.Coverage{File: ".coverage", Uploads: []model.Upload{{Name: "codecov", URL: "http://127.0.0.1:1"}}},
	}
	u := uploader(dir, nil)

	err := u.Report(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

// TestReadCoverageFile_RejectsEscapes verifies absolute and traversal
// paths never leave the job workdir.
func TestReadCoverageFile_RejectsEscapes(t *testing.T) {
	dir := t.TempDir()

	_, err := readCoverageFile(dir, "/etc/passwd")
	assert.ErrorContains(t, err, "must be relative")

	_, err = readCoverageFile(dir, "../outside.xml")
	assert.ErrorContains(t, err, "escapes")
}
