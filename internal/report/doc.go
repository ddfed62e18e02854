// Package report uploads coverage results to external services after a
// job passes.
//
// Each job may declare a coverage file and a list of upload targets.
// The Uploader posts the file to every target as a multipart form,
// authenticating with a bearer token read from the environment variable
// the target names. Uploads are retried on transient failures (5xx,
// network errors) and fail immediately on client errors (4xx). A
// missing token skips the target with a warning rather than failing,
// since tokens are routinely absent on forked repositories.
package report
