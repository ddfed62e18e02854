// Package config handles discovery, parsing, and validation of matrixci
// pipeline files, and expands the version matrix into concrete jobs.
//
// Pipeline files may be YAML (.matrixci.yml/.yaml) or JSONC
// (.matrixci.json, JSON with comments and trailing commas). JSONC input
// is stripped with github.com/tidwall/jsonc and then decoded with the
// same YAML decoder, since JSON is a subset of YAML.
//
// Key responsibilities:
//   - Locate the pipeline file in its standard search paths
//   - Parse with strict field checking so typos fail validation
//   - Validate the whole file, collecting every violation
//   - Evaluate `when:` conditions against a job's environment
//   - Expand matrix axes, includes, and excludes into model.Job values
package config
