package report

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// readCoverageFile loads the job's coverage report from the working
// directory. The configured path is relative to the workdir; absolute
// paths and path traversal are rejected so a pipeline file cannot read
// arbitrary host files into an upload.
func readCoverageFile(workDir, file string) ([]byte, error) {
	if filepath.IsAbs(file) {
		return nil, fmt.Errorf("coverage file %q must be relative to the job workdir", file)
	}

	clean := filepath.Clean(file)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("coverage file %q escapes the job workdir", file)
	}

	path := filepath.Join(workDir, clean)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("coverage file %q not found: the test step did not produce it", file)
		}
		return nil, fmt.Errorf("failed to read coverage file %q: %w", file, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("coverage file %q is empty", file)
	}
	return data, nil
}
