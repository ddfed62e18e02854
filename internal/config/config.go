package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/mmr-tortoise/matrixci/internal/model"
)

// Pipeline represents the raw structure of a matrixci pipeline file.
// Fields map one-to-one onto the file schema; conversion into runtime
// model.Job values happens during matrix expansion, not here.
type Pipeline struct {
	// Name is the pipeline's identifier. It prefixes every job name
	// and must satisfy model.ValidateName.
	Name string `yaml:"name"`

	// Env is the pipeline-level environment applied to every job
	// (e.g. DISPLAY for headless graphical testing).
	Env map[string]string `yaml:"env,omitempty"`

	// Matrix declares the version axes and their variants. A nil
	// matrix produces exactly one job.
	Matrix *Matrix `yaml:"matrix,omitempty"`

	// Image is the container image jobs run in. It may reference axis
	// values ("python:{{python}}"). Empty means host execution.
	Image string `yaml:"image,omitempty"`

	// Services lists sidecar containers started per job.
	Services []ServiceSpec `yaml:"services,omitempty"`

	// Steps is the ordered list of commands each job executes.
	Steps []StepSpec `yaml:"steps"`

	// Coverage configures post-success coverage reporting.
	Coverage *CoverageSpec `yaml:"coverage,omitempty"`
}

// Matrix declares the job matrix: named axes with their value lists,
// plus include variants and exclude filters.
type Matrix struct {
	// Axes maps axis names to value lists. Expansion takes the
	// cartesian product of all axes.
	Axes map[string][]string `yaml:"axes,omitempty"`

	// Include appends extra jobs: a complete set of axis values plus
	// env overrides. This is how a variant pins a dependency version
	// (e.g. python 3.6 with the minimum supported numpy).
	Include []IncludeEntry `yaml:"include,omitempty"`

	// Exclude removes cartesian combinations. An entry matches a
	// combination when every listed axis value equals the
	// combination's value; unlisted axes match anything.
	Exclude []map[string]string `yaml:"exclude,omitempty"`
}

// IncludeEntry is one appended matrix variant. Axis values are given
// inline ("python: 3.6"); the env key carries the variant's overrides.
type IncludeEntry struct {
	// Env holds environment overrides layered on the pipeline env.
	Env map[string]string `yaml:"env,omitempty"`

	// Axis captures the inline axis values. The yaml inline tag routes
	// every key other than "env" here.
	Axis map[string]string `yaml:",inline"`
}

// StepSpec is one step as written in the pipeline file.
type StepSpec struct {
	// Name is the optional display name. Defaults to the command.
	Name string `yaml:"name,omitempty"`

	// Run is the shell command. Required.
	Run string `yaml:"run"`

	// Env holds step-local environment variables.
	Env map[string]string `yaml:"env,omitempty"`

	// When is a condition expression over the job environment
	// (e.g. `env.NUMPY_VER`). A false condition skips the step.
	When string `yaml:"when,omitempty"`

	// Timeout is a duration string ("5m", "90s") bounding the step.
	Timeout string `yaml:"timeout,omitempty"`
}

// ServiceSpec is one sidecar container as written in the pipeline file.
type ServiceSpec struct {
	Name  string `yaml:"name"`
	Image string `yaml:"image"`
	Ports []int  `yaml:"ports,omitempty"`
}

// CoverageSpec configures coverage reporting as written in the file.
type CoverageSpec struct {
	// File is the coverage report path, relative to the job workdir.
	File string `yaml:"file"`

	// Uploads lists the external services to report to.
	Uploads []UploadSpec `yaml:"uploads,omitempty"`
}

// UploadSpec is one coverage upload target.
type UploadSpec struct {
	Name     string `yaml:"name"`
	URL      string `yaml:"url"`
	TokenEnv string `yaml:"token_env,omitempty"`
}

// configDirName is the subdirectory form of the search locations.
const configDirName = ".matrixci"

// searchNames are the pipeline file names probed by Find, in priority
// order. The .matrixci/ directory form keeps project roots tidy for
// repositories that already carry many dotfiles.
var searchNames = []string{
	".matrixci.yml",
	".matrixci.yaml",
	".matrixci.json",
	filepath.Join(configDirName, "pipeline.yml"),
	filepath.Join(configDirName, "pipeline.yaml"),
	filepath.Join(configDirName, "pipeline.json"),
}

// ProjectDir returns the project root a pipeline file belongs to. For
// the root-level file names that is the file's directory; for the
// .matrixci/ directory form it is the directory containing .matrixci/,
// so jobs never run inside the config directory itself.
func ProjectDir(path string) string {
	dir := filepath.Dir(path)
	if filepath.Base(dir) == configDirName {
		return filepath.Dir(dir)
	}
	return dir
}

// Find searches dir for a pipeline file in the standard locations.
//
// Returns the path of the first file found, or a CLIError with
// ExitConfigNotFound listing every location that was searched.
func Find(dir string) (string, error) {
	for _, name := range searchNames {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", model.NewCLIError(
		model.ExitConfigNotFound,
		fmt.Sprintf("no pipeline file found in %s (searched %s)", dir, strings.Join(searchNames, ", ")),
	)
}

// Load reads and parses a pipeline file.
//
// Files with a .json extension are treated as JSONC: comments and
// trailing commas are stripped with jsonc.ToJSON before decoding.
// Everything is ultimately decoded by the YAML parser with strict
// field checking, so an unknown key anywhere in the file is a parse
// error rather than a silently ignored typo.
func Load(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, model.WrapCLIError(
				model.ExitConfigNotFound,
				fmt.Sprintf("pipeline file not found: %s", path),
				err,
			)
		}
		return nil, fmt.Errorf("failed to read pipeline file: %w", err)
	}

	return Parse(data, strings.EqualFold(filepath.Ext(path), ".json"), path)
}

// Parse decodes pipeline contents that have already been read, e.g.
// from a file or an HTTP request body. jsonInput selects JSONC comment
// stripping; source names the origin in error messages.
func Parse(data []byte, jsonInput bool, source string) (*Pipeline, error) {
	if jsonInput {
		// JSON is a subset of YAML, so after comment stripping the
		// same decoder handles both formats.
		data = jsonc.ToJSON(data)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	// KnownFields makes unknown keys a decode error. This is what turns
	// "ecxlude:" into a loud failure instead of a matrix that silently
	// runs jobs the author meant to drop.
	dec.KnownFields(true)

	var p Pipeline
	if err := dec.Decode(&p); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, model.NewCLIError(
				model.ExitConfigInvalid,
				fmt.Sprintf("pipeline file is empty: %s", source),
			)
		}
		return nil, model.WrapCLIError(
			model.ExitConfigInvalid,
			fmt.Sprintf("failed to parse pipeline file %s", source),
			err,
		)
	}

	return &p, nil
}

// ValidationError collects every violation found in a pipeline file.
// Reporting all problems at once spares the author the fix-one-rerun
// loop that first-error-only validators force.
type ValidationError struct {
	// Violations holds one human-readable message per problem.
	Violations []string
}

// Error satisfies the error interface by joining all violations.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("pipeline file is invalid:\n  - %s", strings.Join(e.Violations, "\n  - "))
}

// axisNameRegex restricts axis names to identifier-like strings, since
// they appear in template references and job names.
var axisNameRegex = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Validate checks the whole pipeline file and returns a
// *ValidationError listing every violation, or nil when the file is
// valid. Validation is pure: it never touches the filesystem, the
// environment, or Docker.
func Validate(p *Pipeline) error {
	var v []string

	if err := model.ValidateName(p.Name); err != nil {
		v = append(v, err.Error())
	}

	v = append(v, validateMatrix(p.Matrix)...)
	v = append(v, validateSteps(p)...)
	v = append(v, validateServices(p.Services)...)
	v = append(v, validateCoverage(p.Coverage)...)
	v = append(v, validateTemplates(p)...)

	if len(v) > 0 {
		return &ValidationError{Violations: v}
	}
	return nil
}

// validateMatrix checks axis declarations and include/exclude entries.
func validateMatrix(m *Matrix) []string {
	if m == nil {
		return nil
	}

	var v []string

	for name, values := range m.Axes {
		if !axisNameRegex.MatchString(name) {
			v = append(v, fmt.Sprintf("matrix axis %q: name must be an identifier", name))
		}
		if len(values) == 0 {
			v = append(v, fmt.Sprintf("matrix axis %q: value list must not be empty", name))
		}
		for i, val := range values {
			if val == "" {
				v = append(v, fmt.Sprintf("matrix axis %q: value %d is empty", name, i+1))
			}
		}
	}

	for i, inc := range m.Include {
		// Every declared axis must be assigned, and nothing else:
		// a partial include would produce a job with undefined axis
		// values, and a stray key is almost always a typo.
		for axis := range m.Axes {
			if _, ok := inc.Axis[axis]; !ok {
				v = append(v, fmt.Sprintf("matrix include %d: missing value for axis %q", i+1, axis))
			}
		}
		for key := range inc.Axis {
			if _, ok := m.Axes[key]; !ok {
				v = append(v, fmt.Sprintf("matrix include %d: unknown axis %q", i+1, key))
			}
		}
		if len(inc.Env) == 0 {
			v = append(v, fmt.Sprintf("matrix include %d: must override at least one env variable (otherwise it duplicates a matrix job)", i+1))
		}
	}

	for i, exc := range m.Exclude {
		if len(exc) == 0 {
			v = append(v, fmt.Sprintf("matrix exclude %d: entry is empty", i+1))
		}
		for key := range exc {
			if _, ok := m.Axes[key]; !ok {
				v = append(v, fmt.Sprintf("matrix exclude %d: unknown axis %q", i+1, key))
			}
		}
	}

	return v
}

// validateSteps checks the step list: commands present, conditions
// parseable, timeouts well-formed.
func validateSteps(p *Pipeline) []string {
	var v []string

	if len(p.Steps) == 0 {
		v = append(v, "pipeline must declare at least one step")
	}

	for i, s := range p.Steps {
		label := s.Name
		if label == "" {
			label = fmt.Sprintf("step %d", i+1)
		}

		if strings.TrimSpace(s.Run) == "" {
			v = append(v, fmt.Sprintf("%s: run command must not be empty", label))
		}
		if s.When != "" {
			if _, err := ParseCondition(s.When); err != nil {
				v = append(v, fmt.Sprintf("%s: %v", label, err))
			}
		}
		if s.Timeout != "" {
			if d, err := time.ParseDuration(s.Timeout); err != nil {
				v = append(v, fmt.Sprintf("%s: invalid timeout %q: %v", label, s.Timeout, err))
			} else if d <= 0 {
				v = append(v, fmt.Sprintf("%s: timeout must be positive", label))
			}
		}
	}

	return v
}

// validateServices checks sidecar declarations.
func validateServices(services []ServiceSpec) []string {
	var v []string
	seen := make(map[string]bool)

	for i, svc := range services {
		label := svc.Name
		if label == "" {
			label = fmt.Sprintf("service %d", i+1)
			v = append(v, fmt.Sprintf("%s: name must not be empty", label))
		}
		if svc.Image == "" {
			v = append(v, fmt.Sprintf("%s: image must not be empty", label))
		}
		if seen[svc.Name] {
			v = append(v, fmt.Sprintf("%s: duplicate service name", label))
		}
		seen[svc.Name] = true
		for _, port := range svc.Ports {
			if port < 1 || port > 65535 {
				v = append(v, fmt.Sprintf("%s: port %d out of range (1-65535)", label, port))
			}
		}
	}

	return v
}

// validateCoverage checks the coverage section.
func validateCoverage(c *CoverageSpec) []string {
	if c == nil {
		return nil
	}

	var v []string

	if len(c.Uploads) > 0 && c.File == "" {
		v = append(v, "coverage: file must be set when uploads are configured")
	}
	for i, u := range c.Uploads {
		if u.Name == "" {
			v = append(v, fmt.Sprintf("coverage upload %d: name must not be empty", i+1))
		}
		if u.URL == "" {
			v = append(v, fmt.Sprintf("coverage upload %d: url must not be empty", i+1))
		} else if !strings.HasPrefix(u.URL, "http://") && !strings.HasPrefix(u.URL, "https://") {
			v = append(v, fmt.Sprintf("coverage upload %d: url must be http(s)", i+1))
		}
	}

	return v
}

// templateRegex matches {{ref}} references in templated fields.
var templateRegex = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_.]*)\s*\}\}`)

// validateTemplates checks that every {{ref}} in a templated field
// names either a declared matrix axis or an env.KEY lookup. env
// references are not required to be pre-declared — they resolve to the
// empty string when unset, which the `when` mechanism exists to guard.
func validateTemplates(p *Pipeline) []string {
	axes := map[string][]string{}
	if p.Matrix != nil {
		axes = p.Matrix.Axes
	}

	var v []string

	check := func(field, s string) {
		for _, m := range templateRegex.FindAllStringSubmatch(s, -1) {
			ref := m[1]
			if strings.HasPrefix(ref, "env.") {
				continue
			}
			if _, ok := axes[ref]; !ok {
				v = append(v, fmt.Sprintf("%s: template reference {{%s}} does not name a declared matrix axis", field, ref))
			}
		}
	}

	check("image", p.Image)
	for i, s := range p.Steps {
		label := s.Name
		if label == "" {
			label = fmt.Sprintf("step %d", i+1)
		}
		check(label, s.Run)
		for _, val := range s.Env {
			check(label, val)
		}
	}
	for _, svc := range p.Services {
		check("service "+svc.Name, svc.Image)
	}

	return v
}
