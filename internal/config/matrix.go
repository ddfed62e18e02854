package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mmr-tortoise/matrixci/internal/model"
)

// Expand turns a validated pipeline into its concrete job list.
//
// Expansion order is deterministic: the cartesian product iterates axes
// in sorted name order with values in declared order, exclude filters
// are applied, and include variants are appended last. The same file
// always yields the same jobs in the same order, which keeps `jobs`
// output and run results diffable.
//
// Expand assumes Validate has passed; it still reports duplicate job
// names and template resolution problems as errors rather than
// producing an ambiguous job list.
func Expand(p *Pipeline) ([]model.Job, error) {
	combos := cartesian(p)

	var jobs []model.Job
	for _, axis := range combos {
		if isExcluded(p.Matrix, axis) {
			continue
		}
		job, err := buildJob(p, axis, nil)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	if p.Matrix != nil {
		for _, inc := range p.Matrix.Include {
			job, err := buildJob(p, inc.Axis, inc.Env)
			if err != nil {
				return nil, err
			}
			jobs = append(jobs, job)
		}
	}

	// Job names key log files and API lookups, so they must be unique.
	seen := make(map[string]bool, len(jobs))
	for _, j := range jobs {
		if seen[j.Name] {
			return nil, fmt.Errorf("matrix expansion produced duplicate job %q", j.Name)
		}
		seen[j.Name] = true
	}

	return jobs, nil
}

// cartesian produces every axis-value combination. A pipeline without
// a matrix yields a single combination with no axis values.
func cartesian(p *Pipeline) []map[string]string {
	if p.Matrix == nil || len(p.Matrix.Axes) == 0 {
		return []map[string]string{{}}
	}

	names := make([]string, 0, len(p.Matrix.Axes))
	for name := range p.Matrix.Axes {
		names = append(names, name)
	}
	sort.Strings(names)

	combos := []map[string]string{{}}
	for _, name := range names {
		var next []map[string]string
		for _, combo := range combos {
			for _, value := range p.Matrix.Axes[name] {
				extended := make(map[string]string, len(combo)+1)
				for k, v := range combo {
					extended[k] = v
				}
				extended[name] = value
				next = append(next, extended)
			}
		}
		combos = next
	}
	return combos
}

// isExcluded reports whether an axis combination matches any exclude
// entry. An entry matches when every axis it lists equals the
// combination's value; axes the entry omits match anything.
func isExcluded(m *Matrix, axis map[string]string) bool {
	if m == nil {
		return false
	}
	for _, exc := range m.Exclude {
		if len(exc) == 0 {
			continue
		}
		matched := true
		for k, v := range exc {
			if axis[k] != v {
				matched = false
				break
			}
		}
		if matched {
			return true
		}
	}
	return false
}

// buildJob resolves one job: layers the environment, substitutes
// templates, evaluates step conditions, and parses timeouts.
func buildJob(p *Pipeline, axis, overrides map[string]string) (model.Job, error) {
	// Env layering, later wins: pipeline env, then include overrides.
	// Steps layer their own env on top of this in buildStep.
	env := make(map[string]string, len(p.Env)+len(overrides))
	for k, v := range p.Env {
		env[k] = v
	}
	for k, v := range overrides {
		env[k] = v
	}

	name := model.JobName(p.Name, axis, overrides)

	steps := make([]model.Step, 0, len(p.Steps))
	for _, spec := range p.Steps {
		step, err := buildStep(name, spec, axis, env)
		if err != nil {
			return model.Job{}, err
		}
		steps = append(steps, step)
	}

	var services []model.Service
	for _, svc := range p.Services {
		services = append(services, model.Service{
			Name:  svc.Name,
			Image: interpolate(svc.Image, axis, env),
			Ports: append([]int(nil), svc.Ports...),
		})
	}

	var coverage *model.Coverage
	if p.Coverage != nil {
		cov := model.Coverage{File: p.Coverage.File}
		for _, u := range p.Coverage.Uploads {
			cov.Uploads = append(cov.Uploads, model.Upload{
				Name:     u.Name,
				URL:      u.URL,
				TokenEnv: u.TokenEnv,
			})
		}
		coverage = &cov
	}

	return model.Job{
		Name:     name,
		Axis:     axis,
		Env:      env,
		Image:    interpolate(p.Image, axis, env),
		Steps:    steps,
		Services: services,
		Coverage: coverage,
	}, nil
}

// buildStep resolves a single step for a specific job. The step's own
// env entries interpolate against the job env, then layer on top of it,
// so the step's `run` template and `when` condition see the full
// pipeline → job → step environment.
func buildStep(jobName string, spec StepSpec, axis, env map[string]string) (model.Step, error) {
	stepEnv := make(map[string]string, len(spec.Env))
	for k, v := range spec.Env {
		stepEnv[k] = interpolate(v, axis, env)
	}

	layered := env
	if len(stepEnv) > 0 {
		layered = make(map[string]string, len(env)+len(stepEnv))
		for k, v := range env {
			layered[k] = v
		}
		for k, v := range stepEnv {
			layered[k] = v
		}
	}

	run := interpolate(spec.Run, axis, layered)

	stepName := spec.Name
	if stepName == "" {
		stepName = defaultStepName(run)
	}

	enabled, err := EvalWhen(spec.When, layered)
	if err != nil {
		return model.Step{}, fmt.Errorf("%s: step %q: %w", jobName, stepName, err)
	}

	var timeout time.Duration
	if spec.Timeout != "" {
		timeout, err = time.ParseDuration(spec.Timeout)
		if err != nil {
			return model.Step{}, fmt.Errorf("%s: step %q: invalid timeout %q: %w", jobName, stepName, spec.Timeout, err)
		}
	}

	return model.Step{
		Name:      stepName,
		Run:       run,
		Env:       stepEnv,
		Condition: spec.When,
		Enabled:   enabled,
		Timeout:   timeout,
	}, nil
}

// interpolate substitutes {{axis}} and {{env.KEY}} references.
// Unresolvable axis references were rejected by Validate; unset env
// references substitute the empty string, mirroring shell semantics.
func interpolate(s string, axis, env map[string]string) string {
	if s == "" || !strings.Contains(s, "{{") {
		return s
	}
	return templateRegex.ReplaceAllStringFunc(s, func(match string) string {
		ref := templateRegex.FindStringSubmatch(match)[1]
		if key, ok := strings.CutPrefix(ref, "env."); ok {
			return env[key]
		}
		return axis[ref]
	})
}

// defaultStepName derives a display name from the command when the
// pipeline file does not provide one. Long commands are truncated so
// job output headers stay readable.
func defaultStepName(run string) string {
	name := strings.TrimSpace(run)
	if idx := strings.IndexByte(name, '\n'); idx >= 0 {
		name = name[:idx]
	}
	const maxLen = 48
	if len(name) > maxLen {
		name = name[:maxLen-3] + "..."
	}
	return name
}
