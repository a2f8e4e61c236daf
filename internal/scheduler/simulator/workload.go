package simulator

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	commonslices "github.com/batsched/batsched/internal/common/slices"
	"github.com/batsched/batsched/internal/common/util"
)

// WorkloadSpec describes a platform and the jobs submitted to it over the
// course of a simulation. Loaded from YAML.
type WorkloadSpec struct {
	Name string `yaml:"name"`
	// Number of identical compute units on the platform.
	Capacity uint32         `yaml:"capacity"`
	Jobs     []*JobTemplate `yaml:"jobs"`
}

// JobTemplate describes one or more identical jobs.
type JobTemplate struct {
	// Optional id. Auto-generated if empty; templates with Count > 1 always
	// get generated ids.
	Id string `yaml:"id"`
	// Number of jobs created from this template. Defaults to 1.
	Count int `yaml:"count"`
	// Virtual time at which the jobs are submitted.
	SubmissionTime float64 `yaml:"submissionTime"`
	// Gap between successive submissions when Count > 1.
	SubmissionInterval float64 `yaml:"submissionInterval"`
	Demand             uint32  `yaml:"demand"`
	Walltime           float64 `yaml:"walltime"`
}

// WorkloadFromFile reads and validates a workload spec.
func WorkloadFromFile(path string) (*WorkloadSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	workload := &WorkloadSpec{}
	if err := yaml.Unmarshal(raw, workload); err != nil {
		return nil, errors.Wrapf(err, "failed to parse workload %s", path)
	}
	if err := initialiseWorkloadSpec(workload); err != nil {
		return nil, err
	}
	return workload, nil
}

func initialiseWorkloadSpec(workload *WorkloadSpec) error {
	if workload.Capacity == 0 {
		return errors.New("workload capacity must be positive")
	}
	for _, template := range workload.Jobs {
		if template.Count == 0 {
			template.Count = 1
		}
		if template.Walltime <= 0 {
			return errors.Errorf("job template %q walltime must be positive", template.Id)
		}
		if template.Id == "" || template.Count > 1 {
			template.Id = util.NewULID()
		}
	}
	ids := commonslices.Map(workload.Jobs, func(template *JobTemplate) string { return template.Id })
	if len(commonslices.Unique(ids)) != len(ids) {
		return errors.Errorf("workload %q contains duplicate job ids", workload.Name)
	}
	return nil
}
