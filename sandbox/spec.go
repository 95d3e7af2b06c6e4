package sandbox

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"videoworker/config"
)

const (
	// LabelManaged marks every container this worker creates.
	LabelManaged = "videoworker.managed"
	// LabelJob carries the job id of the container.
	LabelJob = "videoworker.job"
)

var ErrInvalidSpec = errors.New("invalid execution spec")

// Binding maps a host directory into the container.
type Binding struct {
	HostPath      string
	ContainerPath string
}

func (b Binding) String() string {
	return b.HostPath + ":" + b.ContainerPath
}

// ExecutionSpec is everything needed to create the container for one job.
// A new one is built for every job.
type ExecutionSpec struct {
	JobID       string
	ImageName   string
	ImageTag    string
	Args        []string
	Input       Binding
	Output      Binding
	MemoryBytes int64
	NanoCPUs    int64
	Labels      map[string]string
}

// ImageRef returns name:tag.
func (s ExecutionSpec) ImageRef() string {
	return s.ImageName + ":" + s.ImageTag
}

// Binds returns the volume bindings in engine "host:container" form.
func (s ExecutionSpec) Binds() []string {
	return []string{s.Input.String(), s.Output.String()}
}

// Template holds the per-deployment parts of every ExecutionSpec: image,
// host directories and resource ceilings. Messages never override these.
type Template struct {
	ImageName     string
	ImageTag      string
	HostInputDir  string
	HostOutputDir string
	InputMount    string
	OutputMount   string
	MemoryBytes   int64
	NanoCPUs      int64
}

// NewTemplate builds a Template from the container settings.
func NewTemplate(c config.ContainerSettings) Template {
	return Template{
		ImageName:     c.ImageName,
		ImageTag:      c.ImageTag,
		HostInputDir:  c.HostInputDir,
		HostOutputDir: c.HostOutputDir,
		InputMount:    c.InputMount,
		OutputMount:   c.OutputMount,
		MemoryBytes:   c.MemoryBytes,
		NanoCPUs:      c.NanoCPUs,
	}
}

// OutputDir is the host directory a job's container writes into.
func (t Template) OutputDir(jobID string) string {
	return filepath.Join(t.HostOutputDir, jobID)
}

// For builds the ExecutionSpec of one job. The container receives the preset
// and the input file path relative to its input mount.
func (t Template) For(jobID, preset, inputFile string) (ExecutionSpec, error) {
	if jobID == "" || strings.ContainsAny(jobID, `/\`) || jobID == "." || jobID == ".." {
		return ExecutionSpec{}, fmt.Errorf("%w: bad job id %q", ErrInvalidSpec, jobID)
	}
	if t.MemoryBytes <= 0 || t.NanoCPUs <= 0 {
		return ExecutionSpec{}, fmt.Errorf("%w: resource ceilings are mandatory", ErrInvalidSpec)
	}

	clean := path.Clean(filepath.ToSlash(inputFile))
	if path.IsAbs(clean) || clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return ExecutionSpec{}, fmt.Errorf("%w: input file %q escapes the input directory", ErrInvalidSpec, inputFile)
	}

	return ExecutionSpec{
		JobID:     jobID,
		ImageName: t.ImageName,
		ImageTag:  t.ImageTag,
		Args:      []string{preset, clean},
		Input: Binding{
			HostPath:      t.HostInputDir,
			ContainerPath: t.InputMount,
		},
		Output: Binding{
			HostPath:      t.OutputDir(jobID),
			ContainerPath: t.OutputMount,
		},
		MemoryBytes: t.MemoryBytes,
		NanoCPUs:    t.NanoCPUs,
		Labels: map[string]string{
			LabelManaged: "true",
			LabelJob:     jobID,
		},
	}, nil
}
