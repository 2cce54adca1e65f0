// Package manifest loads and validates worker manifests: CUE files
// declaring which worker binaries to spawn, the tools they serve, and
// their resource envelopes.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
)

// Worker describes one worker process the pool should spawn.
type Worker struct {
	ID            string    `json:"id"`
	Command       string    `json:"command"`
	Args          []string  `json:"args,omitempty"`
	Tools         []string  `json:"tools"`
	MaxConcurrent int       `json:"maxConcurrent"`
	Resources     Resources `json:"resources"`
}

// Resources is the declared resource envelope for a worker.
type Resources struct {
	CPUCores int  `json:"cpuCores"`
	MemoryMb int  `json:"memoryMb"`
	GPU      bool `json:"gpu"`
	DiskMb   int  `json:"diskMb,omitempty"`
}

// schemaSource constrains manifests at load time. Workers are keyed by
// id; the key is bound to the id field so they can never disagree.
const schemaSource = `
#Resources: {
	cpuCores: int & >=0 | *1
	memoryMb: int & >=0 | *256
	gpu:      bool | *false
	diskMb?:  int & >=0
}

#Worker: {
	id:            string & !=""
	command:       string & !=""
	args:          [...string]
	tools:         [string, ...string]
	maxConcurrent: int & >0 | *1
	resources:     #Resources
}

worker: [ID=string]: #Worker & {id: ID}
`

// Load reads every .cue file under dir, validates the declarations
// against the manifest schema, and returns the workers sorted by id.
// A directory with no .cue files yields an empty set.
func Load(dir string) ([]Worker, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("load manifests: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("load manifests: not a directory: %s", dir)
	}

	files, err := findCUEFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("load manifests: %w", err)
	}
	if len(files) == 0 {
		return nil, nil
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource)
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("load manifests: schema: %w", err)
	}

	instances := load.Instances(files, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, fmt.Errorf("load manifests: no CUE instances loaded")
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, fmt.Errorf("load manifests: %w", inst.Err)
	}

	value := ctx.BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, fmt.Errorf("load manifests: %w", err)
	}

	unified := schema.Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("load manifests: %w", err)
	}

	workersVal := unified.LookupPath(cue.ParsePath("worker"))
	if !workersVal.Exists() {
		return nil, nil
	}

	iter, err := workersVal.Fields()
	if err != nil {
		return nil, fmt.Errorf("load manifests: %w", err)
	}

	var workers []Worker
	for iter.Next() {
		var w Worker
		if err := iter.Value().Decode(&w); err != nil {
			return nil, fmt.Errorf("load manifests: worker %q: %w", iter.Selector().String(), err)
		}
		workers = append(workers, w)
	}

	sort.Slice(workers, func(i, j int) bool { return workers[i].ID < workers[j].ID })
	return workers, nil
}

func findCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}
