package kernel

import (
	"context"
	"fmt"

	"github.com/samcharles93/kdispatch/internal/device"
	"github.com/samcharles93/kdispatch/internal/errdefs"
	"github.com/samcharles93/kdispatch/internal/logger"
)

// Program is a built kernel plus the limits queried right after the build.
type Program struct {
	device.Program
	kernel           string
	key              string
	maxWorkGroupSize uint32
}

// Kernel is the unaliased kernel name the program was requested with.
func (p *Program) Kernel() string { return p.kernel }

func (p *Program) MaxWorkGroupSize() uint32 { return p.maxWorkGroupSize }

// ProgramCache builds each (kernel, options) pair once. One cache belongs to
// one op instance and is not safe for concurrent use.
type ProgramCache struct {
	rt        device.Runtime
	obfuscate bool
	log       logger.Logger

	programs map[string]*Program
	builds   int
}

func NewProgramCache(rt device.Runtime, obfuscate bool, log logger.Logger) *ProgramCache {
	log = logger.OrDiscard(log)
	return &ProgramCache{
		rt:        rt,
		obfuscate: obfuscate,
		log:       log,
		programs:  make(map[string]*Program),
	}
}

// GetOrBuild returns the cached program for (name, opts), building it on
// first use. A failed build is not cached.
func (c *ProgramCache) GetOrBuild(ctx context.Context, name string, opts BuildOptions) (*Program, error) {
	key := name + " " + opts.Key()
	if p, ok := c.programs[key]; ok {
		return p, nil
	}

	entry := ObfuscateSymbol(name, c.obfuscate)
	build := BuildOptions{}
	for k, v := range opts {
		build[k] = v
	}
	if entry != name {
		build.Define(name, entry)
	}

	dp, err := c.rt.BuildProgram(ctx, name, entry, build.List())
	if err != nil {
		if errdefs.KindOf(err) == errdefs.KindCompilation {
			return nil, err
		}
		return nil, errdefs.Compilation(name, fmt.Sprintf("build with %q", build.Key()), err)
	}
	p := &Program{
		Program:          dp,
		kernel:           name,
		key:              key,
		maxWorkGroupSize: c.rt.KernelMaxWorkGroupSize(dp),
	}
	c.programs[key] = p
	c.builds++
	c.log.Debug("program cached", "kernel", name, "entry", entry, "kwg", p.maxWorkGroupSize)
	return p, nil
}

// Builds is the number of successful builds.
func (c *ProgramCache) Builds() int { return c.builds }

func (c *ProgramCache) Len() int { return len(c.programs) }
