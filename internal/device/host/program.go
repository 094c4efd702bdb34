package host

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/samcharles93/kdispatch/internal/device"
	"github.com/samcharles93/kdispatch/internal/errdefs"
)

// param is one declared kernel parameter.
type param struct {
	name string
	kind device.ArgKind
}

// kernelDef is a kernel symbol inside a program source. bind resolves the
// snapshotted arguments once per enqueue and returns the per-item body.
type kernelDef struct {
	symbol string
	params []param
	bind   func(k *kernelCtx) (func(gid [3]uint32), error)
}

// source is the host analogue of a program source file.
type source struct {
	name    string
	kernels map[string]*kernelDef
}

// buildFlags are the defines the host kernels understand.
type buildFlags struct {
	half       bool
	checkRange bool
	nonUniform bool
}

type program struct {
	rt      *Runtime
	name    string
	entry   string
	options []string
	flags   buildFlags
	kernel  *kernelDef

	mu   sync.Mutex
	args []device.Arg
}

func (p *program) Name() string      { return p.name }
func (p *program) Entry() string     { return p.entry }
func (p *program) Options() []string { return slices.Clone(p.options) }

// BuildProgram "compiles" source name: options are parsed the way a device
// compiler would read them and the entry symbol is resolved, honouring
// -D<symbol>=<alias> renames.
func (r *Runtime) BuildProgram(ctx context.Context, name, entry string, options []string) (device.Program, error) {
	const op = "build_program"
	if err := ctx.Err(); err != nil {
		return nil, errdefs.Compilation(op, name, err)
	}
	src, ok := r.sources[name]
	if !ok {
		return nil, errdefs.Compilation(op, fmt.Sprintf("unknown program source %q", name), nil)
	}

	var flags buildFlags
	aliases := map[string]string{}
	for _, opt := range options {
		key, value, ok := parseDefine(opt)
		if !ok {
			return nil, errdefs.Compilation(op, fmt.Sprintf("%s: unsupported option %q", name, opt), nil)
		}
		switch key {
		case "DATA_TYPE":
			switch value {
			case "float":
			case "half":
				flags.half = true
			default:
				return nil, errdefs.Compilation(op, fmt.Sprintf("%s: unknown DATA_TYPE %q", name, value), nil)
			}
		case "CMD_DATA_TYPE":
			if value != "f" && value != "h" {
				return nil, errdefs.Compilation(op, fmt.Sprintf("%s: unknown CMD_DATA_TYPE %q", name, value), nil)
			}
		case "OUT_OF_RANGE_CHECK":
			flags.checkRange = true
		case "NON_UNIFORM_WORK_GROUP":
			flags.nonUniform = true
		default:
			if _, isKernel := src.kernels[key]; !isKernel || value == "" {
				return nil, errdefs.Compilation(op, fmt.Sprintf("%s: unsupported define %q", name, opt), nil)
			}
			aliases[value] = key
		}
	}

	symbol := entry
	if orig, ok := aliases[entry]; ok {
		symbol = orig
	}
	kernel, ok := src.kernels[symbol]
	if !ok {
		return nil, errdefs.Compilation(op, fmt.Sprintf("%s: kernel symbol %q not found", name, entry), nil)
	}
	if renamed := aliasOf(aliases, symbol); renamed != "" && renamed != entry {
		return nil, errdefs.Compilation(op, fmt.Sprintf("%s: kernel %q was renamed to %q", name, symbol, renamed), nil)
	}

	r.log.Debug("built program", "program", name, "entry", entry, "options", strings.Join(options, " "))
	return &program{
		rt:      r,
		name:    name,
		entry:   entry,
		options: slices.Clone(options),
		flags:   flags,
		kernel:  kernel,
	}, nil
}

func aliasOf(aliases map[string]string, symbol string) string {
	for alias, orig := range aliases {
		if orig == symbol {
			return alias
		}
	}
	return ""
}

// parseDefine splits "-DKEY" or "-DKEY=VALUE".
func parseDefine(opt string) (key, value string, ok bool) {
	rest, found := strings.CutPrefix(opt, "-D")
	if !found || rest == "" {
		return "", "", false
	}
	key, value, _ = strings.Cut(rest, "=")
	return key, value, key != ""
}

// signature is the positional parameter list of the program: the optional
// diagnostic buffer, the global size triplet, then the kernel's own params.
func (p *program) signature() []param {
	sig := make([]param, 0, len(p.kernel.params)+4)
	if p.flags.checkRange {
		sig = append(sig, param{"kernel_error", device.ArgErrorBuffer})
	}
	sig = append(sig,
		param{"global_size_dim0", device.ArgUint32},
		param{"global_size_dim1", device.ArgUint32},
		param{"global_size_dim2", device.ArgUint32},
	)
	return append(sig, p.kernel.params...)
}

func (r *Runtime) SetArgs(p device.Program, args []device.Arg) error {
	const op = "set_args"
	prog, ok := p.(*program)
	if !ok || prog.rt != r {
		return errdefs.Runtime(op, fmt.Sprintf("program %T does not belong to this runtime", p), nil)
	}
	sig := prog.signature()
	if len(args) != len(sig) {
		return errdefs.Runtime(op, fmt.Sprintf("%s: expected %d arguments, got %d", prog.entry, len(sig), len(args)), nil)
	}
	for i, a := range args {
		if err := a.Validate(); err != nil {
			return errdefs.Runtime(op, prog.entry, err)
		}
		if a.Name != sig[i].name || a.Kind != sig[i].kind {
			return errdefs.Runtime(op, fmt.Sprintf("%s: argument %d is %s %s, expected %s %s",
				prog.entry, i, a.Kind, a.Name, sig[i].kind, sig[i].name), nil)
		}
		if a.Kind == device.ArgImage {
			if _, ok := a.Image.(*image); !ok {
				return errdefs.Runtime(op, fmt.Sprintf("%s: argument %s is not a host image", prog.entry, a.Name), nil)
			}
		}
		if a.Kind == device.ArgErrorBuffer {
			if _, ok := a.Error.(*errorBuffer); !ok {
				return errdefs.Runtime(op, fmt.Sprintf("%s: argument %s is not a host error buffer", prog.entry, a.Name), nil)
			}
		}
	}
	prog.mu.Lock()
	prog.args = slices.Clone(args)
	prog.mu.Unlock()
	return nil
}

// invocation snapshots the bound arguments and resolves the kernel body.
func (p *program) invocation(offset, gws, lws device.Range) (*invocation, error) {
	p.mu.Lock()
	args := p.args
	p.mu.Unlock()
	if args == nil {
		return nil, errdefs.Runtime("enqueue", p.entry+": arguments not set", nil)
	}
	k := &kernelCtx{flags: p.flags, args: make(map[string]device.Arg, len(args))}
	for _, a := range args {
		k.args[a.Name] = a
	}
	if p.flags.checkRange {
		k.errs = args[0].Error.(*errorBuffer)
	}
	k.bounds = device.Range{k.uint32Arg("global_size_dim0"), k.uint32Arg("global_size_dim1"), k.uint32Arg("global_size_dim2")}

	item, err := p.kernel.bind(k)
	if err != nil {
		return nil, errdefs.Runtime("enqueue", p.entry, err)
	}
	return &invocation{prog: p, offset: offset, gws: gws, lws: lws, item: item}, nil
}

// kernelCtx gives kernel bodies typed access to their arguments and to
// bounds-checked image access.
type kernelCtx struct {
	flags  buildFlags
	args   map[string]device.Arg
	errs   *errorBuffer
	bounds device.Range
}

func (k *kernelCtx) int32Arg(name string) int32   { return k.args[name].Int }
func (k *kernelCtx) uint32Arg(name string) uint32 { return k.args[name].Uint }
func (k *kernelCtx) imageArg(name string) *image  { return k.args[name].Image.(*image) }

// outside reports whether gid lies past the bound global size. Only uniform
// builds need the check; non-uniform launches never overshoot.
func (k *kernelCtx) outside(gid [3]uint32) bool {
	if k.flags.nonUniform {
		return false
	}
	return gid[0] >= k.bounds[0] || gid[1] >= k.bounds[1] || gid[2] >= k.bounds[2]
}

// read returns the pixel at (x, y). Out-of-range reads return zero and, when
// the program was built with OUT_OF_RANGE_CHECK, flag the error buffer.
func (k *kernelCtx) read(img *image, x, y int) [4]float32 {
	if !img.contains(x, y) {
		k.fault()
		return [4]float32{}
	}
	i := (y*img.shape.Width + x) * 4
	return [4]float32(img.pix[i : i+4])
}

// write stores v at (x, y), rounding to the image's element type.
func (k *kernelCtx) write(img *image, x, y int, v [4]float32) {
	if !img.contains(x, y) {
		k.fault()
		return
	}
	if k.flags.half || img.dtype == device.Float16 {
		for i := range v {
			v[i] = device.QuantizeValue(device.Float16, v[i])
		}
	}
	i := (y*img.shape.Width + x) * 4
	copy(img.pix[i:i+4], v[:])
}

func (k *kernelCtx) fault() {
	if k.flags.checkRange && k.errs != nil {
		k.errs.flag.Store(1)
	}
}
