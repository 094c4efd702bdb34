package device

import "fmt"

// ArgKind identifies the payload of an Arg.
type ArgKind int

const (
	ArgInt32 ArgKind = iota + 1
	ArgUint32
	ArgFloat32
	ArgImage
	ArgErrorBuffer
)

func (k ArgKind) String() string {
	switch k {
	case ArgInt32:
		return "int32"
	case ArgUint32:
		return "uint32"
	case ArgFloat32:
		return "float32"
	case ArgImage:
		return "image"
	case ArgErrorBuffer:
		return "error_buffer"
	default:
		return "invalid"
	}
}

// Arg is one positional kernel argument. Name is carried for diagnostics and
// for runtimes that resolve arguments by name; position is the slice index.
type Arg struct {
	Name  string
	Kind  ArgKind
	Int   int32
	Uint  uint32
	Float float32
	Image Image
	Error ErrorBuffer
}

func Int32Arg(name string, v int32) Arg     { return Arg{Name: name, Kind: ArgInt32, Int: v} }
func Uint32Arg(name string, v uint32) Arg   { return Arg{Name: name, Kind: ArgUint32, Uint: v} }
func Float32Arg(name string, v float32) Arg { return Arg{Name: name, Kind: ArgFloat32, Float: v} }
func ImageArg(name string, img Image) Arg   { return Arg{Name: name, Kind: ArgImage, Image: img} }

func ErrorBufferArg(name string, b ErrorBuffer) Arg {
	return Arg{Name: name, Kind: ArgErrorBuffer, Error: b}
}

func (a Arg) String() string {
	switch a.Kind {
	case ArgInt32:
		return fmt.Sprintf("%s=%d", a.Name, a.Int)
	case ArgUint32:
		return fmt.Sprintf("%s=%d", a.Name, a.Uint)
	case ArgFloat32:
		return fmt.Sprintf("%s=%g", a.Name, a.Float)
	case ArgImage:
		if a.Image == nil {
			return a.Name + "=<nil image>"
		}
		s := a.Image.Shape()
		return fmt.Sprintf("%s=image(%dx%d)", a.Name, s.Width, s.Height)
	case ArgErrorBuffer:
		return a.Name + "=error_buffer"
	default:
		return a.Name + "=?"
	}
}

// Validate reports whether the payload matches the kind.
func (a Arg) Validate() error {
	switch a.Kind {
	case ArgInt32, ArgUint32, ArgFloat32:
		return nil
	case ArgImage:
		if a.Image == nil {
			return fmt.Errorf("argument %q: nil image", a.Name)
		}
		return nil
	case ArgErrorBuffer:
		if a.Error == nil {
			return fmt.Errorf("argument %q: nil error buffer", a.Name)
		}
		return nil
	default:
		return fmt.Errorf("argument %q: invalid kind %d", a.Name, a.Kind)
	}
}
