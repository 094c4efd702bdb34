package kernel

import (
	"fmt"
	"reflect"
	"strconv"

	"github.com/samcharles93/kdispatch/internal/device"
)

var (
	imageType       = reflect.TypeFor[device.Image]()
	errorBufferType = reflect.TypeFor[device.ErrorBuffer]()
	rangeType       = reflect.TypeFor[device.Range]()
)

// MarshalArgs serializes the `arg`-tagged fields of the struct v into the
// positional argument list, in field declaration order. A device.Range field
// expands to three uint32 arguments named <name>0, <name>1 and <name>2.
//
//	type args struct {
//		Input     device.Image `arg:"input"`
//		BlockSize int32        `arg:"block_size"`
//	}
func MarshalArgs(v any) ([]device.Arg, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, fmt.Errorf("marshal args: nil %T", v)
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil, fmt.Errorf("marshal args: %T is not a struct", v)
	}

	rt := rv.Type()
	out := make([]device.Arg, 0, rt.NumField())
	for i := range rt.NumField() {
		f := rt.Field(i)
		name, ok := f.Tag.Lookup("arg")
		if !ok || name == "-" {
			continue
		}
		if !f.IsExported() {
			return nil, fmt.Errorf("marshal args: field %s is unexported", f.Name)
		}
		fv := rv.Field(i)
		switch {
		case f.Type == imageType:
			img, _ := fv.Interface().(device.Image)
			if img == nil {
				return nil, fmt.Errorf("marshal args: %s: nil image", name)
			}
			out = append(out, device.ImageArg(name, img))
		case f.Type == errorBufferType:
			buf, _ := fv.Interface().(device.ErrorBuffer)
			if buf == nil {
				return nil, fmt.Errorf("marshal args: %s: nil error buffer", name)
			}
			out = append(out, device.ErrorBufferArg(name, buf))
		case f.Type == rangeType:
			r := fv.Interface().(device.Range)
			for d := range 3 {
				out = append(out, device.Uint32Arg(name+strconv.Itoa(d), r[d]))
			}
		case f.Type.Kind() == reflect.Int32:
			out = append(out, device.Int32Arg(name, int32(fv.Int())))
		case f.Type.Kind() == reflect.Uint32:
			out = append(out, device.Uint32Arg(name, uint32(fv.Uint())))
		case f.Type.Kind() == reflect.Float32:
			out = append(out, device.Float32Arg(name, float32(fv.Float())))
		default:
			return nil, fmt.Errorf("marshal args: %s: unsupported type %s", name, f.Type)
		}
	}
	return out, nil
}
