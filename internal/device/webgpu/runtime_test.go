//go:build webgpu

package webgpu

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/samcharles93/kdispatch/internal/device"
	"github.com/samcharles93/kdispatch/internal/device/host"
	"github.com/samcharles93/kdispatch/internal/kernel"
	"github.com/samcharles93/kdispatch/internal/layout"
	"github.com/samcharles93/kdispatch/internal/ops"
)

func newRuntime(t *testing.T) *Runtime {
	t.Helper()
	r, err := New(Options{})
	if err != nil {
		t.Skipf("no webgpu adapter: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRenderFlags(t *testing.T) {
	t.Parallel()

	plain := render(spaceToDepthSource, "space_to_depth", buildFlags{}, device.Range{4, 2, 1})
	require.Contains(t, plain, "@workgroup_size(4, 2, 1)")
	require.Contains(t, plain, "fn space_to_depth(")
	require.NotContains(t, plain, "kernel_error")
	require.NotContains(t, plain, "$")

	checked := render(depthToSpaceSource, "kabc", buildFlags{half: true, checkRange: true}, device.Range{1, 1, 1})
	require.Contains(t, checked, "atomicStore(&kernel_error[0], 1);")
	require.Contains(t, checked, "pack2x16float")
	require.Contains(t, checked, "fn kabc(")
}

func TestMatchesHostRuntime(t *testing.T) {
	t.Parallel()

	gpu := newRuntime(t)
	cpu := host.New(host.Options{})
	t.Cleanup(func() { _ = cpu.Close() })

	shape := layout.NewShape(2, 8, 6, 8)
	for _, name := range ops.Names() {
		in := shape
		if name == ops.DepthToSpaceName {
			in = layout.NewShape(2, 4, 3, 32)
		}
		results := make([][]float32, 0, 2)
		for _, rt := range []device.Runtime{cpu, gpu} {
			env := &ops.Env{Runtime: rt, Options: kernel.Options{OutOfRangeCheck: true}}
			op, err := ops.New(env, name, 2)
			require.NoError(t, err)
			res, err := ops.Apply(context.Background(), env, op, in, nil)
			require.NoError(t, err, "%s on %s", name, rt.Info().Backend)
			results = append(results, res.Data)
			require.NoError(t, op.Close())
		}
		require.Equal(t, results[0], results[1], name)
	}
}

func TestBuildRejectsNonUniform(t *testing.T) {
	t.Parallel()

	r := newRuntime(t)
	_, err := r.BuildProgram(context.Background(), "space_to_depth", "space_to_depth",
		[]string{"-DDATA_TYPE=float", "-DNON_UNIFORM_WORK_GROUP"})
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "non-uniform"))
	require.False(t, r.Info().NonUniformWorkGroups)
}
