package host

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/kdispatch/internal/device"
	"github.com/samcharles93/kdispatch/internal/errdefs"
)

// invocation is one NDRange with its arguments snapshotted at enqueue time.
type invocation struct {
	prog   *program
	offset device.Range
	gws    device.Range
	lws    device.Range
	item   func(gid [3]uint32)
}

// dispatch runs every work-group of inv. Groups are split into contiguous
// runs, one per worker; a group never straddles two workers.
func (r *Runtime) dispatch(inv *invocation) error {
	var groups [3]uint32
	for i := range 3 {
		groups[i] = (inv.gws[i] + inv.lws[i] - 1) / inv.lws[i]
	}
	total := int(groups[0]) * int(groups[1]) * int(groups[2])

	workers := min(r.workers, total)
	per := (total + workers - 1) / workers

	g, _ := errgroup.WithContext(context.Background())
	g.SetLimit(workers)
	for first := 0; first < total; first += per {
		last := min(first+per, total)
		g.Go(func() (err error) {
			defer func() {
				if p := recover(); p != nil {
					err = errdefs.Runtime("enqueue", fmt.Sprintf("kernel %s panicked: %v", inv.prog.entry, p), nil)
				}
			}()
			for idx := first; idx < last; idx++ {
				gx := uint32(idx) % groups[0]
				gy := uint32(idx) / groups[0] % groups[1]
				gz := uint32(idx) / (groups[0] * groups[1])
				inv.runGroup(gx, gy, gz)
			}
			return nil
		})
	}
	return g.Wait()
}

// runGroup runs the work items of one group. Items past the global size are
// not launched, which models a non-uniform trailing group.
func (inv *invocation) runGroup(gx, gy, gz uint32) {
	var lo, hi [3]uint32
	for i, g := range [3]uint32{gx, gy, gz} {
		lo[i] = g * inv.lws[i]
		hi[i] = min(lo[i]+inv.lws[i], inv.gws[i])
	}
	for z := lo[2]; z < hi[2]; z++ {
		for y := lo[1]; y < hi[1]; y++ {
			for x := lo[0]; x < hi[0]; x++ {
				inv.item([3]uint32{x + inv.offset[0], y + inv.offset[1], z + inv.offset[2]})
			}
		}
	}
}
