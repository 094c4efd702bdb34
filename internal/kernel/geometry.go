package kernel

import (
	"time"

	"github.com/samcharles93/kdispatch/internal/device"
	"github.com/samcharles93/kdispatch/internal/tuning"
)

const cacheLineBase = 16 << 10

// Default3DLocalWS is the heuristic local size for 3-D image kernels. It
// fills axis 1 first, then spends the remaining work-group budget on axes 2
// and 0, capped by a base derived from the global memory cache size.
func Default3DLocalWS(info device.Info, gws device.Range, kwg uint32) device.Range {
	if kwg == 0 {
		kwg = 1
	}
	base := uint32(max(info.GlobalMemCacheSize/cacheLineBase, 1))

	var lws device.Range
	lws[1] = min(gws[1], kwg)
	lws[2] = min(gws[2], base, kwg/max(lws[1], 1))
	inner := max(lws[1]*lws[2], 1)
	lws[0] = max(min(gws[0], base, kwg/inner), 1)

	return clampLocal(lws, info)
}

// Candidates3D lists the local sizes tried when tuning a 3-D kernel. Axis 1
// follows the global size; axes 0 and 2 take a few fractions of it. Entries
// that exceed kwg or the device limits are dropped, duplicates removed.
func Candidates3D(info device.Info, gws device.Range, kwg uint32) []tuning.Params {
	if kwg == 0 {
		kwg = 1
	}
	axis0 := []uint32{gws[0], gws[0] / 4, gws[0] / 8, 4, 1}
	axis2 := []uint32{gws[2], gws[2] / 8, gws[2] / 4, 8, 4, 1}

	seen := make(map[device.Range]bool)
	var out []tuning.Params
	for _, a0 := range axis0 {
		for _, a2 := range axis2 {
			if a0 == 0 || a2 == 0 {
				continue
			}
			lws := device.Range{min(a0, gws[0]), gws[1], min(a2, gws[2])}
			lws = clampLocal(lws, info)
			if n := lws.Size(); n == 0 || n > uint64(kwg) || seen[lws] {
				continue
			}
			seen[lws] = true
			out = append(out, tuning.Params{Local: lws})
		}
	}
	return out
}

// clampLocal caps each axis at the device per-dimension limit, floor 1.
func clampLocal(lws device.Range, info device.Info) device.Range {
	for i := range 3 {
		if limit := info.MaxWorkItemSizes[i]; limit > 0 && lws[i] > limit {
			lws[i] = limit
		}
		if lws[i] == 0 {
			lws[i] = 1
		}
	}
	return lws
}

// LimitBlockZ sizes z-axis chunks so each launch of a kernel that took
// elapsed in one piece stays under limit. It returns 0 when no split is
// needed. Without non-uniform work-groups the chunk is rounded up to the
// local z size.
func LimitBlockZ(gz, lz uint32, elapsed, limit time.Duration, nonUniform bool) uint32 {
	if limit <= 0 || gz == 0 {
		return 0
	}
	// The ratio is an int64 and can exceed uint32; clamp before narrowing.
	num := uint32(min(uint64(max(elapsed/limit, 0))+1, uint64(gz)))
	block := gz / num
	if !nonUniform && lz > 0 {
		block = (block + lz - 1) / lz * lz
	}
	if block >= gz {
		return 0
	}
	return block
}

// roundUpRange rounds each axis of gws up to a multiple of lws.
func roundUpRange(gws, lws device.Range) device.Range {
	var out device.Range
	for i := range 3 {
		l := max(lws[i], 1)
		out[i] = (gws[i] + l - 1) / l * l
	}
	return out
}
