//go:build !webgpu

package backend

import (
	"fmt"

	"github.com/samcharles93/kdispatch/internal/device"
	"github.com/samcharles93/kdispatch/internal/logger"
)

func Has(name string) bool {
	return name == Host
}

func newWebGPU(logger.Logger) (device.Runtime, error) {
	return nil, fmt.Errorf("webgpu backend is not available in this build (rebuild with -tags webgpu)")
}
