//go:build webgpu

package backend

import (
	"github.com/samcharles93/kdispatch/internal/device"
	"github.com/samcharles93/kdispatch/internal/device/webgpu"
	"github.com/samcharles93/kdispatch/internal/logger"
)

func Has(name string) bool {
	return name == Host || name == WebGPU
}

func newWebGPU(log logger.Logger) (device.Runtime, error) {
	return webgpu.New(webgpu.Options{Logger: log})
}
