// Package backend selects and opens the device runtime.
package backend

import (
	"fmt"
	"strings"

	"github.com/samcharles93/kdispatch/internal/device"
	"github.com/samcharles93/kdispatch/internal/device/host"
	"github.com/samcharles93/kdispatch/internal/logger"
)

const (
	Host   = "host"
	WebGPU = "webgpu"
	Auto   = "auto"
)

type Options struct {
	Host   host.Options
	Logger logger.Logger
}

func Normalize(name string) (string, error) {
	backend := strings.ToLower(strings.TrimSpace(name))
	if backend == "" {
		return Auto, nil
	}
	switch backend {
	case Host, WebGPU, Auto:
		return backend, nil
	case "cpu":
		return Host, nil
	case "gpu":
		return WebGPU, nil
	default:
		return "", fmt.Errorf("unknown backend %q (expected auto, host, or webgpu)", backend)
	}
}

// New opens the named runtime. Auto prefers WebGPU when it was compiled in
// and an adapter opens, and falls back to the host runtime otherwise.
func New(name string, opts Options) (device.Runtime, error) {
	backend, err := Normalize(name)
	if err != nil {
		return nil, err
	}
	log := logger.OrDiscard(opts.Logger)
	if opts.Host.Logger == nil {
		opts.Host.Logger = log
	}

	switch backend {
	case Host:
		return host.New(opts.Host), nil
	case WebGPU:
		return newWebGPU(log)
	default:
		if Has(WebGPU) {
			rt, err := newWebGPU(log)
			if err == nil {
				return rt, nil
			}
			log.Warn("webgpu unavailable, using host runtime", "error", err)
		}
		return host.New(opts.Host), nil
	}
}
