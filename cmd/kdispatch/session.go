package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/samcharles93/kdispatch/internal/backend"
	"github.com/samcharles93/kdispatch/internal/device"
	"github.com/samcharles93/kdispatch/internal/device/host"
	"github.com/samcharles93/kdispatch/internal/kernel"
	"github.com/samcharles93/kdispatch/internal/logger"
	"github.com/samcharles93/kdispatch/internal/ops"
	"github.com/samcharles93/kdispatch/internal/tuning"
)

// session is the runtime, tuning store and op environment shared by a
// command invocation.
type session struct {
	rt   device.Runtime
	env  *ops.Env
	file *tuning.FileStore
	log  logger.Logger
	// persist saves the tuning file on close even when the session tuner
	// is disabled (the server tunes per request).
	persist bool
}

func parseDataType(s string) (device.ElementType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "float32", "float", "f32":
		return device.Float32, nil
	case "float16", "half", "f16":
		return device.Float16, nil
	default:
		return 0, fmt.Errorf("unknown data type %q (expected float32 or float16)", s)
	}
}

func openSession(ctx context.Context, tune bool) (*session, error) {
	log := logger.FromContext(ctx)
	dtype, err := parseDataType(dataType)
	if err != nil {
		return nil, err
	}

	var (
		store tuning.Store
		file  *tuning.FileStore
	)
	if tuningFile != "" {
		file, err = tuning.OpenFileStore(tuningFile)
		if err != nil {
			return nil, err
		}
		store = file
		log.Debug("loaded tuning results", "path", file.Path(), "entries", file.Len())
	} else {
		store = tuning.NewMemoryStore()
	}

	rt, err := backend.New(backendName, backend.Options{
		Host:   host.Options{Workers: int(workers)},
		Logger: log,
	})
	if err != nil {
		return nil, err
	}
	info := rt.Info()
	log.Debug("opened device", "identity", info.Identity(), "max_work_group_size", info.MaxWorkGroupSize)

	tuner := tuning.New(store, tune)
	tuner.Log = log
	return &session{
		rt:   rt,
		file: file,
		log:  log,
		env: &ops.Env{
			Runtime: rt,
			Tuner:   tuner,
			Log:     log,
			Options: kernel.Options{
				DataType:         dtype,
				OutOfRangeCheck:  outOfRangeCheck,
				ObfuscateSymbols: obfuscate,
				KernelTimeLimit:  kernelTimeLimit,
			},
		},
	}, nil
}

// Close saves tuning results when they may have changed and closes the
// runtime.
func (s *session) Close() error {
	var errs []error
	if s.file != nil && (s.env.Tuner.Enabled || s.persist) {
		if err := s.file.Save(); err != nil {
			errs = append(errs, fmt.Errorf("save tuning results: %w", err))
		} else {
			s.log.Info("saved tuning results", "path", s.file.Path(), "entries", s.file.Len())
		}
	}
	if err := s.rt.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
