// Package api exposes the block operators and the device/tuning state over
// HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/labstack/echo/v5"
	"golang.org/x/time/rate"

	"github.com/samcharles93/kdispatch/internal/kernel"
	"github.com/samcharles93/kdispatch/internal/layout"
	"github.com/samcharles93/kdispatch/internal/logger"
	"github.com/samcharles93/kdispatch/internal/ops"
	"github.com/samcharles93/kdispatch/internal/tuning"
	"github.com/samcharles93/kdispatch/internal/version"
)

// Tuning runs every candidate many times and holds the op lock throughout,
// so tune requests are admitted at a low rate.
const (
	DefaultTuneRate  = rate.Limit(1)
	DefaultTuneBurst = 2
)

// DefaultMaxInstances bounds the op instances kept between requests. The
// least recently used instance is closed when a new one would exceed it.
const DefaultMaxInstances = 32

// instrumented is implemented by the block operators.
type instrumented interface {
	Programs() *kernel.ProgramCache
	Executor() *kernel.Executor
}

type opKey struct {
	name  string
	block int
	tune  bool
}

type cachedOp struct {
	op   ops.Operator
	used uint64
}

type Server struct {
	env     *ops.Env
	tuned   *ops.Env
	store   tuning.Store
	limiter *rate.Limiter
	clock   func() time.Time
	log     logger.Logger

	// Op instances are not safe for concurrent use; mu serializes every
	// execution, and the instances are kept so programs and bindings are
	// reused across requests. Only instances that completed a request are
	// kept.
	mu           sync.Mutex
	instances    map[opKey]*cachedOp
	maxInstances int
	tick         uint64
}

// NewServer serves env. Requests with "tune" run on a copy of env whose
// tuner is enabled and shares env's tuning store, so later untuned requests
// reuse the recorded parameters. A nil limiter admits DefaultTuneRate.
func NewServer(env *ops.Env, limiter *rate.Limiter) *Server {
	if limiter == nil {
		limiter = rate.NewLimiter(DefaultTuneRate, DefaultTuneBurst)
	}
	base := *env
	baseTuner := tuning.Tuner{Warmup: tuning.DefaultWarmup, Runs: tuning.DefaultRuns}
	if env.Tuner != nil {
		baseTuner = *env.Tuner
	}
	if baseTuner.Store == nil {
		baseTuner.Store = tuning.NewMemoryStore()
	}
	// Only requests that ask for it tune, so every tuning run is rate limited.
	baseTuner.Enabled = false
	base.Tuner = &baseTuner
	tuner := *base.Tuner
	tuner.Enabled = true
	tuned := base
	tuned.Tuner = &tuner
	log := logger.OrDiscard(base.Log)

	return &Server{
		env:          &base,
		tuned:        &tuned,
		store:        base.Tuner.Store,
		limiter:      limiter,
		clock:        time.Now,
		log:          log,
		instances:    make(map[opKey]*cachedOp),
		maxInstances: DefaultMaxInstances,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/v1/device", s.handleDevice)
	e.GET("/v1/tuning", s.handleTuning)
	e.POST("/v1/ops/:name", s.handleOp)
}

// Close releases every cached op instance.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for k, c := range s.instances {
		if err := c.op.Close(); err != nil && first == nil {
			first = err
		}
		delete(s.instances, k)
	}
	return first
}

func (s *Server) handleDevice(c *echo.Context) error {
	info := s.env.Runtime.Info()
	return c.JSON(http.StatusOK, DeviceResponse{
		Object:               "device",
		Identity:             info.Identity(),
		Name:                 info.Name,
		Vendor:               info.Vendor,
		Backend:              info.Backend,
		Version:              info.Version,
		ComputeUnits:         info.ComputeUnits,
		MaxWorkGroupSize:     info.MaxWorkGroupSize,
		MaxWorkItemSizes:     info.MaxWorkItemSizes,
		GlobalMemCacheSize:   info.GlobalMemCacheSize,
		MaxImageWidth:        info.MaxImageWidth,
		MaxImageHeight:       info.MaxImageHeight,
		NonUniformWorkGroups: info.NonUniformWorkGroups,
		Ops:                  ops.Names(),
		Server:               version.UserAgent(),
	})
}

func (s *Server) handleTuning(c *echo.Context) error {
	entries := s.store.Entries()
	data := make([]TuningEntry, 0, len(entries))
	for sig, p := range entries {
		data = append(data, TuningEntry{Signature: sig, Local: p.Local, BlockZ: p.BlockZ})
	}
	sort.Slice(data, func(i, j int) bool { return data[i].Signature < data[j].Signature })
	return c.JSON(http.StatusOK, TuningResponse{Object: "list", Data: data})
}

func (s *Server) handleOp(c *echo.Context) error {
	name := c.Param("name")
	if !slices.Contains(ops.Names(), name) {
		return writeNotFound(c, fmt.Sprintf("unknown op %q", name))
	}
	req, err := decodeJSON[OpRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	shape, err := requestShape(req)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if req.Tune && !s.limiter.Allow() {
		return writeError(c, http.StatusTooManyRequests, "rate_limit_error", "too many tuning requests", "tune", "")
	}

	resp, err := s.execute(c.Request().Context(), name, shape, req)
	if err != nil {
		s.log.Debug("op failed", "op", name, "shape", shape.String(), "error", err)
		return writeOpError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func requestShape(req OpRequest) (layout.Shape, error) {
	if len(req.Shape) != 4 {
		return layout.Shape{}, newInvalidRequest(fmt.Sprintf("shape: expected 4 dimensions, got %d", len(req.Shape)))
	}
	if req.BlockSize == 0 {
		return layout.Shape{}, newInvalidRequest("block_size is required")
	}
	return layout.NewShape(req.Shape[0], req.Shape[1], req.Shape[2], req.Shape[3]), nil
}

func (s *Server) execute(ctx context.Context, name string, shape layout.Shape, req OpRequest) (*OpResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := opKey{name: name, block: req.BlockSize, tune: req.Tune}
	op, cached, err := s.operator(k)
	if err != nil {
		return nil, err
	}
	env := s.env
	if req.Tune {
		env = s.tuned
	}
	res, err := ops.Apply(ctx, env, op, shape, req.Data)
	if err != nil {
		if !cached {
			_ = op.Close()
		}
		return nil, err
	}
	if !cached {
		s.keep(k, op)
	}

	stats := OpStats{
		DurationUS: float64(res.Stats.Duration()) / float64(time.Microsecond),
		Tuned:      req.Tune,
	}
	if inst, ok := op.(instrumented); ok {
		stats.Builds = inst.Programs().Builds()
		stats.Binds = inst.Executor().Binds()
	}
	return &OpResponse{
		ID:        newRequestID(),
		Object:    "op.result",
		CreatedAt: s.clock().Unix(),
		Op:        name,
		BlockSize: req.BlockSize,
		Shape:     res.Shape.Dims(),
		Data:      res.Data,
		Stats:     stats,
	}, nil
}

// operator returns the cached instance for k, or a new uncached one. The
// caller holds s.mu.
func (s *Server) operator(k opKey) (ops.Operator, bool, error) {
	s.tick++
	if c, ok := s.instances[k]; ok {
		c.used = s.tick
		return c.op, true, nil
	}
	env := s.env
	if k.tune {
		env = s.tuned
	}
	op, err := ops.New(env, k.name, k.block)
	if err != nil {
		return nil, false, err
	}
	return op, false, nil
}

// keep caches op under k, closing the least recently used instance when the
// cache is full. The caller holds s.mu.
func (s *Server) keep(k opKey, op ops.Operator) {
	if limit := max(s.maxInstances, 1); len(s.instances) >= limit {
		var (
			oldest opKey
			used   uint64
			found  bool
		)
		for key, c := range s.instances {
			if !found || c.used < used {
				oldest, used, found = key, c.used, true
			}
		}
		if err := s.instances[oldest].op.Close(); err != nil {
			s.log.Warn("close evicted op", "op", oldest.name, "block", oldest.block, "error", err)
		}
		delete(s.instances, oldest)
	}
	s.instances[k] = &cachedOp{op: op, used: s.tick}
}
