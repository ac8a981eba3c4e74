// Copyright 2022 Gustavo C. Viegas. All rights reserved.

// Package layer is the external interface: the device-create
// configuration struct, the device-wide state table a layer instance
// owns (registered passes, PUID allocator, cache, report aggregator;
// no compiler worker pool, shaders are instrumented on the calling
// goroutine), and the dispatch table that routes
// intercepted entry points to the next layer down the chain. Its
// registration/lifecycle shape generalises "a GPU driver backend" to
// "the next layer/driver in an interception chain".
package layer

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"gpuval/cache"
	"gpuval/pass"
	"gpuval/pipeline"
	"gpuval/report"
	"gpuval/resource"
)

// Severity classifies a log callback message.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

// Logger receives one log line at the given severity. The zero Config
// uses StdLogger, which forwards to log.Default().
type Logger func(severity Severity, msg string)

// StdLogger adapts the standard log package to the Logger shape.
func StdLogger(severity Severity, msg string) {
	prefix := map[Severity]string{SeverityInfo: "info", SeverityWarning: "warning", SeverityError: "error"}[severity]
	log.Printf("layer: [%s] %s", prefix, msg)
}

// Config is the device-create extension struct: log
// callback + severity mask, default/max per-command-buffer message
// count, compiler worker counts, on-disk cache path, async-transfer
// flag, throttle threshold, and the set of feature-enable bits.
type Config struct {
	Log            Logger
	MinSeverity    Severity
	DefaultMaxMessages int
	MaxMessages        int

	CompilerWorkers int

	CachePath            string
	CacheEntryThreshold  int
	CacheFlushInterval   time.Duration

	AsyncTransfer    bool
	ThrottleThreshold int

	EnabledFeatures uint64
}

// withDefaults fills the zero-value fields of cfg, so a Layer can be
// opened without requiring every caller to populate a Logger.
func (cfg Config) withDefaults() Config {
	if cfg.Log == nil {
		cfg.Log = StdLogger
	}
	if cfg.DefaultMaxMessages == 0 {
		cfg.DefaultMaxMessages = 1000
	}
	if cfg.MaxMessages == 0 {
		cfg.MaxMessages = 1 << 20
	}
	return cfg
}

// ErrAlreadyOpen is returned by Open when called on a Layer that has
// already completed device creation.
var ErrAlreadyOpen = errors.New("layer: already open")

// Layer is the device-wide state table: every registered pass, the
// PUID allocator, the shader cache, the report aggregator, and the
// dispatch table populated at device creation.
type Layer struct {
	mu     sync.Mutex
	opened bool

	Config Config

	Passes   []pass.Pass
	Registry *pass.Registry

	PUIDs      *resource.PUIDAllocator
	Cache      *cache.Cache
	Reports    *report.Aggregator
	Decoder    *report.Decoder
	Dispatch   *DispatchTable
}

// New creates an unopened Layer. Passes is the full set of
// instrumentation passes this layer instance can apply; Open
// registers every one of them against a fresh Registry.
func New(cfg Config, passes []pass.Pass) *Layer {
	cfg = cfg.withDefaults()
	return &Layer{
		Config:   cfg,
		Passes:   passes,
		PUIDs:    &resource.PUIDAllocator{},
		Reports:  &report.Aggregator{},
		Decoder:  report.NewDecoder(),
		Dispatch: NewDispatchTable(),
	}
}

// Open performs device-creation-time setup: registers every pass,
// wires each pass's Handle into the report decoder, opens the shader
// cache (best-effort load from Config.CachePath), and marks the layer
// ready to intercept calls. Open is not safe for concurrent use with
// itself.
func (l *Layer) Open() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.opened {
		return ErrAlreadyOpen
	}

	l.Registry = pass.NewRegistry()
	for _, p := range l.Passes {
		if err := p.Register(l.Registry); err != nil {
			return err
		}
		id, ok := l.Registry.FeatureID(p.Name())
		if !ok {
			return fmt.Errorf("layer: pass %q registered but has no feature-id", p.Name())
		}
		l.Decoder.Register(id, p)
	}

	l.Cache = cache.NewCache(l.Config.CachePath, l.Config.CacheEntryThreshold, l.Config.CacheFlushInterval)
	if l.Config.CachePath != "" {
		if err := l.Cache.Load(l.Config.CachePath); err != nil {
			l.Config.Log(SeverityWarning, "cache load failed: "+err.Error())
		}
	}

	l.opened = true
	l.Config.Log(SeverityInfo, "layer opened")
	return nil
}

// Instrument runs the cache-then-rewrite path for one shader: a cache
// hit returns its stored bytecode directly; a miss runs pipeline.Instrument and stores the
// result, collapsing concurrent misses for the same key onto one
// build.
func (l *Layer) Instrument(data []byte, contentHash uint64, featureMask uint64, pipelineVersion uint32) ([]byte, error) {
	key := cache.Key{ContentHash: contentHash, FeatureMask: featureMask, PipelineVersion: pipelineVersion}
	e, err := l.Cache.GetOrBuild(key, func() (cache.Entry, error) {
		out := pipeline.Instrument(data, l.activePasses(featureMask))
		return cache.Entry{Bytecode: out}, nil
	})
	if err != nil {
		return nil, err
	}
	return e.Bytecode, nil
}

// activePasses filters l.Passes down to those named in featureMask's
// bit position — position N corresponds to the N-th pass in l.Passes,
// in registration order, matching Config.EnabledFeatures's bit layout.
func (l *Layer) activePasses(featureMask uint64) []pass.Pass {
	var active []pass.Pass
	for i, p := range l.Passes {
		if featureMask&(1<<uint(i)) != 0 {
			active = append(active, p)
		}
	}
	return active
}

// Close flushes every pass and, when Config.CachePath is set,
// serializes the cache there; a Layer owns no worker pool, so there is
// nothing to drain. It mirrors
// driver.Driver.Close's "not safe for parallel execution" contract.
func (l *Layer) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.opened {
		return
	}
	for _, p := range l.Passes {
		if err := p.Flush(); err != nil {
			l.Config.Log(SeverityError, "pass "+p.Name()+" flush failed: "+err.Error())
		}
	}
	if l.Cache != nil && l.Config.CachePath != "" {
		if err := l.Cache.Serialize(l.Config.CachePath); err != nil {
			l.Config.Log(SeverityWarning, "cache serialize on close failed: "+err.Error())
		}
	}
	l.opened = false
	l.Config.Log(SeverityInfo, "layer closed")
}
