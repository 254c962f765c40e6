// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bureau-foundation/stepkernel/forkserver"
	"github.com/bureau-foundation/stepkernel/lib/binhash"
	"github.com/bureau-foundation/stepkernel/lib/clock"
	"github.com/bureau-foundation/stepkernel/lib/config"
	"github.com/bureau-foundation/stepkernel/protocol"
)

// OperationSettings configures one operation kind.
type OperationSettings struct {
	// Timeout applies when a request does not set its own.
	Timeout time.Duration

	// ProvidePaths are exposed read-only to every invocation of the
	// operation.
	ProvidePaths []protocol.PathMapping
}

// Config configures a Kernel.
type Config struct {
	// Spawner starts workers. Required.
	Spawner forkserver.Spawner

	// Operations holds per-operation settings, keyed by operation
	// name. An operation with no entry (or a zero Timeout) uses
	// DefaultTimeout.
	Operations map[string]OperationSettings

	// ResultMaxBytes and LogMaxBytes cap the worker's stdout and
	// stderr.
	ResultMaxBytes int
	LogMaxBytes    int

	// ReapRetries non-blocking waits ReapInterval apart follow EOF on
	// both streams before the worker is killed and waited for.
	ReapRetries  int
	ReapInterval time.Duration

	// KillGrace bounds how long the kernel keeps draining after the
	// deadline kill. A pipe still open after it is abandoned.
	KillGrace time.Duration

	// Compression is the lib/compress tag name or "auto" used by
	// Compile.
	Compression string

	// Cache holds compiled units. Nil means a MemoryCache of
	// DefaultCacheEntries.
	Cache UnitCache

	// Clock paces the reap loop and measures deadlines. Nil means
	// clock.Real().
	Clock clock.Clock

	// Registerer receives the kernel's metrics. Nil leaves them
	// unregistered.
	Registerer prometheus.Registerer

	// Logger receives invocation events and worker logs. Nil means
	// slog.Default().
	Logger *slog.Logger
}

// Defaults for zero Config fields.
const (
	DefaultTimeout        = 5 * time.Minute
	DefaultResultMaxBytes = 32 << 20
	DefaultLogMaxBytes    = 1 << 20
	DefaultReapRetries    = 20
	DefaultReapInterval   = 5 * time.Millisecond
	DefaultKillGrace      = 2 * time.Second
	DefaultCacheEntries   = 256
)

// FromConfig builds a Config from the configuration file. The caller
// supplies the spawner.
func FromConfig(file *config.Config, spawner forkserver.Spawner, logger *slog.Logger) Config {
	operations := make(map[string]OperationSettings, len(file.Operations))
	for name, operation := range file.Operations {
		settings := OperationSettings{Timeout: operation.Timeout.Std()}
		for _, path := range operation.ProvidePaths {
			settings.ProvidePaths = append(settings.ProvidePaths, protocol.PathMapping{Host: path.Host, Chroot: path.Chroot})
		}
		operations[name] = settings
	}
	return Config{
		Spawner:        spawner,
		Operations:     operations,
		ResultMaxBytes: file.Kernel.ResultMaxBytes,
		LogMaxBytes:    file.Kernel.LogMaxBytes,
		ReapRetries:    file.Kernel.ReapRetries,
		ReapInterval:   file.Kernel.ReapInterval.Std(),
		KillGrace:      file.Kernel.KillGrace.Std(),
		Compression:    file.Kernel.Compression,
		Cache:          NewMemoryCache(file.Kernel.CacheEntries),
		Logger:         logger,
	}
}

// Kernel runs unit operations in workers.
type Kernel struct {
	spawner        forkserver.Spawner
	operations     map[string]OperationSettings
	resultMaxBytes int
	logMaxBytes    int
	reapRetries    int
	reapInterval   time.Duration
	killGrace      time.Duration
	compression    string
	cache          UnitCache
	clock          clock.Clock
	metrics        *Metrics
	logger         *slog.Logger
}

// New returns a Kernel, filling zero Config fields with defaults.
func New(config Config) (*Kernel, error) {
	if config.Spawner == nil {
		return nil, errors.New("kernel: spawner is required")
	}
	kernel := &Kernel{
		spawner:        config.Spawner,
		operations:     config.Operations,
		resultMaxBytes: config.ResultMaxBytes,
		logMaxBytes:    config.LogMaxBytes,
		reapRetries:    config.ReapRetries,
		reapInterval:   config.ReapInterval,
		killGrace:      config.KillGrace,
		compression:    config.Compression,
		cache:          config.Cache,
		clock:          config.Clock,
		metrics:        NewMetrics(config.Registerer),
		logger:         config.Logger,
	}
	if kernel.resultMaxBytes <= 0 {
		kernel.resultMaxBytes = DefaultResultMaxBytes
	}
	if kernel.logMaxBytes <= 0 {
		kernel.logMaxBytes = DefaultLogMaxBytes
	}
	if kernel.reapRetries <= 0 {
		kernel.reapRetries = DefaultReapRetries
	}
	if kernel.reapInterval <= 0 {
		kernel.reapInterval = DefaultReapInterval
	}
	if kernel.killGrace <= 0 {
		kernel.killGrace = DefaultKillGrace
	}
	if kernel.compression == "" {
		kernel.compression = "auto"
	}
	if kernel.cache == nil {
		kernel.cache = NewMemoryCache(DefaultCacheEntries)
	}
	if kernel.clock == nil {
		kernel.clock = clock.Real()
	}
	if kernel.logger == nil {
		kernel.logger = slog.Default()
	}
	return kernel, nil
}

// Compile checks and packages unit code, reusing a cached unit with
// the same name, code and kind.
func (k *Kernel) Compile(name string, kind protocol.Kind, code []byte) (CompiledUnit, error) {
	digest := binhash.HashUnit(name, code)
	if unit, ok := k.cache.Get(digest); ok && unit.Kind == kind {
		k.metrics.observeCache(true)
		return unit, nil
	}
	k.metrics.observeCache(false)

	unit, err := compileUnit(name, kind, code, k.compression)
	if err != nil {
		return CompiledUnit{}, err
	}
	k.cache.Put(unit)
	k.logger.Debug("compiled unit",
		"unit", unit.Identifier,
		"kind", kind,
		"size", unit.Size,
		"stored_size", len(unit.Code),
		"compression", unit.Compression.String(),
	)
	return unit, nil
}

// Cache returns the compiled unit cache.
func (k *Kernel) Cache() UnitCache { return k.cache }

func (k *Kernel) settings(operation string, override time.Duration) (time.Duration, []protocol.PathMapping) {
	settings := k.operations[operation]
	timeout := override
	if timeout <= 0 {
		timeout = settings.Timeout
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return timeout, settings.ProvidePaths
}
