package codecache

import "log"

// Config holds the five recognised option names: two region sizes, the
// contention-test knob, and two boolean trace/verify flags. It follows the
// allocator package's functional-options convention rather than exposing
// its fields directly for construction.
type Config struct {
	ReservedBaselineCodeCacheSize uintptr
	ReservedOptCodeCacheSize      uintptr
	CodeCacheContentionFrequency  int
	TraceCodeAllocation           bool
	VerifyRefMaps                 bool
	Logger                        *log.Logger
	HeapAllocator                 HeapAllocator
}

const (
	defaultBaselineSize = 128 * 1024 * 1024
	defaultOptSize      = 16 * 1024 * 1024
)

// Option mutates a Config during construction.
type Option func(*Config)

func defaultConfig() *Config {
	return &Config{
		ReservedBaselineCodeCacheSize: defaultBaselineSize,
		ReservedOptCodeCacheSize:      defaultOptSize,
		CodeCacheContentionFrequency:  0,
		TraceCodeAllocation:           false,
		VerifyRefMaps:                 false,
		Logger:                        log.Default(),
	}
}

// WithBaselineSize sets ReservedBaselineCodeCacheSize. The value is split
// into two equal from/to halves.
func WithBaselineSize(size uintptr) Option {
	return func(c *Config) { c.ReservedBaselineCodeCacheSize = size }
}

// WithOptSize sets ReservedOptCodeCacheSize.
func WithOptSize(size uintptr) Option {
	return func(c *Config) { c.ReservedOptCodeCacheSize = size }
}

// WithContentionFrequency sets CodeCacheContentionFrequency. A positive N
// forces every Nth baseline allocation to fail its first attempt, exercising
// the eviction path deterministically.
func WithContentionFrequency(n int) Option {
	return func(c *Config) { c.CodeCacheContentionFrequency = n }
}

// WithTraceCodeAllocation enables a log line per successful bundle
// allocation.
func WithTraceCodeAllocation(enabled bool) Option {
	return func(c *Config) { c.TraceCodeAllocation = enabled }
}

// WithVerifyRefMaps is recognised for configuration compatibility; reference
// map verification itself is consumed by the surrounding runtime, not the
// core, and this package does not act on it beyond storing the flag.
func WithVerifyRefMaps(enabled bool) Option {
	return func(c *Config) { c.VerifyRefMaps = enabled }
}

// WithLogger overrides the destination for trace and fatal diagnostics.
// Defaults to log.Default().
func WithLogger(l *log.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithHeapAllocator supplies the object-heap allocator that Allocate routes
// to when called with inHeap=true. Without one, an inHeap allocation fails
// rather than silently falling back to a code region.
func WithHeapAllocator(h HeapAllocator) Option {
	return func(c *Config) { c.HeapAllocator = h }
}
