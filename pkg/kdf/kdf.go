// Package kdf chooses Argon2id cost parameters for the host device.
//
// The advisor classifies the device by total RAM and CPU count, maps the
// class to a fixed cost tuple and clamps the result into safety bounds.
// Device introspection never fails loudly: if the probe errors the advisor
// falls back to LowEnd for the profile and to SafeDefaults for parameters.
package kdf

import (
	"fmt"
	"runtime"

	"github.com/rs/zerolog"
)

// DeviceClass is a coarse capability bucket.
type DeviceClass int

const (
	LowEnd DeviceClass = iota
	MidRange
	HighEnd
	Premium
)

// String returns the class name used in logs and CLI output.
func (c DeviceClass) String() string {
	switch c {
	case LowEnd:
		return "low-end"
	case MidRange:
		return "mid-range"
	case HighEnd:
		return "high-end"
	case Premium:
		return "premium"
	default:
		return fmt.Sprintf("unknown(%d)", int(c))
	}
}

// RAM thresholds in MiB.
const (
	premiumRAMMB  = 8192
	highEndRAMMB  = 4096
	midRangeRAMMB = 2048

	// Below this many cores a device is LowEnd whatever its RAM.
	minStrongCores = 4
)

// Safety bounds enforced by Validate.
const (
	MinTimeCost      = 2
	MaxTimeCost      = 10
	MinMemoryCostKiB = 32 * 1024
	MaxMemoryCostKiB = 512 * 1024
	MinParallelism   = 1
	MaxParallelism   = 8
)

// DeviceProfile describes the host. It is derived on demand and never cached.
type DeviceProfile struct {
	RAMTotalMB int         `json:"ram_total_mb"`
	CPUCores   int         `json:"cpu_cores"`
	Class      DeviceClass `json:"class"`
}

// Params is an Argon2id cost tuple.
type Params struct {
	TimeCost      int         `json:"time_cost"`
	MemoryCostKiB int         `json:"memory_cost_kib"`
	Parallelism   int         `json:"parallelism"`
	Class         DeviceClass `json:"device_class"`
}

// String renders the tuple in the PHC parameter order.
func (p Params) String() string {
	return fmt.Sprintf("m=%d,t=%d,p=%d", p.MemoryCostKiB, p.TimeCost, p.Parallelism)
}

type costRow struct {
	timeCost       int
	memoryCostKiB  int
	parallelismCap int
}

var costTable = map[DeviceClass]costRow{
	LowEnd:   {2, 32 * 1024, 2},
	MidRange: {3, 64 * 1024, 4},
	HighEnd:  {4, 128 * 1024, 4},
	Premium:  {5, 256 * 1024, 6},
}

// Classify buckets a device by RAM, then downgrades anything MidRange or
// better with fewer than four cores to LowEnd.
func Classify(ramTotalMB, cpuCores int) DeviceClass {
	var class DeviceClass
	switch {
	case ramTotalMB >= premiumRAMMB:
		class = Premium
	case ramTotalMB >= highEndRAMMB:
		class = HighEnd
	case ramTotalMB >= midRangeRAMMB:
		class = MidRange
	default:
		class = LowEnd
	}

	if class >= MidRange && cpuCores < minStrongCores {
		return LowEnd
	}
	return class
}

// ComputeParams looks up the cost tuple for class. Parallelism is capped by
// both the table and the available cores. The result is not clamped; pass it
// through Validate before use.
func ComputeParams(class DeviceClass, cpuCores int) Params {
	row, ok := costTable[class]
	if !ok {
		row = costTable[LowEnd]
		class = LowEnd
	}
	return Params{
		TimeCost:      row.timeCost,
		MemoryCostKiB: row.memoryCostKiB,
		Parallelism:   min(cpuCores, row.parallelismCap),
		Class:         class,
	}
}

// Validate clamps every field into the safety bounds independently.
func Validate(p Params) Params {
	p.TimeCost = clamp(p.TimeCost, MinTimeCost, MaxTimeCost)
	p.MemoryCostKiB = clamp(p.MemoryCostKiB, MinMemoryCostKiB, MaxMemoryCostKiB)
	p.Parallelism = clamp(p.Parallelism, MinParallelism, MaxParallelism)
	return p
}

// SafeDefaults is the MidRange tuple, used when the device cannot be probed.
func SafeDefaults() Params {
	return ComputeParams(MidRange, costTable[MidRange].parallelismCap)
}

// TestParams is deliberately weak and only reachable through an Advisor built
// with Insecure set. Validate still raises it to the floor.
func TestParams() Params {
	return Params{TimeCost: 1, MemoryCostKiB: 8 * 1024, Parallelism: 1, Class: LowEnd}
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

// ProbeFunc reports total RAM in MiB and the number of usable CPU cores.
type ProbeFunc func() (ramTotalMB int, cpuCores int, err error)

// Options configures an Advisor.
type Options struct {
	// Probe overrides device introspection. Defaults to SystemProbe.
	Probe ProbeFunc

	// Insecure selects TestParams. Never set this outside tests and
	// throwaway development vaults.
	Insecure bool

	Logger *zerolog.Logger
}

// Advisor derives cost parameters for the current device.
type Advisor struct {
	probe    ProbeFunc
	insecure bool
	log      zerolog.Logger
}

// NewAdvisor creates an advisor.
func NewAdvisor(opts Options) *Advisor {
	a := &Advisor{
		probe:    opts.Probe,
		insecure: opts.Insecure,
		log:      zerolog.Nop(),
	}
	if a.probe == nil {
		a.probe = SystemProbe
	}
	if opts.Logger != nil {
		a.log = *opts.Logger
	}
	return a
}

// Profile probes the device. A failed probe yields a LowEnd profile with
// whatever core count the runtime reports.
func (a *Advisor) Profile() DeviceProfile {
	ramMB, cores, err := a.probe()
	if err != nil {
		a.log.Warn().Err(err).Msg("device probe failed, assuming low-end device")
		return DeviceProfile{CPUCores: max(runtime.NumCPU(), 1), Class: LowEnd}
	}
	return DeviceProfile{
		RAMTotalMB: ramMB,
		CPUCores:   cores,
		Class:      Classify(ramMB, cores),
	}
}

// Params returns validated cost parameters for this device.
func (a *Advisor) Params() Params {
	if a.insecure {
		a.log.Warn().Msg("insecure KDF parameters selected")
		return Validate(TestParams())
	}

	ramMB, cores, err := a.probe()
	if err != nil {
		a.log.Warn().Err(err).Msg("device probe failed, using safe KDF defaults")
		return Validate(SafeDefaults())
	}

	p := Validate(ComputeParams(Classify(ramMB, cores), cores))
	a.log.Debug().
		Int("ram_total_mb", ramMB).
		Int("cpu_cores", cores).
		Stringer("class", p.Class).
		Stringer("params", p).
		Msg("kdf parameters selected")
	return p
}

// Weaker reports whether p is cheaper than want in any dimension.
func Weaker(p, want Params) bool {
	return p.TimeCost < want.TimeCost ||
		p.MemoryCostKiB < want.MemoryCostKiB ||
		p.Parallelism < want.Parallelism
}
