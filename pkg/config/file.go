package config

import (
	"encoding/json"
	"io"
	"math"
	"os"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/cryolab/deltarun/pkg/calibration"
	"github.com/cryolab/deltarun/pkg/errdefs"
	"github.com/cryolab/deltarun/pkg/sequence"
	"github.com/cryolab/deltarun/pkg/utils/ptr"
)

var (
	defaultFileConfig = &RawFileConfig{
		CurrentCeiling:     ptr.To(1e-3),
		VoltageCeiling:     ptr.To(21.0),
		Current:            ptr.To(1e-6),
		TemperatureMin:     ptr.To(0.0),
		TemperatureMax:     ptr.To(500.0),
		PollIntervalMS:     ptr.To(1000),
		Repeats:            ptr.To(15),
		OverheadSeconds:    ptr.To(10.0),
		LogDir:             ptr.To("/var/lib/deltarun"),
		Delimiter:          ptr.To(","),
		ArchivePath:        ptr.To(""),
		Calibration:        ptr.To(calibration.DefaultParams()),
		Simulate:           ptr.To(false),
		Hardware:           &Hardware{},
		Simulation:         ptr.To(DefaultSimulation()),
		Schedule:           ptr.To(""),
		AllowNonRootAccess: ptr.To(false),
	}
)

var _ Config = &File{}

type File struct {
	c        *RawFileConfig
	mu       *sync.RWMutex
	filepath string
}

func NewFile(configPath string) (*File, error) {
	f := &File{
		filepath: configPath,
		mu:       &sync.RWMutex{},
	}
	err := f.Load()
	if err != nil {
		return nil, err
	}

	return f, nil
}

func NewFileFromConfig(c *RawFileConfig, configPath string) *File {
	if c == nil {
		c = &RawFileConfig{}
	}

	return &File{
		c:        c,
		mu:       &sync.RWMutex{},
		filepath: configPath,
	}
}

// RawFileConfig is the on-disk form. Nil fields take their defaults.
type RawFileConfig struct {
	CurrentCeiling     *float64            `json:"currentCeiling,omitempty"`
	VoltageCeiling     *float64            `json:"voltageCeiling,omitempty"`
	Current            *float64            `json:"current,omitempty"`
	TemperatureMin     *float64            `json:"temperatureMin,omitempty"`
	TemperatureMax     *float64            `json:"temperatureMax,omitempty"`
	PollIntervalMS     *int                `json:"pollIntervalMs,omitempty"`
	Repeats            *int                `json:"repeats,omitempty"`
	OverheadSeconds    *float64            `json:"overheadSeconds,omitempty"`
	LogDir             *string             `json:"logDir,omitempty"`
	Delimiter          *string             `json:"delimiter,omitempty"`
	ArchivePath        *string             `json:"archivePath,omitempty"`
	Calibration        *calibration.Params `json:"calibration,omitempty"`
	Stages             []sequence.Stage    `json:"stages,omitempty"`
	Simulate           *bool               `json:"simulate,omitempty"`
	Hardware           *Hardware           `json:"hardware,omitempty"`
	Simulation         *Simulation         `json:"simulation,omitempty"`
	Schedule           *string             `json:"schedule,omitempty"`
	AllowNonRootAccess *bool               `json:"allowNonRootAccess,omitempty"`
}

// NewRawFileConfigFromConfig returns the effective configuration with every
// default filled in.
func NewRawFileConfigFromConfig(c Config) (*RawFileConfig, error) {
	if c == nil {
		return nil, pkgerrors.New("config is nil")
	}

	limits := c.TemperatureLimits()
	return &RawFileConfig{
		CurrentCeiling:     ptr.To(c.CurrentCeiling()),
		VoltageCeiling:     ptr.To(c.VoltageCeiling()),
		Current:            ptr.To(c.Current()),
		TemperatureMin:     ptr.To(limits.Min),
		TemperatureMax:     ptr.To(limits.Max),
		PollIntervalMS:     ptr.To(int(c.PollInterval() / time.Millisecond)),
		Repeats:            ptr.To(c.Repeats()),
		OverheadSeconds:    ptr.To(c.MeasurementOverhead().Seconds()),
		LogDir:             ptr.To(c.LogDir()),
		Delimiter:          ptr.To(string(c.Delimiter())),
		ArchivePath:        ptr.To(c.ArchivePath()),
		Calibration:        ptr.To(c.Calibration()),
		Stages:             c.Stages(),
		Simulate:           ptr.To(c.Simulate()),
		Hardware:           ptr.To(c.Hardware()),
		Simulation:         ptr.To(c.Simulation()),
		Schedule:           ptr.To(c.Schedule()),
		AllowNonRootAccess: ptr.To(c.AllowNonRootAccess()),
	}, nil
}

// get reads one field under the read lock, falling back to its default.
func get[T any](f *File, field func(*RawFileConfig) *T) T {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if v := field(f.c); v != nil {
		return *v
	}
	return *field(defaultFileConfig)
}

func (f *File) CurrentCeiling() float64 {
	return get(f, func(c *RawFileConfig) *float64 { return c.CurrentCeiling })
}

func (f *File) VoltageCeiling() float64 {
	return get(f, func(c *RawFileConfig) *float64 { return c.VoltageCeiling })
}

// Current is the working current setpoint, clamped to the ceiling.
func (f *File) Current() float64 {
	cur := get(f, func(c *RawFileConfig) *float64 { return c.Current })
	if ceil := f.CurrentCeiling(); math.Abs(cur) > ceil {
		return math.Copysign(ceil, cur)
	}
	return cur
}

func (f *File) TemperatureLimits() sequence.Limits {
	return sequence.Limits{
		Min: get(f, func(c *RawFileConfig) *float64 { return c.TemperatureMin }),
		Max: get(f, func(c *RawFileConfig) *float64 { return c.TemperatureMax }),
	}
}

func (f *File) PollInterval() time.Duration {
	ms := get(f, func(c *RawFileConfig) *int { return c.PollIntervalMS })
	return time.Duration(ms) * time.Millisecond
}

func (f *File) Repeats() int {
	return get(f, func(c *RawFileConfig) *int { return c.Repeats })
}

func (f *File) MeasurementOverhead() time.Duration {
	s := get(f, func(c *RawFileConfig) *float64 { return c.OverheadSeconds })
	return time.Duration(s * float64(time.Second))
}

func (f *File) LogDir() string {
	return get(f, func(c *RawFileConfig) *string { return c.LogDir })
}

// Delimiter is the run log field separator. Only the first character counts.
func (f *File) Delimiter() rune {
	d := get(f, func(c *RawFileConfig) *string { return c.Delimiter })
	r, _ := utf8.DecodeRuneInString(d)
	if r == utf8.RuneError {
		return ','
	}
	return r
}

func (f *File) ArchivePath() string {
	return get(f, func(c *RawFileConfig) *string { return c.ArchivePath })
}

func (f *File) Calibration() calibration.Params {
	return get(f, func(c *RawFileConfig) *calibration.Params { return c.Calibration })
}

func (f *File) Stages() []sequence.Stage {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	return slices.Clone(f.c.Stages)
}

func (f *File) Simulate() bool {
	return get(f, func(c *RawFileConfig) *bool { return c.Simulate })
}

func (f *File) Hardware() Hardware {
	return get(f, func(c *RawFileConfig) *Hardware { return c.Hardware })
}

func (f *File) Simulation() Simulation {
	return get(f, func(c *RawFileConfig) *Simulation { return c.Simulation })
}

func (f *File) Schedule() string {
	return get(f, func(c *RawFileConfig) *string { return c.Schedule })
}

func (f *File) AllowNonRootAccess() bool {
	return get(f, func(c *RawFileConfig) *bool { return c.AllowNonRootAccess })
}

// SetCurrent stores a new working current. Values beyond the ceiling are
// rejected, not clamped.
func (f *File) SetCurrent(a float64) error {
	if f.c == nil {
		panic("config is nil")
	}

	if a == 0 || math.IsNaN(a) {
		return errdefs.Configf("current", "must be non-zero, got %g", a)
	}
	if ceil := f.CurrentCeiling(); math.Abs(a) > ceil {
		return errdefs.Configf("current", "|%g| A exceeds the ceiling of %g A", a, ceil)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.Current = &a
	return nil
}

func (f *File) SetStages(stages []sequence.Stage) error {
	if f.c == nil {
		panic("config is nil")
	}

	if err := sequence.Validate(stages, f.TemperatureLimits()); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.Stages = slices.Clone(stages)
	return nil
}

func (f *File) SetSchedule(expr string) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.Schedule = &expr
}

func (f *File) SetAllowNonRootAccess(b bool) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.AllowNonRootAccess = &b
}

func (f *File) Validate() error {
	ceil := f.CurrentCeiling()
	if !(ceil > 0) || math.IsInf(ceil, 0) {
		return errdefs.Configf("currentCeiling", "must be positive and finite, got %g", ceil)
	}
	if v := f.VoltageCeiling(); !(v > 0) || math.IsInf(v, 0) {
		return errdefs.Configf("voltageCeiling", "must be positive and finite, got %g", v)
	}
	cur := get(f, func(c *RawFileConfig) *float64 { return c.Current })
	if cur == 0 || math.IsNaN(cur) {
		return errdefs.Configf("current", "must be non-zero, got %g", cur)
	}
	if math.Abs(cur) > ceil {
		return errdefs.Configf("current", "|%g| A exceeds the ceiling of %g A", cur, ceil)
	}
	if l := f.TemperatureLimits(); l.Min < 0 || l.Max <= l.Min {
		return errdefs.Configf("temperatureMax", "limits %g..%g K are not a valid range", l.Min, l.Max)
	}
	if f.PollInterval() <= 0 {
		return errdefs.Configf("pollIntervalMs", "must be positive")
	}
	if f.Repeats() < 1 {
		return errdefs.Configf("repeats", "must be at least 1, got %d", f.Repeats())
	}
	if f.MeasurementOverhead() < 0 {
		return errdefs.Configf("overheadSeconds", "must not be negative")
	}
	if d := get(f, func(c *RawFileConfig) *string { return c.Delimiter }); utf8.RuneCountInString(d) != 1 || strings.ContainsAny(d, "\"\r\n") {
		return errdefs.Configf("delimiter", "must be a single character other than a quote or newline, got %q", d)
	}
	p := f.Calibration()
	if err := p.Validate(); err != nil {
		return err
	}
	if p.VoltageMax > f.VoltageCeiling() {
		return errdefs.Configf("calibration.voltageMax", "%g V exceeds the voltage ceiling of %g V", p.VoltageMax, f.VoltageCeiling())
	}
	if err := sequence.Validate(f.Stages(), f.TemperatureLimits()); err != nil {
		return err
	}
	if !f.Simulate() {
		hw := f.Hardware()
		if hw.SourcePort == "" || hw.ThermalPort == "" {
			return errdefs.Configf("hardware", "sourcePort and thermalPort are required unless simulate is set")
		}
	}
	return nil
}

func (f *File) Load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	fp, err := os.Open(f.filepath)
	if err != nil {
		if os.IsNotExist(err) {
			// A missing file means all defaults. Do not make f.c nil.
			f.c = &RawFileConfig{}
			return nil
		}
		return pkgerrors.Wrapf(err, "failed to open file %s", f.filepath)
	}
	defer func(fp *os.File) {
		err := fp.Close()
		if err != nil {
			logrus.Warnf("failed to close file %s", f.filepath)
		}
	}(fp)

	b, err := io.ReadAll(fp)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to read file %s", f.filepath)
	}

	if strings.TrimSpace(string(b)) == "" {
		f.c = &RawFileConfig{}
		return nil
	}

	conf := RawFileConfig{}
	err = json.Unmarshal(b, &conf)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to unmarshal config from file %s", f.filepath)
	}
	f.c = &conf

	return nil
}

func (f *File) Save() error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.c == nil {
		return pkgerrors.New("config is nil")
	}

	fp, err := os.OpenFile(f.filepath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to open file %s", f.filepath)
	}
	defer func(fp *os.File) {
		err := fp.Close()
		if err != nil {
			logrus.Warnf("failed to close file %s", f.filepath)
		}
	}(fp)

	enc := json.NewEncoder(fp)
	enc.SetIndent("", "  ")
	err = enc.Encode(f.c)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to encode config to file %s", f.filepath)
	}

	return nil
}

func (f *File) LogrusFields() logrus.Fields {
	if f.c == nil {
		panic("config is nil")
	}

	return logrus.Fields{
		"currentCeiling": f.CurrentCeiling(),
		"voltageCeiling": f.VoltageCeiling(),
		"current":        f.Current(),
		"pollInterval":   f.PollInterval(),
		"repeats":        f.Repeats(),
		"logDir":         f.LogDir(),
		"archivePath":    f.ArchivePath(),
		"stages":         len(f.Stages()),
		"simulate":       f.Simulate(),
		"schedule":       f.Schedule(),
	}
}
