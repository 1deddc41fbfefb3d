package sim

import (
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cryolab/deltarun/pkg/instrument"
)

// CryostatConfig describes the simulated thermal controller.
type CryostatConfig struct {
	StartTemperature float64 `json:"startTemperature"`
	// MaxRate bounds the ramp rate, K/min. A requested rate of 0 ramps at MaxRate.
	MaxRate float64 `json:"maxRate"`
	// ActuatorLead is how far the actuator runs ahead of the sample while
	// ramping, K.
	ActuatorLead float64 `json:"actuatorLead"`
	// AlarmAbove raises a level 3 alarm when the sample exceeds it. Zero
	// disables the alarm.
	AlarmAbove float64 `json:"alarmAbove"`
}

func DefaultCryostatConfig() CryostatConfig {
	return CryostatConfig{
		StartTemperature: 295,
		MaxRate:          20,
		ActuatorLead:     0.5,
		AlarmAbove:       500,
	}
}

var _ instrument.ThermalController = &Cryostat{}

// Cryostat simulates a ramping temperature controller on a given clock.
type Cryostat struct {
	mu  sync.Mutex
	cfg CryostatConfig
	now func() time.Time

	temp    float64
	target  float64
	rate    float64
	ramping bool
	last    time.Time

	alarmLevel   int
	alarmMessage string
}

func NewCryostat(cfg CryostatConfig, now func() time.Time) *Cryostat {
	if now == nil {
		now = time.Now
	}
	if cfg.MaxRate <= 0 {
		cfg.MaxRate = DefaultCryostatConfig().MaxRate
	}
	return &Cryostat{
		cfg:    cfg,
		now:    now,
		temp:   cfg.StartTemperature,
		target: cfg.StartTemperature,
		last:   now(),
	}
}

func (c *Cryostat) Ramp(rate, target float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advance()

	if rate <= 0 || rate > c.cfg.MaxRate {
		rate = c.cfg.MaxRate
	}
	c.rate = rate
	c.target = target
	c.ramping = c.temp != target

	logrus.WithFields(logrus.Fields{
		"rate":   rate,
		"target": target,
	}).Debug("simulated cryostat ramping")
	return nil
}

func (c *Cryostat) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advance()
	c.ramping = false
	c.target = c.temp
	return nil
}

func (c *Cryostat) Status() (instrument.DeviceStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advance()

	st := instrument.DeviceStatus{
		Phase:               instrument.PhaseHold,
		SampleTemperature:   c.temp,
		ActuatorTemperature: c.temp,
		AlarmLevel:          c.alarmLevel,
		AlarmMessage:        c.alarmMessage,
	}
	if c.ramping {
		st.Phase = instrument.PhaseRamp
		st.ActuatorTemperature += math.Copysign(c.cfg.ActuatorLead, c.target-c.temp)
	}
	return st, nil
}

// Temperature is the current sample temperature.
func (c *Cryostat) Temperature() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advance()
	return c.temp
}

// SetAlarm forces an alarm. Level 0 clears it.
func (c *Cryostat) SetAlarm(level int, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alarmLevel = level
	c.alarmMessage = message
}

func (c *Cryostat) advance() {
	now := c.now()
	minutes := now.Sub(c.last).Minutes()
	c.last = now
	if !c.ramping || minutes <= 0 {
		return
	}

	step := c.rate * minutes
	if math.Abs(c.target-c.temp) <= step {
		c.temp = c.target
		c.ramping = false
	} else {
		c.temp += math.Copysign(step, c.target-c.temp)
	}

	if c.cfg.AlarmAbove > 0 && c.temp > c.cfg.AlarmAbove && c.alarmLevel < 3 {
		c.alarmLevel = 3
		c.alarmMessage = "sample over temperature"
	}
}
