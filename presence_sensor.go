package sonarkit

import (
	"fmt"
	"hash/fnv"
	"time"

	"github.com/brutella/hap/accessory"
	"github.com/brutella/hap/characteristic"
	"github.com/brutella/hap/service"
	"github.com/pkg/errors"

	"github.com/hubertat/sonarkit/drivers"
)

const defaultPresenceBelow = 1.0
const defaultPresenceHysteresis = 0.05
const presenceDataMaxAge = time.Minute

// IndicatorConfig points a presence sensor at an output pin, driven high
// while presence is detected.
type IndicatorConfig struct {
	Pin        uint16
	DriverName string
}

type PresenceSensor struct {
	Name       string
	RangerName string

	// PresenceBelow in metres: anything measured nearer counts as
	// presence.
	PresenceBelow float64
	// Hysteresis in metres widens the release distance so a target
	// hovering at the threshold does not flap the state.
	Hysteresis float64

	Indicator *IndicatorConfig

	DisableHomeKit bool

	occupied  bool
	ranger    *Ranger
	indicator drivers.DigitalOutput

	hkAccessory   *accessory.A
	hkService     *service.OccupancySensor
	hkStatusFault *characteristic.StatusFault
}

func (ps *PresenceSensor) GetRangerName() string {
	return ps.RangerName
}

func (ps *PresenceSensor) GetUniqueId() uint64 {
	hash := fnv.New64()
	hash.Write([]byte("PresenceSensor_" + ps.Name))
	return hash.Sum64()
}

func (ps *PresenceSensor) Init(ranger *Ranger) error {
	if ranger == nil {
		return errors.Errorf("Init failed, presence sensor %s got no ranger", ps.Name)
	}

	ps.ranger = ranger
	if ps.PresenceBelow <= 0 {
		ps.PresenceBelow = defaultPresenceBelow
	}
	if ps.Hysteresis <= 0 {
		ps.Hysteresis = defaultPresenceHysteresis
	}

	if ps.DisableHomeKit {
		return nil
	}

	info := accessory.Info{
		Name:         ps.Name,
		SerialNumber: fmt.Sprintf("presence_sensor:%s:%s", ps.RangerName, ps.Name),
	}

	ps.hkAccessory = accessory.New(info, accessory.TypeSensor)
	ps.hkService = service.NewOccupancySensor()
	ps.hkStatusFault = characteristic.NewStatusFault()
	ps.hkStatusFault.SetValue(characteristic.StatusFaultGeneralFault)
	ps.hkService.AddC(ps.hkStatusFault.C)
	ps.hkAccessory.AddS(ps.hkService.S)

	return nil
}

// AttachIndicator wires the optional output pin mirroring the occupancy
// state.
func (ps *PresenceSensor) AttachIndicator(output drivers.DigitalOutput) {
	ps.indicator = output
}

func (ps *PresenceSensor) setFault(faulted bool) {
	if ps.hkStatusFault == nil {
		return
	}
	if faulted {
		ps.hkStatusFault.SetValue(characteristic.StatusFaultGeneralFault)
	} else {
		ps.hkStatusFault.SetValue(characteristic.StatusFaultNoFault)
	}
}

func (ps *PresenceSensor) Sync() error {
	m, err := ps.ranger.LastMeasurement()
	if err != nil {
		ps.setFault(true)
		return errors.Wrapf(err, "presence sensor %s", ps.Name)
	}
	if time.Since(m.Timestamp) > presenceDataMaxAge {
		ps.setFault(true)
		return errors.Errorf("presence sensor %s: measurement too old (%v)", ps.Name, time.Since(m.Timestamp))
	}

	if ps.occupied {
		ps.occupied = m.Distance <= ps.PresenceBelow+ps.Hysteresis
	} else {
		ps.occupied = m.Distance < ps.PresenceBelow
	}

	ps.setFault(false)
	if ps.hkService != nil {
		if ps.occupied {
			ps.hkService.OccupancyDetected.SetValue(characteristic.OccupancyDetectedOccupancyDetected)
		} else {
			ps.hkService.OccupancyDetected.SetValue(characteristic.OccupancyDetectedOccupancyNotDetected)
		}
	}

	if ps.indicator != nil {
		err = ps.indicator.Set(ps.occupied)
		if err != nil {
			return errors.Wrapf(err, "presence sensor %s: setting indicator failed", ps.Name)
		}
	}

	return nil
}

func (ps *PresenceSensor) GetHk() *accessory.A {
	return ps.hkAccessory
}

func (ps *PresenceSensor) GetValue() bool {
	return ps.occupied
}
