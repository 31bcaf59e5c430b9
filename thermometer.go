package sonarkit

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/brutella/hap/accessory"
	"github.com/brutella/hap/characteristic"
	"github.com/pkg/errors"

	"github.com/hubertat/sonarkit/drivers"
)

const oldTemperatureDuration = 10 * time.Minute

// Thermometer is an ambient temperature reading delivered by one of the
// sensor drivers. Rangers pick it up by id to correct the speed of
// sound; it also shows up in HomeKit.
type Thermometer struct {
	Id         string
	Name       string
	DriverName string
	Tags       map[string]string

	DisableHomeKit bool

	// mu guards value and lastSync: sensor drivers write them from the
	// sensors ticker while rangers read them mid-measurement.
	mu       sync.Mutex
	value    float64
	lastSync time.Time

	hkA           *accessory.Thermometer
	hkStatusFault *characteristic.StatusFault
}

func (th *Thermometer) GetDriverName() string {
	return th.DriverName
}

func (th *Thermometer) GetId() string {
	return th.Id
}

func (th *Thermometer) GetTags() map[string]string {
	return th.Tags
}

func (th *Thermometer) GetUniqueId() uint64 {
	hash := fnv.New64()
	hash.Write([]byte("Thermometer_" + th.Name))
	return hash.Sum64()
}

func (th *Thermometer) Init(driver drivers.SensorDriver) error {
	if th.DisableHomeKit {
		return nil
	}

	info := accessory.Info{
		Name:         th.Name,
		SerialNumber: fmt.Sprintf("thermometer:%s:%s", th.DriverName, th.Id),
	}
	th.hkA = accessory.NewTemperatureSensor(info)
	th.hkStatusFault = characteristic.NewStatusFault()
	th.hkStatusFault.SetValue(characteristic.StatusFaultGeneralFault)
	th.hkA.TempSensor.AddC(th.hkStatusFault.C)

	return nil
}

func (th *Thermometer) Sync() error {
	val, err := th.GetValue()
	if err == nil {
		if th.hkA != nil {
			th.hkStatusFault.SetValue(characteristic.StatusFaultNoFault)
			th.hkA.TempSensor.CurrentTemperature.SetValue(val)
		}
		return nil
	}

	if th.hkA != nil {
		th.hkStatusFault.SetValue(characteristic.StatusFaultGeneralFault)
	}
	return errors.Wrapf(err, "failed to sync thermometer %s", th.Id)
}

func (th *Thermometer) GetHk() *accessory.A {
	if th.hkA == nil {
		return nil
	}
	return th.hkA.A
}

func (th *Thermometer) GetValue() (value float64, err error) {
	th.mu.Lock()
	defer th.mu.Unlock()

	if th.lastSync.IsZero() {
		err = errors.Errorf("cannot get thermometer %s value, never synced", th.Id)
		return
	}

	if time.Since(th.lastSync) > oldTemperatureDuration {
		err = errors.Errorf("cannot get value of thermometer %s, data is too old (%v old)", th.Id, time.Since(th.lastSync))
		return
	}

	value = th.value
	return
}

func (th *Thermometer) SetValue(val float64) error {
	th.mu.Lock()
	defer th.mu.Unlock()

	th.value = val
	th.lastSync = time.Now()
	return nil
}
