package drivers

import (
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const wireSystemPath string = "/sys/bus/w1/devices"
const wireSensorPrefix string = "28-"

const wireSensorDriverName string = "wire"

// Wire reads DS18B20 sensors through the kernel w1 bus. Sensor ids are
// the 48 bit serial from the device rom, decimal or 0x prefixed hex.
type Wire struct {
	CheckBounds        bool
	BoundMinimumMillis int
	BoundMaximumMillis int

	sensors []TemperatureSensor
	ready   bool
}

func (w1 *Wire) sensorPaths() (paths map[TemperatureSensor]string, err error) {
	paths = make(map[TemperatureSensor]string)
	for _, s := range w1.sensors {
		stringId := strings.ToLower(s.GetId())
		intBase := 10
		if strings.HasPrefix(stringId, "0x") {
			stringId = strings.TrimPrefix(stringId, "0x")
			intBase = 16
		}
		var numId int64
		numId, err = strconv.ParseInt(stringId, intBase, 64)
		if err != nil {
			err = errors.Wrapf(err, "failed to convert sensor id %s to int", stringId)
			return
		}
		folderName := fmt.Sprintf("%s%012x", wireSensorPrefix, numId)
		paths[s] = path.Join(wireSystemPath, folderName, "temperature")
	}

	return
}

func (w1 *Wire) Setup(tempSensors []TemperatureSensor) (err error) {
	_, err = os.ReadDir(wireSystemPath)
	if err != nil {
		err = errors.Wrapf(err, "failed to init Wire sensor driver: error reading dir (%s)", wireSystemPath)
		return
	}

	w1.sensors = tempSensors

	paths, err := w1.sensorPaths()
	if err != nil {
		err = errors.Wrap(err, "failed to init Wire sensor driver")
		return
	}
	for _, filePath := range paths {
		_, err = os.ReadFile(filePath)
		if err != nil {
			err = errors.Wrapf(err, "failed to init Wire sensor driver, cannot read file %s", filePath)
			return
		}
	}

	w1.ready = err == nil
	return
}

func (w1 *Wire) Close() error {
	return nil
}

func (w1 *Wire) IsReady() bool {
	return w1.ready
}

func (w1 *Wire) Name() string {
	return wireSensorDriverName
}

func (w1 *Wire) checkBounds(milliCelsius int) bool {
	return milliCelsius >= w1.BoundMinimumMillis && milliCelsius <= w1.BoundMaximumMillis
}

func (w1 *Wire) Sync() error {
	paths, err := w1.sensorPaths()
	if err != nil {
		return err
	}
	for sensor, filePath := range paths {
		raw, err := os.ReadFile(filePath)
		if err != nil {
			return errors.Wrapf(err, "failed reading file %s for sensor id %s", filePath, sensor.GetId())
		}
		milliCelsius, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 32)
		if err != nil {
			return errors.Wrapf(err, "failed converting temperature reading (%s) for sensor id %s", strings.TrimSpace(string(raw)), sensor.GetId())
		}
		if w1.CheckBounds && !w1.checkBounds(int(milliCelsius)) {
			return errors.Errorf("wire sensor bound check failed, value: %d mC for sensor %s", milliCelsius, sensor.GetId())
		}
		sensor.SetValue(float64(milliCelsius) / 1000)
	}

	return nil
}

func (w1 *Wire) FindTemperatureSensor(id string) (TemperatureSensor, error) {
	for _, s := range w1.sensors {
		if strings.EqualFold(id, s.GetId()) {
			return s, nil
		}
	}
	return nil, errors.Errorf("sensor %s was not found in driver %s", id, w1.Name())
}
