package drivers

// SensorDriver delivers ambient temperature readings. Rangers use them
// to correct the speed of sound, so a driver only has to refresh values
// every sync period, not per measurement.
type SensorDriver interface {
	Setup([]TemperatureSensor) error
	Close() error
	IsReady() bool
	Name() string
	Sync() error
	FindTemperatureSensor(string) (TemperatureSensor, error)
}

type TemperatureSensor interface {
	GetValue() (float64, error)
	SetValue(float64) error
	GetTags() map[string]string
	GetId() string
}
