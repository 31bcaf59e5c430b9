package sonarkit

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/pkg/errors"
)

const influxMeasurementName = "range"
const influxHealthTimeout = 10 * time.Second

// InfluxRecorder stores every published measurement as a point in an
// influx bucket, so range history can be graphed or fed back through the
// influx_sensors driver on another host.
type InfluxRecorder struct {
	Host         string
	Token        string
	Organization string
	Bucket       string

	// Measurement overrides the point measurement name, default "range".
	Measurement string

	client   influxdb2.Client
	writeApi api.WriteAPI
}

func (ir *InfluxRecorder) Setup() error {
	ir.client = influxdb2.NewClient(ir.Host, ir.Token)

	ctx, cancel := context.WithTimeout(context.Background(), influxHealthTimeout)
	defer cancel()

	health, err := ir.client.Health(ctx)
	if err != nil {
		return errors.Wrap(err, "error connecting to InfluxDB")
	}
	if health.Status != "pass" {
		return errors.Errorf("InfluxDB health check failed: %s", health.Status)
	}

	if len(ir.Measurement) == 0 {
		ir.Measurement = influxMeasurementName
	}
	ir.writeApi = ir.client.WriteAPI(ir.Organization, ir.Bucket)

	return nil
}

func measurementTagsFields(m Measurement) (tags map[string]string, fields map[string]interface{}) {
	tags = map[string]string{
		"sensor": m.Sensor,
		"driver": m.Driver,
	}
	fields = map[string]interface{}{
		"distance_m": m.Distance,
		"pulse_us":   m.PulseUs,
	}
	return
}

// Record queues one measurement for write. Writes are batched and
// asynchronous; Close flushes what is pending.
func (ir *InfluxRecorder) Record(m Measurement) error {
	if ir.writeApi == nil {
		return errors.New("influx recorder not set up")
	}

	tags, fields := measurementTagsFields(m)
	ir.writeApi.WritePoint(influxdb2.NewPoint(ir.Measurement, tags, fields, m.Timestamp))

	log.Debug("recorded measurement", "sensor", m.Sensor, "distance_m", m.Distance)
	return nil
}

func (ir *InfluxRecorder) Close() {
	if ir.writeApi != nil {
		ir.writeApi.Flush()
	}
	if ir.client != nil {
		ir.client.Close()
	}
}
