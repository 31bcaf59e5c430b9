package sonarkit

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestMeasurementTagsFields(t *testing.T) {
	m := Measurement{
		Sensor:    "hall",
		Driver:    "mock_driver",
		Distance:  0.2,
		PulseUs:   1166,
		Timestamp: time.Now(),
	}

	tags, fields := measurementTagsFields(m)

	if tags["sensor"] != "hall" || tags["driver"] != "mock_driver" {
		t.Errorf("unexpected tags: %v", tags)
	}
	assertFloats(t, fields["distance_m"].(float64), 0.2)
	assertFloats(t, fields["pulse_us"].(float64), 1166)
}

func TestRecordBeforeSetup(t *testing.T) {
	ir := &InfluxRecorder{}

	err := ir.Record(Measurement{})
	if err == nil {
		t.Error("expected error from Record before Setup")
	}
}

func TestInfluxRecorderSetup(t *testing.T) {
	gotWrite := false

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, `{"name": "influxdb", "status": "pass"}`)
	})
	mux.HandleFunc("/api/v2/write", func(w http.ResponseWriter, r *http.Request) {
		gotWrite = true
		w.WriteHeader(http.StatusNoContent)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	ir := &InfluxRecorder{
		Host:         server.URL,
		Token:        "secret-token",
		Organization: "test-org",
		Bucket:       "ranges",
	}

	err := ir.Setup()
	if err != nil {
		t.Fatalf("Setup returned error: %v", err)
	}
	if ir.Measurement != influxMeasurementName {
		t.Errorf("default measurement name not applied, got %q", ir.Measurement)
	}

	err = ir.Record(Measurement{
		Sensor:    "hall",
		Driver:    "mock_driver",
		Distance:  0.2,
		PulseUs:   1166,
		Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("Record returned error: %v", err)
	}

	ir.Close()
	if !gotWrite {
		t.Error("no point reached the write endpoint")
	}
}

func TestInfluxRecorderSetupFailing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, `{"name": "influxdb", "status": "fail"}`)
	}))
	defer server.Close()

	ir := &InfluxRecorder{Host: server.URL, Token: "secret-token"}
	err := ir.Setup()
	if err == nil {
		t.Error("expected error for failing health check")
	}
}
