package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/hubertat/sonarkit"
	"github.com/hubertat/sonarkit/drivers"
)

var (
	Version string
	Build   string
)

// echoWidthFor turns a target distance into the echo pulse width the
// mock input should report.
func echoWidthFor(distance float64) time.Duration {
	return time.Duration(2 * distance / sonarkit.DefaultSpeedOfSound * float64(time.Second))
}

func main() {
	var err error

	log.Println("sonarkit started")
	log.Println("mock instance for testing purposes, should work on MacOs")

	syncDuration := 250 * time.Millisecond
	log.Println("syncDuration is ", syncDuration)
	sensorsSyncDuration := 2 * time.Minute
	log.Println("sensorSyncDuration is ", sensorsSyncDuration)

	sk := &sonarkit.SonarKit{}

	sk.HkPin = "88008800"

	sk.Rangers = append(sk.Rangers, &sonarkit.Ranger{Name: "fake ranger", DriverName: "mock_driver", TriggerPin: 23, EchoPin: 24})
	sk.PresenceSensors = append(sk.PresenceSensors, &sonarkit.PresenceSensor{
		Name:       "fake presence",
		RangerName: "fake ranger",
		Indicator:  &sonarkit.IndicatorConfig{Pin: 17, DriverName: "mock_driver"},
	})
	sk.FakeDriver = &drivers.MockIoDriver{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Println("will init sonarkit drivers...")
	err = sk.InitDrivers(ctx)
	defer sk.Close()
	if err != nil {
		panic(err)
	}
	log.Println("will init rangers...")
	err = sk.InitRangers()
	if err != nil {
		panic(err)
	}
	log.Println("will init temperature sensors...")
	err = sk.InitSensors()
	if err != nil {
		panic(err)
	}

	log.Println("trying to match temperature sensors:")
	err = sk.MatchSensors()
	if err != nil {
		log.Println(err)
	} else {
		log.Printf("\tOK\n")
	}

	log.Println("will match presence sensors...")
	err = sk.MatchPresence()
	if err != nil {
		panic(err)
	}

	sk.FakeDriver.MonitorStateChanges(os.Stdout)

	// walk a fake target in and out of presence range
	echo, err := sk.FakeDriver.GetMockInput(24)
	if err != nil {
		panic(err)
	}
	go func() {
		near := false
		for {
			time.Sleep(5 * time.Second)
			near = !near
			if near {
				echo.SetPulseWidths(echoWidthFor(0.45))
			} else {
				echo.SetPulseWidths(echoWidthFor(2.5))
			}
		}
	}()

	sk.PrintIoStatus(os.Stdout)

	log.Println("starting mock with HomeKit service")

	go sk.StartTicker(ctx, syncDuration, sensorsSyncDuration)

	sk.HkDirectory = "./mock_homekit"
	log.Fatal(sk.StartHomeKit(ctx, "mock: "+Version))

}
