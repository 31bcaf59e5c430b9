package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/hubertat/sonarkit"
	"github.com/hubertat/sonarkit/drivers"
)

var (
	driverName = flag.String("driver", "gpio", "io driver to run (gpio, periphio, mcpio, remoteio, mock_driver)")
	triggerPin = flag.Uint("trigger", 23, "trigger pin")
	echoPin    = flag.Uint("echo", 24, "echo pin")
	count      = flag.Int("count", 10, "number of measurements, 0 runs forever")
	interval   = flag.Duration("interval", time.Second, "time between measurements")
)

func main() {
	flag.Parse()

	driver, found := drivers.MapAllIoDrivers()[*driverName]
	if !found {
		log.Fatal("unknown io driver", "driver", *driverName)
	}

	ranger, err := sonarkit.NewRanger(driver, uint16(*triggerPin), uint16(*echoPin))
	if err != nil {
		log.Fatal("failed to set up ranger", "err", err)
	}
	defer ranger.Cleanup()

	log.Info("ranger ready", "driver", *driverName, "trigger", *triggerPin, "echo", *echoPin)

	for taken := 0; *count == 0 || taken < *count; taken++ {
		distance, err := ranger.GetRange()
		if err != nil {
			log.Error("measurement failed", "err", err)
		} else {
			log.Info("measured", "distance_m", fmt.Sprintf("%.3f", distance))
		}
		time.Sleep(*interval)
	}
}
