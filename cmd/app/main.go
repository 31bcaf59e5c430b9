package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"log"
	"os"
	"time"

	"github.com/hubertat/servicemaker"
	"github.com/joho/godotenv"

	"github.com/hubertat/sonarkit"
)

const defaultSyncInterval = "500ms"
const defaultSensorsSyncInterval = "1m"

var (
	Version string
	Build   string

	config              = flag.String("config", "config.json", "path of the configuration file")
	flagInstall         = flag.Bool("install", false, "Install service in os")
	syncInterval        = flag.String("sync", defaultSyncInterval, "measure interval (time.Duration)")
	sensorsSyncInterval = flag.String("sensors-sync", defaultSensorsSyncInterval, "temperature sensors sync interval (time.Duration)")

	sonarService = servicemaker.ServiceMaker{
		User:               "sonarkit",
		UserGroups:         []string{"gpio"},
		ServicePath:        "/etc/systemd/system/sonarkit.service",
		ServiceDescription: "SonarKit service: HomeKit enabled ultrasonic range and presence sensor. github.com/hubertat/sonarkit",
		ExecDir:            "/srv/sonarkit",
		ExecName:           "sonarkit",
	}
)

func main() {
	log.Printf("sonarkit %s started\n", Version)
	flag.Parse()

	if *flagInstall {
		err := sonarService.InstallService()
		if err != nil {
			panic(err)
		} else {
			log.Println("service installed!")
			return
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	syncDuration, err := time.ParseDuration(*syncInterval)
	if err != nil {
		panic(err)
	}
	sensorsSyncDuration, err := time.ParseDuration(*sensorsSyncInterval)
	if err != nil {
		panic(err)
	}

	_ = godotenv.Load()

	sk := &sonarkit.SonarKit{}
	configFile, err := os.Open(*config)
	if err == nil {
		cBuff, err := io.ReadAll(configFile)
		if err != nil {
			log.Fatalf("failed reading config file: %v\n", err)
		}

		err = json.Unmarshal(cBuff, sk)
		if err != nil {
			log.Fatalf("failed unmarshalling json config: %v", err)
		}
	} else {
		log.Fatalf("can't find/open config file (%s), will terminate. Reason: \n%v\n", *config, err)
	}

	if sk.InfluxRecorder != nil && len(sk.InfluxRecorder.Token) == 0 {
		sk.InfluxRecorder.Token = os.Getenv("INFLUXDB_TOKEN")
	}
	if sk.RemoteIo != nil && len(sk.RemoteIo.Token) == 0 {
		sk.RemoteIo.Token = os.Getenv("REMOTEIO_TOKEN")
	}
	if sk.RemoteSlave != nil && len(sk.RemoteSlave.Token) == 0 {
		sk.RemoteSlave.Token = os.Getenv("REMOTEIO_TOKEN")
	}

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

	err = sk.MatchSensors()
	if err != nil {
		log.Printf("Matching temperature sensors returned error: %v\n we will proceed...", err)
	} else {
		log.Println("MatchSensors OK!")
	}

	err = sk.MatchPresence()
	if err != nil {
		panic(err)
	}

	if len(sk.MqttBroker) > 0 {
		err = sk.InitMqtt()
		if err != nil {
			log.Printf("mqtt init returned error: %v\n we will proceed...", err)
		}
	}

	err = sk.InitInflux()
	if err != nil {
		log.Printf("influx init returned error: %v\n we will proceed...", err)
	}

	sk.PrintIoStatus(os.Stdout)

	if len(sk.HkPin) == 8 {
		log.Println("Starting with HomeKit server")

		go sk.StartTicker(ctx, syncDuration, sensorsSyncDuration)
		log.Fatal(sk.StartHomeKit(ctx, Version))
	} else {
		log.Println("HomeKit not configured, disabled")
		sk.StartTicker(ctx, syncDuration, sensorsSyncDuration)
	}
}
