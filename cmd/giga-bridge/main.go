package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/li195111/giga-bridge/pkg/giga"
	redisclient "github.com/li195111/giga-bridge/pkg/redis"
	"github.com/li195111/giga-bridge/pkg/serialport"
	"github.com/li195111/giga-bridge/pkg/session"
)

// Configuration flags
var (
	portName       = flag.String("port", "/dev/ttyACM0", "Serial device path")
	baudRate       = flag.Int("baud", 460800, "Serial baud rate")
	readTimeout    = flag.Duration("timeout", 500*time.Millisecond, "Per-byte read timeout")
	maxRetries     = flag.Int("max-retries", 5, "Retry count when opening the serial port")
	debug          = flag.Bool("debug", false, "Emit verbose decode traces")
	showByte       = flag.Bool("show-byte", false, "Log every received byte")
	sensorMonitor  = flag.Bool("sensor-monitor", false, "Passive mode: suppress heartbeat on read timeout")
	triggerTimeout = flag.Duration("trigger-timeout", 0, "Observation window for trigger debouncing")
	redisAddr      = flag.String("redis-addr", "", "Redis server address (empty disables the state mirror)")
	redisPass      = flag.String("redis-pass", "", "Redis password")
	redisDB        = flag.Int("redis-db", 0, "Redis database number")
)

// Redis keys
const (
	KeyGiga       = "giga"
	KeyGigaEvents = "giga:events"
)

// request is one JSON line read from stdin and fed to the send queue.
type request struct {
	Action  string                 `json:"action"`
	Command string                 `json:"command"`
	Payload map[string]interface{} `json:"payload"`
}

func main() {
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Printf("Starting Giga bridge")
	log.Printf("Serial device: %s", *portName)
	log.Printf("Baud rate: %d", *baudRate)

	var rdb *redisclient.Client
	if *redisAddr != "" {
		var err error
		rdb, err = redisclient.New(*redisAddr, *redisPass, *redisDB)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer rdb.Close()
		log.Printf("Connected to Redis at %s", *redisAddr)
	}

	var sess *session.Session
	sess, err := session.Connect(session.Config{
		PortName:       *portName,
		BaudRate:       *baudRate,
		ReadTimeout:    *readTimeout,
		MaxRetries:     *maxRetries,
		Debug:          *debug,
		ShowByte:       *showByte,
		SensorMonitor:  *sensorMonitor,
		TriggerTimeout: *triggerTimeout,
	}, session.Callbacks{
		OnRecord: func(rec *giga.Record) {
			log.Printf("Record: %s/%s payload=%v", rec.Action, rec.Command, rec.Payload)
			if rdb == nil {
				return
			}
			if rec.Command == giga.CommandSensor || rec.Command == giga.CommandSensorLow {
				publishSensorState(rdb, sess)
			}
		},
		OnDiagnostic: func(line string) {
			if rdb != nil {
				if err := rdb.LPush(KeyGigaEvents, line); err != nil {
					log.Printf("Failed to push diagnostic line to Redis: %v", err)
				}
			}
		},
	})
	if err != nil {
		log.Printf("Failed to open %s: %v", *portName, err)
		os.Exit(1)
	}
	defer sess.Close()
	log.Printf("Connected to Giga on %s", *portName)

	// Feed stdin JSON lines into the bounded send queue.
	go feedRequests(sess)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("Shutting down...")
		sess.Exit()
	}()

	for {
		err := sess.Listen()
		if err == nil {
			break // exit requested
		}
		if errors.Is(err, serialport.ErrUnavailable) {
			log.Printf("Serial port unavailable: %v", err)
			os.Exit(1)
		}
		if errors.Is(err, session.ErrDisconnected) {
			log.Printf("Link broken, reconnecting...")
			if err := sess.Reconnect(); err != nil {
				log.Printf("Reconnect failed: %v", err)
				os.Exit(1)
			}
			continue
		}
		log.Printf("Listen failed: %v", err)
		os.Exit(1)
	}
}

// feedRequests reads JSON request lines from stdin and submits them.
func feedRequests(sess *session.Session) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			log.Printf("Bad request line: %v", err)
			continue
		}
		action, err := giga.ParseAction(req.Action)
		if err != nil {
			log.Printf("Bad request: %v", err)
			continue
		}
		command, err := giga.ParseCommand(req.Command)
		if err != nil {
			log.Printf("Bad request: %v", err)
			continue
		}
		if err := sess.Submit(session.Request{Action: action, Command: command, Payload: req.Payload}); err != nil {
			log.Printf("Dropping %s/%s: %v", action, command, err)
		}
	}
}

// publishSensorState mirrors the trigger state and counters into Redis.
func publishSensorState(rdb *redisclient.Client, sess *session.Session) {
	triggered := "false"
	if sess.Triggered() {
		triggered = "true"
	}
	if err := rdb.WriteAndPublishString(KeyGiga, "triggered", triggered); err != nil {
		log.Printf("Failed to publish trigger state: %v", err)
	}
	if err := rdb.WriteInt(KeyGiga, "triggered-count", int(sess.TriggeredCount())); err != nil {
		log.Printf("Failed to write triggered count: %v", err)
	}
	if err := rdb.WriteInt(KeyGiga, "frame-errors", int(sess.FrameErrors())); err != nil {
		log.Printf("Failed to write frame-error count: %v", err)
	}
}
