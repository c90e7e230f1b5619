// Command lwm2m-client runs a demo LWM2M device: the standard Security,
// Server and Access Control objects plus a Device object (id 3), registered
// with one server or bootstrapped when none is configured. Configuration
// comes from the environment, optionally seeded from a .env file.
package main

import (
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/devicekit/lwm2m"
)

type config struct {
	EndpointName string `env:"LWM2M_ENDPOINT_NAME" envDefault:"urn:imei:600000000000001"`
	ServerURI    string `env:"LWM2M_SERVER_URI" envDefault:"coap://localhost:5683"`
	ServerID     uint16 `env:"LWM2M_SERVER_ID" envDefault:"101"`
	Lifetime     int64  `env:"LWM2M_LIFETIME" envDefault:"120"`

	Bootstrap bool  `env:"LWM2M_BOOTSTRAP" envDefault:"false"`
	HoldOff   int64 `env:"LWM2M_HOLD_OFF" envDefault:"5"`

	PSKIdentity string `env:"LWM2M_PSK_IDENTITY"`
	PSKKey      string `env:"LWM2M_PSK_KEY"`

	SMSNumber string `env:"LWM2M_SMS_NUMBER"`
	Debug     bool   `env:"LWM2M_DEBUG" envDefault:"false"`
}

// deviceObjectID is the OMA Device object.
const deviceObjectID = 3

const (
	deviceManufacturerResID = 0
	deviceModelResID        = 1
	deviceSerialResID       = 2
	deviceFirmwareResID     = 3
	deviceRebootResID       = 4
	deviceCurrentTimeResID  = 13

	deviceResourceCount = 14
)

func newDeviceObject(reboot chan<- struct{}) *lwm2m.ObjectDef {
	return &lwm2m.ObjectDef{
		ID:            deviceObjectID,
		ResourceCount: deviceResourceCount,
		Read: func(_ lwm2m.ObjectContext, res uint16) (*lwm2m.Resource, error) {
			switch res {
			case deviceManufacturerResID:
				return lwm2m.NewStringResource(res, "devicekit"), nil
			case deviceModelResID:
				return lwm2m.NewStringResource(res, "lwm2m-demo"), nil
			case deviceSerialResID:
				return lwm2m.NewStringResource(res, "0000001"), nil
			case deviceFirmwareResID:
				return lwm2m.NewStringResource(res, "1.0.0"), nil
			case deviceCurrentTimeResID:
				return lwm2m.NewTimeResource(res, time.Now()), nil
			}
			return nil, lwm2m.ErrResourceNotFound
		},
		Execute: func(_ lwm2m.ObjectContext, res uint16, _ string) error {
			if res != deviceRebootResID {
				return lwm2m.ErrResourceNotFound
			}
			select {
			case reboot <- struct{}{}:
			default:
			}
			return nil
		},
	}
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// A missing .env file is fine; the environment still applies.
	_ = godotenv.Load()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	level := lwm2m.LogLevelInfo
	if cfg.Debug {
		level = lwm2m.LogLevelDebug
	}

	reboot := make(chan struct{}, 1)

	client, err := lwm2m.New(cfg.EndpointName,
		[]*lwm2m.ObjectDef{
			lwm2m.NewSecurityObject(),
			lwm2m.NewServerObject(),
			lwm2m.NewAccessControlObject(),
			newDeviceObject(reboot),
		},
		lwm2m.WithLogger(lwm2m.NewStdLogger(os.Stderr, level)),
		lwm2m.WithSMSNumber(cfg.SMSNumber),
	)
	if err != nil {
		return err
	}
	defer client.Close()

	security := lwm2m.SecurityInstance{
		ServerURI:         cfg.ServerURI,
		IsBootstrap:       cfg.Bootstrap,
		Mode:              lwm2m.SecurityModeNoSec,
		ShortServerID:     cfg.ServerID,
		ClientHoldOffTime: cfg.HoldOff,
	}
	if cfg.PSKIdentity != "" {
		key, err := hex.DecodeString(cfg.PSKKey)
		if err != nil {
			return fmt.Errorf("decode LWM2M_PSK_KEY: %w", err)
		}
		security.Mode = lwm2m.SecurityModePSK
		security.PublicKeyOrIdentity = []byte(cfg.PSKIdentity)
		security.SecretKey = key
	}
	if _, err := client.AddSecurityInstance(security); err != nil {
		return err
	}

	if !cfg.Bootstrap {
		_, err = client.AddServerInstance(lwm2m.ServerInstance{
			ShortServerID: cfg.ServerID,
			Lifetime:      cfg.Lifetime,
			Binding:       lwm2m.BindingModeU,
		})
		if err != nil {
			return err
		}
	}

	if _, err := client.AddBootstrapMonitor(func(event lwm2m.BootstrapEvent) {
		log.Printf("bootstrap event: %s", event)
	}); err != nil {
		return err
	}

	if err := client.Start(); err != nil {
		return err
	}
	log.Printf("client %s started", cfg.EndpointName)

	// Push the current-time resource to its observers once a minute.
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-ticker.C:
			if err := client.Notify(fmt.Sprintf("/%d/0/%d", deviceObjectID, deviceCurrentTimeResID)); err != nil {
				log.Printf("notify failed: %v", err)
			}
		case <-reboot:
			log.Print("reboot requested by server")
			return client.Stop()
		case <-sigCh:
			log.Print("shutting down")
			return client.Stop()
		}
	}
}
