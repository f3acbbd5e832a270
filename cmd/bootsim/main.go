// bootsim runs a simulated bootloader, or talks to one.
//
// Synopsis:
//
//	bootsim serve
//	    Run a bootloader on simulated flash until interrupted or until the
//	    host sends the jump command.
//	bootsim ping
//	    Check that a bootloader answers.
//	bootsim status
//	    Print the status register.
//	bootsim config
//	    Print the bootloader configuration.
//	bootsim flash IMAGE
//	    Write IMAGE at --address page by page and verify its CRC.
//	bootsim jump
//	    Start the application.
//
// Options:
//
//	--serial DEV: serial port (e.g. /dev/ttyUSB0)
//	--baud N: serial baud rate (default 115200)
//	--broker URL: MQTT broker (e.g. tcp://localhost:1883)
//	--node ID: MQTT node ID (default "bootsim")
//	--topic-prefix P: MQTT topic prefix (default "flashboot")
//	--config-file PATH: serve: keep the configuration in a file instead of
//	    the simulated config page
//	--image PATH: serve: preload the application area from a file
//	--dump PATH: serve: write the flash contents to a file on exit
//	--device-class C: serve: device class; flash: expected device class
//	--address A: flash: start address (default application start)
//	--timeout D: host commands: per-request timeout (default 2s)
//	-v, --verbose: debug logging
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kabili207/flashboot/core/command"
	"github.com/kabili207/flashboot/core/config"
	"github.com/kabili207/flashboot/core/flash"
	"github.com/kabili207/flashboot/device/bootloader"
	"github.com/kabili207/flashboot/transport"
	"github.com/kabili207/flashboot/transport/mqtt"
	"github.com/kabili207/flashboot/transport/serial"
	flag "github.com/spf13/pflag"
)

var (
	serialPort  = flag.String("serial", "", "serial port")
	baudRate    = flag.Int("baud", serial.DefaultBaudRate, "serial baud rate")
	broker      = flag.String("broker", "", "MQTT broker URL")
	nodeID      = flag.String("node", "bootsim", "MQTT node ID")
	topicPrefix = flag.String("topic-prefix", mqtt.DefaultTopicPrefix, "MQTT topic prefix")
	mqttUser    = flag.String("mqtt-user", "", "MQTT username")
	mqttPass    = flag.String("mqtt-password", "", "MQTT password")
	mqttTLS     = flag.Bool("mqtt-tls", false, "use TLS for MQTT")
	configFile  = flag.String("config-file", "", "keep the configuration in this file")
	imageFile   = flag.String("image", "", "preload the application area from this file")
	dumpFile    = flag.String("dump", "", "write the flash contents to this file on exit")
	deviceClass = flag.String("device-class", "", "device class")
	address     = flag.Uint32("address", flash.DefaultLayout().AppStart, "flash start address")
	timeout     = flag.Duration("timeout", bootloader.DefaultCallTimeout, "per-request timeout")
	verbose     = flag.BoolP("verbose", "v", false, "debug logging")
)

func usage() {
	flag.Usage()
	fmt.Print(`bootsim serve
    Run a simulated bootloader.
bootsim ping
    Check that a bootloader answers.
bootsim status
    Print the status register.
bootsim config
    Print the bootloader configuration.
bootsim flash IMAGE
    Write IMAGE and verify its CRC.
bootsim jump
    Start the application.
`)
	os.Exit(1)
}

func runCommand() error {
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch flag.Arg(0) {
	case "serve":
		return serve(ctx, logger)
	case "ping", "status", "config", "flash", "jump":
		return host(ctx, logger, flag.Arg(0), flag.Args()[1:])
	default:
		usage()
	}
	return nil
}

// transports builds the transports selected by the flags.
func transports(logger *slog.Logger, role mqtt.Role) (map[transport.DatagramSource]transport.Transport, error) {
	ts := make(map[transport.DatagramSource]transport.Transport)
	if *serialPort != "" {
		ts[transport.SourceSerial] = serial.New(serial.Config{
			Port:     *serialPort,
			BaudRate: *baudRate,
			Logger:   logger,
		})
	}
	if *broker != "" {
		ts[transport.SourceMQTT] = mqtt.New(mqtt.Config{
			Broker:      *broker,
			Username:    *mqttUser,
			Password:    *mqttPass,
			UseTLS:      *mqttTLS,
			TopicPrefix: *topicPrefix,
			NodeID:      *nodeID,
			Role:        role,
			Logger:      logger,
		})
	}
	if len(ts) == 0 {
		return nil, errors.New("no transport: set --serial or --broker")
	}
	return ts, nil
}

func serve(ctx context.Context, logger *slog.Logger) error {
	layout := flash.DefaultLayout()
	if err := layout.Validate(); err != nil {
		return fmt.Errorf("flash layout: %w", err)
	}
	mem := flash.NewMemory(layout)

	if *imageFile != "" {
		if err := preload(mem, layout, *imageFile); err != nil {
			return err
		}
	}

	var store config.Store = config.NewFlashStore(mem, layout)
	if *configFile != "" {
		store = &config.FileStore{Path: *configFile, MaxSize: layout.PageSize}
	}

	cfg := config.Default()
	if err := store.Load(cfg); err != nil {
		logger.Warn("using default configuration", "error", err)
		cfg = config.Default()
	}
	if *deviceClass != "" {
		cfg.DeviceClass = *deviceClass
	}

	env := command.NewEnv(command.EnvConfig{
		Config: cfg,
		Flash:  mem,
		Store:  store,
		Launcher: command.LauncherFunc(func() {
			logger.Info("application started", "entry", fmt.Sprintf("%#08x", layout.AppStart))
		}),
		Logger: logger,
	})
	server := bootloader.NewServer(bootloader.Config{Env: env, Logger: logger})

	ts, err := transports(logger, mqtt.RoleDevice)
	if err != nil {
		return err
	}
	for src, t := range ts {
		server.AddTransport(t, src)
		if err := t.Start(ctx); err != nil {
			return fmt.Errorf("starting %s transport: %w", src, err)
		}
		defer t.Stop()
	}

	err = server.Start(ctx)
	logger.Info("bootloader stopped", "counters", server.Counters().Snapshot())

	if *dumpFile != "" {
		if derr := dump(mem, layout, *dumpFile); derr != nil {
			return derr
		}
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// preload programs the application area from a file.
func preload(mem *flash.Memory, layout flash.Layout, path string) error {
	image, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if uint64(layout.AppStart)+uint64(len(image)) > uint64(layout.AppEnd) {
		return fmt.Errorf("image of %d bytes does not fit the application area", len(image))
	}
	if err := mem.Unlock(); err != nil {
		return err
	}
	defer mem.Lock()

	for off := 0; off < len(image); off += layout.PageSize {
		end := min(off+layout.PageSize, len(image))
		addr := layout.AppStart + uint32(off)
		if err := mem.ErasePage(addr); err != nil {
			return err
		}
		if err := mem.WritePage(addr, image[off:end]); err != nil {
			return err
		}
	}
	return nil
}

func dump(mem *flash.Memory, layout flash.Layout, path string) error {
	data := make([]byte, layout.End-layout.Start)
	if _, err := mem.ReadAt(data, layout.Start); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func host(ctx context.Context, logger *slog.Logger, cmd string, args []string) error {
	ts, err := transports(logger, mqtt.RoleHost)
	if err != nil {
		return err
	}
	if len(ts) != 1 {
		return errors.New("host commands need exactly one of --serial or --broker")
	}
	var t transport.Transport
	for _, tr := range ts {
		t = tr
	}

	client := bootloader.NewClient(bootloader.ClientConfig{
		Transport: t,
		Timeout:   *timeout,
		Logger:    logger,
	})
	if err := t.Start(ctx); err != nil {
		return err
	}
	defer t.Stop()

	switch cmd {
	case "ping":
		start := time.Now()
		if err := client.Ping(ctx); err != nil {
			return err
		}
		fmt.Printf("pong in %v\n", time.Since(start).Round(time.Microsecond))
	case "status":
		status, err := client.Status(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("status %d (%s)\n", status, command.FlashCodeName(status))
	case "config":
		cfg, err := client.Config(ctx)
		if err != nil {
			return err
		}
		printConfig(cfg)
	case "flash":
		if len(args) != 1 {
			usage()
		}
		image, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		cfg, err := client.Config(ctx)
		if err != nil {
			return err
		}
		if err := client.Flash(ctx, *address, image, cfg.Layout.PageSize, *deviceClass); err != nil {
			return err
		}
		fmt.Printf("wrote %d bytes at %#08x\n", len(image), *address)
	case "jump":
		return client.Jump()
	}
	return nil
}

func printConfig(cfg *config.Config) {
	fmt.Printf("ID               %d\n", cfg.ID)
	fmt.Printf("name             %s\n", cfg.BoardName)
	fmt.Printf("device class     %s\n", cfg.DeviceClass)
	fmt.Printf("application crc  %#08x\n", cfg.ApplicationCRC)
	fmt.Printf("application size %d\n", cfg.ApplicationSize)
	fmt.Printf("update count     %d\n", cfg.UpdateCount)
	fmt.Printf("flash            %#08x-%#08x\n", cfg.Layout.Start, cfg.Layout.End)
	fmt.Printf("application      %#08x-%#08x\n", cfg.Layout.AppStart, cfg.Layout.AppEnd)
	fmt.Printf("page size        %d\n", cfg.Layout.PageSize)
}

func main() {
	if err := runCommand(); err != nil {
		slog.Error("bootsim failed", "error", err)
		os.Exit(1)
	}
}
