// Command updi is the CLI collaborator of spec.md §6: a thin wrapper
// around session.Session exposing the five memory actions plus reset.
// Command-line parsing and logging configuration are themselves ambient
// concerns outside spec.md's core (spec.md §1 Non-goals), handled here the
// way the teacher's own CLI tools handle them.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
	"gopkg.in/urfave/cli.v2"

	"github.com/microchip-pic-avr-tools/serialupdi/serial"
	"github.com/microchip-pic-avr-tools/serialupdi/updi/app"
	"github.com/microchip-pic-avr-tools/serialupdi/updi/device"
	"github.com/microchip-pic-avr-tools/serialupdi/updi/session"
)

func main() {
	app := &cli.App{
		Name:    "updi",
		Usage:   "serialUPDI host-side programmer for AVR UPDI parts",
		Version: "v0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "port", Aliases: []string{"c"}, Usage: "serial port device node", Required: true},
			&cli.StringFlag{Name: "device", Aliases: []string{"d"}, Usage: "device name, see 'updi devices'", Required: true},
			&cli.UintFlag{Name: "baud", Aliases: []string{"b"}, Usage: "programming baud rate", Value: 115200},
			&cli.StringFlag{Name: "hv", Usage: "high-voltage activation mode: none|tool|user|unsafe", Value: "none"},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "enable debug logging"},
		},
		Commands: []*cli.Command{
			devicesCommand(),
			pingCommand(),
			eraseCommand(),
			writeCommand(),
			readCommand(),
			verifyCommand(),
			resetCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "updi:", err)
		os.Exit(1)
	}
}

func devicesCommand() *cli.Command {
	return &cli.Command{
		Name:  "devices",
		Usage: "list known device names",
		Action: func(c *cli.Context) error {
			for _, name := range device.KnownDevices() {
				fmt.Println(name)
			}
			return nil
		},
	}
}

func pingCommand() *cli.Command {
	return &cli.Command{
		Name:  "ping",
		Usage: "read and verify the device signature",
		Action: func(c *cli.Context) error {
			return withSession(c, func(ctx context.Context, s *session.Session) error {
				sig, err := s.Ping(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("signature: %s\n", hex.EncodeToString(sig[:]))
				return nil
			})
		},
	}
}

func eraseCommand() *cli.Command {
	return &cli.Command{
		Name:  "erase",
		Usage: "chip-erase, or erase a single region with --region",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "region", Usage: "region tag; omit for chip erase"},
		},
		Action: func(c *cli.Context) error {
			return withSession(c, func(ctx context.Context, s *session.Session) error {
				return s.Erase(ctx, device.RegionTag(c.String("region")))
			})
		},
	}
}

func writeCommand() *cli.Command {
	return &cli.Command{
		Name:  "write",
		Usage: "write literal bytes to a region",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "region", Required: true},
			&cli.UintFlag{Name: "offset", Value: 0},
			&cli.StringFlag{Name: "data", Usage: "hex-encoded bytes", Required: true},
			&cli.BoolFlag{Name: "verify"},
		},
		Action: func(c *cli.Context) error {
			data, err := hex.DecodeString(c.String("data"))
			if err != nil {
				return cli.Exit(fmt.Sprintf("invalid --data: %v", err), 1)
			}
			return withSession(c, func(ctx context.Context, s *session.Session) error {
				tag := device.RegionTag(c.String("region"))
				offset := uint32(c.Uint("offset"))
				if err := s.Write(ctx, tag, offset, data); err != nil {
					return err
				}
				if c.Bool("verify") {
					return s.Verify(ctx, tag, offset, data)
				}
				return nil
			})
		},
	}
}

func readCommand() *cli.Command {
	return &cli.Command{
		Name:  "read",
		Usage: "read n bytes from a region",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "region", Required: true},
			&cli.UintFlag{Name: "offset", Value: 0},
			&cli.UintFlag{Name: "length", Required: true},
		},
		Action: func(c *cli.Context) error {
			return withSession(c, func(ctx context.Context, s *session.Session) error {
				data, err := s.Read(ctx, device.RegionTag(c.String("region")), uint32(c.Uint("offset")), int(c.Uint("length")))
				if err != nil {
					return err
				}
				fmt.Println(hex.EncodeToString(data))
				return nil
			})
		},
	}
}

func verifyCommand() *cli.Command {
	return &cli.Command{
		Name:  "verify",
		Usage: "compare a region against literal bytes",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "region", Required: true},
			&cli.UintFlag{Name: "offset", Value: 0},
			&cli.StringFlag{Name: "data", Usage: "hex-encoded bytes", Required: true},
		},
		Action: func(c *cli.Context) error {
			want, err := hex.DecodeString(c.String("data"))
			if err != nil {
				return cli.Exit(fmt.Sprintf("invalid --data: %v", err), 1)
			}
			return withSession(c, func(ctx context.Context, s *session.Session) error {
				return s.Verify(ctx, device.RegionTag(c.String("region")), uint32(c.Uint("offset")), want)
			})
		},
	}
}

func resetCommand() *cli.Command {
	return &cli.Command{
		Name:  "reset",
		Usage: "leave programming mode and release the target",
		Action: func(c *cli.Context) error {
			return withSession(c, func(ctx context.Context, s *session.Session) error {
				return nil
			})
		},
	}
}

// withSession opens the configured port, starts a Session, installs a
// signal handler so SIGINT/SIGTERM always run leave_programming_mode
// before the process exits, runs fn, then tears the session down.
func withSession(c *cli.Context, fn func(ctx context.Context, s *session.Session) error) error {
	level := slog.LevelInfo
	if c.Bool("verbose") {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	desc, err := device.Lookup(c.String("device"))
	if err != nil {
		return err
	}

	port, err := serial.Open(c.String("port"), serial.NewOptions())
	if err != nil {
		return err
	}
	defer port.Close()

	hv, err := parseHVMode(c.String("hv"))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGINT, unix.SIGTERM)
	defer signal.Stop(sigCh)

	sess, err := session.Start(ctx, port, desc, uint32(c.Uint("baud")), hv, logger)
	if err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-sigCh:
			logger.Warn("signal received, leaving programming mode")
			cancel()
			sess.End(context.Background())
		case <-done:
		}
	}()

	err = fn(ctx, sess)
	close(done)
	if endErr := sess.End(context.Background()); endErr != nil && err == nil {
		err = endErr
	}
	return err
}

func parseHVMode(s string) (app.HVActivator, error) {
	switch s {
	case "", "none":
		return app.HVActivator{Mode: app.HVNone}, nil
	case "tool":
		return app.HVActivator{Mode: app.HVToolTogglePower, Pulse: func(ctx context.Context) error { return nil }}, nil
	case "user":
		return app.HVActivator{Mode: app.HVUserTogglePower, PromptUser: func(ctx context.Context) error {
			fmt.Fprintln(os.Stderr, "power-cycle the target now, then press Enter")
			var discard string
			fmt.Scanln(&discard)
			return nil
		}}, nil
	case "unsafe":
		return app.HVActivator{Mode: app.HVSimpleUnsafePulse, Pulse: func(ctx context.Context) error { return nil }}, nil
	default:
		return app.HVActivator{}, cli.Exit("unknown --hv mode: "+s, 1)
	}
}
