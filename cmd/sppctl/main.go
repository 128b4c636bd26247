// sppctl drives the SPP connection manager from a terminal.
//
// Prerequisites
// - Linux with BlueZ (bluetoothd) running and system D-Bus access.
// - Adapter powered on: `bluetoothctl power on`.
// - Target devices already paired: `bluetoothctl pair XX:XX:XX:XX:XX:XX`.
// - RegisterProfile usually needs root: run with `sudo` if connect fails with AccessDenied.
//
// Usage
//
//	sppctl devices
//	sppctl connect --name HC-05
//	sppctl connect --address 00:11:22:33:44:55 --id printer
//	sppctl --config sppctl.yaml serve
//
// In connect mode received bytes go to stdout and every stdin line is sent with a trailing
// newline. Ctrl-C disconnects.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"

	"bluetooth-spp/internal/bridge"
	"bluetooth-spp/internal/config"
	"bluetooth-spp/internal/connmgr"
	"bluetooth-spp/internal/logging"
)

func main() {
	app := cli.NewApp()
	app.Name = "sppctl"
	app.Usage = "connect to bonded Bluetooth SPP devices"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config, c",
			Usage:  "YAML configuration file",
			EnvVar: "SPPCTL_CONFIG",
		},
		cli.StringFlag{
			Name:  "log-level",
			Usage: "override log.level (debug, info, warn, error)",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:   "devices",
			Usage:  "List devices bonded with the adapter",
			Action: devicesCommand,
		},
		{
			Name:  "connect",
			Usage: "Open a session, print received bytes and send stdin lines",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "name, n", Usage: "exact device name"},
				cli.StringFlag{Name: "address, a", Usage: "device address XX:XX:XX:XX:XX:XX"},
				cli.StringFlag{Name: "id", Usage: "session identifier (defaults to name or address)"},
			},
			Action: connectCommand,
		},
		{
			Name:   "serve",
			Usage:  "Serve the WebSocket bridge until interrupted",
			Action: serveCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		color.New(color.FgRed).Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type env struct {
	cfg *config.Config
	log *logrus.Logger
	mgr connmgr.Mgr
}

// setup loads configuration and opens the manager. The caller owns env.mgr.
func setup(ctx context.Context, c *cli.Context) (*env, error) {
	cfg, err := config.LoadAndValidate(c.GlobalString("config"))
	if err != nil {
		return nil, err
	}
	if lvl := c.GlobalString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	backend := connmgr.NewBlueZ(cfg.BlueZOptions(), logger)
	mgr, err := connmgr.New(ctx, backend, cfg.ManagerOptions(), logger)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return &env{cfg: cfg, log: logger, mgr: mgr}, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func devicesCommand(c *cli.Context) error {
	ctx, cancel := signalContext()
	defer cancel()

	e, err := setup(ctx, c)
	if err != nil {
		return err
	}
	defer e.mgr.Close()

	devs, err := e.mgr.Devices(ctx)
	if err != nil {
		return err
	}
	if len(devs) == 0 {
		fmt.Println("no bonded devices")
		return nil
	}
	bold := color.New(color.Bold)
	for i, d := range devs {
		fmt.Printf("[%d] %s MAC=%s Alias=%s Path=%s\n", i, bold.Sprint(d.Name), d.MAC, d.Alias, d.Path)
	}
	return nil
}

func connectCommand(c *cli.Context) error {
	sel, err := connmgr.ParseSelector(c.String("name"), c.String("address"))
	if err != nil {
		return cli.NewExitError("connect needs --name or --address", 2)
	}

	ctx, cancel := signalContext()
	defer cancel()

	e, err := setup(ctx, c)
	if err != nil {
		return err
	}
	defer e.mgr.Close()

	id, err := e.mgr.Connect(ctx, sel, c.String("id"))
	if err != nil {
		return err
	}
	status := color.New(color.FgGreen)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for ev := range e.mgr.Events() {
			switch ev.Kind {
			case connmgr.EventConnected:
				status.Fprintf(os.Stderr, "connected %s (%s)\n", ev.Identifier, ev.Address)
			case connmgr.EventData:
				if _, err := os.Stdout.Write(ev.Data); err != nil {
					return err
				}
			case connmgr.EventDisconnected:
				status.Fprintf(os.Stderr, "disconnected %s\n", ev.Identifier)
				if ev.Identifier == id {
					return errSessionEnded
				}
			}
		}
		return nil
	})
	g.Go(func() error {
		lines := make(chan string)
		go func() {
			defer close(lines)
			sc := bufio.NewScanner(os.Stdin)
			for sc.Scan() {
				lines <- sc.Text()
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return e.mgr.Disconnect(id)
				}
				if err := e.mgr.Write(id, []byte(line+"\n")); err != nil {
					e.log.WithError(err).WithField("identifier", id).Warn("write failed")
				}
			}
		}
	})
	g.Go(func() error {
		<-ctx.Done()
		// Disconnect emits the terminal event that ends the printer goroutine.
		if err := e.mgr.Disconnect(id); err != nil && !errors.Is(err, connmgr.ErrUnknownIdentifier) {
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errSessionEnded) {
		return err
	}
	return nil
}

var errSessionEnded = errors.New("session ended")

func serveCommand(c *cli.Context) error {
	ctx, cancel := signalContext()
	defer cancel()

	e, err := setup(ctx, c)
	if err != nil {
		return err
	}
	defer e.mgr.Close()

	srv := bridge.New(e.mgr, bridge.Options{
		WriteTimeout: e.cfg.Bridge.WriteTimeout,
		SendQueue:    e.cfg.Bridge.SendQueue,
	}, e.log)
	mux := http.NewServeMux()
	mux.Handle(e.cfg.Bridge.Path, srv)
	httpSrv := &http.Server{Addr: e.cfg.Bridge.Listen, Handler: mux}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(ctx)
	})
	g.Go(func() error {
		e.log.WithFields(logrus.Fields{"listen": e.cfg.Bridge.Listen, "path": e.cfg.Bridge.Path}).Info("bridge listening")
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		_ = srv.Close()
		return httpSrv.Close()
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		e.log.Info("bridge stopped")
		return nil
	}
	return err
}
