// Command teleinfo-sim emulates the teleinformation output of a French
// electricity meter on a serial port, one frame every two seconds.
//
// Usage:
//
//	teleinfo-sim [flags] [device]
//
// The device defaults to /dev/ttyUSB0 (COM1 on Windows).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/teleinfo.sim/internal/fsutil"
	"github.com/banshee-data/teleinfo.sim/internal/serialmux"
	"github.com/banshee-data/teleinfo.sim/internal/teleinfo"
	"github.com/banshee-data/teleinfo.sim/internal/version"
)

var (
	devOutput   = flag.String("dev", "", "Write frames to this file instead of a serial device")
	listen      = flag.String("listen", "", "Serve /debug/ routes on this address (disabled when empty)")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// resolveDevice returns the device given on the command line, or the
// platform default when none is given.
func resolveDevice(args []string) (string, error) {
	switch len(args) {
	case 0:
		return serialmux.HostDevicePath(), nil
	case 1:
		return args[0], nil
	default:
		return "", fmt.Errorf("expected at most one device argument, got %d", len(args))
	}
}

// openTransport opens the output file in dev mode, otherwise the serial
// device with the TIC line settings.
func openTransport(device, devPath string) (serialmux.SerialMuxInterface, error) {
	if devPath != "" {
		m, err := serialmux.NewFileSerialMux(fsutil.OSFileSystem{}, devPath)
		if err != nil {
			return nil, err
		}
		return m, nil
	}
	m, err := serialmux.NewRealSerialMux(device, serialmux.TeleinfoPortOptions())
	if err != nil {
		return nil, err
	}
	return m, nil
}

// run emits frames to port until ctx is cancelled, serving the debug routes
// on listenAddr when it is set.
func run(ctx context.Context, port serialmux.SerialMuxInterface, listenAddr string) error {
	emitter, err := teleinfo.NewEmitter(port)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := emitter.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("emitter stopped: %v", err)
		}
		log.Print("emitter routine terminated")
	}()

	if listenAddr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()

			mux := http.NewServeMux()
			port.AttachAdminRoutes(mux)

			server := &http.Server{
				Addr:    listenAddr,
				Handler: mux,
			}

			// Start server in a goroutine so it doesn't block
			go func() {
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Printf("debug server error: %v", err)
				}
			}()

			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Printf("debug server shutdown error: %v", err)
			}
			log.Printf("debug server routine stopped")
		}()
	}

	wg.Wait()
	return nil
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] [device]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	device, err := resolveDevice(flag.Args())
	if err != nil {
		flag.Usage()
		log.Fatal(err)
	}

	port, err := openTransport(device, *devOutput)
	if err != nil {
		log.Fatalf("failed to open transport: %v", err)
	}
	defer port.Close()

	if *devOutput != "" {
		log.Printf("teleinfo-sim %s writing frames to %s", version.Version, *devOutput)
	} else {
		log.Printf("teleinfo-sim %s emitting on %s (%s)", version.Version, device, serialmux.TeleinfoPortOptions())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, port, *listen); err != nil {
		log.Fatalf("failed to start emitter: %v", err)
	}

	stats := port.Stats()
	log.Printf("shutdown complete: %d frames written, %d write failures", stats.FramesWritten, stats.WriteFailures)
}
