package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"camshm/config"
	"camshm/serve"
	"camshm/util"
	"camshm/video"
	"camshm/video/sink"
	"camshm/video/source"
)

// Frame rate ceiling for MJPEG monitoring streams.
const mjpegFPS = 10

var (
	configPath = flag.String("config", "", "Optional JSON configuration file, reloaded on change. Flags given on the command line take precedence.")
)

func setLogLevel(level string) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		log.Errorf("Ignoring log level: %v", err)
		return
	}
	log.SetLevel(lvl)
}

// loadConfig installs the configuration from the command line and, if
// given, the configuration file.
func loadConfig(ctx context.Context) (*config.Config, error) {
	cfg := config.Defaults()
	cfg.RegisterFlags(flag.CommandLine)
	flag.Parse()

	if *configPath == "" {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		config.Set(&cfg)
		return config.Get(), nil
	}

	// Re-apply explicitly set flags over every version of the file.
	overrides := func(c *config.Config) {
		fs := flag.NewFlagSet("overrides", flag.ContinueOnError)
		c.RegisterFlags(fs)
		flag.Visit(func(f *flag.Flag) {
			if fs.Lookup(f.Name) == nil {
				return
			}
			if err := fs.Set(f.Name, f.Value.String()); err != nil {
				log.Warnf("Cannot apply flag -%s: %v", f.Name, err)
			}
		})
	}
	if err := config.Load(ctx, *configPath, overrides); err != nil {
		return nil, err
	}
	return config.Get(), nil
}

func serveHTTP(port int, loop *video.Loop, mjpeg *sink.MJPEGServer, updater *serve.StatusUpdater) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/status", &serve.StatusServer{Provider: loop})
	mux.Handle("/statusws", updater)
	mux.Handle("/mjpeg", mjpeg)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/debug/pprof/", http.DefaultServeMux)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: handlers.LoggingHandler(log.StandardLogger().Writer(), mux),
	}
	go func() {
		log.Infof("Hosting monitoring on port %d", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("HTTP server failed: %v", err)
		}
	}()
	return srv
}

func main() {
	ctx, stopReload := context.WithCancel(context.Background())
	defer stopReload()

	c, err := loadConfig(ctx)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	setLogLevel(c.LogLevel)
	config.OnChange(func(old, new *config.Config) {
		if old.LogLevel != new.LogLevel {
			log.Infof("Log level changed to %s", new.LogLevel)
			setLogLevel(new.LogLevel)
		}
		if changed := config.RestartRequired(old, new); len(changed) > 0 {
			log.Warnf("Configuration changed (%s); restart to apply", strings.Join(changed, ", "))
		}
	})

	session := uuid.NewString()
	log.WithField("session", session).Infof("Starting capture from %s", c.Source)

	src, err := source.New(c)
	if err != nil {
		log.Fatalf("Failed to create source: %v", err)
	}
	loop, err := video.NewLoop(src, c, session)
	if err != nil {
		log.Fatalf("Failed to configure acquisition: %v", err)
	}
	if err := loop.Prepare(); err != nil {
		log.Fatalf("Failed to start acquisition: %v", err)
	}

	var mirrors []*sink.Mirror
	if c.Verbose {
		primary, err := c.PrimaryOutput()
		if err != nil {
			log.Fatalf("Failed to configure window: %v", err)
		}
		mirrors = append(mirrors, sink.NewMirror(primary.Name, sink.NewWindow(primary.Name)))
	}

	var srv *http.Server
	if c.Port > 0 {
		mjpeg := sink.NewMJPEGServer()
		for _, o := range loop.Outputs {
			stream, err := mjpeg.NewStream(o.Name)
			if err != nil {
				log.Fatalf("Failed to create MJPEG stream: %v", err)
			}
			mirrors = append(mirrors, sink.NewMirror(o.Name, sink.NewFPSLimit(stream, mjpegFPS)))
		}
		if c.Motion {
			primary, err := c.PrimaryOutput()
			if err != nil {
				log.Fatalf("Failed to configure motion: %v", err)
			}
			debug, err := mjpeg.NewStream(primary.Name + ".motion")
			if err != nil {
				log.Fatalf("Failed to create MJPEG stream: %v", err)
			}
			motion := sink.NewMotion(primary.Name, debug)
			mirrors = append(mirrors, sink.NewMirror(primary.Name, sink.NewFPSLimit(motion, mjpegFPS)))
		}
		updater := serve.NewStatusUpdater()
		loop.Listeners = append(loop.Listeners, updater)
		srv = serveHTTP(c.Port, loop, mjpeg, updater)
	}
	for _, m := range mirrors {
		loop.Listeners = append(loop.Listeners, m)
	}

	cancel := util.NewCancellation()
	stopSignals := cancel.NotifyOnSignal(syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	if c.Timed {
		err = loop.RunTimed(cancel, c.Freq)
	} else {
		err = loop.Run(cancel)
	}

	for _, m := range mirrors {
		m.Close()
	}
	if srv != nil {
		sctx, done := context.WithTimeout(context.Background(), time.Second)
		srv.Shutdown(sctx)
		done()
	}
	if cerr := loop.Close(); cerr != nil {
		log.Errorf("Teardown: %v", cerr)
	}
	if err != nil {
		log.Errorf("Acquisition failed: %v", err)
		os.Exit(1)
	}
}
