package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"facemask/config"
	"facemask/face"
	"facemask/filter"
	"facemask/serve"
	"facemask/video/sink"
	"facemask/video/source"
)

var (
	configPath = flag.String("config", "facemask.json", "Path to the JSON configuration file.")
	port       = flag.Int("port", 8080, "Port to host the HTTP streams and controls.")
	debug      = flag.Bool("debug", false, "Enable debug logging.")
	window     = flag.Bool("window", false, "Show a local preview window.")
)

func main() {
	flag.Parse()
	if *debug {
		log.SetLevel(log.DebugLevel)
	}
	if err := run(); err != nil {
		log.Fatalf("%v", err)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := config.Load(ctx, *configPath); err != nil {
		return fmt.Errorf("loading config %v: %w", *configPath, err)
	}
	cfg := config.Get()

	engine, err := face.NewCascadeDetector(cfg.CascadeFile)
	if err != nil {
		return err
	}
	defer engine.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	status := serve.NewStatusUpdater()
	defer status.Close()

	inst, err := filter.FaceMask.Create(cfg.Settings(), engine, filter.Options{
		Registerer: reg,
		WatchMasks: cfg.WatchMasks,
		OnStatus:   status.Publish,
	})
	if err != nil {
		return fmt.Errorf("creating %v: %w", filter.FaceMask.Name, err)
	}
	defer inst.Close()

	// Everything that touches the instance runs on the frame loop below.
	cmds := make(chan func(filter.Instance), 16)
	do := func(fn func(filter.Instance)) {
		select {
		case cmds <- fn:
		case <-ctx.Done():
		}
	}
	config.OnChange(func(c *config.Config) {
		s := c.Settings()
		do(func(i filter.Instance) { i.Update(s) })
	})

	capture := source.NewVideoCapture(cfg.URI, cfg.FPS)
	defer capture.Close()
	frames := capture.Get()

	mjpegServer := sink.NewMJPEGServer()
	raw := mjpegServer.NewStream("raw")
	defer raw.Close()
	outputs := sink.Multi{mjpegServer.NewStream("masked")}
	if *window {
		outputs = append(outputs, sink.NewWindow("Face Masks"))
	}
	defer outputs.Close()

	http.Handle("/mjpeg", mjpegServer)
	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	http.Handle("/status", &serve.StatusServer{Updater: status})
	http.Handle("/statusws", status)
	http.Handle("/control", &serve.ControlServer{Do: do})

	access := log.StandardLogger().WriterLevel(log.DebugLevel)
	defer access.Close()
	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", *port),
		Handler: handlers.RecoveryHandler(handlers.RecoveryLogger(log.StandardLogger()))(
			handlers.CombinedLoggingHandler(access, http.DefaultServeMux)),
	}
	go func() {
		log.Infof("Hosting streams on port %d", *port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("HTTP server failed: %v", err)
		}
	}()
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		srv.Shutdown(sctx)
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	out := gocv.NewMat()
	defer out.Close()
	last := time.Now()
	for {
		select {
		case i, ok := <-frames:
			if !ok {
				return nil
			}
			now := time.Now()
			inst.Tick(now.Sub(last))
			last = now

			raw.Put(i)
			inst.Render(i, &out)
			outputs.Put(source.Image{Mat: out, Time: i.Time})
			i.Release()
		case fn := <-cmds:
			fn(inst)
		case sig := <-sigs:
			log.Infof("Caught signal %v", sig)
			return nil
		}
	}
}
