// Binary rtr runs a device whose routing tables are programmed over gRIBI and
// streamed over gNMI. Per-table metrics are exported for Prometheus.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/golang/glog"
	"github.com/openconfig/ribctl/device"
	"github.com/openconfig/ribctl/rib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

var (
	certFile    = flag.String("cert", "", "cert is the path to the server TLS certificate file")
	keyFile     = flag.String("key", "", "key is the path to the server TLS key file")
	insecure    = flag.Bool("insecure", false, "serve gRIBI and gNMI without TLS")
	host        = flag.String("host", "localhost", "host that gRIBI and gNMI listen on")
	gribiPort   = flag.Int("gribi_port", 9340, "port that gRIBI listens on")
	gnmiPort    = flag.Int("gnmi_port", 9339, "port that gNMI listens on")
	target      = flag.String("target", "DUT", "name of the device in gNMI")
	defaultNI   = flag.String("default_ni", "DEFAULT", "name of the default network instance")
	vrfs        = flag.String("vrfs", "", "comma separated list of additional network instances")
	noMultipath = flag.Bool("no_multipath", false, "disable merging of routes into multipath routes")
	metricsAddr = flag.String("metrics_addr", ":8080", "address that Prometheus metrics are served on, empty to disable")
	expiry      = flag.Duration("expiry_interval", 10*time.Second, "interval at which expired routes are removed")
)

func main() {
	flag.Parse()

	var opts []device.DevOpt
	switch {
	case *insecure:
	case *certFile == "" || *keyFile == "":
		log.Exitf("must specify a TLS certificate and key file, or -insecure")
	default:
		creds, err := device.TLSCredsFromFile(*certFile, *keyFile)
		if err != nil {
			log.Exitf("cannot initialise TLS, got: %v", err)
		}
		opts = append(opts, creds)
	}

	reg := prometheus.NewRegistry()
	tableOpts := []rib.TableOpt{rib.WithMetrics(rib.NewMetrics("ribctl", reg))}
	if *noMultipath {
		tableOpts = append(tableOpts, rib.DisableMultipath())
	}
	var instances []string
	if *vrfs != "" {
		instances = strings.Split(*vrfs, ",")
	}
	opts = append(opts,
		device.GRIBIPort(*host, *gribiPort),
		device.GNMIAddr(*host, *gnmiPort),
		device.Target(*target),
		device.RIBConfig(*defaultNI, instances, tableOpts...),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	d, stop, err := device.New(ctx, opts...)
	if err != nil {
		log.Exitf("cannot start device, %v", err)
	}
	defer stop()
	log.Infof("listening on:\n\tgRIBI: %s\n\tgNMI: %s", d.GRIBIAddr(), d.GNMIAddr())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.RIB().RunExpiry(ctx, *expiry)
	})
	if *metricsAddr != "" {
		srv := &http.Server{
			Addr:    *metricsAddr,
			Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		}
		g.Go(func() error {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return srv.Shutdown(context.Background())
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Errorf("device stopped, %v", err)
	}
}
