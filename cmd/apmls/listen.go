package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opd-ai/apmls"
	"github.com/opd-ai/apmls/metrics"
)

func (a *app) listenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Receive and print messages until interrupted",
		Long: `listen subscribes to your messages collection and prints every new
message as it is decrypted. With metrics_addr set it also serves prometheus
metrics on /metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := a.client(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			if a.cfg.MetricsAddr != "" {
				stop, err := serveMetrics(a.cfg.MetricsAddr)
				if err != nil {
					return err
				}
				defer stop()
			}

			p := newPrinter(cmd, c)
			if err := p.seed(ctx); err != nil {
				return err
			}
			defer c.OnChange(p.wake)()
			go p.run(ctx)

			if err := c.Start(ctx); err != nil {
				return err
			}
			printf(cmd.ErrOrStderr(), "listening as %s\n", c.Actor())
			<-ctx.Done()
			return nil
		},
	}
}

// metricsRouter serves reg on /metrics.
func metricsRouter(reg *prometheus.Registry) http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", metrics.Handler(reg)).Methods(http.MethodGet)
	return r
}

// serveMetrics starts the metrics endpoint and returns its shutdown
// function.
func serveMetrics(addr string) (func(), error) {
	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{
		Handler:           metricsRouter(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithFields(logrus.Fields{
				"function": "serveMetrics",
				"addr":     addr,
				"error":    err.Error(),
			}).Error("Metrics server stopped")
		}
	}()

	logrus.WithFields(logrus.Fields{
		"function": "serveMetrics",
		"addr":     ln.Addr().String(),
	}).Info("Serving metrics")

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}, nil
}

// printer writes messages it has not printed before whenever the store
// changes.
type printer struct {
	cmd     *cobra.Command
	client  *apmls.Client
	printed map[string]bool
	wakeCh  chan struct{}
}

func newPrinter(cmd *cobra.Command, c *apmls.Client) *printer {
	return &printer{
		cmd:     cmd,
		client:  c,
		printed: make(map[string]bool),
		wakeCh:  make(chan struct{}, 1),
	}
}

func (p *printer) wake() {
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
}

// seed marks every stored message as printed.
func (p *printer) seed(ctx context.Context) error {
	return p.scan(ctx, false)
}

func (p *printer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.wakeCh:
			if err := p.scan(ctx, true); err != nil && ctx.Err() == nil {
				logrus.WithFields(logrus.Fields{
					"function": "printer.run",
					"error":    err.Error(),
				}).Warn("Failed to read new messages")
			}
		}
	}
}

func (p *printer) scan(ctx context.Context, show bool) error {
	groups, err := p.client.Groups(ctx)
	if err != nil {
		return err
	}
	for _, g := range groups {
		msgs, err := p.client.Messages(ctx, g.ID)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			if p.printed[m.ID] {
				continue
			}
			p.printed[m.ID] = true
			if show {
				printf(p.cmd.OutOrStdout(), "%s ", g.Name)
				printMessage(p.cmd, m)
			}
		}
	}
	return nil
}
