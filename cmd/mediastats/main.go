// Command mediastats connects a media transport to a server, streams
// synthetic frames at a fixed cadence, and serves the transport's
// quality metrics on /metrics.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/quicvoice/mediatransport"
	"github.com/quicvoice/mediatransport/pkg/exporter"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s <url>\n", os.Args[0])
		os.Exit(1)
	}
	url := os.Args[1]

	token := os.Getenv("MEDIA_TOKEN")
	if token == "" {
		logrus.Fatal("MEDIA_TOKEN not set")
	}

	transport := mediatransport.New(mediatransport.Callbacks{
		OnFrameComplete: func(frame []byte) {
			logrus.Debugf("frame: %d bytes", len(frame))
		},
		OnReliableMessage: func(msg []byte) {
			logrus.Infof("reliable message: %d bytes", len(msg))
		},
		OnDisconnect: func(reason string) {
			logrus.Warnf("disconnected: %s", reason)
		},
	}, nil)
	transport.SetAuthToken(token)

	collector := exporter.NewTransportCollector(
		"mediatransport",
		[]string{"id", "url"},
		prometheus.Labels{"app": "mediastats"},
	)
	prometheus.MustRegister(collector)
	collector.Add(transport, []string{xid.New().String(), url})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err := transport.Connect(ctx, url, nil)
	cancel()
	if err != nil {
		logrus.Fatalf("connect: %v", err)
	}

	http.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(":18080", nil); err != nil {
			logrus.Fatalf("metrics server: %v", err)
		}
	}()

	// Stream a synthetic 20 ms audio cadence until interrupted.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	frame := make([]byte, 960)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			transport.Send(frame)
		case <-stop:
			stats := transport.Stats()
			logrus.WithFields(logrus.Fields(stats.ToMap())).Info("final stats")
			for _, w := range stats.Warnings() {
				logrus.Warn(w)
			}
			transport.Disconnect(0, "client shutdown")
			return
		}
	}
}
