// Package sink forwards dashboard metric points to InfluxDB.
package sink

import (
	"log/slog"
	"sync"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/giantswarm/prompt-optimizer/internal/dashboard"
)

// DefaultMeasurement is the measurement points are written to.
const DefaultMeasurement = "prompt_optimizer"

// Config holds the InfluxDB connection settings.
type Config struct {
	URL         string `yaml:"url" validate:"required,url"`
	Token       string `yaml:"token"`
	Org         string `yaml:"org" validate:"required"`
	Bucket      string `yaml:"bucket" validate:"required"`
	Measurement string `yaml:"measurement"`
	// BatchSize is the number of points buffered before a write.
	BatchSize uint `yaml:"batch_size"`
}

// Influx writes metric points through the asynchronous InfluxDB write API.
// It implements dashboard.Sink.
type Influx struct {
	client      influxdb2.Client
	writeAPI    api.WriteAPI
	measurement string

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewInflux creates a sink. Write errors are logged, never returned.
func NewInflux(cfg Config) *Influx {
	if cfg.Measurement == "" {
		cfg.Measurement = DefaultMeasurement
	}
	opts := influxdb2.DefaultOptions()
	if cfg.BatchSize > 0 {
		opts.SetBatchSize(cfg.BatchSize)
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)
	s := &Influx{
		client:      client,
		writeAPI:    client.WriteAPI(cfg.Org, cfg.Bucket),
		measurement: cfg.Measurement,
		done:        make(chan struct{}),
	}

	errs := s.writeAPI.Errors()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case err, ok := <-errs:
				if !ok {
					return
				}
				slog.Warn("failed to write metric points to InfluxDB", "bucket", cfg.Bucket, "error", err)
			case <-s.done:
				return
			}
		}
	}()

	slog.Debug("InfluxDB sink configured", "url", cfg.URL, "org", cfg.Org, "bucket", cfg.Bucket)
	return s
}

// Write queues p for writing. It does not block on the network.
func (s *Influx) Write(p dashboard.MetricPoint) {
	s.writeAPI.WritePoint(toPoint(s.measurement, p))
}

// Flush forces buffered points to be written.
func (s *Influx) Flush() {
	s.writeAPI.Flush()
}

// Close flushes buffered points and releases the client.
func (s *Influx) Close() {
	s.closeOnce.Do(func() {
		s.writeAPI.Flush()
		s.client.Close()
		close(s.done)
		s.wg.Wait()
	})
}

func toPoint(measurement string, p dashboard.MetricPoint) *write.Point {
	tags := make(map[string]string, len(p.Tags)+2)
	for k, v := range p.Tags {
		if k != "" && v != "" {
			tags[k] = v
		}
	}
	tags["name"] = p.Name
	tags["kind"] = string(p.Kind)

	return influxdb2.NewPoint(
		measurement,
		tags,
		map[string]interface{}{"value": p.Value},
		p.Timestamp,
	)
}
