package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement is the InfluxDB measurement samples are written to.
const Measurement = "tether_process"

var ErrInfluxConnect = errors.New("influxdb connection failed")

// InfluxConfig selects the InfluxDB v2 bucket samples are exported to.
type InfluxConfig struct {
	URL           string        `mapstructure:"url" json:"url" yaml:"url"`
	Token         string        `mapstructure:"token" json:"-" yaml:"-"`
	Org           string        `mapstructure:"org" json:"org" yaml:"org"`
	Bucket        string        `mapstructure:"bucket" json:"bucket" yaml:"bucket"`
	BatchSize     uint          `mapstructure:"batch_size" json:"batch_size" yaml:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval" json:"flush_interval" yaml:"flush_interval"`
}

func (c InfluxConfig) Enabled() bool { return c.URL != "" && c.Bucket != "" }

// InfluxExporter writes samples through the non-blocking write API.
type InfluxExporter struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	log      *slog.Logger
}

// NewInfluxExporter connects and pings the server.
func NewInfluxExporter(ctx context.Context, cfg InfluxConfig, log *slog.Logger) (*InfluxExporter, error) {
	if log == nil {
		log = slog.Default()
	}
	batch := cfg.BatchSize
	if batch == 0 {
		batch = 100
	}
	flush := cfg.FlushInterval
	if flush <= 0 {
		flush = 10 * time.Second
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(batch).
			SetFlushInterval(uint(flush.Milliseconds())))

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	ok, err := client.Ping(pctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrInfluxConnect, err)
	}
	if !ok {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrInfluxConnect)
	}

	e := &InfluxExporter{client: client, writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket), log: log}
	go e.drainErrors(e.writeAPI.Errors())
	return e, nil
}

func (e *InfluxExporter) drainErrors(ch <-chan error) {
	for err := range ch {
		e.log.Warn("influxdb write failed", "error", err)
	}
}

// Export queues one point per sample.
func (e *InfluxExporter) Export(_ context.Context, samples []Sample) error {
	for _, s := range samples {
		e.writeAPI.WritePoint(SamplePoint(s))
	}
	return nil
}

// SamplePoint converts s into an InfluxDB point.
func SamplePoint(s Sample) *write.Point {
	return write.NewPoint(Measurement,
		map[string]string{"name": s.Name},
		map[string]interface{}{
			"pid":         int64(s.PID),
			"cpu_percent": s.CPUPercent,
			"memory_rss":  int64(s.MemoryRSS),
			"memory_vms":  int64(s.MemoryVMS),
			"threads":     int64(s.NumThreads),
			"fds":         int64(s.NumFDs),
		},
		s.Timestamp)
}

// Close flushes pending points and closes the client.
func (e *InfluxExporter) Close() error {
	if e == nil || e.client == nil {
		return nil
	}
	e.writeAPI.Flush()
	e.client.Close()
	return nil
}
