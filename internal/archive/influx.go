// Package archive keeps an append-only copy of every accepted raw
// sample in InfluxDB for offline analysis. The archive is best effort:
// writes are buffered and asynchronous, and a down archive never
// blocks or fails ingestion.
package archive

import (
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"

	"github.com/gridpulse/metering-plane/internal/config"
	"github.com/gridpulse/metering-plane/pkg/models"
)

// InfluxArchive writes raw telemetry points through the non-blocking
// write API.
type InfluxArchive struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	logger   *zap.Logger
}

// NewInfluxArchive creates the archive sink.
func NewInfluxArchive(cfg config.ArchiveConfig, logger *zap.Logger) *InfluxArchive {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)

	a := &InfluxArchive{
		client:   client,
		writeAPI: writeAPI,
		logger:   logger,
	}

	go func() {
		for err := range writeAPI.Errors() {
			logger.Warn("archive write failed", zap.Error(err))
		}
	}()

	return a
}

// Archive implements pipeline.Archiver.
func (a *InfluxArchive) Archive(sample models.TelemetrySample) {
	point := write.NewPoint(
		"meter_telemetry",
		map[string]string{
			"meter_id": sample.MeterID,
		},
		map[string]interface{}{
			"voltage": sample.Voltage,
			"current": sample.Current,
			"watts":   sample.Voltage * sample.Current,
		},
		sample.Timestamp,
	)
	a.writeAPI.WritePoint(point)
}

// Close flushes buffered points and shuts the client down.
func (a *InfluxArchive) Close() {
	a.writeAPI.Flush()
	a.client.Close()
}
