// Package metrics exports scan statistics as Prometheus metrics via a
// custom collector over the registry's status snapshots.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"scanlogix/plcman"
)

// ScanCollector implements prometheus.Collector by walking the scan
// registry at scrape time; no sampling state of its own.
type ScanCollector struct {
	registry *plcman.Registry

	connected     *prometheus.Desc
	plcErrors     *prometheus.Desc
	slowScans     *prometheus.Desc
	listErrors    *prometheus.Desc
	listLastScan  *prometheus.Desc
	listMinScan   *prometheus.Desc
	listMaxScan   *prometheus.Desc
	listTags      *prometheus.Desc
	tagsValid     *prometheus.Desc
	writesPending *prometheus.Desc
}

// NewScanCollector builds the collector for one scan registry.
func NewScanCollector(reg *plcman.Registry) *ScanCollector {
	plcLabels := []string{"plc"}
	listLabels := []string{"plc", "period"}

	return &ScanCollector{
		registry: reg,
		connected: prometheus.NewDesc("scanlogix_plc_connected",
			"Whether the PLC session is up.", plcLabels, nil),
		plcErrors: prometheus.NewDesc("scanlogix_plc_errors_total",
			"Transfer errors on this PLC.", plcLabels, nil),
		slowScans: prometheus.NewDesc("scanlogix_plc_slow_scans_total",
			"Scan cycles that missed their deadline.", plcLabels, nil),
		listErrors: prometheus.NewDesc("scanlogix_list_errors_total",
			"Transfer errors on this scan list.", listLabels, nil),
		listLastScan: prometheus.NewDesc("scanlogix_list_scan_seconds",
			"Duration of the most recent scan cycle.", listLabels, nil),
		listMinScan: prometheus.NewDesc("scanlogix_list_scan_min_seconds",
			"Shortest scan cycle since reset.", listLabels, nil),
		listMaxScan: prometheus.NewDesc("scanlogix_list_scan_max_seconds",
			"Longest scan cycle since reset.", listLabels, nil),
		listTags: prometheus.NewDesc("scanlogix_list_tags",
			"Tags on this scan list.", listLabels, nil),
		tagsValid: prometheus.NewDesc("scanlogix_list_tags_valid",
			"Tags on this scan list holding valid data.", listLabels, nil),
		writesPending: prometheus.NewDesc("scanlogix_list_writes_pending",
			"Tags on this scan list with a write waiting.", listLabels, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *ScanCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.connected
	ch <- c.plcErrors
	ch <- c.slowScans
	ch <- c.listErrors
	ch <- c.listLastScan
	ch <- c.listMinScan
	ch <- c.listMaxScan
	ch <- c.listTags
	ch <- c.tagsValid
	ch <- c.writesPending
}

// Collect implements prometheus.Collector.
func (c *ScanCollector) Collect(ch chan<- prometheus.Metric) {
	for _, p := range c.registry.Status() {
		up := 0.0
		if p.Connected {
			up = 1.0
		}
		ch <- prometheus.MustNewConstMetric(c.connected, prometheus.GaugeValue, up, p.Name)
		ch <- prometheus.MustNewConstMetric(c.plcErrors, prometheus.CounterValue, float64(p.Errors), p.Name)
		ch <- prometheus.MustNewConstMetric(c.slowScans, prometheus.CounterValue, float64(p.SlowScans), p.Name)

		for _, sl := range p.Lists {
			period := sl.Period.String()
			valid, pending := 0, 0
			for _, t := range sl.Tags {
				if t.Valid {
					valid++
				}
				if t.WritePending {
					pending++
				}
			}

			ch <- prometheus.MustNewConstMetric(c.listErrors, prometheus.CounterValue, float64(sl.Errors), p.Name, period)
			ch <- prometheus.MustNewConstMetric(c.listLastScan, prometheus.GaugeValue, sl.LastScan.Seconds(), p.Name, period)
			ch <- prometheus.MustNewConstMetric(c.listMinScan, prometheus.GaugeValue, sl.MinScan.Seconds(), p.Name, period)
			ch <- prometheus.MustNewConstMetric(c.listMaxScan, prometheus.GaugeValue, sl.MaxScan.Seconds(), p.Name, period)
			ch <- prometheus.MustNewConstMetric(c.listTags, prometheus.GaugeValue, float64(len(sl.Tags)), p.Name, period)
			ch <- prometheus.MustNewConstMetric(c.tagsValid, prometheus.GaugeValue, float64(valid), p.Name, period)
			ch <- prometheus.MustNewConstMetric(c.writesPending, prometheus.GaugeValue, float64(pending), p.Name, period)
		}
	}
}

// Handler returns an HTTP handler serving the scan metrics alongside
// the Go runtime collectors.
func Handler(reg *plcman.Registry) http.Handler {
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(NewScanCollector(reg))
	promReg.MustRegister(collectors.NewGoCollector())
	return promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})
}
