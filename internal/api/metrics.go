// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mauhost Contributors

package api

import (
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mauhost/mauhost/internal/client"
	"github.com/mauhost/mauhost/internal/instance"
)

// Metrics holds the host's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal *prometheus.CounterVec
}

// NewMetrics builds a registry with process collectors, the request
// counter and gauges tracking running clients and instances.
func NewMetrics(clients *client.Manager, engine *instance.Engine) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mauhost_http_requests_total",
				Help: "Total management API requests by method and status",
			},
			[]string{"method", "status"},
		),
	}
	reg.MustRegister(m.RequestsTotal)

	reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "mauhost_clients_running",
			Help: "Number of client sessions with a started state",
		},
		func() float64 {
			n := 0
			for _, s := range clients.All() {
				if s.Started() {
					n++
				}
			}
			return float64(n)
		},
	))
	reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "mauhost_instances_running",
			Help: "Number of plugin instances with a started runtime",
		},
		func() float64 {
			n := 0
			for _, inst := range engine.All() {
				if inst.Started() {
					n++
				}
			}
			return float64(n)
		},
	))
	return m
}

// middleware counts every request by method and response status.
func (m *Metrics) middleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := next(c)
		m.RequestsTotal.WithLabelValues(
			c.Request().Method,
			strconv.Itoa(c.Response().Status),
		).Inc()
		return err
	}
}

func (m *Metrics) handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}
