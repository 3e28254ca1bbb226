// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcframe

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/luxfi/rpcframe/service"
)

const meterName = "github.com/luxfi/rpcframe"

// Outcomes recorded in the rpc.outcome attribute.
const (
	outcomeOK       = "ok"
	outcomeNotFound = "not_found"
	outcomeFail     = "fail"
	outcomeTimeout  = "timeout"
	outcomeConn     = "connection"
)

type metrics struct {
	clientCalls   metric.Int64Counter
	clientLatency metric.Float64Histogram
	serverCalls   metric.Int64Counter
}

func newMetrics(mp metric.MeterProvider) *metrics {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)

	m := &metrics{}
	var err error
	if m.clientCalls, err = meter.Int64Counter("rpc.client.requests",
		metric.WithDescription("Requests sent by clients")); err != nil {
		m.clientCalls = noop.Int64Counter{}
	}
	if m.clientLatency, err = meter.Float64Histogram("rpc.client.duration",
		metric.WithDescription("Time from send to response"),
		metric.WithUnit("s")); err != nil {
		m.clientLatency = noop.Float64Histogram{}
	}
	if m.serverCalls, err = meter.Int64Counter("rpc.server.requests",
		metric.WithDescription("Requests handled by servers")); err != nil {
		m.serverCalls = noop.Int64Counter{}
	}
	return m
}

func attrs(key service.Key, method, outcome string) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("rpc.service", key.Canonical()),
		attribute.String("rpc.method", method),
		attribute.String("rpc.outcome", outcome),
	)
}

func (m *metrics) client(ctx context.Context, key service.Key, method string, err error, elapsed time.Duration) {
	opt := attrs(key, method, outcomeOf(err))
	m.clientCalls.Add(ctx, 1, opt)
	m.clientLatency.Record(ctx, elapsed.Seconds(), opt)
}

func (m *metrics) server(ctx context.Context, key service.Key, method, outcome string) {
	m.serverCalls.Add(ctx, 1, attrs(key, method, outcome))
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return outcomeOK
	case errors.Is(err, service.ErrNotFound):
		return outcomeNotFound
	case errors.Is(err, ErrRequestTimeout):
		return outcomeTimeout
	case errors.Is(err, ErrConnection), errors.Is(err, ErrClosed):
		return outcomeConn
	}
	return outcomeFail
}
