// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcframe

import (
	"context"

	"go.uber.org/zap"

	"github.com/luxfi/rpcframe/internal/log"
	"github.com/luxfi/rpcframe/protocol"
	"github.com/luxfi/rpcframe/service"
)

// Handler dispatches requests to the services of a table.
type Handler struct {
	table   *service.Table
	log     *zap.Logger
	metrics *metrics
}

// NewHandler returns a Handler serving the services in table.
func NewHandler(table *service.Table, logger *zap.Logger) *Handler {
	return newHandler(table, logger, newMetrics(nil))
}

func newHandler(table *service.Table, logger *zap.Logger, m *metrics) *Handler {
	return &Handler{table: table, log: log.Named("handler", logger), metrics: m}
}

// Handle answers req. Unknown services get a 404 response, failed
// invocations a 500 response carrying the error text.
func (h *Handler) Handle(ctx context.Context, req *protocol.Request) *protocol.Response {
	key := req.ServiceKey()
	svc, err := h.table.Get(key)
	if err != nil {
		h.log.Warn("request for unknown service",
			zap.String("requestID", req.RequestID),
			zap.Stringer("service", key),
		)
		h.metrics.server(ctx, key, req.MethodName, outcomeNotFound)
		return protocol.Failure(req.RequestID, protocol.CodeNotFound, err.Error())
	}

	m, err := svc.Method(req.MethodName, req.ParamTypes)
	if err != nil {
		h.log.Warn("cannot resolve method",
			zap.String("requestID", req.RequestID),
			zap.Stringer("service", key),
			zap.Error(err),
		)
		h.metrics.server(ctx, key, req.MethodName, outcomeFail)
		return protocol.Failure(req.RequestID, protocol.CodeFail, err.Error())
	}

	result, err := m.Call(ctx, req.Params)
	if err != nil {
		h.log.Debug("invocation failed",
			zap.String("requestID", req.RequestID),
			zap.Stringer("service", key),
			zap.String("method", m.Name),
			zap.Error(err),
		)
		h.metrics.server(ctx, key, m.Name, outcomeFail)
		return protocol.Failure(req.RequestID, protocol.CodeFail, err.Error())
	}
	h.metrics.server(ctx, key, m.Name, outcomeOK)
	return protocol.Success(req.RequestID, result)
}
