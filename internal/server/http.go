// Package server wires the transport servers.
package server

import (
	"context"
	"strconv"

	"OpsMender/internal/conf"
	"OpsMender/internal/server/middleware"
	"OpsMender/internal/service"
	pkglog "OpsMender/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/middleware/recovery"
	"github.com/go-kratos/kratos/v2/transport/http"
)

// NewHTTPServer new an HTTP server.
func NewHTTPServer(c *conf.Server, svc *service.OrchestratorService, logger log.Logger) *http.Server {
	logHelper := pkglog.NewLogHelper(logger)

	var opts = []http.ServerOption{
		http.Middleware(
			recovery.Recovery(),
			middleware.Logging(logHelper),
		),
	}
	if c.Http.Network != "" {
		opts = append(opts, http.Network(c.Http.Network))
	}
	if c.Http.Addr != "" {
		opts = append(opts, http.Address(c.Http.Addr))
	}
	if c.Http.Timeout != nil {
		opts = append(opts, http.Timeout(c.Http.Timeout.AsDuration()))
	}
	srv := http.NewServer(opts...)

	registerRoutes(srv, svc)

	return srv
}

// registerRoutes mounts the orchestrator surface.
func registerRoutes(srv *http.Server, svc *service.OrchestratorService) {
	r := srv.Route("/")

	r.POST("/v1/signals", func(ctx http.Context) error {
		var in service.HandleSignalRequest
		if err := ctx.Bind(&in); err != nil {
			return err
		}
		h := ctx.Middleware(func(c context.Context, req interface{}) (interface{}, error) {
			return svc.HandleSignal(c, req.(*service.HandleSignalRequest))
		})
		out, err := h(ctx, &in)
		if err != nil {
			return err
		}
		return ctx.Result(200, out)
	})

	r.POST("/v1/plans/{id}/approve", func(ctx http.Context) error {
		id := ctx.Vars().Get("id")
		var in service.ApproveRequest
		if err := ctx.Bind(&in); err != nil {
			return err
		}
		h := ctx.Middleware(func(c context.Context, req interface{}) (interface{}, error) {
			return svc.ApprovePlan(c, id, req.(*service.ApproveRequest))
		})
		out, err := h(ctx, &in)
		if err != nil {
			return err
		}
		return ctx.Result(200, out)
	})

	r.POST("/v1/plans/{id}/reject", func(ctx http.Context) error {
		id := ctx.Vars().Get("id")
		var in service.RejectRequest
		if err := ctx.Bind(&in); err != nil {
			return err
		}
		h := ctx.Middleware(func(c context.Context, req interface{}) (interface{}, error) {
			return svc.RejectPlan(c, id, req.(*service.RejectRequest))
		})
		out, err := h(ctx, &in)
		if err != nil {
			return err
		}
		return ctx.Result(200, out)
	})

	r.POST("/v1/plans/{id}/override", func(ctx http.Context) error {
		id := ctx.Vars().Get("id")
		var in service.OverrideRequest
		if err := ctx.Bind(&in); err != nil {
			return err
		}
		h := ctx.Middleware(func(c context.Context, req interface{}) (interface{}, error) {
			return svc.OverridePlan(c, id, req.(*service.OverrideRequest))
		})
		out, err := h(ctx, &in)
		if err != nil {
			return err
		}
		return ctx.Result(200, out)
	})

	r.GET("/v1/plans/{id}", func(ctx http.Context) error {
		id := ctx.Vars().Get("id")
		h := ctx.Middleware(func(c context.Context, _ interface{}) (interface{}, error) {
			return svc.GetPlan(c, id)
		})
		out, err := h(ctx, nil)
		if err != nil {
			return err
		}
		return ctx.Result(200, out)
	})

	r.GET("/v1/plans", func(ctx http.Context) error {
		target := ctx.Query().Get("target")
		limit, _ := strconv.Atoi(ctx.Query().Get("limit"))
		h := ctx.Middleware(func(c context.Context, _ interface{}) (interface{}, error) {
			return svc.ListPlans(c, target, limit)
		})
		out, err := h(ctx, nil)
		if err != nil {
			return err
		}
		return ctx.Result(200, out)
	})

	r.POST("/v1/commands/interpret", func(ctx http.Context) error {
		var in service.InterpretRequest
		if err := ctx.Bind(&in); err != nil {
			return err
		}
		h := ctx.Middleware(func(c context.Context, req interface{}) (interface{}, error) {
			return svc.Interpret(c, req.(*service.InterpretRequest))
		})
		out, err := h(ctx, &in)
		if err != nil {
			return err
		}
		return ctx.Result(200, out)
	})

	r.GET("/v1/status", func(ctx http.Context) error {
		h := ctx.Middleware(func(c context.Context, _ interface{}) (interface{}, error) {
			return svc.Status(c)
		})
		out, err := h(ctx, nil)
		if err != nil {
			return err
		}
		return ctx.Result(200, out)
	})
}
