package echoapi

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/nexlearn/core/syncqueue"
)

type syncApi struct {
	queue     *syncqueue.SyncQueue
	scheduler *syncqueue.Scheduler
	validate  *validator.Validate
}

func registerSyncAPI(g *echo.Group, jwt echo.MiddlewareFunc, deps ServerDeps) {
	api := syncApi{
		queue:     deps.Queue,
		scheduler: deps.Scheduler,
		validate:  deps.Validate,
	}

	sg := g.Group("/sync", jwt, sessionMiddleware(deps.Store))
	sg.POST("/drain", api.drain)
	sg.PUT("/online", api.setOnline)
	sg.GET("/status", api.status)
	sg.GET("/queue", api.list, adminMiddleware())
}

// Handlers

func (api *syncApi) drain(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, api.scheduler.DrainNow(ctx.Request().Context()))
}

func (api *syncApi) setOnline(ctx echo.Context) error {
	var data OnlineRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to OnlineRequest")
	}
	if err := api.validate.Struct(data); err != nil {
		return err
	}

	api.scheduler.SetOnline(*data.Online)
	return ctx.JSON(http.StatusOK, api.scheduler.Status())
}

func (api *syncApi) status(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, api.scheduler.Status())
}

func (api *syncApi) list(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, api.queue.List())
}
