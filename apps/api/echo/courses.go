package echoapi

import (
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/nexlearn/core/catalog"
	"github.com/trezcool/nexlearn/core/learning"
	"github.com/trezcool/nexlearn/core/profile"
	"github.com/trezcool/nexlearn/core/syncqueue"
)

type coursesApi struct {
	catalog  *catalog.Catalog
	learning *learning.Service
	queue    *syncqueue.SyncQueue
	store    *profile.Store
	validate *validator.Validate
}

func registerCoursesAPI(g *echo.Group, jwt echo.MiddlewareFunc, deps ServerDeps) {
	api := coursesApi{
		catalog:  deps.Catalog,
		learning: deps.Learning,
		queue:    deps.Queue,
		store:    deps.Store,
		validate: deps.Validate,
	}

	// route-level middleware: a group on "/:id" would shadow the public detail endpoint
	authed := []echo.MiddlewareFunc{jwt, sessionMiddleware(api.store)}

	cg := g.Group("/courses")
	cg.GET("", api.query)
	cg.GET("/:id", api.retrieve)
	cg.POST("/:id/enroll", api.enroll, authed...)
	cg.POST("/:id/modules/toggle", api.toggleModule, authed...)
	cg.POST("/:id/complete", api.complete, authed...)
	cg.GET("/:id/progress", api.progress, authed...)
	cg.GET("/:id/pending", api.pending, authed...)

	pg := g.Group("/paths")
	pg.GET("", api.queryPaths)
	pg.GET("/:id", api.retrievePath)
	pg.POST("/:id/enroll", api.enrollPath, authed...)
	pg.POST("/:id/complete", api.completePath, authed...)
}

// Handlers

// query lists the courses, optionally filtered by `level` and sorted by `ordering`.
func (api *coursesApi) query(ctx echo.Context) error {
	var ord Ordering
	ord.Bind(ctx)

	level := strings.TrimSpace(ctx.QueryParam("level"))
	courses := make([]catalog.Course, 0)
	for _, c := range api.catalog.All() {
		if level == "" || strings.EqualFold(c.Level, level) {
			courses = append(courses, c)
		}
	}
	ord.SortCourses(courses)
	return ctx.JSON(http.StatusOK, courses)
}

func (api *coursesApi) retrieve(ctx echo.Context) error {
	c, err := api.catalog.Get(ctx.Param("id"))
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, c)
}

func (api *coursesApi) enroll(ctx echo.Context) error {
	p, err := api.learning.Enroll(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "enrolling")
	}
	return ctx.JSON(http.StatusOK, p)
}

func (api *coursesApi) toggleModule(ctx echo.Context) error {
	var data ToggleModuleRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to ToggleModuleRequest")
	}
	if err := api.validate.Struct(data); err != nil {
		return err
	}

	res, err := api.learning.ToggleModule(ctx.Request().Context(), ctx.Param("id"), data.ModuleTitle)
	if err != nil {
		return errors.Wrap(err, "toggling module")
	}
	return ctx.JSON(http.StatusOK, res)
}

func (api *coursesApi) complete(ctx echo.Context) error {
	p, err := api.learning.Complete(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "completing course")
	}
	return ctx.JSON(http.StatusOK, p)
}

func (api *coursesApi) progress(ctx echo.Context) error {
	prog, err := api.learning.Progress(ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "getting progress")
	}
	return ctx.JSON(http.StatusOK, prog)
}

// pending lists the operations of the course waiting to be synced.
func (api *coursesApi) pending(ctx echo.Context) error {
	id := ctx.Param("id")
	if _, err := api.catalog.Get(id); err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, echo.Map{
		"count":      api.queue.CountFor(id),
		"operations": api.queue.DetailsFor(id),
	})
}

func (api *coursesApi) queryPaths(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, api.catalog.Paths())
}

func (api *coursesApi) retrievePath(ctx echo.Context) error {
	lp, err := api.catalog.Path(ctx.Param("id"))
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, lp)
}

func (api *coursesApi) enrollPath(ctx echo.Context) error {
	p, err := api.learning.EnrollLearningPath(ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "enrolling in learning path")
	}
	return ctx.JSON(http.StatusOK, p)
}

func (api *coursesApi) completePath(ctx echo.Context) error {
	p, err := api.learning.CompleteLearningPath(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "completing learning path")
	}
	return ctx.JSON(http.StatusOK, p)
}
