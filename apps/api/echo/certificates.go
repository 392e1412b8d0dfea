package echoapi

import (
	"bytes"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/nexlearn/core"
	"github.com/trezcool/nexlearn/core/certificate"
	"github.com/trezcool/nexlearn/core/profile"
)

type certificatesApi struct {
	certs    *certificate.Service
	store    *profile.Store
	validate *validator.Validate
}

func registerCertificatesAPI(g *echo.Group, jwt echo.MiddlewareFunc, deps ServerDeps) {
	api := certificatesApi{
		certs:    deps.Certificates,
		store:    deps.Store,
		validate: deps.Validate,
	}
	authed := []echo.MiddlewareFunc{jwt, sessionMiddleware(api.store)}

	cg := g.Group("/certificates")
	cg.GET("/verify/:idOrHash", api.verify)
	cg.POST("/hash", api.hash)
	cg.GET("/:id/render", api.render)

	cg.GET("", api.list, authed...)
	cg.POST("", api.issue, authed...)
}

// Handlers

func (api *certificatesApi) verify(ctx echo.Context) error {
	v := api.certs.Verify(ctx.Request().Context(), ctx.Param("idOrHash"))
	switch v.Status {
	case certificate.StatusNotFound:
		return ctx.JSON(http.StatusNotFound, v)
	case certificate.StatusError:
		return ctx.JSON(http.StatusBadGateway, v)
	case certificate.StatusWeak, certificate.StatusTampered:
		return ctx.JSON(http.StatusUnprocessableEntity, v)
	}
	return ctx.JSON(http.StatusOK, v)
}

// hash recomputes the fingerprint of the given certificate fields.
func (api *certificatesApi) hash(ctx echo.Context) error {
	var data HashRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to HashRequest")
	}
	if err := api.validate.Struct(data); err != nil {
		return err
	}

	fp := api.certs.Recompute(certificate.HashInput{
		Recipient: core.CleanString(data.Recipient),
		Title:     core.CleanString(data.Title),
		Type:      certificate.Kind(data.Type),
		Issued:    data.Issued,
		ID:        data.ID,
	})
	return ctx.JSON(http.StatusOK, HashResponse{
		Hash:               fp.Value,
		Strength:           string(fp.Strength),
		RegistrationNumber: certificate.RegistrationNumber(fp.Value),
	})
}

func (api *certificatesApi) render(ctx echo.Context) error {
	id := ctx.Param("id")
	rec, ok := api.certs.FindLocal(id)
	if !ok {
		v := api.certs.Verify(ctx.Request().Context(), id)
		if v.Record == nil {
			if v.Status == certificate.StatusError {
				return echo.NewHTTPError(http.StatusBadGateway, v.Error)
			}
			return certificate.ErrNotFound
		}
		rec = *v.Record
	}
	// weak fingerprints render as unverifiable; broken strong ones do not render
	if rec.Strong && !api.certs.CheckIntegrity(rec) {
		return errTamperedCertificate
	}

	var buf bytes.Buffer
	if err := api.certs.Render(&buf, rec, api.certs.VerifyURL(rec.ID)); err != nil {
		return errors.Wrap(err, "rendering certificate")
	}
	return ctx.HTMLBlob(http.StatusOK, buf.Bytes())
}

func (api *certificatesApi) list(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, api.certs.List())
}

// issue issues a certificate to the signed-in learner.
func (api *certificatesApi) issue(ctx echo.Context) error {
	var data IssueCertificateRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to IssueCertificateRequest")
	}
	if err := api.validate.Struct(data); err != nil {
		return err
	}
	p, err := getContextProfile(ctx, api.store)
	if err != nil {
		return err
	}

	rec, err := api.certs.Issue(ctx.Request().Context(), certificate.Options{
		Recipient: p.Name,
		Title:     data.Title,
		Type:      certificate.Kind(data.Type),
		ID:        data.ID,
		Email:     p.Email,
	})
	if err != nil {
		return errors.Wrap(err, "issuing certificate")
	}
	return ctx.JSON(http.StatusCreated, rec)
}
