package echoapi

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/nexlearn/core"
	"github.com/trezcool/nexlearn/core/learning"
	"github.com/trezcool/nexlearn/core/profile"
)

type SuccessResponse struct {
	Success string `json:"success"`
}

type accountsApi struct {
	accounts *profile.Accounts
	store    *profile.Store
	learning *learning.Service
	validate *validator.Validate
	auth     *authenticator
	logger   core.Logger
}

func registerAccountsAPI(g *echo.Group, jwt echo.MiddlewareFunc, deps ServerDeps, auth *authenticator) {
	api := accountsApi{
		accounts: deps.Accounts,
		store:    deps.Store,
		learning: deps.Learning,
		validate: deps.Validate,
		auth:     auth,
		logger:   deps.Logger,
	}

	ag := g.Group("/accounts")

	// un-authed endpoints
	ag.POST("/register", api.register)
	ag.POST("/login", api.login)
	ag.POST("/password-reset", api.resetPassword)
	ag.POST("/password-reset-confirm", api.confirmPasswordReset)

	// authed endpoints
	ag.POST("/token-refresh", api.refreshToken, jwt, sessionMiddleware(api.store))

	pg := g.Group("/profile", jwt, sessionMiddleware(api.store))
	pg.GET("", api.retrieveProfile)
	pg.DELETE("", api.logout)
	pg.POST("/hydrate", api.hydrate)
}

// Handlers

func (api *accountsApi) tokenResponse(p profile.Profile) (TokenResponse, error) {
	token, err := api.auth.generateToken(api.auth.claims(p))
	if err != nil {
		return TokenResponse{}, errors.Wrap(err, "generating token")
	}
	return TokenResponse{Token: token, Profile: &p}, nil
}

func (api *accountsApi) register(ctx echo.Context) error {
	var data profile.NewAccount
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewAccount")
	}

	p, err := api.accounts.Register(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "registering account")
	}

	res, err := api.tokenResponse(p)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusCreated, res)
}

func (api *accountsApi) login(ctx echo.Context) error {
	var data LoginRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to LoginRequest")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	p, err := api.accounts.Authenticate(ctx.Request().Context(), data.Email, data.Password)
	if err != nil {
		return errors.Wrap(err, "authenticating")
	}

	res, err := api.tokenResponse(p)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, res)
}

func (api *accountsApi) refreshToken(ctx echo.Context) error {
	token, err := api.auth.refresh(ctx, api.store)
	if err != nil {
		return errors.Wrap(err, "refreshing token")
	}
	return ctx.JSON(http.StatusOK, TokenResponse{Token: token})
}

func (api *accountsApi) resetPassword(ctx echo.Context) error {
	var data PasswordResetRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to PasswordResetRequest")
	}
	if err := api.validate.Struct(data); err != nil {
		return err
	}

	if err := api.accounts.RequestPasswordReset(ctx.Request().Context(), data.Email); !(err == nil || core.IsNotFound(err)) {
		// do not return errors to attackers
		api.logger.Error("requesting password reset", errors.Wrap(err, "requesting password reset"))
	}
	return ctx.JSON(http.StatusOK, SuccessResponse{
		Success: "If the email address supplied is associated with an account on this device, " +
			"an email will arrive in your inbox shortly with instructions to reset your password.",
	})
}

func (api *accountsApi) confirmPasswordReset(ctx echo.Context) error {
	var data profile.ResetPassword
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to ResetPassword")
	}

	if err := api.accounts.ResetPassword(ctx.Request().Context(), data); err != nil {
		return errors.Wrap(err, "resetting password")
	}
	return ctx.JSON(http.StatusOK, SuccessResponse{Success: "Password has been reset with the new password."})
}

func (api *accountsApi) retrieveProfile(ctx echo.Context) error {
	p, err := getContextProfile(ctx, api.store)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, p)
}

func (api *accountsApi) logout(ctx echo.Context) error {
	api.accounts.Logout()
	return ctx.NoContent(http.StatusNoContent)
}

func (api *accountsApi) hydrate(ctx echo.Context) error {
	p, err := api.learning.Hydrate(ctx.Request().Context())
	if err != nil {
		if err == learning.ErrNotSignedIn {
			return err
		}
		api.logger.Warn("hydrating progress", err, p)
		return echo.NewHTTPError(http.StatusServiceUnavailable, "remote data service unavailable").SetInternal(err)
	}
	return ctx.JSON(http.StatusOK, p)
}
