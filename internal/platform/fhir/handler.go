package fhir

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/epicconnect/internal/config"
	"github.com/ehr/epicconnect/internal/platform/apperr"
)

// maxRequestBody bounds resource bodies accepted by the route layer.
const maxRequestBody = 4 << 20

// TokenSource resolves the access token of the caller for an identity.
type TokenSource func(c echo.Context, id config.Identity) (string, error)

// Handler exposes resource operations and bulk export per identity. It is a
// thin adapter: every decision is made by Client and Exporter.
type Handler struct {
	clients  map[config.Identity]*Client
	tokens   TokenSource
	validate *validator.Validate
	logger   zerolog.Logger
}

// NewHandler creates the FHIR route handler.
func NewHandler(clients map[config.Identity]*Client, tokens TokenSource, logger zerolog.Logger) *Handler {
	return &Handler{
		clients:  clients,
		tokens:   tokens,
		validate: validator.New(),
		logger:   logger,
	}
}

// RegisterRoutes registers the resource and export endpoints on the given
// group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/:identity/fhir/:type", h.handleSearch)
	g.POST("/:identity/fhir/:type", h.handleCreate)
	g.GET("/:identity/fhir/:type/:id", h.handleRead)
	g.PUT("/:identity/fhir/:type/:id", h.handleUpdate)
	g.DELETE("/:identity/fhir/:type/:id", h.handleDelete)

	g.POST("/:identity/export", h.handleKickOff)
	g.GET("/:identity/export/status", h.handleExportStatus)
	g.GET("/:identity/export/file", h.handleExportFile)
}

// resolve returns the client and access token for the request's identity.
func (h *Handler) resolve(c echo.Context) (*Client, string, error) {
	id, err := config.ParseIdentity(c.Param("identity"))
	if err != nil {
		return nil, "", err
	}
	client, ok := h.clients[id]
	if !ok {
		return nil, "", apperr.Configuration("no FHIR client for identity %s", id)
	}
	token, err := h.tokens(c, id)
	if err != nil {
		return nil, "", err
	}
	return client, token, nil
}

func (h *Handler) ops(c echo.Context) (*ResourceOps, string, error) {
	client, token, err := h.resolve(c)
	if err != nil {
		return nil, "", err
	}
	ops, err := client.Resource(c.Param("type"))
	if err != nil {
		return nil, "", err
	}
	return ops, token, nil
}

// handleSearch handles GET /:identity/fhir/:type.
func (h *Handler) handleSearch(c echo.Context) error {
	ops, token, err := h.ops(c)
	if err != nil {
		return h.fail(c, err)
	}
	bundle, err := ops.Search(c.Request().Context(), token, c.QueryParams())
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, bundle)
}

// handleCreate handles POST /:identity/fhir/:type.
func (h *Handler) handleCreate(c echo.Context) error {
	ops, token, err := h.ops(c)
	if err != nil {
		return h.fail(c, err)
	}
	resource, err := bindResource(c)
	if err != nil {
		return h.fail(c, err)
	}
	created, err := ops.Create(c.Request().Context(), token, resource)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, created)
}

// handleRead handles GET /:identity/fhir/:type/:id.
func (h *Handler) handleRead(c echo.Context) error {
	ops, token, err := h.ops(c)
	if err != nil {
		return h.fail(c, err)
	}
	resource, err := ops.Read(c.Request().Context(), token, c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, resource)
}

// handleUpdate handles PUT /:identity/fhir/:type/:id. The body id must
// match the path id.
func (h *Handler) handleUpdate(c echo.Context) error {
	ops, token, err := h.ops(c)
	if err != nil {
		return h.fail(c, err)
	}
	resource, err := bindResource(c)
	if err != nil {
		return h.fail(c, err)
	}
	id := c.Param("id")
	if bodyID := resource.ID(); bodyID != "" && bodyID != id {
		return h.fail(c, apperr.Validation("resource id %q does not match path id %q", bodyID, id))
	}
	updated, err := ops.Update(c.Request().Context(), token, id, resource)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, updated)
}

// handleDelete handles DELETE /:identity/fhir/:type/:id.
func (h *Handler) handleDelete(c echo.Context) error {
	ops, token, err := h.ops(c)
	if err != nil {
		return h.fail(c, err)
	}
	if err := ops.Delete(c.Request().Context(), token, c.Param("id")); err != nil {
		return h.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// handleKickOff handles POST /:identity/export. The body is an ExportScope;
// an empty body exports every supported type at system level.
func (h *Handler) handleKickOff(c echo.Context) error {
	client, token, err := h.resolve(c)
	if err != nil {
		return h.fail(c, err)
	}
	var scope ExportScope
	data, err := io.ReadAll(io.LimitReader(c.Request().Body, maxRequestBody))
	if err != nil {
		return h.fail(c, apperr.Validation("read body: %v", err))
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &scope); err != nil {
			return h.fail(c, apperr.Validation("invalid export scope: %v", err))
		}
	}
	if err := h.validate.Struct(scope); err != nil {
		return h.fail(c, apperr.Validation("invalid export scope: %v", err))
	}
	for _, t := range scope.Types {
		if !IsSupportedResourceType(t) {
			return h.fail(c, apperr.Validation("unsupported resource type %q", t))
		}
	}

	job, err := client.Exporter().KickOff(c.Request().Context(), token, scope)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusAccepted, job)
}

// handleExportStatus handles GET /:identity/export/status?url=.
func (h *Handler) handleExportStatus(c echo.Context) error {
	client, token, err := h.resolve(c)
	if err != nil {
		return h.fail(c, err)
	}
	statusURL := c.QueryParam("url")
	if statusURL == "" {
		return h.fail(c, apperr.Validation("url query parameter is required"))
	}
	job, err := client.Exporter().PollStatus(c.Request().Context(), token, ExportJob{
		State:     ExportInProgress,
		StatusURL: statusURL,
	})
	if err != nil {
		return h.fail(c, err)
	}
	if job.State == ExportInProgress {
		return c.JSON(http.StatusAccepted, job)
	}
	return c.JSON(http.StatusOK, job)
}

// handleExportFile handles GET /:identity/export/file?url= and streams the
// NDJSON file through unchanged.
func (h *Handler) handleExportFile(c echo.Context) error {
	client, token, err := h.resolve(c)
	if err != nil {
		return h.fail(c, err)
	}
	fileURL := c.QueryParam("url")
	if fileURL == "" {
		return h.fail(c, apperr.Validation("url query parameter is required"))
	}
	data, err := client.Backend().ExportFile(c.Request().Context(), token, fileURL)
	if err != nil {
		return h.fail(c, err)
	}
	return c.Blob(http.StatusOK, MediaTypeFHIRNDJSON, data)
}

func (h *Handler) fail(c echo.Context, err error) error {
	status, payload := apperr.Response(err)
	evt := h.logger.Warn()
	if status >= http.StatusInternalServerError {
		evt = h.logger.Error()
	}
	evt.Err(err).
		Str("error_kind", string(payload.Error.Kind)).
		Int("status", status).
		Str("path", c.Path()).
		Msg("fhir route failed")
	return c.JSON(status, payload)
}

func bindResource(c echo.Context) (Resource, error) {
	data, err := io.ReadAll(io.LimitReader(c.Request().Body, maxRequestBody))
	if err != nil {
		return nil, apperr.Validation("read body: %v", err)
	}
	if len(data) == 0 {
		return nil, apperr.Validation("request body is required")
	}
	res, err := DecodeResource(data)
	if err != nil {
		var syntax *json.SyntaxError
		if errors.As(err, &syntax) {
			return nil, apperr.Validation("invalid JSON at offset %d", syntax.Offset)
		}
		return nil, apperr.Validation("%v", err)
	}
	return res, nil
}
