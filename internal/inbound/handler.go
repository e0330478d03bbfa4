package inbound

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/hl7inbound/pkg/pagination"
)

// HTTPHandler exposes ingestion, processing triggers and operator views over
// HTTP.
type HTTPHandler struct {
	svc       *Service
	processor *Processor
	sweeper   *Sweeper
	router    *Router
	exporter  *ArchiveExporter
	maxAge    time.Duration
}

// NewHandler wires the HTTP surface. exporter may be nil, in which case the
// export endpoint is not registered.
func NewHandler(svc *Service, processor *Processor, sweeper *Sweeper, router *Router, exporter *ArchiveExporter, archiveMaxAge time.Duration) *HTTPHandler {
	return &HTTPHandler{
		svc:       svc,
		processor: processor,
		sweeper:   sweeper,
		router:    router,
		exporter:  exporter,
		maxAge:    archiveMaxAge,
	}
}

func (h *HTTPHandler) RegisterRoutes(g *echo.Group) {
	hl7 := g.Group("/hl7")

	// Ingestion and triggers
	hl7.POST("/messages", h.Enqueue)
	hl7.POST("/process", h.ProcessCycle)
	hl7.POST("/process/drain", h.ProcessDrain)
	hl7.POST("/sweep", h.Sweep)
	if h.exporter != nil {
		hl7.POST("/archive/export", h.ExportArchive)
	}

	// Operator views
	hl7.GET("/stats", h.Stats)
	hl7.GET("/routes", h.Routes)
	hl7.GET("/queue", h.ListQueue)
	hl7.GET("/queue/:id", h.GetQueueEntry)
	hl7.DELETE("/queue/:id", h.DeleteQueueEntry)
	hl7.GET("/archive", h.ListArchives)
	hl7.GET("/archive/:id", h.GetArchive)
	hl7.GET("/errors", h.ListErrors)
	hl7.GET("/errors/:id", h.GetError)
	hl7.POST("/errors/:id/resubmit", h.ResubmitError)

	// Sources
	hl7.GET("/sources", h.ListSources)
	hl7.POST("/sources", h.CreateSource)
	hl7.GET("/sources/:id", h.GetSource)
	hl7.PUT("/sources/:id", h.UpdateSource)
	hl7.DELETE("/sources/:id", h.DeleteSource)
}

// httpError maps service errors onto HTTP status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrEmptyMessage), errors.Is(err, ErrSourceNotFound), errors.Is(err, ErrInvalid):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrSourceExists), errors.Is(err, ErrSourceInUse), errors.Is(err, ErrProcessorBusy):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrStoreUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func listParams(c echo.Context) (ListParams, pagination.Params, error) {
	pg := pagination.FromContext(c)
	p := ListParams{
		State:  State(c.QueryParam("state")),
		Query:  c.QueryParam("q"),
		Limit:  pg.Limit,
		Offset: pg.Offset,
	}
	if s := c.QueryParam("source"); s != "" {
		id, err := uuid.Parse(s)
		if err != nil {
			return p, pg, echo.NewHTTPError(http.StatusBadRequest, "invalid source id")
		}
		p.SourceID = &id
	}
	return p, pg, nil
}

// -- Ingestion --

// Enqueue handles POST /hl7/messages. The body is stored verbatim.
func (h *HTTPHandler) Enqueue(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}
	e, err := h.svc.Enqueue(c.Request().Context(), string(body), c.QueryParam("source"), c.QueryParam("key"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"id":          e.ID,
		"source":      e.SourceName,
		"enqueued_at": e.EnqueuedAt,
	})
}

// -- Triggers --

func (h *HTTPHandler) ProcessCycle(c echo.Context) error {
	res, err := h.processor.RunCycle(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *HTTPHandler) ProcessDrain(c echo.Context) error {
	res, err := h.processor.RunDrain(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

// Sweep handles POST /hl7/sweep. ?max_age= overrides the configured
// retention, e.g. max_age=720h.
func (h *HTTPHandler) Sweep(c echo.Context) error {
	maxAge := h.maxAge
	if s := c.QueryParam("max_age"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid max_age")
		}
		maxAge = d
	}
	n, err := h.sweeper.Sweep(c.Request().Context(), maxAge)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"deleted": n,
		"max_age": maxAge.String(),
	})
}

func (h *HTTPHandler) ExportArchive(c echo.Context) error {
	batch, _ := strconv.Atoi(c.QueryParam("batch"))
	if batch <= 0 {
		batch = 500
	}
	res, err := h.exporter.Export(c.Request().Context(), batch)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

// -- Operator views --

func (h *HTTPHandler) Stats(c echo.Context) error {
	st, err := h.svc.Stats(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"stats":   st,
		"running": h.processor.Running(),
	})
}

func (h *HTTPHandler) Routes(c echo.Context) error {
	return c.JSON(http.StatusOK, h.router.Routes())
}

func (h *HTTPHandler) ListQueue(c echo.Context) error {
	p, pg, err := listParams(c)
	if err != nil {
		return err
	}
	items, total, err := h.svc.ListQueue(c.Request().Context(), p)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL.Path))
}

func (h *HTTPHandler) GetQueueEntry(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	e, err := h.svc.GetQueueEntry(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, e)
}

// DeleteQueueEntry purges a pending entry. Entries being processed are
// reported as not found.
func (h *HTTPHandler) DeleteQueueEntry(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.PurgeQueueEntry(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *HTTPHandler) ListArchives(c echo.Context) error {
	p, pg, err := listParams(c)
	if err != nil {
		return err
	}
	items, total, err := h.svc.ListArchives(c.Request().Context(), p)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL.Path))
}

func (h *HTTPHandler) GetArchive(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	a, err := h.svc.GetArchive(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *HTTPHandler) ListErrors(c echo.Context) error {
	p, pg, err := listParams(c)
	if err != nil {
		return err
	}
	items, total, err := h.svc.ListErrors(c.Request().Context(), p)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL.Path))
}

func (h *HTTPHandler) GetError(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	r, err := h.svc.GetError(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *HTTPHandler) ResubmitError(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	q, err := h.svc.Resubmit(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, q)
}

// -- Sources --

func (h *HTTPHandler) ListSources(c echo.Context) error {
	sources, err := h.svc.ListSources(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sources)
}

func (h *HTTPHandler) CreateSource(c echo.Context) error {
	var src Source
	if err := c.Bind(&src); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.CreateSource(c.Request().Context(), &src); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, src)
}

func (h *HTTPHandler) GetSource(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	src, err := h.svc.GetSource(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, src)
}

func (h *HTTPHandler) UpdateSource(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var src Source
	if err := c.Bind(&src); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	src.ID = id
	if err := h.svc.UpdateSource(c.Request().Context(), &src); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, src)
}

func (h *HTTPHandler) DeleteSource(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteSource(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
