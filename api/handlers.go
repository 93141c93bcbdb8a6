package api

import (
	"errors"
	"net/http"
	"strconv"

	"mobileproxy/models"
	"mobileproxy/service"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

const connectionIDKey = "connection_id"

// Handler exposes the core operations over HTTP. It only translates between
// JSON and service calls; all lifecycle rules live in the service package.
type Handler struct {
	devices    *service.DeviceManager
	controller *service.Controller
	dispatcher *service.JobDispatcher
	prober     *service.Prober
}

func NewHandler(dm *service.DeviceManager, controller *service.Controller, dispatcher *service.JobDispatcher, prober *service.Prober) *Handler {
	return &Handler{
		devices:    dm,
		controller: controller,
		dispatcher: dispatcher,
		prober:     prober,
	}
}

// ConnectionIDMiddleware parses :id and stores it for downstream handlers.
func ConnectionIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil || id <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, models.ErrorResponse("invalid connection id"))
			return
		}
		c.Set(connectionIDKey, id)
		c.Next()
	}
}

// respondError maps service errors onto HTTP statuses.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrPortConflict):
		c.JSON(http.StatusConflict, models.CodedErrorResponse("port_conflict", err.Error()))
	case errors.Is(err, service.ErrConnectionNotFound), errors.Is(err, service.ErrDeviceNotFound):
		c.JSON(http.StatusNotFound, models.CodedErrorResponse("not_found", err.Error()))
	case errors.Is(err, service.ErrInvalidPort):
		c.JSON(http.StatusBadRequest, models.CodedErrorResponse("invalid_port", err.Error()))
	case errors.Is(err, service.ErrBridgeUnavailable):
		c.JSON(http.StatusServiceUnavailable, models.CodedErrorResponse("bridge_unavailable", err.Error()))
	case errors.Is(err, service.ErrQueueFull), errors.Is(err, service.ErrDispatcherClosed):
		c.JSON(http.StatusServiceUnavailable, models.CodedErrorResponse("busy", err.Error()))
	case errors.Is(err, service.ErrIndeterminateRadioState):
		c.JSON(http.StatusInternalServerError, models.CodedErrorResponse("indeterminate_radio_state", err.Error()))
	case errors.Is(err, service.ErrOperationFailed):
		c.JSON(http.StatusBadGateway, models.CodedErrorResponse("operation_failed", err.Error()))
	default:
		log.WithError(err).WithField("path", c.FullPath()).Error("request failed")
		c.JSON(http.StatusInternalServerError, models.ErrorResponse(err.Error()))
	}
}

// respondBulk reports partial success with 207 so clients see both halves.
func respondBulk(c *gin.Context, result models.BulkResult, err error) {
	if err != nil {
		respondError(c, err)
		return
	}
	if result.Failed > 0 {
		c.JSON(http.StatusMultiStatus, models.PartialResponse(result, "some connections failed"))
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(result))
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, models.SuccessResponse(gin.H{
		"status":           "ok",
		"bridge_available": h.devices.BridgeAvailable(c.Request.Context()),
	}))
}

func (h *Handler) Status(c *gin.Context) {
	status, err := h.devices.Status(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(status))
}

// GetDevices returns all devices
func (h *Handler) GetDevices(c *gin.Context) {
	devices, err := h.devices.GetAllDevices(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(devices))
}

// ScanDevices scans for devices and returns the refreshed list
func (h *Handler) ScanDevices(c *gin.Context) {
	if _, err := h.devices.ScanDevices(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	h.GetDevices(c)
}

func (h *Handler) GetDevice(c *gin.Context) {
	details, err := h.devices.Details(c.Request.Context(), c.Param("serial"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(details))
}

func (h *Handler) DeleteDevice(c *gin.Context) {
	result, err := h.controller.DeleteDevice(c.Request.Context(), c.Param("serial"))
	respondBulk(c, result, err)
}

func (h *Handler) GetDeviceIP(c *gin.Context) {
	serial := c.Param("serial")
	ip, ok, err := h.devices.DeviceIP(c.Request.Context(), serial)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(gin.H{"serial": serial, "ip": ip, "found": ok}))
}

func (h *Handler) RotateDevice(c *gin.Context) {
	job, err := h.dispatcher.Submit(c.Request.Context(), c.Param("serial"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, models.SuccessResponse(job))
}

func (h *Handler) ListJobs(c *gin.Context) {
	c.JSON(http.StatusOK, models.SuccessResponse(h.dispatcher.List()))
}

func (h *Handler) GetJob(c *gin.Context) {
	job, ok := h.dispatcher.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, models.CodedErrorResponse("not_found", "job not found"))
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(job))
}

func (h *Handler) ListConnections(c *gin.Context) {
	connections, err := h.controller.ListConnections(c.Request.Context(), c.Query("device"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(connections))
}

type createConnectionRequest struct {
	Serial     string `json:"serial" binding:"required"`
	LocalPort  int    `json:"local_port" binding:"required"`
	RemotePort int    `json:"remote_port" binding:"required"`
}

func (h *Handler) CreateConnection(c *gin.Context) {
	var req createConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse(err.Error()))
		return
	}

	conn, err := h.controller.CreateConnection(c.Request.Context(), req.Serial, req.LocalPort, req.RemotePort)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, models.SuccessResponse(conn))
}

// connectionResponse re-reads the connection after a lifecycle call so the
// client sees the registry state.
func (h *Handler) connectionResponse(c *gin.Context, id int64) {
	conn, err := h.controller.GetConnection(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(conn))
}

func (h *Handler) GetConnection(c *gin.Context) {
	h.connectionResponse(c, c.GetInt64(connectionIDKey))
}

func (h *Handler) StartConnection(c *gin.Context) {
	id := c.GetInt64(connectionIDKey)
	if err := h.controller.Start(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	h.connectionResponse(c, id)
}

func (h *Handler) StopConnection(c *gin.Context) {
	id := c.GetInt64(connectionIDKey)
	if err := h.controller.Stop(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	h.connectionResponse(c, id)
}

func (h *Handler) CheckIP(c *gin.Context) {
	id := c.GetInt64(connectionIDKey)
	ip, found, err := h.controller.CheckIP(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(gin.H{"connection_id": id, "ip": ip, "found": found}))
}

func (h *Handler) ProbeConnection(c *gin.Context) {
	conn, err := h.controller.GetConnection(c.Request.Context(), c.GetInt64(connectionIDKey))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(h.prober.Probe(c.Request.Context(), conn)))
}

func (h *Handler) DeleteConnection(c *gin.Context) {
	id := c.GetInt64(connectionIDKey)
	err := h.controller.Delete(c.Request.Context(), id)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, models.MessageResponse("connection deleted"))
	case errors.Is(err, service.ErrOrphanedForward):
		c.JSON(http.StatusMultiStatus, models.CodedErrorResponse("orphaned_forward", err.Error()))
	default:
		respondError(c, err)
	}
}

func (h *Handler) StartAll(c *gin.Context) {
	result, err := h.controller.StartAll(c.Request.Context())
	respondBulk(c, result, err)
}

func (h *Handler) StopAll(c *gin.Context) {
	result, err := h.controller.StopAll(c.Request.Context())
	respondBulk(c, result, err)
}

func (h *Handler) CheckAllIPs(c *gin.Context) {
	result, err := h.controller.CheckAllIPs(c.Request.Context())
	respondBulk(c, result, err)
}

func (h *Handler) Reconcile(c *gin.Context) {
	fixed, err := h.controller.Reconcile(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(gin.H{"fixed": fixed}))
}
