package http

import (
	"context"
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/ANIKETSHETTY47/smartenergy-backend/internal/domain"
	"github.com/ANIKETSHETTY47/smartenergy-backend/internal/repository"
	"github.com/ANIKETSHETTY47/smartenergy-backend/internal/service"
)

// UserHeader carries the authenticated user id set by the gateway in front
// of the API.
const UserHeader = "X-User-ID"

const userKey = "user_id"

type DeviceService interface {
	List(ctx context.Context, userID int64) ([]domain.Device, error)
	Get(ctx context.Context, userID, deviceID int64) (*domain.Device, error)
	Events(ctx context.Context, userID, deviceID int64, limit int) ([]domain.DeviceEvent, error)
	Create(ctx context.Context, userID int64, in service.CreateDeviceInput) (*domain.Device, error)
	Update(ctx context.Context, userID, deviceID int64, in service.UpdateDeviceInput) (*domain.Device, error)
	Delete(ctx context.Context, userID, deviceID int64) error
	SetState(ctx context.Context, userID, deviceID int64, on bool) (*domain.Device, error)
}

type ReadingQuery interface {
	InverterForUser(ctx context.Context, serial string, userID int64) (*domain.Inverter, error)
	RecentPowerReadings(ctx context.Context, inverterID int64, limit int) ([]domain.PowerReading, error)
}

type BusStatus interface {
	Connected() bool
}

type Handlers struct {
	Devices  DeviceService
	Readings ReadingQuery
	Bus      BusStatus
	Log      zerolog.Logger
}

func Register(app *fiber.App, h *Handlers) {
	app.Get("/health", h.health)

	g := app.Group("/", requireUser)

	g.Get("devices", h.listDevices)
	g.Post("devices", h.createDevice)
	g.Get("devices/:id", h.getDevice)
	g.Put("devices/:id", h.updateDevice)
	g.Delete("devices/:id", h.deleteDevice)
	g.Patch("devices/:id/manual_state", h.setManualState)
	g.Get("devices/:id/events", h.deviceEvents)

	g.Get("inverters/:serial/readings", h.recentReadings)
}

func requireUser(c *fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Get(UserHeader), 10, 64)
	if err != nil || id <= 0 {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing or invalid " + UserHeader})
	}
	c.Locals(userKey, id)
	return c.Next()
}

func userID(c *fiber.Ctx) int64 {
	id, _ := c.Locals(userKey).(int64)
	return id
}

func (h *Handlers) health(c *fiber.Ctx) error {
	if h.Bus != nil && !h.Bus.Connected() {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "degraded", "nats": "disconnected"})
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

func (h *Handlers) listDevices(c *fiber.Ctx) error {
	items, err := h.Devices.List(c.UserContext(), userID(c))
	if err != nil {
		return h.fail(c, err)
	}
	if items == nil {
		items = []domain.Device{}
	}
	return c.JSON(items)
}

func (h *Handlers) getDevice(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil {
		return badRequest(c, "invalid device id")
	}
	d, err := h.Devices.Get(c.UserContext(), userID(c), int64(id))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(d)
}

func (h *Handlers) createDevice(c *fiber.Ctx) error {
	var in service.CreateDeviceInput
	if err := c.BodyParser(&in); err != nil {
		return badRequest(c, "invalid body")
	}
	d, err := h.Devices.Create(c.UserContext(), userID(c), in)
	if err != nil {
		return h.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(d)
}

func (h *Handlers) updateDevice(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil {
		return badRequest(c, "invalid device id")
	}
	var in service.UpdateDeviceInput
	if err := c.BodyParser(&in); err != nil {
		return badRequest(c, "invalid body")
	}
	d, err := h.Devices.Update(c.UserContext(), userID(c), int64(id), in)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(d)
}

func (h *Handlers) deleteDevice(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil {
		return badRequest(c, "invalid device id")
	}
	if err := h.Devices.Delete(c.UserContext(), userID(c), int64(id)); err != nil {
		return h.fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *Handlers) setManualState(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil {
		return badRequest(c, "invalid device id")
	}
	var body struct {
		IsOn *bool `json:"is_on"`
	}
	if err := c.BodyParser(&body); err != nil || body.IsOn == nil {
		return badRequest(c, "is_on is required")
	}
	d, err := h.Devices.SetState(c.UserContext(), userID(c), int64(id), *body.IsOn)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(fiber.Map{"device_id": d.ID, "manual_state": *body.IsOn, "is_on": d.IsOn})
}

func (h *Handlers) deviceEvents(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil {
		return badRequest(c, "invalid device id")
	}
	items, err := h.Devices.Events(c.UserContext(), userID(c), int64(id), c.QueryInt("limit", 200))
	if err != nil {
		return h.fail(c, err)
	}
	if items == nil {
		items = []domain.DeviceEvent{}
	}
	return c.JSON(items)
}

func (h *Handlers) recentReadings(c *fiber.Ctx) error {
	inv, err := h.Readings.InverterForUser(c.UserContext(), c.Params("serial"), userID(c))
	if err != nil {
		return h.fail(c, err)
	}
	items, err := h.Readings.RecentPowerReadings(c.UserContext(), inv.ID, c.QueryInt("limit", 100))
	if err != nil {
		return h.fail(c, err)
	}
	if items == nil {
		items = []domain.PowerReading{}
	}
	return c.JSON(items)
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
}

func (h *Handlers) fail(c *fiber.Ctx, err error) error {
	status := statusFor(err)
	if status >= fiber.StatusInternalServerError {
		h.Log.Error().Err(err).Str("path", c.Path()).Int("status", status).Msg("request failed")
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}

// statusFor keeps "agent did not answer" (504) apart from "agent said no"
// (500).
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrDeviceNotFound),
		errors.Is(err, service.ErrAgentNotFound),
		errors.Is(err, repository.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, service.ErrInvalidInput):
		return fiber.StatusBadRequest
	case errors.Is(err, service.ErrSlotTaken):
		return fiber.StatusConflict
	case errors.Is(err, service.ErrAgentTimeout):
		return fiber.StatusGatewayTimeout
	case errors.Is(err, service.ErrBusUnavailable):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}
