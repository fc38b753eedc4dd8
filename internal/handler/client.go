package handler

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"wabridge/internal/model"
	"wabridge/internal/service"
)

// ClientHandler is the thin request/response mapping over the orchestrator.
type ClientHandler struct {
	Orchestrator *service.Orchestrator
	Store        service.ClientStore
	Registry     *service.Registry
}

// GET /client/create?clientId=...&webHook=...
// Blocks until the client reaches QR or open.
func (h *ClientHandler) CreateClient(c echo.Context) error {
	ctx := c.Request().Context()

	clientID := c.QueryParam("clientId")
	if clientID == "" {
		var err error
		clientID, err = h.Orchestrator.NextClientID(ctx)
		if err != nil {
			return ErrorResponse(c, http.StatusInternalServerError, "Failed to assign client id", "CREATE_FAILED", err.Error())
		}
	}

	record, err := h.Orchestrator.FindClient(ctx, clientID, true)
	if err != nil {
		return ErrorResponse(c, http.StatusInternalServerError, "Failed to create client", "CREATE_FAILED", err.Error())
	}
	if record == nil {
		return ErrorResponse(c, http.StatusNotFound, "Client could not be initialized", "CLIENT_NOT_FOUND", "")
	}

	if webHook := c.QueryParam("webHook"); webHook != "" {
		if err := h.Store.SetWebHook(ctx, record.ClientID, webHook); err != nil {
			return ErrorResponse(c, http.StatusInternalServerError, "Failed to set webhook", "WEBHOOK_UPDATE_FAILED", err.Error())
		}
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"clientId": record.ClientID,
	})
}

// GET /client/:clientId
func (h *ClientHandler) GetClient(c echo.Context) error {
	record, err := h.Store.Get(c.Request().Context(), c.Param("clientId"))
	if errors.Is(err, model.ErrClientNotFound) {
		return ErrorResponse(c, http.StatusNotFound, "Client not found", "CLIENT_NOT_FOUND", "")
	}
	if err != nil {
		return ErrorResponse(c, http.StatusInternalServerError, "Failed to load client", "LOOKUP_FAILED", err.Error())
	}

	var qr interface{}
	if record.QRCode.Valid {
		qr = record.QRCode.String
	}
	var webHook interface{}
	if record.WebHook.Valid {
		webHook = record.WebHook.String
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"clientId": record.ClientID,
		"ready":    record.Ready,
		"qr":       qr,
		"webHook":  webHook,
	})
}

// GET /client/:clientId/qrCode
// Serves the stored QR challenge as an inline image, starting the client
// first when it does not exist yet.
func (h *ClientHandler) GetQRCode(c echo.Context) error {
	ctx := c.Request().Context()
	clientID := c.Param("clientId")

	record, err := h.Store.Get(ctx, clientID)
	if errors.Is(err, model.ErrClientNotFound) {
		record, err = h.Orchestrator.FindClient(ctx, clientID, true)
		if err == nil && record == nil {
			err = model.ErrClientNotFound
		}
	}
	if errors.Is(err, model.ErrClientNotFound) {
		return ErrorResponse(c, http.StatusNotFound, "Client not found", "CLIENT_NOT_FOUND", "")
	}
	if err != nil {
		return ErrorResponse(c, http.StatusInternalServerError, "Failed to load client", "LOOKUP_FAILED", err.Error())
	}

	if !record.QRCode.Valid || record.QRCode.String == "" {
		return c.String(http.StatusOK, "Wait a few seconds and try again: Loading...")
	}

	return c.HTML(http.StatusOK, fmt.Sprintf(`<img src=%q alt="QR Code"/>`, record.QRCode.String))
}

type sendMessageRequest struct {
	Message string `json:"message"`
}

// POST /client/:clientId/chat/:chatId/send
func (h *ClientHandler) SendChatMessage(c echo.Context) error {
	ctx := c.Request().Context()
	clientID := c.Param("clientId")

	var req sendMessageRequest
	if err := c.Bind(&req); err != nil {
		return ErrorResponse(c, http.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	if req.Message == "" {
		return ErrorResponse(c, http.StatusBadRequest, "Field 'message' is required", "VALIDATION_ERROR", "")
	}

	if _, err := h.Store.Get(ctx, clientID); errors.Is(err, model.ErrClientNotFound) {
		return ErrorResponse(c, http.StatusNotFound, "Client not found", "CLIENT_NOT_FOUND", "")
	} else if err != nil {
		return ErrorResponse(c, http.StatusInternalServerError, "Failed to load client", "LOOKUP_FAILED", err.Error())
	}

	session := h.Registry.Get(clientID)
	if session == nil {
		return ErrorResponse(c, http.StatusNotFound, "Session not found", "SESSION_NOT_FOUND", "Please pair first")
	}

	if err := session.SendMessage(ctx, c.Param("chatId"), req.Message); err != nil {
		if errors.Is(err, service.ErrNotConnected) {
			return ErrorResponse(c, http.StatusBadRequest, "Session is not connected", "NOT_CONNECTED", "Scan the QR code first")
		}
		return ErrorResponse(c, http.StatusInternalServerError, "Failed to send message", "SEND_FAILED", err.Error())
	}

	return SuccessResponse(c, http.StatusOK, "Message sent", map[string]interface{}{
		"clientId": clientID,
		"chatId":   c.Param("chatId"),
	})
}

// DELETE /client/:clientId
func (h *ClientHandler) DeleteClient(c echo.Context) error {
	ctx := c.Request().Context()
	clientID := c.Param("clientId")

	if _, err := h.Store.Get(ctx, clientID); errors.Is(err, model.ErrClientNotFound) {
		return ErrorResponse(c, http.StatusNotFound, "Client not found", "CLIENT_NOT_FOUND", "")
	} else if err != nil {
		return ErrorResponse(c, http.StatusInternalServerError, "Failed to load client", "LOOKUP_FAILED", err.Error())
	}

	if err := h.Orchestrator.RemoveClient(ctx, clientID); err != nil {
		return ErrorResponse(c, http.StatusInternalServerError, "Failed to remove client", "REMOVE_FAILED", err.Error())
	}

	return SuccessResponse(c, http.StatusOK, "Client removed", map[string]interface{}{
		"clientId": clientID,
	})
}
