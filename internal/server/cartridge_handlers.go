package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/inventory/backend/internal/ledger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type cartridgePayload struct {
	ID          int64     `json:"id"`
	Model       string    `json:"model"`
	Description *string   `json:"description"`
	Stock       int64     `json:"stock"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type historyEntryPayload struct {
	ID             string    `json:"id"`
	CartridgeID    int64     `json:"cartridgeId"`
	CartridgeModel string    `json:"cartridgeModel"`
	Type           string    `json:"type"`
	Quantity       int64     `json:"quantity"`
	Note           *string   `json:"note"`
	PerformedBy    string    `json:"performedBy,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

type usagePayload struct {
	CartridgeID int64  `json:"cartridgeId"`
	Model       string `json:"model"`
	TotalIssued int64  `json:"totalIssued"`
	IssueCount  int64  `json:"issueCount"`
}

type stockEventPayload struct {
	CartridgeID int64     `json:"cartridgeId"`
	Model       string    `json:"model"`
	Stock       int64     `json:"stock"`
	Removed     bool      `json:"removed,omitempty"`
	Actor       string    `json:"actor,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

type receiveRequest struct {
	Model       string  `json:"model"`
	Description *string `json:"description"`
	Quantity    int64   `json:"quantity"`
}

type issueRequest struct {
	CartridgeID int64  `json:"cartridgeId"`
	Quantity    int64  `json:"quantity"`
	Note        string `json:"note"`
}

// optionalString tells an absent field apart from an explicit null.
type optionalString struct {
	Set   bool
	Value *string
}

func (o *optionalString) UnmarshalJSON(data []byte) error {
	o.Set = true
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		o.Value = nil
		return nil
	}
	var value string
	if err := json.Unmarshal(data, &value); err != nil {
		return err
	}
	o.Value = &value
	return nil
}

type updateRequest struct {
	Model       *string        `json:"model"`
	Description optionalString `json:"description"`
}

func (r updateRequest) patch() ledger.CartridgePatch {
	patch := ledger.CartridgePatch{Model: r.Model}
	if r.Description.Set {
		if r.Description.Value == nil {
			patch.ClearDescription = true
		} else {
			patch.Description = r.Description.Value
		}
	}
	return patch
}

func newCartridgePayload(cartridge ledger.Cartridge) cartridgePayload {
	return cartridgePayload{
		ID:          cartridge.ID,
		Model:       cartridge.Model,
		Description: cartridge.Description,
		Stock:       cartridge.Stock,
		CreatedAt:   cartridge.CreatedAt.UTC(),
		UpdatedAt:   cartridge.UpdatedAt.UTC(),
	}
}

func (h *httpHandler) handleListCartridges(c *gin.Context) {
	cartridges, err := h.ledgerService.List(c.Request.Context())
	if err != nil {
		h.respondError(c, "list", err)
		return
	}
	payload := make([]cartridgePayload, 0, len(cartridges))
	for _, cartridge := range cartridges {
		payload = append(payload, newCartridgePayload(cartridge))
	}
	c.JSON(http.StatusOK, payload)
}

func (h *httpHandler) handleGetCartridge(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}
	cartridge, err := h.ledgerService.Get(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, "get", err)
		return
	}
	if cartridge == nil {
		c.JSON(http.StatusOK, nil)
		return
	}
	c.JSON(http.StatusOK, newCartridgePayload(*cartridge))
}

func (h *httpHandler) handleReceive(c *gin.Context) {
	var request receiveRequest
	if !h.bindJSON(c, &request) {
		return
	}
	actor := c.GetString(userIDContextKey)
	cartridge, err := h.ledgerService.Receive(c.Request.Context(), ledger.ReceiveRequest{
		Model:          request.Model,
		Description:    request.Description,
		Quantity:       request.Quantity,
		Actor:          actor,
		IdempotencyKey: c.GetHeader(idempotencyKeyHeader),
	})
	if err != nil {
		h.respondError(c, "receive", err)
		return
	}
	h.publish(cartridge, false, actor)
	c.JSON(http.StatusCreated, newCartridgePayload(cartridge))
}

func (h *httpHandler) handleIssue(c *gin.Context) {
	var request issueRequest
	if !h.bindJSON(c, &request) {
		return
	}
	if request.CartridgeID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "cartridgeId must be a positive integer"})
		return
	}
	actor := c.GetString(userIDContextKey)
	cartridge, err := h.ledgerService.Issue(c.Request.Context(), ledger.IssueRequest{
		CartridgeID:    request.CartridgeID,
		Quantity:       request.Quantity,
		Note:           request.Note,
		Actor:          actor,
		IdempotencyKey: c.GetHeader(idempotencyKeyHeader),
	})
	if err != nil {
		h.respondError(c, "issue", err)
		return
	}
	h.publish(cartridge, false, actor)
	c.JSON(http.StatusOK, newCartridgePayload(cartridge))
}

func (h *httpHandler) handleUpdateCartridge(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}
	var request updateRequest
	if !h.bindJSON(c, &request) {
		return
	}
	cartridge, err := h.ledgerService.Update(c.Request.Context(), id, request.patch())
	if err != nil {
		h.respondError(c, "update", err)
		return
	}
	h.publish(cartridge, false, c.GetString(userIDContextKey))
	c.JSON(http.StatusOK, newCartridgePayload(cartridge))
}

func (h *httpHandler) handleDeleteCartridge(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}
	removed, err := h.ledgerService.Remove(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, "remove", err)
		return
	}
	h.publish(removed, true, c.GetString(userIDContextKey))
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleHistory(c *gin.Context) {
	entries, err := h.ledgerService.History(c.Request.Context(), ledger.HistoryFilter{
		Type: ledger.MovementType(c.Query("type")),
	})
	if err != nil {
		h.respondError(c, "history", err)
		return
	}
	payload := make([]historyEntryPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, historyEntryPayload{
			ID:             entry.ID,
			CartridgeID:    entry.CartridgeID,
			CartridgeModel: entry.CartridgeModel,
			Type:           string(entry.Type),
			Quantity:       entry.Quantity,
			Note:           entry.Note,
			PerformedBy:    entry.PerformedBy,
			CreatedAt:      entry.CreatedAt.UTC(),
		})
	}
	c.JSON(http.StatusOK, payload)
}

func (h *httpHandler) handleStatistics(c *gin.Context) {
	statistics, err := h.ledgerService.Statistics(c.Request.Context())
	if err != nil {
		h.respondError(c, "statistics", err)
		return
	}
	payload := make([]usagePayload, 0, len(statistics))
	for _, statistic := range statistics {
		payload = append(payload, usagePayload{
			CartridgeID: statistic.CartridgeID,
			Model:       statistic.Model,
			TotalIssued: statistic.TotalIssued,
			IssueCount:  statistic.IssueCount,
		})
	}
	c.JSON(http.StatusOK, payload)
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	if h.realtime == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "realtime_unavailable"})
		return
	}
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx)
	defer cleanup()
	closing := h.realtime.Done()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-closing:
			return false
		case event, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(event.EventType, stockEventPayload{
				CartridgeID: event.CartridgeID,
				Model:       event.Model,
				Stock:       event.Stock,
				Removed:     event.Removed,
				Actor:       event.Actor,
				Timestamp:   event.Timestamp.UTC(),
			})
			return true
		case tick := <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"source": realtimeSourceBackend, "timestamp": tick.UTC()})
			return true
		}
	})
}

func (h *httpHandler) publish(cartridge ledger.Cartridge, removed bool, actor string) {
	if h.realtime == nil {
		return
	}
	h.realtime.Publish(StockEvent{
		EventType:   RealtimeEventStockChanged,
		CartridgeID: cartridge.ID,
		Model:       cartridge.Model,
		Stock:       cartridge.Stock,
		Removed:     removed,
		Actor:       actor,
		Timestamp:   time.Now().UTC(),
	})
}

func (h *httpHandler) pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(c.Param("id")), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id", "message": "Cartridge id must be a positive integer"})
		return 0, false
	}
	return id, true
}

func (h *httpHandler) bindJSON(c *gin.Context, target any) bool {
	if err := c.ShouldBindJSON(target); err != nil {
		h.logger.Debug("rejected request body", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Request body is not valid JSON for this operation"})
		return false
	}
	return true
}
