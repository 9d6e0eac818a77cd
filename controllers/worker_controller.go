package controller

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"
	"mailfollow/utils"
	"mailfollow/worker"
)

// StatsSource exposes the last follow-up worker iteration.
type StatsSource interface {
	LastStats() *worker.Stats
}

type WorkerController struct {
	source StatsSource
}

func NewWorkerController(source StatsSource) *WorkerController {
	return &WorkerController{source: source}
}

// GetStats returns the last worker iteration, or 204 before the first one
func (wc *WorkerController) GetStats(c *fiber.Ctx) error {
	if wc.source == nil {
		return c.SendStatus(fiber.StatusNoContent)
	}
	stats := wc.source.LastStats()
	if stats == nil {
		return c.SendStatus(fiber.StatusNoContent)
	}
	return c.JSON(stats)
}

// WorkerHub pushes every worker iteration to connected websocket clients.
// It implements worker.StatsPublisher.
type WorkerHub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
	last    *worker.Stats
	logger  *logrus.Entry
}

func NewWorkerHub() *WorkerHub {
	return &WorkerHub{
		clients: make(map[*websocket.Conn]struct{}),
		logger:  utils.NewLogger("worker-hub"),
	}
}

// Publish broadcasts stats; clients that fail a write are dropped.
func (h *WorkerHub) Publish(stats worker.Stats) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = &stats
	for conn := range h.clients {
		if err := conn.WriteJSON(stats); err != nil {
			h.logger.WithError(err).Debug("Dropping worker stats client")
			delete(h.clients, conn)
			conn.Close()
		}
	}
}

// Clients returns the number of connected clients.
func (h *WorkerHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Upgrade rejects plain HTTP requests on the websocket route.
func (h *WorkerHub) Upgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// Handle registers the client, sends the last known stats and blocks until
// the client goes away.
func (h *WorkerHub) Handle(c *websocket.Conn) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	last := h.last
	if last != nil {
		if err := c.WriteJSON(last); err != nil {
			delete(h.clients, c)
			h.mu.Unlock()
			c.Close()
			return
		}
	}
	h.mu.Unlock()

	for {
		if _, _, err := c.ReadMessage(); err != nil {
			break
		}
	}

	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.Close()
}
