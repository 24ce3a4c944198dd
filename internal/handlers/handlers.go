// Package handlers exposes the signaling channel over HTTP and websocket.
// The social front end and the native agent both speak this surface; all
// negotiation semantics live in the signal store, not here.
package handlers

import (
	"log/slog"
	"time"

	"github.com/avolkov/peercall/internal/config"
	"github.com/avolkov/peercall/internal/push"
	"github.com/avolkov/peercall/internal/signal"
	"github.com/avolkov/peercall/internal/turn"

	"github.com/gorilla/websocket"
)

type Handlers struct {
	config     *config.Config
	turnServer *turn.Server
	store      *signal.Store
	hub        *WSHub
	push       *push.Notifier
	wsUpgrader websocket.Upgrader
	nowFn      func() time.Time
	logger     *slog.Logger
}

func New(
	cfg *config.Config,
	turnServer *turn.Server,
	store *signal.Store,
	hub *WSHub,
	notifier *push.Notifier,
	upgrader websocket.Upgrader,
	logger *slog.Logger,
) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		config:     cfg,
		turnServer: turnServer,
		store:      store,
		hub:        hub,
		push:       notifier,
		wsUpgrader: upgrader,
		nowFn:      time.Now,
		logger:     logger,
	}
}
