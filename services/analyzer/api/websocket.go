// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/analyzerhub/services/analyzer/events"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsQueueSize  = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     checkOrigin,
}

// checkOrigin admits clients that send no Origin (editors, CLIs), pages
// served from a loopback host, and pages from the API's own host. Any
// other web page is refused so it cannot read workspace diagnostics.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// HandleEvents handles GET /v1/analyzers/events as a WebSocket.
//
// Description:
//
//	Streams events as JSON text frames. Events still in the emitter's
//	history with Seq greater than ?since= are replayed first. ?types= takes
//	a comma separated list of event types; ?source= restricts to one
//	analyzer. A client that cannot keep up loses events; gaps are visible
//	through Seq and SourceSeq.
func (h *Handlers) HandleEvents(c *gin.Context) {
	logger := h.requestLogger(c, "HandleEvents")
	if h.events == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "event stream disabled", Code: CodeInvalidRequest})
		return
	}

	var since uint64
	if s := c.Query("since"); s != "" {
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			badRequest(c, logger, err)
			return
		}
		since = v
	}
	var types []events.Type
	for _, t := range strings.Split(c.Query("types"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, events.Type(t))
		}
	}
	source := c.Query("source")

	queue := make(chan events.Event, wsQueueSize)
	match := func(e *events.Event) bool {
		if source != "" && e.Source != source {
			return false
		}
		if len(types) == 0 {
			return true
		}
		for _, t := range types {
			if e.Type == t {
				return true
			}
		}
		return false
	}

	// Subscribe before the upgrade and the history read so nothing falls in
	// between; duplicates are skipped by Seq below.
	subID := h.events.SubscribeWithFilter(func(e *events.Event) {
		select {
		case queue <- *e:
		default:
		}
	}, match, types...)
	defer h.events.Unsubscribe(subID)

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("failed to upgrade the websocket", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	logger.Info("event stream connected", slog.String("subscription", subID))

	var last uint64
	if since > 0 {
		for _, e := range h.events.Since(since) {
			e := e
			if !match(&e) {
				continue
			}
			if err := writeEvent(ws, e); err != nil {
				return
			}
			last = e.Seq
		}
	}

	closed := make(chan struct{})
	go readPump(ws, closed)

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			logger.Info("event stream disconnected")
			return
		case <-c.Request.Context().Done():
			return
		case e := <-queue:
			if e.Seq <= last {
				continue
			}
			if err := writeEvent(ws, e); err != nil {
				logger.Debug("event write failed", slog.String("error", err.Error()))
				return
			}
			last = e.Seq
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeEvent(ws *websocket.Conn, e events.Event) error {
	_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return ws.WriteJSON(e)
}

// readPump discards client frames and closes done when the peer goes away.
func readPump(ws *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	ws.SetReadLimit(4096)
	_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}
