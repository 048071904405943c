package httpserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	domain "github.com/bryanwahyu/automaton-compliance/internal/domain/scans"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 90 * time.Second
	wsPingPeriod = 30 * time.Second
)

// GET /v1/{tenant}/stream/{id}
//
// Server-sent events. Broadcast events carry their log sequence as the SSE id,
// so a client reconnecting with Last-Event-ID gets the missed ones replayed.
// Scans driven by another process are followed by re-reading the store every
// PollInterval.
func (r *Router) handlePollStream(w http.ResponseWriter, req *http.Request) error {
	id, err := scanIDParam(req, "id")
	if err != nil {
		return err
	}
	tenant := chi.URLParam(req, "tenant")
	var lastSeq uint64
	resume := req.Header.Get("Last-Event-ID")
	if resume != "" {
		if lastSeq, err = strconv.ParseUint(resume, 10, 64); err != nil {
			return domain.Validationf("Last-Event-ID must be an event sequence number")
		}
	}

	// subscribe first so nothing published after the read below is missed
	sub := r.rt.Subscribe(id)
	defer r.rt.Unsubscribe(sub)

	scan, err := r.scansSvc.GetScan(req.Context(), tenant, id)
	if err != nil {
		return err
	}

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	log := r.log.WithField("scan_id", id)
	last := -1
	// emit reports whether the stream is finished; seq 0 means a store read
	emit := func(v statusView, seq uint64) bool {
		name := ""
		switch {
		case v.Status == domain.StatusCompleted:
			name = "complete"
		case v.Status.Terminal():
			name = "error"
		case v.Progress > last:
			name = "progress"
			last = v.Progress
		default:
			return false
		}
		b, _ := json.Marshal(v)
		var buf bytes.Buffer
		if seq > 0 {
			fmt.Fprintf(&buf, "id: %d\n", seq)
		}
		fmt.Fprintf(&buf, "event: %s\ndata: %s\n\n", name, b)
		if _, err := w.Write(buf.Bytes()); err != nil {
			return true
		}
		if err := rc.Flush(); err != nil {
			return true
		}
		return v.Status.Terminal()
	}
	live := func(ev domain.Event) bool {
		if ev.Seq <= lastSeq {
			// already sent from the log
			return false
		}
		lastSeq = ev.Seq
		return emit(viewOfEvent(ev), ev.Seq)
	}
	replay := func() bool {
		for _, ev := range r.rt.Events(id, lastSeq) {
			if live(ev) {
				return true
			}
		}
		return false
	}

	if resume != "" && replay() {
		return nil
	}
	if emit(viewOf(scan), 0) {
		return nil
	}

	events := sub.C
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				// dropped as a slow subscriber, the log and polling carry on
				log.Debug("poll stream subscriber dropped, following the event log")
				events = nil
				if replay() {
					return nil
				}
				continue
			}
			if live(ev) {
				return nil
			}
		case <-ticker.C:
			if events == nil && replay() {
				return nil
			}
			s, err := r.scansSvc.GetScan(req.Context(), tenant, id)
			if err != nil {
				log.WithError(err).Warn("poll stream re-read failed")
				return nil
			}
			if emit(viewOf(s), 0) {
				return nil
			}
		}
	}
}

// GET /v1/{tenant}/ws/{id}
//
// Websocket push-stream: one snapshot, then every published event verbatim.
func (r *Router) handlePushStream(w http.ResponseWriter, req *http.Request) error {
	id, err := scanIDParam(req, "id")
	if err != nil {
		return err
	}

	sub := r.rt.Subscribe(id)
	defer r.rt.Unsubscribe(sub)

	scan, err := r.scansSvc.GetScan(req.Context(), chi.URLParam(req, "tenant"), id)
	if err != nil {
		return err
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		// upgrader already answered
		r.log.WithError(err).Debug("websocket upgrade failed")
		return nil
	}
	log := r.log.WithField("scan_id", id)

	send := func(v any) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(v)
	}
	closeWith := func(code int, reason string) {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
	}

	readerDone := make(chan struct{})
	pings := make(chan struct{}, 1)
	defer func() {
		_ = conn.Close()
		<-readerDone
	}()

	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(readerDone)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
			if isPing(msg) {
				select {
				case pings <- struct{}{}:
				default:
				}
			}
		}
	}()

	if err := send(domain.NewEvent(domain.EventSnapshot, scan, time.Now().UTC())); err != nil {
		return nil
	}
	if scan.Status.Terminal() {
		closeWith(websocket.CloseNormalClosure, "scan finished")
		return nil
	}

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-readerDone:
			return nil
		case ev, ok := <-sub.C:
			if !ok {
				log.Debug("push stream subscriber dropped")
				closeWith(websocket.CloseTryAgainLater, "subscriber too slow")
				return nil
			}
			if err := send(ev); err != nil {
				return nil
			}
			if ev.Terminal() {
				closeWith(websocket.CloseNormalClosure, "scan finished")
				return nil
			}
		case <-pings:
			if err := send(map[string]string{"event": "pong"}); err != nil {
				return nil
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return nil
			}
		}
	}
}

// isPing accepts "ping" or a JSON message whose event/type is "ping".
func isPing(msg []byte) bool {
	msg = bytes.TrimSpace(msg)
	if string(msg) == "ping" {
		return true
	}
	var m struct {
		Event string `json:"event"`
		Type  string `json:"type"`
	}
	if json.Unmarshal(msg, &m) != nil {
		return false
	}
	return m.Event == "ping" || m.Type == "ping"
}
