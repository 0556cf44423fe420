package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tradecore/internal/events"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsBuffer     = 128
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// websocket streams the caller's trading_{uid} channel. Superusers also
// receive the global safety channel.
func (s *Server) websocket(c *gin.Context) {
	if s.Bus == nil {
		s.unavailable(c, "event bus")
		return
	}
	uid := CurrentUserID(c)
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.Log.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	userSub := s.Bus.Subscribe(events.UserChannel(uid), wsBuffer)
	defer s.Bus.Unsubscribe(userSub)
	var safetyC <-chan events.Event
	if IsSuperuser(c) {
		safetySub := s.Bus.Subscribe(events.SafetyChannel, wsBuffer)
		defer s.Bus.Unsubscribe(safetySub)
		safetyC = safetySub.C()
	}

	// Reader: consumes pongs and notices the client going away.
	gone := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	userC := userSub.C()
	for {
		var (
			ev events.Event
			ok bool
		)
		select {
		case <-gone:
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			continue
		case ev, ok = <-userC:
		case ev, ok = <-safetyC:
		}
		if !ok {
			// Bus closed or this subscriber lagged out.
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream closed"),
				time.Now().Add(wsWriteWait))
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(ev); err != nil {
			s.Log.Debug("ws write failed", zap.String("user_id", uid), zap.Error(err))
			return
		}
	}
}
