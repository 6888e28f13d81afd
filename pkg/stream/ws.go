package stream

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// ServeWS upgrades the connection and relays every Hub event to the
// operator until the connection closes or the request context is
// cancelled. One goroutine per connection, mirroring the hub's
// channel-per-subscriber model.
func ServeWS(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		ch := hub.Subscribe(64)
		defer hub.Unsubscribe(ch)

		ctx := conn.CloseRead(r.Context())
		for {
			select {
			case <-ctx.Done():
				_ = conn.Close(websocket.StatusNormalClosure, "")
				return
			case evt, ok := <-ch:
				if !ok {
					_ = conn.Close(websocket.StatusNormalClosure, "")
					return
				}
				writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				err := wsjson.Write(writeCtx, conn, evt)
				cancel()
				if err != nil {
					return
				}
			}
		}
	}
}
