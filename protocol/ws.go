package protocol

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/gitter-badger/amelisa/utils"
)

// WsHandler is an http.Handler that upgrades requests to websocket and
// pumps each connection into a fresh endpoint, the same contract the TCP
// transport uses. One websocket binary message carries a whole batch of
// TLV records.
type WsHandler struct {
	log       utils.Logger
	onInstall InstallCallback
	onDestroy DestroyCallback
	upgrader  websocket.Upgrader
}

func NewWsHandler(log utils.Logger, install InstallCallback, destroy DestroyCallback) *WsHandler {
	return &WsHandler{
		log:       log,
		onInstall: install,
		onDestroy: destroy,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  TypicalMTU,
			WriteBufferSize: TypicalMTU,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (h *WsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("ws: upgrade failed", "remoteAddr", r.RemoteAddr, "err", err)
		return
	}

	name := "ws:" + uuid.New().String() + ":" + r.RemoteAddr
	h.log.Info("ws: accepted connection", "name", name)

	inout := h.onInstall(name)
	if err := wsPump(r.Context(), conn, inout); err != nil {
		h.log.Info("ws: connection closed", "name", name, "err", err)
	}
	h.onDestroy(name)
}

// WsConnect dials a websocket endpoint and pumps the connection until it
// fails or the context ends.
func WsConnect(ctx context.Context, url string, inout FeedDrainCloser) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	return wsPump(ctx, conn, inout)
}

func wsPump(ctx context.Context, conn *websocket.Conn, inout FeedDrainCloser) error {
	var failed atomic.Bool

	writeErrCh := make(chan error, 1)
	go func() {
		for !failed.Load() {
			recs, err := inout.Feed(ctx)
			if err != nil {
				writeErrCh <- err
				return
			}
			if len(recs) == 0 {
				continue
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, Join(recs...)); err != nil {
				writeErrCh <- err
				return
			}
		}
		writeErrCh <- nil
	}()

	var rerr error
	var buf bytes.Buffer
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			rerr = err
			break
		}
		buf.Write(data)
		recs, err := Split(&buf)
		if err != nil && !errors.Is(err, ErrIncomplete) {
			rerr = err
			break
		}
		if len(recs) == 0 {
			continue
		}
		if err := inout.Drain(ctx, recs); err != nil {
			rerr = err
			break
		}
	}

	failed.Store(true)
	_ = conn.Close()
	_ = inout.Close()
	werr := <-writeErrCh

	if rerr != nil {
		return rerr
	}
	return werr
}
