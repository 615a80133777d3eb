package amelisa

import (
	"context"
	"net/http"

	"github.com/gitter-badger/amelisa/protocol"
	"github.com/gitter-badger/amelisa/utils"
)

// Listen serves the store over TCP (or TLS with a "tls://" address and a
// config on the returned Net). Each accepted connection becomes one
// channel with its own session.
func (s *Store) Listen(ctx context.Context, addr string) (*protocol.Net, error) {
	n := protocol.NewNet(s.log, nil, s.installChannel, func(string) {})
	if err := n.Listen(ctx, addr); err != nil {
		return nil, err
	}
	return n, nil
}

// WsHandler serves the store over websocket; mount it on an http server.
func (s *Store) WsHandler() http.Handler {
	return protocol.NewWsHandler(s.log, s.installChannel, func(string) {})
}

func (s *Store) installChannel(name string) protocol.FeedDrainCloser {
	channel := NewRecordChannel(s.log)
	s.OnChannel(channel)
	s.log.Info("store: channel installed", "name", name)
	return channel
}

// DialModel connects a model to a server address. The transport redials
// with backoff; every new connection attaches a fresh channel, and the
// open handshake plus bulk sync restore the model's state on it. Close
// the returned Net to stop reconnecting.
func DialModel(ctx context.Context, log utils.Logger, addr string, opts ModelOptions) (*Model, *protocol.Net, error) {
	var model *Model

	install := func(string) protocol.FeedDrainCloser {
		channel := NewRecordChannel(log)
		model.Attach(channel)
		channel.Open()
		return channel
	}
	n := protocol.NewNet(log, nil, install, func(string) {})

	// The model starts on a placeholder pipe end so it is usable (offline)
	// before the first connection lands.
	model = NewModel(NewRecordChannel(log), opts)

	if err := n.Connect(ctx, addr); err != nil {
		return nil, nil, err
	}
	return model, n, nil
}

// DialModelWs connects a model over websocket, one-shot (no redial).
func DialModelWs(ctx context.Context, log utils.Logger, url string, opts ModelOptions) (*Model, error) {
	channel := NewRecordChannel(log)
	model := NewModel(channel, opts)

	errCh := make(chan error, 1)
	go func() { errCh <- protocol.WsConnect(ctx, url, channel) }()
	channel.Open()

	select {
	case err := <-errCh:
		return nil, err
	default:
	}
	return model, nil
}
