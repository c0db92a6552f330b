package app

import (
	"context"

	"github.com/softadastra/chatcore/internal/protocol"
	"github.com/softadastra/chatcore/internal/server"
)

const welcomeText = "Welcome to Softadastra Chat 👋"

// wireChat installs the chat application on the hub: welcome on open,
// join/leave with room notices, history replay, persisted messages.
func (a *App) wireChat() {
	a.server.OnOpen(a.handleOpen)
	a.server.OnTypedMessage(a.handleTyped)
	a.server.OnClose(func(sess *server.Session) {
		a.logger.Debug().Int64("session_id", sess.ID()).Msg("chat session closed")
	})
	a.server.OnError(func(sess *server.Session, err error) {
		event := a.logger.Debug().Err(err)
		if sess != nil {
			event = event.Int64("session_id", sess.ID())
		}
		event.Msg("chat session error")
	})
}

func (a *App) handleOpen(sess *server.Session) {
	payload := protocol.KV("user", "server", "text", welcomeText)

	a.append(&protocol.Envelope{
		Kind:    protocol.KindSystem,
		Type:    "chat.system",
		Payload: payload,
	})
	sess.SendText(protocol.Serialize(&protocol.Envelope{
		Type:    "chat.system",
		Payload: payload,
	}))
}

func (a *App) handleTyped(sess *server.Session, env *protocol.Envelope) {
	switch env.Type {
	case "chat.join":
		a.handleJoin(sess, env)
	case "chat.leave":
		a.handleLeave(sess, env)
	case "chat.message":
		a.handleMessage(sess, env)
	default:
		a.handleFallback(env)
	}
}

func (a *App) handleJoin(sess *server.Session, env *protocol.Envelope) {
	room := env.Payload.GetString("room")
	if room == "" {
		return
	}
	user := env.Payload.GetString("user")
	if user == "" {
		user = "anonymous"
	}

	a.server.JoinRoom(sess, room)

	history, err := a.store.ListByRoom(context.Background(), room, a.cfg.HistoryLimit, "")
	if err != nil {
		a.logger.Warn().Err(err).Str("room", room).Msg("history replay failed")
	} else {
		for _, msg := range history {
			if msg.Kind == "" {
				msg.Kind = protocol.KindHistory
			}
			sess.SendText(protocol.Serialize(msg))
		}
	}

	payload := protocol.KV("room", room, "text", user+" joined the room")
	a.append(&protocol.Envelope{
		Kind:    protocol.KindSystem,
		Type:    "chat.system",
		Room:    room,
		Payload: payload,
	})
	a.server.BroadcastRoomJSON(room, "chat.system", payload)
}

func (a *App) handleLeave(sess *server.Session, env *protocol.Envelope) {
	room := env.Payload.GetString("room")
	if room == "" {
		return
	}
	user := env.Payload.GetString("user")
	if user == "" {
		user = "anonymous"
	}

	a.server.LeaveRoom(sess, room)

	payload := protocol.KV("room", room, "text", user+" left the room")
	a.append(&protocol.Envelope{
		Kind:    protocol.KindSystem,
		Type:    "chat.system",
		Room:    room,
		Payload: payload,
	})
	a.server.BroadcastRoomJSON(room, "chat.system", payload)
}

func (a *App) handleMessage(_ *server.Session, env *protocol.Envelope) {
	room := env.Payload.GetString("room")
	text := env.Payload.GetString("text")
	if room == "" || text == "" {
		a.handleFallback(env)
		return
	}

	a.append(&protocol.Envelope{
		Kind:    protocol.KindEvent,
		Type:    env.Type,
		Room:    room,
		Payload: env.Payload,
	})
	a.server.BroadcastRoomJSON(room, env.Type, env.Payload)
}

// handleFallback persists and globally broadcasts any other type.
func (a *App) handleFallback(env *protocol.Envelope) {
	a.append(&protocol.Envelope{
		Kind:    protocol.KindEvent,
		Type:    env.Type,
		Payload: env.Payload,
	})
	a.server.BroadcastJSON(env.Type, env.Payload)
}

func (a *App) append(env *protocol.Envelope) {
	if _, err := a.store.Append(context.Background(), env); err != nil {
		a.logger.Warn().Err(err).Str("type", env.Type).Msg("store append failed")
	}
}
