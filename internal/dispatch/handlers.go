package dispatch

import (
	"context"
	"errors"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/Tyrowin/nexus-relay/internal/chat"
	"github.com/Tyrowin/nexus-relay/internal/protocol"
	"github.com/Tyrowin/nexus-relay/internal/registry"
	"github.com/Tyrowin/nexus-relay/internal/signaling"
)

// Prefix of message ids handed out when persistence failed.
const placeholderPrefix = "tmp-"

const pushPreviewLen = 100

func (d *Dispatcher) handleAuth(c *registry.Conn, f *protocol.Frame) error {
	if c.Authenticated() {
		d.authError(c, "connection is already authenticated")
		return nil
	}

	ctx, cancel := d.presenceCtx()
	defer cancel()
	if err := d.verifier.Verify(ctx, f.UserID, f.Token); err != nil {
		d.logger.Info("auth rejected", "conn", c.ID(), "user", f.UserID, "error", err)
		d.authError(c, err.Error())
		return nil
	}
	first, err := d.reg.Authenticate(c, f.UserID)
	if err != nil {
		d.authError(c, err.Error())
		return nil
	}
	if err := d.reg.SetMetadata(c, f.Metadata); err != nil {
		d.logger.Warn("connection metadata not kept", "conn", c.ID(), "error", err)
	}

	if err := d.presence.MarkOnline(ctx, f.UserID, c.ID(), f.Metadata); err != nil {
		d.logger.Warn("presence mark online failed", "conn", c.ID(), "user", f.UserID, "error", err)
	}
	if d.heartbeats != nil {
		if err := d.heartbeats.Attach(c); err != nil {
			d.logger.Warn("heartbeat not started", "conn", c.ID(), "error", err)
		}
	}

	d.fan.Send(c, protocol.NewEvent(protocol.TypeAuthSuccess, protocol.AuthSuccess{UserID: f.UserID, ConnectionID: c.ID()}))
	d.logger.Info("connection authenticated", "conn", c.ID(), "user", f.UserID, "first", first)
	if first {
		d.broadcastStatus(f.UserID, protocol.StatusOnline, c, nil)
	}
	return nil
}

func (d *Dispatcher) authError(c *registry.Conn, msg string) {
	d.fan.Send(c, protocol.NewEvent(protocol.TypeAuthError, protocol.Errorf(protocol.CodeForbidden, protocol.TypeAuth, "%s", msg)))
}

func (d *Dispatcher) handlePing(c *registry.Conn, _ *protocol.Frame) error {
	d.fan.Send(c, protocol.NewEvent(protocol.TypePong, protocol.Pong{ServerTime: d.now()}))
	return nil
}

func (d *Dispatcher) handleHeartbeat(c *registry.Conn, _ *protocol.Frame) error {
	d.fan.Send(c, protocol.NewEvent(protocol.TypeHeartbeatAck, protocol.Heartbeat{ServerTime: d.now()}))
	return nil
}

func resolutionError(err error, requestType string) *protocol.Error {
	return protocol.Errorf(protocol.CodeResolutionFailed, requestType, "%v", err)
}

func (d *Dispatcher) handleJoinChat(c *registry.Conn, f *protocol.Frame) error {
	userID, candidate, peer := f.UserID, f.ChatID, f.PeerUserID
	d.async.Go(func(ctx context.Context) func() {
		chatID, err := d.resolver.Resolve(ctx, candidate, userID, peer)
		return func() {
			if !d.reg.Contains(c) {
				return
			}
			if err != nil {
				d.fail(c, resolutionError(err, protocol.TypeJoinChat))
				return
			}
			d.joinRoom(c, userID, chatID)
		}
	})
	return nil
}

func (d *Dispatcher) joinRoom(c *registry.Conn, userID, chatID protocol.ID) {
	join, err := d.reg.JoinRoom(c, chatID)
	if err != nil {
		d.fail(c, protocol.AsError(err, protocol.TypeJoinChat))
		return
	}
	if join.HadLeft {
		d.fan.Emit(join.Left, protocol.NewEvent(protocol.TypeUserLeftChat, protocol.RoomMember{ChatID: join.Left, UserID: userID}), nil)
	}

	users := d.reg.UsersInRoom(chatID)
	d.fan.Send(c, protocol.NewEvent(protocol.TypeJoinedChat, protocol.JoinedChat{
		ChatID:      chatID,
		OnlineCount: len(users),
		OnlineUsers: users,
	}))
	if join.Joined {
		d.fan.Emit(chatID, protocol.NewEvent(protocol.TypeUserJoinedChat, protocol.RoomMember{ChatID: chatID, UserID: userID}), c)
	}
}

func (d *Dispatcher) handleChatMessage(c *registry.Conn, f *protocol.Frame) error {
	userID, candidate, peer := f.UserID, f.ChatID, f.PeerUserID
	content, clientID := f.Contenido, f.ClientMessageID
	kind := f.MessageType
	if kind == "" {
		kind = chat.KindText
	}
	var fileID *protocol.ID
	if !f.FileID.IsZero() {
		id := f.FileID
		fileID = &id
	}

	d.async.Go(func(ctx context.Context) func() {
		chatID, err := d.resolver.Resolve(ctx, candidate, userID, peer)
		if err != nil {
			return func() {
				if d.reg.Contains(c) {
					d.fail(c, resolutionError(err, protocol.TypeChatMessage))
				}
			}
		}
		stored, sendErr := d.store.SendMessage(ctx, chat.NewMessage{
			ChatID:  chatID,
			UserID:  userID,
			Content: content,
			Kind:    kind,
			FileID:  fileID,
		})
		members, membersErr := d.store.ChatMembers(ctx, chatID)
		if membersErr != nil {
			d.logger.Debug("chat members unavailable", "chat", chatID, "error", membersErr)
		}

		return func() {
			msg := protocol.ChatMessage{
				ChatID:          chatID,
				UserID:          userID,
				Contenido:       content,
				MessageType:     kind,
				ClientMessageID: clientID,
			}
			if fileID != nil {
				msg.FileID = *fileID
			}
			if sendErr != nil {
				d.logger.Warn("message not persisted", "chat", chatID, "user", userID, "error", sendErr)
				msg.MessageID = placeholderPrefix + uuid.NewString()
				msg.CreatedAt = d.now()
			} else {
				msg.MessageID = stored.ID.String()
				msg.CreatedAt = stored.CreatedAt
				msg.Persisted = true
			}
			d.deliverMessage(c, msg, members)
		}
	})
	return nil
}

// deliverMessage fans the message out to the room, echoes it to a sender
// outside the room, acks the sender and pushes to members with no live
// connection.
func (d *Dispatcher) deliverMessage(c *registry.Conn, msg protocol.ChatMessage, members []protocol.ID) {
	ev := protocol.NewEvent(protocol.TypeChatMessage, msg)
	delivered := d.fan.Emit(msg.ChatID, ev, nil)

	if d.reg.Contains(c) {
		if room, in := c.Room(); !in || room != msg.ChatID {
			d.fan.Send(c, ev)
		}
		d.fan.Send(c, protocol.NewEvent(protocol.TypeMessageAck, protocol.MessageAck{
			ChatID:          msg.ChatID,
			MessageID:       msg.MessageID,
			ClientMessageID: msg.ClientMessageID,
			Persisted:       msg.Persisted,
			Delivered:       delivered,
		}))
	}

	if d.push == nil {
		return
	}
	for _, member := range members {
		if member == msg.UserID || len(d.reg.ConnectionsForUser(member)) > 0 {
			continue
		}
		data := map[string]any{
			"type":       protocol.TypeChatMessage,
			"chat_id":    msg.ChatID,
			"message_id": msg.MessageID,
			"from":       msg.UserID,
		}
		ctx, cancel := d.presenceCtx()
		if err := d.push.Notify(ctx, member, preview(msg.Contenido), data); err != nil {
			d.logger.Warn("message push failed", "chat", msg.ChatID, "user", member, "error", err)
		}
		cancel()
	}
}

func preview(s string) string {
	if utf8.RuneCountInString(s) <= pushPreviewLen {
		return s
	}
	runes := []rune(s)
	return string(runes[:pushPreviewLen]) + "…"
}

func (d *Dispatcher) handleFileEvent(c *registry.Conn, f *protocol.Frame) error {
	kind := chat.KindFile
	if f.Type == protocol.TypeImageUpload {
		kind = chat.KindImage
	}
	eventType, userID, candidate, peer := f.Type, f.UserID, f.ChatID, f.PeerUserID
	body := protocol.FileEvent{
		UserID:   f.UserID,
		FileID:   f.FileID,
		FileName: f.FileName,
		FileURL:  f.FileURL,
		MimeType: f.MimeType,
		FileSize: f.FileSize,
	}
	content := f.FileName
	if content == "" {
		content = f.FileURL
	}

	d.async.Go(func(ctx context.Context) func() {
		chatID, err := d.resolver.Resolve(ctx, candidate, userID, peer)
		if err == nil {
			fileID := body.FileID
			_, sendErr := d.store.SendMessage(ctx, chat.NewMessage{ChatID: chatID, UserID: userID, Content: content, Kind: kind, FileID: &fileID})
			if sendErr != nil {
				d.logger.Warn("file message not persisted", "chat", chatID, "user", userID, "error", sendErr)
			}
		}
		return func() {
			if err != nil {
				if d.reg.Contains(c) {
					d.fail(c, resolutionError(err, eventType))
				}
				return
			}
			body.ChatID = chatID
			d.fan.Emit(chatID, protocol.NewEvent(eventType, body), c)
		}
	})
	return nil
}

func (d *Dispatcher) handleMarkAsRead(c *registry.Conn, f *protocol.Frame) error {
	userID, candidate, peer := f.UserID, f.ChatID, f.PeerUserID
	d.async.Go(func(ctx context.Context) func() {
		chatID, err := d.resolver.Resolve(ctx, candidate, userID, peer)
		if err != nil {
			return func() {
				if d.reg.Contains(c) {
					d.fail(c, resolutionError(err, protocol.TypeMarkAsRead))
				}
			}
		}
		count, markErr := d.store.MarkMessagesAsRead(ctx, chatID, userID)
		members, membersErr := d.store.ChatMembers(ctx, chatID)
		if membersErr != nil {
			d.logger.Warn("chat members unavailable, read receipt limited to the room", "chat", chatID, "error", membersErr)
		}
		return func() {
			if markErr != nil {
				d.logger.Warn("mark as read failed", "chat", chatID, "user", userID, "error", markErr)
				if d.reg.Contains(c) {
					d.fail(c, protocol.Errorf(protocol.CodeInternal, protocol.TypeMarkAsRead, "could not mark messages as read"))
				}
				return
			}
			ev := protocol.NewEvent(protocol.TypeMessagesRead, protocol.ReadReceipt{ChatID: chatID, UserID: userID, Count: count})
			targets := d.reg.ConnectionsInRoom(chatID)
			for _, member := range members {
				if member != userID {
					targets = append(targets, d.reg.ConnectionsForUser(member)...)
				}
			}
			d.fan.EmitTo(uniqueConns(targets), ev, c)
			if d.reg.Contains(c) {
				d.fan.Send(c, ev)
			}
		}
	})
	return nil
}

func (d *Dispatcher) handleGetOnlineUsers(c *registry.Conn, f *protocol.Frame) error {
	limit := f.Limit
	if limit <= 0 {
		limit = d.cfg.DefaultOnlineLimit
	}
	if limit > d.cfg.MaxOnlineLimit {
		limit = d.cfg.MaxOnlineLimit
	}

	ctx, cancel := d.presenceCtx()
	defer cancel()
	records, err := d.presence.ListOnline(ctx, limit)
	if err != nil {
		d.logger.Warn("list online users failed", "error", err)
		return protocol.Errorf(protocol.CodeInternal, f.Type, "presence unavailable")
	}

	users := make([]protocol.PresenceEntry, 0, len(records))
	for i := range records {
		lastActive := records[i].LastActive
		users = append(users, protocol.PresenceEntry{
			UserID:     records[i].UserID,
			Status:     protocol.StatusOnline,
			LastActive: &lastActive,
			Devices:    len(records[i].ConnectionIDs),
			Metadata:   records[i].Metadata,
		})
	}
	d.fan.Send(c, protocol.NewEvent(protocol.TypeOnlineUsers, protocol.OnlineUsers{Count: len(users), Users: users}))
	return nil
}

func (d *Dispatcher) handleGetUserStatus(c *registry.Conn, f *protocol.Frame) error {
	ids := make([]protocol.ID, 0, len(f.UserIDs)+1)
	seen := make(map[protocol.ID]struct{}, cap(ids))
	for _, id := range append([]protocol.ID{f.UserID}, f.UserIDs...) {
		if id.IsZero() {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) > d.cfg.MaxStatusLookups {
		ids = ids[:d.cfg.MaxStatusLookups]
	}

	ctx, cancel := d.presenceCtx()
	defer cancel()
	statuses := make([]protocol.PresenceEntry, 0, len(ids))
	for _, id := range ids {
		st, err := d.presence.StatusOf(ctx, id)
		if err != nil {
			d.logger.Warn("status lookup failed", "user", id, "error", err)
			return protocol.Errorf(protocol.CodeInternal, f.Type, "presence unavailable")
		}
		statuses = append(statuses, st.Entry())
	}
	d.fan.Send(c, protocol.NewEvent(protocol.TypeUserStatus, protocol.UserStatus{Statuses: statuses}))
	return nil
}

func (d *Dispatcher) handleSignal(c *registry.Conn, f *protocol.Frame) error {
	userID, _ := c.UserID()
	if !f.From.IsZero() && f.From != userID {
		return protocol.Errorf(protocol.CodeForbidden, f.Type, "from does not match the authenticated user")
	}
	if f.To == userID {
		return protocol.Errorf(protocol.CodeForbidden, f.Type, "cannot signal yourself")
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.PresenceTimeout)
	defer cancel()
	_, err := d.relay.Relay(ctx, c, signaling.Signal{
		Kind:      f.Type,
		SessionID: f.SessionID,
		From:      userID,
		To:        f.To,
		ChatID:    f.ChatID,
		CallType:  f.CallType,
		Reason:    f.Reason,
		Payload:   f.Payload,
	})
	if errors.Is(err, signaling.ErrInvalidPayload) {
		return protocol.Errorf(protocol.CodeInvalidPayload, f.Type, "%v", err)
	}
	return err
}
