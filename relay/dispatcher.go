package relay

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/cyberinferno/chatrelay/frame"
	"github.com/cyberinferno/chatrelay/logger"
	"github.com/cyberinferno/chatrelay/presence"
)

const (
	serverName      = "Server"
	lastSeenTimeout = 500 * time.Millisecond
)

// FormatChat renders a chat line as every peer sees it.
func FormatChat(nickname, text string) string {
	return "[" + nickname + "]: " + text
}

// FormatPrivate renders a private message as its recipient sees it.
func FormatPrivate(sender, text string) string {
	return "From [" + sender + "]: " + text
}

// FormatServerNotice renders a message originated by the relay itself.
func FormatServerNotice(text string) string {
	return FormatChat(serverName, text)
}

// FormatOffline renders the notice sent back when a private message targets
// a nickname that is not registered.
func FormatOffline(target string) string {
	return "User '" + target + "' is not currently online!"
}

// ParsePrivate splits a private message payload into its leading target
// nickname and the text after the first whitespace character following it.
// Leading whitespace before the target is ignored.
func ParsePrivate(payload string) (target, text string) {
	payload = strings.TrimLeftFunc(payload, unicode.IsSpace)
	i := strings.IndexFunc(payload, unicode.IsSpace)
	if i < 0 {
		return payload, ""
	}

	_, width := utf8.DecodeRuneInString(payload[i:])
	return payload[:i], payload[i+width:]
}

// Dispatcher executes the action for each frame received from a registered
// session. It holds no per-frame state.
type Dispatcher struct {
	registry *Registry
	delivery *Delivery
	presence presence.Tracker
	log      logger.Logger
	now      func() time.Time
}

// NewDispatcher creates a Dispatcher.
//
// Parameters:
//   - registry: Used to resolve private message targets
//   - delivery: Used for broadcast and unicast
//   - tracker: Departure records for offline notices; may be nil
//   - log: Logger; nil discards logs
func NewDispatcher(registry *Registry, delivery *Delivery, tracker presence.Tracker, log logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &Dispatcher{
		registry: registry,
		delivery: delivery,
		presence: tracker,
		log:      log,
		now:      time.Now,
	}
}

// Dispatch handles one frame from a registered session.
//
//   - Nickname: ignored, registration happens once at accept time
//   - Ping: ignored, keepalive only flows from the relay to peers
//   - Message: broadcast "[sender]: text" to every other session
//   - Private: unicast "From [sender]: text" to the target, or an offline
//     notice back to the sender
func (d *Dispatcher) Dispatch(ctx context.Context, from *Session, f frame.Frame) {
	switch f.Tag {
	case frame.TagMessage:
		d.chat(from, f.Payload)
	case frame.TagPrivate:
		d.private(ctx, from, f.Payload)
	case frame.TagNickname, frame.TagPing:
		d.log.Debug("frame ignored",
			logger.Field{Key: "nickname", Value: from.Nickname()},
			logger.Field{Key: "tag", Value: f.Tag.Name()})
	}
}

func (d *Dispatcher) chat(from *Session, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}

	out, err := frame.Encode(frame.TagMessage, FormatChat(from.Nickname(), text))
	if err != nil {
		d.log.Warn("chat message not encodable", logger.Field{Key: "error", Value: err.Error()})
		return
	}

	n := d.delivery.Broadcast(from.Nickname(), out)
	d.log.Debug("chat message relayed",
		logger.Field{Key: "nickname", Value: from.Nickname()},
		logger.Field{Key: "recipients", Value: n})
}

func (d *Dispatcher) private(ctx context.Context, from *Session, payload string) {
	target, text := ParsePrivate(payload)
	if target == "" {
		d.log.Warn("private message without target", logger.Field{Key: "nickname", Value: from.Nickname()})
		return
	}

	if _, ok := d.registry.Lookup(target); !ok {
		notice, err := frame.Encode(frame.TagPrivate, d.offlineNotice(ctx, target))
		if err != nil {
			return
		}

		d.delivery.SendTo(from, notice)
		return
	}

	if text == "" {
		d.log.Warn("private message without text",
			logger.Field{Key: "nickname", Value: from.Nickname()},
			logger.Field{Key: "target", Value: target})
		return
	}

	out, err := frame.Encode(frame.TagPrivate, FormatPrivate(from.Nickname(), text))
	if err != nil {
		d.log.Warn("private message not encodable", logger.Field{Key: "error", Value: err.Error()})
		return
	}

	d.delivery.Unicast(target, out)
}

func (d *Dispatcher) offlineNotice(ctx context.Context, target string) string {
	notice := FormatOffline(target)
	if d.presence == nil {
		return notice
	}

	ctx, cancel := context.WithTimeout(ctx, lastSeenTimeout)
	defer cancel()

	rec, found, err := d.presence.LastSeen(ctx, target)
	if err != nil {
		d.log.Warn("last seen lookup failed",
			logger.Field{Key: "target", Value: target},
			logger.Field{Key: "error", Value: err.Error()})
		return notice
	}

	if !found {
		return notice
	}

	ago := d.now().Sub(rec.DepartedAt).Round(time.Second)
	if ago < 0 {
		ago = 0
	}

	return fmt.Sprintf("%s Last seen %s ago.", notice, ago)
}
