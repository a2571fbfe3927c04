// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (bot session, quickdraw
// rounds, denylist refresh, dependency health) to subscribers (metrics,
// MQTT, the status API). The bus is nil-safe: calling Publish on a nil
// *Bus is a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceBot identifies events from the bot session.
	SourceBot = "bot"
	// SourceModeration identifies events from the outbound filter.
	SourceModeration = "moderation"
	// SourceDenylist identifies events from phrase-list refreshes.
	SourceDenylist = "denylist"
	// SourceGame identifies events from chat mini-games.
	SourceGame = "game"
	// SourceChat identifies events from the chat transport.
	SourceChat = "chat"
	// SourceHealth identifies dependency health transitions.
	SourceHealth = "health"
)

// Kind constants describe the type of event within a source.
const (
	// KindMention signals that the bot was addressed.
	// Data: nick, message_len.
	KindMention = "mention"
	// KindCompletion signals a finished completion call.
	// Data: request_id, model, tokens_in, tokens_out, elapsed_ms, ok.
	KindCompletion = "completion"
	// KindSent signals an accepted reply was handed to the transport.
	// Data: request_id, length.
	KindSent = "sent"
	// KindDenied signals a pre-response check refused a mention.
	// Data: nick, reason.
	KindDenied = "denied"
	// KindCommand signals an executed chat command.
	// Data: nick, command, ok.
	KindCommand = "command"

	// KindRejected signals a candidate reply was suppressed.
	// Data: request_id, checks.
	KindRejected = "rejected"

	// KindRefreshed signals a new phrase snapshot was swapped in.
	// Data: literals, patterns.
	KindRefreshed = "refreshed"
	// KindRefreshFailed signals a refresh kept the previous snapshot.
	// Data: error.
	KindRefreshFailed = "refresh_failed"

	// KindRoundStarted signals a quickdraw round began.
	KindRoundStarted = "round_started"
	// KindRoundWon signals a quickdraw round ended.
	// Data: nick, seconds, record.
	KindRoundWon = "round_won"
	// KindRoundExpired signals a quickdraw round timed out unanswered.
	KindRoundExpired = "round_expired"

	// KindConnected signals the chat websocket connected.
	KindConnected = "connected"
	// KindDisconnected signals the chat websocket dropped.
	// Data: error.
	KindDisconnected = "disconnected"

	// KindServiceUp signals a watched dependency became healthy.
	// Data: service.
	KindServiceUp = "service_up"
	// KindServiceDown signals a watched dependency failed its probe.
	// Data: service, error.
	KindServiceDown = "service_down"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full; drop the event rather than block.
		}
	}
}

// Emit publishes an event stamped with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe. On a nil bus it returns a
// nil channel, which never delivers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	if b == nil {
		return nil
	}
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
