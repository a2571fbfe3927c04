package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/banter/internal/config"
	"github.com/nugget/banter/internal/events"
)

// StatsSource provides the values behind each sensor. The adapter over
// the bot session lives in main so this package stays independent of
// it.
type StatsSource interface {
	Uptime() time.Duration
	Version() string
	Model() string
	// BufferTurns is the number of conversation turns after the prefix.
	BufferTurns() int
	BufferTokens() int
	// MentionCooldown is READY or COOLING.
	MentionCooldown() string
	Mentions() int
	MonthCostUSD() float64
	// QuickdrawRecord is "" when no record is stored.
	QuickdrawRecord() string
}

// Publisher manages the broker connection, announces discovery configs
// on (re-)connect and publishes sensor states on an interval.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	tokens     *DailyTokens
	stats      StatsSource
	bus        *events.Bus
	logger     *slog.Logger
	cm         atomic.Pointer[autopaho.ConnectionManager]
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to run it.
func New(cfg config.MQTTConfig, instanceID string, tokens *DailyTokens, stats StatsSource, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if tokens == nil {
		tokens = NewDailyTokens(nil)
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		tokens:     tokens,
		stats:      stats,
		logger:     logger.With("component", "mqtt"),
	}
}

// SetEventBus subscribes the publisher to bus once started: completion
// and rejection events feed the daily counters, and with
// forward_events every event is mirrored to the events topic.
func (p *Publisher) SetEventBus(bus *events.Bus) {
	p.bus = bus
}

// Start connects to the broker and blocks until ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := p.availabilityTopic()
	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "banter-" + p.cfg.DeviceName,
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm.Store(cm)

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// AwaitConnection blocks until the broker connection is up or ctx is
// done.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	cm := p.cm.Load()
	if cm == nil {
		return errors.New("mqtt publisher not started")
	}
	return cm.AwaitConnection(ctx)
}

// Stop publishes "offline" and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	cm := p.cm.Load()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

func (p *Publisher) baseTopic() string {
	return p.cfg.TopicPrefix + "/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) eventsTopic() string {
	return p.baseTopic() + "/events"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

type sensorDef struct {
	entitySuffix string
	config       SensorConfig
}

// sensorMeta is the per-entity part of a discovery config.
type sensorMeta struct {
	entity, name, icon, unit, stateClass, category string
}

var sensorCatalog = []sensorMeta{
	{entity: "uptime", name: "Uptime", icon: "mdi:clock-outline", category: "diagnostic"},
	{entity: "version", name: "Version", icon: "mdi:tag", category: "diagnostic"},
	{entity: "model", name: "Model", icon: "mdi:brain", category: "diagnostic"},
	{entity: "buffer_turns", name: "Buffer Turns", icon: "mdi:message-text", stateClass: "measurement"},
	{entity: "buffer_tokens", name: "Buffer Tokens", icon: "mdi:counter", unit: "tokens", stateClass: "measurement"},
	{entity: "mention_cooldown", name: "Mention Cooldown", icon: "mdi:timer-sand"},
	{entity: "mentions", name: "Mentions", icon: "mdi:at", stateClass: "total_increasing"},
	{entity: "tokens_today", name: "Tokens Today", icon: "mdi:counter", unit: "tokens", stateClass: "total_increasing"},
	{entity: "rejected_today", name: "Rejected Today", icon: "mdi:cancel", stateClass: "total_increasing"},
	{entity: "month_cost", name: "Month Cost", icon: "mdi:currency-usd", unit: "USD", stateClass: "total"},
	{entity: "quickdraw_record", name: "Quickdraw Record", icon: "mdi:pistol"},
}

func (p *Publisher) sensorDefinitions() []sensorDef {
	avail := p.availabilityTopic()
	defs := make([]sensorDef, 0, len(sensorCatalog))
	for _, s := range sensorCatalog {
		defs = append(defs, sensorDef{
			entitySuffix: s.entity,
			config: SensorConfig{
				Name:              s.name,
				ObjectID:          s.entity,
				HasEntityName:     true,
				UniqueID:          p.instanceID + "_" + s.entity,
				StateTopic:        p.stateTopic(s.entity),
				AvailabilityTopic: avail,
				Device:            p.device,
				Icon:              s.icon,
				UnitOfMeasurement: s.unit,
				StateClass:        s.stateClass,
				EntityCategory:    s.category,
			},
		})
	}
	return defs
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	if p.cfg.DiscoveryPrefix == "" {
		return
	}
	for _, s := range p.sensorDefinitions() {
		topic := p.discoveryTopic("sensor", s.entitySuffix)
		payload, err := json.Marshal(s.config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload", "entity", s.entitySuffix, "error", err)
			continue
		}
		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mqtt discovery publish failed", "entity", s.entitySuffix, "topic", topic, "error", err)
		} else {
			p.logger.Debug("mqtt discovery published", "entity", s.entitySuffix, "topic", topic)
		}
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

func (p *Publisher) runLoop(ctx context.Context) {
	interval := time.Duration(p.cfg.PublishIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var evCh <-chan events.Event
	if p.bus != nil {
		evCh = p.bus.Subscribe(64)
		defer p.bus.Unsubscribe(evCh)
	}

	p.publishStates(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx)
		case e, ok := <-evCh:
			if !ok {
				evCh = nil
				continue
			}
			p.handleEvent(ctx, e)
		}
	}
}

// handleEvent updates the daily counters and mirrors e when enabled.
func (p *Publisher) handleEvent(ctx context.Context, e events.Event) {
	switch e.Kind {
	case events.KindCompletion:
		if ok, _ := e.Data["ok"].(bool); ok {
			in, _ := e.Data["tokens_in"].(int)
			out, _ := e.Data["tokens_out"].(int)
			p.tokens.OnTokens(in, out)
		}
	case events.KindRejected:
		p.tokens.OnRejected()
	}

	cm := p.cm.Load()
	if !p.cfg.ForwardEvents || cm == nil {
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		p.logger.Debug("mqtt marshal event", "kind", e.Kind, "error", err)
		return
	}
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.eventsTopic(),
		Payload: payload,
	}); err != nil {
		p.logger.Debug("mqtt event publish failed", "kind", e.Kind, "error", err)
	}
}

// states renders every sensor value.
func (p *Publisher) states() map[string]string {
	input, output, _ := p.tokens.Snapshot()
	states := map[string]string{
		"tokens_today":   strconv.FormatInt(input+output, 10),
		"rejected_today": strconv.FormatInt(p.tokens.Rejected(), 10),
	}
	if p.stats == nil {
		return states
	}
	states["uptime"] = p.stats.Uptime().Truncate(time.Second).String()
	states["version"] = p.stats.Version()
	states["model"] = p.stats.Model()
	states["buffer_turns"] = strconv.Itoa(p.stats.BufferTurns())
	states["buffer_tokens"] = strconv.Itoa(p.stats.BufferTokens())
	states["mention_cooldown"] = p.stats.MentionCooldown()
	states["mentions"] = strconv.Itoa(p.stats.Mentions())
	states["month_cost"] = strconv.FormatFloat(p.stats.MonthCostUSD(), 'f', 4, 64)
	rec := p.stats.QuickdrawRecord()
	if rec == "" {
		rec = "none"
	}
	states["quickdraw_record"] = rec
	return states
}

func (p *Publisher) publishStates(ctx context.Context) {
	cm := p.cm.Load()
	if cm == nil {
		return
	}
	states := p.states()
	for entity, value := range states {
		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   p.stateTopic(entity),
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed", "entity", entity, "error", err)
		}
	}
	p.logger.Debug("mqtt sensor states published", "entities", len(states))
}
