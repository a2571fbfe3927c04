package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/banter/internal/api"
	"github.com/nugget/banter/internal/bot"
	"github.com/nugget/banter/internal/buildinfo"
	"github.com/nugget/banter/internal/chat"
	"github.com/nugget/banter/internal/config"
	"github.com/nugget/banter/internal/connwatch"
	"github.com/nugget/banter/internal/convo"
	"github.com/nugget/banter/internal/cooldown"
	"github.com/nugget/banter/internal/denylist"
	"github.com/nugget/banter/internal/emotes"
	"github.com/nugget/banter/internal/events"
	"github.com/nugget/banter/internal/games"
	"github.com/nugget/banter/internal/llm"
	"github.com/nugget/banter/internal/logsearch"
	"github.com/nugget/banter/internal/moderation"
	"github.com/nugget/banter/internal/mqtt"
	"github.com/nugget/banter/internal/observability"
	"github.com/nugget/banter/internal/opstate"
	"github.com/nugget/banter/internal/similarity"
	"github.com/nugget/banter/internal/usage"
)

// quickdrawTimeout ends a round nobody answers.
const quickdrawTimeout = time.Minute

// runServe handles the "banter serve" subcommand: it opens the state
// databases, loads the prompt files and phrase list, connects to chat
// and runs the background tasks until ctx is cancelled or a signal
// arrives.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, level, "text")
	logger.Info("starting Banter",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"config", cfgPath,
	)

	if cfg.Chat.URL == "" || cfg.Chat.Nick == "" {
		return errors.New("chat.url and chat.nick are required to serve")
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	// --- Persistent state ---
	state, err := opstate.NewStore(filepath.Join(cfg.DataDir, "state.db"))
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer state.Close()

	usageStore, err := usage.NewStore(filepath.Join(cfg.DataDir, "usage.db"))
	if err != nil {
		return fmt.Errorf("open usage store: %w", err)
	}
	defer usageStore.Close()

	// --- Prompt files ---
	prefix, err := convo.LoadPrefix(cfg.Prompt.SystemFile, cfg.Prompt.BaseFile)
	if err != nil {
		return fmt.Errorf("load prompt: %w", err)
	}
	var summaryPrefix []convo.Turn
	if cfg.Prompt.SummaryFile != "" {
		summaryPrefix, err = convo.LoadTurns(cfg.Prompt.SummaryFile)
		if err != nil {
			return fmt.Errorf("load summary prompt: %w", err)
		}
	}
	logger.Info("prompt loaded", "prefix_turns", len(prefix), "summary_turns", len(summaryPrefix))

	bus := events.New()
	metrics := observability.NewMetrics("banter")

	// --- Banned phrases ---
	// A phrase list that cannot be loaded at startup is fatal.
	var phraseSources denylist.MultiProvider
	if cfg.Sources.PhrasesURL != "" {
		phraseSources = append(phraseSources, denylist.NewHTTPProvider(cfg.Sources.PhrasesURL))
	}
	if len(cfg.Moderation.ExtraPhrases) > 0 {
		phraseSources = append(phraseSources, denylist.StaticProvider(cfg.Moderation.ExtraPhrases))
	}
	phrases, err := denylist.NewStore(ctx, phraseSources, logger)
	if err != nil {
		return fmt.Errorf("load banned phrases: %w", err)
	}
	phrases.SetEventBus(bus)

	// --- Vocabularies ---
	var emoteSource emotes.Provider = emotes.StaticProvider(nil)
	if cfg.Sources.EmotesURL != "" {
		emoteSource = emotes.NewHTTPProvider(cfg.Sources.EmotesURL)
	}
	emoteCache := emotes.NewCache(emoteSource, logger)
	if _, err := emoteCache.Get(ctx); err != nil {
		return fmt.Errorf("load emotes: %w", err)
	}

	var debates logsearch.Provider
	if cfg.Sources.LogSearchURL != "" {
		debates = logsearch.NewHTTPProvider(cfg.Sources.LogSearchURL, cfg.Sources.LogChannel, logger)
	}

	// --- Outbound policy ---
	window := similarity.New(
		cfg.Moderation.HistorySize,
		cfg.Moderation.SimilarityMinLength,
		cfg.Moderation.SimilarityThreshold,
	)
	classifier := moderation.NewClassifier(moderation.ThresholdsFromConfig(cfg.Moderation), phrases, window, logger)
	filter := moderation.NewFilter(classifier, moderation.NewLinkGuard(cfg.Moderation.LinkGuardKeywords...))
	filter.SetObserver(metrics)

	gate := cooldown.New(map[cooldown.Class]time.Duration{
		cooldown.ClassMention: time.Duration(cfg.Cooldown.MentionSec) * time.Second,
		cooldown.ClassCommand: time.Duration(cfg.Cooldown.CommandSec) * time.Second,
	}, cooldown.WithSameActorLockout(cfg.Cooldown.SameActorLockout))

	// --- Chat and completion ---
	client := chat.NewClient(cfg.Chat, logger)
	client.SetEventBus(bus)
	completer := llm.NewOpenAIClient(cfg.LLM, logger)

	quickdraw, err := games.NewQuickdraw(ctx, state, logger,
		games.WithTimeout(quickdrawTimeout, func(text string) {
			if err := client.Send(ctx, text); err != nil {
				logger.Warn("quickdraw announce failed", "error", err)
			}
		}),
		games.WithEventBus(bus),
	)
	if err != nil {
		return fmt.Errorf("start quickdraw: %w", err)
	}
	defer quickdraw.Stop()

	var owner string
	if len(cfg.Admins) > 0 {
		owner = cfg.Admins[0]
	}

	session, err := bot.New(ctx, bot.Options{
		Nick:              cfg.Chat.Nick,
		CommandPrefix:     cfg.Chat.CommandPrefix,
		Admins:            cfg.Admins,
		Owner:             owner,
		MaxTokens:         cfg.Limits.MaxTokens,
		MaxResponseTokens: cfg.Limits.MaxResponseTokens,
		HardMaxTokens:     cfg.Limits.HardMaxTokens,
		ErrorEmote:        cfg.LLM.ErrorEmote,
		SolvePrompt:       cfg.Prompt.SolvePrompt,
		SummaryPrefix:     summaryPrefix,
		MaxLength:         cfg.Moderation.MaxLength,
		StripMarkdown:     cfg.Moderation.StripMarkdown,
	}, bot.Deps{
		Completer: completer,
		Tokenizer: convo.EstimateTokenizer{},
		Sender:    client,
		Buffer:    convo.NewBuffer(prefix),
		Gate:      gate,
		Filter:    filter,
		Window:    window,
		Emotes:    emoteCache,
		Phrases:   phrases,
		Debates:   debates,
		Quickdraw: quickdraw,
		State:     state,
		Usage:     usageStore,
		Pricing: func(model string, in, out int) float64 {
			return usage.ComputeCost(model, in, out, cfg.Pricing)
		},
		Metrics: metrics,
		Bus:     bus,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	// --- Dependency health ---
	health := connwatch.NewManager(logger)
	health.SetEventBus(bus)
	defer health.Stop()
	health.Watch(ctx, connwatch.WatcherConfig{
		Name: "chat",
		Probe: func(context.Context) error {
			if !client.Connected() {
				return errors.New("chat socket not connected")
			}
			return nil
		},
	})

	refresh := time.Duration(cfg.Moderation.RefreshIntervalSec) * time.Second
	if cfg.Sources.PhrasesURL != "" && refresh > 0 {
		// Three missed refreshes in a row mark the list stale.
		health.Watch(ctx, connwatch.WatcherConfig{
			Name:     "phrases",
			Interval: refresh,
			Probe: func(context.Context) error {
				if age := time.Since(phrases.LoadedAt()); age > 3*refresh {
					return fmt.Errorf("phrase list is %s old", age.Truncate(time.Second))
				}
				return nil
			},
		})
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return client.Run(gctx, session) })
	g.Go(func() error { return metrics.Watch(gctx, bus) })
	g.Go(func() error { return phrases.Run(gctx, refresh) })

	// --- Status API ---
	if cfg.Listen.Port > 0 {
		server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, logger)
		server.SetStatusSource(session)
		server.SetHealthSource(health)
		server.SetClassifier(filter)
		server.SetPhraseRefresher(phrases)
		server.SetMetricsHandler(metrics.Handler())
		server.SetEventBus(bus)
		g.Go(func() error { return server.Start(gctx) })
	} else {
		logger.Info("status API disabled (listen.port is 0)")
	}

	// --- MQTT publisher ---
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Enabled {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		mqttPub = mqtt.New(cfg.MQTT, instanceID, mqtt.NewDailyTokens(nil), &mqttStatsAdapter{
			model:   cfg.LLM.Model,
			session: session,
		}, logger)
		mqttPub.SetEventBus(bus)
		g.Go(func() error { return mqttPub.Start(gctx) })
		health.Watch(ctx, connwatch.WatcherConfig{
			Name:  "mqtt",
			Probe: mqttPub.AwaitConnection,
		})
		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
			"interval", cfg.MQTT.PublishIntervalSec,
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	err = g.Wait()
	logger.Info("shutting down")

	if mqttPub != nil {
		offlineCtx, offlineCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer offlineCancel()
		if stopErr := mqttPub.Stop(offlineCtx); stopErr != nil {
			logger.Error("mqtt shutdown failed", "error", stopErr)
		}
	}

	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("Banter stopped")
	return nil
}

// mqttStatsAdapter bridges the session and build info to the MQTT
// publisher's [mqtt.StatsSource] interface.
type mqttStatsAdapter struct {
	model   string
	session *bot.Session
}

func (a *mqttStatsAdapter) Uptime() time.Duration   { return buildinfo.Uptime() }
func (a *mqttStatsAdapter) Version() string         { return buildinfo.Version }
func (a *mqttStatsAdapter) Model() string           { return a.model }
func (a *mqttStatsAdapter) BufferTurns() int        { return a.session.Status(false).BufferTurns }
func (a *mqttStatsAdapter) BufferTokens() int       { return a.session.Status(false).BufferTokens }
func (a *mqttStatsAdapter) MentionCooldown() string { return a.session.Status(false).MentionCooldown }
func (a *mqttStatsAdapter) Mentions() int           { return a.session.Status(false).Mentions }

func (a *mqttStatsAdapter) MonthCostUSD() float64 {
	if c := a.session.Status(false).MonthCostUSD; c != nil {
		return *c
	}
	return 0
}

func (a *mqttStatsAdapter) QuickdrawRecord() string {
	qd := a.session.Status(false).Quickdraw
	if qd == nil || qd.Record == nil {
		return ""
	}
	return fmt.Sprintf("%s %.2fs", qd.Record.Nick, qd.Record.Seconds)
}
