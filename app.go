package main

import (
	"io"

	"github.com/charmbracelet/log"

	"node.town/livespeak/config"
	"node.town/livespeak/engine"
	"node.town/livespeak/grammar"
	"node.town/livespeak/ingest"
	"node.town/livespeak/proto"
	"node.town/livespeak/session"
	"node.town/livespeak/stt"
	"node.town/livespeak/sweep"
	"node.town/livespeak/www"
)

// app is the wired engine for one process.
type app struct {
	store    *session.Store
	registry *proto.Registry
	pipeline *ingest.Pipeline
	catalog  *stt.Catalog
	engine   *engine.Engine
	sweeper  *sweep.Sweeper
	server   *www.Server
}

func newApp(cfg config.Config, logs loggers, mock stt.MockOptions) *app {
	store := session.NewStore(session.RealClock{})
	registry := proto.NewRegistry()

	catalog := stt.NewCatalog()
	catalog.Register("mock", stt.MockConstructor(mock))
	catalog.Register("deepgram", stt.NewDeepgramClient(cfg.Deepgram, logs.hear).Constructor())
	catalog.Register("speechmatics", stt.NewSpeechmaticsClient(cfg.Speechmatics, logs.hear).Constructor())

	pipeline := ingest.New(store, grammar.NewRules(), registry, logs.sess, ingest.Options{
		ContextWindow: cfg.Pipeline.ContextWindow,
		QueueSize:     cfg.Pipeline.QueueSize,
	})
	eng := engine.New(store, pipeline, catalog, registry, logs.sess, engine.Options{
		Defaults:        cfg.Session,
		DisconnectGrace: cfg.Sweep.DisconnectGrace,
	})

	return &app{
		store:    store,
		registry: registry,
		pipeline: pipeline,
		catalog:  catalog,
		engine:   eng,
		sweeper:  sweep.New(store, eng, session.RealClock{}, logs.sweep, cfg.Sweep),
		server: www.New(eng, logs.http, www.Options{
			IdentityHeader: cfg.HTTP.IdentityHeader,
			RateLimit:      cfg.HTTP.RateLimit,
			RateBurst:      cfg.HTTP.RateBurst,
			WriteTimeout:   cfg.HTTP.WriteTimeout,
			PingInterval:   cfg.HTTP.PingInterval,
			MaxFrameBytes:  cfg.HTTP.MaxFrameBytes,
		}),
	}
}

func quietLoggers() loggers {
	l := log.New(io.Discard)
	return loggers{main: l, sess: l, hear: l, http: l, sweep: l}
}
