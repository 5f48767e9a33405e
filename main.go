package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog/log"

	contractx "github.com/tanpawarit/Craftora-Agent-Orchestration-Core/agent/contract"
	llmx "github.com/tanpawarit/Craftora-Agent-Orchestration-Core/agent/llm"
	promptx "github.com/tanpawarit/Craftora-Agent-Orchestration-Core/agent/prompt"
	registryx "github.com/tanpawarit/Craftora-Agent-Orchestration-Core/agent/registry"
	routerx "github.com/tanpawarit/Craftora-Agent-Orchestration-Core/agent/router"
	runtimex "github.com/tanpawarit/Craftora-Agent-Orchestration-Core/agent/runtime"
	servicex "github.com/tanpawarit/Craftora-Agent-Orchestration-Core/agent/service"
	sinkx "github.com/tanpawarit/Craftora-Agent-Orchestration-Core/agent/sink"
	statex "github.com/tanpawarit/Craftora-Agent-Orchestration-Core/agent/state"
	toolx "github.com/tanpawarit/Craftora-Agent-Orchestration-Core/agent/tool"
	transportx "github.com/tanpawarit/Craftora-Agent-Orchestration-Core/agent/transport"
	configx "github.com/tanpawarit/Craftora-Agent-Orchestration-Core/pkg/config"
	craftapix "github.com/tanpawarit/Craftora-Agent-Orchestration-Core/pkg/craftapi"
	_ "github.com/tanpawarit/Craftora-Agent-Orchestration-Core/pkg/logger/autoload"
	qstashx "github.com/tanpawarit/Craftora-Agent-Orchestration-Core/pkg/qstash"
)

type AppConfig struct {
	// ArchiveDestination is the public URL QStash delivers archive batches
	// to, normally this service's own /internal/archive/deliver route.
	ArchiveDestination string `envconfig:"ARCHIVE_DESTINATION" split_words:"true"`
}

func main() {
	ctx := context.Background()

	appCfg := configx.MustNew[AppConfig]("")
	llmCfg := configx.MustNew[llmx.Config]("OPENROUTER")
	storeCfg := configx.MustNew[statex.UpstashRedisConfig]("UPSTASH")
	craftCfg := configx.MustNew[craftapix.Config]("CRAFTAPI")
	loopCfg := configx.MustNew[runtimex.Config]("RUN")
	serverCfg := configx.MustNew[transportx.Config]("SERVER")

	if err := llmCfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid model configuration")
	}

	api, err := craftapix.NewClient(*craftCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("craft api client")
	}
	catalog, err := toolx.NewDefaultCatalog(api)
	if err != nil {
		log.Fatal().Err(err).Msg("tool catalog")
	}

	prompts := promptx.LoadPromptSet()
	factory := func(ctx context.Context, agent contractx.AgentName, directive string, tools []*schema.ToolInfo) (contractx.Completer, error) {
		return llmx.NewCompleter(ctx, *llmCfg, agent, directive, tools)
	}
	reg, err := registryx.New(ctx, prompts, catalog, factory)
	if err != nil {
		log.Fatal().Err(err).Msg("agent registry")
	}

	classifier, err := llmx.NewClassifier(ctx, *llmCfg, prompts.Router)
	if err != nil {
		log.Fatal().Err(err).Msg("intent classifier")
	}
	rt, err := routerx.New(classifier, reg, catalog, routerx.Options{})
	if err != nil {
		log.Fatal().Err(err).Msg("router")
	}

	store, err := statex.NewUpstashRedisStore(*storeCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("session store")
	}

	loop, err := runtimex.NewLoop(catalog, *loopCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("orchestration loop")
	}

	var turnSink contractx.Sink = contractx.NoopSink{}
	var webhook *sinkx.Webhook
	var qstashSink *sinkx.QStashSink
	if appCfg.ArchiveDestination != "" {
		qstashCfg := configx.MustNew[qstashx.Config]("QSTASH")
		qstashClient := qstashx.MustNew(*qstashCfg)

		archiveCfg := configx.MustNew[sinkx.ArchiveConfig]("ARCHIVE")
		archive, err := sinkx.NewArchive(*archiveCfg)
		if err != nil {
			log.Fatal().Err(err).Msg("archive")
		}
		if err := archive.EnsureSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("archive schema")
		}

		qstashSink, err = sinkx.NewQStashSink(qstashClient, appCfg.ArchiveDestination)
		if err != nil {
			log.Fatal().Err(err).Msg("archive sink")
		}
		turnSink = qstashSink
		webhook = sinkx.NewWebhook(qstashClient, archive)
	} else {
		log.Warn().Msg("archive destination unset, turns are not durably archived")
	}

	svc, err := servicex.New(store, reg, rt, loop, turnSink, contractx.AllowAll{})
	if err != nil {
		log.Fatal().Err(err).Msg("turn service")
	}

	server, err := transportx.NewServer(*serverCfg, svc)
	if err != nil {
		log.Fatal().Err(err).Msg("transport")
	}
	if webhook != nil {
		webhook.Register(server.Engine())
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		if err != nil {
			log.Fatal().Err(err).Msg("transport stopped")
		}
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
	if qstashSink != nil {
		qstashSink.Close()
	}
}
