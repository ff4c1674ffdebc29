package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/livekit/protocol/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/openmessenger/groupcall/pkg/config"
	"github.com/openmessenger/groupcall/pkg/engine"
	serverlogger "github.com/openmessenger/groupcall/pkg/logger"
	"github.com/openmessenger/groupcall/pkg/rpc"
	"github.com/openmessenger/groupcall/pkg/session"
	"github.com/openmessenger/groupcall/pkg/stats"
	"github.com/openmessenger/groupcall/pkg/types"
)

var baseFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "config",
		Usage: "path to config file",
	},
	&cli.StringFlag{
		Name:    "config-body",
		Usage:   "config in YAML, typically passed in as an environment var",
		EnvVars: []string{"GROUPCALL_CONFIG"},
	},
	&cli.StringFlag{
		Name:    "url",
		Usage:   "websocket URL of the call server",
		EnvVars: []string{"GROUPCALL_URL"},
	},
	&cli.StringFlag{
		Name:  "log-level",
		Usage: "debug, info, warn or error",
	},
	&cli.Uint64Flag{
		Name:  "prometheus-port",
		Usage: "port to expose /metrics on, disabled when 0",
	},
	&cli.BoolFlag{
		Name:  "dev",
		Usage: "sets log-level to debug and console formatter",
	},
}

var callFlags = []cli.Flag{
	&cli.Int64Flag{
		Name:  "call-id",
		Usage: "id of the call to join",
	},
	&cli.Int64Flag{
		Name:  "access-hash",
		Usage: "access hash of the call",
	},
	&cli.StringFlag{
		Name:  "peer",
		Usage: "peer hosting the call",
	},
	&cli.StringFlag{
		Name:     "self",
		Usage:    "local account persona",
		Required: true,
	},
	&cli.StringFlag{
		Name:  "join-as",
		Usage: "persona to join as, defaults to self",
	},
	&cli.StringFlag{
		Name:  "invite-hash",
		Usage: "invite link hash",
	},
	&cli.BoolFlag{
		Name:  "rtmp",
		Usage: "treat the call as an RTMP stream",
	},
	&cli.BoolFlag{
		Name:  "create",
		Usage: "create the call on the hosting peer instead of joining",
	},
}

func main() {
	app := &cli.App{
		Name:   "callcli",
		Usage:  "headless group call client",
		Flags:  append(baseFlags, callFlags...),
		Action: runCall,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	confString := c.String("config-body")
	if confString == "" {
		if path := c.String("config"); path != "" {
			content, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("could not read config: %v", err)
			}
			confString = string(content)
		}
	}
	return config.NewConfig(confString, c)
}

func runCall(c *cli.Context) error {
	conf, err := loadConfig(c)
	if err != nil {
		return err
	}
	if conf.Development {
		serverlogger.InitDevelopment(conf.Logging.Level)
	} else {
		serverlogger.InitProduction(conf.Logging.Level)
	}
	log := logger.GetLogger()

	stats.Init()
	if conf.PrometheusPort != 0 {
		go func() {
			addr := fmt.Sprintf(":%d", conf.PrometheusPort)
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(addr, nil); err != nil {
				log.Errorw("metrics server failed", err)
			}
		}()
	}

	transport, err := rpc.DialWS(conf.ServerURL, log)
	if err != nil {
		return err
	}
	defer transport.Close()

	sess := session.NewSession(session.Params{
		Logger:     log,
		Transport:  transport,
		Engines:    engine.NewNopFactory(),
		Peer:       types.PeerID(c.String("peer")),
		Self:       types.PeerID(c.String("self")),
		JoinAs:     types.PeerID(c.String("join-as")),
		InviteHash: c.String("invite-hash"),
		RTMP:       c.Bool("rtmp"),
		Config: session.Config{
			LivenessCheckInterval: conf.Session.LivenessCheckInterval,
			GapReloadDelay:        conf.Session.GapReloadDelay,
			UnknownBatchSize:      conf.Session.UnknownBatchSize,
			InviteChunkSize:       conf.Session.InviteChunkSize,
			VideoDebounceDelay:    conf.Session.VideoDebounceDelay,
			OpsQueueSize:          conf.Session.OpsQueueSize,
			PartCacheSize:         conf.Session.PartCacheSize,
			ParticipantsPageSize:  conf.Session.ParticipantsPageSize,
		},
	})

	done := make(chan struct{})
	var doneOnce sync.Once
	sess.OnStateChanged(func(state session.State) {
		log.Infow("call state", "state", state)
		if state.Terminal() {
			doneOnce.Do(func() { close(done) })
		}
	})
	sess.OnParticipantUpdated(func(was, now *types.Participant) {
		switch {
		case was == nil && now != nil:
			log.Infow("participant joined", "peer", now.PeerID, "count", sess.Mirror().FullCount())
		case now == nil && was != nil:
			log.Infow("participant left", "peer", was.PeerID, "count", sess.Mirror().FullCount())
		}
	})
	sess.OnError(func(err session.Error) {
		log.Warnw("call error", err.Err, "kind", err.Kind, "feature", err.Feature)
	})

	sess.Start()
	if c.Bool("create") {
		sess.Create(c.Bool("rtmp"), 0)
	} else {
		sess.Join(types.CallIdentity{
			ID:         c.Int64("call-id"),
			AccessHash: c.Int64("access-hash"),
		})
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
		log.Infow("exit requested, hanging up")
		sess.Hangup()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			log.Warnw("hangup timed out", nil)
		}
	case <-done:
	}
	sess.Close()
	return nil
}
