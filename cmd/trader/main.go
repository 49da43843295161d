package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"main/internal/engine"
	"main/internal/exchange"
	"main/internal/exchange/bybit"
	"main/internal/exchange/paper"
	"main/internal/ledger"
	"main/internal/ops"
	"main/pkg/conn"
)

const paperStartingEquity = "100000"

func main() {
	configPath := flag.String("config", "config.json", "Path to JSON config")
	flag.Parse()

	cfg, err := ops.Load(*configPath)
	if err != nil {
		logs.Errorf("load config failed, path: %s, err: %+v", *configPath, err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.PyroscopeURL != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "trader",
			ServerAddress:   cfg.PyroscopeURL,
			Logger:          noopLogger{},
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			logs.Errorf("pyroscope start failed, err: %+v", err)
			os.Exit(1)
		}
		defer func() {
			_ = profiler.Stop()
		}()
	}

	store, err := buildStore(cfg)
	if err != nil {
		logs.Errorf("build trade store failed, err: %+v", err)
		os.Exit(1)
	}

	var (
		client exchange.Client
		sim    *paper.Client
	)
	if cfg.Paper {
		sim = paper.New(decimal.RequireFromString(paperStartingEquity))
		client = sim
		logs.Infof("paper mode, orders route to the in-process simulator")
	} else {
		client = bybit.New(bybit.Option{
			APIKey:            cfg.Credentials.APIKey,
			APISecret:         cfg.Credentials.APISecret,
			BaseURL:           cfg.RESTURL,
			Testnet:           cfg.Testnet,
			RecvWindow:        cfg.RecvWindowMillis,
			RequestsPerSecond: cfg.RequestsPerSecond,
		})
	}

	eng, err := engine.New(cfg, client, store)
	if err != nil {
		logs.Errorf("build engine failed, err: %+v", err)
		os.Exit(1)
	}
	if sim != nil {
		// the simulator has no private stream; its callbacks stand in
		sim.OnOrder = eng.HandleOrder
		sim.OnFill = eng.HandleFill
	}

	logs.Infof("trader starting, symbols: %v, testnet: %t, paper: %t", cfg.Symbols, cfg.Testnet, cfg.Paper)
	if err := eng.Run(ctx); err != nil {
		logs.Errorf("engine stopped, err: %+v", err)
		os.Exit(1)
	}
	logs.Infof("trader stopped")
}

func buildStore(cfg ops.Loaded) (ledger.Store, error) {
	if cfg.PostgresDSN == "" {
		return ledger.NewMemory(), nil
	}
	return ledger.NewPostgres(conn.Option{ConnString: cfg.PostgresDSN})
}

type noopLogger struct{}

func (noopLogger) Infof(string, ...interface{})  {}
func (noopLogger) Debugf(string, ...interface{}) {}
func (noopLogger) Errorf(string, ...interface{}) {}
