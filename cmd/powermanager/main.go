package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"powcap/internal/balancer"
	"powcap/internal/capmc"
	"powcap/internal/cluster"
	"powcap/internal/common"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Config file path")
		development = flag.Bool("dev", false, "Enable development mode")
	)
	flag.Parse()

	cfg, err := common.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *development {
		cfg.PowerManager.Development = true
	}

	// 初始化日志系统
	if err := common.InitLogger(cfg.PowerManager.Development); err != nil {
		panic(err)
	}
	defer common.Sync()

	logger := common.GetLogger()
	logger.Info("PowerManager configuration",
		zap.String("config", *configPath),
		zap.String("node_nids", cfg.PowerManager.NodeNIDs),
		zap.Duration("tool_timeout", cfg.PowerManager.ToolTimeout),
		zap.Bool("development", cfg.PowerManager.Development))

	nids, err := capmc.ExpandNIDs(cfg.PowerManager.NodeNIDs)
	if err != nil {
		logger.Fatal("Invalid node_nids expression", zap.Error(err))
	}
	if len(nids) == 0 {
		logger.Fatal("No nodes configured")
	}

	state := cluster.NewState()
	state.AddNodes(nids)

	params := common.ParsePowerParameters(cfg.PowerManager.PowerParameters)
	publisher := balancer.NewPublisher(cfg.Events)
	agent := balancer.NewAgent(state, capmc.NewExecRunner(),
		cfg.PowerManager.ToolTimeout, params, publisher)
	agent.Start()

	// 优雅关闭处理；SIGHUP 触发参数重载
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			logger.Info("Received reload signal")
			reloaded, err := common.LoadConfig(*configPath)
			if err != nil {
				logger.Error("Config reload failed, keeping current parameters",
					zap.Error(err))
				continue
			}
			agent.Reconfigure(reloaded.PowerManager.PowerParameters)
			continue
		}
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		break
	}

	agent.Stop()
	if err := publisher.Close(); err != nil {
		logger.Error("Error closing event publisher", zap.Error(err))
	}
	logger.Info("PowerManager exited gracefully")
}
