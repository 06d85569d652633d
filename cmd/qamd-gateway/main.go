package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pseudocodes/qamd-gateway/internal/config"
	"github.com/pseudocodes/qamd-gateway/internal/logger"
	"github.com/pseudocodes/qamd-gateway/internal/metrics"
	"github.com/pseudocodes/qamd-gateway/internal/server"
	"github.com/pseudocodes/qamd-gateway/internal/upstream"
)

var (
	flagConfig    string
	flagPort      int
	flagFrontAddr string
	flagBrokerID  string
	flagMultiCTP  bool
	flagStatus    bool
	flagLogLevel  string
	flagLogFile   string
)

var rootCmd = &cobra.Command{
	Use:   "qamd-gateway",
	Short: "Real-time futures market data gateway",
	Long: `QAMD Gateway ingests depth market data from one or more upstream
broker feed connections and fans incremental quote snapshots out to
WebSocket clients using the DIFF (peek_message) protocol.`,
	RunE:          run,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.Flags().StringVar(&flagConfig, "config", "", "path to JSON config file")
	rootCmd.Flags().IntVar(&flagPort, "port", 0, "websocket listen port (overrides config)")
	rootCmd.Flags().StringVar(&flagFrontAddr, "front-addr", "", "single upstream front address (single-connection mode)")
	rootCmd.Flags().StringVar(&flagBrokerID, "broker-id", "9999", "broker id for single-connection mode")
	rootCmd.Flags().BoolVar(&flagMultiCTP, "multi-ctp", false, "use the built-in SimNow multi-front configuration")
	rootCmd.Flags().BoolVar(&flagStatus, "status", false, "print status of a running instance and exit")
	rootCmd.Flags().StringVar(&flagLogLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.Flags().StringVar(&flagLogFile, "log-file", "", "rotating log file path")
}

func run(_ *cobra.Command, _ []string) error {
	cfg, err := resolveConfig()
	if err != nil {
		return err
	}

	if flagStatus {
		return printStatus(cfg.WebsocketPort)
	}

	log, err := logger.New(logger.Config{
		Level:      flagLogLevel,
		OutputPath: "stdout",
		File:       flagLogFile,
	})
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	metrics.Init()

	srv, err := server.New(cfg, upstream.DefaultFeedFactory(), log)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	if err := srv.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("received signal, shutting down", zap.String("signal", sig.String()))

	srv.Stop()
	return nil
}

// resolveConfig 配置优先级：--config 文件 > --multi-ctp 内置多前置 > --front-addr 单连接
// 显式的 --port 覆盖文件值
func resolveConfig() (config.MultiCTPConfig, error) {
	var cfg config.MultiCTPConfig

	switch {
	case flagConfig != "":
		loaded, err := config.Load(flagConfig)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	case flagMultiCTP:
		cfg = config.Simnow()
	case flagFrontAddr != "":
		cfg = config.Single(flagFrontAddr, flagBrokerID, flagPort)
	default:
		cfg = config.Simnow()
	}

	if flagPort > 0 {
		cfg.WebsocketPort = flagPort
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// printStatus 探测运行中实例的 /status 端点
func printStatus(port int) error {
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/status", port))
	if err != nil {
		return fmt.Errorf("server not reachable on port %d: %w", port, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	fmt.Print(string(body))
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
