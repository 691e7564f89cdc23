package commands

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/nimbusmq/broker/internal/config"
	"github.com/nimbusmq/broker/pkg/admin"
	"github.com/nimbusmq/broker/pkg/auth"
	"github.com/nimbusmq/broker/pkg/broker"
	"github.com/nimbusmq/broker/pkg/idempotent"
	"github.com/nimbusmq/broker/pkg/journal"
	"github.com/nimbusmq/broker/pkg/journalclient"
	"github.com/nimbusmq/broker/pkg/kv"
	"github.com/nimbusmq/broker/pkg/metadata"
	"github.com/nimbusmq/broker/pkg/placementclient"
	"github.com/nimbusmq/broker/pkg/retain"
	"github.com/nimbusmq/broker/pkg/storage"
	"github.com/nimbusmq/broker/pkg/subscribe"
	"github.com/nimbusmq/broker/pkg/transport"
)

var (
	flagDataDir     string
	flagAdminAddr   string
	flagSweepPeriod time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the broker, accepting connections on the configured ports",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&flagDataDir, "data-dir", "./data", "directory for local journal storage")
	serveCmd.Flags().StringVar(&flagAdminAddr, "admin-addr", ":8081", "listen address for /health and /metrics")
	serveCmd.Flags().DurationVar(&flagSweepPeriod, "heartbeat-sweep", 30*time.Second, "keep-alive sweep interval")
	rootCmd.AddCommand(serveCmd)
}

var titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00ff9f"))
var labelStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00ff9f"))
var dimStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#6e7681"))

func runServe(cmd *cobra.Command, args []string) error {
	level := slog.LevelInfo
	if IsVerbose() {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
	logger := slog.Default()

	cfg, err := GetConfig()
	if err != nil {
		return err
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down...")
		cancel()
	}()

	cluster := metadata.Cluster{
		Name:                 cfg.ClusterName,
		MaxPacketSize:        cfg.MQTT.MaxPacketSize,
		RetainAvailable:      cfg.MQTT.RetainAvailable,
		WildcardSubAvailable: cfg.MQTT.WildcardSubscriptionAvailable,
		SharedSubAvailable:   cfg.MQTT.SharedSubscriptionAvailable,
		MaxQoS:               cfg.MQTT.MaxQoS,
		ReceiveMax:           65535,
	}
	meta := metadata.New(cluster)
	subs := subscribe.New()
	retained := retain.New()

	mem := kv.NewMemory(nil)
	defer mem.Close()
	idemp := idempotent.New(mem)

	store, err := buildJournalStore(cfg, flagDataDir)
	if err != nil {
		return err
	}
	jr := journal.New(store, meta, nil)

	authDriver, err := buildAuthDriver(cfg)
	if err != nil {
		return err
	}

	metrics := &admin.Metrics{}

	router := broker.New(meta, subs, retained, idemp, jr, authDriver, flagSweepPeriod, nil)
	router.Metrics = metrics
	defer router.Close()

	srv := transport.NewServer(router)

	listeners, err := startListeners(cfg, srv)
	if err != nil {
		return err
	}
	defer func() {
		for _, ln := range listeners {
			ln.Close()
		}
	}()

	adminSrv := &http.Server{Addr: flagAdminAddr, Handler: admin.Handler(metrics, nil)}
	go func() {
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin server error", "error", err)
		}
	}()

	printBanner(cfg)
	logger.Info("broker ready")

	<-ctx.Done()
	adminSrv.Close()
	srv.Shutdown()
	return nil
}

// buildJournalStore picks the journal's storage.SegmentStore backend: local
// disk under dataDir by default, or a remote journal service connection
// when journal.remote_addr is configured.
func buildJournalStore(cfg *config.Config, dataDir string) (storage.SegmentStore, error) {
	if cfg.Journal.RemoteAddr == "" {
		store, err := storage.NewLocal(dataDir)
		if err != nil {
			return nil, fmt.Errorf("open journal storage at %s: %w", dataDir, err)
		}
		return store, nil
	}
	client, err := journalclient.Dial(cfg.Journal.RemoteAddr)
	if err != nil {
		return nil, fmt.Errorf("dial journal service: %w", err)
	}
	return storage.NewRemoteJournal(client), nil
}

func buildAuthDriver(cfg *config.Config) (*auth.Driver, error) {
	if len(cfg.Metadata.PlacementCenterAddrs) == 0 {
		return auth.New(nil, cfg.ClusterName, false), nil
	}
	client, err := placementclient.Dial(cfg.Metadata.PlacementCenterAddrs[0])
	if err != nil {
		return nil, fmt.Errorf("dial placement center: %w", err)
	}
	return auth.New(client, cfg.ClusterName, true), nil
}

func startListeners(cfg *config.Config, srv *transport.Server) ([]interface{ Close() error }, error) {
	var closers []interface{ Close() error }

	type binding struct {
		network string
		addr    string
	}
	bindings := []binding{}
	if cfg.Network.TCPPort != 0 {
		bindings = append(bindings, binding{"tcp", fmt.Sprintf(":%d", cfg.Network.TCPPort)})
	}
	if cfg.Network.TLSPort != 0 {
		bindings = append(bindings, binding{"tls", fmt.Sprintf(":%d", cfg.Network.TLSPort)})
	}
	if cfg.Network.WebSocketPort != 0 {
		bindings = append(bindings, binding{"ws", fmt.Sprintf(":%d", cfg.Network.WebSocketPort)})
	}
	if cfg.Network.WebSocketsPort != 0 {
		bindings = append(bindings, binding{"wss", fmt.Sprintf(":%d", cfg.Network.WebSocketsPort)})
	}

	var tlsConfig *tls.Config
	if cfg.Network.TLSCert != "" && cfg.Network.TLSKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.Network.TLSCert, cfg.Network.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("load tls keypair: %w", err)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	for _, b := range bindings {
		needsTLS := b.network == "tls" || b.network == "wss"
		if needsTLS && tlsConfig == nil {
			return nil, fmt.Errorf("network.%s requires network.tls_cert and network.tls_key", b.network)
		}
		ln, err := transport.Listen(b.network, b.addr, tlsConfig)
		if err != nil {
			return nil, fmt.Errorf("listen %s %s: %w", b.network, b.addr, err)
		}
		closers = append(closers, ln)
		go srv.Serve(ln)
		slog.Default().Info("listening", "network", b.network, "addr", b.addr)
	}

	return closers, nil
}

func printBanner(cfg *config.Config) {
	fmt.Println(titleStyle.Render("brokerd") + " " + dimStyle.Render("("+cfg.ClusterName+")"))
	fmt.Println(labelStyle.Render("tcp")+"         :"+portOrDash(cfg.Network.TCPPort))
	fmt.Println(labelStyle.Render("tls")+"         :"+portOrDash(cfg.Network.TLSPort))
	fmt.Println(labelStyle.Render("websocket")+"   :"+portOrDash(cfg.Network.WebSocketPort))
	fmt.Println(labelStyle.Render("websockets")+"  :"+portOrDash(cfg.Network.WebSocketsPort))
	fmt.Println(dimStyle.Render("admin: " + flagAdminAddr + " (/health, /metrics)"))
}

func portOrDash(port int) string {
	if port == 0 {
		return "-"
	}
	return fmt.Sprintf("%d", port)
}
