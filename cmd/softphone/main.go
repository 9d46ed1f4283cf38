package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
	"peercall/internal/core/services"
	"peercall/internal/infrastructure/capture"
	"peercall/internal/infrastructure/monitoring"
	signalclient "peercall/internal/infrastructure/signal"
	"peercall/internal/infrastructure/turn"
	webrtcinfra "peercall/internal/infrastructure/webrtc"
	"peercall/pkg/config"
	"peercall/pkg/logger"
	"peercall/pkg/tracing"
	"peercall/pkg/validation"

	"github.com/joho/godotenv"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
)

type options struct {
	configPath     string
	envFile        string
	user           string
	displayName    string
	token          string
	relayURL       string
	credentialsURL string
	metricsAddress string
	videoBitrate   int
	audioBitrate   int
}

func parseFlags() options {
	var o options
	flag.StringVarP(&o.configPath, "config", "c", "configs/config.yaml", "path to config.yaml")
	flag.StringVar(&o.envFile, "env-file", ".env", "dotenv file applied before config overrides")
	flag.StringVarP(&o.user, "user", "u", "", "user id to register as (env PEERCALL_USER)")
	flag.StringVar(&o.displayName, "name", "", "display name")
	flag.StringVar(&o.token, "token", "", "relay access token (env PEERCALL_TOKEN); signed locally when empty")
	flag.StringVar(&o.relayURL, "relay", "", "relay websocket url, overrides signal.url")
	flag.StringVar(&o.credentialsURL, "credentials-url", "", "relay base url for TURN credentials")
	flag.StringVar(&o.metricsAddress, "metrics-address", "", "serve call metrics on this address")
	flag.IntVar(&o.videoBitrate, "video-bitrate", 500_000, "VP8 target bitrate (bps)")
	flag.IntVar(&o.audioBitrate, "audio-bitrate", 32_000, "Opus target bitrate (bps)")
	flag.Parse()
	return o
}

func newCodecSelector(o options) (*mediadevices.CodecSelector, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = o.videoBitrate
	vpxParams.RateControlEndUsage = vpx.RateControlVBR

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}
	opusParams.BitRate = o.audioBitrate
	opusParams.Latency = opus.Latency20ms

	return mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	), nil
}

// tokenSource prefers a provisioned token and otherwise signs a fresh one
// with the shared secret on every dial.
func tokenSource(o options, cfg *config.Config) signalclient.TokenSource {
	if o.token != "" {
		return signalclient.StaticToken(o.token)
	}
	auth := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL, cfg.Auth.RefreshTokenTTL)
	return func(context.Context) (string, error) {
		return auth.GenerateToken(domain.UserID(o.user), o.displayName)
	}
}

func main() {
	o := parseFlags()

	if err := godotenv.Load(o.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	if o.user == "" {
		o.user = os.Getenv("PEERCALL_USER")
	}
	if o.token == "" {
		o.token = os.Getenv("PEERCALL_TOKEN")
	}
	if o.user == "" {
		fmt.Fprintln(os.Stderr, "a user id is required (--user or PEERCALL_USER)")
		os.Exit(2)
	}

	cfg, err := config.Load(o.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if o.relayURL != "" {
		if err := validation.ValidateURL(o.relayURL); err != nil {
			fmt.Fprintf(os.Stderr, "--relay: %v\n", err)
			os.Exit(2)
		}
		cfg.Signal.URL = o.relayURL
	}
	if o.credentialsURL != "" {
		cfg.WebRTC.CredentialsURL = o.credentialsURL
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, "console")
	defer zapLogger.Sync()
	log := zapLogger.Sugar().With("user_id", o.user)

	tp, err := tracing.Init(cfg.Tracing)
	if err != nil {
		log.Fatalw("failed to initialise tracing", "error", err)
	}
	defer tp.Shutdown(context.Background())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	collector := monitoring.NewPrometheusCollector(reg)
	if o.metricsAddress != "" {
		go serveMetrics(ctx, o.metricsAddress, reg, log)
	}

	selector, err := newCodecSelector(o)
	if err != nil {
		log.Fatalw("failed to configure codecs", "error", err)
	}

	factoryCfg := webrtcinfra.FactoryConfig{
		RegisterCodecs: func(m *webrtc.MediaEngine) error {
			selector.Populate(m)
			return nil
		},
	}
	factoryCfg.PortRange.Min = cfg.WebRTC.PortRange.Min
	factoryCfg.PortRange.Max = cfg.WebRTC.PortRange.Max
	factory, err := webrtcinfra.NewFactory(factoryCfg, log)
	if err != nil {
		log.Fatalw("failed to create peer connection factory", "error", err)
	}

	tokens := tokenSource(o, cfg)

	acquirerCfg := services.DefaultAcquirerConfig()
	acquirerCfg.SilenceChecks = cfg.Call.SilenceChecks
	acquirerCfg.SilenceCheckInterval = cfg.Call.SilenceCheckInterval
	acquirer := services.NewMediaAcquirer(acquirerCfg, capture.NewCapturer(selector, log), collector, nil, log)

	var fetcher ports.CredentialFetcher
	if cfg.WebRTC.CredentialsURL != "" {
		if err := validation.ValidateURL(cfg.WebRTC.CredentialsURL); err != nil {
			log.Fatalw("invalid credentials url", "error", err)
		}
		endpoint := strings.TrimRight(cfg.WebRTC.CredentialsURL, "/") + "/turn-credentials"
		fetcher = turn.NewHTTPFetcher(endpoint, tokens, cfg.WebRTC.CredentialsTimeout)
	}
	iceConfig := services.NewCredentialCache(
		cfg.WebRTC.ReflectionServers,
		fetcher,
		cfg.Call.CredentialSafetyMargin,
		nil,
		log,
	)

	clientCfg := signalclient.DefaultClientConfig(cfg.Signal.URL, tokens)
	clientCfg.PingInterval = cfg.Signal.PingInterval
	clientCfg.PongTimeout = cfg.Signal.PongTimeout
	clientCfg.WriteTimeout = cfg.Signal.WriteTimeout
	clientCfg.SendBuffer = cfg.Signal.SendBuffer
	if cfg.Signal.DialAttempts > 0 {
		clientCfg.Dial.MaxAttempts = cfg.Signal.DialAttempts
	}
	client := signalclient.NewClient(clientCfg, log)

	machineCfg := services.DefaultMachineConfig(domain.UserID(o.user))
	machineCfg.SetupTimeout = cfg.Call.SetupTimeout
	machineCfg.CheckingTimeout = cfg.Call.CheckingTimeout
	machineCfg.DisconnectedGrace = cfg.Call.DisconnectedGrace
	machineCfg.MaxPathRestarts = cfg.Call.MaxPathRestarts
	machineCfg.NotificationBuffer = cfg.Call.NotificationBuffer
	machine := services.NewCallMachine(machineCfg, services.MachineDeps{
		Signaler: client,
		ICE:      iceConfig,
		Acquirer: acquirer,
		Factory:  factory,
		Metrics:  collector,
	}, log)

	machineDone := make(chan error, 1)
	go func() { machineDone <- machine.Run(ctx) }()

	go func() {
		if err := client.Run(ctx, machine); err != nil && !errors.Is(err, context.Canceled) {
			log.Errorw("relay connection given up", "error", err)
			stop()
		}
	}()

	go func() {
		for n := range machine.Notifications() {
			fmt.Println(formatNotification(n))
		}
	}()

	fmt.Printf("peercall softphone as %s, relay %s\n", o.user, cfg.Signal.URL)
	fmt.Println(helpText)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			cmd, ok := parseCommand(line)
			if !ok {
				continue
			}
			cmdCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			err := execute(cmdCtx, machine, cmd, os.Stdout)
			cancel()
			if errors.Is(err, errQuit) {
				break loop
			}
			if err != nil {
				fmt.Printf("error: %v\n", err)
			}
		}
	}

	stop()
	select {
	case <-machineDone:
	case <-time.After(5 * time.Second):
		log.Warn("call machine did not stop in time")
	}
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, log *zap.SugaredLogger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Infow("serving call metrics", "address", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Errorw("metrics server failed", "error", err)
	}
}
