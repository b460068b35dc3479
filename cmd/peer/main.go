package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"teleconsult/internal/core/domain"
	"teleconsult/internal/core/ports"
	"teleconsult/internal/core/services"
	"teleconsult/internal/infrastructure/distributed"
	"teleconsult/internal/infrastructure/monitoring"
	redisrepo "teleconsult/internal/infrastructure/repositories/redis"
	signalinfra "teleconsult/internal/infrastructure/signal"
	"teleconsult/internal/infrastructure/webrtc"
	"teleconsult/pkg/circuitbreaker"
	"teleconsult/pkg/config"
	"teleconsult/pkg/logger"
	"teleconsult/pkg/utils"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	pionwebrtc "github.com/pion/webrtc/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	cfgFile     string
	roomID      string
	participant string
	transport   string
	signalURL   string

	rootCmd = &cobra.Command{
		Use:   "teleconsult-peer",
		Short: "Join a teleconsultation room as one call participant",
		Long: `teleconsult-peer joins a two party consultation room, negotiates a WebRTC
call with whoever else is in the room and prints every status change.
Type "a" or "v" to toggle the microphone or camera, "r" to renegotiate and
"q" to hang up.`,
		RunE: runPeer,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (defaults plus env overrides when empty)")
	rootCmd.Flags().StringVarP(&roomID, "room", "r", "", "room to join")
	rootCmd.Flags().StringVarP(&participant, "id", "i", "", "participant id (generated when empty)")
	rootCmd.Flags().StringVarP(&transport, "transport", "t", "ws", "signaling transport: ws or redis")
	rootCmd.Flags().StringVarP(&signalURL, "url", "u", "", "relay websocket url (overrides signal.url)")
	rootCmd.MarkFlagRequired("room")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runPeer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if participant == "" {
		participant = utils.GenerateParticipantID()
	}
	if signalURL != "" {
		cfg.Signal.URL = signalURL
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar().With("participant_id", participant)

	channel, closeChannel, err := newChannel(cfg, log)
	if err != nil {
		return err
	}
	defer closeChannel()

	metrics := monitoring.NewPrometheusCollector(prometheus.NewRegistry())
	factory, err := webrtc.NewFactory(webrtcConfig(cfg), metrics, log)
	if err != nil {
		return fmt.Errorf("create peer connection factory: %w", err)
	}
	media := webrtc.NewMediaSource(webrtc.DeviceConfig{
		AudioAvailable: cfg.Media.Audio.Available,
		VideoAvailable: cfg.Media.Video.Available,
	}, log)

	manager := services.NewRoomManager(services.SessionDeps{
		Channel: channel,
		Factory: factory,
		Media:   media,
		Metrics: metrics,
	}, roomManagerConfig(cfg), log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	call, err := manager.Join(ctx, domain.RoomID(roomID), domain.ParticipantID(participant))
	if err != nil {
		return err
	}
	log.Infow("waiting for the other participant", "room_id", roomID)

	feeding := false
	commands := readCommands(os.Stdin)
	for {
		select {
		case st, ok := <-call.Status():
			if !ok {
				log.Infow("call ended", "state", call.State())
				return nil
			}
			printStatus(cmd, st)
			if !feeding {
				if local, ok := call.LocalMedia().(*webrtc.LocalMedia); ok {
					feeding = true
					go webrtc.FeedSilence(ctx, local)
				}
			}

		case line, ok := <-commands:
			if !ok {
				commands = nil
				continue
			}
			if quit := handleCommand(ctx, call, line, log); quit {
				return hangUp(manager, log)
			}

		case <-ctx.Done():
			return hangUp(manager, log)
		}
	}
}

func newChannel(cfg *config.Config, log *zap.SugaredLogger) (ports.SignalingChannel, func(), error) {
	switch transport {
	case "ws":
		clientCfg := signalinfra.DefaultClientConfig(cfg.Signal.URL)
		clientCfg.PingInterval = cfg.Signal.PingInterval
		clientCfg.PongTimeout = cfg.Signal.PongTimeout
		clientCfg.WriteTimeout = cfg.Signal.WriteTimeout
		clientCfg.SendBuffer = cfg.Signal.SendBuffer
		clientCfg.MaxMessageSize = cfg.RateLimiting.WebSocket.MaxMessageSizeBytes
		ch := signalinfra.NewWebSocketChannel(clientCfg, log)
		return ch, func() { ch.Close() }, nil

	case "redis":
		client, err := redisrepo.NewRedisClient(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, cfg.Redis.KeyPrefix, log)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to redis: %w", err)
		}
		rooms := redisrepo.NewRedisRoomRepository(client, cfg.Redis.KeyPrefix)
		breaker := circuitbreaker.New(circuitbreaker.DefaultConfig())
		ch := distributed.NewRedisChannel(client, rooms, cfg.Redis.KeyPrefix, uuid.NewString(), breaker, log)
		return ch, func() {
			ch.Close()
			redisrepo.CloseRedisClient(client)
		}, nil
	}
	return nil, nil, fmt.Errorf("unknown transport %q", transport)
}

func webrtcConfig(cfg *config.Config) webrtc.Config {
	out := webrtc.Config{}
	for _, s := range cfg.WebRTC.ICEServers {
		out.ICEServers = append(out.ICEServers, pionwebrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	out.PortRange.Min = cfg.WebRTC.PortRange.Min
	out.PortRange.Max = cfg.WebRTC.PortRange.Max
	return out
}

func roomManagerConfig(cfg *config.Config) services.RoomManagerConfig {
	out := services.DefaultRoomManagerConfig()
	out.JoinTimeout = cfg.Call.JoinTimeout
	out.RenegotiateDebounce = cfg.Call.RenegotiateDebounce

	session := &out.Session
	session.Constraints = domain.MediaConstraints{Audio: cfg.Media.Audio.Request, Video: cfg.Media.Video.Request}
	session.NegotiationTimeout = cfg.Call.NegotiationTimeout
	session.LivenessThreshold = cfg.Call.LivenessThreshold
	session.CandidateRetry.MaxAttempts = cfg.Call.CandidateRetry.MaxAttempts
	session.CandidateRetry.InitialDelay = cfg.Call.CandidateRetry.InitialDelay
	session.CandidateRetry.MaxDelay = cfg.Call.CandidateRetry.MaxDelay
	return out
}

func readCommands(f *os.File) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			out <- strings.TrimSpace(scanner.Text())
		}
	}()
	return out
}

func handleCommand(ctx context.Context, call *services.Call, line string, log *zap.SugaredLogger) bool {
	switch line {
	case "a":
		enabled, err := call.ToggleAudio()
		if err != nil {
			log.Warnw("toggle audio failed", "error", err)
			return false
		}
		log.Infow("microphone toggled", "enabled", enabled)
	case "v":
		enabled, err := call.ToggleVideo()
		if err != nil {
			log.Warnw("toggle video failed", "error", err)
			return false
		}
		log.Infow("camera toggled", "enabled", enabled)
	case "r":
		call.RequestRenegotiation()
	case "q":
		return true
	case "":
	default:
		log.Infow("unknown command", "command", line)
	}
	return false
}

func printStatus(cmd *cobra.Command, st domain.Status) {
	line := fmt.Sprintf("%s [%s] %s", st.At.Format(time.TimeOnly), st.Room, st.State)
	if st.Peer != "" {
		line += fmt.Sprintf(" peer=%s role=%s", st.Peer, st.Role)
	}
	if st.Error != nil {
		line += fmt.Sprintf(" error=%s: %s", st.Error.Kind, st.Error.Message)
	}
	fmt.Fprintln(cmd.OutOrStdout(), line)
}

func hangUp(manager *services.RoomManager, log *zap.SugaredLogger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := manager.Close(ctx); err != nil {
		log.Warnw("hang up finished with errors", "error", err)
		return err
	}
	return nil
}
