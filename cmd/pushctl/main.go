// Command pushctl registers devices, probes gateways and sends one-off notifications
// through the same connection pools the service uses.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"github.com/google/uuid"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
	"github.com/tinywideclouds/go-platform/pkg/notification/v1"
	"gopkg.in/yaml.v3"

	"github.com/tinywideclouds/go-push-pool/internal/platform/fcm"
	fsStore "github.com/tinywideclouds/go-push-pool/internal/storage/firestore"
	"github.com/tinywideclouds/go-push-pool/notificationservice"
	"github.com/tinywideclouds/go-push-pool/notificationservice/config"
	"github.com/tinywideclouds/go-push-pool/pkg/dispatch"
)

const usage = `usage: pushctl <command> [flags]

commands:
  register  store a device token for a user
  probe     test the gateway connection of every configured platform
  send      send one notification to one device token
`

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "register":
		err = runRegister(ctx, os.Args[2:], os.Stdout, logger)
	case "probe":
		err = runProbe(ctx, os.Args[2:], os.Stdout, logger)
	case "send":
		err = runSend(ctx, os.Args[2:], os.Stdout, logger)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, "pushctl:", err)
		}
		os.Exit(1)
	}
}

// loadConfig reads an optional YAML file and applies environment overrides on top.
func loadConfig(path string, logger *slog.Logger) (*config.Config, error) {
	cfg := &config.Config{}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		var yamlCfg config.YamlConfig
		if err := yaml.Unmarshal(raw, &yamlCfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
		if cfg, err = config.NewConfigFromYaml(&yamlCfg, logger); err != nil {
			return nil, err
		}
	}
	if err := config.ApplyEnvOverrides(cfg, logger); err != nil {
		return nil, err
	}
	config.ApplyDefaults(cfg)
	return cfg, nil
}

func parsePlatform(s string) (dispatch.Platform, error) {
	p := dispatch.Platform(s)
	switch p {
	case dispatch.PlatformAPNS, dispatch.PlatformFCM, dispatch.PlatformWeb:
		return p, nil
	}
	return "", fmt.Errorf("unknown platform %q (want apns, fcm or web)", s)
}

func openConnections(ctx context.Context, cfg *config.Config, logger *slog.Logger) (map[dispatch.Platform]dispatch.Connection, error) {
	var fcmFactory fcm.ClientFactory
	if cfg.FCM.Enabled {
		app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID})
		if err != nil {
			return nil, fmt.Errorf("firebase app: %w", err)
		}
		fcmFactory = func(ctx context.Context) (fcm.MessagingClient, error) {
			return app.Messaging(ctx)
		}
	}
	return notificationservice.NewConnections(ctx, cfg, fcmFactory, logger)
}

func runProbe(ctx context.Context, args []string, out io.Writer, logger *slog.Logger) error {
	fs := flag.NewFlagSet("probe", flag.ContinueOnError)
	configPath := fs.String("config", "", "YAML config file")
	timeout := fs.Duration("timeout", 10*time.Second, "probe timeout per platform")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath, logger)
	if err != nil {
		return err
	}
	conns, err := openConnections(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer notificationservice.CloseConnections(conns, logger)

	return probeAll(ctx, conns, *timeout, out)
}

// probeAll tests every connection in platform order and reports each result.
func probeAll(ctx context.Context, conns map[dispatch.Platform]dispatch.Connection, timeout time.Duration, out io.Writer) error {
	platforms := make([]dispatch.Platform, 0, len(conns))
	for p := range conns {
		platforms = append(platforms, p)
	}
	slices.Sort(platforms)

	failed := 0
	for _, p := range platforms {
		probeCtx, cancel := context.WithTimeout(ctx, timeout)
		err := conns[p].TestConnection(probeCtx)
		cancel()
		if err != nil {
			failed++
			fmt.Fprintf(out, "%-5s FAIL %v\n", p, err)
			continue
		}
		fmt.Fprintf(out, "%-5s ok\n", p)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d probes failed", failed, len(platforms))
	}
	return nil
}

type sendFlags struct {
	platform   string
	token      string
	title      string
	body       string
	collapseID string
	ttl        time.Duration
}

// buildMessage turns the send flags into a message with a fresh id.
func buildMessage(f sendFlags, now time.Time) (dispatch.Platform, *dispatch.Message, error) {
	platform, err := parsePlatform(f.platform)
	if err != nil {
		return "", nil, err
	}
	if f.token == "" {
		return "", nil, errors.New("-token is required")
	}
	if f.title == "" && f.body == "" {
		return "", nil, errors.New("one of -title or -body is required")
	}

	msg := &dispatch.Message{
		ID:         uuid.NewString(),
		Token:      []byte(f.token),
		Content:    notification.NotificationContent{Title: f.title, Body: f.body},
		CollapseID: f.collapseID,
	}
	if f.ttl > 0 {
		msg.Expiration = now.Add(f.ttl)
	}
	return platform, msg, nil
}

func runSend(ctx context.Context, args []string, out io.Writer, logger *slog.Logger) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	configPath := fs.String("config", "", "YAML config file")
	var f sendFlags
	fs.StringVar(&f.platform, "platform", "", "apns, fcm or web")
	fs.StringVar(&f.token, "token", "", "device token, or the subscription JSON for web")
	fs.StringVar(&f.title, "title", "", "notification title")
	fs.StringVar(&f.body, "body", "", "notification body")
	fs.StringVar(&f.collapseID, "collapse", "", "collapse id")
	fs.DurationVar(&f.ttl, "ttl", 0, "time to live; zero leaves the gateway default")
	timeout := fs.Duration("timeout", 30*time.Second, "send timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	platform, msg, err := buildMessage(f, time.Now())
	if err != nil {
		return err
	}
	cfg, err := loadConfig(*configPath, logger)
	if err != nil {
		return err
	}
	conns, err := openConnections(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer notificationservice.CloseConnections(conns, logger)

	conn, ok := conns[platform]
	if !ok {
		return fmt.Errorf("platform %s is not configured", platform)
	}

	sendCtx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	if err := conn.Send(sendCtx, msg); err != nil {
		if dispatch.IsPermanent(err) {
			return fmt.Errorf("device rejected permanently: %w", err)
		}
		return err
	}
	fmt.Fprintf(out, "sent %s to %s\n", msg.ID, platform)
	return nil
}

func runRegister(ctx context.Context, args []string, out io.Writer, logger *slog.Logger) error {
	fs := flag.NewFlagSet("register", flag.ContinueOnError)
	configPath := fs.String("config", "", "YAML config file")
	user := fs.String("user", "", "user URN")
	platformFlag := fs.String("platform", "", "apns, fcm or web")
	token := fs.String("token", "", "device token, or the subscription JSON for web")
	if err := fs.Parse(args); err != nil {
		return err
	}

	userURN, err := urn.Parse(*user)
	if err != nil {
		return fmt.Errorf("invalid -user: %w", err)
	}
	platform, err := parsePlatform(*platformFlag)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(*configPath, logger)
	if err != nil {
		return err
	}
	if cfg.ProjectID == "" {
		return errors.New("project_id is required (config file or PROJECT_ID)")
	}

	client, err := firestore.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return fmt.Errorf("firestore client: %w", err)
	}
	defer client.Close()
	store := fsStore.NewFirestoreStore(client, logger)

	if platform == dispatch.PlatformWeb {
		var sub notification.WebPushSubscription
		if err := json.Unmarshal([]byte(*token), &sub); err != nil {
			return fmt.Errorf("web token must be a subscription JSON object: %w", err)
		}
		err = store.RegisterWeb(ctx, userURN, sub)
	} else {
		err = store.Register(ctx, userURN, platform, *token)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "registered %s device for %s\n", platform, userURN.String())
	return nil
}
