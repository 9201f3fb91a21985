// ABOUTME: Entry point for the chatsync command-line chat client
// ABOUTME: Interactive conversation loop over the sync engine with slash commands

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/solstice-im/chatsync/internal/config"
	"github.com/solstice-im/chatsync/internal/credentials"
	"github.com/solstice-im/chatsync/internal/engine"
	"github.com/solstice-im/chatsync/internal/message"
	"github.com/solstice-im/chatsync/internal/metrics"
	"github.com/solstice-im/chatsync/internal/transport"
)

// Version is set by goreleaser at build time.
var version = "dev"

// getConfigPath returns the path to the engine config file.
// Priority: CHATSYNC_CONFIG env var > XDG_CONFIG_HOME/chatsync/config.yaml > ~/.config/chatsync/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("CHATSYNC_CONFIG"); envPath != "" {
		return envPath
	}
	return filepath.Join(configDir(), "chatsync", "config.yaml")
}

// getProfilePath returns the path to the CLI profile file.
// Priority: CHATSYNC_PROFILE env var > XDG_CONFIG_HOME/chatsync/profile.toml > ~/.config/chatsync/profile.toml
func getProfilePath() string {
	if envPath := os.Getenv("CHATSYNC_PROFILE"); envPath != "" {
		return envPath
	}
	return filepath.Join(configDir(), "chatsync", "profile.toml")
}

func configDir() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "." // fallback
		}
		dir = filepath.Join(homeDir, ".config")
	}
	return dir
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: chatsync <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  chat [--partner ID | --group ID]  Open a conversation")
		fmt.Println("  init                              Create config and profile files")
		fmt.Println("  whoami                            Show the identity in the configured token")
		fmt.Println("  version                           Print the version")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "chat":
		err = runChat(ctx)
	case "init":
		err = runInit()
	case "whoami":
		err = runWhoami()
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runChat(ctx context.Context) error {
	// Parse args with explicit error handling
	// Supports both "--partner value" and "--partner=value" formats
	var partnerID, groupID string
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--partner" || arg == "-p":
			if i+1 >= len(args) {
				return fmt.Errorf("--partner requires a value")
			}
			partnerID = args[i+1]
			i++
		case strings.HasPrefix(arg, "--partner="):
			partnerID = strings.TrimPrefix(arg, "--partner=")
		case arg == "--group" || arg == "-g":
			if i+1 >= len(args) {
				return fmt.Errorf("--group requires a value")
			}
			groupID = args[i+1]
			i++
		case strings.HasPrefix(arg, "--group="):
			groupID = strings.TrimPrefix(arg, "--group=")
		case strings.HasPrefix(arg, "-"):
			return fmt.Errorf("unknown flag: %s", arg)
		default:
			return fmt.Errorf("unexpected argument: %s", arg)
		}
	}
	if partnerID != "" && groupID != "" {
		return fmt.Errorf("--partner and --group are mutually exclusive")
	}

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	profile, err := LoadProfile(getProfilePath())
	if err != nil {
		return fmt.Errorf("loading profile: %w", err)
	}
	if partnerID == "" && groupID == "" {
		partnerID = profile.Chat.DefaultPartner
	}
	if partnerID == "" && groupID == "" {
		return fmt.Errorf("no conversation: pass --partner or --group, or set chat.default_partner in the profile")
	}

	token, err := profile.ResolveToken()
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)

	m := metrics.New()
	if cfg.Metrics.Enabled {
		if err := serveMetrics(cfg.Metrics, m, logger); err != nil {
			return err
		}
	}

	dialer := &transport.WebsocketDialer{URL: cfg.Server.URL}
	monitor := transport.NewStaticMonitor(true)
	creds := credentials.NewStaticSource(token)

	eng, err := engine.New(cfg, dialer, monitor, creds, m, logger)
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}
	defer eng.Close()

	if err := eng.Start(); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}

	if groupID != "" {
		eng.OpenGroup(groupID)
	} else {
		eng.Open(partnerID)
	}

	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	cyan.Printf("chatsync %s\n", version)
	gray.Printf("server:  %s\n", cfg.Server.URL)
	gray.Printf("you:     %s\n", eng.SelfID())
	if groupID != "" {
		gray.Printf("group:   %s\n", groupID)
	} else {
		gray.Printf("partner: %s\n", partnerID)
	}
	fmt.Println("Type a message and press Enter. /help for commands. Ctrl+C to quit.")
	fmt.Println()

	go renderUpdates(ctx, eng)

	return inputLoop(ctx, eng, profile)
}

// renderUpdates prints incoming activity as the engine's state changes. Own
// messages are echoed at send time in the input loop; this goroutine covers
// everything that arrives from the server.
func renderUpdates(ctx context.Context, eng *engine.Engine) {
	updates := eng.Subscribe(ctx)

	printed := make(map[string]bool)
	partnerWasTyping := false
	lastStatus := ""

	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			switch u.Kind {
			case engine.UpdateMessages:
				for _, msg := range eng.History() {
					if printed[msg.ID] || msg.SenderID == eng.SelfID() {
						continue
					}
					printed[msg.ID] = true
					printMessage(msg, eng.SelfID())
				}
			case engine.UpdateTyping:
				typing := eng.PartnerTyping()
				if typing && !partnerWasTyping {
					color.New(color.Faint).Println("[partner is typing...]")
				}
				partnerWasTyping = typing
			case engine.UpdateConnection:
				status := eng.StatusLine()
				if status != lastStatus {
					color.New(color.FgYellow).Printf("[%s]\n", status)
					lastStatus = status
				}
			}
		}
	}
}

func printMessage(msg *message.Message, selfID string) {
	prefix := color.GreenString("← ")
	if msg.SenderID == selfID {
		prefix = color.BlueString("→ ")
	}

	if msg.IsDeleted {
		fmt.Printf("%s%s\n", prefix, color.New(color.Faint).Sprint(msg.Body))
		return
	}

	body := msg.Body
	if msg.RepliedTo != nil && msg.RepliedTo.Message != nil {
		body = fmt.Sprintf("%s %s", color.New(color.Faint).Sprintf("[re: %s]", truncate(msg.RepliedTo.Message.Body, 30)), body)
	}
	for _, media := range msg.Media {
		body += color.YellowString(" [%s: %s]", media.Kind, media.URL)
	}

	suffix := ""
	switch msg.DeliveryState {
	case message.StatePending:
		suffix = color.New(color.Faint).Sprint(" (sending)")
	case message.StateFailed:
		suffix = color.RedString(" (failed: /retry %s)", msg.ID)
	case message.StateSeen:
		suffix = color.New(color.Faint).Sprint(" (seen)")
	}

	fmt.Printf("%s%s: %s%s\n", prefix, msg.SenderID, body, suffix)
}

func inputLoop(ctx context.Context, eng *engine.Engine, profile *Profile) error {
	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Print("> ")

		inputCh := make(chan string, 1)
		errCh := make(chan error, 1)

		go func() {
			if scanner.Scan() {
				inputCh <- scanner.Text()
			} else {
				if err := scanner.Err(); err != nil {
					errCh <- err
				} else {
					errCh <- io.EOF
				}
			}
		}()

		var input string
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		case input = <-inputCh:
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			if quit := handleCommand(eng, profile, input); quit {
				return nil
			}
			continue
		}

		if profile.Chat.TypingIndicator {
			eng.StartTyping()
		}

		echo, err := eng.Send(input, nil, "")
		if err != nil {
			color.New(color.FgRed).Printf("[error] %v\n", err)
		} else {
			printMessage(echo, eng.SelfID())
		}

		if profile.Chat.TypingIndicator {
			eng.StopTyping()
		}

		// Viewing the conversation after sending counts as reading it.
		eng.MarkRead()
	}
}

// handleCommand executes one slash command; returns true to quit.
func handleCommand(eng *engine.Engine, profile *Profile, input string) bool {
	cmd, arg, _ := strings.Cut(input, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/quit", "/exit", "/q":
		return true

	case "/help":
		printHelp()

	case "/history":
		limit := profile.Chat.HistoryLimit
		msgs := eng.History()
		if len(msgs) > limit && limit > 0 {
			msgs = msgs[len(msgs)-limit:]
		}
		if len(msgs) == 0 {
			fmt.Println("No messages yet")
		}
		for _, msg := range msgs {
			printMessage(msg, eng.SelfID())
		}

	case "/read":
		eng.MarkRead()

	case "/retry":
		if arg == "" {
			fmt.Println("Usage: /retry <message-id>")
			break
		}
		if err := eng.RetrySend(arg); err != nil {
			color.New(color.FgRed).Printf("[error] %v\n", err)
		}

	case "/delete":
		if arg == "" {
			fmt.Println("Usage: /delete <message-id>")
			break
		}
		if err := eng.DeleteMessage(arg); err != nil {
			color.New(color.FgRed).Printf("[error] %v\n", err)
		}

	case "/status":
		fmt.Printf("connection: %s (%s)\n", eng.ConnectionState(), eng.StatusLine())

	case "/reconnect":
		eng.RetryConnection()

	default:
		fmt.Printf("Unknown command: %s (/help for commands)\n", cmd)
	}

	fmt.Println()
	return false
}

func printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  /history       Show recent messages")
	fmt.Println("  /read          Mark the conversation as read")
	fmt.Println("  /retry <id>    Resend a failed message")
	fmt.Println("  /delete <id>   Delete a message")
	fmt.Println("  /status        Show connection state")
	fmt.Println("  /reconnect     Retry the connection")
	fmt.Println("  /help          Show this help")
	fmt.Println("  /quit          Exit")
}

// serveMetrics exposes the engine collectors on a local scrape endpoint.
func serveMetrics(cfg config.MetricsConfig, m *metrics.Metrics, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:9091"
	}
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("metrics endpoint failed", "addr", addr, "error", err)
		}
	}()

	logger.Info("serving metrics", "addr", addr, "path", path)
	return nil
}

func runWhoami() error {
	profile, err := LoadProfile(getProfilePath())
	if err != nil {
		return fmt.Errorf("loading profile: %w", err)
	}
	token, err := profile.ResolveToken()
	if err != nil {
		return err
	}

	claims, err := credentials.Inspect(token)
	if err != nil {
		return fmt.Errorf("inspecting token: %w", err)
	}

	fmt.Printf("user: %s\n", claims.Subject)
	if !claims.ExpiresAt.IsZero() {
		fmt.Printf("token expires: %s\n", claims.ExpiresAt.Format("Jan 02, 2006 15:04"))
	}
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("chatsync configuration setup")
	fmt.Println("============================")
	fmt.Println()

	configPath := prompt(reader, "Config file path", getConfigPath())
	if _, err := os.Stat(configPath); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	serverURL := prompt(reader, "Chat server websocket URL", "wss://chat.example.com/ws")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# chatsync configuration\n")
	cfg.WriteString("# Generated by chatsync init\n\n")
	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  url: \"%s\"\n", serverURL))
	cfg.WriteString("\n")
	cfg.WriteString("connection:\n")
	cfg.WriteString("  max_retries: 5\n")
	cfg.WriteString("  backoff_min: \"1s\"\n")
	cfg.WriteString("  backoff_max: \"5s\"\n")
	cfg.WriteString("  attempt_timeout: \"20s\"\n")
	cfg.WriteString("  watchdog_timeout: \"30s\"\n")
	cfg.WriteString("  background_grace: \"5s\"\n")
	cfg.WriteString("\n")
	cfg.WriteString("receipts:\n")
	cfg.WriteString("  window: \"3s\"\n")
	cfg.WriteString("\n")
	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))
	cfg.WriteString("\n")
	cfg.WriteString("metrics:\n")
	cfg.WriteString("  enabled: false\n")
	cfg.WriteString("  addr: \"localhost:9091\"\n")
	cfg.WriteString("  path: \"/metrics\"\n")

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(cfg.String()), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	fmt.Printf("\nConfig written to %s\n", configPath)

	profilePath := getProfilePath()
	if _, err := os.Stat(profilePath); os.IsNotExist(err) {
		profileContent := `# chatsync profile
# Generated by chatsync init

[session]
# token = "..."              # or set CHATSYNC_TOKEN
# token_file = "~/.config/chatsync/token"

[chat]
# default_partner = "user-id"
typing_indicator = true
history_limit = 20
`
		if err := os.WriteFile(profilePath, []byte(profileContent), 0600); err != nil {
			return fmt.Errorf("writing profile file: %w", err)
		}
		fmt.Printf("Profile written to %s\n", profilePath)
	}

	fmt.Println("\nTo start chatting:")
	fmt.Println("  chatsync chat --partner <user-id>")
	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(&colorHandler{level: level})
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Fprint(os.Stderr, buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

// truncate shortens a string to maxLen, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
