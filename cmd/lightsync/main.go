package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

const version = "1.0.0"

func printVersion() {
	fmt.Printf("lightsync v%s\n", version)
	fmt.Println("Festival light-sync client: turns a screen into a crowd light")
}

func printUsage() {
	printVersion()
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  lightsync [OPTIONS]")
	fmt.Println("  lightsync ctl [OPTIONS] status|section <name>|beat-toggle")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Subscribes to the show coordinator (websocket push, HTTP polling on")
	fmt.Println("  failure), renders light commands locally and flashes on beats. With an")
	fmt.Println("  audio source it also detects the tempo and reports it to the coordinator.")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  -config string")
	fmt.Println("        Path to YAML config file (optional; defaults apply when omitted)")
	fmt.Println()
	fmt.Println("  -ws-url string")
	fmt.Println("        Coordinator websocket base, e.g. ws://show.local:8001/ws")
	fmt.Println()
	fmt.Println("  -api-url string")
	fmt.Println("        Coordinator REST base, e.g. http://show.local:8001/api")
	fmt.Println()
	fmt.Println("  -section string")
	fmt.Println("        Section of the venue: all, left, center, right (default \"all\")")
	fmt.Println()
	fmt.Println("  -client-id string")
	fmt.Println("        Participant id (default: random)")
	fmt.Println()
	fmt.Println("  -poll-interval-ms int")
	fmt.Printf("        Polling interval after push failure in ms (default %d)\n", defaultPollIntervalMS)
	fmt.Println()
	fmt.Println("  -frame-hz int")
	fmt.Printf("        Render frame rate (default %d)\n", defaultFrameHz)
	fmt.Println()
	fmt.Println("  -beat-source string")
	fmt.Println("        Audio for beat detection: - (s16le PCM on stdin), a .wav/.mp3 file, or a PCM device/fifo")
	fmt.Println()
	fmt.Println("  -beat-loop")
	fmt.Println("        Loop a .wav/.mp3 beat source")
	fmt.Println()
	fmt.Println("  -beat-sync")
	fmt.Println("        Start with beat detection enabled")
	fmt.Println()
	fmt.Println("  -status")
	fmt.Println("        Serve the local status API and /ws")
	fmt.Println()
	fmt.Println("  -status-listen string")
	fmt.Printf("        Status listen address (default %q)\n", defaultStatusListen)
	fmt.Println()
	fmt.Println("  -ipc-socket string")
	fmt.Printf("        Unix domain socket path for IPC, empty disables (default %q)\n", defaultSocketPath)
	fmt.Println()
	fmt.Println("  -mqtt")
	fmt.Println("        Mirror the light state to MQTT")
	fmt.Println()
	fmt.Println("  -mqtt-broker string")
	fmt.Println("        MQTT broker URL (default \"tcp://127.0.0.1:1883\")")
	fmt.Println()
	fmt.Println("  -tui")
	fmt.Println("        Render the light full-screen in this terminal")
	fmt.Println()
	fmt.Println("  -log-file string")
	fmt.Println("        Write logs to this file (default stderr; lightsync.log with -tui)")
	fmt.Println()
	fmt.Println("  -log-level string")
	fmt.Println("        Log level: error, warn, info, debug (default \"info\")")
	fmt.Println()
	fmt.Println("  -version")
	fmt.Println("        Print version and exit")
	fmt.Println()
	fmt.Println("  -help")
	fmt.Println("        Print this help message")
	fmt.Println()
	fmt.Println("ENVIRONMENT:")
	fmt.Println("  A .env file in the working directory is loaded first. LIGHTSYNC_* variables")
	fmt.Println("  (LIGHTSYNC_WS_URL, LIGHTSYNC_API_URL, LIGHTSYNC_SECTION, LIGHTSYNC_BEAT_SOURCE, ...)")
	fmt.Println("  override the config file; flags override both.")
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  # Join the left section and render in the terminal")
	fmt.Println("  lightsync -ws-url ws://show.local:8001/ws -api-url http://show.local:8001/api -section left -tui")
	fmt.Println()
	fmt.Println("  # Sound desk: detect beats from the line input")
	fmt.Println("  arecord -f S16_LE -r 44100 -c 1 -t raw | lightsync -beat-source - -beat-sync")
	fmt.Println()
	fmt.Println("  # Change section of a running client")
	fmt.Println("  lightsync ctl section right")
	fmt.Println()
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "ctl" {
		os.Exit(runCtlSubcommand(os.Args[2:]))
	}

	for _, arg := range os.Args[1:] {
		if arg == "-version" || arg == "--version" {
			printVersion()
			return
		}
		if arg == "-help" || arg == "--help" || arg == "-h" {
			printUsage()
			return
		}
	}

	// Flags only override values when explicitly set.
	var (
		configPath = flag.String("config", "", "Path to YAML config file")

		wsURL  = flag.String("ws-url", "", "Coordinator websocket base URL")
		apiURL = flag.String("api-url", "", "Coordinator REST base URL")

		section  = flag.String("section", "", "Section: all, left, center, right")
		clientID = flag.String("client-id", "", "Participant id")
		beatSync = flag.Bool("beat-sync", false, "Start with beat detection enabled")

		pollIntervalMS = flag.Int("poll-interval-ms", 0, "Polling interval in ms")
		frameHz        = flag.Int("frame-hz", 0, "Render frame rate")

		beatSource = flag.String("beat-source", "", "Audio source for beat detection")
		beatLoop   = flag.Bool("beat-loop", false, "Loop a file beat source")

		statusEnabled = flag.Bool("status", false, "Serve the local status API")
		statusListen  = flag.String("status-listen", "", "Status listen address")

		ipcSocketPath = flag.String("ipc-socket", "", "Unix domain socket path for IPC")

		mqttEnabled = flag.Bool("mqtt", false, "Mirror state to MQTT")
		mqttBroker  = flag.String("mqtt-broker", "", "MQTT broker URL")

		tui         = flag.Bool("tui", false, "Render full-screen in this terminal")
		logFile     = flag.String("log-file", "", "Write logs to this file")
		logLevelStr = flag.String("log-level", "", "Log level: error, warn, info, debug")

		showVersion = flag.Bool("version", false, "Print version and exit")
		showHelp    = flag.Bool("help", false, "Print help message")
	)

	flag.Usage = printUsage
	flag.Parse()

	if *showHelp {
		printUsage()
		return
	}
	if *showVersion {
		printVersion()
		return
	}

	// A missing .env is normal.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "error: load .env:", err)
		os.Exit(1)
	}

	cfg := DefaultConfig()
	if *configPath != "" {
		loaded, err := LoadConfigFile(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	var o FlagOverrides
	if set["ws-url"] {
		o.WsURL = wsURL
	}
	if set["api-url"] {
		o.APIURL = apiURL
	}
	if set["section"] {
		o.Section = section
	}
	if set["client-id"] {
		o.ClientID = clientID
	}
	if set["beat-sync"] {
		o.BeatSync = beatSync
	}
	if set["poll-interval-ms"] {
		o.PollIntervalMS = pollIntervalMS
	}
	if set["frame-hz"] {
		o.FrameHz = frameHz
	}
	if set["beat-source"] {
		o.BeatSource = beatSource
	}
	if set["beat-loop"] {
		o.BeatLoop = beatLoop
	}
	if set["status"] {
		o.StatusEnabled = statusEnabled
	}
	if set["status-listen"] {
		o.StatusListen = statusListen
	}
	if set["ipc-socket"] {
		o.IPCSocketPath = ipcSocketPath
	}
	if set["mqtt"] {
		o.MQTTEnabled = mqttEnabled
	}
	if set["mqtt-broker"] {
		o.MQTTBroker = mqttBroker
	}
	if set["log-level"] {
		o.LogLevel = logLevelStr
	}
	o.Apply(&cfg)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	logLevel, err := parseLogLevel(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	// The terminal renderer owns the screen, so logs go to a file in that mode.
	var logOut io.Writer = os.Stderr
	logPath := *logFile
	if logPath == "" && *tui {
		logPath = "lightsync.log"
	}
	if logPath != "" {
		f, err := os.OpenFile(ExpandPath(logPath), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error: open log file:", err)
			os.Exit(1)
		}
		defer f.Close()
		logOut = f
	}
	logger := setupLogger(logLevel, logOut)

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM, unix.SIGHUP)
	defer stop()

	if err := run(ctx, stop, cfg, *tui, logger); err != nil {
		logger.Error("lightsync stopped with error", "error", err)
		os.Exit(1)
	}
}

// run wires every component and blocks until ctx is done or one of them
// fails. stop cancels ctx; the terminal renderer calls it when the user quits.
func run(ctx context.Context, stop context.CancelFunc, cfg Config, tui bool, logger *slog.Logger) error {
	section := Section(cfg.Client.Section)

	g, gctx := errgroup.WithContext(ctx)

	ctrl := NewController(gctx, Snapshot{Color: Black, ConnState: ConnConnecting, Section: section}, defaultEventBuffer, logger.With("component", "controller"))
	transport := NewTransport(cfg.ToTransportConfig(), logger.With("component", "transport"))

	// Beat pipeline. Without a source, enabling beat sync reports it unavailable.
	var broadcaster *BeatBroadcaster
	if src := newAudioSource(cfg.Beat.Source, cfg.Beat.SampleRate, cfg.Beat.Loop); src != nil {
		det, err := NewBeatDetector(cfg.ToBeatDetectorConfig(), src, logger.With("component", "beat"))
		if err != nil {
			return fmt.Errorf("beat detector: %w", err)
		}
		broadcaster = NewBeatBroadcaster(det, transport, time.Duration(cfg.Beat.ReportIntervalMS)*time.Millisecond, logger.With("component", "beat"))
	}

	timers := newTimerArena(func(e Event) { ctrl.Post(e) })
	deps := &effectDeps{
		timers:    timers,
		transport: transport,
	}
	if broadcaster != nil {
		sw := newBeatSwitch(broadcaster, ctrl.Post, logger.With("component", "beat"))
		deps.beats = sw
		g.Go(func() error {
			sw.Run(gctx)
			return nil
		})
	}

	// Beat capture starts through the reducer so a failure latches the flag.
	state := newControllerState(section, false)
	broadcasts := make(chan StateBroadcast, 64)

	// Subscribe before the daemon starts so no snapshot is missed.
	var statusSnaps, mqttSnaps, tuiSnaps <-chan Snapshot
	if cfg.Status.Enabled {
		statusSnaps, _ = ctrl.Subscribe(64)
	}
	if cfg.MQTT.Enabled {
		mqttSnaps, _ = ctrl.Subscribe(64)
	}
	if tui {
		tuiSnaps, _ = ctrl.Subscribe(8)
	}

	g.Go(func() error {
		runDaemon(gctx, ctrl.Events(), deps, cfg.ToControllerConfig(), state, cfg.Render.FrameHz, broadcasts, logger.With("component", "daemon"))
		return nil
	})
	g.Go(func() error {
		ctrl.Run(gctx, broadcasts)
		return nil
	})
	if broadcaster != nil {
		defer broadcaster.Stop()
	}

	if cfg.Client.BeatSync {
		ctrl.Post(ToggleBeatSync{})
	}

	sub, err := transport.Subscribe(gctx, section, ctrl)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	g.Go(func() error {
		<-gctx.Done()
		sub.Close()
		return nil
	})

	if cfg.Status.Enabled {
		hub := NewHub(logger.With("component", "status"), HubConfig{})
		srv := newStatusServer(ctrl, hub, !tui, logger.With("component", "status"))
		g.Go(func() error {
			hub.Run(gctx)
			return nil
		})
		g.Go(func() error {
			RunBroadcaster(gctx, hub, statusSnaps, logger.With("component", "status"))
			return nil
		})
		g.Go(func() error {
			return runStatusServer(gctx, cfg.Status.Listen, srv, logger.With("component", "status"))
		})
	}

	if cfg.IPC.SocketPath != "" {
		g.Go(func() error {
			return runIPCServer(gctx, ExpandPath(cfg.IPC.SocketPath), ctrl, logger.With("component", "ipc"))
		})
	}

	if cfg.MQTT.Enabled {
		g.Go(func() error {
			// The light keeps working without the mirror.
			if err := runMQTTMirror(gctx, cfg.MQTT, cfg.Client.ClientID, mqttSnaps, logger.With("component", "mqtt")); err != nil {
				logger.Error("mqtt mirror disabled", "error", err)
			}
			return nil
		})
	}

	if tui {
		g.Go(func() error {
			defer stop()
			return runTUI(gctx, ctrl, tuiSnaps)
		})
	}

	logger.Info("lightsync started",
		"version", version,
		"client_id", cfg.Client.ClientID,
		"section", section,
		"ws_url", cfg.Server.WsURL,
		"api_url", cfg.Server.APIURL,
		"beat_source", cfg.Beat.Source,
		"status", cfg.Status.Enabled,
		"mqtt", cfg.MQTT.Enabled,
	)

	err = g.Wait()
	logger.Info("shutting down")
	return err
}

func printCtlUsage() {
	fmt.Printf("lightsync ctl v%s\n", version)
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  lightsync ctl [OPTIONS] status")
	fmt.Println("  lightsync ctl [OPTIONS] section all|left|center|right")
	fmt.Println("  lightsync ctl [OPTIONS] beat-toggle")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  -ipc-socket string")
	fmt.Printf("        Unix domain socket path for IPC (default %q)\n", defaultSocketPath)
	fmt.Println()
}

// runCtlSubcommand controls a running client over IPC and returns the exit code.
func runCtlSubcommand(args []string) int {
	fs := flag.NewFlagSet("ctl", flag.ExitOnError)
	socketPath := fs.String("ipc-socket", defaultSocketPath, "Unix domain socket path for IPC")
	showHelp := fs.Bool("help", false, "Print help message")
	fs.Usage = printCtlUsage
	_ = fs.Parse(args)

	if *showHelp || fs.NArg() == 0 {
		printCtlUsage()
		return 2
	}

	path := ExpandPath(*socketPath)
	switch fs.Arg(0) {
	case "status":
		snap, err := QueryIPCStatus(path)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			return 1
		}
		fmt.Printf("color=%s active=%t section=%s link=%s beat_sync=%t beat_mode=%t\n",
			snap.Color.Hex(), snap.IsActive, snap.Section, snap.ConnState, snap.BeatSync, snap.BeatMode)

	case "section":
		if fs.NArg() < 2 {
			fmt.Fprintln(os.Stderr, "error: section requires a name")
			return 2
		}
		sec, err := ParseSection(fs.Arg(1))
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			return 2
		}
		if err := SendIPCControl(path, ChangeSection{Section: sec}); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			return 1
		}

	case "beat-toggle":
		if err := SendIPCControl(path, ToggleBeatSync{}); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			return 1
		}

	default:
		fmt.Fprintf(os.Stderr, "error: unknown ctl command %q\n", fs.Arg(0))
		return 2
	}
	return 0
}
