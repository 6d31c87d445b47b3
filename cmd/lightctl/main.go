package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var version = "1.0.0"

var (
	apiURL     string
	timeoutMS  int
	jsonOutput bool

	sendCmdFlags  lightCommand
	sendDuration  int
	sendWaveDelay int

	beatBPM       int
	beatIntensity float64
)

func main() {
	// A missing .env is normal.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "lightctl",
	Short: "Operator console for the festival light coordinator",
	Long: `lightctl drives the show coordinator's REST API: send light commands,
trigger presets, inspect the crowd and run timed cue sheets.

The API base comes from --api-url or LIGHTSYNC_API_URL (a .env file is read).`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a light command",
	Long: `Send a light command to every participant (or one section).

Examples:
  lightctl send --color "#ff0000"
  lightctl send --effect rainbow --color "#ffffff" --speed 2
  lightctl send --effect wave --color "#00ffcc" --wave-direction left_to_right
  lightctl send --effect strobe --color "#ffffff" --duration 3000 --section center`,
	Args: cobra.NoArgs,
	RunE: runSend,
}

var presetCmd = &cobra.Command{
	Use:       "preset <party_mode|calm_wave|festival_finale>",
	Short:     "Trigger a preset pattern",
	Args:      cobra.ExactArgs(1),
	ValidArgs: validPresets,
	RunE:      runPreset,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show connected participants per section",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

var beatCmd = &cobra.Command{
	Use:   "beat",
	Short: "Report a manual beat (tap tempo from the desk)",
	Long: `Report a beat as if detected by a client.

Example:
  lightctl beat --bpm 128 --intensity 0.9`,
	Args: cobra.NoArgs,
	RunE: runBeat,
}

var joinCmd = &cobra.Command{
	Use:       "join <all|left|center|right>",
	Short:     "Announce a section join",
	Args:      cobra.ExactArgs(1),
	ValidArgs: validSections,
	RunE:      runJoin,
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule <cues.yaml>",
	Short: "Run a cue sheet on cron specs",
	Long: `Load a YAML cue sheet and fire each cue on its cron spec until interrupted.

Example cue sheet:
  cues:
    - name: doors
      spec: "0 20 * * *"
      command: {effect: fade, color: "#3030ff", duration: 5000}
    - name: every-minute-pulse
      spec: "@every 1m"
      command: {effect: pulse, color: "#ff00ff", section: center}
    - name: finale
      spec: "30 23 * * *"
      preset: festival_finale`,
	Args: cobra.ExactArgs(1),
	RunE: runScheduleCmd,
}

func init() {
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(presetCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(beatCmd)
	rootCmd.AddCommand(joinCmd)
	rootCmd.AddCommand(scheduleCmd)

	defaultAPI := os.Getenv("LIGHTSYNC_API_URL")
	if defaultAPI == "" {
		defaultAPI = "http://127.0.0.1:8001/api"
	}
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", defaultAPI, "Coordinator REST base URL")
	rootCmd.PersistentFlags().IntVar(&timeoutMS, "timeout-ms", 5000, "Request timeout in milliseconds")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print raw JSON responses")

	sendCmd.Flags().StringVarP(&sendCmdFlags.Color, "color", "c", "", "Hex color, e.g. #ff0000 (required)")
	sendCmd.Flags().StringVarP(&sendCmdFlags.Effect, "effect", "e", "solid", "Effect: solid, pulse, strobe, rainbow, fade, wave")
	sendCmd.Flags().Float64VarP(&sendCmdFlags.Intensity, "intensity", "i", 1, "Intensity 0..1")
	sendCmd.Flags().Float64VarP(&sendCmdFlags.Speed, "speed", "s", 1, "Speed multiplier")
	sendCmd.Flags().IntVarP(&sendDuration, "duration", "d", 0, "Duration in ms (0 = until replaced)")
	sendCmd.Flags().StringVar(&sendCmdFlags.Section, "section", "all", "Target section: all, left, center, right")
	sendCmd.Flags().IntVar(&sendWaveDelay, "wave-delay", -1, "Explicit start delay in ms (-1 = none)")
	sendCmd.Flags().StringVar(&sendCmdFlags.WaveDirection, "wave-direction", "", "Wave direction: left_to_right, right_to_left, center_out")
	_ = sendCmd.MarkFlagRequired("color")

	beatCmd.Flags().IntVar(&beatBPM, "bpm", 0, "Beats per minute (required)")
	beatCmd.Flags().Float64Var(&beatIntensity, "intensity", 1, "Beat intensity 0..1")
	_ = beatCmd.MarkFlagRequired("bpm")
}

func client() (*apiClient, error) {
	return newAPIClient(apiURL, time.Duration(timeoutMS)*time.Millisecond)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runSend(cmd *cobra.Command, args []string) error {
	c, err := client()
	if err != nil {
		return err
	}
	lc := sendCmdFlags
	if sendDuration > 0 {
		d := sendDuration
		lc.Duration = &d
	}
	if sendWaveDelay >= 0 {
		d := sendWaveDelay
		lc.WaveDelay = &d
	}

	res, err := c.SendCommand(cmd.Context(), lc)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(res)
	}
	fmt.Printf("sent to %d participants\n", res.ParticipantCount)
	return nil
}

func runPreset(cmd *cobra.Command, args []string) error {
	c, err := client()
	if err != nil {
		return err
	}
	res, err := c.Preset(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(res)
	}
	fmt.Printf("preset %s triggered\n", args[0])
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	c, err := client()
	if err != nil {
		return err
	}
	s, err := c.Stats(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(s)
	}
	fmt.Print(formatStats(s))
	return nil
}

// formatStats renders stats as aligned lines, sections sorted by name.
func formatStats(s stats) string {
	out := fmt.Sprintf("participants: %d\nadmins:       %d\nconnections:  %d\n", s.Participants, s.Admins, s.TotalConnections)
	names := make([]string, 0, len(s.Sections))
	for name := range s.Sections {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out += fmt.Sprintf("  %-10s %d\n", name+":", s.Sections[name])
	}
	return out
}

func runBeat(cmd *cobra.Command, args []string) error {
	c, err := client()
	if err != nil {
		return err
	}
	if err := c.ReportBeat(cmd.Context(), beatBPM, beatIntensity, time.Now()); err != nil {
		return err
	}
	fmt.Printf("beat %d bpm reported\n", beatBPM)
	return nil
}

func runJoin(cmd *cobra.Command, args []string) error {
	c, err := client()
	if err != nil {
		return err
	}
	msg, err := c.JoinSection(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if msg != "" {
		fmt.Println(msg)
	}
	return nil
}

func runScheduleCmd(cmd *cobra.Command, args []string) error {
	sheet, err := loadCueSheet(args[0])
	if err != nil {
		return err
	}
	c, err := client()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return runSchedule(ctx, sheet, c, time.Duration(timeoutMS)*time.Millisecond, logger)
}
