package main

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// ============================================================================
// Effect Engine
// ============================================================================
//
// Advance is a pure function of (command, elapsed time). It keeps no counters,
// so a client that joins mid-effect converges to the right color on its next
// frame, and any elapsed offset can be replayed in tests.
//
// ============================================================================

// Effect names a light effect.
type Effect string

const (
	EffectSolid   Effect = "solid"
	EffectPulse   Effect = "pulse"
	EffectStrobe  Effect = "strobe"
	EffectRainbow Effect = "rainbow"
	EffectFade    Effect = "fade"
	EffectWave    Effect = "wave"
)

// Valid reports whether e is a known effect.
func (e Effect) Valid() bool {
	switch e {
	case EffectSolid, EffectPulse, EffectStrobe, EffectRainbow, EffectFade, EffectWave:
		return true
	}
	return false
}

// Animated reports whether the effect needs per-frame updates.
// Strobe runs on its own period timer and solid renders once.
func (e Effect) Animated() bool {
	switch e {
	case EffectPulse, EffectRainbow, EffectFade, EffectWave:
		return true
	}
	return false
}

// Section is a spatial partition of the audience.
type Section string

const (
	SectionAll    Section = "all"
	SectionLeft   Section = "left"
	SectionCenter Section = "center"
	SectionRight  Section = "right"
)

func (s Section) Valid() bool {
	switch s {
	case SectionAll, SectionLeft, SectionCenter, SectionRight:
		return true
	}
	return false
}

// ParseSection is lenient about case and whitespace.
func ParseSection(v string) (Section, error) {
	s := Section(strings.ToLower(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown section %q (want all, left, center or right)", v)
	}
	return s, nil
}

// WaveDirection describes how a wave travels across sections.
type WaveDirection string

const (
	WaveLeftToRight WaveDirection = "left_to_right"
	WaveRightToLeft WaveDirection = "right_to_left"
	WaveCenterOut   WaveDirection = "center_out"
)

// LightCommand is a normalized command. Use NormalizeCommand before handing one
// to the engine.
type LightCommand struct {
	Color     RGB
	Effect    Effect
	Intensity float64
	Speed     float64

	// Duration in ms. nil means "run until superseded".
	Duration *int
	Section  Section

	// WaveDelay in ms defers the start of the run.
	WaveDelay     *int
	WaveDirection WaveDirection

	// Timestamp is assigned by the server; zero when absent.
	Timestamp time.Time
}

const minSpeed = 0.1

// maxCommandMs is the largest duration or wave_delay that still fits a
// time.Duration.
const maxCommandMs int64 = math.MaxInt64 / int64(time.Millisecond)

// msDuration converts a millisecond field, saturating instead of overflowing.
func msDuration(ms int) time.Duration {
	if int64(ms) > maxCommandMs {
		return time.Duration(maxCommandMs) * time.Millisecond
	}
	return time.Duration(ms) * time.Millisecond
}

func cappedMs() *int {
	ms := maxCommandMs
	v := int(ms)
	return &v
}

// NormalizeCommand maps an out-of-range command to the nearest safe command.
// It never rejects: the returned command is always usable. When anything had
// to change, the error wraps ErrInvalidCommand and lists the fixes.
func NormalizeCommand(cmd LightCommand) (LightCommand, error) {
	var fixes []string

	if !cmd.Effect.Valid() {
		if cmd.Effect != "" {
			fixes = append(fixes, fmt.Sprintf("effect %q -> solid", cmd.Effect))
		}
		cmd.Effect = EffectSolid
	}
	if !cmd.Section.Valid() {
		if cmd.Section != "" {
			fixes = append(fixes, fmt.Sprintf("section %q -> all", cmd.Section))
		}
		cmd.Section = SectionAll
	}

	switch {
	case math.IsNaN(cmd.Intensity):
		fixes = append(fixes, "intensity NaN -> 1")
		cmd.Intensity = 1
	case cmd.Intensity < 0:
		fixes = append(fixes, fmt.Sprintf("intensity %.3f -> 0", cmd.Intensity))
		cmd.Intensity = 0
	case cmd.Intensity > 1:
		fixes = append(fixes, fmt.Sprintf("intensity %.3f -> 1", cmd.Intensity))
		cmd.Intensity = 1
	}

	if math.IsNaN(cmd.Speed) || cmd.Speed <= 0 {
		fixes = append(fixes, fmt.Sprintf("speed %v -> %.1f", cmd.Speed, minSpeed))
		cmd.Speed = minSpeed
	}

	switch {
	case cmd.Duration == nil:
	case *cmd.Duration < 0:
		fixes = append(fixes, "negative duration dropped")
		cmd.Duration = nil
	case int64(*cmd.Duration) > maxCommandMs:
		fixes = append(fixes, fmt.Sprintf("duration %d -> %d", *cmd.Duration, maxCommandMs))
		cmd.Duration = cappedMs()
	}
	switch {
	case cmd.WaveDelay == nil:
	case *cmd.WaveDelay < 0:
		fixes = append(fixes, "negative wave_delay dropped")
		cmd.WaveDelay = nil
	case int64(*cmd.WaveDelay) > maxCommandMs:
		fixes = append(fixes, fmt.Sprintf("wave_delay %d -> %d", *cmd.WaveDelay, maxCommandMs))
		cmd.WaveDelay = cappedMs()
	}
	switch cmd.WaveDirection {
	case "", WaveLeftToRight, WaveRightToLeft, WaveCenterOut:
	default:
		fixes = append(fixes, fmt.Sprintf("wave_direction %q dropped", cmd.WaveDirection))
		cmd.WaveDirection = ""
	}

	if len(fixes) > 0 {
		return cmd, fmt.Errorf("%w: %s", ErrInvalidCommand, strings.Join(fixes, ", "))
	}
	return cmd, nil
}

// Advance returns the color of cmd after elapsedMs and whether the effect has
// terminated. Fades start from black; see AdvanceFrom.
func Advance(cmd LightCommand, elapsedMs int64) (RGB, bool) {
	return AdvanceFrom(Black, cmd, elapsedMs)
}

// AdvanceFrom is Advance with an explicit fade start color.
func AdvanceFrom(start RGB, cmd LightCommand, elapsedMs int64) (RGB, bool) {
	if elapsedMs < 0 {
		elapsedMs = 0
	}
	t := float64(elapsedMs)
	s := cmd.Speed
	if s <= 0 || math.IsNaN(s) {
		s = minSpeed
	}
	i := cmd.Intensity

	done := cmd.Duration != nil && elapsedMs >= int64(*cmd.Duration)

	switch cmd.Effect {
	case EffectPulse:
		factor := (math.Sin(t*s*0.01) + 1) / 2
		return cmd.Color.Scale(i * factor), done

	case EffectStrobe:
		period := StrobePeriod(s)
		phase := int64(t / float64(period.Milliseconds()))
		if phase%2 == 0 {
			return cmd.Color.Scale(i), done
		}
		return Black, done

	case EffectRainbow:
		hue := math.Mod(t*s*0.1, 360)
		return HSVToRGB(hue, 1, 1).Scale(i), done

	case EffectFade:
		ramp := 1000 / s
		progress := math.Min(t/ramp, 1)
		return Lerp(start, cmd.Color, progress).Scale(i), done || progress >= 1

	case EffectWave:
		factor := math.Sin(t*s*0.005)*0.5 + 0.5
		return cmd.Color.Scale(i * factor), done

	default:
		return cmd.Color.Scale(i), done
	}
}

// StrobePeriod is the on/off toggle period: 1000/(speed*10) ms, at least 1 ms.
func StrobePeriod(speed float64) time.Duration {
	if speed <= 0 || math.IsNaN(speed) {
		speed = minSpeed
	}
	ms := math.Round(1000 / (speed * 10))
	if ms < 1 {
		ms = 1
	}
	return time.Duration(ms) * time.Millisecond
}

// waveDelayFor returns the start delay of cmd for a client in section.
// An explicit wave_delay wins; otherwise a wave_direction is turned into a
// per-section offset of whole steps.
func waveDelayFor(cmd LightCommand, section Section, step time.Duration) time.Duration {
	if cmd.WaveDelay != nil {
		return msDuration(*cmd.WaveDelay)
	}
	if cmd.WaveDirection == "" || step <= 0 {
		return 0
	}

	var steps int
	switch cmd.WaveDirection {
	case WaveLeftToRight:
		steps = map[Section]int{SectionLeft: 0, SectionCenter: 1, SectionRight: 2}[section]
	case WaveRightToLeft:
		steps = map[Section]int{SectionRight: 0, SectionCenter: 1, SectionLeft: 2}[section]
	case WaveCenterOut:
		steps = map[Section]int{SectionCenter: 0, SectionLeft: 1, SectionRight: 1}[section]
	}
	return time.Duration(steps) * step
}
