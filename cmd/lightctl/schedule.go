package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// cueSheet is a show's timed cues:
//
//	cues:
//	  - name: doors
//	    spec: "0 20 * * *"
//	    command: {effect: fade, color: "#3030ff", duration: 5000}
//	  - name: finale
//	    spec: "30 23 * * *"
//	    preset: festival_finale
type cueSheet struct {
	Cues []cue `yaml:"cues"`
}

// cue fires either a preset or a command on a cron spec.
type cue struct {
	Name    string        `yaml:"name,omitempty"`
	Spec    string        `yaml:"spec"`
	Preset  string        `yaml:"preset,omitempty"`
	Command *lightCommand `yaml:"command,omitempty"`
}

func (c cue) label() string {
	if c.Name != "" {
		return c.Name
	}
	if c.Preset != "" {
		return c.Preset
	}
	return c.Spec
}

// cueRunner is what cues act on.
type cueRunner interface {
	SendCommand(ctx context.Context, cmd lightCommand) (sendResult, error)
	Preset(ctx context.Context, name string) (map[string]any, error)
}

// loadCueSheet reads and validates a YAML cue sheet. Unknown fields are rejected.
func loadCueSheet(path string) (cueSheet, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return cueSheet{}, fmt.Errorf("read cue sheet: %w", err)
	}
	return parseCueSheet(b)
}

func parseCueSheet(b []byte) (cueSheet, error) {
	var sheet cueSheet
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&sheet); err != nil {
		return cueSheet{}, fmt.Errorf("decode cue sheet: %w", err)
	}
	if len(sheet.Cues) == 0 {
		return cueSheet{}, errors.New("cue sheet has no cues")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for i := range sheet.Cues {
		c := &sheet.Cues[i]
		if _, err := parser.Parse(c.Spec); err != nil {
			return cueSheet{}, fmt.Errorf("cue %d (%s): spec: %w", i+1, c.label(), err)
		}
		switch {
		case c.Preset != "" && c.Command != nil:
			return cueSheet{}, fmt.Errorf("cue %d (%s): set preset or command, not both", i+1, c.label())
		case c.Preset != "":
			if !contains(validPresets, c.Preset) {
				return cueSheet{}, fmt.Errorf("cue %d (%s): unknown preset %q", i+1, c.label(), c.Preset)
			}
		case c.Command != nil:
			if err := c.Command.normalize(); err != nil {
				return cueSheet{}, fmt.Errorf("cue %d (%s): %w", i+1, c.label(), err)
			}
		default:
			return cueSheet{}, fmt.Errorf("cue %d (%s): needs a preset or a command", i+1, c.label())
		}
	}
	return sheet, nil
}

// fire runs one cue. Failures are logged; the schedule keeps going.
func fire(ctx context.Context, c cue, runner cueRunner, timeout time.Duration, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if c.Preset != "" {
		if _, err := runner.Preset(ctx, c.Preset); err != nil {
			logger.Error("cue failed", "cue", c.label(), "error", err)
			return
		}
		logger.Info("cue fired", "cue", c.label(), "preset", c.Preset)
		return
	}

	res, err := runner.SendCommand(ctx, *c.Command)
	if err != nil {
		logger.Error("cue failed", "cue", c.label(), "error", err)
		return
	}
	logger.Info("cue fired", "cue", c.label(), "effect", c.Command.Effect, "color", c.Command.Color, "participants", res.ParticipantCount)
}

// runSchedule fires the sheet's cues until ctx is done.
func runSchedule(ctx context.Context, sheet cueSheet, runner cueRunner, timeout time.Duration, logger *slog.Logger) error {
	c := cron.New()
	for _, cu := range sheet.Cues {
		cu := cu
		if _, err := c.AddFunc(cu.Spec, func() { fire(ctx, cu, runner, timeout, logger) }); err != nil {
			return fmt.Errorf("add cue %s: %w", cu.label(), err)
		}
		logger.Info("cue scheduled", "cue", cu.label(), "spec", cu.Spec)
	}

	c.Start()
	logger.Info("schedule running", "cues", len(sheet.Cues))
	<-ctx.Done()

	stopped := c.Stop()
	<-stopped.Done()
	logger.Info("schedule stopped")
	return nil
}
