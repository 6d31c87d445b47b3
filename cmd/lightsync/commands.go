package main

import (
	"fmt"
	"time"
)

// ==============================
// Commands (side effects)
// ==============================

// Command represents an external side effect to be executed by the daemon loop.
// The reducer only describes them; runEffect performs them.
type Command interface {
	commandMarker()
	String() string
}

// CmdScheduleTimer arms a one-shot timer that posts TimerFired{Handle} when it expires.
type CmdScheduleTimer struct {
	Handle TimerHandle
	After  time.Duration
}

func (CmdScheduleTimer) commandMarker() {}
func (c CmdScheduleTimer) String() string {
	return fmt.Sprintf("CmdScheduleTimer(id=%d kind=%s group=%s after=%s)", c.Handle.ID, c.Handle.Kind, c.Handle.Group, c.After)
}

// CmdCancelTimerGroup stops every armed timer of a group.
type CmdCancelTimerGroup struct {
	Group TimerGroup
}

func (CmdCancelTimerGroup) commandMarker() {}
func (c CmdCancelTimerGroup) String() string {
	return fmt.Sprintf("CmdCancelTimerGroup(group=%s)", c.Group)
}

// CmdSetSection tells the transport about a section change.
type CmdSetSection struct {
	Section Section
}

func (CmdSetSection) commandMarker() {}
func (c CmdSetSection) String() string { return fmt.Sprintf("CmdSetSection(section=%s)", c.Section) }

// CmdSetBeatCapture starts or stops local beat capture and reporting.
type CmdSetBeatCapture struct {
	Enabled bool
}

func (CmdSetBeatCapture) commandMarker() {}
func (c CmdSetBeatCapture) String() string {
	return fmt.Sprintf("CmdSetBeatCapture(enabled=%v)", c.Enabled)
}

// CmdPublishStateSnapshot replies to a RequestStateSnapshot.
type CmdPublishStateSnapshot struct {
	Reply    chan<- Snapshot
	Snapshot Snapshot
}

func (CmdPublishStateSnapshot) commandMarker() {}
func (CmdPublishStateSnapshot) String() string { return "CmdPublishStateSnapshot()" }
