package main

import "time"

// Controller timings
const (
	defaultFrameHz          = 60                     // Render loop frequency (Hz)
	defaultFlashDuration    = 100 * time.Millisecond // Beat flash before reverting to black
	defaultBeatModeDuration = 2 * time.Second        // Beat mode hold after the latest beat
	defaultWaveStep         = 300 * time.Millisecond // Per-section offset for wave_direction
)

// Transport defaults
const (
	defaultPollIntervalMS      = 1000 // Pull strategy poll interval (ms)
	defaultHeartbeatIntervalMS = 15000
	defaultHandshakeTimeoutMS  = 5000
	defaultHTTPTimeoutMS       = 3000

	// Push socket keepalive
	pushWriteWait = 5 * time.Second

	// maxResponseBytes caps pull response bodies.
	maxResponseBytes = 1 << 20
)

// Beat analysis defaults
const (
	defaultSampleRate       = 44100
	defaultWindowSize       = 2048
	defaultAnalysisHz       = 60
	defaultReportIntervalMS = 1000

	beatThreshold    = 0.7               // Bass intensity above which an onset is recorded
	beatOnsetWindow  = 10 * time.Second  // Onsets older than this are forgotten
	beatMinOnsets    = 3                 // Onsets needed before a BPM estimate
	beatMinBPM       = 60                // Accepted BPM range (inclusive)
	beatMaxBPM       = 200
	beatBassFraction = 0.15              // Lowest share of bins treated as bass
	analyserMinDB    = -100.0            // Level mapping floor (dB)
	analyserMaxDB    = -30.0             // Level mapping ceiling (dB)
	beatEventBuffer  = 16                // Events() channel capacity
)

// Local surfaces
const (
	defaultStatusListen = "127.0.0.1:8088"
	defaultSocketPath   = "/tmp/lightsync.sock"
	defaultMQTTTopic    = "lightsync"
	defaultEventBuffer  = 64
)
