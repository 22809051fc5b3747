package engine

import "time"

// InertiaConfig holds the empirically tuned thresholds of inertial camera motion.
type InertiaConfig struct {
	// MinVelocity is the drag speed, in screen pixels per second, needed to start inertia.
	MinVelocity float64
	// RecentWindow is how recently the pointer must have moved when the drag ends.
	RecentWindow time.Duration
	// AmplitudeFactor scales the release velocity into the initial amplitude.
	AmplitudeFactor float64
	// StopRatio ends inertia once the speed falls below this fraction of the initial amplitude.
	StopRatio float64
}

// DefaultInertia returns the tuned defaults.
func DefaultInertia() InertiaConfig {
	return InertiaConfig{
		MinVelocity:     3000,
		RecentWindow:    100 * time.Millisecond,
		AmplitudeFactor: 5e-3,
		StopRatio:       1e-3,
	}
}

// Drag summarizes the end of a drag gesture.
type Drag struct {
	Distance      float64 // screen pixels
	Duration      time.Duration
	SinceLastMove time.Duration
}

// Start reports whether a drag should continue as inertial motion, and its amplitude.
func (c InertiaConfig) Start(d Drag) (amplitude float64, ok bool) {
	if d.Duration <= 0 || d.SinceLastMove > c.RecentWindow {
		return 0, false
	}
	v := d.Distance / d.Duration.Seconds()
	if v < c.MinVelocity {
		return 0, false
	}
	return v * c.AmplitudeFactor, true
}

// Stopped reports whether inertia started with amplitude has decayed to speed.
func (c InertiaConfig) Stopped(amplitude, speed float64) bool {
	return speed < amplitude*c.StopRatio
}
