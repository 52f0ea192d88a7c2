package session

import (
	"regexp"
	"time"
)

// StopMethod selects how the backend is shut down after a commit or timeout.
type StopMethod int

const (
	// StopGraceful lets the backend flush its last result.
	StopGraceful StopMethod = iota
	// StopAbort drops the backend immediately. Safari recognizers hang on a graceful stop.
	StopAbort
)

func (m StopMethod) String() string {
	if m == StopAbort {
		return "abort"
	}
	return "graceful"
}

// Profile holds the device-dependent tuning of a session.
type Profile struct {
	Name           string
	StopMethod     StopMethod
	Timeout        time.Duration // listening time before the session is closed
	InterimResults bool          // ask the backend for non-final results

	// StabilityWindow, when set, commits an interim result that stays
	// unchanged for the window. Otherwise interim results containing a quick
	// trigger word commit after QuickTriggerDelay.
	StabilityWindow   time.Duration
	QuickTriggerDelay time.Duration

	// InterimMinLen is the shortest interim text (in runes) considered for an early commit.
	InterimMinLen int
}

// IOSProfile is used for iPhone, iPad and iPod recognizers.
func IOSProfile() Profile {
	return Profile{
		Name:            "ios",
		StopMethod:      StopAbort,
		Timeout:         8 * time.Second,
		InterimResults:  false,
		StabilityWindow: 800 * time.Millisecond,
		InterimMinLen:   2,
	}
}

// DefaultProfile is used for every other device.
func DefaultProfile() Profile {
	return Profile{
		Name:              "default",
		StopMethod:        StopGraceful,
		Timeout:           10 * time.Second,
		InterimResults:    true,
		QuickTriggerDelay: 200 * time.Millisecond,
		InterimMinLen:     3,
	}
}

var iosUserAgent = regexp.MustCompile(`iPad|iPhone|iPod`)

// DetectProfile picks the profile for a client. iPadOS reports itself as
// MacIntel, so touch support separates it from a desktop Mac.
func DetectProfile(userAgent, platform string, maxTouchPoints int) Profile {
	if iosUserAgent.MatchString(userAgent) || (platform == "MacIntel" && maxTouchPoints > 1) {
		return IOSProfile()
	}
	return DefaultProfile()
}
