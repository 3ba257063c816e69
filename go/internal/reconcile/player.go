package reconcile

// PlayerState mirrors the external video widget's playback states.
type PlayerState int

const (
	StateUnstarted PlayerState = iota
	StatePlaying
	StatePaused
	StateBuffering
	StateEnded
)

func (s PlayerState) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateBuffering:
		return "buffering"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Player is the control surface of the external video-rendering widget. The
// engine only drives and reads it; rendering, buffering and error reporting
// belong to the widget. The widget's state-change and error callbacks should
// be wired to Reconciler.OnPlayerStateChange and Reconciler.OnPlayerError.
type Player interface {
	Play()
	Pause()
	SeekTo(seconds float64)
	LoadVideo(videoID string)
	CurrentTime() float64
	State() PlayerState
}

// Intents is the emission side of the engine: how locally observed user
// actions reach the server.
type Intents interface {
	SendPlay(time float64)
	SendPause(time float64)
	SendSeek(time float64)
}
