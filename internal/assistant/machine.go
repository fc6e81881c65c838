package assistant

import (
	"log/slog"
	"sync"
	"time"
)

const (
	// TransitionDuration is the easing window between two states.
	TransitionDuration = 300 * time.Millisecond

	// FrameInterval is the animation tick, about 60 frames per second.
	FrameInterval = 16 * time.Millisecond

	glowSmoothing      = 0.1
	amplitudeSmoothing = 0.2
	initialGlow        = 18
)

// Snapshot is the read contract for visualizers: everything needed to draw
// one frame.
type Snapshot struct {
	// State is the target state. Renderers draw this state.
	State State `json:"state"`

	// Previous is the committed state the easing started from. It equals
	// State once the transition completes.
	Previous State `json:"previous"`

	// Progress is the easing progress in [0, 1).
	Progress float64 `json:"progress"`

	Glow       float64 `json:"glow"`
	TargetGlow float64 `json:"target_glow"`

	// Amplitude is the smoothed speech amplitude in [0, 1].
	Amplitude       float64 `json:"amplitude"`
	TargetAmplitude float64 `json:"target_amplitude"`

	// Extension is the name of the active extension, empty if none.
	Extension string `json:"extension,omitempty"`

	// Status is the last human-readable status line.
	Status string `json:"status,omitempty"`
}

// Option configures a [Machine].
type Option func(*Machine)

// WithTransitionHook registers fn to be called after each target change.
// fn runs with the machine unlocked and must not block.
func WithTransitionHook(fn func(from, to State)) Option {
	return func(m *Machine) {
		m.onTransition = fn
	}
}

// Machine is the assistant status state machine. It is the single writer of
// the assistant state.
//
// While an extension is displayed every request resolves to [Displaying];
// only [Machine.SetDisplaying] can release it.
//
// Machine is safe for concurrent use.
type Machine struct {
	mu sync.Mutex

	current  State
	target   State
	elapsed  time.Duration
	glow     float64
	glowGoal float64
	amp      float64
	ampGoal  float64
	status   string

	extension string

	subs   map[int]chan Snapshot
	nextID int

	onTransition func(from, to State)
}

// NewMachine returns a machine in the Idle state.
func NewMachine(opts ...Option) *Machine {
	m := &Machine{
		glow:     initialGlow,
		glowGoal: initialGlow,
		subs:     make(map[int]chan Snapshot),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Request asks for state s and returns the state that was actually set.
func (m *Machine) Request(s State) State {
	return m.request(s, "", false)
}

// Apply requests the state carried by ev and records status as the status
// line.
func (m *Machine) Apply(ev Event, status string) State {
	return m.request(ev.State(), status, true)
}

// SetStatusText records an unstructured status line and requests the state
// derived from its keywords.
func (m *Machine) SetStatusText(status string) State {
	return m.request(StatusFromText(status), status, true)
}

func (m *Machine) request(s State, status string, setStatus bool) State {
	if !s.IsValid() {
		s = Idle
	}

	m.mu.Lock()
	if setStatus {
		m.status = status
	}
	from := m.target
	to := s
	if m.extension != "" {
		to = Displaying
	}
	m.target = to
	m.glowGoal = to.GlowTarget()
	m.elapsed = 0
	if s != Speaking {
		m.ampGoal = 0
	}
	hook := m.onTransition
	snap := m.snapshotLocked()
	m.mu.Unlock()

	if from != to {
		slog.Debug("assistant state", "from", from, "to", to)
		if hook != nil {
			hook(from, to)
		}
	}
	m.publish(snap)
	return to
}

// SetDisplaying marks extension name as displayed, forcing [Displaying].
// An empty name releases the override and returns the machine to Idle.
func (m *Machine) SetDisplaying(name string) {
	m.mu.Lock()
	m.extension = name
	m.mu.Unlock()
	m.Request(Idle)
}

// SetAmplitude sets the speech amplitude target. Values are clamped to [0, 1].
func (m *Machine) SetAmplitude(a float64) {
	a = min(max(a, 0), 1)
	m.mu.Lock()
	m.ampGoal = a
	m.mu.Unlock()
}

// ZeroAmplitude drops the amplitude and its target to zero immediately.
func (m *Machine) ZeroAmplitude() {
	m.mu.Lock()
	m.amp, m.ampGoal = 0, 0
	m.mu.Unlock()
}

// Tick advances the easing by dt: it moves the transition progress, commits
// the target once the window elapses, and smooths glow and amplitude
// towards their goals.
func (m *Machine) Tick(dt time.Duration) {
	m.mu.Lock()
	if m.current != m.target {
		m.elapsed += dt
		if m.elapsed >= TransitionDuration {
			m.elapsed = 0
			m.current = m.target
		}
	}
	m.glow += (m.glowGoal - m.glow) * glowSmoothing
	m.amp += (m.ampGoal - m.amp) * amplitudeSmoothing
	m.mu.Unlock()
}

// State returns the target state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.target
}

// Extension returns the name of the displayed extension, if any.
func (m *Machine) Extension() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.extension
}

// Snapshot returns the current visualizer view.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() Snapshot {
	return Snapshot{
		State:           m.target,
		Previous:        m.current,
		Progress:        float64(m.elapsed) / float64(TransitionDuration),
		Glow:            m.glow,
		TargetGlow:      m.glowGoal,
		Amplitude:       m.amp,
		TargetAmplitude: m.ampGoal,
		Extension:       m.extension,
		Status:          m.status,
	}
}

// Subscribe returns a channel receiving a snapshot after every state request
// and a cancel function that unregisters it. Slow subscribers miss updates
// rather than blocking the machine.
func (m *Machine) Subscribe(buffer int) (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, max(buffer, 1))
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			close(ch)
		})
	}
}

func (m *Machine) publish(s Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- s:
		default:
		}
	}
}
