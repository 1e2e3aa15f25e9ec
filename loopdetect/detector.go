package loopdetect

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Action is the signature of one executed tool call.
type Action struct {
	Tool       string `json:"tool"`
	ArgsHash   string `json:"args_hash"`
	ResultHash string `json:"result_hash"`
}

// NewAction builds the signature of a tool call and its result.
func NewAction(tool string, args json.RawMessage, result string) Action {
	return Action{Tool: tool, ArgsHash: HashArgs(args), ResultHash: HashResult(result)}
}

type Kind string

const (
	KindRepeat Kind = "repeat"
	KindCycle  Kind = "cycle"
)

// Detection describes a flagged loop.
type Detection struct {
	Kind Kind
	// Length is the cycle length; 1 for a repeated single action.
	Length int
	Count  int
	Tools  []string
}

func (d Detection) String() string {
	if d.Kind == KindRepeat {
		return fmt.Sprintf("%s called %d times in a row with identical arguments and results", d.Tools[0], d.Count)
	}
	return fmt.Sprintf("cycle of %d actions (%s) repeated %d times", d.Length, strings.Join(d.Tools, " -> "), d.Count)
}

type Config struct {
	Window    int `yaml:"window"`
	Threshold int `yaml:"threshold"`
	MaxCycle  int `yaml:"max_cycle"`
}

func DefaultConfig() Config {
	return Config{Window: 20, Threshold: 3, MaxCycle: 3}
}

// State is the exportable part of a Detector.
type State struct {
	Window        []Action `json:"window"`
	LastInputHash string   `json:"last_input_hash,omitempty"`
}

// Detector watches a sliding window of actions for repetition. It is safe
// for concurrent use.
type Detector struct {
	cfg Config

	mu        sync.Mutex
	window    []Action
	lastInput string
}

func New(cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Threshold < 2 {
		cfg.Threshold = def.Threshold
	}
	if cfg.MaxCycle < 2 {
		cfg.MaxCycle = def.MaxCycle
	}
	return &Detector{cfg: cfg}
}

// Observe records an action and reports a loop once the window holds exactly
// enough repetitions to reach the threshold.
func (d *Detector) Observe(a Action) *Detection {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.window = append(d.window, a)
	if over := len(d.window) - d.cfg.Window; over > 0 {
		d.window = append([]Action(nil), d.window[over:]...)
	}
	return d.detect()
}

func (d *Detector) detect() *Detection {
	n := len(d.window)
	t := d.cfg.Threshold

	run := 1
	for i := n - 2; i >= 0 && d.window[i] == d.window[n-1]; i-- {
		run++
	}
	if run >= t {
		return &Detection{Kind: KindRepeat, Length: 1, Count: run, Tools: []string{d.window[n-1].Tool}}
	}

	for l := 2; l <= d.cfg.MaxCycle; l++ {
		if l*t > n {
			break
		}
		tail := d.window[n-l*t:]
		block := tail[:l]
		if uniform(block) {
			continue
		}
		matched := true
		for i := l; i < len(tail) && matched; i++ {
			matched = tail[i] == block[i%l]
		}
		if matched {
			tools := make([]string, l)
			for i, a := range block {
				tools[i] = a.Tool
			}
			return &Detection{Kind: KindCycle, Length: l, Count: t, Tools: tools}
		}
	}
	return nil
}

func uniform(actions []Action) bool {
	for _, a := range actions[1:] {
		if a != actions[0] {
			return false
		}
	}
	return true
}

// NoteUserInput resets the window when input differs from the previous user
// input. It reports whether a reset happened.
func (d *Detector) NoteUserInput(input string) bool {
	h := HashResult(input)
	d.mu.Lock()
	defer d.mu.Unlock()
	if h == d.lastInput {
		return false
	}
	d.lastInput = h
	d.window = nil
	return true
}

func (d *Detector) Config() Config { return d.cfg }

func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.window = nil
}

func (d *Detector) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.window)
}

func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return State{Window: append([]Action{}, d.window...), LastInputHash: d.lastInput}
}

func (d *Detector) Restore(s State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.window = append([]Action(nil), s.Window...)
	if over := len(d.window) - d.cfg.Window; over > 0 {
		d.window = d.window[over:]
	}
	d.lastInput = s.LastInputHash
}
