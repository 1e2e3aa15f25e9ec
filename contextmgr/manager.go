package contextmgr

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/martinemde/relay/conversation"
	"github.com/martinemde/relay/llm"
)

// ErrBudgetExceeded is returned when no compression can bring the window
// under the threshold while keeping the most recent turns.
var ErrBudgetExceeded = errors.New("context budget exceeded")

// ClearedOutput replaces old tool outputs dropped from the window.
const ClearedOutput = "[Old tool output cleared]"

type Config struct {
	ContextWindow   int     `yaml:"context_window"`
	ThresholdRatio  float64 `yaml:"threshold_ratio"`
	KeepRecent      int     `yaml:"keep_recent"`
	ToolOutputLimit int     `yaml:"tool_output_limit"`
	// Tool outputs older than the newest ProtectTokens worth are cleared from
	// the window, but only once at least MinPruneTokens can be reclaimed.
	ProtectTokens  int `yaml:"protect_tokens"`
	MinPruneTokens int `yaml:"min_prune_tokens"`
}

func DefaultConfig() Config {
	return Config{
		ContextWindow:   llm.DefaultContextWindow,
		ThresholdRatio:  0.8,
		KeepRecent:      6,
		ToolOutputLimit: 30000,
		ProtectTokens:   40000,
		MinPruneTokens:  20000,
	}
}

// State is the persisted compression state. Session turns are never deleted;
// the window is the summary turn followed by turns[WindowStart:].
type State struct {
	WindowStart   int       `json:"window_start"`
	Summary       string    `json:"summary,omitempty"`
	SummaryCovers int       `json:"summary_covers,omitempty"`
	SummarizedAt  time.Time `json:"summarized_at"`
	Compressions  int       `json:"compressions"`
}

// Manager keeps the model-visible window of a session within budget.
type Manager struct {
	cfg       Config
	completer llm.Completer
	model     string
	estimator Estimator
	pruner    Pruner
	retry     llm.RetryPolicy
	logger    zerolog.Logger

	mu       sync.Mutex
	state    State
	overhead int
}

type Option func(*Manager)

// WithSummarizer sets the completer and model used for summaries.
func WithSummarizer(c llm.Completer, model string) Option {
	return func(m *Manager) {
		m.completer = c
		m.model = model
	}
}

func WithEstimator(e Estimator) Option {
	return func(m *Manager) { m.estimator = e }
}

func WithPruner(p Pruner) Option {
	return func(m *Manager) { m.pruner = p }
}

func WithRetryPolicy(p llm.RetryPolicy) Option {
	return func(m *Manager) { m.retry = p }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

func New(cfg Config, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = def.ContextWindow
	}
	if cfg.ThresholdRatio <= 0 || cfg.ThresholdRatio > 1 {
		cfg.ThresholdRatio = def.ThresholdRatio
	}
	if cfg.KeepRecent <= 0 {
		cfg.KeepRecent = def.KeepRecent
	}
	if cfg.ToolOutputLimit <= 0 {
		cfg.ToolOutputLimit = def.ToolOutputLimit
	}
	m := &Manager{
		cfg:    cfg,
		retry:  llm.DefaultRetryPolicy(),
		logger: log.Logger,
	}
	m.pruner = DefaultPruner()
	m.pruner.DefaultLimit = cfg.ToolOutputLimit
	for _, opt := range opts {
		opt(m)
	}
	if m.estimator == nil {
		m.estimator = DefaultEstimator()
	}
	return m
}

func (m *Manager) Config() Config { return m.cfg }

// Fork returns a manager with the same configuration and collaborators and an
// empty state.
func (m *Manager) Fork() *Manager {
	return &Manager{
		cfg:       m.cfg,
		completer: m.completer,
		model:     m.model,
		estimator: m.estimator,
		pruner:    m.pruner,
		retry:     m.retry,
		logger:    m.logger,
	}
}

// Count estimates the tokens of text.
func (m *Manager) Count(text string) int {
	return m.estimator.Count(text)
}

// Threshold is the token estimate above which the window is compressed.
func (m *Manager) Threshold() int {
	return int(float64(m.cfg.ContextWindow) * m.cfg.ThresholdRatio)
}

// SetOverhead records tokens spent outside the turns, such as the system
// prompt and tool definitions.
func (m *Manager) SetOverhead(tokens int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overhead = tokens
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Restore replaces the compression state, as loaded from a checkpoint.
func (m *Manager) Restore(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
}

// Prune applies the per-tool output limits.
func (m *Manager) Prune(tool, output string) string {
	return m.pruner.Prune(tool, output)
}

// Window returns the turns the model sees.
func (m *Manager) Window(turns []conversation.Turn) []conversation.Turn {
	return m.window(m.State(), turns)
}

// Estimate returns the token estimate of the current window.
func (m *Manager) Estimate(turns []conversation.Turn) int {
	return m.estimate(m.State(), turns)
}

func (m *Manager) NeedsCompression(turns []conversation.Turn) bool {
	return m.Estimate(turns) >= m.Threshold()
}

// Append adds turn to the session and compresses when the window grows past
// the threshold.
func (m *Manager) Append(ctx context.Context, s *conversation.Session, turn conversation.Turn) (bool, error) {
	if _, err := s.Append(turn); err != nil {
		return false, err
	}
	return m.Compress(ctx, s.Turns())
}

// Compress replaces the oldest turns of the window with a summary, keeping
// at least KeepRecent turns. It starts with half of the compressible turns
// and widens the cut until the estimate falls below the threshold. It is a
// no-op when the window already fits.
func (m *Manager) Compress(ctx context.Context, turns []conversation.Turn) (bool, error) {
	st := m.State()
	threshold := m.Threshold()
	before := m.estimate(st, turns)
	if before < threshold {
		return false, nil
	}

	maxCut := len(turns) - m.cfg.KeepRecent
	if maxCut <= st.WindowStart {
		return false, errors.Wrapf(ErrBudgetExceeded, "window of %d turns cannot shrink below the %d most recent", len(turns)-st.WindowStart, m.cfg.KeepRecent)
	}
	if m.completer == nil {
		return false, errors.Wrap(ErrBudgetExceeded, "no summarizer configured")
	}

	span := maxCut - st.WindowStart
	n := (span + 1) / 2
	lastCut := -1
	for {
		cut := adjustCut(turns, st.WindowStart, st.WindowStart+n)
		if cut > st.WindowStart && cut != lastCut {
			lastCut = cut
			summary, err := m.summarize(ctx, st.Summary, turns[st.WindowStart:cut])
			if err != nil {
				return false, errors.Wrap(err, "summarize")
			}
			next := State{
				WindowStart:   cut,
				Summary:       summary,
				SummaryCovers: cut,
				SummarizedAt:  time.Now().UTC(),
				Compressions:  st.Compressions + 1,
			}
			after := m.estimate(next, turns)
			if after < threshold {
				m.Restore(next)
				m.logger.Info().
					Int("covered_turns", cut).
					Int("tokens_before", before).
					Int("tokens_after", after).
					Int("compressions", next.Compressions).
					Msg("context compressed")
				return true, nil
			}
		}
		if n >= span {
			return false, errors.Wrapf(ErrBudgetExceeded, "summary plus the %d most recent turns still exceed %d tokens", m.cfg.KeepRecent, threshold)
		}
		n *= 2
		if n > span {
			n = span
		}
	}
}

// adjustCut moves cut backward so the kept suffix never starts with tool
// results separated from the assistant turn that requested them.
func adjustCut(turns []conversation.Turn, start, cut int) int {
	for cut > start && cut < len(turns) && turns[cut].Role == conversation.RoleTool {
		cut--
	}
	return cut
}

func (m *Manager) summarize(ctx context.Context, previous string, turns []conversation.Turn) (string, error) {
	req := llm.Request{
		Model: m.model,
		Messages: []llm.Message{
			llm.SystemMessage(summarizationInstruction),
			llm.UserMessage(transcript(previous, turns)),
		},
	}
	resp, err := llm.Retry(ctx, m.retry, func(ctx context.Context) (*llm.Response, error) {
		return m.completer.Complete(ctx, req)
	})
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", errors.New("model returned an empty summary")
	}
	return text, nil
}

func (m *Manager) window(st State, turns []conversation.Turn) []conversation.Turn {
	start := st.WindowStart
	if start > len(turns) {
		start = len(turns)
	}
	out := make([]conversation.Turn, 0, len(turns)-start+1)
	if st.Summary != "" {
		out = append(out, conversation.Turn{
			Role:      conversation.RoleSummary,
			Content:   st.Summary,
			Covers:    st.SummaryCovers,
			Timestamp: st.SummarizedAt,
		})
	}
	return append(out, m.clearOldOutputs(turns[start:])...)
}

func (m *Manager) clearOldOutputs(turns []conversation.Turn) []conversation.Turn {
	if m.cfg.ProtectTokens <= 0 {
		return turns
	}
	type loc struct{ turn, result int }
	var victims []loc
	total, reclaim := 0, 0
	newest := true
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role != conversation.RoleTool {
			continue
		}
		for j := len(turns[i].Results) - 1; j >= 0; j-- {
			tokens := m.estimator.Count(turns[i].Results[j].Payload)
			total += tokens
			// The latest results are always kept.
			if !newest && total > m.cfg.ProtectTokens {
				victims = append(victims, loc{i, j})
				reclaim += tokens
			}
		}
		newest = false
	}
	if len(victims) == 0 || reclaim < m.cfg.MinPruneTokens {
		return turns
	}

	out := append([]conversation.Turn(nil), turns...)
	copied := map[int]bool{}
	for _, v := range victims {
		if !copied[v.turn] {
			out[v.turn].Results = append([]conversation.ToolCallResult(nil), out[v.turn].Results...)
			copied[v.turn] = true
		}
		out[v.turn].Results[v.result].Payload = ClearedOutput
	}
	return out
}

func (m *Manager) estimate(st State, turns []conversation.Turn) int {
	m.mu.Lock()
	total := m.overhead
	m.mu.Unlock()
	for _, t := range m.window(st, turns) {
		total += m.estimator.Count(t.Text()) + 4
	}
	return total
}
