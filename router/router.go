// Package router maps each normalized request to a concrete upstream
// model tier through a priority-ordered rule cascade. Probabilistic
// rules are deterministic per request: the coin flip hashes a seed
// derived from the request so retries and continuations of the same
// request route identically.
package router

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"strings"
	"sync/atomic"

	"modelgate/common"
	"modelgate/llm"

	"github.com/rs/zerolog/log"
)

// Reason tags identifying which rule fired.
const (
	ReasonDisabled        = "routing_disabled"
	ReasonWhitelistHeader = "whitelist_header"
	ReasonWhitelistMarker = "whitelist_marker"
	ReasonThinking        = "extended_thinking"
	ReasonFirstTurnOpus   = "first_turn_opus"
	ReasonFirstTurnSonnet = "first_turn_sonnet"
	ReasonKeywordOpus     = "keyword_opus"
	ReasonKeywordSonnet   = "keyword_sonnet"
	ReasonExecPhaseSonnet = "exec_phase_sonnet"
	ReasonExecPhaseOpus   = "exec_phase_opus"
	ReasonBaseOpus        = "base_opus"
	ReasonBaseSonnet      = "base_sonnet"
)

// Decision is the routing outcome for one request.
type Decision struct {
	Model    string
	Reason   string
	Priority int
}

// Stats is a point-in-time snapshot of the per-worker counters.
type Stats struct {
	OpusCount     int64   `json:"opus_count"`
	SonnetCount   int64   `json:"sonnet_count"`
	Total         int64   `json:"total"`
	OpusPercent   float64 `json:"opus_percent"`
	SonnetPercent float64 `json:"sonnet_percent"`
}

type Router struct {
	cfg         common.RoutingConfig
	opusCount   atomic.Int64
	sonnetCount atomic.Int64
}

func New(cfg common.RoutingConfig) *Router {
	return &Router{cfg: cfg}
}

// Route runs the cascade. forceHeader carries the value of the
// whitelist header when the client sent one.
func (r *Router) Route(req llm.ChatRequest, forceHeader string) Decision {
	decision := r.decide(req, forceHeader)
	if decision.Model == r.cfg.OpusModel {
		r.opusCount.Add(1)
	} else {
		r.sonnetCount.Add(1)
	}
	log.Debug().
		Str("model", decision.Model).
		Str("reason", decision.Reason).
		Int("priority", decision.Priority).
		Msg("routing decision")
	return decision
}

func (r *Router) decide(req llm.ChatRequest, forceHeader string) Decision {
	if !r.cfg.Enabled {
		return Decision{Model: r.cfg.SonnetModel, Reason: ReasonDisabled, Priority: -1}
	}

	// priority 0: whitelist
	if strings.EqualFold(forceHeader, "opus") {
		return Decision{Model: r.cfg.OpusModel, Reason: ReasonWhitelistHeader, Priority: 0}
	}
	if r.cfg.WhitelistMarker != "" && r.anyMessageContains(req.Messages, r.cfg.WhitelistMarker) {
		return Decision{Model: r.cfg.OpusModel, Reason: ReasonWhitelistMarker, Priority: 0}
	}

	// priority 1: extended thinking
	if req.Thinking {
		return Decision{Model: r.cfg.OpusModel, Reason: ReasonThinking, Priority: 1}
	}

	// priority 1: first-turn main agent
	if r.userMessageCount(req.Messages) <= r.cfg.FirstTurnMaxUserMessages {
		if r.roll(req.Messages, ":first", r.cfg.FirstTurnOpusProbability) {
			return Decision{Model: r.cfg.OpusModel, Reason: ReasonFirstTurnOpus, Priority: 1}
		}
		return Decision{Model: r.cfg.SonnetModel, Reason: ReasonFirstTurnSonnet, Priority: 1}
	}

	// priority 2/3: keyword overrides, force-Opus first
	if r.anyMessageContainsAny(req.Messages, r.cfg.ForceOpusKeywords) {
		return Decision{Model: r.cfg.OpusModel, Reason: ReasonKeywordOpus, Priority: 2}
	}
	if r.anyMessageContainsAny(req.Messages, r.cfg.ForceSonnetKeywords) {
		return Decision{Model: r.cfg.SonnetModel, Reason: ReasonKeywordSonnet, Priority: 3}
	}

	// priority 4: execution phase
	if r.toolCallCount(req.Messages) >= r.cfg.ExecutionPhaseToolCalls {
		if r.roll(req.Messages, ":exec", r.cfg.ExecutionPhaseSonnetProbability) {
			return Decision{Model: r.cfg.SonnetModel, Reason: ReasonExecPhaseSonnet, Priority: 4}
		}
		return Decision{Model: r.cfg.OpusModel, Reason: ReasonExecPhaseOpus, Priority: 4}
	}

	// priority 5: baseline
	if r.roll(req.Messages, ":base", r.cfg.BaseOpusProbability) {
		return Decision{Model: r.cfg.OpusModel, Reason: ReasonBaseOpus, Priority: 5}
	}
	return Decision{Model: r.cfg.SonnetModel, Reason: ReasonBaseSonnet, Priority: 5}
}

// roll makes the deterministic probability decision: the seed combines
// message count, the tail of the last user message, and the stage tag;
// the first four digest bytes modulo 100 are compared against the
// threshold.
func (r *Router) roll(messages []llm.Message, stage string, probability float64) bool {
	seed := fmt.Sprintf("%d:%s%s", len(messages), lastUserText(messages, 200), stage)
	digest := md5.Sum([]byte(seed))
	bucket := binary.BigEndian.Uint32(digest[:4]) % 100
	return float64(bucket) < probability*100
}

func lastUserText(messages []llm.Message, limit int) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == llm.RoleUser {
			text := messages[i].Text()
			if len(text) > limit {
				text = text[:limit]
			}
			return text
		}
	}
	return ""
}

func (r *Router) userMessageCount(messages []llm.Message) int {
	count := 0
	for _, msg := range messages {
		if msg.Role == llm.RoleUser {
			count++
		}
	}
	return count
}

func (r *Router) toolCallCount(messages []llm.Message) int {
	count := 0
	for _, msg := range messages {
		for _, block := range msg.Content {
			if block.Type == llm.BlockTypeToolUse {
				count++
			}
		}
	}
	return count
}

func (r *Router) anyMessageContains(messages []llm.Message, needle string) bool {
	for _, msg := range messages {
		if strings.Contains(msg.Text(), needle) {
			return true
		}
	}
	return false
}

func (r *Router) anyMessageContainsAny(messages []llm.Message, needles []string) bool {
	for _, needle := range needles {
		if needle != "" && r.anyMessageContains(messages, needle) {
			return true
		}
	}
	return false
}

// Models returns the two tiers this router serves.
func (r *Router) Models() (opus, sonnet string) {
	return r.cfg.OpusModel, r.cfg.SonnetModel
}

func (r *Router) Stats() Stats {
	opus := r.opusCount.Load()
	sonnet := r.sonnetCount.Load()
	stats := Stats{OpusCount: opus, SonnetCount: sonnet, Total: opus + sonnet}
	if stats.Total > 0 {
		stats.OpusPercent = float64(opus) / float64(stats.Total) * 100
		stats.SonnetPercent = float64(sonnet) / float64(stats.Total) * 100
	}
	return stats
}

func (r *Router) Reset() {
	r.opusCount.Store(0)
	r.sonnetCount.Store(0)
}
