// Package history reshapes oversized conversation histories so
// upstream length limits are not exceeded. Summarization (backed by a
// delta-triggered cache) runs first on the full history, then the
// count/char truncation strategies cap whatever remains; a fourth
// strategy shrinks and retries after an upstream length failure.
package history

import (
	"context"
	"fmt"
	"math"

	"modelgate/common"
	"modelgate/llm"

	"github.com/rs/zerolog/log"
)

// SummaryFn produces a summary of the given older messages. The
// orchestrator injects an upstream-backed implementation; the engine
// never talks to the upstream client directly.
type SummaryFn func(ctx context.Context, older []llm.Message) (string, error)

const (
	summaryLeadIn   = "[Earlier conversation summary]\n"
	summaryLeadOut  = "\n\n[Continuing from recent messages...]"
	summaryAck      = "I understand the context. Let's continue."
	preEstimateKeep = 0.8

	retryShrinkStep  = 0.3
	retryMinMessages = 5
)

// Engine applies the configured strategies to one request's history.
// Instances are per-request: WasTruncated and TruncateInfo record what
// happened for the orchestrator's warning headers. The summary cache
// and scheduler are shared process-wide.
type Engine struct {
	cfg       common.HistoryConfig
	asyncCfg  common.AsyncSummaryConfig
	cache     *SummaryCache
	scheduler *Scheduler

	// sessionKey is derived from the raw incoming history before any
	// strategy runs, so consecutive requests of the same conversation
	// share cache entries even after truncation moves the head.
	sessionKey string

	WasTruncated bool
	TruncateInfo string
}

func NewEngine(cfg common.HistoryConfig, asyncCfg common.AsyncSummaryConfig, cache *SummaryCache, scheduler *Scheduler) *Engine {
	return &Engine{cfg: cfg, asyncCfg: asyncCfg, cache: cache, scheduler: scheduler}
}

// EstimateHistorySize returns the character count the budget checks
// run against.
func (e *Engine) EstimateHistorySize(messages []llm.Message) int {
	return llm.TotalChars(messages)
}

func (e *Engine) ShouldPreTruncate(messages []llm.Message) bool {
	return e.cfg.StrategyEnabled(common.StrategyPreEstimate) &&
		llm.TotalChars(messages) > e.cfg.EstimateThreshold
}

func (e *Engine) ShouldSummarize(messages []llm.Message) bool {
	return e.cfg.StrategyEnabled(common.StrategySmartSummary) &&
		llm.TotalChars(messages) > e.cfg.SummaryThreshold &&
		len(messages) > e.cfg.SummaryKeepRecent
}

// PreProcess applies the size strategies synchronously. It never
// summarizes; summarization belongs to PreProcessAsync.
func (e *Engine) PreProcess(messages []llm.Message) []llm.Message {
	e.sessionKey = SessionKey(messages)
	return e.applySizeStrategies(messages)
}

// PreProcessAsync summarizes the full history first, so the summary
// snapshot and the cache key reflect what the client actually sent,
// then caps whatever remains with the size strategies. On a
// summary-cache miss the fast-first variant returns a plain truncation
// immediately and schedules the summary in the background so
// subsequent requests benefit.
func (e *Engine) PreProcessAsync(ctx context.Context, messages []llm.Message, summaryFn SummaryFn) []llm.Message {
	e.sessionKey = SessionKey(messages)

	result := messages
	if e.ShouldSummarize(result) {
		result = e.summarizeAsync(ctx, result, summaryFn)
	}
	return e.applySizeStrategies(result)
}

func (e *Engine) summarizeAsync(ctx context.Context, messages []llm.Message, summaryFn SummaryFn) []llm.Message {
	if !e.asyncCfg.Enabled || e.scheduler == nil {
		return e.summarize(ctx, messages, summaryFn)
	}

	key := e.sessionKey
	older, recent := e.split(messages)

	if entry, ok := e.cache.Get(key); ok {
		// refresh in the background once the conversation has moved on
		// far enough
		if len(messages)-entry.MessageCount >= e.asyncCfg.UpdateIntervalMessages {
			e.scheduleSummary(key, messages, older, summaryFn)
		}
		e.markTruncated(fmt.Sprintf("summarized %d older messages (cached)", len(older)))
		return e.buildSummarizedHistory(entry.Summary, recent)
	}

	e.scheduleSummary(key, messages, older, summaryFn)

	if e.asyncCfg.FastFirstRequest {
		truncated := e.truncateToRecent(messages, e.cfg.SummaryKeepRecent)
		e.markTruncated(fmt.Sprintf("truncated to %d recent messages, summary pending", len(truncated)))
		return truncated
	}
	return e.summarize(ctx, messages, summaryFn)
}

// HandleLengthError shrinks the history after an upstream
// length-related failure. The boolean reports whether a retry should
// be attempted; once retryCount reaches max_retries the history is
// returned unchanged.
func (e *Engine) HandleLengthError(ctx context.Context, messages []llm.Message, retryCount int, summaryFn SummaryFn) ([]llm.Message, bool) {
	if !e.cfg.StrategyEnabled(common.StrategyErrorRetry) || retryCount >= e.cfg.MaxRetries {
		return messages, false
	}

	factor := 1.0 - retryShrinkStep*float64(retryCount)
	target := int(math.Round(float64(e.cfg.RetryMaxMessages) * factor))
	if target < retryMinMessages {
		target = retryMinMessages
	}

	if e.cfg.StrategyEnabled(common.StrategySmartSummary) && summaryFn != nil && len(messages) > e.cfg.SummaryKeepRecent {
		keep := e.cfg.SummaryKeepRecent
		if target < keep {
			keep = target
		}
		summarized := e.summarizeKeeping(ctx, messages, keep, summaryFn)
		e.markTruncated(fmt.Sprintf("length error retry %d: summarized to %d messages", retryCount+1, len(summarized)))
		return summarized, true
	}

	truncated := e.truncateToRecent(messages, target)
	e.markTruncated(fmt.Sprintf("length error retry %d: truncated to %d messages", retryCount+1, len(truncated)))
	return truncated, true
}

// applySizeStrategies runs AUTO_TRUNCATE then PRE_ESTIMATE.
func (e *Engine) applySizeStrategies(messages []llm.Message) []llm.Message {
	result := messages

	if e.cfg.StrategyEnabled(common.StrategyAutoTruncate) {
		if len(result) > e.cfg.MaxMessages {
			before := len(result)
			result = e.truncateToRecent(result, e.cfg.MaxMessages)
			e.markTruncated(fmt.Sprintf("auto-truncate kept %d of %d messages", len(result), before))
		}
		if llm.TotalChars(result) > e.cfg.MaxChars {
			before := len(result)
			result = e.dropOldestPairs(result, e.cfg.MaxChars)
			e.markTruncated(fmt.Sprintf("auto-truncate dropped %d messages over char budget", before-len(result)))
		}
	}

	if e.ShouldPreTruncate(result) {
		budget := int(float64(e.cfg.EstimateThreshold) * preEstimateKeep)
		before := len(result)
		result = e.truncateToCharBudget(result, budget)
		e.markTruncated(fmt.Sprintf("pre-estimate dropped %d oldest messages", before-len(result)))
	}

	return result
}

// key returns the session key captured at pre-process entry, falling
// back to hashing the given messages when the engine is used without a
// pre-process pass.
func (e *Engine) key(messages []llm.Message) string {
	if e.sessionKey != "" {
		return e.sessionKey
	}
	return SessionKey(messages)
}

func (e *Engine) split(messages []llm.Message) (older, recent []llm.Message) {
	cut := len(messages) - e.cfg.SummaryKeepRecent
	return messages[:cut], messages[cut:]
}

func (e *Engine) summarize(ctx context.Context, messages []llm.Message, summaryFn SummaryFn) []llm.Message {
	return e.summarizeKeeping(ctx, messages, e.cfg.SummaryKeepRecent, summaryFn)
}

func (e *Engine) summarizeKeeping(ctx context.Context, messages []llm.Message, keepRecent int, summaryFn SummaryFn) []llm.Message {
	if len(messages) <= keepRecent {
		return messages
	}
	cut := len(messages) - keepRecent
	older, recent := messages[:cut], messages[cut:]

	key := e.key(messages)
	if entry, ok := e.cache.Get(key); ok {
		e.markTruncated(fmt.Sprintf("summarized %d older messages (cached)", len(older)))
		return e.buildSummarizedHistory(entry.Summary, recent)
	}

	if summaryFn == nil {
		return e.truncateToRecent(messages, keepRecent)
	}

	summary, err := summaryFn(ctx, older)
	if err != nil {
		log.Warn().Err(err).Msg("summarization failed, falling back to truncation")
		truncated := e.truncateToRecent(messages, keepRecent)
		e.markTruncated(fmt.Sprintf("summary failed, truncated to %d messages", len(truncated)))
		return truncated
	}
	if max := e.cfg.SummaryMaxLength; max > 0 && len(summary) > max {
		summary = summary[:max]
	}

	e.cache.Put(key, summary, len(messages), llm.TotalChars(messages))
	e.markTruncated(fmt.Sprintf("summarized %d older messages", len(older)))
	return e.buildSummarizedHistory(summary, recent)
}

func (e *Engine) scheduleSummary(key string, full, older []llm.Message, summaryFn SummaryFn) {
	if summaryFn == nil {
		return
	}
	if !e.cache.ShouldRefresh(key, len(full), llm.TotalChars(full)) {
		return
	}
	messageCount := len(full)
	totalChars := llm.TotalChars(full)
	olderCopy := append([]llm.Message(nil), older...)

	e.scheduler.Schedule(key, func(ctx context.Context) {
		summary, err := summaryFn(ctx, olderCopy)
		if err != nil {
			log.Warn().Err(err).Str("sessionKey", key).Msg("background summarization failed")
			return
		}
		if max := e.cfg.SummaryMaxLength; max > 0 && len(summary) > max {
			summary = summary[:max]
		}
		e.cache.Put(key, summary, messageCount, totalChars)
	})
}

func (e *Engine) buildSummarizedHistory(summary string, recent []llm.Message) []llm.Message {
	result := make([]llm.Message, 0, len(recent)+2)
	result = append(result,
		llm.NewTextMessage(llm.RoleUser, summaryLeadIn+summary+summaryLeadOut),
		llm.NewTextMessage(llm.RoleAssistant, summaryAck),
	)
	return append(result, recent...)
}

// truncateToRecent keeps the most recent max messages, advancing the
// cut so the kept history starts on a user message without a dangling
// tool_result.
func (e *Engine) truncateToRecent(messages []llm.Message, max int) []llm.Message {
	if len(messages) <= max {
		return messages
	}
	start := len(messages) - max
	start = alignToUserStart(messages, start)
	return messages[start:]
}

// truncateToCharBudget drops oldest messages until the total fits.
func (e *Engine) truncateToCharBudget(messages []llm.Message, budget int) []llm.Message {
	start := 0
	total := llm.TotalChars(messages)
	for start < len(messages)-1 && total > budget {
		total -= messages[start].Chars()
		start++
	}
	start = alignToUserStart(messages, start)
	return messages[start:]
}

// dropOldestPairs removes user+assistant pairs from the head until the
// char budget holds, which preserves alternation by construction.
func (e *Engine) dropOldestPairs(messages []llm.Message, budget int) []llm.Message {
	result := messages
	for len(result) > 2 && llm.TotalChars(result) > budget {
		drop := 1
		if len(result) > 1 && result[0].Role == llm.RoleUser && result[1].Role == llm.RoleAssistant {
			drop = 2
		}
		result = result[drop:]
	}
	return result
}

// alignToUserStart advances start past assistant messages and past
// user messages that only carry tool results for a now-dropped
// assistant turn.
func alignToUserStart(messages []llm.Message, start int) int {
	for start < len(messages)-1 {
		msg := messages[start]
		if msg.Role != llm.RoleUser {
			start++
			continue
		}
		onlyToolResults := len(msg.Content) > 0
		for _, block := range msg.Content {
			if block.Type != llm.BlockTypeToolResult {
				onlyToolResults = false
				break
			}
		}
		if onlyToolResults {
			start++
			continue
		}
		break
	}
	return start
}

func (e *Engine) markTruncated(info string) {
	e.WasTruncated = true
	if e.TruncateInfo == "" {
		e.TruncateInfo = info
	} else {
		e.TruncateInfo = e.TruncateInfo + "; " + info
	}
}
