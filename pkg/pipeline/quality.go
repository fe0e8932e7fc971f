package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/reelforge/reelforge/pkg/capability"
	"github.com/reelforge/reelforge/pkg/config"
	"github.com/reelforge/reelforge/pkg/core"
)

// generateFunc produces one asset for a prompt.
type generateFunc func(ctx context.Context, prompt string) (*capability.Asset, error)

// persistFunc durably stores one attempt and returns its blob key. The
// caller owns attempt numbering so numbers stay monotonic across resumes.
type persistFunc func(ctx context.Context, asset *capability.Asset) (key string, attempt int, err error)

// qualityResult is the outcome of a bounded generate-evaluate-correct loop.
type qualityResult struct {
	BlobKey    string
	Attempt    int // attempt number of the promoted asset
	Calls      int // generation calls consumed
	FinalScore float64
	Evaluation *capability.Evaluation
	Warning    string
}

// generateWithQuality runs the bounded attempt loop: generate (with a
// separate safety sub-retry budget), persist, evaluate, and either accept,
// correct the prompt and retry, or return the best attempt seen with a
// warning. It only errors when zero attempts produced a usable asset.
func (e *Engine) generateWithQuality(
	ctx context.Context,
	st *core.ProjectState,
	tuning config.QualityTuning,
	evalReq capability.EvalRequest,
	gen generateFunc,
	persist persistFunc,
) (*qualityResult, error) {
	prompt := evalReq.Prompt

	var best *qualityResult
	var lastErr error
	calls := 0

	for attempt := 1; attempt <= tuning.MaxAttempts; attempt++ {
		if attempt > 1 {
			// Fixed inter-attempt cooldown; part of the contract, not
			// incidental rate limiting.
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(tuning.Cooldown):
			}
		}

		asset, usedPrompt, err := e.generateWithSafetyRetry(ctx, prompt, gen)
		calls++
		if err != nil {
			lastErr = err
			e.emitLog(st, "warn", fmt.Sprintf("generation attempt %d failed: %v", attempt, err))
			continue
		}

		key, attemptNo, err := persist(ctx, asset)
		if err != nil {
			lastErr = err
			e.emitLog(st, "warn", fmt.Sprintf("persist attempt %d failed: %v", attempt, err))
			continue
		}

		evalReq.Prompt = usedPrompt
		eval, err := e.eval.Evaluate(ctx, evalReq)
		if err != nil {
			// An evaluation failure is an attempt-level failure, retried
			// like any other; the persisted asset stays for audit.
			lastErr = err
			e.emitLog(st, "warn", fmt.Sprintf("evaluation of attempt %d failed: %v", attempt, err))
			continue
		}

		lastErr = nil
		if best == nil || eval.OverallScore > best.FinalScore {
			best = &qualityResult{
				BlobKey:    key,
				Attempt:    attemptNo,
				FinalScore: eval.OverallScore,
				Evaluation: eval,
			}
		}

		if eval.OverallScore >= tuning.AcceptThreshold {
			best.Calls = calls
			return best, nil
		}

		accumulateRules(st, eval)
		prompt = correctedPrompt(evalReq.Prompt, eval)
		e.emitLog(st, "info", fmt.Sprintf("attempt %d scored %.1f (< %.1f), deriving corrections",
			attempt, eval.OverallScore, tuning.AcceptThreshold))
	}

	if best == nil {
		if lastErr == nil {
			lastErr = errors.New("all attempts failed")
		}
		return nil, fmt.Errorf("%w: %v", core.ErrNoUsableAttempt, lastErr)
	}

	// Below threshold is not an error: promote the best attempt seen.
	best.Calls = calls
	best.Warning = fmt.Sprintf("best attempt scored %.1f, below threshold %.1f", best.FinalScore, tuning.AcceptThreshold)
	return best, nil
}

// generateWithSafetyRetry calls gen, and on a content-safety rejection
// sanitizes the prompt and retries immediately. These retries have their own
// bound and never consume the outer attempt budget.
func (e *Engine) generateWithSafetyRetry(ctx context.Context, prompt string, gen generateFunc) (*capability.Asset, string, error) {
	current := prompt
	for retry := 0; ; retry++ {
		asset, err := gen(ctx, current)
		if err == nil {
			return asset, current, nil
		}
		if !core.IsSafetyRejection(err) {
			return nil, current, err
		}
		if retry >= e.opts.SafetyRetries {
			return nil, current, fmt.Errorf("safety retries exhausted: %w", err)
		}
		current = sanitizePrompt(current)
	}
}

// Deterministic softening applied on content-policy rejections.
var sanitizeReplacements = [][2]string{
	{"blood", "dark stains"},
	{"bleeding", "visibly hurt"},
	{"gore", "aftermath"},
	{"corpse", "fallen figure"},
	{"kill", "confront"},
	{"murder", "confrontation"},
	{"gun", "raised hand"},
	{"knife", "clenched fist"},
	{"violent", "intense"},
	{"brutal", "harsh"},
}

const sanitizeSuffix = "Tasteful, non-graphic, suggested rather than shown."

func sanitizePrompt(prompt string) string {
	out := prompt
	for _, r := range sanitizeReplacements {
		out = replaceFold(out, r[0], r[1])
	}
	if !strings.HasSuffix(out, sanitizeSuffix) {
		out = strings.TrimSpace(out) + " " + sanitizeSuffix
	}
	return out
}

// replaceFold replaces every case-insensitive occurrence of old with new.
func replaceFold(s, old, new string) string {
	var b strings.Builder
	lower := strings.ToLower(s)
	oldLower := strings.ToLower(old)
	for {
		i := strings.Index(lower, oldLower)
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:i])
		b.WriteString(new)
		s = s[i+len(old):]
		lower = lower[i+len(old):]
	}
}

// Department-specific correction prefixes.
var departmentFixes = map[string]string{
	"camera":      "reframe the shot",
	"lighting":    "adjust the lighting",
	"continuity":  "enforce continuity",
	"performance": "direct the performance",
	"composition": "rebalance the composition",
}

// correctedPrompt derives the next attempt's prompt from itemized issues.
func correctedPrompt(prompt string, eval *capability.Evaluation) string {
	if len(eval.Issues) == 0 {
		return prompt
	}
	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\nCorrections:")
	for _, issue := range eval.Issues {
		fix, ok := departmentFixes[issue.Department]
		if !ok {
			fix = "address"
		}
		fmt.Fprintf(&b, "\n- %s: %s", fix, issue.Description)
	}
	return b.String()
}

// accumulateRules folds continuity findings into the project's generation
// rules so later prompts are biased away from repeated mistakes.
func accumulateRules(st *core.ProjectState, eval *capability.Evaluation) {
	for _, issue := range eval.Issues {
		if issue.Department != "continuity" {
			continue
		}
		rule := "avoid: " + issue.Description
		exists := false
		for _, r := range st.GenerationRules {
			if r == rule {
				exists = true
				break
			}
		}
		if !exists {
			st.GenerationRules = append(st.GenerationRules, rule)
		}
	}
	if len(st.GenerationRules) > 20 {
		st.GenerationRules = st.GenerationRules[len(st.GenerationRules)-20:]
	}
}
