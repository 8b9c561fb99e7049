package narration

// #region imports
import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// #endregion

const maxRetries = 2 // 3 attempts in total

// #region failure

// Failure classifies a narration that should not reach the story log.
type Failure string

const (
	FailureNone    Failure = ""
	FailureEmpty   Failure = "empty"
	FailureRefusal Failure = "refusal"
	FailureOffCast Failure = "off_cast" // names none of the thread's characters
	FailureRunaway Failure = "too_long"
)

// maxNarrationChars bounds one narrated moment.
const maxNarrationChars = 600

var refusalPatterns = []string{
	"i cannot",
	"i can't",
	"as an ai",
	"as a language model",
	"i'm not able to",
	"i am not able to",
	"i'd be happy to help",
	"how can i assist",
}

// #endregion

// #region evaluate

// EvaluateText checks narrated text via string analysis. No model call.
func EvaluateText(req Request, text string) Failure {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return FailureEmpty
	}
	lower := strings.ToLower(trimmed)
	for _, p := range refusalPatterns {
		if strings.Contains(lower, p) {
			return FailureRefusal
		}
	}
	if len(trimmed) > maxNarrationChars {
		return FailureRunaway
	}
	if len(req.Participants) > 0 {
		named := false
		for _, p := range req.Participants {
			if p != "" && strings.Contains(lower, strings.ToLower(p)) {
				named = true
				break
			}
		}
		if !named {
			return FailureOffCast
		}
	}
	return FailureNone
}

// #endregion

// #region retry

// ErrNarrationRejected is returned when every attempt failed evaluation.
var ErrNarrationRejected = errors.New("narration rejected")

type retryNarrator struct {
	next Narrator
	log  *zap.Logger
}

// WithRetry wraps n so that text failing EvaluateText is requested again,
// up to two more times. Transport errors are not retried. An off-cast
// narration that survives every attempt is accepted as is.
func WithRetry(n Narrator, log *zap.Logger) Narrator {
	if log == nil {
		log = zap.NewNop()
	}
	return retryNarrator{next: n, log: log}
}

func (r retryNarrator) Narrate(ctx context.Context, req Request) (string, error) {
	var (
		last    string
		failure Failure
	)
	for attempt := 0; attempt <= maxRetries; attempt++ {
		text, err := r.next.Narrate(ctx, req)
		if err != nil {
			return "", err
		}
		failure = EvaluateText(req, text)
		if failure == FailureNone {
			return strings.TrimSpace(text), nil
		}
		r.log.Debug("narration retry",
			zap.String("request", req.ID),
			zap.Int("attempt", attempt+1),
			zap.String("failure", string(failure)))
		if failure == FailureOffCast {
			last = strings.TrimSpace(text)
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}
	if last != "" {
		return last, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNarrationRejected, failure)
}

// #endregion
