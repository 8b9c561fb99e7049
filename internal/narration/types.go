// Package narration turns narrative effects into prose outside the tick.
// Effects that carry a narration request id are extracted as Requests, run
// through a Narrator on a bounded worker pool, and the results are fed back
// to the orchestrator as input events on a later tick.
package narration

import (
	"context"
	"fmt"
	"strings"

	"github.com/danielpatrickdp/tavern-sim/narrative/internal/orchestrator"
)

// #region types

// Request is one piece of prose to write.
type Request struct {
	ID           string                  `json:"id"`
	ThreadID     string                  `json:"thread_id"`
	Kind         orchestrator.EffectKind `json:"kind"`
	ThreadType   string                  `json:"thread_type"`
	Template     string                  `json:"template"`
	Stage        string                  `json:"stage"`
	Tension      string                  `json:"tension"`
	Participants []string                `json:"participants"`
}

// Narrator writes prose for a request.
type Narrator interface {
	Narrate(ctx context.Context, req Request) (string, error)
}

// NarratorFunc adapts a function to Narrator.
type NarratorFunc func(ctx context.Context, req Request) (string, error)

// Narrate calls f.
func (f NarratorFunc) Narrate(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// #endregion types

// #region extract

// RequestsFromEffects collects a Request for every effect that asks for narration.
func RequestsFromEffects(effects []orchestrator.NarrativeEffect) []Request {
	var out []Request
	for _, e := range effects {
		if e.NarrationRequestID == "" {
			continue
		}
		req := Request{
			ID:         e.NarrationRequestID,
			ThreadID:   e.ThreadID,
			Kind:       e.Kind,
			ThreadType: e.Payload["type"],
			Template:   e.Payload["template"],
			Stage:      e.Payload["to"],
			Tension:    e.Payload["tension"],
		}
		if p := e.Payload["participants"]; p != "" {
			req.Participants = strings.Split(p, ",")
		}
		out = append(out, req)
	}
	return out
}

// InputEvents wraps results for the next tick's context.
func InputEvents(results []orchestrator.NarrationResult) []orchestrator.InputEvent {
	out := make([]orchestrator.InputEvent, len(results))
	for i := range results {
		r := results[i]
		out[i] = orchestrator.InputEvent{Kind: orchestrator.InputNarration, Narration: &r}
	}
	return out
}

// #endregion extract

// #region prompt

const systemPrompt = "You narrate a fantasy tavern. Write one or two sentences of present-tense prose " +
	"describing the moment. Name the characters involved. Do not invent new characters."

// Prompt renders the request as a user message.
func (r Request) Prompt() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Story thread: %s (%s)\n", r.ThreadType, r.ThreadID)
	fmt.Fprintf(&b, "Moment: %s", r.Template)
	if r.Kind == orchestrator.EffectClimax {
		b.WriteString(" [climax]")
	}
	b.WriteString("\n")
	if r.Stage != "" {
		fmt.Fprintf(&b, "Stage: %s\n", r.Stage)
	}
	if r.Tension != "" {
		fmt.Fprintf(&b, "Tension: %s\n", r.Tension)
	}
	if len(r.Participants) > 0 {
		fmt.Fprintf(&b, "Characters: %s\n", strings.Join(r.Participants, ", "))
	}
	return b.String()
}

// #endregion prompt
