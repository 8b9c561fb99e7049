package narration

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"
)

func TestEvaluateText(t *testing.T) {
	req := Request{ID: "t/1", Participants: []string{"bram", "mira"}}
	cases := []struct {
		text string
		want Failure
	}{
		{"Bram wipes the bar and glares at Mira.", FailureNone},
		{"   ", FailureEmpty},
		{"As an AI, I cannot describe taverns.", FailureRefusal},
		{"The fire crackles in the hearth.", FailureOffCast},
		{"Mira " + strings.Repeat("sighs ", 120), FailureRunaway},
	}
	for _, c := range cases {
		if got := EvaluateText(req, c.text); got != c.want {
			t.Errorf("EvaluateText(%q) = %q, want %q", c.text, got, c.want)
		}
	}

	if got := EvaluateText(Request{ID: "t/2"}, "The fire crackles."); got != FailureNone {
		t.Errorf("no participants: got %q", got)
	}
}

// scripted returns each text in order, repeating the last.
func scripted(texts ...string) (Narrator, *int) {
	calls := 0
	return NarratorFunc(func(context.Context, Request) (string, error) {
		i := calls
		if i >= len(texts) {
			i = len(texts) - 1
		}
		calls++
		return texts[i], nil
	}), &calls
}

func TestWithRetry_RecoversAfterRefusal(t *testing.T) {
	n, calls := scripted("I can't help with that.", "  Bram laughs at Mira's joke.  ")
	text, err := WithRetry(n, zaptest.NewLogger(t)).Narrate(context.Background(), Request{ID: "t/1", Participants: []string{"bram"}})
	if err != nil {
		t.Fatalf("Narrate: %v", err)
	}
	if text != "Bram laughs at Mira's joke." {
		t.Errorf("unexpected text %q", text)
	}
	if *calls != 2 {
		t.Errorf("expected 2 attempts, got %d", *calls)
	}
}

func TestWithRetry_GivesUp(t *testing.T) {
	n, calls := scripted("As a language model I won't.")
	_, err := WithRetry(n, nil).Narrate(context.Background(), Request{ID: "t/1"})
	if !errors.Is(err, ErrNarrationRejected) {
		t.Fatalf("expected ErrNarrationRejected, got %v", err)
	}
	if *calls != maxRetries+1 {
		t.Errorf("expected %d attempts, got %d", maxRetries+1, *calls)
	}
}

func TestWithRetry_AcceptsOffCastLast(t *testing.T) {
	n, _ := scripted("Rain drums on the shutters.", "")
	text, err := WithRetry(n, nil).Narrate(context.Background(), Request{ID: "t/1", Participants: []string{"bram"}})
	if err != nil {
		t.Fatalf("Narrate: %v", err)
	}
	if text != "Rain drums on the shutters." {
		t.Errorf("unexpected text %q", text)
	}
}

func TestWithRetry_TransportErrorNotRetried(t *testing.T) {
	calls := 0
	n := NarratorFunc(func(context.Context, Request) (string, error) {
		calls++
		return "", errors.New("connection reset")
	})
	if _, err := WithRetry(n, nil).Narrate(context.Background(), Request{ID: "t/1"}); err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 attempt, got %d", calls)
	}
}
