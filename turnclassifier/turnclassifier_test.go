package turnclassifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	openai "github.com/sashabaranov/go-openai"
)

func newTestClassifier(t *testing.T, verdict string) *Classifier {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{
				{Message: openai.ChatCompletionMessage{Content: verdict}},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)

	cfg := openai.DefaultConfig("test-key")
	cfg.BaseURL = srv.URL
	return &Classifier{client: openai.NewClientWithConfig(cfg), model: "test-model"}
}

func TestIsTurnCompleteRecognizesDone(t *testing.T) {
	c := newTestClassifier(t, "DONE")
	done, err := c.IsTurnComplete(context.Background(), "$ ")
	if err != nil {
		t.Fatalf("IsTurnComplete() error = %v", err)
	}
	if !done {
		t.Fatalf("IsTurnComplete() = false, want true for DONE verdict")
	}
}

func TestIsTurnCompleteRecognizesWorking(t *testing.T) {
	c := newTestClassifier(t, "WORKING")
	done, err := c.IsTurnComplete(context.Background(), "compiling...")
	if err != nil {
		t.Fatalf("IsTurnComplete() error = %v", err)
	}
	if done {
		t.Fatalf("IsTurnComplete() = true, want false for WORKING verdict")
	}
}

func TestIsTurnCompleteSkipsEmptyTail(t *testing.T) {
	c := newTestClassifier(t, "DONE")
	done, err := c.IsTurnComplete(context.Background(), "   \n  ")
	if err != nil {
		t.Fatalf("IsTurnComplete() error = %v", err)
	}
	if done {
		t.Fatalf("IsTurnComplete() = true, want false for blank input without a model call")
	}
}

func TestIsTurnCompleteTrimsWhitespaceInVerdict(t *testing.T) {
	c := newTestClassifier(t, "  done\n")
	done, err := c.IsTurnComplete(context.Background(), "ready for next command")
	if err != nil {
		t.Fatalf("IsTurnComplete() error = %v", err)
	}
	if !done {
		t.Fatalf("IsTurnComplete() = false, want true despite surrounding whitespace/case")
	}
}
