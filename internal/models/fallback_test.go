package models

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestParseModelRef(t *testing.T) {
	tests := []struct {
		ref      string
		defProv  string
		expected *ModelCandidate
	}{
		{"anthropic/claude-sonnet-4", "", &ModelCandidate{"anthropic", "claude-sonnet-4"}},
		{"claude-sonnet-4", "anthropic", &ModelCandidate{"anthropic", "claude-sonnet-4"}},
		{"openrouter/openai/gpt-4o", "", &ModelCandidate{"openrouter", "openai/gpt-4o"}},
		{"", "anthropic", nil},
		{"  ", "anthropic", nil},
	}
	for _, tt := range tests {
		result := ParseModelRef(tt.ref, tt.defProv)
		if tt.expected == nil {
			if result != nil {
				t.Errorf("ParseModelRef(%q) = %v, want nil", tt.ref, result)
			}
			continue
		}
		if result == nil || *result != *tt.expected {
			t.Errorf("ParseModelRef(%q) = %v, want %v", tt.ref, result, tt.expected)
		}
	}
}

func TestBuildFallbackCandidatesDeduplicates(t *testing.T) {
	got := BuildFallbackCandidates(&FallbackConfig{
		PrimaryProvider: "anthropic",
		PrimaryModel:    "claude-sonnet-4",
		Fallbacks:       []string{"anthropic/claude-sonnet-4", "gpt-4o", "openai/gpt-4o", "google/gemini-2.5-pro"},
	})
	want := []string{"anthropic/claude-sonnet-4", "anthropic/gpt-4o", "openai/gpt-4o", "google/gemini-2.5-pro"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i].String() != want[i] {
			t.Errorf("candidate %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Reason
	}{
		{errors.New("429 Too Many Requests"), ReasonRateLimit},
		{errors.New("Overloaded"), ReasonRateLimit},
		{errors.New("request timed out"), ReasonTimeout},
		{context.DeadlineExceeded, ReasonTimeout},
		{context.Canceled, ReasonAbort},
		{errors.New("401 invalid x-api-key"), ReasonAuth},
		{errors.New("Your credit balance is too low"), ReasonBilling},
		{errors.New("502 bad gateway"), ReasonServerError},
		{NewFailoverError(errors.New("x"), "p", "m", ReasonBilling), ReasonBilling},
		{errors.New("something odd"), ReasonUnknown},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestIsFailoverError(t *testing.T) {
	if IsFailoverError(errors.New("401 unauthorized")) {
		t.Error("plain errors must not fail over")
	}
	if !IsFailoverError(NewFailoverError(nil, "p", "m", ReasonAuth)) {
		t.Error("FailoverError should fail over")
	}
	if IsFailoverError(NewFailoverError(nil, "p", "m", ReasonAbort)) {
		t.Error("abort must not fail over")
	}
}

func TestFailoverErrorMessage(t *testing.T) {
	err := NewFailoverError(errors.New("no key"), "anthropic", "claude", ReasonAuth).WithStatus(401)
	want := "[auth] anthropic model=claude status=401 no key"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestRunWithModelFallbackMovesOnFailover(t *testing.T) {
	cfg := &FallbackConfig{PrimaryProvider: "anthropic", PrimaryModel: "a", Fallbacks: []string{"openai/b"}}
	var tried []string
	res, err := RunWithModelFallback(context.Background(), cfg, func(ctx context.Context, provider, model string) (string, error) {
		tried = append(tried, provider+"/"+model)
		if model == "a" {
			return "", NewFailoverError(errors.New("exhausted"), provider, model, ReasonAuth)
		}
		return "done", nil
	}, nil)
	if err != nil {
		t.Fatalf("RunWithModelFallback() error = %v", err)
	}
	if res.Result != "done" || res.Provider != "openai" || len(res.Attempts) != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if strings.Join(tried, ",") != "anthropic/a,openai/b" {
		t.Fatalf("tried %v", tried)
	}
}

func TestRunWithModelFallbackStopsOnPlainError(t *testing.T) {
	cfg := &FallbackConfig{PrimaryProvider: "anthropic", PrimaryModel: "a", Fallbacks: []string{"openai/b"}}
	calls := 0
	boom := errors.New("boom")
	_, err := RunWithModelFallback(context.Background(), cfg, func(ctx context.Context, provider, model string) (int, error) {
		calls++
		return 0, boom
	}, nil)
	if !errors.Is(err, boom) || calls != 1 {
		t.Fatalf("error = %v after %d calls", err, calls)
	}
}

func TestRunWithModelFallbackAllFail(t *testing.T) {
	cfg := &FallbackConfig{PrimaryProvider: "anthropic", PrimaryModel: "a", Fallbacks: []string{"openai/b"}}
	var observed int
	_, err := RunWithModelFallback(context.Background(), cfg, func(ctx context.Context, provider, model string) (int, error) {
		return 0, NewFailoverError(errors.New("no profile"), provider, model, ReasonAuth)
	}, func(provider, model string, err error, attempt, total int) {
		observed++
		if total != 2 {
			t.Errorf("total = %d", total)
		}
	})
	if !errors.Is(err, ErrAllCandidatesFailed) || !IsFailoverError(err) {
		t.Fatalf("error = %v", err)
	}
	if observed != 2 {
		t.Fatalf("onError called %d times", observed)
	}
}

func TestRunWithModelFallbackCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := RunWithModelFallback(ctx, &FallbackConfig{PrimaryProvider: "p", PrimaryModel: "m"}, func(ctx context.Context, provider, model string) (int, error) {
		t.Fatal("run should not be called")
		return 0, nil
	}, nil)
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("error = %v", err)
	}
	if _, err := RunWithModelFallback(context.Background(), &FallbackConfig{}, func(ctx context.Context, provider, model string) (int, error) {
		return 0, nil
	}, nil); !errors.Is(err, ErrNoCandidates) {
		t.Fatalf("error = %v", err)
	}
}
