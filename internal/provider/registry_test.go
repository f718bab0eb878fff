package provider

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRegistryCachesClients(t *testing.T) {
	catalog := NewCatalog()
	catalog.Init(InitOptions{Getenv: envOf(nil), Providers: map[string]Config{
		"local": {
			Kind:    "fake",
			Options: Options{APIKey: "provider-key", BaseURL: "http://provider", Headers: map[string]string{"A": "1"}},
			Models: map[string]*Model{
				"m1": {Headers: map[string]string{"B": "2"}},
				"m2": {API: API{URL: "http://model"}},
			},
		},
	}})
	reg := NewRegistry(catalog, nil)

	var built []Credential
	reg.RegisterFactory("fake", func(_ context.Context, _ *Model, cred Credential) (LanguageClient, error) {
		built = append(built, cred)
		return LanguageClientFunc(func(context.Context, *Request) (<-chan StreamEvent, error) { return nil, nil }), nil
	})

	m1, _ := catalog.GetModel("local", "m1")
	m2, _ := catalog.GetModel("local", "m2")
	ctx := context.Background()
	if _, err := reg.GetLanguageClient(ctx, m1, Credential{}); err != nil {
		t.Fatalf("GetLanguageClient() error = %v", err)
	}
	if _, err := reg.GetLanguageClient(ctx, m1, Credential{}); err != nil {
		t.Fatalf("GetLanguageClient() error = %v", err)
	}
	if len(built) != 1 {
		t.Fatalf("expected cached client, factory ran %d times", len(built))
	}
	if built[0].APIKey != "provider-key" || built[0].BaseURL != "http://provider" || built[0].Headers["A"] != "1" || built[0].Headers["B"] != "2" {
		t.Fatalf("resolved credential = %+v", built[0])
	}

	if _, err := reg.GetLanguageClient(ctx, m2, Credential{ProfileID: "p", APIKey: "profile-key"}); err != nil {
		t.Fatalf("GetLanguageClient() error = %v", err)
	}
	if built[1].BaseURL != "http://model" || built[1].APIKey != "profile-key" {
		t.Fatalf("model override not applied: %+v", built[1])
	}

	reg.Invalidate("p")
	if _, err := reg.GetLanguageClient(ctx, m2, Credential{ProfileID: "p", APIKey: "profile-key"}); err != nil {
		t.Fatalf("GetLanguageClient() error = %v", err)
	}
	if len(built) != 3 {
		t.Fatalf("Invalidate should drop the profile's clients, built %d", len(built))
	}

	var unknown *UnknownKindError
	_, err := reg.GetLanguageClient(ctx, &Model{ID: "x", ProviderID: "local", API: API{Kind: "nope"}}, Credential{})
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownKindError, got %v", err)
	}
}

func TestRegistryBuildsOutsideLock(t *testing.T) {
	catalog := NewCatalog()
	catalog.Init(InitOptions{Getenv: envOf(nil), Providers: map[string]Config{
		"slow": {Kind: "slow", Options: Options{APIKey: "k"}, Models: map[string]*Model{"m": {}}},
		"fast": {Kind: "fast", Options: Options{APIKey: "k"}, Models: map[string]*Model{"m": {}}},
	}})
	reg := NewRegistry(catalog, nil)
	stub := LanguageClientFunc(func(context.Context, *Request) (<-chan StreamEvent, error) { return nil, nil })

	started := make(chan struct{})
	release := make(chan struct{})
	var slowBuilds atomic.Int32
	reg.RegisterFactory("slow", func(context.Context, *Model, Credential) (LanguageClient, error) {
		if slowBuilds.Add(1) == 1 {
			close(started)
		}
		<-release
		return stub, nil
	})
	reg.RegisterFactory("fast", func(context.Context, *Model, Credential) (LanguageClient, error) {
		return stub, nil
	})

	slow, _ := catalog.GetModel("slow", "m")
	fast, _ := catalog.GetModel("fast", "m")
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reg.GetLanguageClient(ctx, slow, Credential{})
			errs <- err
		}()
	}
	<-started

	done := make(chan error, 1)
	go func() {
		_, err := reg.GetLanguageClient(ctx, fast, Credential{})
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("fast GetLanguageClient() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("a slow factory blocked lookups for another model")
	}

	close(release)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("slow GetLanguageClient() error = %v", err)
		}
	}
	if _, err := reg.GetLanguageClient(ctx, slow, Credential{}); err != nil {
		t.Fatalf("GetLanguageClient() error = %v", err)
	}
	// Callers that arrived during the first build either shared it or hit
	// the cache afterwards.
	if n := slowBuilds.Load(); n != 1 {
		t.Fatalf("slow factory ran %d times, want 1", n)
	}
}

func TestRegistryDropsBuildRacingInvalidate(t *testing.T) {
	catalog := NewCatalog()
	catalog.Init(InitOptions{Getenv: envOf(nil), Providers: map[string]Config{
		"p": {Kind: "fake", Models: map[string]*Model{"m": {}}},
	}})
	reg := NewRegistry(catalog, nil)
	stub := LanguageClientFunc(func(context.Context, *Request) (<-chan StreamEvent, error) { return nil, nil })

	var builds int
	reg.RegisterFactory("fake", func(context.Context, *Model, Credential) (LanguageClient, error) {
		builds++
		if builds == 1 {
			reg.Invalidate("oa")
		}
		return stub, nil
	})
	model, _ := catalog.GetModel("p", "m")
	cred := Credential{ProfileID: "oa", APIKey: "old"}
	for range 2 {
		if _, err := reg.GetLanguageClient(context.Background(), model, cred); err != nil {
			t.Fatalf("GetLanguageClient() error = %v", err)
		}
	}
	if builds != 2 {
		t.Fatalf("client built during Invalidate was cached, builds = %d", builds)
	}
}

func TestFactoriesRequireCredentials(t *testing.T) {
	model := &Model{ID: "m", ProviderID: "p"}
	for name, f := range map[string]Factory{"anthropic": NewAnthropicClient, "google": NewGoogleClient} {
		if _, err := f(context.Background(), model, Credential{}); !errors.Is(err, ErrCredentialRequired) {
			t.Errorf("%s factory error = %v", name, err)
		}
	}
}
