package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/haasonsaas/conductor/internal/auth"
	"github.com/haasonsaas/conductor/internal/models"
)

// ClientSource builds language clients; *Registry implements it.
type ClientSource interface {
	GetLanguageClient(ctx context.Context, model *Model, cred Credential) (LanguageClient, error)
}

// FailoverOptions configures a FailoverClient.
type FailoverOptions struct {
	Model   *Model
	Clients ClientSource
	// Profiles may be nil, in which case the provider's configured key is used.
	Profiles *auth.Store
	// LockedProfile pins the client to a single profile.
	LockedProfile string
	// PreferredProfile is tried first when not locked.
	PreferredProfile string
	// HasFallbacks makes exhaustion report a *models.FailoverError so the
	// caller can move on to another model.
	HasFallbacks bool
	Logger       *slog.Logger
}

// FailoverClient is a LanguageClient that rotates through a provider's auth
// profiles. Credential failures that happen before any content is streamed
// put the profile in cooldown and move on to the next one; a rejected
// reasoning level is retried one level lower.
type FailoverClient struct {
	opts   FailoverOptions
	logger *slog.Logger
}

// NewFailoverClient creates a FailoverClient.
func NewFailoverClient(opts FailoverOptions) *FailoverClient {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &FailoverClient{opts: opts, logger: logger.With("component", "failover", "model", opts.Model.Ref().String())}
}

func (c *FailoverClient) Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	out := make(chan StreamEvent)
	go func() {
		defer close(out)
		c.run(ctx, req, emitter{ctx: ctx, ch: out})
	}()
	return out, nil
}

// candidates returns profile ids to try; a single empty id means no
// profiles are configured for the provider.
func (c *FailoverClient) candidates() []string {
	store := c.opts.Profiles
	provider := c.opts.Model.ProviderID
	if store == nil {
		return []string{""}
	}
	if c.opts.LockedProfile != "" {
		return []string{c.opts.LockedProfile}
	}
	ids := store.ResolveOrder(provider, c.opts.PreferredProfile)
	if len(ids) == 0 {
		return []string{""}
	}
	return ids
}

func (c *FailoverClient) run(ctx context.Context, req *Request, out emitter) {
	current := *req
	levels := map[ThinkingLevel]bool{current.Thinking: true}
	ids := c.candidates()
	var lastErr error
	lastReason := models.ReasonAuth

	for i := 0; i < len(ids); i++ {
		id := ids[i]
		store := c.opts.Profiles
		if id != "" && c.opts.LockedProfile == "" && store.InCooldown(id) {
			c.logger.Debug("skipping profile in cooldown", "profile", id)
			continue
		}

		cred := Credential{ProfileID: id}
		if id != "" {
			profile, err := store.Credential(ctx, id)
			if err != nil {
				c.logger.Warn("auth profile unusable", "profile", id, "error", err)
				store.MarkFailure(id, models.ReasonAuth)
				lastErr = err
				continue
			}
			cred.APIKey = profile.Secret()
			store.MarkUsed(id)
		}

		first, rest, err := c.attempt(ctx, cred, &current)
		if err == nil {
			c.forward(ctx, id, first, rest, out)
			return
		}
		if ctx.Err() != nil {
			out.fail(ctx.Err())
			return
		}
		lastErr = err

		if IsThinkingUnsupported(err) && current.Thinking.Enabled() {
			if next, ok := current.Thinking.Downgrade(levels); ok {
				c.logger.Info("thinking level rejected, downgrading", "from", current.Thinking, "to", next)
				levels[next] = true
				current.Thinking = next
				i--
				continue
			}
		}

		reason := ClassifyError(err)
		if reason.IsCredential() && id != "" {
			store.MarkFailure(id, reason)
			lastReason = reason
			c.logger.Warn("auth profile failed, rotating", "profile", id, "reason", reason)
			continue
		}
		out.fail(c.finalError(err, reason))
		return
	}

	out.fail(c.exhausted(lastErr, lastReason))
}

// attempt starts a stream and waits for its first event. A stream that
// fails before producing content reports the error instead.
func (c *FailoverClient) attempt(ctx context.Context, cred Credential, req *Request) (*StreamEvent, <-chan StreamEvent, error) {
	client, err := c.opts.Clients.GetLanguageClient(ctx, c.opts.Model, cred)
	if err != nil {
		return nil, nil, err
	}
	events, err := client.Stream(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	select {
	case ev, ok := <-events:
		if !ok {
			return nil, events, nil
		}
		if ev.Type == EventError {
			return nil, nil, ev.Err
		}
		return &ev, events, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

func (c *FailoverClient) forward(ctx context.Context, id string, first *StreamEvent, rest <-chan StreamEvent, out emitter) {
	if first != nil && !out.send(*first) {
		return
	}
	failed := false
	for ev := range rest {
		if ev.Type == EventError {
			failed = true
		}
		if !out.send(ev) {
			return
		}
	}
	if !failed && ctx.Err() == nil && id != "" {
		c.opts.Profiles.MarkGood(id)
	}
}

// finalError wraps a non-rotating error for model fallback when the model
// itself is unusable.
func (c *FailoverClient) finalError(err error, reason models.Reason) error {
	if !c.opts.HasFallbacks || models.IsFailoverError(err) {
		return err
	}
	switch reason {
	case models.ReasonUnavailable, models.ReasonAuth, models.ReasonBilling:
		m := c.opts.Model
		return models.NewFailoverError(err, m.ProviderID, m.ID, reason)
	}
	return err
}

func (c *FailoverClient) exhausted(lastErr error, reason models.Reason) error {
	msg := fmt.Sprintf("No available auth profile for %s (all in cooldown or unavailable).", c.opts.Model.ProviderID)
	cause := errors.New(msg)
	if lastErr != nil {
		cause = fmt.Errorf("%s: %w", msg, lastErr)
	}
	if !c.opts.HasFallbacks {
		if lastErr == nil {
			return errors.New(msg)
		}
		return cause
	}
	m := c.opts.Model
	return models.NewFailoverError(cause, m.ProviderID, m.ID, reason)
}
