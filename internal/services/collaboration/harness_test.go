package collaboration

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"codesync/internal/models"
	"codesync/internal/services/roles"
	"codesync/internal/testutil"

	"github.com/stretchr/testify/require"
)

type harness struct {
	t      *testing.T
	ctx    context.Context
	stores *testutil.Stores
	reg    *Registry
	code   *CodeSync
	orch   *Orchestrator
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	window     time.Duration
	eventRate  float64
	eventBurst int
	authority  func(RoleAuthority) RoleAuthority
}

func withWindow(d time.Duration) harnessOption {
	return func(c *harnessConfig) { c.window = d }
}

func withEventRate(r float64, burst int) harnessOption {
	return func(c *harnessConfig) {
		c.eventRate = r
		c.eventBurst = burst
	}
}

func withAuthority(wrap func(RoleAuthority) RoleAuthority) harnessOption {
	return func(c *harnessConfig) { c.authority = wrap }
}

// hookedAuthority runs a one-shot callback after Authorize has resolved a
// role and before the caller gets it back.
type hookedAuthority struct {
	RoleAuthority

	mu             sync.Mutex
	afterAuthorize func(projectID, principal string)
}

func (a *hookedAuthority) onNextAuthorize(fn func(projectID, principal string)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.afterAuthorize = fn
}

func (a *hookedAuthority) Authorize(ctx context.Context, projectID, principal string) (*roles.Resolution, error) {
	res, err := a.RoleAuthority.Authorize(ctx, projectID, principal)

	a.mu.Lock()
	fn := a.afterAuthorize
	a.afterAuthorize = nil
	a.mu.Unlock()
	if fn != nil {
		fn(projectID, principal)
	}
	return res, err
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	cfg := harnessConfig{window: time.Hour}
	for _, opt := range opts {
		opt(&cfg)
	}

	stores, ctx := testutil.NewStores(t)
	reg := NewRegistry()
	code := NewCodeSync(stores.Projects, reg, cfg.window)
	presence := NewPresence(reg, stores.Sessions)
	chat := NewChat(reg, stores.Sessions, 4000, 50)
	var authority RoleAuthority = roles.NewAuthority(stores.Projects)
	if cfg.authority != nil {
		authority = cfg.authority(authority)
	}
	orch := NewOrchestrator(reg, authority, code, presence, chat, stores.Sessions, cfg.eventRate, cfg.eventBurst)

	t.Cleanup(func() {
		_ = code.Flush(context.Background())
	})

	return &harness{t: t, ctx: ctx, stores: stores, reg: reg, code: code, orch: orch}
}

func (h *harness) connect(principal string) *Client {
	return h.orch.Connect(principal, nil)
}

func (h *harness) send(c *Client, t models.EventType, payload any) {
	h.t.Helper()
	env, err := models.NewEnvelope(t, payload)
	require.NoError(h.t, err)
	env.RequestID = "req-1"
	h.orch.HandleEvent(h.ctx, c, env)
}

// join sends join and discards the join sequence frames.
func (h *harness) join(c *Client, projectID string) []models.Envelope {
	h.t.Helper()
	h.send(c, models.EventJoin, models.JoinPayload{ProjectID: projectID})
	return drain(h.t, c)
}

// drain returns every frame queued for c so far.
func drain(t *testing.T, c *Client) []models.Envelope {
	t.Helper()
	var out []models.Envelope
	for {
		select {
		case data := <-c.Outbound():
			var env models.Envelope
			require.NoError(t, json.Unmarshal(data, &env))
			out = append(out, env)
		default:
			return out
		}
	}
}

func ofType(envs []models.Envelope, t models.EventType) []models.Envelope {
	var out []models.Envelope
	for _, e := range envs {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func types(envs []models.Envelope) []models.EventType {
	out := make([]models.EventType, 0, len(envs))
	for _, e := range envs {
		out = append(out, e.Type)
	}
	return out
}

func payloadOf[T any](t *testing.T, env models.Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Payload, &v))
	return v
}

func requireError(t *testing.T, envs []models.Envelope, code string) models.ErrorPayload {
	t.Helper()
	errs := ofType(envs, models.EventError)
	require.Len(t, errs, 1, "frames: %v", types(envs))
	p := payloadOf[models.ErrorPayload](t, errs[0])
	require.Equal(t, code, p.Code, p.Message)
	require.Equal(t, "req-1", errs[0].RequestID)
	return p
}
