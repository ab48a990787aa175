package access

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/saferiskx/saferiskx-server/internal/accesscp/registry"
	internalerrors "github.com/saferiskx/saferiskx-server/internal/errors"
)

var epoch = time.Unix(1_800_000_000, 0).UTC()

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeGuild is an in-memory guild. members maps a user id to whether it holds
// the premium role.
type fakeGuild struct {
	mu       sync.Mutex
	members  map[string]bool
	profiles map[string]*Profile // by authorization code
	calls    []string

	failLookup bool
	failGrant  bool
	failRevoke bool
}

func newFakeGuild() *fakeGuild {
	return &fakeGuild{members: map[string]bool{}, profiles: map[string]*Profile{}}
}

func (g *fakeGuild) record(format string, args ...any) {
	g.calls = append(g.calls, fmt.Sprintf(format, args...))
}

func (g *fakeGuild) count(call string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (g *fakeGuild) indexOf(prefix string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, c := range g.calls {
		if strings.HasPrefix(c, prefix) {
			return i
		}
	}
	return -1
}

func (g *fakeGuild) hasRole(userID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.members[userID]
}

func (g *fakeGuild) join(userID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.members[userID]; !ok {
		g.members[userID] = false
	}
}

// identity registers an OAuth code that resolves to userID.
func (g *fakeGuild) identity(code, userID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.profiles[code] = &Profile{ID: userID, Username: "user-" + userID, Discriminator: "0"}
}

func (g *fakeGuild) AuthorizationURL(state string) string {
	return "https://community.example/authorize?state=" + state
}

func (g *fakeGuild) ExchangeCode(_ context.Context, code string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("exchange:%s", code)
	if _, ok := g.profiles[code]; !ok {
		return "", errors.New("invalid_grant")
	}
	return "tok:" + code, nil
}

func (g *fakeGuild) FetchProfile(_ context.Context, token string) (*Profile, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.profiles[strings.TrimPrefix(token, "tok:")]
	if !ok {
		return nil, internalerrors.WrapAPIError("fetch_profile", "discord", errors.New("unknown token"), 401)
	}
	cp := *p
	return &cp, nil
}

func (g *fakeGuild) LookupMember(_ context.Context, userID string) (Member, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("lookup:%s", userID)
	if g.failLookup {
		return Member{}, internalerrors.WrapConnectionError("lookup_member", "discord", errors.New("timeout"))
	}
	role, ok := g.members[userID]
	return Member{InGuild: ok, HasRole: role}, nil
}

func (g *fakeGuild) AddMemberWithRole(_ context.Context, userID, token string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("add:%s", userID)
	if token == "" {
		return false, errors.New("missing access token")
	}
	if _, ok := g.members[userID]; ok {
		return false, nil
	}
	g.members[userID] = true
	return true, nil
}

func (g *fakeGuild) GrantRole(_ context.Context, userID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("grant:%s", userID)
	if g.failGrant {
		return internalerrors.WrapAPIError("grant_role", "discord", errors.New("server error"), 500)
	}
	if _, ok := g.members[userID]; !ok {
		return internalerrors.WrapAPIError("grant_role", "discord", errors.New("unknown member"), 404)
	}
	g.members[userID] = true
	return nil
}

func (g *fakeGuild) RevokeRole(_ context.Context, userID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("revoke:%s", userID)
	if g.failRevoke {
		return internalerrors.WrapConnectionError("revoke_role", "discord", errors.New("timeout"))
	}
	if _, ok := g.members[userID]; ok {
		g.members[userID] = false
	}
	return nil
}

type fakeBilling struct {
	mu         sync.Mutex
	periodEnds map[string]int64
	err        error
	calls      int
}

func (b *fakeBilling) SubscriptionPeriodEnd(_ context.Context, id string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.err != nil {
		return 0, b.err
	}
	return b.periodEnds[id], nil
}

type harness struct {
	svc     *Service
	reg     *registry.Registry
	guild   *fakeGuild
	billing *fakeBilling
	clock   *fakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	reg, err := registry.Open(t.TempDir())
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })

	h := &harness{
		reg:     reg,
		guild:   newFakeGuild(),
		billing: &fakeBilling{periodEnds: map[string]int64{}},
		clock:   &fakeClock{t: epoch},
	}
	h.svc = NewService(reg, h.guild, h.billing, WithClock(h.clock.Now), WithAdapterTimeout(time.Second))
	return h
}

func (h *harness) account(t *testing.T, email string) *registry.Account {
	t.Helper()
	a := &registry.Account{Email: email, Verified: true}
	if err := h.reg.CreateAccount(context.Background(), a); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	return a
}

// checkout completes a checkout whose period ends `days` after the current
// fake time.
func (h *harness) checkout(t *testing.T, accountID int64, session, billingSub string, days int) bool {
	t.Helper()
	h.billing.mu.Lock()
	h.billing.periodEnds[billingSub] = h.clock.Now().Add(time.Duration(days) * 24 * time.Hour).Unix()
	h.billing.mu.Unlock()

	created, err := h.svc.HandleCheckoutCompleted(context.Background(), CheckoutCompleted{
		SessionID:             session,
		AccountID:             accountID,
		BillingCustomerID:     fmt.Sprintf("cus_%d", accountID),
		BillingSubscriptionID: billingSub,
	})
	if err != nil {
		t.Fatalf("HandleCheckoutCompleted(%s): %v", session, err)
	}
	return created
}

func (h *harness) connect(t *testing.T, accountID int64, code, userID string) *CallbackResult {
	t.Helper()
	h.guild.identity(code, userID)
	res, err := h.svc.HandleCallback(context.Background(), accountID, code)
	if err != nil {
		t.Fatalf("HandleCallback(%s): %v", code, err)
	}
	return res
}

func (h *harness) subscription(t *testing.T, billingSub string) *registry.Subscription {
	t.Helper()
	sub, err := h.reg.GetSubscriptionByBillingID(context.Background(), billingSub)
	if err != nil {
		t.Fatalf("GetSubscriptionByBillingID: %v", err)
	}
	if sub == nil {
		t.Fatalf("subscription %s not found", billingSub)
	}
	return sub
}
