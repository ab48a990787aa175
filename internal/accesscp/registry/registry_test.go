package registry

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	internalerrors "github.com/saferiskx/saferiskx-server/internal/errors"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

func createAccount(t *testing.T, reg *Registry, email string) *Account {
	t.Helper()
	a := &Account{Email: email}
	if err := reg.CreateAccount(context.Background(), a); err != nil {
		t.Fatalf("CreateAccount(%s): %v", email, err)
	}
	return a
}

func strPtr(s string) *string { return &s }

func TestCreateAndGetAccount(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	a := createAccount(t, reg, " Trader@Example.com ")
	if a.ID == 0 {
		t.Fatal("expected ID to be assigned")
	}

	got, err := reg.GetAccountByEmail(ctx, "trader@example.com")
	if err != nil {
		t.Fatalf("GetAccountByEmail: %v", err)
	}
	if got == nil || got.ID != a.ID {
		t.Fatalf("expected account %d, got %+v", a.ID, got)
	}
	if got.Verified || got.HasCommunity() || got.BillingCustomerID != nil {
		t.Fatalf("fresh account should be unverified and unlinked: %+v", got)
	}

	missing, err := reg.GetAccount(ctx, 9999)
	if err != nil || missing != nil {
		t.Fatalf("expected nil, nil for missing account, got %+v, %v", missing, err)
	}

	err = reg.CreateAccount(ctx, &Account{Email: "TRADER@example.com"})
	if !errors.Is(err, internalerrors.ErrConflict) {
		t.Fatalf("expected conflict on duplicate email, got %v", err)
	}
}

func TestMarkAccountVerified(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	a := createAccount(t, reg, "v@example.com")

	if err := reg.MarkAccountVerified(ctx, a.ID); err != nil {
		t.Fatalf("MarkAccountVerified: %v", err)
	}
	got, _ := reg.GetAccount(ctx, a.ID)
	if !got.Verified {
		t.Fatal("expected verified account")
	}

	if err := reg.MarkAccountVerified(ctx, 4242); !errors.Is(err, internalerrors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestActivationTokenLookup(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	a := &Account{Email: "new@example.com", ActivationToken: strPtr("tok-1")}
	if err := reg.CreateAccount(ctx, a); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	got, err := reg.GetAccountByActivationToken(ctx, "tok-1")
	if err != nil || got == nil || got.ID != a.ID {
		t.Fatalf("GetAccountByActivationToken = %+v, %v", got, err)
	}
	if err := reg.MarkAccountVerified(ctx, a.ID); err != nil {
		t.Fatalf("MarkAccountVerified: %v", err)
	}
	got, _ = reg.GetAccountByActivationToken(ctx, "tok-1")
	if got == nil || !got.Verified {
		t.Fatalf("token must still resolve after verification, got %+v", got)
	}

	if got, err := reg.GetAccountByActivationToken(ctx, ""); got != nil || err != nil {
		t.Fatalf("empty token = %+v, %v; want nil, nil", got, err)
	}
	err = reg.CreateAccount(ctx, &Account{Email: "other@example.com", ActivationToken: strPtr("tok-1")})
	if !errors.Is(err, internalerrors.ErrConflict) {
		t.Fatalf("expected conflict on reused token, got %v", err)
	}
	// Accounts created without a token do not collide.
	createAccount(t, reg, "a@example.com")
	createAccount(t, reg, "b@example.com")
}

func TestOpenAddsActivationColumnToOlderDatabase(t *testing.T) {
	dir := t.TempDir()
	db, err := sql.Open("sqlite", filepath.Join(dir, "access.db"))
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	_, err = db.Exec(`CREATE TABLE accounts (
		id                  INTEGER PRIMARY KEY AUTOINCREMENT,
		email               TEXT NOT NULL UNIQUE,
		password_hash       TEXT NOT NULL DEFAULT '',
		verified            INTEGER NOT NULL DEFAULT 0,
		community_id        TEXT UNIQUE,
		community_username  TEXT,
		billing_customer_id TEXT UNIQUE,
		created_at          INTEGER NOT NULL,
		updated_at          INTEGER NOT NULL
	);
	INSERT INTO accounts (email, created_at, updated_at) VALUES ('old@example.com', 1, 1);`)
	if err != nil {
		t.Fatalf("seed old schema: %v", err)
	}
	_ = db.Close()

	reg, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })

	old, err := reg.GetAccountByEmail(context.Background(), "old@example.com")
	if err != nil || old == nil || old.ActivationToken != nil {
		t.Fatalf("existing account = %+v, %v", old, err)
	}
	a := &Account{Email: "new@example.com", ActivationToken: strPtr("tok-2")}
	if err := reg.CreateAccount(context.Background(), a); err != nil {
		t.Fatalf("CreateAccount after migration: %v", err)
	}
}

func TestSetBillingCustomerIDOnlyOnce(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	a := createAccount(t, reg, "b@example.com")

	set, err := reg.SetBillingCustomerID(ctx, a.ID, "cus_1")
	if err != nil || !set {
		t.Fatalf("first SetBillingCustomerID = %v, %v", set, err)
	}
	set, err = reg.SetBillingCustomerID(ctx, a.ID, "cus_2")
	if err != nil || set {
		t.Fatalf("second SetBillingCustomerID = %v, %v; want false, nil", set, err)
	}

	got, _ := reg.GetAccount(ctx, a.ID)
	if got.BillingCustomerID == nil || *got.BillingCustomerID != "cus_1" {
		t.Fatalf("expected cus_1 to be kept, got %v", got.BillingCustomerID)
	}
}

func TestLinkCommunityAccountUniqueness(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	a := createAccount(t, reg, "a@example.com")
	b := createAccount(t, reg, "b@example.com")

	if err := reg.LinkCommunityAccount(ctx, a.ID, "u1", "trader#0001"); err != nil {
		t.Fatalf("LinkCommunityAccount: %v", err)
	}
	if err := reg.LinkCommunityAccount(ctx, b.ID, "u1", "other"); !errors.Is(err, internalerrors.ErrConflict) {
		t.Fatalf("expected conflict linking u1 twice, got %v", err)
	}

	owner, err := reg.GetAccountByCommunityID(ctx, "u1")
	if err != nil || owner == nil || owner.ID != a.ID {
		t.Fatalf("GetAccountByCommunityID = %+v, %v", owner, err)
	}

	// Re-linking the same id to the same account only refreshes the name.
	if err := reg.LinkCommunityAccount(ctx, a.ID, "u1", "trader"); err != nil {
		t.Fatalf("relink: %v", err)
	}
	got, _ := reg.GetAccount(ctx, a.ID)
	if !got.HasCommunity() || *got.CommunityUsername != "trader" {
		t.Fatalf("unexpected link state: %+v", got)
	}

	if err := reg.UnlinkCommunityAccount(ctx, a.ID); err != nil {
		t.Fatalf("UnlinkCommunityAccount: %v", err)
	}
	got, _ = reg.GetAccount(ctx, a.ID)
	if got.HasCommunity() || got.CommunityUsername != nil {
		t.Fatalf("expected cleared link, got %+v", got)
	}

	// u1 is free again.
	if err := reg.LinkCommunityAccount(ctx, b.ID, "u1", "other"); err != nil {
		t.Fatalf("link after unlink: %v", err)
	}
}

func TestInsertSubscriptionDedupOnSession(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	a := createAccount(t, reg, "s@example.com")
	next := time.Unix(1_800_000_000, 0).UTC()

	sub := &Subscription{
		AccountID:             a.ID,
		Status:                SubscriptionActive,
		BillingCustomerID:     "cus_1",
		BillingSubscriptionID: "sub_1",
		NextPaymentAt:         &next,
		CheckoutSessionID:     strPtr("cs_1"),
	}
	created, err := reg.InsertSubscription(ctx, sub)
	if err != nil || !created {
		t.Fatalf("InsertSubscription = %v, %v", created, err)
	}

	dup := &Subscription{AccountID: a.ID, Status: SubscriptionActive, BillingSubscriptionID: "sub_2", CheckoutSessionID: strPtr("cs_1")}
	created, err = reg.InsertSubscription(ctx, dup)
	if err != nil || created {
		t.Fatalf("duplicate InsertSubscription = %v, %v; want false, nil", created, err)
	}

	got, err := reg.GetSubscriptionBySessionID(ctx, "cs_1")
	if err != nil || got == nil {
		t.Fatalf("GetSubscriptionBySessionID: %+v, %v", got, err)
	}
	if got.BillingSubscriptionID != "sub_1" || !got.NextPaymentAt.Equal(next) {
		t.Fatalf("unexpected row: %+v", got)
	}

	subs, err := reg.ListSubscriptions(ctx, a.ID)
	if err != nil || len(subs) != 1 {
		t.Fatalf("expected one row, got %d (%v)", len(subs), err)
	}
}

func TestTransitionSubscriptionCompareAndSet(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	a := createAccount(t, reg, "t@example.com")
	next := time.Unix(1_800_000_000, 0).UTC()
	sub := &Subscription{AccountID: a.ID, Status: SubscriptionActive, BillingSubscriptionID: "sub_1", NextPaymentAt: &next}
	if _, err := reg.InsertSubscription(ctx, sub); err != nil {
		t.Fatalf("InsertSubscription: %v", err)
	}

	ok, err := reg.TransitionSubscription(ctx, sub.ID, SubscriptionPastDue, SubscriptionActive, nil)
	if err != nil || ok {
		t.Fatalf("stale transition = %v, %v; want false, nil", ok, err)
	}

	ok, err = reg.TransitionSubscription(ctx, sub.ID, SubscriptionActive, SubscriptionPastDue, nil)
	if err != nil || !ok {
		t.Fatalf("transition = %v, %v", ok, err)
	}
	got, _ := reg.GetSubscription(ctx, sub.ID)
	if got.Status != SubscriptionPastDue || !got.NextPaymentAt.Equal(next) {
		t.Fatalf("nil next must keep the timestamp: %+v", got)
	}

	later := next.Add(30 * 24 * time.Hour)
	if ok, _ := reg.TransitionSubscription(ctx, sub.ID, SubscriptionPastDue, SubscriptionActive, &later); !ok {
		t.Fatal("expected recovery transition to apply")
	}
	got, _ = reg.GetActiveSubscription(ctx, a.ID)
	if got == nil || !got.NextPaymentAt.Equal(later) {
		t.Fatalf("expected active row with refreshed timestamp, got %+v", got)
	}
}

func TestTransitionSubscriptionNeverMovesNextPaymentBack(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	a := createAccount(t, reg, "late@example.com")
	renewed := time.Unix(1_805_000_000, 0).UTC()
	sub := &Subscription{AccountID: a.ID, Status: SubscriptionActive, BillingSubscriptionID: "sub_1", NextPaymentAt: &renewed}
	if _, err := reg.InsertSubscription(ctx, sub); err != nil {
		t.Fatalf("InsertSubscription: %v", err)
	}

	earlier := renewed.Add(-30 * 24 * time.Hour)
	if ok, err := reg.TransitionSubscription(ctx, sub.ID, SubscriptionActive, SubscriptionActive, &earlier); err != nil || !ok {
		t.Fatalf("transition = %v, %v", ok, err)
	}
	got, _ := reg.GetSubscription(ctx, sub.ID)
	if !got.NextPaymentAt.Equal(renewed) {
		t.Fatalf("next payment moved back to %v, want %v", got.NextPaymentAt, renewed)
	}
}

func TestListActiveDueBeforeAndCounts(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	a := createAccount(t, reg, "c@example.com")
	now := time.Unix(1_800_000_000, 0).UTC()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	rows := []*Subscription{
		{AccountID: a.ID, Status: SubscriptionActive, BillingSubscriptionID: "sub_due", NextPaymentAt: &past},
		{AccountID: a.ID, Status: SubscriptionActive, BillingSubscriptionID: "sub_ok", NextPaymentAt: &future},
		{AccountID: a.ID, Status: SubscriptionCancelled, BillingSubscriptionID: "sub_old", NextPaymentAt: &past},
	}
	for _, s := range rows {
		if _, err := reg.InsertSubscription(ctx, s); err != nil {
			t.Fatalf("InsertSubscription: %v", err)
		}
	}

	due, err := reg.ListActiveDueBefore(ctx, now)
	if err != nil {
		t.Fatalf("ListActiveDueBefore: %v", err)
	}
	if len(due) != 1 || due[0].BillingSubscriptionID != "sub_due" {
		t.Fatalf("expected only sub_due, got %+v", due)
	}
	if !due[0].IsLapsed(now) {
		t.Fatal("expected IsLapsed for sub_due")
	}

	counts, err := reg.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if counts[SubscriptionActive] != 2 || counts[SubscriptionCancelled] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}

func TestPing(t *testing.T) {
	reg := newTestRegistry(t)
	if err := reg.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
