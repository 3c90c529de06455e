package transfer

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"custodyflow/keyring"
)

type harness struct {
	svc   *Service
	repo  *fakeRepo
	pool  *fakePool
	clock *fakeClock
}

func newHarness() *harness {
	repo := newFakeRepo()
	pool := &fakePool{}
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	svc := NewService(pool, repo, newFakeNonces(), keyring.DefaultDomain, nil, nil).
		WithClock(clock.Now)
	return &harness{svc: svc, repo: repo, pool: pool, clock: clock}
}

func TestInitiate_StoresPending(t *testing.T) {
	h := newHarness()
	h.repo.products["p1"] = "0xowner"

	if err := h.svc.Initiate(context.Background(), "0xowner", "p1", "0xrecv", "loc"); err != nil {
		t.Fatalf("initiate: %v", err)
	}

	p, ok := h.repo.pending["p1"]
	if !ok {
		t.Fatal("expected pending transfer stored")
	}
	if p.To != "0xrecv" {
		t.Errorf("expected receiver 0xrecv got %s", p.To)
	}
	// Initiation alone must never move custody.
	if h.repo.products["p1"] != "0xowner" {
		t.Errorf("expected owner unchanged, got %s", h.repo.products["p1"])
	}
}

func TestInitiate_Failures(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown product", func(t *testing.T) {
		h := newHarness()
		if err := h.svc.Initiate(ctx, "0xowner", "nope", "0xrecv", ""); !errors.Is(err, ErrProductNotFound) {
			t.Fatalf("expected ErrProductNotFound got %v", err)
		}
	})

	t.Run("not the owner", func(t *testing.T) {
		h := newHarness()
		h.repo.products["p1"] = "0xowner"
		if err := h.svc.Initiate(ctx, "0ximpostor", "p1", "0xrecv", ""); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("expected ErrUnauthorized got %v", err)
		}
	})

	t.Run("self receiver", func(t *testing.T) {
		h := newHarness()
		h.repo.products["p1"] = "0xowner"
		if err := h.svc.Initiate(ctx, "0xowner", "p1", "0xowner", ""); !errors.Is(err, ErrInvalidReceiver) {
			t.Fatalf("expected ErrInvalidReceiver got %v", err)
		}
	})

	t.Run("zero receiver", func(t *testing.T) {
		h := newHarness()
		h.repo.products["p1"] = "0xowner"
		if err := h.svc.Initiate(ctx, "0xowner", "p1", "", ""); !errors.Is(err, ErrInvalidReceiver) {
			t.Fatalf("expected ErrInvalidReceiver got %v", err)
		}
	})

	t.Run("unexpired pending blocks", func(t *testing.T) {
		h := newHarness()
		h.repo.products["p1"] = "0xowner"
		if err := h.svc.Initiate(ctx, "0xowner", "p1", "0xrecv", ""); err != nil {
			t.Fatalf("first initiate: %v", err)
		}
		if err := h.svc.Initiate(ctx, "0xowner", "p1", "0xother", ""); !errors.Is(err, ErrAlreadyPending) {
			t.Fatalf("expected ErrAlreadyPending got %v", err)
		}
	})

	t.Run("active dispute blocks", func(t *testing.T) {
		h := newHarness()
		h.repo.products["p1"] = "0xowner"
		h.repo.disputed["p1"] = true
		if err := h.svc.Initiate(ctx, "0xowner", "p1", "0xrecv", ""); !errors.Is(err, ErrDisputeActive) {
			t.Fatalf("expected ErrDisputeActive got %v", err)
		}
	})
}

func TestInitiate_LazilyClearsExpiredPending(t *testing.T) {
	h := newHarness()
	h.repo.products["p1"] = "0xowner"
	ctx := context.Background()

	if err := h.svc.Initiate(ctx, "0xowner", "p1", "0xrecv", ""); err != nil {
		t.Fatalf("first initiate: %v", err)
	}

	h.clock.Advance(Timeout + time.Second)

	if err := h.svc.Initiate(ctx, "0xowner", "p1", "0xother", ""); err != nil {
		t.Fatalf("expected expired pending to be superseded, got %v", err)
	}
	if got := h.repo.pending["p1"].To; got != "0xother" {
		t.Errorf("expected fresh pending to 0xother got %s", got)
	}
}

func TestAccept_MovesOwnershipOnce(t *testing.T) {
	h := newHarness()
	h.repo.products["p1"] = "0xowner"
	ctx := context.Background()

	if err := h.svc.Initiate(ctx, "0xowner", "p1", "0xrecv", "loc"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := h.svc.Accept(ctx, "0xrecv", "p1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if h.repo.products["p1"] != "0xrecv" {
		t.Fatalf("expected owner 0xrecv got %s", h.repo.products["p1"])
	}
	if _, ok := h.repo.pending["p1"]; ok {
		t.Fatal("expected pending cleared after accept")
	}

	// The accepted transfer instance is gone; a second accept finds nothing.
	if err := h.svc.Accept(ctx, "0xrecv", "p1"); !errors.Is(err, ErrNoPending) {
		t.Fatalf("expected ErrNoPending got %v", err)
	}

	// The new owner can open a fresh transfer instance.
	if err := h.svc.Initiate(ctx, "0xrecv", "p1", "0xthird", ""); err != nil {
		t.Fatalf("re-initiate by new owner: %v", err)
	}
}

func TestAccept_Failures(t *testing.T) {
	ctx := context.Background()

	t.Run("after timeout", func(t *testing.T) {
		h := newHarness()
		h.repo.products["p1"] = "0xowner"
		if err := h.svc.Initiate(ctx, "0xowner", "p1", "0xrecv", ""); err != nil {
			t.Fatalf("initiate: %v", err)
		}
		h.clock.Advance(Timeout + time.Second)
		if err := h.svc.Accept(ctx, "0xrecv", "p1"); !errors.Is(err, ErrDeadlineExpired) {
			t.Fatalf("expected ErrDeadlineExpired got %v", err)
		}
	})

	t.Run("wrong receiver", func(t *testing.T) {
		h := newHarness()
		h.repo.products["p1"] = "0xowner"
		if err := h.svc.Initiate(ctx, "0xowner", "p1", "0xrecv", ""); err != nil {
			t.Fatalf("initiate: %v", err)
		}
		if err := h.svc.Accept(ctx, "0ximpostor", "p1"); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("expected ErrUnauthorized got %v", err)
		}
	})

	t.Run("dispute raised mid-flight", func(t *testing.T) {
		h := newHarness()
		h.repo.products["p1"] = "0xowner"
		if err := h.svc.Initiate(ctx, "0xowner", "p1", "0xrecv", ""); err != nil {
			t.Fatalf("initiate: %v", err)
		}
		h.repo.disputed["p1"] = true
		if err := h.svc.Accept(ctx, "0xrecv", "p1"); !errors.Is(err, ErrDisputeActive) {
			t.Fatalf("expected ErrDisputeActive got %v", err)
		}
	})
}

func TestInitiateWithSig_NonceLifecycle(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	owner := keyring.AddressOf(priv.Public().(ed25519.PublicKey))
	h.repo.products["p1"] = owner

	msg := keyring.InitiateTransfer{
		ProductID:    "p1",
		To:           "0xrecv",
		LocationHash: "loc",
		Nonce:        0,
		Deadline:     h.clock.Now().Add(time.Hour),
	}
	env := keyring.Sign(priv, msg.Digest(keyring.DefaultDomain))

	signer, err := h.svc.InitiateWithSig(ctx, msg, env)
	if err != nil {
		t.Fatalf("signed initiate: %v", err)
	}
	if signer != owner {
		t.Fatalf("expected signer %s got %s", owner, signer)
	}

	// Replaying the identical signature must fail on the consumed nonce.
	if _, err := h.svc.InitiateWithSig(ctx, msg, env); !errors.Is(err, keyring.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature on replay got %v", err)
	}
}

func TestInitiateWithSig_WrongNonce(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	owner := keyring.AddressOf(priv.Public().(ed25519.PublicKey))
	h.repo.products["p1"] = owner

	msg := keyring.InitiateTransfer{ProductID: "p1", To: "0xrecv", Nonce: 5, Deadline: h.clock.Now().Add(time.Hour)}
	env := keyring.Sign(priv, msg.Digest(keyring.DefaultDomain))

	if _, err := h.svc.InitiateWithSig(ctx, msg, env); !errors.Is(err, keyring.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for out-of-order nonce got %v", err)
	}
}

func TestInitiateWithSig_ExpiredDeadline(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	owner := keyring.AddressOf(priv.Public().(ed25519.PublicKey))
	h.repo.products["p1"] = owner

	msg := keyring.InitiateTransfer{ProductID: "p1", To: "0xrecv", Nonce: 0, Deadline: h.clock.Now().Add(-time.Second)}
	env := keyring.Sign(priv, msg.Digest(keyring.DefaultDomain))

	if _, err := h.svc.InitiateWithSig(ctx, msg, env); !errors.Is(err, keyring.ErrDeadlineExpired) {
		t.Fatalf("expected keyring.ErrDeadlineExpired got %v", err)
	}
}

func TestAcceptWithSig_CompletesHandoff(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	receiver := keyring.AddressOf(priv.Public().(ed25519.PublicKey))
	h.repo.products["p1"] = "0xowner"

	if err := h.svc.Initiate(ctx, "0xowner", "p1", receiver, ""); err != nil {
		t.Fatalf("initiate: %v", err)
	}

	msg := keyring.AcceptTransfer{ProductID: "p1", Nonce: 0, Deadline: h.clock.Now().Add(time.Hour)}
	env := keyring.Sign(priv, msg.Digest(keyring.DefaultDomain))

	if _, err := h.svc.AcceptWithSig(ctx, msg, env); err != nil {
		t.Fatalf("signed accept: %v", err)
	}
	if h.repo.products["p1"] != receiver {
		t.Fatalf("expected owner %s got %s", receiver, h.repo.products["p1"])
	}
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type fakeNonces struct {
	counters map[string]uint64
}

func newFakeNonces() *fakeNonces { return &fakeNonces{counters: make(map[string]uint64)} }

func (f *fakeNonces) Use(_ context.Context, _ pgx.Tx, address string, nonce uint64) error {
	if nonce != f.counters[address] {
		return keyring.ErrInvalidSignature
	}
	f.counters[address]++
	return nil
}

type fakeRepo struct {
	products map[string]string // product id -> owner
	pending  map[string]Pending
	disputed map[string]bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		products: make(map[string]string),
		pending:  make(map[string]Pending),
		disputed: make(map[string]bool),
	}
}

func (f *fakeRepo) ProductForUpdate(_ context.Context, _ pgx.Tx, productID string) (ProductRow, error) {
	owner, ok := f.products[productID]
	if !ok {
		return ProductRow{}, ErrProductNotFound
	}
	return ProductRow{ID: productID, Owner: owner}, nil
}

func (f *fakeRepo) PendingForUpdate(_ context.Context, _ pgx.Tx, productID string) (Pending, bool, error) {
	p, ok := f.pending[productID]
	return p, ok, nil
}

func (f *fakeRepo) InsertPending(_ context.Context, _ pgx.Tx, p Pending) error {
	f.pending[p.ProductID] = p
	return nil
}

func (f *fakeRepo) DeletePending(_ context.Context, _ pgx.Tx, productID string) error {
	delete(f.pending, productID)
	return nil
}

func (f *fakeRepo) SetOwner(_ context.Context, _ pgx.Tx, productID, owner string) error {
	f.products[productID] = owner
	return nil
}

func (f *fakeRepo) HasActiveDispute(_ context.Context, _ pgx.Tx, productID string) (bool, error) {
	return f.disputed[productID], nil
}

func (f *fakeRepo) PendingAt(_ context.Context, productID string) (Pending, bool, error) {
	p, ok := f.pending[productID]
	return p, ok, nil
}

type fakePool struct {
	tx fakeTx
}

func (f *fakePool) Begin(context.Context) (pgx.Tx, error) {
	f.tx = fakeTx{}
	return &f.tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
