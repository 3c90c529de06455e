package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"custodyflow/auth"
	"custodyflow/keyring"
)

type harness struct {
	svc       *Service
	repo      *fakeRepo
	pool      *fakePool
	transfers *fakeTransfers
	outbox    *fakeOutbox
}

func newHarness() *harness {
	repo := newFakeRepo()
	pool := &fakePool{}
	transfers := &fakeTransfers{}
	outbox := &fakeOutbox{}
	roles := fakeRoles{"0xadmin": auth.RoleAdmin}
	svc := NewService(pool, repo, roles, transfers, outbox).
		WithClock(func() time.Time { return time.Unix(1_700_000_000, 0) })
	return &harness{svc: svc, repo: repo, pool: pool, transfers: transfers, outbox: outbox}
}

func TestApproveAndRevoke(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	if err := h.svc.Approve(ctx, "0xadmin", "0xrelay"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if r := h.repo.relayers["0xrelay"]; !r.Active() {
		t.Fatalf("expected active approval, got %+v", r)
	}
	if len(h.outbox.topics) != 1 || h.outbox.topics[0] != "relayer.approved" {
		t.Errorf("expected relayer.approved message, got %v", h.outbox.topics)
	}

	if err := h.svc.Revoke(ctx, "0xadmin", "0xrelay"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if r := h.repo.relayers["0xrelay"]; r.Active() {
		t.Fatal("expected revoked approval")
	}

	// Re-approval clears the revocation.
	if err := h.svc.Approve(ctx, "0xadmin", "0xrelay"); err != nil {
		t.Fatalf("re-approve: %v", err)
	}
	if r := h.repo.relayers["0xrelay"]; !r.Active() {
		t.Fatal("expected re-approved relayer to be active")
	}
}

func TestApprove_NonAdmin(t *testing.T) {
	h := newHarness()
	if err := h.svc.Approve(context.Background(), "0xrando", "0xrelay"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized got %v", err)
	}
	if err := h.svc.Revoke(context.Background(), "0xrando", "0xrelay"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized got %v", err)
	}
}

func TestRevoke_NeverApproved(t *testing.T) {
	h := newHarness()
	if err := h.svc.Revoke(context.Background(), "0xadmin", "0xghost"); !errors.Is(err, ErrNoRelayerApproval) {
		t.Fatalf("expected ErrNoRelayerApproval got %v", err)
	}
}

func TestExecuteInitiate(t *testing.T) {
	ctx := context.Background()
	msg := keyring.InitiateTransfer{ProductID: "p1", To: "0xb", Nonce: 0, Deadline: time.Now().Add(time.Hour)}

	t.Run("unapproved relayer", func(t *testing.T) {
		h := newHarness()
		err := h.svc.ExecuteInitiate(ctx, "0xrelay", "0xa", msg, keyring.Envelope{})
		if !errors.Is(err, ErrNoRelayerApproval) {
			t.Fatalf("expected ErrNoRelayerApproval got %v", err)
		}
		if h.transfers.initiates != 0 {
			t.Error("transfer applied despite missing approval")
		}
	})

	t.Run("signer mismatch rolls back", func(t *testing.T) {
		h := newHarness()
		h.repo.approve("0xrelay")
		h.transfers.signer = "0xsomeoneelse"
		err := h.svc.ExecuteInitiate(ctx, "0xrelay", "0xa", msg, keyring.Envelope{})
		if !errors.Is(err, keyring.ErrInvalidSignature) {
			t.Fatalf("expected ErrInvalidSignature got %v", err)
		}
		if h.pool.tx.committed {
			t.Error("expected rollback on signer mismatch")
		}
	})

	t.Run("success", func(t *testing.T) {
		h := newHarness()
		h.repo.approve("0xrelay")
		h.transfers.signer = "0xa"
		if err := h.svc.ExecuteInitiate(ctx, "0xrelay", "0xa", msg, keyring.Envelope{}); err != nil {
			t.Fatalf("execute: %v", err)
		}
		if !h.pool.tx.committed {
			t.Error("expected commit")
		}
		if h.transfers.initiates != 1 {
			t.Errorf("expected one applied initiation, got %d", h.transfers.initiates)
		}
		last := h.outbox.payloads[len(h.outbox.payloads)-1]
		if last["operation"] != "transfer.initiate" || last["relayer"] != "0xrelay" {
			t.Errorf("unexpected meta-tx payload %v", last)
		}
	})

	t.Run("transfer failure surfaces", func(t *testing.T) {
		h := newHarness()
		h.repo.approve("0xrelay")
		h.transfers.err = errors.New("nonce rejected")
		err := h.svc.ExecuteInitiate(ctx, "0xrelay", "0xa", msg, keyring.Envelope{})
		if err == nil || h.pool.tx.committed {
			t.Fatalf("expected failure without commit, err=%v committed=%v", err, h.pool.tx.committed)
		}
	})
}

func TestExecuteAccept(t *testing.T) {
	h := newHarness()
	h.repo.approve("0xrelay")
	h.transfers.signer = "0xb"
	msg := keyring.AcceptTransfer{ProductID: "p1", Nonce: 3, Deadline: time.Now().Add(time.Hour)}

	if err := h.svc.ExecuteAccept(context.Background(), "0xrelay", "0xb", msg, keyring.Envelope{}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if h.transfers.accepts != 1 {
		t.Errorf("expected one applied acceptance, got %d", h.transfers.accepts)
	}
	last := h.outbox.payloads[len(h.outbox.payloads)-1]
	if last["operation"] != "transfer.accept" {
		t.Errorf("unexpected meta-tx payload %v", last)
	}
}

type fakeRoles map[string]auth.Role

func (f fakeRoles) HasRole(_ context.Context, address string, role auth.Role) (bool, error) {
	return f[address] == role, nil
}

type fakeRepo struct {
	relayers map[string]Relayer
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{relayers: make(map[string]Relayer)}
}

func (f *fakeRepo) approve(address string) {
	f.relayers[address] = Relayer{Address: address, ApprovedAt: time.Now()}
}

func (f *fakeRepo) Approve(_ context.Context, _ pgx.Tx, address string, approvedAt time.Time) error {
	f.relayers[address] = Relayer{Address: address, ApprovedAt: approvedAt}
	return nil
}

func (f *fakeRepo) Revoke(_ context.Context, _ pgx.Tx, address string, revokedAt time.Time) error {
	r, ok := f.relayers[address]
	if !ok || !r.Active() {
		return ErrNoRelayerApproval
	}
	r.RevokedAt = &revokedAt
	f.relayers[address] = r
	return nil
}

func (f *fakeRepo) IsApproved(_ context.Context, _ Querier, address string) (bool, error) {
	r, ok := f.relayers[address]
	return ok && r.Active(), nil
}

func (f *fakeRepo) Get(_ context.Context, address string) (Relayer, error) {
	r, ok := f.relayers[address]
	if !ok {
		return Relayer{}, ErrNoRelayerApproval
	}
	return r, nil
}

type fakeTransfers struct {
	signer    string
	err       error
	initiates int
	accepts   int
}

func (f *fakeTransfers) ApplySignedInitiate(_ context.Context, _ pgx.Tx, _ keyring.InitiateTransfer, _ keyring.Envelope) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.initiates++
	return f.signer, nil
}

func (f *fakeTransfers) ApplySignedAccept(_ context.Context, _ pgx.Tx, _ keyring.AcceptTransfer, _ keyring.Envelope) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.accepts++
	return f.signer, nil
}

type fakeOutbox struct {
	topics   []string
	payloads []map[string]any
}

func (f *fakeOutbox) Enqueue(_ context.Context, _ pgx.Tx, topic string, payload map[string]any) error {
	f.topics = append(f.topics, topic)
	f.payloads = append(f.payloads, payload)
	return nil
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
