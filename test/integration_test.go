package test

import (
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"objrpc/balance"
	"objrpc/proxy"
	"objrpc/registry"
	"objrpc/session"
)

// ---- exported types under test ----

type acct struct {
	mu      sync.Mutex
	balance int64
}

func newAcct(balance int64) *acct {
	return &acct{balance: balance}
}

func (a *acct) Deposit(n int64) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.balance += n
	return a.balance
}

func (a *acct) Balance() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balance
}

type teller struct{}

func newTeller() *teller { return &teller{} }

// Move takes two live remote objects as arguments.
func (t *teller) Move(from, to *acct, n int64) error {
	from.mu.Lock()
	defer from.mu.Unlock()
	if from.balance < n {
		return errors.Errorf("insufficient funds: have %d, want %d", from.balance, n)
	}
	from.balance -= n
	to.Deposit(n)
	return nil
}

// Jackpot returns a fresh remote object as the result.
func (t *teller) Jackpot() *acct {
	return newAcct(1000)
}

// relay makes a nested remote call from inside a server method, through a
// client session of its own.
type relay struct {
	cli *session.Client
}

func (r *relay) Bump(n int64) (int64, error) {
	id, err := r.cli.Construct("acct", int64(0))
	if err != nil {
		return 0, err
	}
	var after int64
	if err := r.cli.Call(id, "acct::Deposit", []any{n}, &after); err != nil {
		return 0, err
	}
	return after, r.cli.Release(id)
}

func buildRegistry(t testing.TB) *registry.Registry {
	t.Helper()
	reg := registry.New()
	if err := reg.RegisterType("acct", (*acct)(nil), newAcct); err != nil {
		t.Fatal(err)
	}
	if err := reg.RegisterType("teller", (*teller)(nil), newTeller); err != nil {
		t.Fatal(err)
	}
	return reg
}

func startPair(t testing.TB) (*session.Server, *session.Client) {
	t.Helper()
	reg := buildRegistry(t)

	srv := session.NewServer(reg, nil)
	if err := srv.Listen("tcp://127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	go srv.Serve("", nil)

	cli, err := session.Open("tcp://"+srv.Addr(), reg, nil)
	if err != nil {
		srv.Shutdown(time.Second)
		t.Fatal(err)
	}
	t.Cleanup(func() {
		cli.Close()
		srv.Shutdown(2 * time.Second)
	})
	return srv, cli
}

func TestProxyLifecycle(t *testing.T) {
	_, cli := startPair(t)

	h, err := proxy.New(cli, "acct", int64(100))
	if err != nil {
		t.Fatal(err)
	}

	var after int64
	if err := h.Call("acct::Deposit", &after, int64(5)); err != nil {
		t.Fatal(err)
	}
	if err := h.Call("acct::Deposit", &after, int64(3)); err != nil {
		t.Fatal(err)
	}
	if after != 108 {
		t.Fatalf("expect 108, got %d", after)
	}

	// A second proxy is a distinct remote object with its own state.
	h2, err := proxy.New(cli, "acct", int64(0))
	if err != nil {
		t.Fatal(err)
	}
	var other int64
	if err := h2.Call("acct::Balance", &other); err != nil {
		t.Fatal(err)
	}
	if other != 0 {
		t.Fatalf("proxies must be isolated, got %d", other)
	}

	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	if err := h.Call("acct::Balance", &after); !errors.Is(err, proxy.ErrClosedHandle) {
		t.Fatalf("expect ErrClosedHandle, got %v", err)
	}
	if err := h2.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestDestroyedObjectIsGone(t *testing.T) {
	_, cli := startPair(t)

	h, err := proxy.New(cli, "acct", int64(1))
	if err != nil {
		t.Fatal(err)
	}
	id := h.RemoteID()
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}

	// Bypass the invalidated handle: the raw call must fail remotely.
	err = cli.Call(id, "acct::Balance", nil, nil)
	var re *session.RemoteError
	if !errors.As(err, &re) || !re.IsDispatchError() {
		t.Fatalf("expect remote dispatch error, got %v", err)
	}
}

func TestHandleAsArgument(t *testing.T) {
	_, cli := startPair(t)

	from, err := proxy.New(cli, "acct", int64(50))
	if err != nil {
		t.Fatal(err)
	}
	to, err := proxy.New(cli, "acct", int64(0))
	if err != nil {
		t.Fatal(err)
	}
	bank, err := proxy.New(cli, "teller")
	if err != nil {
		t.Fatal(err)
	}

	if err := bank.Call("teller::Move", nil, from, to, int64(30)); err != nil {
		t.Fatal(err)
	}

	var a, b int64
	if err := from.Call("acct::Balance", &a); err != nil {
		t.Fatal(err)
	}
	if err := to.Call("acct::Balance", &b); err != nil {
		t.Fatal(err)
	}
	if a != 20 || b != 30 {
		t.Fatalf("expect 20/30 after transfer, got %d/%d", a, b)
	}

	// The application error travels back as-is.
	err = bank.Call("teller::Move", nil, from, to, int64(9999))
	var re *session.RemoteError
	if !errors.As(err, &re) || re.IsDispatchError() {
		t.Fatalf("expect remote application error, got %v", err)
	}
}

func TestReturnedReference(t *testing.T) {
	_, cli := startPair(t)

	bank, err := proxy.New(cli, "teller")
	if err != nil {
		t.Fatal(err)
	}

	var prize *proxy.Handle
	if err := bank.Call("teller::Jackpot", &prize); err != nil {
		t.Fatal(err)
	}
	if prize == nil {
		t.Fatal("expect a bound handle")
	}

	var balance int64
	if err := prize.Call("acct::Balance", &balance); err != nil {
		t.Fatal(err)
	}
	if balance != 1000 {
		t.Fatalf("expect 1000, got %d", balance)
	}

	if err := prize.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestDisconnectReclaimsObjects(t *testing.T) {
	srv, _ := startPair(t)

	reg := buildRegistry(t)
	cli, err := session.Open("tcp://"+srv.Addr(), reg, nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := cli.Construct("acct", int64(1)); err != nil {
		t.Fatal(err)
	}
	if _, err := cli.Construct("acct", int64(2)); err != nil {
		t.Fatal(err)
	}

	cli.Close()
	// The server reaps this peer's objects once the disconnect lands; give
	// the notification a moment.
	time.Sleep(200 * time.Millisecond)
}

func TestNestedCallFromHandler(t *testing.T) {
	reg := registry.New()
	if err := reg.RegisterType("acct", (*acct)(nil), newAcct); err != nil {
		t.Fatal(err)
	}

	srv := session.NewServer(reg, &session.ServerOptions{Workers: 4})
	if err := srv.Listen("tcp://127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	go srv.Serve("", nil)

	// The relay's own session loops back into the same server, so its
	// nested calls are driven by socket goroutines of their own.
	loop, err := session.Open("tcp://"+srv.Addr(), reg, nil)
	if err != nil {
		srv.Shutdown(time.Second)
		t.Fatal(err)
	}
	if err := reg.RegisterType("relay", (*relay)(nil), func() *relay { return &relay{cli: loop} }); err != nil {
		t.Fatal(err)
	}

	cli, err := session.Open("tcp://"+srv.Addr(), reg, nil)
	if err != nil {
		srv.Shutdown(time.Second)
		t.Fatal(err)
	}
	t.Cleanup(func() {
		cli.Close()
		loop.Close()
		srv.Shutdown(2 * time.Second)
	})

	h, err := proxy.New(cli, "relay")
	if err != nil {
		t.Fatal(err)
	}

	// The outer call holds a worker while its nested construct, deposit,
	// and destroy all round-trip; the deadline catches any deadlock.
	var got int64
	if err := cli.CallWithTimeout(h.RemoteID(), "relay::Bump", []any{int64(9)}, &got, 3*time.Second); err != nil {
		t.Fatal(err)
	}
	if got != 9 {
		t.Fatalf("expect 9, got %d", got)
	}
	h.Close()
}

func TestDialThroughDiscovery(t *testing.T) {
	reg := buildRegistry(t)

	srv := session.NewServer(reg, nil)
	if err := srv.Listen("tcp://127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	disc := NewMockRegistry()
	go srv.Serve("", disc)
	time.Sleep(50 * time.Millisecond)

	cli, err := session.Dial(disc, &balance.RoundRobin{}, "objrpc", reg, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		cli.Close()
		srv.Shutdown(2 * time.Second)
	})

	h, err := proxy.New(cli, "acct", int64(7))
	if err != nil {
		t.Fatal(err)
	}
	var got int64
	if err := h.Call("acct::Balance", &got); err != nil {
		t.Fatal(err)
	}
	if got != 7 {
		t.Fatalf("expect 7, got %d", got)
	}
	h.Close()
}

func TestConcurrentProxies(t *testing.T) {
	_, cli := startPair(t)

	h, err := proxy.New(cli, "acct", int64(0))
	if err != nil {
		t.Fatal(err)
	}

	const goroutines = 8
	const deposits = 20

	var wg sync.WaitGroup
	errs := make(chan error, goroutines)
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < deposits; j++ {
				if err := h.Call("acct::Deposit", nil, int64(1)); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	var got int64
	if err := h.Call("acct::Balance", &got); err != nil {
		t.Fatal(err)
	}
	if got != goroutines*deposits {
		t.Fatalf("expect %d, got %d", goroutines*deposits, got)
	}
}
