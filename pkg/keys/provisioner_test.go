package keys

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"wirtbot/pkg/model"
)

func countingGenerator(calls *int32, delay time.Duration) Generator {
	return GeneratorFunc(func(ctx context.Context) (model.KeyPair, error) {
		n := atomic.AddInt32(calls, 1)
		time.Sleep(delay)
		return model.KeyPair{Public: fmt.Sprintf("pub-%d", n), Private: fmt.Sprintf("priv-%d", n)}, nil
	})
}

func TestEnsureConcurrentCallersShareOnePair(t *testing.T) {
	var calls int32
	p := NewProvisioner(countingGenerator(&calls, 20*time.Millisecond))

	const callers = 16
	results := make([]model.KeyPair, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			kp, err := p.Ensure(context.Background(), "device-a", nil)
			if err != nil {
				t.Errorf("ensure: %v", err)
				return
			}
			results[i] = kp
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("generator called %d times, want 1", got)
	}
	for i, kp := range results {
		if kp != results[0] {
			t.Fatalf("caller %d got %+v, want %+v", i, kp, results[0])
		}
	}
}

func TestEnsureSequentialCallsReuseIssuedPair(t *testing.T) {
	var calls int32
	p := NewProvisioner(countingGenerator(&calls, 0))
	first, err := p.Ensure(context.Background(), "server", nil)
	if err != nil {
		t.Fatal(err)
	}
	second, err := p.Ensure(context.Background(), "server", nil)
	if err != nil {
		t.Fatal(err)
	}
	if first != second || calls != 1 {
		t.Fatalf("want one pair reused, got %+v and %+v after %d calls", first, second, calls)
	}
	other, _ := p.Ensure(context.Background(), "device-b", nil)
	if other == first {
		t.Fatalf("distinct owners shared a pair")
	}
}

func TestEnsureKeepsExistingKeys(t *testing.T) {
	var calls int32
	p := NewProvisioner(countingGenerator(&calls, 0))
	existing := &model.KeyPair{Public: "p", Private: "s"}
	kp, err := p.Ensure(context.Background(), "d", existing)
	if err != nil || kp != *existing || calls != 0 {
		t.Fatalf("got %+v err=%v calls=%d", kp, err, calls)
	}
}

func TestEnsureFailureIssuesNothing(t *testing.T) {
	fail := true
	p := NewProvisioner(GeneratorFunc(func(context.Context) (model.KeyPair, error) {
		if fail {
			return model.KeyPair{}, errors.New("entropy exhausted")
		}
		return model.KeyPair{Public: "p", Private: "s"}, nil
	}))
	if _, err := p.Ensure(context.Background(), "d", nil); !errors.Is(err, model.ErrKeyProvisioningFailed) {
		t.Fatalf("want ErrKeyProvisioningFailed, got %v", err)
	}
	fail = false
	kp, err := p.Ensure(context.Background(), "d", nil)
	if err != nil || kp.Public != "p" {
		t.Fatalf("retry: %+v %v", kp, err)
	}
}

func TestForgetAllowsNewPair(t *testing.T) {
	var calls int32
	p := NewProvisioner(countingGenerator(&calls, 0))
	a, _ := p.Ensure(context.Background(), "server", nil)
	p.Forget("server")
	b, _ := p.Ensure(context.Background(), "server", nil)
	if a == b {
		t.Fatalf("forget did not rotate the pair")
	}
}

func TestWireGuardGenerator(t *testing.T) {
	kp, err := WireGuard{}.Generate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(kp.Public) != 44 || len(kp.Private) != 44 || kp.Public == kp.Private {
		t.Fatalf("unexpected key pair %+v", kp)
	}
}

func TestSigningKeysRoundTrip(t *testing.T) {
	kp, err := Signing{}.Generate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	priv, err := SigningKey(kp)
	if err != nil {
		t.Fatal(err)
	}
	pub, err := VerifyingKey(kp.Public)
	if err != nil {
		t.Fatal(err)
	}
	sig := ed25519.Sign(priv, []byte("config"))
	if !ed25519.Verify(pub, []byte("config"), sig) {
		t.Fatalf("signature did not verify")
	}
	if _, err := VerifyingKey("bm90IGEga2V5"); err == nil {
		t.Fatalf("short key accepted")
	}
}
