package keys

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"wirtbot/pkg/model"
)

// Provisioner hands out at most one key pair per owner. Concurrent and repeated
// calls for the same owner observe the pair produced by the first successful call.
type Provisioner struct {
	gen   Generator
	group singleflight.Group

	mu     sync.Mutex
	issued map[string]model.KeyPair
}

func NewProvisioner(gen Generator) *Provisioner {
	return &Provisioner{gen: gen, issued: make(map[string]model.KeyPair)}
}

// Ensure returns current when it is complete. Otherwise it returns the pair already
// issued to owner, generating one if none exists. Failures wrap ErrKeyProvisioningFailed
// and issue nothing.
func (p *Provisioner) Ensure(ctx context.Context, owner string, current *model.KeyPair) (model.KeyPair, error) {
	if current.Complete() {
		return *current, nil
	}
	if kp, ok := p.lookup(owner); ok {
		return kp, nil
	}
	v, err, _ := p.group.Do(owner, func() (interface{}, error) {
		if kp, ok := p.lookup(owner); ok {
			return kp, nil
		}
		kp, err := p.gen.Generate(ctx)
		if err != nil {
			return nil, err
		}
		if !kp.Complete() {
			return nil, fmt.Errorf("generator returned an incomplete pair")
		}
		p.mu.Lock()
		p.issued[owner] = kp
		p.mu.Unlock()
		return kp, nil
	})
	if err != nil {
		return model.KeyPair{}, fmt.Errorf("%w: %s: %w", model.ErrKeyProvisioningFailed, owner, err)
	}
	return v.(model.KeyPair), nil
}

// Forget drops the pair issued to owner so a later Ensure generates a new one.
// Used when the owner is removed or its keys are deliberately rotated.
func (p *Provisioner) Forget(owner string) {
	p.mu.Lock()
	delete(p.issued, owner)
	p.mu.Unlock()
	p.group.Forget(owner)
}

// Reset forgets every issued pair.
func (p *Provisioner) Reset() {
	p.mu.Lock()
	p.issued = make(map[string]model.KeyPair)
	p.mu.Unlock()
}

func (p *Provisioner) lookup(owner string) (model.KeyPair, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	kp, ok := p.issued[owner]
	return kp, ok
}
