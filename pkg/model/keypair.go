package model

// KeyPair is an opaque public/private key pair. It is generated once per owner.
type KeyPair struct {
	Public  string `json:"public"`
	Private string `json:"private,omitempty"`
}

// Complete reports whether both halves are present.
func (k *KeyPair) Complete() bool {
	return k != nil && k.Public != "" && k.Private != ""
}

func cloneKeys(k *KeyPair) *KeyPair {
	if k == nil {
		return nil
	}
	c := *k
	return &c
}
