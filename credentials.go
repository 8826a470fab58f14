package quill

import (
	"strings"
	"sync"
)

// Credential is an opaque API authorization token.
// Only its last few characters are ever logged.
type Credential string

// Suffix returns the last four characters, for logs.
func (c Credential) Suffix() string {
	if len(c) <= 4 {
		return string(c)
	}
	return string(c[len(c)-4:])
}

// String redacts everything but the suffix so credentials never leak through %v.
func (c Credential) String() string {
	return "..." + c.Suffix()
}

// Pool holds an ordered set of credentials and a rotation cursor.
// Credentials are loaded once and are immutable afterwards.
//
// Pools are safe for concurrent use; cursor advance is serialized.
type Pool struct {
	creds  []Credential
	cursor int
	mu     sync.Mutex
}

// NewPool creates a pool from the given credentials, dropping blank entries.
func NewPool(creds ...Credential) *Pool {
	kept := make([]Credential, 0, len(creds))
	for _, c := range creds {
		c = Credential(strings.TrimSpace(string(c)))
		if c != "" {
			kept = append(kept, c)
		}
	}
	return &Pool{creds: kept}
}

// Next returns the credential at the cursor and advances it round-robin.
// Returns ErrNoCredentials when the pool is empty.
func (p *Pool) Next() (Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.creds) == 0 {
		return "", ErrNoCredentials
	}
	c := p.creds[p.cursor]
	p.cursor = (p.cursor + 1) % len(p.creds)
	return c, nil
}

// Size returns the number of credentials in the pool.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.creds)
}
