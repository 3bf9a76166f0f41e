package auth

import (
	"fmt"
	"strings"
)

// Credential is one entry in the static API key registry.
type Credential struct {
	Subject string
	Role    Role
	// Hash is the Argon2id hash of the API key, as produced by HashAPIKey.
	Hash string
}

// Registry holds the configured credentials, keyed by subject.
// Kanri deliberately has no signup or key management surface: credentials
// are provisioned out of band and handed to the process at startup.
type Registry struct {
	bySubject map[string]Credential
}

// ParseCredentials parses a comma-separated list of
// subject:role:argon2hash entries, as carried in KANRI_CREDENTIALS.
// Argon2 hashes contain no commas or colons beyond the base64 alphabet's
// padding, so the simple split is unambiguous.
func ParseCredentials(s string) (*Registry, error) {
	reg := &Registry{bySubject: make(map[string]Credential)}
	if strings.TrimSpace(s) == "" {
		return reg, nil
	}
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("auth: malformed credential entry (want subject:role:hash)")
		}
		subject, role, hash := parts[0], Role(parts[1]), parts[2]
		if subject == "" || hash == "" {
			return nil, fmt.Errorf("auth: credential entry missing subject or hash")
		}
		if _, ok := roleRank[role]; !ok {
			return nil, fmt.Errorf("auth: unknown role %q for subject %q", role, subject)
		}
		if _, dup := reg.bySubject[subject]; dup {
			return nil, fmt.Errorf("auth: duplicate credential subject %q", subject)
		}
		reg.bySubject[subject] = Credential{Subject: subject, Role: role, Hash: hash}
	}
	return reg, nil
}

// Len returns the number of registered credentials.
func (r *Registry) Len() int { return len(r.bySubject) }

// Verify checks an API key for a subject. Unknown subjects burn the same
// Argon2 cost as real verification so timing does not leak existence.
func (r *Registry) Verify(subject, apiKey string) (Credential, bool) {
	cred, ok := r.bySubject[subject]
	if !ok {
		DummyVerify()
		return Credential{}, false
	}
	match, err := VerifyAPIKey(apiKey, cred.Hash)
	if err != nil || !match {
		return Credential{}, false
	}
	return cred, true
}
