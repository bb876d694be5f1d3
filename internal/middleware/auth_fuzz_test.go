package middleware

import (
	"strings"
	"testing"
)

// FuzzAPIKeyIDFromBearer checks that the key id used for rate limiting and
// audit labels is always the prefix of a well-formed "Bearer id.secret"
// header and never carries a dot or whitespace.
func FuzzAPIKeyIDFromBearer(f *testing.F) {
	for _, seed := range []string{
		"Bearer web.s3cret",
		"bearer batch.a.b",
		"Bearer .secret",
		"Bearer nodot",
		"Basic web.secret",
		"Bearer  web.secret  ",
		"",
	} {
		f.Add(seed)
	}

	f.Fuzz(func(t *testing.T, header string) {
		id := apiKeyIDFromBearer(header)
		token, err := parseBearerToken(header)
		if err != nil {
			if id != "" {
				t.Fatalf("apiKeyIDFromBearer(%q) = %q for an unparseable header", header, id)
			}
			return
		}
		if id == "" {
			if before, _, ok := strings.Cut(token, "."); ok && before != "" {
				t.Fatalf("apiKeyIDFromBearer(%q) = \"\", want %q", header, before)
			}
			return
		}
		if !strings.HasPrefix(token, id+".") {
			t.Fatalf("apiKeyIDFromBearer(%q) = %q, not a prefix of token %q", header, id, token)
		}
		if strings.ContainsAny(id, ". \t\r\n") {
			t.Fatalf("apiKeyIDFromBearer(%q) = %q contains a separator", header, id)
		}
	})
}

// FuzzRequestID checks that whatever a client sends as X-Request-ID, the id
// that reaches logs and response headers is short and printable.
func FuzzRequestID(f *testing.F) {
	f.Add("sdk-7f3a")
	f.Add("")
	f.Add("a\r\nX-Injected: 1")
	f.Add(strings.Repeat("x", 200))

	f.Fuzz(func(t *testing.T, incoming string) {
		id := requestID(incoming)
		if !validRequestID(id) {
			t.Fatalf("requestID(%q) = %q, not a valid id", incoming, id)
		}
		if validRequestID(incoming) && id != incoming {
			t.Fatalf("requestID(%q) = %q, want incoming id kept", incoming, id)
		}
	})
}

func FuzzAPIKeyMatchesHash(f *testing.F) {
	hash, err := HashAPIKey("seed-secret")
	if err != nil {
		f.Fatalf("HashAPIKey() error = %v", err)
	}

	f.Add(hash, "seed-secret")
	f.Add(hash, "seed-secreT")
	f.Add("$2a$04$not-really-a-bcrypt-hash", "secret")
	f.Add("", "")

	f.Fuzz(func(t *testing.T, stored, secret string) {
		match := APIKeyMatchesHash(stored, secret)
		if stored != hash {
			return
		}
		// bcrypt only looks at the first 72 bytes.
		want := secret == "seed-secret"
		if len(secret) <= 72 && match != want {
			t.Fatalf("APIKeyMatchesHash(hash, %q) = %v, want %v", secret, match, want)
		}
	})
}
