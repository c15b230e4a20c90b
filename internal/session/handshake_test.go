package session

import (
	"errors"
	"strings"
	"testing"

	"github.com/dalbodeule/rshare/internal/registry"
	"github.com/dalbodeule/rshare/internal/transport"
)

type handshakeResult struct {
	domain string
	err    error
}

func runServerHandshake(sess transport.Session, cfg ServerHandshakeConfig) <-chan handshakeResult {
	out := make(chan handshakeResult, 1)
	go func() {
		domain, err := PerformServerHandshake(sess, cfg)
		out <- handshakeResult{domain, err}
	}()
	return out
}

func TestHandshakeRequestedDomain(t *testing.T) {
	server, client := transport.NewPipeSession()
	defer server.Close()
	defer client.Close()

	reg := registry.New()
	srv := runServerHandshake(server, ServerHandshakeConfig{
		Registry:   reg,
		BaseDomain: "public.dev.peril.lol",
	})

	domain, err := PerformClientHandshake(client, ClientHandshakeConfig{
		Domain: "demo.dev.peril.lol",
	})
	if err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	if domain != "demo.dev.peril.lol" {
		t.Fatalf("client domain = %q, want demo.dev.peril.lol", domain)
	}

	res := <-srv
	if res.err != nil {
		t.Fatalf("server handshake: %v", res.err)
	}
	if res.domain != domain {
		t.Fatalf("server domain %q != client domain %q", res.domain, domain)
	}
	if owner, ok := reg.Lookup(domain); !ok || owner != server.ID() {
		t.Fatalf("registry binding = (%q, %v), want (%q, true)", owner, ok, server.ID())
	}
}

func TestHandshakeAutoAssignedDomain(t *testing.T) {
	server, client := transport.NewPipeSession()
	defer server.Close()
	defer client.Close()

	reg := registry.New()
	srv := runServerHandshake(server, ServerHandshakeConfig{
		Registry:   reg,
		BaseDomain: "public.dev.peril.lol",
	})

	domain, err := PerformClientHandshake(client, ClientHandshakeConfig{})
	if err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	if !strings.HasSuffix(domain, ".public.dev.peril.lol") {
		t.Fatalf("assigned domain %q should be under the base domain", domain)
	}
	if res := <-srv; res.err != nil {
		t.Fatalf("server handshake: %v", res.err)
	}
	if _, ok := reg.Lookup(domain); !ok {
		t.Fatal("assigned domain should be registered")
	}
}

func TestHandshakeRejectsInvalidToken(t *testing.T) {
	server, client := transport.NewPipeSession()
	defer server.Close()
	defer client.Close()

	reg := registry.New()
	srv := runServerHandshake(server, ServerHandshakeConfig{
		Registry:   reg,
		Validator:  StaticTokenValidator{Token: "s3cret"},
		BaseDomain: "public.dev.peril.lol",
	})

	_, err := PerformClientHandshake(client, ClientHandshakeConfig{
		Domain: "demo.dev.peril.lol",
		Token:  "wrong",
	})
	if !errors.Is(err, ErrHandshakeRejected) {
		t.Fatalf("client err = %v, want ErrHandshakeRejected", err)
	}

	if res := <-srv; !errors.Is(res.err, ErrHandshakeRejected) {
		t.Fatalf("server err = %v, want ErrHandshakeRejected", res.err)
	}
	if reg.Len() != 0 {
		t.Fatal("rejected handshake must not register a domain")
	}
}

func TestHandshakeRejectsTakenDomain(t *testing.T) {
	server, client := transport.NewPipeSession()
	defer server.Close()
	defer client.Close()

	reg := registry.New()
	if err := reg.Register("demo.dev.peril.lol", "other-session"); err != nil {
		t.Fatalf("seed register: %v", err)
	}

	srv := runServerHandshake(server, ServerHandshakeConfig{
		Registry:   reg,
		BaseDomain: "public.dev.peril.lol",
	})

	_, err := PerformClientHandshake(client, ClientHandshakeConfig{
		Domain: "demo.dev.peril.lol",
	})
	if !errors.Is(err, ErrHandshakeRejected) {
		t.Fatalf("client err = %v, want ErrHandshakeRejected", err)
	}
	<-srv

	// The original binding survives the failed claim.
	if owner, _ := reg.Lookup("demo.dev.peril.lol"); owner != "other-session" {
		t.Fatalf("owner = %q, want other-session", owner)
	}
}

func TestStaticTokenValidatorEmptyAllowsAll(t *testing.T) {
	v := StaticTokenValidator{}
	if !v.Validate("") || !v.Validate("anything") {
		t.Fatal("empty configured token should accept every client")
	}
	strict := StaticTokenValidator{Token: "s3cret"}
	if strict.Validate("nope") {
		t.Fatal("wrong token should be rejected")
	}
	if !strict.Validate("s3cret") {
		t.Fatal("matching token should be accepted")
	}
}
