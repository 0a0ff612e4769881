package oniri

import "errors"
import "strings"
import "testing"

func TestDeriveIdentityDeterministic(t *testing.T) {
	var seed string
	var a *ServiceIdentity
	var b *ServiceIdentity
	var err error

	seed = strings.Repeat("ab", 32)
	a, err = DeriveIdentity(seed)
	if err != nil { t.Fatalf("derive failed - %s", err.Error()) }
	b, err = DeriveIdentity(seed)
	if err != nil { t.Fatalf("derive failed - %s", err.Error()) }

	if a.Key() != b.Key() {
		t.Fatalf("same seed produced different keys %s %s", a.Key(), b.Key())
	}
	if len(a.Key()) != SERVICE_KEY_HEX_LEN || !IsValidServiceKey(a.Key()) {
		t.Fatalf("bad key format %q", a.Key())
	}
}

func TestDeriveIdentityDistinctSeeds(t *testing.T) {
	var s1 string
	var s2 string
	var a *ServiceIdentity
	var b *ServiceIdentity
	var err error

	s1, _ = GenerateSeed()
	s2, _ = GenerateSeed()
	a, err = DeriveIdentity(s1)
	if err != nil { t.Fatalf("derive failed - %s", err.Error()) }
	b, err = DeriveIdentity(s2)
	if err != nil { t.Fatalf("derive failed - %s", err.Error()) }
	if a.Key() == b.Key() {
		t.Fatalf("different seeds produced the same key")
	}
}

func TestDeriveIdentityRejectsBadSeed(t *testing.T) {
	var err error

	_, err = DeriveIdentity("")
	if !errors.Is(err, ErrSeedRequired) {
		t.Fatalf("expected ErrSeedRequired, got %v", err)
	}
	_, err = DeriveIdentity("zz")
	if err == nil { t.Fatalf("non-hex seed accepted") }
	_, err = DeriveIdentity("abcd")
	if err == nil { t.Fatalf("short seed accepted") }
}

func TestIdentitySignVerify(t *testing.T) {
	var seed string
	var id *ServiceIdentity
	var sig []byte

	seed, _ = GenerateSeed()
	id, _ = DeriveIdentity(seed)
	sig = id.Sign([]byte("nonce"))
	if !VerifyServiceKey(id.Key(), []byte("nonce"), sig) {
		t.Fatalf("signature not verified")
	}
	if VerifyServiceKey(id.Key(), []byte("other"), sig) {
		t.Fatalf("signature verified for wrong data")
	}
}

func TestSeedEncryptDecrypt(t *testing.T) {
	var seed string
	var sealed string
	var opened string
	var err error

	seed, _ = GenerateSeed()
	sealed, err = EncryptSeed(seed, "secret")
	if err != nil { t.Fatalf("encrypt failed - %s", err.Error()) }

	opened, err = DecryptSeed(sealed, "secret")
	if err != nil { t.Fatalf("decrypt failed - %s", err.Error()) }
	if opened != seed { t.Fatalf("decrypted seed mismatch") }

	opened, err = DecryptSeed(sealed, "wrong")
	if err == nil { t.Fatalf("wrong password accepted") }
	if opened != sealed { t.Fatalf("failed decryption must return the input") }

	opened, err = DecryptSeed(seed, "whatever")
	if err != nil || opened != seed {
		t.Fatalf("plain seed must pass through unchanged")
	}
}
