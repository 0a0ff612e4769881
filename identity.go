package oniri

import "crypto/ed25519"
import "crypto/rand"
import "crypto/sha512"
import "encoding/base64"
import "encoding/hex"
import "errors"
import "fmt"
import "io"

import "golang.org/x/crypto/nacl/secretbox"

const SEED_LEN int = ed25519.SeedSize
const SERVICE_KEY_HEX_LEN int = ed25519.PublicKeySize * 2

const seed_nonce_len int = 24
const seed_key_len int = 32

// a hex seed is 64 characters. anything longer is treated as a sealed seed.
const sealed_seed_min_len int = SEED_LEN * 2

type ServiceIdentity struct {
	pub ed25519.PublicKey
	priv ed25519.PrivateKey
	key string
}

func DeriveIdentity(seed string) (*ServiceIdentity, error) {
	var raw []byte
	var id ServiceIdentity
	var err error

	if seed == "" { return nil, ErrSeedRequired }

	raw, err = hex.DecodeString(seed)
	if err != nil {
		return nil, fmt.Errorf("invalid seed - %s", err.Error())
	}
	if len(raw) != SEED_LEN {
		return nil, fmt.Errorf("invalid seed length %d - %d bytes required", len(raw), SEED_LEN)
	}

	id.priv = ed25519.NewKeyFromSeed(raw)
	id.pub = id.priv.Public().(ed25519.PublicKey)
	id.key = hex.EncodeToString(id.pub)
	return &id, nil
}

func (id *ServiceIdentity) Key() string {
	return id.key
}

func (id *ServiceIdentity) PublicKey() ed25519.PublicKey {
	return id.pub
}

func (id *ServiceIdentity) Sign(data []byte) []byte {
	return ed25519.Sign(id.priv, data)
}

func VerifyServiceKey(key string, data []byte, sig []byte) bool {
	var raw []byte
	var err error

	raw, err = hex.DecodeString(key)
	if err != nil || len(raw) != ed25519.PublicKeySize { return false }
	return ed25519.Verify(ed25519.PublicKey(raw), data, sig)
}

func IsValidServiceKey(key string) bool {
	var err error
	if len(key) != SERVICE_KEY_HEX_LEN { return false }
	_, err = hex.DecodeString(key)
	return err == nil
}

func GenerateSeed() (string, error) {
	var buf [SEED_LEN]byte
	var err error

	_, err = io.ReadFull(rand.Reader, buf[:])
	if err != nil { return "", err }
	return hex.EncodeToString(buf[:]), nil
}

func password_key(password string) *[seed_key_len]byte {
	var sum [sha512.Size]byte
	var key [seed_key_len]byte

	sum = sha512.Sum512([]byte(password))
	copy(key[:], sum[:seed_key_len])
	return &key
}

// EncryptSeed seals a seed with a password. The output is
// base64(nonce || secretbox).
func EncryptSeed(seed string, password string) (string, error) {
	var nonce [seed_nonce_len]byte
	var out []byte
	var err error

	_, err = io.ReadFull(rand.Reader, nonce[:])
	if err != nil { return "", err }

	out = secretbox.Seal(nonce[:], []byte(seed), &nonce, password_key(password))
	return base64.StdEncoding.EncodeToString(out), nil
}

// DecryptSeed opens a sealed seed. A value not longer than a plain hex seed
// is returned unchanged. On failure the input is returned with the error.
func DecryptSeed(data string, password string) (string, error) {
	var raw []byte
	var nonce [seed_nonce_len]byte
	var out []byte
	var ok bool
	var err error

	if len(data) <= sealed_seed_min_len { return data, nil }

	raw, err = base64.StdEncoding.DecodeString(data)
	if err != nil {
		return data, fmt.Errorf("unable to decode sealed seed - %s", err.Error())
	}
	if len(raw) < seed_nonce_len + secretbox.Overhead {
		return data, errors.New("sealed seed too short")
	}

	copy(nonce[:], raw[:seed_nonce_len])
	out, ok = secretbox.Open(nil, raw[seed_nonce_len:], &nonce, password_key(password))
	if !ok {
		return data, errors.New("decryption failed. invalid password or corrupted data")
	}
	return string(out), nil
}
