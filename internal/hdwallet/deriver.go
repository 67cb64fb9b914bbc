package hdwallet

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/pkg/errors"
)

// ErrDerivation marks failures of the HD child derivation itself. With a
// well-formed master seed the deriver is total over all input strings.
var ErrDerivation = errors.New("hdwallet: derivation failed")

// maxIndex is the largest usable non-hardened derivation index for the
// final path component.
const maxIndex = hdkeychain.HardenedKeyStart - 1

// Deriver maps Ethereum addresses to deterministic BIP44 child keys under
// a fixed master seed. It holds no mutable state and is safe for
// concurrent use.
type Deriver struct {
	master *hdkeychain.ExtendedKey
	params *chaincfg.Params
}

// Derivation is the full result of deriving a deposit key for one
// Ethereum address.
type Derivation struct {
	Address    string
	Path       string
	Index      uint32
	PublicKey  string
	PrivateKey string
}

// NewDeriver builds a deriver from a raw master seed. The seed must be
// between 16 and 64 bytes, per BIP32.
func NewDeriver(seed []byte, params *chaincfg.Params) (*Deriver, error) {
	master, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, errors.Wrap(ErrDerivation, err.Error())
	}
	return &Deriver{master: master, params: params}, nil
}

// Index maps an Ethereum address onto a derivation index: the address is
// lowercased, hashed with SHA-256, and the first 32 bits of the digest are
// reduced modulo the index space. The same address always lands on the
// same index.
func Index(ethAddress string) uint32 {
	normalized := strings.ToLower(strings.TrimSpace(ethAddress))
	digest := sha256.Sum256([]byte(normalized))
	return binary.BigEndian.Uint32(digest[:4]) % maxIndex
}

// Derive produces the P2PKH deposit address for an Ethereum address at
// m/44'/0'/0'/0/{index}. Pure function of (master seed, ethAddress).
func (d *Deriver) Derive(ethAddress string) (*Derivation, error) {
	index := Index(ethAddress)

	child := d.master
	steps := []uint32{
		hdkeychain.HardenedKeyStart + 44,
		hdkeychain.HardenedKeyStart + 0,
		hdkeychain.HardenedKeyStart + 0,
		0,
		index,
	}
	for _, step := range steps {
		next, err := child.Derive(step)
		if err != nil {
			return nil, errors.Wrapf(ErrDerivation, "step %d: %v", step, err)
		}
		child = next
	}

	addr, err := child.Address(d.params)
	if err != nil {
		return nil, errors.Wrap(ErrDerivation, err.Error())
	}
	pubKey, err := child.ECPubKey()
	if err != nil {
		return nil, errors.Wrap(ErrDerivation, err.Error())
	}
	privKey, err := child.ECPrivKey()
	if err != nil {
		return nil, errors.Wrap(ErrDerivation, err.Error())
	}
	wif, err := btcutil.NewWIF(privKey, d.params, true)
	if err != nil {
		return nil, errors.Wrap(ErrDerivation, err.Error())
	}

	return &Derivation{
		Address:    addr.EncodeAddress(),
		Path:       fmt.Sprintf("m/44'/0'/0'/0/%d", index),
		Index:      index,
		PublicKey:  hex.EncodeToString(pubKey.SerializeCompressed()),
		PrivateKey: wif.String(),
	}, nil
}

// ValidateAddress reports whether the candidate decodes to a valid address
// for the configured network. It never panics or returns an error.
func (d *Deriver) ValidateAddress(candidate string) bool {
	decoded, err := btcutil.DecodeAddress(strings.TrimSpace(candidate), d.params)
	if err != nil {
		return false
	}
	return decoded.IsForNet(d.params)
}
