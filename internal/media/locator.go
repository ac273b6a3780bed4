package media

import (
	"bytes"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multicodec"
	mh "github.com/multiformats/go-multihash"
)

// Locator computes the CIDv1 (raw codec, sha2-256) of an encrypted blob.
// Blob servers address uploads by this value.
func Locator(data []byte) (cid.Cid, error) {
	hash, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(uint64(multicodec.Raw), hash), nil
}

// ParseLocator decodes a locator string produced by Locator.
func ParseLocator(s string) (cid.Cid, error) {
	c, err := cid.Decode(s)
	if err != nil {
		return cid.Undef, fmt.Errorf("%w: %v", ErrInvalidLocator, err)
	}
	if c.Prefix().Codec != uint64(multicodec.Raw) {
		return cid.Undef, fmt.Errorf("%w: codec %s", ErrInvalidLocator, multicodec.Code(c.Prefix().Codec))
	}
	return c, nil
}

// VerifyLocator checks that data hashes to c.
func VerifyLocator(c cid.Cid, data []byte) error {
	decoded, err := mh.Decode(c.Hash())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidLocator, err)
	}
	if decoded.Code != mh.SHA2_256 {
		return fmt.Errorf("%w: hash %s", ErrInvalidLocator, multicodec.Code(decoded.Code))
	}
	sum, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return err
	}
	if !bytes.Equal(sum, c.Hash()) {
		return ErrLocatorMismatch
	}
	return nil
}

func digest(c cid.Cid) [32]byte {
	var out [32]byte
	if decoded, err := mh.Decode(c.Hash()); err == nil {
		copy(out[:], decoded.Digest)
	}
	return out
}
