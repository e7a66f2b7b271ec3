// Package digest computes and validates REAPI content digests.
//
// The deployment-wide hash function is SHA-256; a digest is the pair
// (lowercase hex hash, size in bytes).
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/protobuf/proto"

	"github.com/buildhive/buildhive/pkg/errdefs"
)

// HashLength is the length of a lowercase hex SHA-256 hash.
const HashLength = sha256.Size * 2

// Empty is the digest of the empty blob.
var Empty = FromBytes(nil)

// FromBytes returns the digest of the given blob.
func FromBytes(data []byte) *repb.Digest {
	sum := sha256.Sum256(data)
	return &repb.Digest{
		Hash:      hex.EncodeToString(sum[:]),
		SizeBytes: int64(len(data)),
	}
}

// FromMessage returns the digest of the wire encoding of the given message.
func FromMessage(msg proto.Message) (*repb.Digest, error) {
	data, err := proto.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return FromBytes(data), nil
}

// Equal reports whether two digests identify the same blob.
func Equal(a, b *repb.Digest) bool {
	return a.GetHash() == b.GetHash() && a.GetSizeBytes() == b.GetSizeBytes()
}

// Key returns a map key for the digest.
func Key(d *repb.Digest) string {
	return d.GetHash() + "/" + strconv.FormatInt(d.GetSizeBytes(), 10)
}

// Validate checks that a digest has a well-formed hash and a non-negative
// size.
func Validate(d *repb.Digest) error {
	if d == nil {
		return errdefs.InvalidArgumentf("digest is nil")
	}
	if len(d.Hash) != HashLength {
		return errdefs.InvalidArgumentf("invalid hash length %d for %q", len(d.Hash), d.Hash)
	}
	for _, c := range d.Hash {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return errdefs.InvalidArgumentf("hash %q is not lowercase hex", d.Hash)
		}
	}
	if d.SizeBytes < 0 {
		return errdefs.InvalidArgumentf("negative size %d", d.SizeBytes)
	}
	return nil
}

// Verify checks that data matches the declared digest.
func Verify(d *repb.Digest, data []byte) error {
	if int64(len(data)) != d.GetSizeBytes() {
		return errdefs.InvalidArgumentf("size mismatch: got %d, declared %d", len(data), d.GetSizeBytes())
	}
	actual := FromBytes(data)
	if actual.Hash != d.GetHash() {
		return errdefs.InvalidArgumentf("hash mismatch: got %s, declared %s", actual.Hash, d.GetHash())
	}
	return nil
}

// Parse decodes a "hash/size" pair as found in resource names.
func Parse(hash, size string) (*repb.Digest, error) {
	sizeBytes, err := strconv.ParseInt(size, 10, 64)
	if err != nil {
		return nil, errdefs.InvalidArgumentf("invalid size %q", size)
	}
	d := &repb.Digest{Hash: hash, SizeBytes: sizeBytes}
	if err := Validate(d); err != nil {
		return nil, err
	}
	return d, nil
}

// String formats the digest as "hash/size" for logs and CLI output.
func String(d *repb.Digest) string {
	return Key(d)
}

// ParseString decodes the "hash/size" form produced by String.
func ParseString(s string) (*repb.Digest, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return nil, errdefs.InvalidArgumentf("invalid digest %q, want hash/size", s)
	}
	return Parse(parts[0], parts[1])
}
