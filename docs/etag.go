// Package docs holds the document data model shared by the store and the
// indexing engine: revision tags (etags), document snapshots and their
// metadata conventions.
package docs

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strconv"
	"strings"
)

var ErrBadEtag = errors.New("sklad: malformed etag")

// Etag is a 16-byte document revision tag. Tags are ordered by unsigned
// byte-wise comparison, most significant byte first; the fixed width makes
// the order total. The zero value sorts before every minted tag and doubles
// as the "never indexed" watermark.
//
// The store mints tags as (epoch, seq) pairs: the high 8 bytes are the boot
// epoch, the low 8 bytes a write sequence number, both big-endian, so write
// order and tag order coincide within one store.
type Etag [16]byte

var ZeroEtag = Etag{}

func MakeEtag(epoch, seq uint64) (e Etag) {
	binary.BigEndian.PutUint64(e[:8], epoch)
	binary.BigEndian.PutUint64(e[8:], seq)
	return e
}

func EtagFromBytes(b []byte) (Etag, error) {
	if len(b) != len(ZeroEtag) {
		return ZeroEtag, ErrBadEtag
	}
	var e Etag
	copy(e[:], b)
	return e, nil
}

func (e Etag) Parts() (epoch, seq uint64) {
	return binary.BigEndian.Uint64(e[:8]), binary.BigEndian.Uint64(e[8:])
}

func (e Etag) Compare(other Etag) int {
	return bytes.Compare(e[:], other[:])
}

func (e Etag) Less(other Etag) bool {
	return e.Compare(other) < 0
}

func (e Etag) IsZero() bool {
	return e == ZeroEtag
}

// Next returns the tag immediately following e in the order.
func (e Etag) Next() Etag {
	for i := len(e) - 1; i >= 0; i-- {
		e[i]++
		if e[i] != 0 {
			break
		}
	}
	return e
}

func (e Etag) String() string {
	epoch, seq := e.Parts()
	return strconv.FormatUint(epoch, 16) + "-" + strconv.FormatUint(seq, 16)
}

func ParseEtag(s string) (Etag, error) {
	hi, lo, ok := strings.Cut(s, "-")
	if !ok {
		return ZeroEtag, ErrBadEtag
	}
	epoch, err := strconv.ParseUint(hi, 16, 64)
	if err != nil {
		return ZeroEtag, ErrBadEtag
	}
	seq, err := strconv.ParseUint(lo, 16, 64)
	if err != nil {
		return ZeroEtag, ErrBadEtag
	}
	return MakeEtag(epoch, seq), nil
}

// MinEtag reduces the given tags under the order; zero tag for no arguments.
func MinEtag(tags ...Etag) Etag {
	if len(tags) == 0 {
		return ZeroEtag
	}
	min := tags[0]
	for _, t := range tags[1:] {
		if t.Compare(min) < 0 {
			min = t
		}
	}
	return min
}

// MaxEtag reduces the given tags under the order; zero tag for no arguments.
func MaxEtag(tags ...Etag) Etag {
	max := ZeroEtag
	for _, t := range tags {
		if t.Compare(max) > 0 {
			max = t
		}
	}
	return max
}
