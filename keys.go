package sklad

import (
	"encoding/binary"
	"strings"
	"time"

	"github.com/cespare/xxhash"

	"github.com/drpcorg/sklad/docs"
)

// Pebble keyspaces, one byte of prefix each:
//
//   - Document:   'D' + key                                -> document record (JSON)
//   - Order:      'E' + etag(16, BE)                       -> document key
//   - Watermark:  'W' + index                              -> etag(16) + modified(i64, BE, unix nanos)
//   - Definition: 'X' + index                              -> definition record (JSON)
//   - Posting:    'P' + index + 0 + hash(u64, BE) + 0 + key -> field + 0 + value
//   - Reverse:    'R' + index + 0 + key + 0 + hash(u64, BE) -> empty value
//   - Meta:       'M' + name                               -> u64, BE
//
// Document keys and index names carry no NUL byte (enforced on write), so
// the 0 separators parse unambiguously. The order keyspace is the etag-sorted
// view of the documents; an order entry whose document is gone or superseded
// is a gap and fetches skip it.
const (
	kDocument   = 'D'
	kOrder      = 'E'
	kWatermark  = 'W'
	kDefinition = 'X'
	kPosting    = 'P'
	kReverse    = 'R'
	kMeta       = 'M'
)

func validName(s string) bool {
	return len(s) > 0 && !strings.ContainsRune(s, 0)
}

func keyspaceBounds(prefix byte) (lo, hi []byte) {
	return []byte{prefix}, []byte{prefix + 1}
}

func docKey(key string) []byte {
	return append([]byte{kDocument}, key...)
}

func orderKey(tag docs.Etag) []byte {
	return append([]byte{kOrder}, tag[:]...)
}

func orderKeyTag(k []byte) (docs.Etag, bool) {
	if len(k) != 1+len(docs.ZeroEtag) || k[0] != kOrder {
		return docs.ZeroEtag, false
	}
	tag, err := docs.EtagFromBytes(k[1:])
	return tag, err == nil
}

func watermarkKey(index string) []byte {
	return append([]byte{kWatermark}, index...)
}

func watermarkValue(tag docs.Etag, modified time.Time) []byte {
	v := append([]byte{}, tag[:]...)
	return binary.BigEndian.AppendUint64(v, uint64(modified.UnixNano()))
}

func parseWatermark(v []byte) (docs.Etag, time.Time, bool) {
	if len(v) != len(docs.ZeroEtag)+8 {
		return docs.ZeroEtag, time.Time{}, false
	}
	tag, err := docs.EtagFromBytes(v[:len(docs.ZeroEtag)])
	if err != nil {
		return docs.ZeroEtag, time.Time{}, false
	}
	nanos := int64(binary.BigEndian.Uint64(v[len(docs.ZeroEtag):]))
	return tag, time.Unix(0, nanos).UTC(), true
}

func definitionKey(index string) []byte {
	return append([]byte{kDefinition}, index...)
}

func termHash(field, value string) uint64 {
	term := make([]byte, 0, len(field)+1+len(value))
	term = append(term, field...)
	term = append(term, 0)
	term = append(term, value...)
	return xxhash.Sum64(term)
}

func postingPrefix(index string, hash uint64) []byte {
	k := append([]byte{kPosting}, index...)
	k = append(k, 0)
	k = binary.BigEndian.AppendUint64(k, hash)
	return append(k, 0)
}

func postingKey(index string, hash uint64, key string) []byte {
	return append(postingPrefix(index, hash), key...)
}

func postingValue(field, value string) []byte {
	v := append([]byte{}, field...)
	v = append(v, 0)
	return append(v, value...)
}

func reversePrefix(index, key string) []byte {
	k := append([]byte{kReverse}, index...)
	k = append(k, 0)
	k = append(k, key...)
	return append(k, 0)
}

func reverseKey(index, key string, hash uint64) []byte {
	return binary.BigEndian.AppendUint64(reversePrefix(index, key), hash)
}

func parseReverseKey(k []byte) (index, key string, hash uint64, ok bool) {
	if len(k) < 1+1+1+1+8 || k[0] != kReverse {
		return "", "", 0, false
	}
	rest := k[1:]
	sep := strings.IndexByte(string(rest), 0)
	if sep < 0 || len(rest) < sep+1+1+8 {
		return "", "", 0, false
	}
	index = string(rest[:sep])
	rest = rest[sep+1:]
	key = string(rest[:len(rest)-9])
	hash = binary.BigEndian.Uint64(rest[len(rest)-8:])
	return index, key, hash, true
}

// indexKeyspaceBounds covers every posting or reverse entry of one index.
func indexKeyspaceBounds(prefix byte, index string) (lo, hi []byte) {
	lo = append([]byte{prefix}, index...)
	lo = append(lo, 0)
	hi = append([]byte{prefix}, index...)
	hi = append(hi, 1)
	return lo, hi
}

func metaKey(name string) []byte {
	return append([]byte{kMeta}, name...)
}
