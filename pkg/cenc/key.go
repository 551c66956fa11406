package cenc

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// KeyMap maps a 16-byte key id to its 16-byte raw AES key. Built once
// per decryption call from caller-supplied strings, then only looked up.
type KeyMap map[[16]byte][16]byte

// ParseKeyID accepts 32 hex chars or a UUID with dashes.
func ParseKeyID(s string) ([16]byte, error) {
	var id [16]byte
	s = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "-", ""))
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("key id %q: %w", s, err)
	}
	if len(raw) != 16 {
		return id, fmt.Errorf("key id %q: got %d bytes, want 16", s, len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// ParsePairs parses a comma-separated "kid:key,kid:key" ClearKey list.
func ParsePairs(pairs string) (KeyMap, error) {
	m := make(KeyMap)
	for _, pair := range strings.Split(pairs, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kid, key, found := strings.Cut(pair, ":")
		if !found {
			return nil, fmt.Errorf("key pair %q: want kid:key", pair)
		}
		id, err := ParseKeyID(kid)
		if err != nil {
			return nil, err
		}
		k, err := ParseKeyID(key)
		if err != nil {
			return nil, fmt.Errorf("key for id %s: %w", kid, err)
		}
		m[id] = k
	}
	return m, nil
}

// ParseLists parses parallel comma-separated key_id and key lists, the
// form the proxy query parameters carry.
func ParseLists(kids, keys string) (KeyMap, error) {
	ki := strings.Split(kids, ",")
	ke := strings.Split(keys, ",")
	if len(ki) != len(ke) {
		return nil, fmt.Errorf("mismatched key_id/key count: %d vs %d", len(ki), len(ke))
	}
	m := make(KeyMap)
	for i := range ki {
		id, err := ParseKeyID(ki[i])
		if err != nil {
			return nil, err
		}
		k, err := ParseKeyID(ke[i])
		if err != nil {
			return nil, fmt.Errorf("key for id %s: %w", ki[i], err)
		}
		m[id] = k
	}
	return m, nil
}

// Resolution strategies, tried in a fixed order. Each is named so tests
// can target it independently.

func matchExact(m KeyMap, kid [16]byte, _ uint32) ([16]byte, bool) {
	k, ok := m[kid]
	return k, ok
}

// A feed that never signalled a default KID leaves it all-zero; with a
// single configured key the intent is unambiguous.
func matchZeroKID(m KeyMap, kid [16]byte, _ uint32) (k [16]byte, ok bool) {
	if kid != ([16]byte{}) || len(m) != 1 {
		return
	}
	for _, v := range m {
		return v, true
	}
	return
}

// Some feeds encode the track id into the trailing four bytes of the
// key id.
func matchTrackIDSuffix(m KeyMap, _ [16]byte, trackID uint32) (k [16]byte, ok bool) {
	for id, v := range m {
		if binary.BigEndian.Uint32(id[12:]) == trackID {
			return v, true
		}
	}
	return
}

func matchSingleKey(m KeyMap, _ [16]byte, _ uint32) (k [16]byte, ok bool) {
	if len(m) != 1 {
		return
	}
	for _, v := range m {
		return v, true
	}
	return
}

var resolveOrder = []func(KeyMap, [16]byte, uint32) ([16]byte, bool){
	matchExact,
	matchZeroKID,
	matchTrackIDSuffix,
	matchSingleKey,
}

// Resolve finds the decryption key for a track. A miss is not an error:
// the affected samples pass through undecrypted.
func (m KeyMap) Resolve(kid [16]byte, trackID uint32) ([]byte, bool) {
	for _, strategy := range resolveOrder {
		if k, ok := strategy(m, kid, trackID); ok {
			return k[:], true
		}
	}
	return nil, false
}
