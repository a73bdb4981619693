package script

// CompressP2PKKey maps a P2PK key to its 33-byte member form.
//
// Compressed keys (prefix 0x02/0x03) are used as-is. Uncompressed keys
// (prefix 0x04) become 0x04|parity(y) followed by x, so they never collide
// with a compressed key for the same x. Keys with any other prefix are
// rejected and the script is grouped as "other".
func CompressP2PKKey(key []byte) ([]byte, bool) {
	switch len(key) {
	case 33:
		if key[0] != 0x02 && key[0] != 0x03 {
			return nil, false
		}
		return append([]byte(nil), key...), true
	case 65:
		if key[0] != 0x04 {
			return nil, false
		}
		return compressUncompressed(key), true
	}
	return nil, false
}

// CompressP2PKKeyLegacy is the mapping older databases were written with:
// it accepts any prefix, so a 33-byte key starting with 0x04 or 0x05 lands
// on the same member as an uncompressed key.
func CompressP2PKKeyLegacy(key []byte) ([]byte, bool) {
	switch len(key) {
	case 33:
		return append([]byte(nil), key...), true
	case 65:
		return compressUncompressed(key), true
	}
	return nil, false
}

func compressUncompressed(key []byte) []byte {
	out := make([]byte, 33)
	out[0] = 0x04 | (key[64] & 1)
	copy(out[1:], key[1:33])
	return out
}

// P2PKKey returns the raw key of a `<33-or-65> CHECKSIG` script.
func P2PKKey(script []byte) ([]byte, bool) {
	return p2pkKey(script)
}
