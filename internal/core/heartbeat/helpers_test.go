package heartbeat

import "github.com/multiformats/go-varint"

func varintPrefix(n int) []byte {
	return varint.ToUvarint(uint64(n))
}
