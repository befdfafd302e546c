package strategy

import (
	"hash/crc32"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/angeloszaimis/upstream-pool/internal/backend"
)

const defaultVirtualNodes = 100

type consistentHashStrategy struct {
	virtualNodes int
	ring         atomic.Pointer[ringSnapshot]
	mutex        sync.Mutex
}

type ringSnapshot struct {
	members   string
	positions []uint32
	owners    map[uint32]*backend.Backend
}

func NewConsistentHashStrategy(virtualNodes int) Strategy {
	if virtualNodes <= 0 {
		virtualNodes = defaultVirtualNodes
	}
	return &consistentHashStrategy{virtualNodes: virtualNodes}
}

func (s *consistentHashStrategy) Name() string {
	return ConsistentHash
}

// Select maps hashKey onto the ring of candidates. The ring is rebuilt
// whenever the candidate set changes, so only the keys of a departed
// backend move.
func (s *consistentHashStrategy) Select(candidates []*backend.Backend, hashKey string) *backend.Backend {
	if len(candidates) == 0 {
		return nil
	}

	members := membersOf(candidates)

	rs := s.ring.Load()
	if rs == nil || rs.members != members {
		s.mutex.Lock()
		rs = s.ring.Load()
		if rs == nil || rs.members != members {
			rs = buildRing(candidates, members, s.virtualNodes)
			s.ring.Store(rs)
		}
		s.mutex.Unlock()
	}

	return rs.lookup(crc32.ChecksumIEEE([]byte(hashKey)))
}

func membersOf(candidates []*backend.Backend) string {
	names := make([]string, len(candidates))
	for i, b := range candidates {
		names[i] = b.Key().HostPort()
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

func buildRing(candidates []*backend.Backend, members string, vnodes int) *ringSnapshot {
	rs := &ringSnapshot{
		members:   members,
		positions: make([]uint32, 0, len(candidates)*vnodes),
		owners:    make(map[uint32]*backend.Backend, len(candidates)*vnodes),
	}

	for _, b := range candidates {
		for i := 0; i < vnodes; i++ {
			hash := crc32.ChecksumIEEE([]byte(b.Key().HostPort() + "#" + strconv.Itoa(i)))
			rs.positions = append(rs.positions, hash)
			rs.owners[hash] = b
		}
	}

	sort.Slice(rs.positions, func(i, j int) bool { return rs.positions[i] < rs.positions[j] })
	return rs
}

func (r *ringSnapshot) lookup(hash uint32) *backend.Backend {
	idx := sort.Search(len(r.positions), func(i int) bool {
		return r.positions[i] >= hash
	})
	if idx == len(r.positions) {
		idx = 0
	}
	return r.owners[r.positions[idx]]
}
