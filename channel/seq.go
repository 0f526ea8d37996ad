package channel

import "sync"

// SeqGenerator hands out monotonically increasing session ids, grounded
// on original_source's TempSeqGenerator and the same increment-under-
// mutex idiom sn.PingClients.nextSeq already uses in this module.
type SeqGenerator struct {
	mu   sync.Mutex
	next uint32
}

func (g *SeqGenerator) Generate() uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return g.next
}
