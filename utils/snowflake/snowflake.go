package snowflake

import (
	"errors"
	"sync"
	"time"
)

const (
	// Epoch is the custom epoch (January 1, 2024 00:00:00 UTC)
	Epoch int64 = 1704067200000 // milliseconds

	nodeBits     uint8 = 10
	sequenceBits uint8 = 12

	nodeShift      = sequenceBits
	timestampShift = sequenceBits + nodeBits
	sequenceMask   = int64(-1) ^ (int64(-1) << sequenceBits)
	maxNode        = int64(-1) ^ (int64(-1) << nodeBits)
)

var ErrInvalidNodeID = errors.New("node ID exceeds maximum value")

// Generator generates time-ordered unique IDs. IDs from one generator are
// strictly increasing even if the wall clock steps backwards.
type Generator struct {
	mu sync.Mutex

	nodeID        int64
	sequence      int64
	lastTimestamp int64
	now           func() time.Time
}

// NewGenerator creates a generator for the given node (0..1023).
func NewGenerator(nodeID int64) (*Generator, error) {
	if nodeID < 0 || nodeID > maxNode {
		return nil, ErrInvalidNodeID
	}
	return &Generator{nodeID: nodeID, now: time.Now}, nil
}

// NextID generates the next unique ID
func (g *Generator) NextID() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	timestamp := g.now().UnixMilli()
	// 时钟回拨时沿用上一个时间戳，保证单调
	if timestamp < g.lastTimestamp {
		timestamp = g.lastTimestamp
	}

	if timestamp == g.lastTimestamp {
		g.sequence = (g.sequence + 1) & sequenceMask
		// 序列号溢出，借用下一毫秒
		if g.sequence == 0 {
			timestamp++
		}
	} else {
		g.sequence = 0
	}
	g.lastTimestamp = timestamp

	return ((timestamp - Epoch) << timestampShift) |
		(g.nodeID << nodeShift) |
		g.sequence
}

// Parse extracts the components from an ID.
func Parse(id int64) (timestamp int64, nodeID int64, sequence int64) {
	sequence = id & sequenceMask
	nodeID = (id >> nodeShift) & maxNode
	timestamp = (id >> timestampShift) + Epoch
	return
}
