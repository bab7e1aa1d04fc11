package snowflake

import (
	"fmt"
	"sync"
	"time"
)

const (
	timestampLength int64 = 42
	timestampPos          = 64 - timestampLength
	workerLength    int64 = 10
	workerPos             = timestampPos - workerLength
	incrementLength       = 64 - (timestampLength + workerLength)
)

var (
	maxWorkerValue    = int64(1)<<workerLength - 1
	maxIncrementValue = int64(1)<<incrementLength - 1
)

// Generator hands out time-ordered unique ids: 42 bits of millisecond
// timestamp, 10 bits of worker id, 12 bits of per-millisecond increment.
type Generator struct {
	workerID int64

	mutex         sync.Mutex
	lastTimestamp int64
	lastIncrement int64
}

type Parts struct {
	Timestamp int64
	WorkerID  int64
	Increment int64
}

func NewGenerator(workerID int64) (*Generator, error) {
	if workerID < 0 || workerID > maxWorkerValue {
		return nil, fmt.Errorf("worker ID %d is outside 0..%d", workerID, maxWorkerValue)
	}
	return &Generator{workerID: workerID}, nil
}

func (g *Generator) Generate() (int64, error) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	timestamp := time.Now().UnixMilli()
	if timestamp == g.lastTimestamp {
		g.lastIncrement++
		if g.lastIncrement > maxIncrementValue {
			return 0, fmt.Errorf("increment overflow after increment reached %d", g.lastIncrement)
		}
	} else {
		g.lastIncrement = 0
		g.lastTimestamp = timestamp
	}

	return timestamp<<timestampPos | g.workerID<<workerPos | g.lastIncrement, nil
}

func Extract(id int64) Parts {
	return Parts{
		Timestamp: id >> timestampPos,
		WorkerID:  (id >> workerPos) & maxWorkerValue,
		Increment: id & maxIncrementValue,
	}
}

func ExtractTime(id int64) time.Time {
	return time.UnixMilli(id >> timestampPos)
}
