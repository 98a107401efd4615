package protocol

import (
	"sync"
	"time"
)

// Backup signals a checkpoint once the configured interval passed since the
// last one. It never takes checkpoints itself.
type Backup struct {
	interval time.Duration

	mu   sync.Mutex
	last time.Time
}

// NewBackup creates the timer protocol. A non-positive interval disables it.
func NewBackup(interval time.Duration, now time.Time) *Backup {
	return &Backup{interval: interval, last: now}
}

func (b *Backup) CheckCondition(now time.Time) bool {
	if b.interval <= 0 {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return now.Sub(b.last) >= b.interval
}

func (b *Backup) SetLastCheckpoint(t time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = t
}

func (b *Backup) LastCheckpoint() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

func (b *Backup) Interval() time.Duration {
	return b.interval
}
