package server

import (
	"sync"
	"time"
)

// CounterResult is the outcome of a login admission check.
type CounterResult int

const (
	CounterOkay CounterResult = iota
	CounterPersonalFail
	CounterGlobalFail
)

// LoginCounter tracks active logins per user and in total. Admission
// verifies both the per-user cap carried by the user record and the global
// cap from the config snapshot. Exempt users bypass both.
//
// Every Start that returns CounterOkay must be paired with exactly one Stop
// during session teardown; the session's scoped teardown guard guarantees
// this.
type LoginCounter struct {
	mu        sync.Mutex
	byUser    map[UserID]int
	total     int
	globalCap func() int // 0 = unlimited
}

func newLoginCounter(globalCap func() int) *LoginCounter {
	return &LoginCounter{
		byUser:    make(map[UserID]int),
		globalCap: globalCap,
	}
}

// Start admits a login for uid. personalCap of 0 means unlimited logins for
// the user. Exempt users are counted but never refused.
func (c *LoginCounter) Start(uid UserID, personalCap int, exempt bool) CounterResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !exempt {
		if personalCap > 0 && c.byUser[uid] >= personalCap {
			return CounterPersonalFail
		}
		if g := c.globalCap(); g > 0 && c.total >= g {
			return CounterGlobalFail
		}
	}

	c.byUser[uid]++
	c.total++
	return CounterOkay
}

// Stop releases a login admitted by Start.
func (c *LoginCounter) Stop(uid UserID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n := c.byUser[uid]; n > 1 {
		c.byUser[uid] = n - 1
	} else {
		delete(c.byUser, uid)
	}
	c.total--
}

// Logins reports the number of active logins for uid.
func (c *LoginCounter) Logins(uid UserID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byUser[uid]
}

// Total reports the number of active logins across all users.
func (c *LoginCounter) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// TransferCounter is a gauge of simultaneous transfers in one direction.
// The cap is read from the config snapshot on every admission so a reload
// takes effect for new transfers without touching running ones.
type TransferCounter struct {
	mu        sync.Mutex
	count     int
	direction string
	max       func() int // 0 = unlimited
}

func newTransferCounter(direction string, max func() int) *TransferCounter {
	return &TransferCounter{direction: direction, max: max}
}

// Start admits a transfer or returns a TransferLimitError.
func (c *TransferCounter) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if max := c.max(); max > 0 && c.count >= max {
		return &TransferLimitError{Direction: c.direction}
	}
	c.count++
	return nil
}

// Stop releases a transfer admitted by Start.
func (c *TransferCounter) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count--
}

// Count reports the number of transfers in flight.
func (c *TransferCounter) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// speedSample is a cumulative (duration, bytes) measurement of one
// transfer, used to compute average rates.
type speedSample struct {
	duration time.Duration
	bytes    int64
}

// bytesPerSecond returns the average rate the sample represents.
func (s speedSample) bytesPerSecond() float64 {
	secs := s.duration.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(s.bytes) / secs
}

// SpeedCounter coordinates the transfers participating in named global
// limit classes. Each participant reports its latest sample after every
// chunk; the counter computes how long the participant must sleep for its
// class to stay under budget, assuming the budget is shared fairly between
// the class's active participants.
type SpeedCounter struct {
	mu      sync.Mutex
	classes map[string]map[uint64]speedSample
	limit   func(class string) int64 // bytes/sec budget, 0 = unlimited
}

func newSpeedCounter(limit func(class string) int64) *SpeedCounter {
	return &SpeedCounter{
		classes: make(map[string]map[uint64]speedSample),
		limit:   limit,
	}
}

// Update replaces the participant's sample in every listed class and
// returns the longest sleep any class requires to stay compliant.
func (c *SpeedCounter) Update(id uint64, sample speedSample, classes []string) time.Duration {
	if len(classes) == 0 {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var sleep time.Duration
	for _, class := range classes {
		members := c.classes[class]
		if members == nil {
			members = make(map[uint64]speedSample)
			c.classes[class] = members
		}
		members[id] = sample

		budget := c.limit(class)
		if budget <= 0 {
			continue
		}

		// Fair share of the class budget for this participant. The sleep is
		// the time the transfer should have taken at its share, minus the
		// time it actually took.
		share := float64(budget) / float64(len(members))
		required := time.Duration(float64(sample.bytes) / share * float64(time.Second))
		if s := required - sample.duration; s > sleep {
			sleep = s
		}
	}
	return sleep
}

// Clear removes the participant from every listed class. Called on scoped
// release when the transfer ends for any reason.
func (c *SpeedCounter) Clear(id uint64, classes []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, class := range classes {
		members := c.classes[class]
		delete(members, id)
		if len(members) == 0 {
			delete(c.classes, class)
		}
	}
}

// Participants reports how many transfers are active in a class.
func (c *SpeedCounter) Participants(class string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.classes[class])
}
