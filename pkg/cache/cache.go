// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-qkd.
//
// go-qkd is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package cache holds unconsumed quantum key material.
//
// The cache is a fixed arena of entry slots indexed by KeyID. Raw keys are
// sealed in memguard enclaves the moment they are enqueued and are only
// opened once, by Consume, into a LockedBuffer owned by the caller. All
// state changes happen under a single mutex, which makes reservation
// atomic and exclusive.
package cache

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/awnumar/memguard"

	"github.com/jeremyhahn/go-qkd/pkg/ledger"
	"github.com/jeremyhahn/go-qkd/pkg/qkd"
)

var (
	// ErrEmpty is returned by TryReserve when no key is available.
	ErrEmpty = errors.New("cache: no available key")

	// ErrNotFound is returned by Reserve when the named key is not
	// Available: unknown, still Pending, or reserved by another caller.
	ErrNotFound = errors.New("cache: key not available")

	// ErrNotReserved is returned for unknown, stale or already used reservations.
	ErrNotReserved = errors.New("cache: key is not reserved by this handle")

	// ErrExpired is returned when a reservation expired before use.
	ErrExpired = fmt.Errorf("cache: %w", qkd.ErrExpired)

	// ErrKeyLength is reported for keys whose length differs from the configured size.
	ErrKeyLength = errors.New("cache: unexpected key length")

	// ErrDuplicateKeyID is reported for keys whose ID is already cached.
	ErrDuplicateKeyID = errors.New("cache: duplicate key id")

	// ErrKeyReuse is reported for keys whose ID was already consumed or expired.
	ErrKeyReuse = errors.New("cache: key id already spent")

	// ErrFull is reported when every slot holds a reservation.
	ErrFull = errors.New("cache: no evictable slot")
)

// Config configures a Cache.
type Config struct {
	// Capacity is the high-water mark: the maximum number of live entries.
	Capacity int

	// KeySize is the required raw key length in bytes.
	KeySize int

	// TTL is how long an entry may stay unconsumed after it was fetched.
	TTL time.Duration

	// LedgerSize bounds the spent-KeyID ledger.
	LedgerSize int

	// Spent replaces the in-memory spent-KeyID ledger, typically with a
	// persisted one from ledger.Open. LedgerSize is ignored when set.
	Spent *ledger.Tracker

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Reservation is the handle returned by TryReserve and Reserve. It is
// valid for one Consume or Release.
type Reservation struct {
	ID        qkd.KeyID
	Purpose   qkd.Purpose
	ExpiresAt time.Time
	token     uint64
}

// Rejection describes a key Enqueue refused.
type Rejection struct {
	ID  qkd.KeyID
	Err error
}

// EnqueueResult summarizes an Enqueue call.
type EnqueueResult struct {
	Accepted []qkd.KeyID
	Evicted  []qkd.KeyID
	Rejected []Rejection
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	Capacity  int    `json:"capacity"`
	Pending   int    `json:"pending"`
	Available int    `json:"available"`
	Reserved  int    `json:"reserved"`
	Consumed  uint64 `json:"consumed_total"`
	Expired   uint64 `json:"expired_total"`
	Evicted   uint64 `json:"evicted_total"`
	Rejected  uint64 `json:"rejected_total"`
}

// tombstone remembers a reservation that was swept or purged so its
// holder gets ErrExpired instead of ErrNotReserved.
type tombstone struct {
	token uint64
	at    time.Time
}

type entry struct {
	used       bool
	id         qkd.KeyID
	state      qkd.KeyState
	enclave    *memguard.Enclave
	acquiredAt time.Time
	expiresAt  time.Time
	seq        uint64
	token      uint64
	purpose    qkd.Purpose
}

// Cache is a bounded, thread-safe store of key entries.
type Cache struct {
	keySize int
	ttl     time.Duration
	now     func() time.Time

	mu         sync.Mutex
	slots      []entry
	index      map[qkd.KeyID]int
	free       []int
	tombstones map[qkd.KeyID]tombstone
	spent      *ledger.Tracker
	changed    chan struct{}
	seq        uint64
	tokens     uint64

	consumed uint64
	expired  uint64
	evicted  uint64
	rejected uint64
}

// New creates a cache with cfg.Capacity slots.
func New(cfg Config) (*Cache, error) {
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("%w: capacity must be positive", qkd.ErrInvalidArgument)
	}
	if cfg.KeySize <= 0 {
		return nil, fmt.Errorf("%w: key size must be positive", qkd.ErrInvalidArgument)
	}
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("%w: ttl must be positive", qkd.ErrInvalidArgument)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	free := make([]int, cfg.Capacity)
	for i := range free {
		// pop from the end hands out slot 0 first
		free[i] = cfg.Capacity - 1 - i
	}

	spent := cfg.Spent
	if spent == nil {
		spent = ledger.New(cfg.LedgerSize)
	}

	return &Cache{
		keySize:    cfg.KeySize,
		ttl:        cfg.TTL,
		now:        now,
		slots:      make([]entry, cfg.Capacity),
		index:      make(map[qkd.KeyID]int, cfg.Capacity),
		free:       free,
		tombstones: make(map[qkd.KeyID]tombstone),
		spent:      spent,
		changed:    make(chan struct{}),
	}, nil
}

// Capacity returns the maximum number of live entries.
func (c *Cache) Capacity() int {
	return len(c.slots)
}

// KeySize returns the required raw key length in bytes.
func (c *Cache) KeySize() int {
	return c.keySize
}

// Enqueue seals keys into the cache as Pending entries. The material of
// every key is wiped, whether it was accepted or not.
//
// When the cache is full the oldest Pending entry is evicted first, then
// the oldest Available one. Reserved entries are never evicted; keys that
// find no evictable slot are rejected with ErrFull.
func (c *Cache) Enqueue(keys []qkd.Key) EnqueueResult {
	var result EnqueueResult

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for i := range keys {
		k := &keys[i]

		if err := c.admitLocked(k); err != nil {
			k.Wipe()
			c.rejected++
			result.Rejected = append(result.Rejected, Rejection{ID: k.ID, Err: err})
			continue
		}

		slot, ok := c.allocateLocked(&result)
		if !ok {
			k.Wipe()
			c.rejected++
			result.Rejected = append(result.Rejected, Rejection{ID: k.ID, Err: ErrFull})
			continue
		}

		c.seq++
		c.slots[slot] = entry{
			used:       true,
			id:         k.ID,
			state:      qkd.StatePending,
			enclave:    memguard.NewEnclave(k.Material), // wipes k.Material
			acquiredAt: now,
			expiresAt:  now.Add(c.ttl),
			seq:        c.seq,
		}
		c.index[k.ID] = slot
		result.Accepted = append(result.Accepted, k.ID)
	}

	return result
}

func (c *Cache) admitLocked(k *qkd.Key) error {
	if k.ID == "" {
		return fmt.Errorf("%w: empty key id", qkd.ErrInvalidArgument)
	}
	if len(k.Material) != c.keySize {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrKeyLength, len(k.Material), c.keySize)
	}
	if _, exists := c.index[k.ID]; exists {
		return ErrDuplicateKeyID
	}
	if _, exists := c.tombstones[k.ID]; exists {
		return ErrKeyReuse
	}
	if c.spent.Contains(string(k.ID)) {
		return ErrKeyReuse
	}
	return nil
}

// allocateLocked returns a free slot, evicting if necessary.
func (c *Cache) allocateLocked(result *EnqueueResult) (int, bool) {
	if n := len(c.free); n > 0 {
		slot := c.free[n-1]
		c.free = c.free[:n-1]
		return slot, true
	}

	victim := c.oldestLocked(qkd.StatePending)
	if victim < 0 {
		victim = c.oldestLocked(qkd.StateAvailable)
	}
	if victim < 0 {
		return 0, false
	}

	result.Evicted = append(result.Evicted, c.slots[victim].id)
	c.evicted++
	c.retireLocked(victim)

	slot := c.free[len(c.free)-1]
	c.free = c.free[:len(c.free)-1]
	return slot, true
}

// oldestLocked returns the slot of the oldest entry in state, or -1.
func (c *Cache) oldestLocked(state qkd.KeyState) int {
	found := -1
	for i := range c.slots {
		e := &c.slots[i]
		if !e.used || e.state != state {
			continue
		}
		if found < 0 || e.seq < c.slots[found].seq {
			found = i
		}
	}
	return found
}

// retireLocked frees a slot and records its KeyID as spent.
func (c *Cache) retireLocked(slot int) {
	e := &c.slots[slot]
	_ = c.spent.Record(string(e.id))
	delete(c.index, e.id)
	*e = entry{}
	c.free = append(c.free, slot)
}

// Activate moves Pending entries to Available. Unknown or non-pending IDs
// are ignored. Returns the number of entries activated.
func (c *Cache) Activate(ids ...qkd.KeyID) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	activated := 0
	for _, id := range ids {
		slot, ok := c.index[id]
		if !ok {
			continue
		}
		e := &c.slots[slot]
		if e.state != qkd.StatePending || !now.Before(e.expiresAt) {
			continue
		}
		e.state = qkd.StateAvailable
		activated++
	}
	if activated > 0 {
		c.broadcastLocked()
	}
	return activated
}

// Pending returns the IDs of entries awaiting activation, oldest first.
func (c *Cache) Pending() []qkd.KeyID {
	c.mu.Lock()
	defer c.mu.Unlock()

	type pending struct {
		id  qkd.KeyID
		seq uint64
	}
	var list []pending
	for i := range c.slots {
		e := &c.slots[i]
		if e.used && e.state == qkd.StatePending {
			list = append(list, pending{e.id, e.seq})
		}
	}
	// insertion sort, the list is at most Capacity long
	for i := 1; i < len(list); i++ {
		for j := i; j > 0 && list[j].seq < list[j-1].seq; j-- {
			list[j], list[j-1] = list[j-1], list[j]
		}
	}
	ids := make([]qkd.KeyID, len(list))
	for i, p := range list {
		ids[i] = p.id
	}
	return ids
}

// TryReserve reserves the oldest Available entry for purpose. Entries
// found past their deadline are expired instead of returned.
func (c *Cache) TryReserve(purpose qkd.Purpose) (*Reservation, error) {
	if !purpose.Valid() {
		return nil, fmt.Errorf("%w: purpose %s", qkd.ErrInvalidArgument, purpose)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	found := -1
	for i := range c.slots {
		e := &c.slots[i]
		if !e.used || e.state != qkd.StateAvailable {
			continue
		}
		if !now.Before(e.expiresAt) {
			c.expired++
			c.retireLocked(i)
			continue
		}
		if found < 0 || e.seq < c.slots[found].seq {
			found = i
		}
	}
	if found < 0 {
		return nil, ErrEmpty
	}

	return c.reserveLocked(found, purpose), nil
}

// Reserve reserves the Available entry named id for purpose. Both SAEs of
// a link use it to consume the same agreed key.
//
// It returns ErrKeyReuse for an id that was already consumed, expired or
// evicted, ErrExpired for an entry found past its deadline and
// ErrNotFound while the entry is not (yet) Available.
func (c *Cache) Reserve(id qkd.KeyID, purpose qkd.Purpose) (*Reservation, error) {
	if !purpose.Valid() {
		return nil, fmt.Errorf("%w: purpose %s", qkd.ErrInvalidArgument, purpose)
	}
	if id == "" {
		return nil, fmt.Errorf("%w: empty key id", qkd.ErrInvalidArgument)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	slot, ok := c.index[id]
	if !ok {
		if _, swept := c.tombstones[id]; swept || c.spent.Contains(string(id)) {
			return nil, ErrKeyReuse
		}
		return nil, ErrNotFound
	}
	e := &c.slots[slot]
	if now := c.now(); !now.Before(e.expiresAt) {
		if e.state == qkd.StateReserved {
			c.tombstones[id] = tombstone{token: e.token, at: now}
		}
		c.expired++
		c.retireLocked(slot)
		return nil, ErrExpired
	}
	if e.state != qkd.StateAvailable {
		return nil, ErrNotFound
	}
	return c.reserveLocked(slot, purpose), nil
}

func (c *Cache) reserveLocked(slot int, purpose qkd.Purpose) *Reservation {
	c.tokens++
	e := &c.slots[slot]
	e.state = qkd.StateReserved
	e.token = c.tokens
	e.purpose = purpose

	return &Reservation{
		ID:        e.id,
		Purpose:   purpose,
		ExpiresAt: e.expiresAt,
		token:     e.token,
	}
}

// lookupLocked resolves a reservation to its slot. A reservation whose
// entry was swept reports ErrExpired exactly once.
func (c *Cache) lookupLocked(r *Reservation) (int, error) {
	if r == nil {
		return -1, ErrNotReserved
	}
	if ts, ok := c.tombstones[r.ID]; ok && ts.token == r.token {
		delete(c.tombstones, r.ID)
		return -1, ErrExpired
	}
	slot, ok := c.index[r.ID]
	if !ok {
		return -1, ErrNotReserved
	}
	e := &c.slots[slot]
	if e.state != qkd.StateReserved || e.token != r.token {
		return -1, ErrNotReserved
	}
	if !c.now().Before(e.expiresAt) {
		c.expired++
		c.retireLocked(slot)
		return -1, ErrExpired
	}
	return slot, nil
}

// Release returns an unused reservation to Available.
func (c *Cache) Release(r *Reservation) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	slot, err := c.lookupLocked(r)
	if err != nil {
		return err
	}

	e := &c.slots[slot]
	e.state = qkd.StateAvailable
	e.token = 0
	e.purpose = qkd.PurposeUnknown
	c.broadcastLocked()
	return nil
}

// Consume hands the raw key of a reservation to the caller exactly once.
// The entry leaves the cache and its KeyID is recorded as spent. The
// caller owns the returned buffer and must Destroy it.
func (c *Cache) Consume(r *Reservation) (*memguard.LockedBuffer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	slot, err := c.lookupLocked(r)
	if err != nil {
		return nil, err
	}

	enclave := c.slots[slot].enclave
	c.consumed++
	c.retireLocked(slot)

	buf, err := enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("cache: open key %s: %w", r.ID, err)
	}
	return buf, nil
}

// Sweep expires every Pending, Available or Reserved entry whose deadline
// is not after now. Holders of swept reservations get ErrExpired from
// their next Consume or Release, for up to one TTL; abandoned tombstones
// are dropped after that.
func (c *Cache) Sweep(now time.Time) []qkd.KeyID {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, ts := range c.tombstones {
		if now.Sub(ts.at) >= c.ttl {
			delete(c.tombstones, id)
		}
	}

	var swept []qkd.KeyID
	for i := range c.slots {
		e := &c.slots[i]
		if !e.used || now.Before(e.expiresAt) {
			continue
		}
		if !e.state.CanTransition(qkd.StateExpired) {
			continue
		}
		if e.state == qkd.StateReserved {
			c.tombstones[e.id] = tombstone{token: e.token, at: now}
		}
		swept = append(swept, e.id)
		c.expired++
		c.retireLocked(i)
	}
	return swept
}

// Purge drops every entry. Outstanding reservations report ErrExpired.
func (c *Cache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	purged := 0
	for i := range c.slots {
		e := &c.slots[i]
		if !e.used {
			continue
		}
		if e.state == qkd.StateReserved {
			c.tombstones[e.id] = tombstone{token: e.token, at: now}
		}
		c.retireLocked(i)
		purged++
	}
	return purged
}

// State returns the state of a live entry.
func (c *Cache) State(id qkd.KeyID) (qkd.KeyState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	slot, ok := c.index[id]
	if !ok {
		return 0, false
	}
	return c.slots[slot].state, true
}

// Spent reports whether id was consumed, expired or evicted.
func (c *Cache) Spent(id qkd.KeyID) bool {
	return c.spent.Contains(string(id))
}

// Level returns the number of Pending and Available entries.
func (c *Cache) Level() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	level := 0
	for i := range c.slots {
		e := &c.slots[i]
		if e.used && (e.state == qkd.StatePending || e.state == qkd.StateAvailable) {
			level++
		}
	}
	return level
}

// Stats returns counts per state and lifetime totals.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := Stats{
		Capacity: len(c.slots),
		Consumed: c.consumed,
		Expired:  c.expired,
		Evicted:  c.evicted,
		Rejected: c.rejected,
	}
	for i := range c.slots {
		e := &c.slots[i]
		if !e.used {
			continue
		}
		switch e.state {
		case qkd.StatePending:
			stats.Pending++
		case qkd.StateAvailable:
			stats.Available++
		case qkd.StateReserved:
			stats.Reserved++
		}
	}
	return stats
}

// Changed returns a channel that is closed the next time entries become
// Available. Call it again after it fires.
func (c *Cache) Changed() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changed
}

func (c *Cache) broadcastLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}
