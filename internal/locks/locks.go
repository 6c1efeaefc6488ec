// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package locks implements the controller's lock domain: four logical
// resources — config, job, node, partition — each lockable for read or
// write, acquired together in one call and always in the same global
// order to rule out deadlock.
package locks

import "sync"

// Mode is a requested access mode for one resource.
type Mode int

const (
	// None means the resource is not touched by this acquisition.
	None Mode = iota
	Read
	Write
)

// Set is a 4-tuple of modes, one per logical resource, in acquisition
// order: config, job, node, partition.
type Set struct {
	Config    Mode
	Job       Mode
	Node      Mode
	Partition Mode
}

// Domain holds the four resource locks and acquires/releases them in a
// fixed global order (config, job, node, partition) to prevent deadlock,
// releasing in the reverse order.
type Domain struct {
	config    sync.RWMutex
	job       sync.RWMutex
	node      sync.RWMutex
	partition sync.RWMutex
}

// NewDomain returns a ready-to-use LockDomain.
func NewDomain() *Domain {
	return &Domain{}
}

// Held represents an acquired lock set; call Release exactly once.
type Held struct {
	d   *Domain
	set Set
}

// Lock acquires the resources named in set, always in config/job/node/
// partition order, and returns a Held handle. Callers release with
// Held.Release, which unwinds in the reverse order.
func (d *Domain) Lock(set Set) *Held {
	lockOne(&d.config, set.Config)
	lockOne(&d.job, set.Job)
	lockOne(&d.node, set.Node)
	lockOne(&d.partition, set.Partition)
	return &Held{d: d, set: set}
}

// Release unwinds the lock set in reverse acquisition order.
func (h *Held) Release() {
	unlockOne(&h.d.partition, h.set.Partition)
	unlockOne(&h.d.node, h.set.Node)
	unlockOne(&h.d.job, h.set.Job)
	unlockOne(&h.d.config, h.set.Config)
}

func lockOne(mu *sync.RWMutex, mode Mode) {
	switch mode {
	case Read:
		mu.RLock()
	case Write:
		mu.Lock()
	}
}

func unlockOne(mu *sync.RWMutex, mode Mode) {
	switch mode {
	case Read:
		mu.RUnlock()
	case Write:
		mu.Unlock()
	}
}

// Common lock sets named for their call sites.

// AgentReplyApplication is {-, W, W, -}: the watchdog's reply-application
// phase.
func AgentReplyApplication() Set { return Set{Job: Write, Node: Write} }

// SelectorCommit is {R, W, W, R}: the Selector committing a placement.
func SelectorCommit() Set { return Set{Config: Read, Job: Write, Node: Write, Partition: Read} }

// SelectorTestOnly is {R, R, R, R}: the Selector in test_only mode.
func SelectorTestOnly() Set {
	return Set{Config: Read, Job: Read, Node: Read, Partition: Read}
}

// Ping is {-, -, W, -}: the liveness sweep mutating node state.
func Ping() Set { return Set{Node: Write} }

// KillCoordinator is {-, W, W, -}: the deallocate, re-kill, and epilog-
// completion paths, the same shape as AgentReplyApplication since both
// mutate job and node state together.
func KillCoordinator() Set { return Set{Job: Write, Node: Write} }
