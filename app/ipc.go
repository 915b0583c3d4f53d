package app

import (
	"sync"
	"sync/atomic"

	"ember/sparkos/kernel"
)

// IPC driver: processes notify each other by table index.
const (
	IPCDriver = 3

	IPCCmdExists = 0
	// IPCCmdNotify queues a client notification on the process in slot arg0.
	IPCCmdNotify = 1
	// IPCCmdBroadcast notifies every other process.
	IPCCmdBroadcast = 2
	// IPCCmdNext pops the oldest delivered notification and returns the
	// sender's slot, or EAlready when there is none.
	IPCCmdNext = 3

	IPCSubscribeNotify = 0
)

const mailboxSlots = 8

// mailbox is a fixed ring of delivered notifications. The scheduler is the
// only producer and the owning process the only consumer.
type mailbox struct {
	head  atomic.Uint32
	tail  atomic.Uint32
	slots [mailboxSlots]kernel.IPCRequest
}

// trySend returns false if the mailbox is full.
func (mb *mailbox) trySend(req kernel.IPCRequest) bool {
	head, tail := mb.head.Load(), mb.tail.Load()
	if head-tail >= mailboxSlots {
		return false
	}
	mb.slots[head%mailboxSlots] = req
	mb.head.Store(head + 1)
	return true
}

// tryRecv returns false if the mailbox is empty.
func (mb *mailbox) tryRecv() (kernel.IPCRequest, bool) {
	tail, head := mb.tail.Load(), mb.head.Load()
	if tail == head {
		return kernel.IPCRequest{}, false
	}
	req := mb.slots[tail%mailboxSlots]
	mb.tail.Store(tail + 1)
	return req, true
}

func (mb *mailbox) len() int { return int(mb.head.Load() - mb.tail.Load()) }

// ipcSlot is the IPC state of the process in one table slot. It belongs to
// one incarnation and is replaced when the slot's process restarts.
type ipcSlot struct {
	id  kernel.ProcessID
	box mailbox
	cb  kernel.Callback
}

type ipcDriver struct {
	k *kernel.Kernel

	mu      sync.Mutex
	slots   map[int]*ipcSlot
	dropped int
}

func newIPCDriver(k *kernel.Kernel) *ipcDriver {
	d := &ipcDriver{k: k, slots: make(map[int]*ipcSlot)}
	k.SetIPCHandler(d.deliver)
	return d
}

// slot returns id's slot state, starting it fresh if it belonged to an
// earlier incarnation.
func (d *ipcDriver) slot(id kernel.ProcessID) *ipcSlot {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.slots[id.Index]
	if !ok || s.id != id {
		s = &ipcSlot{id: id}
		d.slots[id.Index] = s
	}
	return s
}

func (d *ipcDriver) Command(p *kernel.Process, cmd, arg0, arg1 uint32) kernel.ReturnCode {
	switch cmd {
	case IPCCmdExists:
		return kernel.Success
	case IPCCmdNotify:
		for _, q := range d.k.Processes() {
			if q.ID().Index == int(arg0) && q != p {
				return notify(p, q)
			}
		}
		return kernel.EInval
	case IPCCmdBroadcast:
		rc := kernel.Success
		for _, q := range d.k.Processes() {
			if q != p && q.IsActive() {
				if r := notify(p, q); r != kernel.Success {
					rc = r
				}
			}
		}
		return rc
	case IPCCmdNext:
		req, ok := d.slot(p.ID()).box.tryRecv()
		if !ok {
			return kernel.EAlready
		}
		return kernel.ReturnCode(req.Target.Index)
	default:
		return kernel.ENoSupport
	}
}

func notify(from, to *kernel.Process) kernel.ReturnCode {
	if !to.EnqueueTask(kernel.IPCRequest{Target: from.ID(), Kind: kernel.IPCClient}) {
		return kernel.EBusy
	}
	return kernel.Success
}

func (d *ipcDriver) Subscribe(p *kernel.Process, sub uint32, cb kernel.Callback) kernel.ReturnCode {
	if sub != IPCSubscribeNotify {
		return kernel.ENoSupport
	}
	s := d.slot(p.ID())
	d.mu.Lock()
	defer d.mu.Unlock()
	s.cb = cb
	return kernel.Success
}

func (d *ipcDriver) Allow(*kernel.Process, uint32, *kernel.AppSlice) kernel.ReturnCode {
	return kernel.ENoSupport
}

// deliver is the kernel's IPC handler: it files the notification in p's
// mailbox and schedules p's notify callback.
func (d *ipcDriver) deliver(p *kernel.Process, req kernel.IPCRequest) {
	s := d.slot(p.ID())
	if !s.box.trySend(req) {
		d.mu.Lock()
		d.dropped++
		d.mu.Unlock()
		return
	}
	d.mu.Lock()
	cb := s.cb
	d.mu.Unlock()
	cb.Schedule(p, uint32(req.Target.Index), uint32(req.Kind), 0)
}
