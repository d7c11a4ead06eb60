package plcman

import (
	"context"
	"fmt"
	"sync"
	"time"

	"scanlogix/eip"
	"scanlogix/logging"
)

// DefaultScanPeriod is used when a tag is added with period zero.
const DefaultScanPeriod = time.Second

// Options configure a Registry.
type Options struct {
	// DefaultPeriod for AddTag calls that pass zero. Defaults to
	// DefaultScanPeriod.
	DefaultPeriod time.Duration

	// Timeout bounds every socket operation per PLC. Defaults to the
	// session layer default.
	Timeout time.Duration

	// TransferLimit bounds one bundled transfer in bytes. Defaults to
	// DefaultTransferLimit.
	TransferLimit int

	// Port overrides the EtherNet/IP TCP port for all PLCs.
	Port uint16
}

// Registry is the process-wide set of scanned PLCs. PLCs are inserted
// and never removed; the registry mutex guards the list itself, each
// PLC guards its own structure.
type Registry struct {
	mu   sync.RWMutex
	plcs []*PLC
	opts Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an empty registry.
func New(opts Options) *Registry {
	if opts.DefaultPeriod <= 0 {
		opts.DefaultPeriod = DefaultScanPeriod
	}
	if opts.Timeout <= 0 {
		opts.Timeout = eip.DefaultTimeout
	}
	if opts.TransferLimit <= 0 {
		opts.TransferLimit = DefaultTransferLimit
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
	}
}

// DefinePLC inserts a PLC, or updates host and slot when the name is
// already defined.
func (r *Registry) DefinePLC(name, host string, slot byte) (*PLC, error) {
	if name == "" || host == "" {
		return nil, fmt.Errorf("DefinePLC: name and host are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.plcs {
		if p.Name() == name {
			p.setEndpoint(host, slot)
			return p, nil
		}
	}

	p := newPLC(name, host, r.opts.Port, slot, r.opts.Timeout, r.opts.TransferLimit)
	r.plcs = append(r.plcs, p)
	logging.DebugLog("scan", "defined PLC %q at %s slot %d", name, host, slot)
	return p, nil
}

// FindPLC returns the PLC with the given name, or nil.
func (r *Registry) FindPLC(name string) *PLC {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.plcs {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// PLCs returns the registered PLCs in definition order.
func (r *Registry) PLCs() []*PLC {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*PLC(nil), r.plcs...)
}

// AddTag subscribes a tag on a PLC at the given period. A period of
// zero uses the registry default. Re-adding an existing tag raises
// its element count and migrates it to the faster list.
func (r *Registry) AddTag(p *PLC, period time.Duration, tag string, elements uint16) (*TagInfo, error) {
	if p == nil {
		return nil, fmt.Errorf("AddTag: nil PLC")
	}
	if period <= 0 {
		period = r.opts.DefaultPeriod
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addTagLocked(period, tag, elements)
}

// AddCallback subscribes fn to tag updates. The same fn+arg pair is
// registered once.
func (r *Registry) AddCallback(t *TagInfo, fn Callback, arg interface{}) {
	if t == nil {
		return
	}
	t.addCallback(fn, arg)
}

// RemoveCallback removes a subscriber by fn+arg identity. Subscribers
// must remove themselves before their argument's storage goes away.
func (r *Registry) RemoveCallback(t *TagInfo, fn Callback, arg interface{}) {
	if t == nil {
		return
	}
	t.removeCallback(fn, arg)
}

// Start launches scan workers for every defined PLC. Idempotent.
func (r *Registry) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.plcs {
		r.startWorkerLocked(p)
	}
}

// startWorkerLocked launches a PLC's worker unless already running.
// Caller holds the registry mutex.
func (r *Registry) startWorkerLocked(p *PLC) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		p.runWorker(r.ctx)
	}()
}

// Restart drops the named PLC's session (forcing a reconnect and
// re-discovery) and makes sure its worker is running. With an empty
// name every PLC restarts.
func (r *Registry) Restart(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	found := false
	for _, p := range r.plcs {
		if name != "" && p.Name() != name {
			continue
		}
		found = true
		p.mu.Lock()
		p.disconnectLocked("restart requested")
		p.needSizing = true
		p.mu.Unlock()
		r.startWorkerLocked(p)
	}
	if !found {
		return fmt.Errorf("Restart: no PLC named %q", name)
	}
	return nil
}

// WriteTag stages a value write on a registered tag; the scan worker
// carries it out on the next bundling of the tag's list.
func (r *Registry) WriteTag(plcName, tagName string, value interface{}) error {
	p := r.FindPLC(plcName)
	if p == nil {
		return fmt.Errorf("WriteTag: no PLC named %q", plcName)
	}
	t := p.FindTag(tagName)
	if t == nil {
		return fmt.Errorf("WriteTag: no tag %q on PLC %q", tagName, plcName)
	}
	return t.WriteValue(value)
}

// ResetStatistics clears every counter and re-arms all schedules.
func (r *Registry) ResetStatistics() {
	now := time.Now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.plcs {
		p.mu.Lock()
		p.errors = 0
		p.slowScans.Store(0)
		for _, sl := range p.lists {
			sl.resetStats(now)
		}
		p.mu.Unlock()
	}
}

// Status snapshots every PLC.
func (r *Registry) Status() []PLCStatus {
	r.mu.RLock()
	plcs := append([]*PLC(nil), r.plcs...)
	r.mu.RUnlock()

	out := make([]PLCStatus, 0, len(plcs))
	for _, p := range plcs {
		out = append(out, p.Status())
	}
	return out
}

// Shutdown stops every worker and waits for them to exit. The
// registry stays usable for reads but workers are gone for good.
func (r *Registry) Shutdown() {
	r.cancel()
	r.wg.Wait()

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.plcs {
		p.mu.Lock()
		p.disconnectLocked("shutdown")
		p.mu.Unlock()
	}
}
