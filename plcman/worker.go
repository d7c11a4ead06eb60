package plcman

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"scanlogix/eip"
	"scanlogix/logging"
	"scanlogix/logix"
)

// idleSleep is the worker nap when the PLC has no scan lists yet.
const idleSleep = 100 * time.Millisecond

// bundleItem is one slot of an in-flight multi-request.
type bundleItem struct {
	tag   *TagInfo
	write bool
	frame []byte
	resp  int // expected response frame size
}

// runWorker is the per-PLC scan loop. One long-lived goroutine per
// PLC; it exits only on context cancellation.
func (p *PLC) runWorker(ctx context.Context) {
	logging.DebugLog("scan", "%s: worker started", p.name)
	defer logging.DebugLog("scan", "%s: worker stopped", p.name)

	for {
		if ctx.Err() != nil {
			p.workerExit()
			return
		}

		p.mu.Lock()

		if !p.client.IsConnected() {
			if err := p.connectLocked(); err != nil {
				timeout := p.timeout
				p.mu.Unlock()
				logging.DebugError("scan", p.name+" connect", err)
				if !sleepCtx(ctx, timeout) {
					p.workerExit()
					return
				}
				continue
			}
			p.sizeTagsLocked()
		} else if p.needSizing {
			p.sizeTagsLocked()
		}

		now := time.Now()
		for _, sl := range p.lists {
			if !sl.enabled || len(sl.tags) == 0 || now.Before(sl.next) {
				continue
			}
			if err := p.scanListOnceLocked(sl, now); err != nil {
				// Transport or framing failure: count it, back off the
				// list, drop the session, and restart the outer loop.
				sl.errors++
				p.errors++
				sl.next = time.Now().Add(p.timeout)
				logging.DebugError("scan", fmt.Sprintf("%s list %v", p.name, sl.period), err)
				p.disconnectLocked("transfer failed")
				break
			}
		}

		next, have := p.nearestDueLocked()
		p.mu.Unlock()

		if !have {
			if !sleepCtx(ctx, idleSleep) {
				p.workerExit()
				return
			}
			continue
		}

		delay := time.Until(next)
		if delay <= 0 {
			// Already past due: the cycle ran long. Not under the PLC
			// mutex on purpose; the counter is atomic.
			p.slowScans.Add(1)
			continue
		}
		if !sleepCtx(ctx, delay) {
			p.workerExit()
			return
		}
	}
}

// workerExit clears the running flag and drops the session.
func (p *PLC) workerExit() {
	p.mu.Lock()
	p.running = false
	p.disconnectLocked("worker exit")
	p.mu.Unlock()
}

// sleepCtx sleeps or returns false on cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// connectLocked dials and registers the session, then probes the
// identity. Identity failure is a warning, never a session failure.
// Caller holds the PLC mutex.
func (p *PLC) connectLocked() error {
	if p.client == nil {
		p.client = eip.NewClientWithPort(p.host, p.port)
	}
	p.client.SetTimeout(p.timeout)
	if err := p.client.Connect(); err != nil {
		return err
	}

	id, err := logix.ProbeIdentity(p.client, p.route)
	if err != nil {
		logging.DebugLog("scan", "%s: identity probe incomplete: %v", p.name, err)
	}
	p.identity = id
	return nil
}

// sizeTagsLocked is the discovery pass: every tag without cached
// sizes gets one standalone wrapped read, recording the request and
// response frame sizes and priming the value buffer. Per-tag CIP
// failures leave that tag unsized; a transport failure aborts and the
// outer loop reconnects. Caller holds the PLC mutex.
func (p *PLC) sizeTagsLocked() {
	p.needSizing = false
	for _, sl := range p.lists {
		for _, t := range sl.tags {
			rReq, _, _, _ := t.Sizes()
			if rReq != 0 {
				continue
			}

			inner := logix.BuildReadRequest(t.path, t.Elements())
			frame, err := logix.Exchange(p.client, inner, p.route)
			if err != nil {
				var se *logix.StatusError
				if errors.As(err, &se) {
					// Routing-level rejection of this one tag.
					logging.DebugLog("scan", "%s: sizing %q rejected: %v", p.name, t.name, err)
					continue
				}
				logging.DebugError("scan", p.name+" sizing", err)
				p.disconnectLocked("sizing transfer failed")
				p.needSizing = true
				return
			}

			dataType, data, err := logix.ParseReadResponse(frame)
			if err != nil {
				// Tag does not resolve on the controller; keep it
				// unsized and let subscribers see valid_size == 0.
				logging.DebugLog("scan", "%s: sizing %q failed: %v", p.name, t.name, err)
				t.completeRead(0, nil, err)
				continue
			}

			t.setSizes(len(inner), len(frame))
			t.completeRead(dataType, data, nil)
			logging.DebugLog("scan", "%s: sized %q req=%d resp=%d", p.name, t.name, len(inner), len(frame))
		}
	}
}

// scanListOnceLocked runs one cycle of one due list: bundle, send,
// dispatch, advance. Only transport/framing failures return an error;
// per-tag CIP errors are dispatched to that tag. Caller holds the PLC
// mutex.
func (p *PLC) scanListOnceLocked(sl *ScanList, cycleStart time.Time) error {
	started := time.Now()

	pos := 0
	for pos < len(sl.tags) {
		bundle, consumed := p.planBundleLocked(sl.tags[pos:])
		pos += consumed
		if len(bundle) == 0 {
			continue
		}
		if err := p.transferBundleLocked(bundle); err != nil {
			return err
		}
	}

	elapsed := time.Since(started)
	sl.recordScan(elapsed, cycleStart)
	sl.next = cycleStart.Add(sl.period)
	return nil
}

// planBundleLocked walks tags from the front of the window, deciding
// read/write per tag under its mutex and latching the choice, until
// either the bundled request or response would exceed the transfer
// limit. Unsized tags are passed over. At least one tag is always
// taken so an oversized single tag cannot wedge the list. Returns the
// bundle and how many tags of the window were consumed.
func (p *PLC) planBundleLocked(window []*TagInfo) ([]bundleItem, int) {
	var bundle []bundleItem
	sumReq, sumResp := 0, 0
	// Envelope worst case: route words + possible pad byte.
	ucmmOverhead := logix.UnconnectedSendOverhead(len(p.route), 1)

	consumed := 0
	for _, t := range window {
		t.mu.Lock()

		if t.rReqSize == 0 {
			t.mu.Unlock()
			consumed++
			continue
		}

		write := false
		if t.writePending {
			if t.wReqSize > 0 && t.typeKnown && t.writeLen > 0 {
				write = true
			} else {
				// No observed type (or the controller refuses writes):
				// the write is suppressed and the cache invalidated so
				// subscribers notice.
				t.writePending = false
				t.validSize = 0
			}
		}

		var frame []byte
		var respSize int
		if write {
			dataType := binary.LittleEndian.Uint16(t.value)
			frame = logix.BuildWriteRequest(t.path, dataType, t.elements, t.value[2:2+t.writeLen])
			respSize = t.wRespSize
		} else {
			frame = logix.BuildReadRequest(t.path, t.elements)
			respSize = t.rRespSize
		}

		n := len(bundle) + 1
		reqUse := logix.MultiRequestOverhead(n) + sumReq + len(frame) + ucmmOverhead
		respUse := logix.MultiResponseOverhead(n) + sumResp + respSize + logix.UnconnectedResponseOverhead
		if len(bundle) > 0 && (reqUse > p.limit || respUse > p.limit) {
			// Does not fit this round; the latch stays untouched so a
			// pending write survives to the next bundle.
			t.mu.Unlock()
			break
		}

		if write {
			// write_pending -> writing_now handoff, latched for the
			// rest of the cycle under the tag mutex.
			t.writingNow = true
			t.writePending = false
		}
		t.mu.Unlock()

		bundle = append(bundle, bundleItem{tag: t, write: write, frame: frame, resp: respSize})
		sumReq += len(frame)
		sumResp += respSize
		consumed++
	}
	return bundle, consumed
}

// transferBundleLocked sends one bundle as Unconnected_Send around a
// Multiple Service Packet, splits the response, and dispatches every
// slot under its tag mutex. Caller holds the PLC mutex.
func (p *PLC) transferBundleLocked(bundle []bundleItem) error {
	frames := make([][]byte, len(bundle))
	for i, it := range bundle {
		frames[i] = it.frame
	}

	multi, err := logix.BuildMultiRequest(frames)
	if err != nil {
		return fmt.Errorf("transferBundle: %w", err)
	}

	reply, err := logix.Exchange(p.client, multi, p.route)
	if err != nil {
		return fmt.Errorf("transferBundle: %w", err)
	}

	items, err := logix.ParseMultiResponse(reply, len(bundle))
	if err != nil {
		return fmt.Errorf("transferBundle: %w", err)
	}

	for i, it := range bundle {
		if it.write {
			it.tag.completeWrite(logix.ParseWriteResponse(items[i]))
		} else {
			dataType, data, rerr := logix.ParseReadResponse(items[i])
			it.tag.completeRead(dataType, data, rerr)
		}
	}
	return nil
}

// nearestDueLocked returns the earliest next-due time over enabled,
// non-empty lists. Caller holds the PLC mutex.
func (p *PLC) nearestDueLocked() (time.Time, bool) {
	var next time.Time
	have := false
	for _, sl := range p.lists {
		if !sl.enabled || len(sl.tags) == 0 {
			continue
		}
		if !have || sl.next.Before(next) {
			next = sl.next
			have = true
		}
	}
	return next, have
}
