package plcman

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"scanlogix/eip"
	"scanlogix/logix"
)

// fakePLC is an in-process EtherNet/IP responder: session handshake,
// routed and direct CIP requests, tag read/write against an in-memory
// table, and a fault injector that drops the connection mid-exchange.
type fakePLC struct {
	ln   net.Listener
	mu   sync.Mutex
	tags map[string]*fakeTag

	// failNext drops the connection instead of answering the next
	// SendRRData, simulating a transport fault mid-cycle.
	failNext atomic.Bool

	host string
	port uint16
}

type fakeTag struct {
	dataType uint16
	data     []byte
}

func newFakePLC(t *testing.T) *fakePLC {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	f := &fakePLC{
		ln:   ln,
		tags: make(map[string]*fakeTag),
	}
	h, p, _ := net.SplitHostPort(ln.Addr().String())
	pn, _ := strconv.Atoi(p)
	f.host, f.port = h, uint16(pn)

	t.Cleanup(func() { ln.Close() })
	go f.acceptLoop()
	return f
}

func (f *fakePLC) setTag(name string, dataType uint16, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tags[name] = &fakeTag{dataType: dataType, data: append([]byte(nil), data...)}
}

func (f *fakePLC) tagBytes(name string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tag, ok := f.tags[name]; ok {
		return append([]byte(nil), tag.data...)
	}
	return nil
}

func (f *fakePLC) acceptLoop() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.serve(conn)
	}
}

func (f *fakePLC) serve(conn net.Conn) {
	defer conn.Close()
	session := uint32(0xCAFE0001)

	for {
		header := make([]byte, eip.EncapHeaderSize)
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		msg, err := eip.ParseEncapHeader(header)
		if err != nil {
			return
		}
		payload := make([]byte, msg.Length)
		if _, err := io.ReadFull(conn, payload); err != nil {
			return
		}

		switch msg.Command {
		case eip.CmdListServices:
			resp := &eip.Encap{
				Command: eip.CmdListServices,
				Context: msg.Context,
				Data: eip.MarshalListServices([]eip.ServiceEntry{
					{Type: eip.CpfListServicesResponseID, Version: 1, Flags: 0x0120, Name: "Communications"},
				}),
			}
			_, _ = conn.Write(resp.Bytes())

		case eip.CmdRegisterSession:
			resp := &eip.Encap{
				Command:       eip.CmdRegisterSession,
				SessionHandle: session,
				Context:       msg.Context,
				Data:          payload,
			}
			_, _ = conn.Write(resp.Bytes())

		case eip.CmdUnRegisterSession:
			return

		case eip.CmdSendRRData:
			if f.failNext.Swap(false) {
				return // drop the connection mid-exchange
			}
			cdata, err := eip.ParseCommandData(payload)
			if err != nil {
				return
			}
			packet, err := eip.ParseCommonPacket(cdata.Packet)
			if err != nil {
				return
			}
			reqFrame, err := packet.UnconnectedData()
			if err != nil {
				return
			}

			respFrame := f.handleCIP(reqFrame)
			out := eip.CommandData{Packet: eip.UnconnectedRequest(respFrame).Bytes()}
			resp := &eip.Encap{
				Command:       eip.CmdSendRRData,
				SessionHandle: msg.SessionHandle,
				Context:       msg.Context,
				Data:          out.Bytes(),
			}
			_, _ = conn.Write(resp.Bytes())

		default:
			return
		}
	}
}

// handleCIP answers one MR request frame with an MR response frame.
func (f *fakePLC) handleCIP(frame []byte) []byte {
	if len(frame) < 2 {
		return []byte{0x00, 0x00, logix.StatusNotEnoughData, 0x00}
	}
	service := frame[0]
	pathLen := int(frame[1]) * 2
	if len(frame) < 2+pathLen {
		return []byte{service | 0x80, 0x00, logix.StatusNotEnoughData, 0x00}
	}
	path := frame[2 : 2+pathLen]
	data := frame[2+pathLen:]

	switch service {
	case logix.SvcUnconnectedSend:
		// [tick][ticks][size u16][inner]...; answer with the embedded
		// response directly, the way targets do on success.
		if len(data) < 4 {
			return []byte{service | 0x80, 0x00, logix.StatusNotEnoughData, 0x00}
		}
		innerSize := int(binary.LittleEndian.Uint16(data[2:4]))
		if len(data) < 4+innerSize {
			return []byte{service | 0x80, 0x00, logix.StatusNotEnoughData, 0x00}
		}
		return f.handleCIP(data[4 : 4+innerSize])

	case logix.SvcMultipleServicePacket:
		if len(data) < 2 {
			return []byte{service | 0x80, 0x00, logix.StatusNotEnoughData, 0x00}
		}
		count := int(binary.LittleEndian.Uint16(data[0:2]))
		if len(data) < 2+2*count {
			return []byte{service | 0x80, 0x00, logix.StatusNotEnoughData, 0x00}
		}
		offsets := make([]int, count)
		for i := 0; i < count; i++ {
			offsets[i] = int(binary.LittleEndian.Uint16(data[2+2*i:]))
		}
		var replies [][]byte
		for i := 0; i < count; i++ {
			end := len(data)
			if i < count-1 {
				end = offsets[i+1]
			}
			replies = append(replies, f.handleCIP(data[offsets[i]:end]))
		}
		// Rebuild: count, offsets, responses.
		out := binary.LittleEndian.AppendUint16(nil, uint16(count))
		off := 2 + 2*count
		for _, rep := range replies {
			out = binary.LittleEndian.AppendUint16(out, uint16(off))
			off += len(rep)
		}
		for _, rep := range replies {
			out = append(out, rep...)
		}
		return append([]byte{service | 0x80, 0x00, 0x00, 0x00}, out...)

	case logix.SvcReadTag:
		name := symbolicName(path)
		elements := 1
		if len(data) >= 2 {
			elements = int(binary.LittleEndian.Uint16(data[0:2]))
		}
		f.mu.Lock()
		tag, ok := f.tags[name]
		f.mu.Unlock()
		if !ok {
			// 0xFF with "tag not found" extended status.
			return []byte{service | 0x80, 0x00, logix.StatusGeneralError, 0x01, 0x04, 0x21}
		}
		size := logix.TypeSize(tag.dataType)
		n := elements * size
		if size == 0 || n > len(tag.data) {
			n = len(tag.data)
		}
		out := []byte{service | 0x80, 0x00, 0x00, 0x00}
		out = binary.LittleEndian.AppendUint16(out, tag.dataType)
		return append(out, tag.data[:n]...)

	case logix.SvcWriteTag:
		name := symbolicName(path)
		if len(data) < 4 {
			return []byte{service | 0x80, 0x00, logix.StatusNotEnoughData, 0x00}
		}
		dataType := binary.LittleEndian.Uint16(data[0:2])
		value := data[4:]
		f.mu.Lock()
		tag, ok := f.tags[name]
		if ok {
			if tag.dataType != dataType {
				f.mu.Unlock()
				return []byte{service | 0x80, 0x00, logix.StatusGeneralError, 0x01, 0x07, 0x21}
			}
			tag.data = append([]byte(nil), value...)
		}
		f.mu.Unlock()
		if !ok {
			return []byte{service | 0x80, 0x00, logix.StatusGeneralError, 0x01, 0x04, 0x21}
		}
		return []byte{service | 0x80, 0x00, 0x00, 0x00}

	case logix.SvcGetAttributeSingle:
		return f.handleGetAttribute(path)

	default:
		return []byte{service | 0x80, 0x00, logix.StatusServiceNotSupport, 0x00}
	}
}

func (f *fakePLC) handleGetAttribute(path []byte) []byte {
	// Expect 0x20 class, 0x24 instance, 0x30 attribute.
	if len(path) < 6 || path[0] != 0x20 || path[2] != 0x24 || path[4] != 0x30 {
		return []byte{logix.SvcGetAttributeSingle | 0x80, 0x00, logix.StatusPathUnknown, 0x00}
	}
	class, attr := path[1], path[5]
	if class != logix.ClassIdentity {
		return []byte{logix.SvcGetAttributeSingle | 0x80, 0x00, logix.StatusObjectNotExist, 0x00}
	}

	head := []byte{logix.SvcGetAttributeSingle | 0x80, 0x00, 0x00, 0x00}
	switch attr {
	case logix.IdentityAttrVendor:
		return append(head, 0x01, 0x00)
	case logix.IdentityAttrDeviceType:
		return append(head, 0x0E, 0x00)
	case logix.IdentityAttrRevision:
		return append(head, 0x14, 0x0B)
	case logix.IdentityAttrSerial:
		return append(head, 0x78, 0x56, 0x34, 0x12)
	case logix.IdentityAttrName:
		name := "fake 1756-L61"
		return append(append(head, byte(len(name))), name...)
	default:
		return []byte{logix.SvcGetAttributeSingle | 0x80, 0x00, logix.StatusAttrNotSupported, 0x00}
	}
}

// symbolicName reassembles the dotted tag string from an IOI path.
func symbolicName(path []byte) string {
	name := ""
	i := 0
	for i < len(path) {
		switch path[i] {
		case 0x91:
			if i+1 >= len(path) {
				return name
			}
			n := int(path[i+1])
			if i+2+n > len(path) {
				return name
			}
			if name != "" {
				name += "."
			}
			name += string(path[i+2 : i+2+n])
			i += 2 + n
			if n%2 != 0 {
				i++ // pad
			}
		case 0x28:
			name += fmt.Sprintf("[%d]", path[i+1])
			i += 2
		case 0x29:
			name += fmt.Sprintf("[%d]", binary.LittleEndian.Uint16(path[i+2:]))
			i += 4
		case 0x2A:
			name += fmt.Sprintf("[%d]", binary.LittleEndian.Uint32(path[i+2:]))
			i += 6
		default:
			return name
		}
	}
	return name
}
