package eip

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"scanlogix/logging"
)

// DefaultPort is the registered EtherNet/IP TCP port (0xAF12).
const DefaultPort uint16 = 44818

// DefaultTimeout bounds every socket operation unless overridden.
const DefaultTimeout = 5 * time.Second

// maxEncapPayload rejects nonsense length fields before allocating.
const maxEncapPayload = 65511

// Client is one EtherNet/IP session: the TCP connection, the session
// handle granted by RegisterSession, and the receive buffer. All
// transactions are serialized on the client mutex; the session layer
// is strictly request/response.
type Client struct {
	host    string
	port    uint16
	conn    net.Conn
	session uint32
	timeout time.Duration
	rx      rxBuffer
	mu      sync.Mutex
}

// NewClient returns an unconnected client for the default port.
func NewClient(host string) *Client {
	return NewClientWithPort(host, DefaultPort)
}

// NewClientWithPort returns an unconnected client for a custom port.
func NewClientWithPort(host string, port uint16) *Client {
	if port == 0 {
		port = DefaultPort
	}
	return &Client{
		host:    host,
		port:    port,
		timeout: DefaultTimeout,
	}
}

// Host returns the configured target host.
func (e *Client) Host() string {
	if e == nil {
		return ""
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.host
}

// Timeout returns the configured per-operation timeout.
func (e *Client) Timeout() time.Duration {
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.timeout
}

// SetTimeout changes the per-operation timeout.
func (e *Client) SetTimeout(dur time.Duration) {
	if e == nil || dur <= 0 {
		return
	}
	e.mu.Lock()
	e.timeout = dur
	e.mu.Unlock()
}

// Session returns the current session handle; zero means no session.
func (e *Client) Session() uint32 {
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

// IsConnected reports whether a registered session is up.
func (e *Client) IsConnected() bool {
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn != nil && e.session != 0
}

// Connect dials the target, verifies CIP encapsulation support via
// ListServices, and registers a session. A name that does not resolve
// is reported as ErrResolve without a socket; a dial failure or
// timeout as ErrConnect; a target without CIP PDU support or a failed
// RegisterSession as ErrHandshake.
func (e *Client) Connect() error {
	if e == nil {
		return fmt.Errorf("Connect: nil client")
	}

	e.mu.Lock()
	connString := net.JoinHostPort(e.host, strconv.Itoa(int(e.port)))
	timeout := e.timeout
	e.mu.Unlock()

	logging.DebugConnect("eip", connString)

	d := net.Dialer{Timeout: timeout}
	conn, err := d.Dial("tcp", connString)
	if err != nil {
		logging.DebugConnectError("eip", connString, err)
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			return fmt.Errorf("Connect %s: %w: %v", connString, ErrResolve, err)
		}
		return fmt.Errorf("Connect %s: %w: %v", connString, ErrConnect, err)
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(30 * time.Second)
	}

	e.mu.Lock()
	oldConn := e.conn
	oldSession := e.session
	e.conn = conn
	e.session = 0

	if err := e.checkServices(); err != nil {
		e.conn = oldConn
		e.session = oldSession
		e.mu.Unlock()
		_ = conn.Close()
		logging.DebugError("eip", "ListServices", err)
		return fmt.Errorf("Connect %s: %w", connString, err)
	}

	session, err := e.registerSession()
	if err != nil {
		e.conn = oldConn
		e.session = oldSession
		e.mu.Unlock()
		_ = conn.Close()
		logging.DebugError("eip", "RegisterSession", err)
		return fmt.Errorf("Connect %s: %w", connString, err)
	}
	e.session = session
	e.mu.Unlock()

	logging.DebugConnectSuccess("eip", connString, fmt.Sprintf("session=0x%08X", session))

	// A stale previous connection is replaced, not leaked.
	if oldConn != nil {
		_ = oldConn.Close()
	}
	return nil
}

// Disconnect unregisters the session best-effort and closes the
// socket. Safe to call repeatedly.
func (e *Client) Disconnect() error {
	if e == nil {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn == nil {
		e.session = 0
		return nil
	}

	logging.DebugDisconnect("eip", e.host, "client disconnect requested")

	if e.session != 0 {
		return e.unRegisterSession()
	}

	err := e.conn.Close()
	e.conn = nil
	return err
}

// checkServices sends ListServices and fails unless some entry
// advertises CIP PDU encapsulation. Caller holds the mutex.
func (e *Client) checkServices() error {
	resp, err := e.transactEncap(&Encap{
		Command: CmdListServices,
		Context: senderContext,
	})
	if err != nil {
		return fmt.Errorf("ListServices: %w", err)
	}
	if resp.Status != StatusOK {
		return fmt.Errorf("ListServices: %w: encapsulation %s", ErrHandshake, StatusName(resp.Status))
	}

	entries, err := ParseListServices(resp.Data)
	if err != nil {
		return fmt.Errorf("ListServices: %w: %v", ErrProtocol, err)
	}
	for _, entry := range entries {
		if entry.SupportsCIP() {
			logging.DebugLog("eip", "ListServices: %q version %d flags 0x%04X", entry.Name, entry.Version, entry.Flags)
			return nil
		}
	}
	return fmt.Errorf("ListServices: %w: target reports no CIP PDU encapsulation support", ErrHandshake)
}

// registerSession obtains a session handle. Caller holds the mutex.
func (e *Client) registerSession() (uint32, error) {
	if e.conn == nil {
		return 0, fmt.Errorf("RegisterSession: %w: not connected", ErrTransport)
	}

	resp, err := e.transactEncap(&Encap{
		Command: CmdRegisterSession,
		Context: senderContext,
		Data:    RegisterSessionData(),
	})
	if err != nil {
		return 0, fmt.Errorf("RegisterSession: %w", err)
	}
	if resp.Status != StatusOK {
		return 0, fmt.Errorf("RegisterSession: %w: encapsulation %s", ErrHandshake, StatusName(resp.Status))
	}
	if resp.SessionHandle == 0 {
		return 0, fmt.Errorf("RegisterSession: %w: got session handle 0", ErrHandshake)
	}
	return resp.SessionHandle, nil
}

// unRegisterSession sends the best-effort UnRegisterSession and closes
// the socket. Caller holds the mutex.
func (e *Client) unRegisterSession() error {
	if e.conn == nil {
		e.session = 0
		return nil
	}

	msg := &Encap{
		Command:       CmdUnRegisterSession,
		SessionHandle: e.session,
		Context:       senderContext,
	}

	_ = e.conn.SetWriteDeadline(time.Now().Add(e.timeout))
	err := e.sendEncap(msg)

	e.session = 0
	_ = e.conn.Close()
	e.conn = nil
	return err
}

// SendRRData performs one unconnected request/response transaction.
// Requires a registered session.
func (e *Client) SendRRData(packet *CommonPacket) (*CommonPacket, error) {
	if e == nil {
		return nil, fmt.Errorf("SendRRData: nil client")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn == nil {
		return nil, fmt.Errorf("SendRRData: %w: not connected", ErrTransport)
	}
	if e.session == 0 {
		return nil, fmt.Errorf("SendRRData: %w: session handle is 0 (RegisterSession missing)", ErrTransport)
	}

	cmd := CommandData{Packet: packet.Bytes()}
	resp, err := e.transactEncap(&Encap{
		Command:       CmdSendRRData,
		SessionHandle: e.session,
		Context:       senderContext,
		Data:          cmd.Bytes(),
	})
	if err != nil {
		return nil, fmt.Errorf("SendRRData: %w", err)
	}
	if resp.Status != StatusOK {
		return nil, fmt.Errorf("SendRRData: %w: encapsulation %s", ErrProtocol, StatusName(resp.Status))
	}

	cdata, err := ParseCommandData(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("SendRRData: %w: %v", ErrProtocol, err)
	}
	cpacket, err := ParseCommonPacket(cdata.Packet)
	if err != nil {
		return nil, fmt.Errorf("SendRRData: %w: %v", ErrProtocol, err)
	}
	return cpacket, nil
}

// Nop sends the encapsulation no-op. The target never replies; this
// just validates the socket still accepts writes.
func (e *Client) Nop() error {
	if e == nil {
		return fmt.Errorf("Nop: nil client")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn == nil {
		return fmt.Errorf("Nop: %w: not connected", ErrTransport)
	}

	_ = e.conn.SetWriteDeadline(time.Now().Add(e.timeout))
	defer e.conn.SetWriteDeadline(time.Time{})

	if err := e.sendEncap(&Encap{Command: CmdNop, SessionHandle: e.session, Context: senderContext}); err != nil {
		return fmt.Errorf("Nop: %w", err)
	}
	return nil
}

// transactEncap sends one message and reads one reply under the
// per-operation deadlines. Caller holds the mutex.
func (e *Client) transactEncap(msg *Encap) (*Encap, error) {
	if e.conn == nil {
		return nil, fmt.Errorf("transactEncap: %w: not connected", ErrTransport)
	}

	_ = e.conn.SetWriteDeadline(time.Now().Add(e.timeout))
	defer e.conn.SetWriteDeadline(time.Time{})
	if err := e.sendEncap(msg); err != nil {
		return nil, err
	}

	_ = e.conn.SetReadDeadline(time.Now().Add(e.timeout))
	defer e.conn.SetReadDeadline(time.Time{})
	return e.recvEncap()
}

// sendEncap writes one full frame; a short write is a transport
// failure. Caller holds the mutex.
func (e *Client) sendEncap(msg *Encap) error {
	data := msg.Bytes()
	logging.DebugTX("eip", data)
	n, err := e.conn.Write(data)
	if err != nil {
		logging.DebugError("eip", "sendEncap write", err)
		return fmt.Errorf("sendEncap: %w: %v", ErrTransport, err)
	}
	if n != len(data) {
		return fmt.Errorf("sendEncap: %w: short write %d of %d bytes", ErrTransport, n, len(data))
	}
	return nil
}

// recvEncap reads one frame into the growable receive buffer: header
// first, then the payload the length field promises. A partial frame
// is discarded on any error. Caller holds the mutex.
func (e *Client) recvEncap() (*Encap, error) {
	header := e.rx.ensure(EncapHeaderSize)
	if _, err := io.ReadFull(e.conn, header); err != nil {
		logging.DebugError("eip", "recvEncap read header", err)
		return nil, fmt.Errorf("recvEncap: %w: reading header: %v", ErrTransport, err)
	}

	msg, err := ParseEncapHeader(header)
	if err != nil {
		return nil, fmt.Errorf("recvEncap: %w: %v", ErrProtocol, err)
	}

	if msg.Length > maxEncapPayload {
		logging.DebugLog("eip", "RX excessive payload length: %d", msg.Length)
		return nil, fmt.Errorf("recvEncap: %w: excessive payload length %d", ErrProtocol, msg.Length)
	}

	// Session 0 in a response is valid (pre-registration commands);
	// otherwise the handle must echo ours.
	if msg.SessionHandle != 0 && e.session != 0 && msg.SessionHandle != e.session {
		logging.DebugLog("eip", "RX session mismatch: expected 0x%08X, got 0x%08X", e.session, msg.SessionHandle)
		return nil, fmt.Errorf("recvEncap: %w: session mismatch: want 0x%08X, got 0x%08X", ErrProtocol, e.session, msg.SessionHandle)
	}

	frame := e.rx.ensure(EncapHeaderSize + int(msg.Length))
	if _, err := io.ReadFull(e.conn, frame[EncapHeaderSize:]); err != nil {
		logging.DebugError("eip", "recvEncap read payload", err)
		return nil, fmt.Errorf("recvEncap: %w: reading payload: %v", ErrTransport, err)
	}

	logging.DebugRX("eip", frame)

	// Copy out: the rx buffer is reused by the next transaction.
	msg.Data = append([]byte(nil), frame[EncapHeaderSize:]...)
	return msg, nil
}
