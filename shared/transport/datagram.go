// Package transport implements the datagram transport shared by the
// Callifornia client and server: fragmentation/reassembly of messages larger
// than one UDP payload, de-duplication by endpoint+packet-id, and the
// independent ping stream used for connectivity detection (see
// transport/ping.go).
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"callifornia/shared/protocol"
)

// Wire limits (§4.1).
const (
	headerSize     = 18
	maxUDPPayload  = 1500
	MaxChunkSize   = 1300 // conservative fragment size, well clear of typical path MTU
	maxPerEndpoint = 8    // reassembly records kept per remote endpoint
	recordTTL      = 3 * time.Second
)

// Message is one reassembled (or pre-fragmentation) application payload.
// Endpoint is the remote address in net.UDPAddr.String() form, used as the
// map key throughout shared/transport.
type Message struct {
	Endpoint string
	Type     protocol.PacketType
	Data     []byte
}

// Endpoint returns the map key for a *net.UDPAddr.
func Endpoint(addr *net.UDPAddr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}

// ErrorKind classifies a transport-level failure for the owning module.
type ErrorKind int

const (
	ErrShuttingDown ErrorKind = iota
	ErrNetworkTransient
	ErrFatal
)

func classify(err error) ErrorKind {
	if errors.Is(err, net.ErrClosed) {
		return ErrShuttingDown
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrNetworkTransient
	}
	return ErrFatal
}

// pendingReassembly accumulates fragments of one (endpoint, packet_id) message.
type pendingReassembly struct {
	totalChunks  uint16
	pktType      protocol.PacketType
	chunks       [][]byte
	receivedCount int
	lastUpdate   time.Time
}

func (p *pendingReassembly) reset(total uint16, typ protocol.PacketType) {
	p.totalChunks = total
	p.pktType = typ
	p.chunks = make([][]byte, total)
	p.receivedCount = 0
}

// endpointTable is the bounded, time-pruned reassembly table for one remote
// endpoint (§4.1, §9 "reassembly guard against spoofed packet ids").
type endpointTable struct {
	mu      sync.Mutex
	records map[uint64]*pendingReassembly
}

func newEndpointTable() *endpointTable {
	return &endpointTable{records: make(map[uint64]*pendingReassembly)}
}

// Conn wraps a UDP socket with fragmentation, reassembly, de-duplication and
// a delivery queue consumed by the application.
type Conn struct {
	pc       net.PacketConn
	delivery chan Message

	onPing  func(endpoint string)
	onPong  func(endpoint string)
	onError func(ErrorKind, error)

	tablesMu sync.Mutex
	tables   map[string]*endpointTable

	limitersMu   sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultLimit rate.Limit
	defaultBurst int

	packetIDs atomic.Uint64

	sendMu sync.Mutex // serializes chunk writes of one message (best-effort ordering)

	closed atomic.Bool
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Options configures a Conn.
type Options struct {
	// DeliveryQueueSize bounds the assembled-message channel.
	DeliveryQueueSize int
	// OnPing/OnPong are invoked directly from the receive loop, bypassing
	// reassembly, for packet_type PING/PONG (type 0/1).
	OnPing, OnPong func(endpoint string)
	// OnError reports fatal/network errors; receiving continues regardless.
	OnError func(ErrorKind, error)
	// RateLimit and RateBurst bound inbound datagrams accepted per endpoint
	// before reassembly (SPEC_FULL §4.1). Zero disables the limiter.
	RateLimit rate.Limit
	RateBurst int
}

// NewConn wraps an already-bound net.PacketConn (typically *net.UDPConn).
func NewConn(pc net.PacketConn, opts Options) *Conn {
	if opts.DeliveryQueueSize <= 0 {
		opts.DeliveryQueueSize = 256
	}
	c := &Conn{
		pc:       pc,
		delivery: make(chan Message, opts.DeliveryQueueSize),
		onPing:   opts.OnPing,
		onPong:   opts.OnPong,
		onError:  opts.OnError,
		tables:   make(map[string]*endpointTable),
		limiters: make(map[string]*rate.Limiter),
		stopCh:   make(chan struct{}),
	}
	c.defaultLimit = opts.RateLimit
	c.defaultBurst = opts.RateBurst
	c.wg.Add(1)
	go c.receiveLoop()
	return c
}

// Delivery returns the channel of fully-reassembled application messages.
func (c *Conn) Delivery() <-chan Message { return c.delivery }

// Stop cancels pending I/O and joins the receive loop, within a bounded time.
func (c *Conn) Stop() {
	if c.closed.Swap(true) {
		return
	}
	close(c.stopCh)
	_ = c.pc.Close()
	done := make(chan struct{})
	go func() { c.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
	}
}

func (c *Conn) receiveLoop() {
	defer c.wg.Done()
	buf := make([]byte, maxUDPPayload)
	for {
		n, addr, err := c.pc.ReadFrom(buf)
		if err != nil {
			select {
			case <-c.stopCh:
				return
			default:
			}
			kind := classify(err)
			if c.onError != nil {
				c.onError(kind, err)
			}
			if kind == ErrShuttingDown {
				return
			}
			continue
		}
		if n < headerSize {
			continue
		}
		endpoint := addr.String()
		if c.limited(endpoint) {
			continue
		}
		c.handleDatagram(endpoint, append([]byte(nil), buf[:n]...))
	}
}

func (c *Conn) limited(endpoint string) bool {
	if c.defaultLimit <= 0 {
		return false
	}
	c.limitersMu.Lock()
	lim, ok := c.limiters[endpoint]
	if !ok {
		lim = rate.NewLimiter(c.defaultLimit, c.defaultBurst)
		c.limiters[endpoint] = lim
	}
	c.limitersMu.Unlock()
	return !lim.Allow()
}

func (c *Conn) handleDatagram(endpoint string, data []byte) {
	packetID := binary.BigEndian.Uint64(data[0:8])
	chunkIndex := binary.BigEndian.Uint16(data[8:10])
	totalChunks := binary.BigEndian.Uint16(data[10:12])
	payloadLen := binary.BigEndian.Uint16(data[12:14])
	pktType := protocol.PacketType(binary.BigEndian.Uint32(data[14:18]))

	if int(payloadLen) > len(data)-headerSize {
		return // malformed, drop
	}
	payload := data[headerSize : headerSize+int(payloadLen)]

	if pktType == protocol.TypePing {
		if c.onPing != nil {
			c.onPing(endpoint)
		}
		return
	}
	if pktType == protocol.TypePong {
		if c.onPong != nil {
			c.onPong(endpoint)
		}
		return
	}

	table := c.tableFor(endpoint)
	assembled, typ, ok := table.addChunk(packetID, chunkIndex, totalChunks, pktType, payload)
	if !ok {
		return
	}
	select {
	case c.delivery <- Message{Endpoint: endpoint, Type: typ, Data: assembled}:
	default:
		slog.Warn("transport: delivery queue full, dropping message", "endpoint", endpoint, "type", typ)
	}
}

func (c *Conn) tableFor(endpoint string) *endpointTable {
	c.tablesMu.Lock()
	defer c.tablesMu.Unlock()
	t, ok := c.tables[endpoint]
	if !ok {
		t = newEndpointTable()
		c.tables[endpoint] = t
	}
	return t
}

// addChunk folds one fragment into the table, pruning stale records and
// evicting the oldest-by-last-update entry once the per-endpoint cap is hit.
// Returns the assembled payload once all chunks have arrived.
func (t *endpointTable) addChunk(packetID uint64, chunkIndex, totalChunks uint16, typ protocol.PacketType, payload []byte) ([]byte, protocol.PacketType, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	t.pruneLocked(now)

	rec, ok := t.records[packetID]
	if !ok {
		if len(t.records) >= maxPerEndpoint {
			t.evictOldestLocked()
		}
		rec = &pendingReassembly{}
		rec.reset(totalChunks, typ)
		t.records[packetID] = rec
	} else if rec.totalChunks != totalChunks || rec.pktType != typ {
		// Sender restart or packet-id reuse: reset instead of corrupting state.
		rec.reset(totalChunks, typ)
	}

	if int(chunkIndex) >= len(rec.chunks) {
		return nil, 0, false
	}
	if rec.chunks[chunkIndex] == nil {
		rec.chunks[chunkIndex] = append([]byte(nil), payload...)
		rec.receivedCount++
	}
	rec.lastUpdate = now

	if rec.receivedCount != int(rec.totalChunks) {
		return nil, 0, false
	}

	total := 0
	for _, ch := range rec.chunks {
		total += len(ch)
	}
	out := make([]byte, 0, total)
	for _, ch := range rec.chunks {
		out = append(out, ch...)
	}
	delete(t.records, packetID)
	return out, rec.pktType, true
}

func (t *endpointTable) pruneLocked(now time.Time) {
	for id, rec := range t.records {
		if now.Sub(rec.lastUpdate) > recordTTL {
			delete(t.records, id)
		}
	}
}

func (t *endpointTable) evictOldestLocked() {
	var oldestID uint64
	var oldestTime time.Time
	first := true
	for id, rec := range t.records {
		if first || rec.lastUpdate.Before(oldestTime) {
			oldestID = id
			oldestTime = rec.lastUpdate
			first = false
		}
	}
	if !first {
		delete(t.records, oldestID)
	}
}

// Send fragments data into chunks of at most MaxChunkSize bytes and writes
// them as individual datagrams to addr. Sends are serialized so the receiver
// sees this message's chunks contiguously on the wire (best-effort only —
// the receiver tolerates interleaving regardless, per §4.1).
func (c *Conn) Send(addr net.Addr, typ protocol.PacketType, data []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	packetID := c.packetIDs.Add(1)
	total := chunkCount(len(data))

	for i := uint16(0); i < total; i++ {
		start := int(i) * MaxChunkSize
		end := start + MaxChunkSize
		if end > len(data) {
			end = len(data)
		}
		frame := encodeFrame(packetID, i, total, typ, data[start:end])
		if _, err := c.pc.WriteTo(frame, addr); err != nil {
			return fmt.Errorf("transport: send chunk %d/%d: %w", i+1, total, err)
		}
	}
	return nil
}

// SendPing/SendPong write a bare header-only datagram on the ping channel,
// bypassing fragmentation entirely (§9 "ping on ping channel").
func (c *Conn) SendPing(addr net.Addr) error { return c.sendControl(addr, protocol.TypePing) }
func (c *Conn) SendPong(addr net.Addr) error { return c.sendControl(addr, protocol.TypePong) }

func (c *Conn) sendControl(addr net.Addr, typ protocol.PacketType) error {
	frame := encodeFrame(c.packetIDs.Add(1), 0, 1, typ, nil)
	_, err := c.pc.WriteTo(frame, addr)
	return err
}

// SetRateLimit overrides the per-endpoint inbound rate limiter, replacing
// whatever limiter (default or previously set) applied to endpoint.
func (c *Conn) SetRateLimit(endpoint string, limit rate.Limit, burst int) {
	c.limitersMu.Lock()
	defer c.limitersMu.Unlock()
	c.limiters[endpoint] = rate.NewLimiter(limit, burst)
}

func chunkCount(n int) uint16 {
	if n == 0 {
		return 1
	}
	return uint16((n + MaxChunkSize - 1) / MaxChunkSize)
}

func encodeFrame(packetID uint64, chunkIndex, totalChunks uint16, typ protocol.PacketType, payload []byte) []byte {
	frame := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint64(frame[0:8], packetID)
	binary.BigEndian.PutUint16(frame[8:10], chunkIndex)
	binary.BigEndian.PutUint16(frame[10:12], totalChunks)
	binary.BigEndian.PutUint16(frame[12:14], uint16(len(payload)))
	binary.BigEndian.PutUint32(frame[14:18], uint32(typ))
	copy(frame[headerSize:], payload)
	return frame
}
