package raknet

import (
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"time"
)

// Link is the reliable-delivery capability a session is built on. The
// session owns a Link and drives the handshake over it.
type Link interface {
	// SendRaw writes an offline message directly to the peer.
	SendRaw(b []byte) error
	// Send frames a connected message with the given delivery class.
	Send(b []byte, priority Priority, reliability Reliability) error
	MTU() int
	SetMTU(mtu int)
	// Initialize starts accepting connected datagrams.
	Initialize()
	Initialized() bool
	HandleDatagram(b []byte) error
	// Touch marks the peer as alive for offline handshake traffic.
	Touch()
	Tick(now time.Time)
	Close(reason DisconnectReason)
	Closed() bool
}

// FrameReceiver consumes what a Link delivers.
type FrameReceiver interface {
	HandleFrame(payload []byte)
	LinkClosed(reason DisconnectReason)
}

// LinkConfig sizes a PacketLink.
type LinkConfig struct {
	Remote  netip.AddrPort
	MTU     int
	MinMTU  int
	MaxMTU  int
	Timeout time.Duration
	Now     func() time.Time
}

// LinkStats counts datagram traffic on a link.
type LinkStats struct {
	DatagramsIn  uint64 `json:"datagrams_in"`
	DatagramsOut uint64 `json:"datagrams_out"`
	FramesIn     uint64 `json:"frames_in"`
	FramesOut    uint64 `json:"frames_out"`
	Duplicates   uint64 `json:"duplicates"`
}

// PacketLink frames connected traffic into datagrams. It acknowledges what
// it receives and splits large messages, but keeps no resend queue: lost
// reliable frames are not retransmitted.
type PacketLink struct {
	mu   sync.Mutex
	cfg  LinkConfig
	out  func([]byte) error
	recv FrameReceiver

	mtu         int
	initialized bool
	closed      bool
	lastRecv    time.Time

	sendSeq       uint32
	reliableIndex uint32
	orderIndex    uint32
	sequenceIndex uint32
	splitID       uint16

	pending  [][]byte
	acks     []uint32
	seen     map[uint32]struct{}
	highSeen uint32
	splits   map[uint16]*splitBuffer

	stats LinkStats
}

type splitBuffer struct {
	parts    [][]byte
	received int
}

// NewPacketLink creates a link that writes datagrams with out and delivers
// frames to recv.
func NewPacketLink(cfg LinkConfig, out func([]byte) error, recv FrameReceiver) *PacketLink {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultSessionTimeout
	}
	l := &PacketLink{
		cfg:    cfg,
		out:    out,
		recv:   recv,
		seen:   make(map[uint32]struct{}),
		splits: make(map[uint16]*splitBuffer),
	}
	l.mtu = l.clamp(cfg.MTU)
	l.lastRecv = cfg.Now()
	return l
}

func (l *PacketLink) clamp(mtu int) int {
	if l.cfg.MinMTU > 0 && mtu < l.cfg.MinMTU {
		return l.cfg.MinMTU
	}
	if l.cfg.MaxMTU > 0 && mtu > l.cfg.MaxMTU {
		return l.cfg.MaxMTU
	}
	return mtu
}

// SendRaw writes b as one datagram.
func (l *PacketLink) SendRaw(b []byte) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrLinkClosed
	}
	return l.out(b)
}

// MTU returns the negotiated datagram size.
func (l *PacketLink) MTU() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mtu
}

// SetMTU updates the datagram size within the configured bounds.
func (l *PacketLink) SetMTU(mtu int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mtu = l.clamp(mtu)
}

// Initialize starts accepting connected datagrams.
func (l *PacketLink) Initialize() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.initialized = true
	l.lastRecv = l.cfg.Now()
}

// Touch refreshes the idle timer.
func (l *PacketLink) Touch() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastRecv = l.cfg.Now()
}

// Initialized reports whether connected datagrams are accepted.
func (l *PacketLink) Initialized() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.initialized
}

// Closed reports whether the link has shut down.
func (l *PacketLink) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Stats returns a copy of the traffic counters.
func (l *PacketLink) Stats() LinkStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// Send frames b. Immediate priority writes the datagram now; everything else
// waits for the next Tick.
func (l *PacketLink) Send(b []byte, priority Priority, reliability Reliability) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLinkClosed
	}
	frames, err := l.encodeFrames(b, reliability)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	l.pending = append(l.pending, frames...)
	var datagrams [][]byte
	if priority == PriorityImmediate {
		datagrams = l.drainLocked()
	}
	l.mu.Unlock()

	return l.write(datagrams)
}

func (l *PacketLink) write(datagrams [][]byte) error {
	for _, d := range datagrams {
		if err := l.out(d); err != nil {
			return fmt.Errorf("write datagram: %w", err)
		}
	}
	return nil
}

// maxFramePayload is the largest unsplit payload for the current MTU.
func (l *PacketLink) maxFramePayload() int {
	return l.mtu - udpOverhead - datagramHeaderSize - frameHeaderMax
}

func (l *PacketLink) encodeFrames(b []byte, rel Reliability) ([][]byte, error) {
	limit := l.maxFramePayload()
	if len(b) <= limit {
		return [][]byte{l.frame(b, rel, nil)}, nil
	}

	per := limit - splitHeaderSize
	if per <= 0 {
		return nil, fmt.Errorf("%w: mtu %d too small to split", ErrPayloadTooLarge, l.mtu)
	}
	count := (len(b) + per - 1) / per
	if count > maxSplitCount {
		return nil, fmt.Errorf("%w: %d bytes needs %d parts", ErrPayloadTooLarge, len(b), count)
	}
	// Split parts must be reliable for the peer to reassemble them
	switch rel {
	case Unreliable, UnreliableWithACKReceipt:
		rel = Reliable
	case UnreliableSequenced:
		rel = ReliableSequenced
	}

	id := l.splitID
	l.splitID++
	order := l.nextOrder(rel)
	frames := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		end := (i + 1) * per
		if end > len(b) {
			end = len(b)
		}
		sp := &splitHeader{count: uint32(count), id: id, index: uint32(i), order: order}
		frames = append(frames, l.frame(b[i*per:end], rel, sp))
	}
	return frames, nil
}

type splitHeader struct {
	count uint32
	id    uint16
	index uint32
	order uint32
}

func (l *PacketLink) nextOrder(rel Reliability) uint32 {
	switch {
	case rel.sequenced():
		return l.orderIndex
	case rel.ordered():
		idx := l.orderIndex
		l.orderIndex = (l.orderIndex + 1) & 0xffffff
		return idx
	}
	return 0
}

func (l *PacketLink) frame(payload []byte, rel Reliability, sp *splitHeader) []byte {
	flags := byte(rel) << 5
	if sp != nil {
		flags |= flagSplit
	}
	w := &writer{buf: make([]byte, 0, len(payload)+frameHeaderMax+splitHeaderSize)}
	w.byte(flags).uint16(uint16(len(payload) * 8))
	if rel.reliable() {
		w.uint24LE(l.reliableIndex)
		l.reliableIndex = (l.reliableIndex + 1) & 0xffffff
	}
	if rel.sequenced() {
		w.uint24LE(l.sequenceIndex)
		l.sequenceIndex = (l.sequenceIndex + 1) & 0xffffff
	}
	if rel.ordered() {
		var order uint32
		if sp != nil {
			order = sp.order
		} else {
			order = l.nextOrder(rel)
		}
		w.uint24LE(order).byte(0)
	}
	if sp != nil {
		w.uint32(sp.count).uint16(sp.id).uint32(sp.index)
	}
	l.stats.FramesOut++
	return w.bytes(payload).build()
}

// drainLocked packs pending frames into MTU-sized datagrams.
func (l *PacketLink) drainLocked() [][]byte {
	if len(l.pending) == 0 {
		return nil
	}
	limit := l.mtu - udpOverhead
	var out [][]byte
	var cur *writer
	for _, f := range l.pending {
		if cur != nil && len(cur.buf)+len(f) > limit {
			out = append(out, cur.build())
			cur = nil
		}
		if cur == nil {
			cur = &writer{buf: make([]byte, 0, limit)}
			cur.byte(FlagValid | FlagContinuous).uint24LE(l.sendSeq)
			l.sendSeq = (l.sendSeq + 1) & 0xffffff
		}
		cur.bytes(f)
	}
	if cur != nil {
		out = append(out, cur.build())
	}
	l.pending = l.pending[:0]
	l.stats.DatagramsOut += uint64(len(out))
	return out
}

// HandleDatagram parses a connected datagram and delivers complete frames.
func (l *PacketLink) HandleDatagram(b []byte) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLinkClosed
	}
	if !l.initialized {
		l.mu.Unlock()
		return ErrNotInitialized
	}
	if len(b) == 0 || b[0]&FlagValid == 0 {
		l.mu.Unlock()
		return fmt.Errorf("%w: not a connected datagram", ErrMalformed)
	}
	l.lastRecv = l.cfg.Now()
	l.stats.DatagramsIn++

	// Receipts carry nothing to act on without a resend queue
	if b[0]&(FlagACK|FlagNAK) != 0 {
		l.mu.Unlock()
		return nil
	}

	r := newReader(b[1:])
	seq := r.uint24LE()
	if r.err != nil {
		l.mu.Unlock()
		return r.err
	}
	l.acks = append(l.acks, seq)
	if l.duplicateLocked(seq) {
		l.stats.Duplicates++
		l.mu.Unlock()
		return nil
	}

	var deliver [][]byte
	var err error
	for r.remaining() > 0 {
		var payload []byte
		payload, err = l.readFrameLocked(r)
		if err != nil {
			break
		}
		if payload != nil {
			deliver = append(deliver, payload)
		}
	}
	l.stats.FramesIn += uint64(len(deliver))
	recv := l.recv
	l.mu.Unlock()

	for _, p := range deliver {
		recv.HandleFrame(p)
	}
	return err
}

func (l *PacketLink) duplicateLocked(seq uint32) bool {
	if _, ok := l.seen[seq]; ok {
		return true
	}
	l.seen[seq] = struct{}{}
	if seq > l.highSeen {
		l.highSeen = seq
	}
	if len(l.seen) > 4096 {
		for s := range l.seen {
			if l.highSeen-s > 2048 {
				delete(l.seen, s)
			}
		}
	}
	return false
}

func (l *PacketLink) readFrameLocked(r *reader) ([]byte, error) {
	flags := r.byte()
	rel := Reliability(flags >> 5)
	bits := r.uint16()
	if rel.reliable() {
		r.uint24LE()
	}
	if rel.sequenced() {
		r.uint24LE()
	}
	if rel.ordered() {
		r.uint24LE()
		r.byte()
	}
	var sp *splitHeader
	if flags&flagSplit != 0 {
		sp = &splitHeader{count: r.uint32(), id: r.uint16(), index: r.uint32()}
	}
	payload := r.bytes(int(bits+7) / 8)
	if r.err != nil {
		return nil, r.err
	}
	if sp == nil {
		return append([]byte(nil), payload...), nil
	}
	return l.assembleLocked(sp, payload)
}

func (l *PacketLink) assembleLocked(sp *splitHeader, payload []byte) ([]byte, error) {
	if sp.count == 0 || sp.count > maxSplitCount || sp.index >= sp.count {
		return nil, fmt.Errorf("%w: split %d/%d", ErrMalformed, sp.index, sp.count)
	}
	buf, ok := l.splits[sp.id]
	if !ok {
		if len(l.splits) >= maxSplitsPending {
			return nil, fmt.Errorf("%w: too many pending splits", ErrMalformed)
		}
		buf = &splitBuffer{parts: make([][]byte, sp.count)}
		l.splits[sp.id] = buf
	}
	if int(sp.count) != len(buf.parts) {
		delete(l.splits, sp.id)
		return nil, fmt.Errorf("%w: split count changed", ErrMalformed)
	}
	if buf.parts[sp.index] == nil {
		buf.parts[sp.index] = append([]byte(nil), payload...)
		buf.received++
	}
	if buf.received < len(buf.parts) {
		return nil, nil
	}
	delete(l.splits, sp.id)
	size := 0
	for _, p := range buf.parts {
		size += len(p)
	}
	whole := make([]byte, 0, size)
	for _, p := range buf.parts {
		whole = append(whole, p...)
	}
	return whole, nil
}

// Tick flushes receipts and queued frames, and closes an idle link. The
// timeout applies before Initialize too, so a handshake that stalls after
// Open-Connection-Request-1 releases its registry slot.
func (l *PacketLink) Tick(now time.Time) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	if now.Sub(l.lastRecv) > l.cfg.Timeout {
		l.mu.Unlock()
		l.Close(ReasonTimedOut)
		return
	}
	var datagrams [][]byte
	if len(l.acks) > 0 {
		datagrams = append(datagrams, encodeACK(l.acks))
		l.acks = l.acks[:0]
	}
	datagrams = append(datagrams, l.drainLocked()...)
	l.mu.Unlock()

	_ = l.write(datagrams)
}

// encodeACK merges sequence numbers into range records.
func encodeACK(seqs []uint32) []byte {
	sorted := append([]uint32(nil), seqs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	type record struct{ start, end uint32 }
	var records []record
	for _, s := range sorted {
		if n := len(records); n > 0 && (s == records[n-1].end || s == records[n-1].end+1) {
			records[n-1].end = s
			continue
		}
		records = append(records, record{s, s})
	}
	if len(records) > maxACKRecords {
		records = records[:maxACKRecords]
	}

	w := &writer{}
	w.byte(FlagValid | FlagACK).uint16(uint16(len(records)))
	for _, rec := range records {
		if rec.start == rec.end {
			w.byte(1).uint24LE(rec.start)
		} else {
			w.byte(0).uint24LE(rec.start).uint24LE(rec.end)
		}
	}
	return w.build()
}

// Close shuts the link down once. A server-side close tells the peer.
func (l *PacketLink) Close(reason DisconnectReason) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	var datagrams [][]byte
	if l.initialized && reason != ReasonClosedByRemotePeer && reason != ReasonTimedOut {
		l.pending = append(l.pending, l.frame([]byte{IDDisconnectNotification}, ReliableOrdered, nil))
		datagrams = l.drainLocked()
	}
	l.closed = true
	l.pending = nil
	l.splits = nil
	recv := l.recv
	l.mu.Unlock()

	_ = l.write(datagrams)
	if recv != nil {
		recv.LinkClosed(reason)
	}
}
