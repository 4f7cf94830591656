package modem

// Port is the byte-level UART the framer runs over. Both calls are
// non-blocking: the TX side reports a full FIFO, the RX side reports an
// empty one. The device build backs this with the UART ISR ring buffers;
// tests use SimPort.
type Port interface {
	WriteByte(b byte) bool
	ReadByte() (byte, bool)
}

// SimPort is a scripted Port for tests. Writes are captured in Tx; reads
// drain Rx. TxCapacity below zero means unlimited.
type SimPort struct {
	Tx         []byte
	Rx         []byte
	TxCapacity int

	rxPos int
}

func NewSimPort() *SimPort {
	return &SimPort{TxCapacity: -1}
}

func (p *SimPort) WriteByte(b byte) bool {
	if p.TxCapacity >= 0 && len(p.Tx) >= p.TxCapacity {
		return false
	}
	p.Tx = append(p.Tx, b)
	return true
}

func (p *SimPort) ReadByte() (byte, bool) {
	if p.rxPos >= len(p.Rx) {
		return 0, false
	}
	b := p.Rx[p.rxPos]
	p.rxPos++
	return b, true
}

// Respond queues bytes for the framer to read.
func (p *SimPort) Respond(b []byte) {
	p.Rx = append(p.Rx, b...)
}

// TakeTx returns and clears the captured transmit bytes.
func (p *SimPort) TakeTx() []byte {
	tx := p.Tx
	p.Tx = nil
	return tx
}
