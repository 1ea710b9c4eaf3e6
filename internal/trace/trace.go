// Package trace records control-plane activity as a stream of CBOR records
// and decodes it back for inspection.
package trace

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/soypat/cc33xx/wire"
)

// Kind is the type of a trace record.
type Kind uint8

const (
	KindCommand Kind = iota + 1
	KindEvent
	KindRx
	KindTxStatus
	KindRestart
	KindROCExpired
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "cmd"
	case KindEvent:
		return "event"
	case KindRx:
		return "rx"
	case KindTxStatus:
		return "tx-status"
	case KindRestart:
		return "restart"
	case KindROCExpired:
		return "roc-expired"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Record is one traced occurrence. Fields not meaningful for Kind are zero.
type Record struct {
	Kind Kind `cbor:"0,keyasint"`
	// Time is microseconds since the recorder was created.
	Time   int64  `cbor:"1,keyasint"`
	Cmd    uint16 `cbor:"2,keyasint,omitempty"`
	Status uint16 `cbor:"3,keyasint,omitempty"`
	Event  uint32 `cbor:"4,keyasint,omitempty"`
	HLID   uint8  `cbor:"5,keyasint,omitempty"`
	Len    int    `cbor:"6,keyasint,omitempty"`
	OK     bool   `cbor:"7,keyasint,omitempty"`
}

func (r Record) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%10.3fms %-11s", float64(r.Time)/1000, r.Kind)
	switch r.Kind {
	case KindCommand:
		fmt.Fprintf(&b, " %s status=%s", wire.Command(r.Cmd), wire.CommandStatus(r.Status))
	case KindEvent:
		fmt.Fprintf(&b, " %s len=%d", wire.EventID(r.Event), r.Len)
	case KindRx:
		fmt.Fprintf(&b, " hlid=%d len=%d", r.HLID, r.Len)
	case KindTxStatus:
		fmt.Fprintf(&b, " hlid=%d len=%d ok=%t", r.HLID, r.Len, r.OK)
	}
	return b.String()
}

var encMode = mustEncMode()

func mustEncMode() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}

// Recorder appends records to a writer. It is safe for concurrent use.
type Recorder struct {
	// OnRecord, when set, sees every record written, in order. It is called
	// with the recorder locked and must not block.
	OnRecord func(Record)

	mu    sync.Mutex
	enc   *cbor.Encoder
	start time.Time
	n     int
	err   error
}

func NewRecorder(w io.Writer) *Recorder {
	return &Recorder{enc: encMode.NewEncoder(w), start: time.Now()}
}

// Record stamps r with the elapsed time and writes it. After the first write
// error every call is a no-op; see Err.
func (rec *Recorder) Record(r Record) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.err != nil {
		return
	}
	r.Time = time.Since(rec.start).Microseconds()
	rec.err = rec.enc.Encode(r)
	if rec.err == nil {
		rec.n++
		if rec.OnRecord != nil {
			rec.OnRecord(r)
		}
	}
}

func (rec *Recorder) Command(cmd wire.Command, status wire.CommandStatus) {
	rec.Record(Record{Kind: KindCommand, Cmd: uint16(cmd), Status: uint16(status)})
}

func (rec *Recorder) Event(ev wire.Event) {
	rec.Record(Record{Kind: KindEvent, Event: uint32(ev.ID), Len: len(ev.Data)})
}

func (rec *Recorder) Rx(hlid uint8, frame []byte) {
	rec.Record(Record{Kind: KindRx, HLID: hlid, Len: len(frame)})
}

func (rec *Recorder) TxStatus(hlid uint8, frame []byte, ok bool) {
	rec.Record(Record{Kind: KindTxStatus, HLID: hlid, Len: len(frame), OK: ok})
}

// Count returns the number of records written.
func (rec *Recorder) Count() int {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.n
}

// Err returns the first write error.
func (rec *Recorder) Err() error {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.err
}

// Decode reads every record from r.
func Decode(r io.Reader) ([]Record, error) {
	dec := cbor.NewDecoder(r)
	var recs []Record
	for {
		var rec Record
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			return recs, nil
		}
		if err != nil {
			return recs, fmt.Errorf("trace: record %d: %w", len(recs), err)
		}
		recs = append(recs, rec)
	}
}

// Summary counts records per kind.
func Summary(recs []Record) map[Kind]int {
	m := make(map[Kind]int)
	for _, r := range recs {
		m[r.Kind]++
	}
	return m
}
