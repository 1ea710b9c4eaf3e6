package main

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/soypat/cc33xx/wire"
	"github.com/soypat/saleae"
	"github.com/soypat/saleae/analyzers"
	"github.com/spf13/cobra"
)

var analyzeFlags struct {
	sd, cs, clk string
	output      string
	timings     bool
	omitDevice  bool
	omitHost    bool
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Decode CC33xx frames from Saleae digital captures",
	Long: `Scan SPI transactions out of binary Saleae digital data files and
decode the NAB frames they carry: host commands, TX data bursts, control
messages and received frames. Identical consecutive transactions are printed
once with a repeat count.`,
	Args: cobra.NoArgs,
	RunE: runAnalyze,
}

func init() {
	rootCmd.AddCommand(analyzeCmd)
	f := analyzeCmd.Flags()
	f.StringVar(&analyzeFlags.sd, "sd", "digital_1.bin", "Input filename: SPI SDO/SDI data")
	f.StringVar(&analyzeFlags.cs, "cs", "digital_0.bin", "Input filename: SPI CS/SS data")
	f.StringVar(&analyzeFlags.clk, "clk", "digital_2.bin", "Input filename: SPI clock data")
	f.StringVarP(&analyzeFlags.output, "out", "o", "", "Output filename. Defaults to standard output")
	f.BoolVar(&analyzeFlags.timings, "time", false, "Prefix every line with the transaction start time")
	f.BoolVar(&analyzeFlags.omitDevice, "omit-device", false, "Omit frames sent by the device")
	f.BoolVar(&analyzeFlags.omitHost, "omit-host", false, "Omit frames sent by the host")
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	if analyzeFlags.omitDevice && analyzeFlags.omitHost {
		return fmt.Errorf("cannot omit both host and device frames")
	}
	sd, err := opendigital(analyzeFlags.sd)
	if err != nil {
		return err
	}
	cs, err := opendigital(analyzeFlags.cs)
	if err != nil {
		return err
	}
	clk, err := opendigital(analyzeFlags.clk)
	if err != nil {
		return err
	}
	spi := analyzers.SPI{}
	txs, _ := spi.Scan(clk, cs, sd, sd)
	raw := make([]rawtx, len(txs))
	for i := range txs {
		raw[i] = rawtx{data: txs[i].SDO, start: txs[i].StartTime()}
	}

	w := cmd.OutOrStdout()
	if analyzeFlags.output != "" {
		fp, err := os.Create(analyzeFlags.output)
		if err != nil {
			return err
		}
		defer fp.Close()
		w = fp
	}
	return printFrames(w, coalesce(raw))
}

func opendigital(filename string) (*saleae.DigitalFile, error) {
	fp, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer fp.Close()
	return saleae.ReadDigitalFile(fp)
}

type rawtx struct {
	data  []byte
	start float64
}

type frameKind uint8

const (
	frameRaw frameKind = iota
	frameCommand
	frameTxData
	frameControl
	frameRxData
)

func (k frameKind) String() string {
	switch k {
	case frameCommand:
		return "cmd"
	case frameTxData:
		return "tx-data"
	case frameControl:
		return "control"
	case frameRxData:
		return "rx-data"
	}
	return "raw"
}

// nabFrame is one decoded bus transaction.
type nabFrame struct {
	Num    int
	Start  float64
	Kind   frameKind
	Device bool
	Len    int
	Cmd    wire.Command
	// Frames counts TX descriptors in a TX data burst.
	Frames int
	// Records lists control record names in order.
	Records []string
	Data    []byte
}

func (f *nabFrame) String() string {
	var b strings.Builder
	dir := "host  "
	if f.Device {
		dir = "device"
	}
	fmt.Fprintf(&b, "×%-3d %s %-7s len=%-4d", f.Num, dir, f.Kind, f.Len)
	switch f.Kind {
	case frameCommand:
		fmt.Fprintf(&b, " id=%s", f.Cmd)
	case frameTxData:
		fmt.Fprintf(&b, " frames=%d", f.Frames)
	case frameControl:
		fmt.Fprintf(&b, " records=[%s]", strings.Join(f.Records, " "))
	case frameRaw:
		fmt.Fprintf(&b, " data=%#x", f.Data)
	}
	return b.String()
}

func syncBytes(pattern uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, pattern)
}

var (
	hostSync   = syncBytes(wire.HostSyncPattern)
	deviceSync = syncBytes(wire.DeviceSyncPattern)
)

// decodeNAB locates the NAB header in a transaction and decodes the frame
// behind it. Transactions without a sync pattern, such as status reads, are
// returned as raw data.
func decodeNAB(b []byte) (f nabFrame) {
	f.Num = 1
	f.Data = b
	idx := bytes.Index(b, hostSync)
	if devIdx := bytes.Index(b, deviceSync); devIdx >= 0 && (idx < 0 || devIdx < idx) {
		idx = devIdx
		f.Device = true
	}
	if idx < 0 || len(b)-idx < wire.NABHeaderLen {
		return f
	}
	b = b[idx:]
	hdr := wire.DecodeNABHeader(b)
	f.Len = int(hdr.Len)
	f.Data = b
	if f.Device {
		if recs, ok := controlRecords(b, int(hdr.Len)); ok {
			f.Kind = frameControl
			f.Records = recs
		} else {
			f.Kind = frameRxData
		}
		return f
	}
	end := min(len(b), wire.NABHeaderLen+int(hdr.Len))
	switch {
	case hdr.Opcode == wire.OpcodeTxData:
		f.Kind = frameTxData
		for off := wire.NABHeaderLen; off+wire.TxDescLen <= end; {
			desc := wire.DecodeTxDescriptor(b[off:])
			if desc.Length == 0 {
				break
			}
			f.Frames++
			off += wire.TxDescLen + int(desc.Length)
		}
	case len(b) >= wire.CommandHeaderLen:
		f.Kind = frameCommand
		f.Cmd = wire.DecodeCommandHeader(b).ID
	}
	return f
}

// controlRecords walks the control message of a device frame. It reports
// false if the frame does not hold at least one well formed record.
func controlRecords(b []byte, hdrLen int) (recs []string, ok bool) {
	start := wire.NABHeaderLen + wire.NABExtraBytes
	end := wire.NABHeaderLen + hdrLen
	if end > len(b) || end <= start {
		return nil, false
	}
	msg := b[start:end]
	for len(msg) > 0 {
		typ, payload, rest, err := wire.NextRecord(msg)
		if err != nil {
			return nil, false
		}
		switch typ {
		case wire.ControlEvent:
			ev, err := wire.DecodeEvent(payload)
			if err != nil {
				return nil, false
			}
			recs = append(recs, "event:"+ev.ID.String())
		case wire.ControlCommandComplete:
			comp, err := wire.DecodeCompletion(payload)
			if err != nil {
				return nil, false
			}
			recs = append(recs, comp.ID.String()+":"+comp.Status.String())
		default:
			return nil, false
		}
		msg = rest
	}
	return recs, len(recs) > 0
}

// coalesce decodes transactions and merges identical consecutive ones.
func coalesce(txs []rawtx) (frames []nabFrame) {
	for i := 0; i < len(txs); i++ {
		f := decodeNAB(txs[i].data)
		f.Start = txs[i].start
		for j := i + 1; j < len(txs); j++ {
			if !bytes.Equal(txs[i].data, txs[j].data) {
				break
			}
			f.Num++
			i = j
		}
		frames = append(frames, f)
	}
	return frames
}

func printFrames(w io.Writer, frames []nabFrame) error {
	for i := range frames {
		f := &frames[i]
		if (analyzeFlags.omitDevice && f.Device) || (analyzeFlags.omitHost && !f.Device && f.Kind != frameRaw) {
			continue
		}
		var err error
		if analyzeFlags.timings {
			_, err = fmt.Fprintf(w, "t=%f\t%s\n", f.Start, f.String())
		} else {
			_, err = fmt.Fprintln(w, f.String())
		}
		if err != nil {
			return err
		}
	}
	return nil
}
