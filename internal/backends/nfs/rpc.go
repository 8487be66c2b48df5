package nfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	xdr "github.com/rasky/go-xdr/xdr2"
)

// ONC RPC constants (RFC 5531).
const (
	rpcVersion = 2

	msgCall  = 0
	msgReply = 1

	replyAccepted = 0
	replyDenied   = 1

	authNone = 0

	lastFragment   = 0x80000000
	maxFragmentLen = 1 << 20
)

// AcceptStat is the status of an accepted RPC reply.
type AcceptStat uint32

const (
	Success AcceptStat = iota
	ProgUnavail
	ProgMismatch
	ProcUnavail
	GarbageArgs
	SystemErr
)

var acceptStatNames = map[AcceptStat]string{
	Success:      "SUCCESS",
	ProgUnavail:  "PROG_UNAVAIL",
	ProgMismatch: "PROG_MISMATCH",
	ProcUnavail:  "PROC_UNAVAIL",
	GarbageArgs:  "GARBAGE_ARGS",
	SystemErr:    "SYSTEM_ERR",
}

func (s AcceptStat) String() string {
	if name, ok := acceptStatNames[s]; ok {
		return name
	}
	return fmt.Sprintf("ACCEPT_STAT(%d)", uint32(s))
}

type opaqueAuth struct {
	Flavor uint32
	Body   []byte
}

type callHeader struct {
	XID        uint32
	MsgType    uint32
	RPCVersion uint32
	Program    uint32
	Version    uint32
	Procedure  uint32
	Cred       opaqueAuth
	Verf       opaqueAuth
}

type replyHeader struct {
	XID       uint32
	MsgType   uint32
	ReplyStat uint32
}

type acceptedReply struct {
	Verf opaqueAuth
	Stat uint32
}

type mismatchInfo struct {
	Low  uint32
	High uint32
}

// encodeCall builds one record-marked RPC call with AUTH_NONE credentials.
func encodeCall(xid, program, version, procedure uint32, args interface{}) ([]byte, error) {
	var body bytes.Buffer
	body.Write(make([]byte, 4)) // record mark, filled in below

	hdr := callHeader{
		XID:        xid,
		MsgType:    msgCall,
		RPCVersion: rpcVersion,
		Program:    program,
		Version:    version,
		Procedure:  procedure,
		Cred:       opaqueAuth{Flavor: authNone, Body: []byte{}},
		Verf:       opaqueAuth{Flavor: authNone, Body: []byte{}},
	}
	if _, err := xdr.Marshal(&body, &hdr); err != nil {
		return nil, fmt.Errorf("encode call header: %w", err)
	}
	if args != nil {
		if _, err := xdr.Marshal(&body, args); err != nil {
			return nil, fmt.Errorf("encode call arguments: %w", err)
		}
	}

	msg := body.Bytes()
	binary.BigEndian.PutUint32(msg[:4], uint32(len(msg)-4)|lastFragment)
	return msg, nil
}

// readRecord reads fragments until the last one and returns the whole record.
func readRecord(r io.Reader) ([]byte, error) {
	var record []byte
	for {
		var mark [4]byte
		if _, err := io.ReadFull(r, mark[:]); err != nil {
			return nil, err
		}
		header := binary.BigEndian.Uint32(mark[:])
		size := header &^ lastFragment
		if len(record)+int(size) > maxFragmentLen {
			return nil, fmt.Errorf("rpc record too large: %d bytes", len(record)+int(size))
		}
		frag := make([]byte, size)
		if _, err := io.ReadFull(r, frag); err != nil {
			return nil, err
		}
		record = append(record, frag...)
		if header&lastFragment != 0 {
			return record, nil
		}
	}
}

// RPCError is an accepted reply whose status is not SUCCESS, or a denied reply.
type RPCError struct {
	Denied bool
	Stat   AcceptStat
	Low    uint32
	High   uint32
}

func (e *RPCError) Error() string {
	switch {
	case e.Denied:
		return "rpc call denied"
	case e.Stat == ProgMismatch:
		return fmt.Sprintf("rpc program version mismatch (server supports %d-%d)", e.Low, e.High)
	default:
		return "rpc call failed: " + e.Stat.String()
	}
}

// decodeReply checks the reply header against xid and decodes the result into result when non-nil.
func decodeReply(record []byte, xid uint32, result interface{}) error {
	r := bytes.NewReader(record)

	var hdr replyHeader
	if _, err := xdr.Unmarshal(r, &hdr); err != nil {
		return fmt.Errorf("decode reply header: %w", err)
	}
	if hdr.MsgType != msgReply {
		return fmt.Errorf("unexpected rpc message type %d", hdr.MsgType)
	}
	if hdr.XID != xid {
		return fmt.Errorf("rpc reply xid %d does not match call %d", hdr.XID, xid)
	}
	if hdr.ReplyStat == replyDenied {
		return &RPCError{Denied: true}
	}
	if hdr.ReplyStat != replyAccepted {
		return fmt.Errorf("unexpected rpc reply status %d", hdr.ReplyStat)
	}

	var accepted acceptedReply
	if _, err := xdr.Unmarshal(r, &accepted); err != nil {
		return fmt.Errorf("decode accepted reply: %w", err)
	}
	stat := AcceptStat(accepted.Stat)
	switch stat {
	case Success:
	case ProgMismatch:
		var mm mismatchInfo
		if _, err := xdr.Unmarshal(r, &mm); err != nil {
			return fmt.Errorf("decode mismatch info: %w", err)
		}
		return &RPCError{Stat: stat, Low: mm.Low, High: mm.High}
	default:
		return &RPCError{Stat: stat}
	}

	if result == nil {
		return nil
	}
	if _, err := xdr.Unmarshal(r, result); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}
