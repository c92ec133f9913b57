package qipc

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/google/uuid"
)

// Message types.
const (
	MsgAsync    byte = 0
	MsgSync     byte = 1
	MsgResponse byte = 2
)

const headerSize = 8

type encoder struct {
	buf []byte
}

func (e *encoder) put(b ...byte) { e.buf = append(e.buf, b...) }

func (e *encoder) u16(v uint16) { e.buf = binary.LittleEndian.AppendUint16(e.buf, v) }
func (e *encoder) u32(v uint32) { e.buf = binary.LittleEndian.AppendUint32(e.buf, v) }
func (e *encoder) u64(v uint64) { e.buf = binary.LittleEndian.AppendUint64(e.buf, v) }

func (e *encoder) symbol(s string) {
	e.buf = append(e.buf, s...)
	e.buf = append(e.buf, 0)
}

// Encode serializes k little-endian, without a message header.
func Encode(k *K) ([]byte, error) {
	e := &encoder{}
	if err := e.object(k); err != nil {
		return nil, err
	}
	return e.buf, nil
}

// EncodeMessage serializes k as a complete little-endian IPC message.
func EncodeMessage(msgType byte, k *K) ([]byte, error) {
	e := &encoder{buf: make([]byte, headerSize, 64)}
	if err := e.object(k); err != nil {
		return nil, err
	}
	e.buf[0] = 1
	e.buf[1] = msgType
	binary.LittleEndian.PutUint32(e.buf[4:], uint32(len(e.buf)))
	return e.buf, nil
}

func (e *encoder) object(k *K) error {
	if k == nil {
		return fmt.Errorf("qipc: cannot encode nil object")
	}
	switch {
	case k.Type == KError:
		s, _ := k.Data.(string)
		e.put(0x80)
		e.symbol(s)
		return nil
	case k.Type < 0:
		e.put(byte(k.Type))
		return e.atom(-k.Type, k.Data)
	case k.Type >= KBoolean && k.Type <= KTime:
		return e.vector(k)
	case k.Type == KMixed:
		items, ok := k.Data.([]*K)
		if !ok {
			return fmt.Errorf("qipc: list data is %T", k.Data)
		}
		e.put(byte(KMixed), byte(k.Attr))
		e.u32(uint32(len(items)))
		for _, it := range items {
			if err := e.object(it); err != nil {
				return err
			}
		}
		return nil
	case k.Type == KTable:
		t, ok := k.Data.(Table)
		if !ok {
			return fmt.Errorf("qipc: table data is %T", k.Data)
		}
		e.put(byte(KTable), byte(k.Attr))
		return e.object(NewDict(Symbols(t.Columns...), List(t.Data...)))
	case k.Type == KDict || k.Type == KSorted:
		d, ok := k.Data.(Dict)
		if !ok {
			return fmt.Errorf("qipc: dict data is %T", k.Data)
		}
		e.put(byte(k.Type))
		if err := e.object(d.Keys); err != nil {
			return err
		}
		return e.object(d.Values)
	case k.Type >= KUnary && k.Type <= KTernary:
		b, _ := k.Data.(byte)
		e.put(byte(k.Type), b)
		return nil
	}
	return fmt.Errorf("qipc: cannot encode type %d", k.Type)
}

func (e *encoder) atom(t int8, v any) error {
	switch x := v.(type) {
	case bool:
		if x {
			e.put(1)
		} else {
			e.put(0)
		}
	case uuid.UUID:
		e.put(x[:]...)
	case byte:
		e.put(x)
	case int16:
		e.u16(uint16(x))
	case int32:
		e.u32(uint32(x))
	case int64:
		e.u64(uint64(x))
	case float32:
		e.u32(math.Float32bits(x))
	case float64:
		e.u64(math.Float64bits(x))
	case string:
		if t != KSymbol {
			return fmt.Errorf("qipc: string data for atom type %d", t)
		}
		e.symbol(x)
	default:
		return fmt.Errorf("qipc: cannot encode atom %T", v)
	}
	return nil
}

func (e *encoder) vector(k *K) error {
	e.put(byte(k.Type), byte(k.Attr))
	switch x := k.Data.(type) {
	case []bool:
		e.u32(uint32(len(x)))
		for _, b := range x {
			if b {
				e.put(1)
			} else {
				e.put(0)
			}
		}
	case []uuid.UUID:
		e.u32(uint32(len(x)))
		for _, u := range x {
			e.put(u[:]...)
		}
	case []byte:
		e.u32(uint32(len(x)))
		e.put(x...)
	case string:
		e.u32(uint32(len(x)))
		e.buf = append(e.buf, x...)
	case []int16:
		e.u32(uint32(len(x)))
		for _, v := range x {
			e.u16(uint16(v))
		}
	case []int32:
		e.u32(uint32(len(x)))
		for _, v := range x {
			e.u32(uint32(v))
		}
	case []int64:
		e.u32(uint32(len(x)))
		for _, v := range x {
			e.u64(uint64(v))
		}
	case []float32:
		e.u32(uint32(len(x)))
		for _, v := range x {
			e.u32(math.Float32bits(v))
		}
	case []float64:
		e.u32(uint32(len(x)))
		for _, v := range x {
			e.u64(math.Float64bits(v))
		}
	case []string:
		e.u32(uint32(len(x)))
		for _, s := range x {
			e.symbol(s)
		}
	default:
		return fmt.Errorf("qipc: cannot encode vector %T", k.Data)
	}
	return nil
}
