package qipc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
)

// ErrTruncated is returned when a message ends before its object does.
var ErrTruncated = errors.New("qipc: truncated message")

type decoder struct {
	b     []byte
	pos   int
	order binary.ByteOrder
}

// Decode deserializes one K object from a message body.
func Decode(body []byte, order binary.ByteOrder) (*K, error) {
	d := &decoder{b: body, order: order}
	return d.object()
}

func (d *decoder) need(n int) error {
	if n < 0 || d.pos+n > len(d.b) {
		return ErrTruncated
	}
	return nil
}

func (d *decoder) byte1() (byte, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	v := d.b[d.pos]
	d.pos++
	return v, nil
}

func (d *decoder) u16() (uint16, error) {
	if err := d.need(2); err != nil {
		return 0, err
	}
	v := d.order.Uint16(d.b[d.pos:])
	d.pos += 2
	return v, nil
}

func (d *decoder) u32() (uint32, error) {
	if err := d.need(4); err != nil {
		return 0, err
	}
	v := d.order.Uint32(d.b[d.pos:])
	d.pos += 4
	return v, nil
}

func (d *decoder) u64() (uint64, error) {
	if err := d.need(8); err != nil {
		return 0, err
	}
	v := d.order.Uint64(d.b[d.pos:])
	d.pos += 8
	return v, nil
}

func (d *decoder) guid() (uuid.UUID, error) {
	var u uuid.UUID
	if err := d.need(16); err != nil {
		return u, err
	}
	copy(u[:], d.b[d.pos:d.pos+16])
	d.pos += 16
	return u, nil
}

func (d *decoder) symbol() (string, error) {
	i := bytes.IndexByte(d.b[d.pos:], 0)
	if i < 0 {
		return "", ErrTruncated
	}
	s := string(d.b[d.pos : d.pos+i])
	d.pos += i + 1
	return s, nil
}

func (d *decoder) object() (*K, error) {
	tb, err := d.byte1()
	if err != nil {
		return nil, err
	}
	t := int8(tb)
	switch {
	case t == KError:
		s, err := d.symbol()
		return &K{Type: KError, Data: s}, err
	case t < 0:
		v, err := d.atom(-t)
		return &K{Type: t, Data: v}, err
	case t >= KBoolean && t <= KTime:
		return d.vector(t)
	case t == KMixed:
		return d.list()
	case t == KTable:
		return d.table()
	case t == KDict || t == KSorted:
		keys, err := d.object()
		if err != nil {
			return nil, err
		}
		values, err := d.object()
		if err != nil {
			return nil, err
		}
		return &K{Type: t, Data: Dict{Keys: keys, Values: values}}, nil
	case t == KLambda:
		ctx, err := d.symbol()
		if err != nil {
			return nil, err
		}
		body, err := d.object()
		if err != nil {
			return nil, err
		}
		s, _ := body.Data.(string)
		return &K{Type: KLambda, Data: Lambda{Context: ctx, Body: s}}, nil
	case t >= KUnary && t <= KTernary:
		v, err := d.byte1()
		return &K{Type: t, Data: v}, err
	}
	return nil, fmt.Errorf("qipc: unsupported type %d", t)
}

func (d *decoder) atom(t int8) (any, error) {
	switch t {
	case KBoolean:
		b, err := d.byte1()
		return b != 0, err
	case KGUID:
		return d.guid()
	case KByte, KChar:
		return d.byte1()
	case KShort:
		v, err := d.u16()
		return int16(v), err
	case KInt, KMonth, KDate, KMinute, KSecond, KTime:
		v, err := d.u32()
		return int32(v), err
	case KLong, KTimestamp, KTimespan:
		v, err := d.u64()
		return int64(v), err
	case KReal:
		v, err := d.u32()
		return math.Float32frombits(v), err
	case KFloat, KDatetime:
		v, err := d.u64()
		return math.Float64frombits(v), err
	case KSymbol:
		return d.symbol()
	}
	return nil, fmt.Errorf("qipc: unsupported atom type %d", -t)
}

func (d *decoder) header() (Attr, int, error) {
	a, err := d.byte1()
	if err != nil {
		return 0, 0, err
	}
	n, err := d.u32()
	if err != nil {
		return 0, 0, err
	}
	return Attr(a), int(int32(n)), nil
}

func (d *decoder) vector(t int8) (*K, error) {
	attr, n, err := d.header()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, fmt.Errorf("qipc: negative vector length %d", n)
	}
	k := &K{Type: t, Attr: attr}
	switch t {
	case KBoolean:
		if err := d.need(n); err != nil {
			return nil, err
		}
		v := make([]bool, n)
		for i := range v {
			v[i] = d.b[d.pos+i] != 0
		}
		d.pos += n
		k.Data = v
	case KGUID:
		if err := d.need(16 * n); err != nil {
			return nil, err
		}
		v := make([]uuid.UUID, n)
		for i := range v {
			v[i], _ = d.guid()
		}
		k.Data = v
	case KByte:
		if err := d.need(n); err != nil {
			return nil, err
		}
		k.Data = append([]byte(nil), d.b[d.pos:d.pos+n]...)
		d.pos += n
	case KChar:
		if err := d.need(n); err != nil {
			return nil, err
		}
		k.Data = string(d.b[d.pos : d.pos+n])
		d.pos += n
	case KShort:
		if err := d.need(2 * n); err != nil {
			return nil, err
		}
		v := make([]int16, n)
		for i := range v {
			u, _ := d.u16()
			v[i] = int16(u)
		}
		k.Data = v
	case KInt, KMonth, KDate, KMinute, KSecond, KTime:
		if err := d.need(4 * n); err != nil {
			return nil, err
		}
		v := make([]int32, n)
		for i := range v {
			u, _ := d.u32()
			v[i] = int32(u)
		}
		k.Data = v
	case KLong, KTimestamp, KTimespan:
		if err := d.need(8 * n); err != nil {
			return nil, err
		}
		v := make([]int64, n)
		for i := range v {
			u, _ := d.u64()
			v[i] = int64(u)
		}
		k.Data = v
	case KReal:
		if err := d.need(4 * n); err != nil {
			return nil, err
		}
		v := make([]float32, n)
		for i := range v {
			u, _ := d.u32()
			v[i] = math.Float32frombits(u)
		}
		k.Data = v
	case KFloat, KDatetime:
		if err := d.need(8 * n); err != nil {
			return nil, err
		}
		v := make([]float64, n)
		for i := range v {
			u, _ := d.u64()
			v[i] = math.Float64frombits(u)
		}
		k.Data = v
	case KSymbol:
		// every symbol carries at least its terminator
		if err := d.need(n); err != nil {
			return nil, err
		}
		v := make([]string, n)
		for i := range v {
			s, err := d.symbol()
			if err != nil {
				return nil, err
			}
			v[i] = s
		}
		k.Data = v
	}
	return k, nil
}

func (d *decoder) list() (*K, error) {
	attr, n, err := d.header()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, fmt.Errorf("qipc: negative list length %d", n)
	}
	if err := d.need(n); err != nil {
		return nil, err
	}
	items := make([]*K, n)
	for i := range items {
		if items[i], err = d.object(); err != nil {
			return nil, err
		}
	}
	return &K{Type: KMixed, Attr: attr, Data: items}, nil
}

func (d *decoder) table() (*K, error) {
	attr, err := d.byte1()
	if err != nil {
		return nil, err
	}
	dict, err := d.object()
	if err != nil {
		return nil, err
	}
	dv, ok := dict.Data.(Dict)
	if !ok {
		return nil, fmt.Errorf("qipc: table without column dictionary")
	}
	cols, ok := dv.Keys.Data.([]string)
	if !ok {
		return nil, fmt.Errorf("qipc: table column names are not symbols")
	}
	var data []*K
	switch v := dv.Values.Data.(type) {
	case []*K:
		data = v
	default:
		data = []*K{dv.Values}
	}
	if len(cols) != len(data) {
		return nil, fmt.Errorf("qipc: table has %d names and %d columns", len(cols), len(data))
	}
	return &K{Type: KTable, Attr: Attr(attr), Data: Table{Columns: cols, Data: data}}, nil
}
