package amqp

import "encoding/binary"

// AMQP 1.0 type-constructor bytes used by the connection-phase codec.
const (
	ctorNull      = 0x40
	ctorBoolTrue  = 0x41
	ctorBoolFalse = 0x42
	ctorUint0     = 0x43
	ctorUlong0    = 0x44
	ctorList0     = 0x45
	ctorUbyte     = 0x50
	ctorSmallUint = 0x52
	ctorSmallLong = 0x53
	ctorUshort    = 0x60
	ctorUint      = 0x70
	ctorUlong     = 0x80
	ctorBin8      = 0xa0
	ctorStr8      = 0xa1
	ctorSym8      = 0xa3
	ctorBin32     = 0xb0
	ctorStr32     = 0xb1
	ctorSym32     = 0xb3
	ctorList8     = 0xc0
	ctorMap8      = 0xc1
	ctorList32    = 0xd0
	ctorMap32     = 0xd1
	ctorArray8    = 0xe0
	ctorArray32   = 0xf0
	ctorDescribed = 0x00
)

// symbol distinguishes AMQP symbol values from plain strings in both the
// encoder and the generic decoder.
type symbol string

func appendNull(buffer []byte) []byte {
	return append(buffer, ctorNull)
}

func appendBool(buffer []byte, value bool) []byte {
	if value {
		return append(buffer, ctorBoolTrue)
	}
	return append(buffer, ctorBoolFalse)
}

func appendUbyte(buffer []byte, value byte) []byte {
	return append(buffer, ctorUbyte, value)
}

func appendUshort(buffer []byte, value uint16) []byte {
	buffer = append(buffer, ctorUshort)
	return binary.BigEndian.AppendUint16(buffer, value)
}

func appendUint(buffer []byte, value uint32) []byte {
	switch {
	case value == 0:
		return append(buffer, ctorUint0)
	case value < 256:
		return append(buffer, ctorSmallUint, byte(value))
	default:
		buffer = append(buffer, ctorUint)
		return binary.BigEndian.AppendUint32(buffer, value)
	}
}

func appendUlong(buffer []byte, value uint64) []byte {
	switch {
	case value == 0:
		return append(buffer, ctorUlong0)
	case value < 256:
		return append(buffer, ctorSmallLong, byte(value))
	default:
		buffer = append(buffer, ctorUlong)
		return binary.BigEndian.AppendUint64(buffer, value)
	}
}

func appendString(buffer []byte, value string) []byte {
	if len(value) < 256 {
		buffer = append(buffer, ctorStr8, byte(len(value)))
		return append(buffer, value...)
	}
	buffer = append(buffer, ctorStr32)
	buffer = binary.BigEndian.AppendUint32(buffer, uint32(len(value)))
	return append(buffer, value...)
}

func appendSymbol(buffer []byte, value symbol) []byte {
	if len(value) < 256 {
		buffer = append(buffer, ctorSym8, byte(len(value)))
		return append(buffer, value...)
	}
	buffer = append(buffer, ctorSym32)
	buffer = binary.BigEndian.AppendUint32(buffer, uint32(len(value)))
	return append(buffer, value...)
}

func appendBinary(buffer []byte, value []byte) []byte {
	if len(value) < 256 {
		buffer = append(buffer, ctorBin8, byte(len(value)))
		return append(buffer, value...)
	}
	buffer = append(buffer, ctorBin32)
	buffer = binary.BigEndian.AppendUint32(buffer, uint32(len(value)))
	return append(buffer, value...)
}

// appendList wraps already-encoded element bytes in a list envelope. The
// compact list8 form is used whenever size and count allow it.
func appendList(buffer []byte, count int, elements []byte) []byte {
	if count == 0 {
		return append(buffer, ctorList0)
	}
	if len(elements)+1 < 256 && count < 256 {
		buffer = append(buffer, ctorList8, byte(len(elements)+1), byte(count))
		return append(buffer, elements...)
	}
	buffer = append(buffer, ctorList32)
	buffer = binary.BigEndian.AppendUint32(buffer, uint32(len(elements)+4))
	buffer = binary.BigEndian.AppendUint32(buffer, uint32(count))
	return append(buffer, elements...)
}

// appendMap wraps already-encoded key/value bytes in a map envelope. count is
// the number of entries, not the number of encoded values.
func appendMap(buffer []byte, count int, entries []byte) []byte {
	if len(entries)+1 < 256 && count*2 < 256 {
		buffer = append(buffer, ctorMap8, byte(len(entries)+1), byte(count*2))
		return append(buffer, entries...)
	}
	buffer = append(buffer, ctorMap32)
	buffer = binary.BigEndian.AppendUint32(buffer, uint32(len(entries)+4))
	buffer = binary.BigEndian.AppendUint32(buffer, uint32(count*2))
	return append(buffer, entries...)
}

// appendSymbolArray encodes a homogeneous array of symbols, the layout the
// sasl-mechanisms and capability fields use on the wire.
func appendSymbolArray(buffer []byte, values []symbol) []byte {
	if len(values) == 0 {
		return appendNull(buffer)
	}

	var elements []byte
	wide := false
	for _, value := range values {
		if len(value) > 255 {
			wide = true
		}
	}
	for _, value := range values {
		if wide {
			elements = binary.BigEndian.AppendUint32(elements, uint32(len(value)))
		} else {
			elements = append(elements, byte(len(value)))
		}
		elements = append(elements, value...)
	}

	ctor := byte(ctorSym8)
	if wide {
		ctor = ctorSym32
	}
	if len(elements)+2 < 256 && len(values) < 256 && !wide {
		buffer = append(buffer, ctorArray8, byte(len(elements)+2), byte(len(values)), ctor)
		return append(buffer, elements...)
	}
	buffer = append(buffer, ctorArray32)
	buffer = binary.BigEndian.AppendUint32(buffer, uint32(len(elements)+5))
	buffer = binary.BigEndian.AppendUint32(buffer, uint32(len(values)))
	buffer = append(buffer, ctor)
	return append(buffer, elements...)
}

// appendDescribed prefixes an encoded value with a ulong descriptor code.
func appendDescribed(buffer []byte, descriptor uint64, value []byte) []byte {
	buffer = append(buffer, ctorDescribed)
	buffer = appendUlong(buffer, descriptor)
	return append(buffer, value...)
}
