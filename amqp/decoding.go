package amqp

import "encoding/binary"

// described is the decoded form of an AMQP described type: a descriptor
// (usually a ulong performative code) and the described value.
type described struct {
	descriptor interface{}
	value      interface{}
}

func (d described) code() (uint64, bool) {
	code, ok := d.descriptor.(uint64)
	return code, ok
}

// readValue decodes a single AMQP-encoded value from data and returns it
// together with the remaining bytes. All unsigned integer widths decode to
// uint64; strings and symbols keep distinct Go types so performative field
// checks can tell them apart.
func readValue(data []byte) (interface{}, []byte, error) {
	if len(data) == 0 {
		return nil, nil, NewError(DecodeError, "truncated value")
	}

	ctor := data[0]
	data = data[1:]

	switch ctor {
	case ctorNull:
		return nil, data, nil
	case ctorBoolTrue:
		return true, data, nil
	case ctorBoolFalse:
		return false, data, nil
	case 0x56: // boolean with payload octet
		if len(data) < 1 {
			return nil, nil, NewError(DecodeError, "truncated boolean")
		}
		return data[0] == 1, data[1:], nil
	case ctorUint0, ctorUlong0:
		return uint64(0), data, nil
	case ctorUbyte, ctorSmallUint, ctorSmallLong:
		if len(data) < 1 {
			return nil, nil, NewError(DecodeError, "truncated integer")
		}
		return uint64(data[0]), data[1:], nil
	case 0x51, 0x54, 0x55: // small signed widths appear in broker error fields
		if len(data) < 1 {
			return nil, nil, NewError(DecodeError, "truncated integer")
		}
		return uint64(int64(int8(data[0]))), data[1:], nil
	case ctorUshort, 0x61:
		if len(data) < 2 {
			return nil, nil, NewError(DecodeError, "truncated short")
		}
		return uint64(binary.BigEndian.Uint16(data)), data[2:], nil
	case ctorUint, 0x71:
		if len(data) < 4 {
			return nil, nil, NewError(DecodeError, "truncated int")
		}
		return uint64(binary.BigEndian.Uint32(data)), data[4:], nil
	case ctorUlong, 0x81:
		if len(data) < 8 {
			return nil, nil, NewError(DecodeError, "truncated long")
		}
		return binary.BigEndian.Uint64(data), data[8:], nil
	case ctorBin8, ctorStr8, ctorSym8:
		if len(data) < 1 {
			return nil, nil, NewError(DecodeError, "truncated size")
		}
		size := int(data[0])
		data = data[1:]
		if len(data) < size {
			return nil, nil, NewError(DecodeError, "truncated payload")
		}
		return variableValue(ctor, data[:size]), data[size:], nil
	case ctorBin32, ctorStr32, ctorSym32:
		if len(data) < 4 {
			return nil, nil, NewError(DecodeError, "truncated size")
		}
		size := int(binary.BigEndian.Uint32(data))
		data = data[4:]
		if len(data) < size || size < 0 {
			return nil, nil, NewError(DecodeError, "truncated payload")
		}
		return variableValue(ctor-0x10, data[:size]), data[size:], nil
	case ctorList0:
		return []interface{}{}, data, nil
	case ctorList8, ctorMap8, ctorArray8:
		if len(data) < 2 {
			return nil, nil, NewError(DecodeError, "truncated compound")
		}
		size, count := int(data[0]), int(data[1])
		if size < 1 || len(data) < 1+size {
			return nil, nil, NewError(DecodeError, "truncated compound body")
		}
		return readCompound(ctor, count, data[2:1+size], data[1+size:])
	case ctorList32, ctorMap32, ctorArray32:
		if len(data) < 8 {
			return nil, nil, NewError(DecodeError, "truncated compound")
		}
		size := int(binary.BigEndian.Uint32(data))
		count := int(binary.BigEndian.Uint32(data[4:]))
		if size < 4 || len(data) < 4+size {
			return nil, nil, NewError(DecodeError, "truncated compound body")
		}
		return readCompound(ctor-0x10, count, data[8:4+size], data[4+size:])
	case ctorDescribed:
		descriptor, rest, err := readValue(data)
		if err != nil {
			return nil, nil, err
		}
		value, rest, err := readValue(rest)
		if err != nil {
			return nil, nil, err
		}
		return described{descriptor: descriptor, value: value}, rest, nil
	}

	return nil, nil, NewError(DecodeError, "unsupported type constructor")
}

func variableValue(ctor byte, payload []byte) interface{} {
	switch ctor {
	case ctorStr8:
		return string(payload)
	case ctorSym8:
		return symbol(payload)
	default:
		return append([]byte(nil), payload...)
	}
}

func readCompound(ctor byte, count int, body []byte, rest []byte) (interface{}, []byte, error) {
	switch ctor {
	case ctorList8:
		values := make([]interface{}, 0, count)
		for i := 0; i < count; i++ {
			var value interface{}
			var err error
			value, body, err = readValue(body)
			if err != nil {
				return nil, nil, err
			}
			values = append(values, value)
		}
		return values, rest, nil

	case ctorMap8:
		if count%2 != 0 {
			return nil, nil, NewError(DecodeError, "odd map entry count")
		}
		entries := make(map[interface{}]interface{}, count/2)
		for i := 0; i < count/2; i++ {
			var key, value interface{}
			var err error
			key, body, err = readValue(body)
			if err != nil {
				return nil, nil, err
			}
			value, body, err = readValue(body)
			if err != nil {
				return nil, nil, err
			}
			entries[key] = value
		}
		return entries, rest, nil

	case ctorArray8:
		if len(body) < 1 {
			return nil, nil, NewError(DecodeError, "truncated array constructor")
		}
		elementCtor := body[0]
		body = body[1:]
		values := make([]interface{}, 0, count)
		for i := 0; i < count; i++ {
			var value interface{}
			var err error
			value, body, err = readArrayElement(elementCtor, body)
			if err != nil {
				return nil, nil, err
			}
			values = append(values, value)
		}
		return values, rest, nil
	}

	return nil, nil, NewError(DecodeError, "unsupported compound constructor")
}

// readArrayElement decodes one array element; array elements share the
// constructor byte declared once for the whole array.
func readArrayElement(ctor byte, body []byte) (interface{}, []byte, error) {
	switch ctor {
	case ctorStr8, ctorSym8, ctorBin8:
		if len(body) < 1 {
			return nil, nil, NewError(DecodeError, "truncated array element")
		}
		size := int(body[0])
		if len(body) < 1+size {
			return nil, nil, NewError(DecodeError, "truncated array element")
		}
		return variableValue(ctor, body[1:1+size]), body[1+size:], nil
	case ctorStr32, ctorSym32, ctorBin32:
		if len(body) < 4 {
			return nil, nil, NewError(DecodeError, "truncated array element")
		}
		size := int(binary.BigEndian.Uint32(body))
		if size < 0 || len(body) < 4+size {
			return nil, nil, NewError(DecodeError, "truncated array element")
		}
		return variableValue(ctor-0x10, body[4:4+size]), body[4+size:], nil
	case ctorUbyte, ctorSmallUint, ctorSmallLong:
		if len(body) < 1 {
			return nil, nil, NewError(DecodeError, "truncated array element")
		}
		return uint64(body[0]), body[1:], nil
	case ctorUint, ctorUshort, ctorUlong:
		prefixed := make([]byte, 0, 1+len(body))
		prefixed = append(prefixed, ctor)
		prefixed = append(prefixed, body...)
		value, rest, err := readValue(prefixed)
		if err != nil {
			return nil, nil, err
		}
		return value, rest, nil
	}
	return nil, nil, NewError(DecodeError, "unsupported array constructor")
}

func listField(values []interface{}, index int) interface{} {
	if index < len(values) {
		return values[index]
	}
	return nil
}

func fieldString(values []interface{}, index int) string {
	switch value := listField(values, index).(type) {
	case string:
		return value
	case symbol:
		return string(value)
	}
	return ""
}

func fieldUint(values []interface{}, index int) (uint64, bool) {
	value, ok := listField(values, index).(uint64)
	return value, ok
}

func fieldBinary(values []interface{}, index int) []byte {
	value, _ := listField(values, index).([]byte)
	return value
}

func fieldSymbols(values []interface{}, index int) []symbol {
	switch value := listField(values, index).(type) {
	case symbol:
		return []symbol{value}
	case []interface{}:
		symbols := make([]symbol, 0, len(value))
		for _, element := range value {
			if sym, ok := element.(symbol); ok {
				symbols = append(symbols, sym)
			}
		}
		return symbols
	}
	return nil
}
