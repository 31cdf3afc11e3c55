package amqp

// Performative descriptor codes from the AMQP 1.0 transport and security
// specifications. Only the connection-phase subset is modeled; every other
// code decodes to an opaque frame body.
const (
	descriptorOpen  = 0x10
	descriptorBegin = 0x11
	descriptorEnd   = 0x17
	descriptorClose = 0x18
	descriptorError = 0x1d

	descriptorSaslMechanisms = 0x40
	descriptorSaslInit       = 0x41
	descriptorSaslOutcome    = 0x44
)

// SASL outcome codes. The outcome code is reported but never gates the
// handshake; see Connection's expecting-sasl-outcome handling.
const (
	saslCodeOK       = 0
	saslCodeAuth     = 1
	saslCodeSys      = 2
	saslCodeSysPerm  = 3
	saslCodeSysTemp  = 4
	saslCodeUnnamed5 = 5
)

type openPerformative struct {
	containerID  string
	hostname     string
	maxFrameSize *uint32
	channelMax   *uint16
	idleTimeout  *uint32
	properties   map[symbol]string
}

func (open *openPerformative) marshal() []byte {
	var elements []byte
	elements = appendString(elements, open.containerID)
	if open.hostname != "" {
		elements = appendString(elements, open.hostname)
	} else {
		elements = appendNull(elements)
	}
	if open.maxFrameSize != nil {
		elements = appendUint(elements, *open.maxFrameSize)
	} else {
		elements = appendNull(elements)
	}
	if open.channelMax != nil {
		elements = appendUshort(elements, *open.channelMax)
	} else {
		elements = appendNull(elements)
	}
	if open.idleTimeout != nil {
		elements = appendUint(elements, *open.idleTimeout)
	} else {
		elements = appendNull(elements)
	}
	count := 5

	if len(open.properties) > 0 {
		// outgoing-locales, incoming-locales, offered- and desired-capabilities
		// are unused and encoded as null placeholders before properties.
		for i := 0; i < 4; i++ {
			elements = appendNull(elements)
		}
		var entries []byte
		for _, key := range []symbol{"product", "version", "platform"} {
			if value, exists := open.properties[key]; exists {
				entries = appendSymbol(entries, key)
				entries = appendString(entries, value)
			}
		}
		for key, value := range open.properties {
			if key == "product" || key == "version" || key == "platform" {
				continue
			}
			entries = appendSymbol(entries, key)
			entries = appendString(entries, value)
		}
		elements = appendMap(elements, len(open.properties), entries)
		count = 10
	}

	return appendDescribed(nil, descriptorOpen, appendList(nil, count, elements))
}

func unmarshalOpen(fields []interface{}) *openPerformative {
	open := &openPerformative{
		containerID: fieldString(fields, 0),
		hostname:    fieldString(fields, 1),
	}
	if value, ok := fieldUint(fields, 2); ok {
		size := uint32(value)
		open.maxFrameSize = &size
	}
	if value, ok := fieldUint(fields, 3); ok {
		max := uint16(value)
		open.channelMax = &max
	}
	if value, ok := fieldUint(fields, 4); ok {
		timeout := uint32(value)
		open.idleTimeout = &timeout
	}
	if table, ok := listField(fields, 9).(map[interface{}]interface{}); ok {
		open.properties = make(map[symbol]string, len(table))
		for key, value := range table {
			name, keyOK := key.(symbol)
			text, valueOK := value.(string)
			if keyOK && valueOK {
				open.properties[name] = text
			}
		}
	}
	return open
}

type beginPerformative struct {
	remoteChannel  *uint16
	nextOutgoingID uint32
	incomingWindow uint32
	outgoingWindow uint32
}

func (begin *beginPerformative) marshal() []byte {
	var elements []byte
	if begin.remoteChannel != nil {
		elements = appendUshort(elements, *begin.remoteChannel)
	} else {
		elements = appendNull(elements)
	}
	elements = appendUint(elements, begin.nextOutgoingID)
	elements = appendUint(elements, begin.incomingWindow)
	elements = appendUint(elements, begin.outgoingWindow)
	return appendDescribed(nil, descriptorBegin, appendList(nil, 4, elements))
}

func unmarshalBegin(fields []interface{}) *beginPerformative {
	begin := &beginPerformative{}
	if value, ok := fieldUint(fields, 0); ok {
		channel := uint16(value)
		begin.remoteChannel = &channel
	}
	if value, ok := fieldUint(fields, 1); ok {
		begin.nextOutgoingID = uint32(value)
	}
	if value, ok := fieldUint(fields, 2); ok {
		begin.incomingWindow = uint32(value)
	}
	if value, ok := fieldUint(fields, 3); ok {
		begin.outgoingWindow = uint32(value)
	}
	return begin
}

type endPerformative struct {
	condition   symbol
	description string
}

func (end *endPerformative) marshal() []byte {
	return appendDescribed(nil, descriptorEnd, marshalErrorList(end.condition, end.description))
}

func unmarshalEnd(fields []interface{}) *endPerformative {
	end := &endPerformative{}
	end.condition, end.description = unmarshalErrorField(fields, 0)
	return end
}

type closePerformative struct {
	condition   symbol
	description string
}

func (clos *closePerformative) marshal() []byte {
	return appendDescribed(nil, descriptorClose, marshalErrorList(clos.condition, clos.description))
}

func unmarshalClose(fields []interface{}) *closePerformative {
	clos := &closePerformative{}
	clos.condition, clos.description = unmarshalErrorField(fields, 0)
	return clos
}

// marshalErrorList encodes the single optional error field shared by the end
// and close performatives.
func marshalErrorList(condition symbol, description string) []byte {
	if condition == "" {
		return appendList(nil, 0, nil)
	}
	var errorElements []byte
	errorElements = appendSymbol(errorElements, condition)
	if description != "" {
		errorElements = appendString(errorElements, description)
	}
	errorCount := 1
	if description != "" {
		errorCount = 2
	}
	errorValue := appendDescribed(nil, descriptorError, appendList(nil, errorCount, errorElements))
	return appendList(nil, 1, errorValue)
}

func unmarshalErrorField(fields []interface{}, index int) (symbol, string) {
	wrapped, ok := listField(fields, index).(described)
	if !ok {
		return "", ""
	}
	errorFields, ok := wrapped.value.([]interface{})
	if !ok {
		return "", ""
	}
	condition, _ := listField(errorFields, 0).(symbol)
	description := fieldString(errorFields, 1)
	return condition, description
}

type saslMechanismsPerformative struct {
	mechanisms []symbol
}

func (mechs *saslMechanismsPerformative) marshal() []byte {
	elements := appendSymbolArray(nil, mechs.mechanisms)
	return appendDescribed(nil, descriptorSaslMechanisms, appendList(nil, 1, elements))
}

func unmarshalSaslMechanisms(fields []interface{}) *saslMechanismsPerformative {
	return &saslMechanismsPerformative{mechanisms: fieldSymbols(fields, 0)}
}

type saslInitPerformative struct {
	mechanism       symbol
	initialResponse []byte
	hostname        string
}

func (init *saslInitPerformative) marshal() []byte {
	var elements []byte
	elements = appendSymbol(elements, init.mechanism)
	count := 1
	if init.initialResponse != nil {
		elements = appendBinary(elements, init.initialResponse)
		count = 2
	}
	if init.hostname != "" {
		if count == 1 {
			elements = appendNull(elements)
		}
		elements = appendString(elements, init.hostname)
		count = 3
	}
	return appendDescribed(nil, descriptorSaslInit, appendList(nil, count, elements))
}

func unmarshalSaslInit(fields []interface{}) *saslInitPerformative {
	init := &saslInitPerformative{hostname: fieldString(fields, 2)}
	if mechanism, ok := listField(fields, 0).(symbol); ok {
		init.mechanism = mechanism
	}
	init.initialResponse = fieldBinary(fields, 1)
	return init
}

type saslOutcomePerformative struct {
	code           byte
	additionalData []byte
}

func (outcome *saslOutcomePerformative) marshal() []byte {
	var elements []byte
	elements = appendUbyte(elements, outcome.code)
	count := 1
	if outcome.additionalData != nil {
		elements = appendBinary(elements, outcome.additionalData)
		count = 2
	}
	return appendDescribed(nil, descriptorSaslOutcome, appendList(nil, count, elements))
}

func unmarshalSaslOutcome(fields []interface{}) *saslOutcomePerformative {
	outcome := &saslOutcomePerformative{additionalData: fieldBinary(fields, 1)}
	if value, ok := fieldUint(fields, 0); ok {
		outcome.code = byte(value)
	}
	return outcome
}

// decodePerformative maps a frame body to its typed performative record.
// Codes outside the connection-phase subset return nil so the caller can
// carry the body opaquely.
func decodePerformative(body []byte) (interface{}, error) {
	if len(body) == 0 {
		return nil, nil
	}

	value, _, err := readValue(body)
	if err != nil {
		return nil, err
	}
	wrapped, ok := value.(described)
	if !ok {
		return nil, NewError(DecodeError, "frame body is not a described type")
	}
	code, ok := wrapped.code()
	if !ok {
		return nil, nil
	}
	fields, ok := wrapped.value.([]interface{})
	if !ok {
		return nil, NewError(DecodeError, "performative body is not a list")
	}

	switch code {
	case descriptorOpen:
		return unmarshalOpen(fields), nil
	case descriptorBegin:
		return unmarshalBegin(fields), nil
	case descriptorEnd:
		return unmarshalEnd(fields), nil
	case descriptorClose:
		return unmarshalClose(fields), nil
	case descriptorSaslMechanisms:
		return unmarshalSaslMechanisms(fields), nil
	case descriptorSaslInit:
		return unmarshalSaslInit(fields), nil
	case descriptorSaslOutcome:
		return unmarshalSaslOutcome(fields), nil
	}

	return nil, nil
}
