package modbus

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MBAP Header (7 Bytes) + Function Code + Data
type ModbusFrame struct {
	TransactionID uint16 // Request/Response Korrelation
	ProtocolID    uint16 // Immer 0x0000 für Modbus
	Length        uint16 // Anzahl folgender Bytes
	UnitID        uint8
	FunctionCode  uint8
	Data          []byte
}

const (
	FuncCodeReadHoldingRegisters   = 0x03
	FuncCodeWriteSingleRegister    = 0x06
	FuncCodeWriteMultipleRegisters = 0x10

	// exceptionBit is set on the function code of an error response.
	exceptionBit = 0x80

	mbapHeaderLength = 7
	maxFrameLength   = 260
)

var ErrShortFrame = errors.New("modbus: frame too short")

// ExceptionError is a Modbus exception response from the server.
type ExceptionError struct {
	FunctionCode uint8
	Code         uint8
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("modbus exception 0x%02X on function 0x%02X (%s)", e.Code, e.FunctionCode, exceptionText(e.Code))
}

func exceptionText(code uint8) string {
	switch code {
	case 0x01:
		return "illegal function"
	case 0x02:
		return "illegal data address"
	case 0x03:
		return "illegal data value"
	case 0x04:
		return "server device failure"
	case 0x06:
		return "server device busy"
	default:
		return "unknown"
	}
}

// Encode builds the full TCP frame.
func (f *ModbusFrame) Encode() []byte {
	// UnitID + FunctionCode + Data
	f.Length = uint16(len(f.Data) + 2)

	frame := make([]byte, mbapHeaderLength+1+len(f.Data))

	binary.BigEndian.PutUint16(frame[0:2], f.TransactionID)
	binary.BigEndian.PutUint16(frame[2:4], f.ProtocolID)
	binary.BigEndian.PutUint16(frame[4:6], f.Length)
	frame[6] = f.UnitID

	frame[7] = f.FunctionCode
	copy(frame[8:], f.Data)

	return frame
}

// DecodeFrame parses a received frame. The data slice is copied.
func DecodeFrame(data []byte) (*ModbusFrame, error) {
	if len(data) < mbapHeaderLength+1 {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(data))
	}

	frame := &ModbusFrame{
		TransactionID: binary.BigEndian.Uint16(data[0:2]),
		ProtocolID:    binary.BigEndian.Uint16(data[2:4]),
		Length:        binary.BigEndian.Uint16(data[4:6]),
		UnitID:        data[6],
		FunctionCode:  data[7],
	}

	if frame.ProtocolID != 0x0000 {
		return nil, fmt.Errorf("invalid protocol ID: 0x%04X", frame.ProtocolID)
	}

	if len(data) > 8 {
		frame.Data = append([]byte(nil), data[8:]...)
	}

	return frame, nil
}

// Err returns an *ExceptionError when the frame is an exception response.
func (f *ModbusFrame) Err() error {
	if f.FunctionCode&exceptionBit == 0 {
		return nil
	}
	var code uint8
	if len(f.Data) > 0 {
		code = f.Data[0]
	}
	return &ExceptionError{FunctionCode: f.FunctionCode &^ exceptionBit, Code: code}
}

// ReadHoldingRegistersRequest erstellt Request für Function Code 0x03
func ReadHoldingRegistersRequest(unitID uint8, startAddr uint16, quantity uint16) *ModbusFrame {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], startAddr)
	binary.BigEndian.PutUint16(data[2:4], quantity)

	return &ModbusFrame{
		UnitID:       unitID,
		FunctionCode: FuncCodeReadHoldingRegisters,
		Data:         data,
	}
}

// WriteSingleRegisterRequest erstellt Request für Function Code 0x06
func WriteSingleRegisterRequest(unitID uint8, addr uint16, value uint16) *ModbusFrame {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], addr)
	binary.BigEndian.PutUint16(data[2:4], value)

	return &ModbusFrame{
		UnitID:       unitID,
		FunctionCode: FuncCodeWriteSingleRegister,
		Data:         data,
	}
}

// WriteMultipleRegistersRequest builds a function 0x10 request.
func WriteMultipleRegistersRequest(unitID uint8, startAddr uint16, values []uint16) *ModbusFrame {
	data := make([]byte, 5+2*len(values))
	binary.BigEndian.PutUint16(data[0:2], startAddr)
	binary.BigEndian.PutUint16(data[2:4], uint16(len(values)))
	data[4] = byte(2 * len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(data[5+2*i:], v)
	}

	return &ModbusFrame{
		UnitID:       unitID,
		FunctionCode: FuncCodeWriteMultipleRegisters,
		Data:         data,
	}
}

// ParseRegisterResponse parses a holding register response.
func (f *ModbusFrame) ParseRegisterResponse() ([]uint16, error) {
	if err := f.Err(); err != nil {
		return nil, err
	}
	if len(f.Data) < 1 {
		return nil, fmt.Errorf("response too short")
	}

	byteCount := int(f.Data[0])
	if len(f.Data) < byteCount+1 {
		return nil, fmt.Errorf("incomplete response data")
	}

	registers := make([]uint16, byteCount/2)
	for i := range registers {
		offset := 1 + i*2
		registers[i] = binary.BigEndian.Uint16(f.Data[offset : offset+2])
	}

	return registers, nil
}
