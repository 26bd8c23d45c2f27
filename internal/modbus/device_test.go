package modbus

import (
	"context"
	"encoding/binary"
	"io"
	"math"
	"net"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer answers read/write register requests from an in-memory map.
type fakeServer struct {
	ln net.Listener

	mu   sync.Mutex
	regs map[uint16]uint16
}

func startFakeServer(t *testing.T, regs map[uint16]uint16) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &fakeServer{ln: ln, regs: regs}
	go s.serve()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *fakeServer) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *fakeServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *fakeServer) handle(conn net.Conn) {
	defer conn.Close()
	for {
		header := make([]byte, mbapHeaderLen)
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		rest := make([]byte, binary.BigEndian.Uint16(header[4:6])-1)
		if _, err := io.ReadFull(conn, rest); err != nil {
			return
		}
		req, err := DecodeFrame(append(header, rest...))
		if err != nil {
			return
		}

		resp := &Frame{TransactionID: req.TransactionID, UnitID: req.UnitID, FunctionCode: req.FunctionCode}
		addr := binary.BigEndian.Uint16(req.Data[0:2])
		arg := binary.BigEndian.Uint16(req.Data[2:4])

		s.mu.Lock()
		switch req.FunctionCode {
		case FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters:
			if _, ok := s.regs[addr]; !ok {
				resp.FunctionCode |= exceptionFlag
				resp.Data = []byte{0x02}
				break
			}
			resp.Data = []byte{byte(arg * 2)}
			for i := uint16(0); i < arg; i++ {
				resp.Data = binary.BigEndian.AppendUint16(resp.Data, s.regs[addr+i])
			}
		case FuncCodeWriteSingleRegister:
			s.regs[addr] = arg
			resp.Data = req.Data
		}
		s.mu.Unlock()

		if _, err := conn.Write(resp.Encode()); err != nil {
			return
		}
	}
}

func (s *fakeServer) get(addr uint16) uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regs[addr]
}

func testInstrument(t *testing.T, srv *fakeServer) *Instrument {
	t.Helper()
	inst, err := NewInstrument(InstrumentConfig{
		Host: "127.0.0.1",
		Registers: []Register{
			{Name: "Temperature", Address: 0, DataType: DataTypeInt16, ScaleFactor: 0.1, Unit: "degC"},
			{Name: "Counter", Address: 1, DataType: DataTypeUint32, Unit: "count"},
			{Name: "Setpoint", Address: 3, DataType: DataTypeUint16, ScaleFactor: 0.5, Unit: "V", Access: AccessTypeReadWrite},
			{Name: "Flow", Address: 4, Type: RegisterTypeInputRegister, DataType: DataTypeFloat32, Unit: "l/min"},
		},
	})
	require.NoError(t, err)
	require.NoError(t, inst.Configure(map[string]any{"port": strconv.Itoa(srv.port())}))
	require.NoError(t, inst.Open(context.Background()))
	t.Cleanup(func() { inst.Close() })
	return inst
}

func TestInstrumentMeasure(t *testing.T) {
	flow := math.Float32bits(2.5)
	srv := startFakeServer(t, map[uint16]uint16{
		0: uint16(0xFFFF - 214), // -21.5 degC
		1: 0x0001,
		2: 0x0002,
		3: 20,
		4: uint16(flow >> 16),
		5: uint16(flow),
	})
	inst := testInstrument(t, srv)

	values, err := inst.Measure(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, -21.5, values["Temperature"], 1e-9)
	assert.Equal(t, float64(0x00010002), values["Counter"])
	assert.Equal(t, 10.0, values["Setpoint"])
	assert.Equal(t, 2.5, values["Flow"])

	assert.Equal(t, []string{"Temperature", "Counter", "Setpoint", "Flow"}, inst.Columns().Names())
}

func TestInstrumentSendReceive(t *testing.T) {
	srv := startFakeServer(t, map[uint16]uint16{0: 100, 1: 0, 2: 0, 3: 0, 4: 0, 5: 0})
	inst := testInstrument(t, srv)

	line, err := inst.Receive()
	require.NoError(t, err)
	assert.Empty(t, line)

	require.NoError(t, inst.Send("Setpoint=7.5"))
	assert.Equal(t, uint16(15), srv.get(3))

	require.NoError(t, inst.Send("Temperature"))
	line, err = inst.Receive()
	require.NoError(t, err)
	assert.Equal(t, "Setpoint=7.5", line)
	line, err = inst.Receive()
	require.NoError(t, err)
	assert.Equal(t, "Temperature=10", line)

	assert.Error(t, inst.Send("Temperature=1"), "read-only register")
	assert.Error(t, inst.Send("Unknown"))

	require.NoError(t, inst.Send("Temperature"))
	require.NoError(t, inst.ResetBuffer())
	line, _ = inst.Receive()
	assert.Empty(t, line)
}

func TestInstrumentException(t *testing.T) {
	srv := startFakeServer(t, map[uint16]uint16{})
	inst := testInstrument(t, srv)

	_, err := inst.ReadRegister(context.Background(), "Temperature")
	var exc *ExceptionError
	require.ErrorAs(t, err, &exc)
	assert.Equal(t, uint8(0x02), exc.Code)
	assert.Equal(t, uint8(FuncCodeReadHoldingRegisters), exc.FunctionCode)
}

func TestInstrumentNotConnected(t *testing.T) {
	inst, err := NewInstrument(InstrumentConfig{Registers: []Register{{Name: "A"}}})
	require.NoError(t, err)

	_, err = inst.Measure(context.Background())
	assert.Error(t, err)
	_, err = inst.Receive()
	assert.Error(t, err)
	assert.NoError(t, inst.Close())
}

func TestNewInstrumentRejectsBadRegisters(t *testing.T) {
	_, err := NewInstrument(InstrumentConfig{Registers: []Register{{Name: "A"}, {Name: "A"}}})
	assert.Error(t, err)
	_, err = NewInstrument(InstrumentConfig{Registers: []Register{{Name: "A", DataType: "float64"}}})
	assert.Error(t, err)
	_, err = NewInstrument(InstrumentConfig{Registers: []Register{{Address: 3}}})
	assert.Error(t, err)
}

func TestFrameRoundTrip(t *testing.T) {
	req := ReadHoldingRegistersRequest(7, 0x0010, 2)
	req.TransactionID = 42
	decoded, err := DecodeFrame(req.Encode())
	require.NoError(t, err)
	assert.Equal(t, uint16(42), decoded.TransactionID)
	assert.Equal(t, uint16(6), decoded.Length)
	assert.Equal(t, uint8(7), decoded.UnitID)
	assert.Equal(t, []byte{0x00, 0x10, 0x00, 0x02}, decoded.Data)

	_, err = DecodeFrame([]byte{0, 1, 0, 1, 0, 2, 1, 3})
	assert.Error(t, err, "protocol id must be zero")
}
