package modbus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

var ErrNotConnected = errors.New("not connected")

// Client is a Modbus TCP client. Requests are serialized on one connection.
type Client struct {
	address       string
	timeout       time.Duration
	mu            sync.Mutex
	conn          net.Conn
	transactionID uint16
}

func NewClient(address string, timeout time.Duration) *Client {
	return &Client{
		address: address,
		timeout: timeout,
	}
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.address)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}

	c.conn = conn
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// SendFrame writes request and waits for the matching response.
func (c *Client) SendFrame(ctx context.Context, request *Frame) (*Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, ErrNotConnected
	}

	c.transactionID++
	request.TransactionID = c.transactionID

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	if _, err := c.conn.Write(request.Encode()); err != nil {
		return nil, fmt.Errorf("write failed: %w", err)
	}

	header := make([]byte, mbapHeaderLen)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		return nil, fmt.Errorf("read failed: %w", err)
	}
	length := binary.BigEndian.Uint16(header[4:6])
	if length < 2 || length > 254 {
		return nil, fmt.Errorf("invalid frame length %d", length)
	}

	// length counts the unit id, which is already in the header
	rest := make([]byte, length-1)
	if _, err := io.ReadFull(c.conn, rest); err != nil {
		return nil, fmt.Errorf("read failed: %w", err)
	}

	response, err := DecodeFrame(append(header, rest...))
	if err != nil {
		return nil, fmt.Errorf("decode failed: %w", err)
	}
	if response.TransactionID != request.TransactionID {
		return nil, fmt.Errorf("transaction ID mismatch: expected %d, got %d",
			request.TransactionID, response.TransactionID)
	}

	return response, nil
}

func (c *Client) ReadHoldingRegisters(ctx context.Context, unitID uint8, startAddr, quantity uint16) ([]uint16, error) {
	response, err := c.SendFrame(ctx, ReadHoldingRegistersRequest(unitID, startAddr, quantity))
	if err != nil {
		return nil, err
	}
	return response.ParseRegisterResponse()
}

func (c *Client) ReadInputRegisters(ctx context.Context, unitID uint8, startAddr, quantity uint16) ([]uint16, error) {
	response, err := c.SendFrame(ctx, ReadInputRegistersRequest(unitID, startAddr, quantity))
	if err != nil {
		return nil, err
	}
	return response.ParseRegisterResponse()
}

func (c *Client) WriteSingleRegister(ctx context.Context, unitID uint8, addr, value uint16) error {
	response, err := c.SendFrame(ctx, WriteSingleRegisterRequest(unitID, addr, value))
	if err != nil {
		return err
	}
	return response.Exception()
}
