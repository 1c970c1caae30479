// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package pim

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.bug.st/serial"
)

// Transport is the byte stream to the PIM. A Read returning (0, nil) is a
// timeout with no data.
type Transport interface {
	io.Reader
	io.Writer
	io.Closer
}

// Serial line defaults for a PIM
const (
	DefaultBaudRate    = 4800
	DefaultReadTimeout = 100 * time.Millisecond
)

// SerialTransport wraps a serial port
type SerialTransport struct {
	port serial.Port
	name string
}

func (s *SerialTransport) Read(p []byte) (int, error) {
	return s.port.Read(p)
}

func (s *SerialTransport) Write(p []byte) (int, error) {
	return s.port.Write(p)
}

func (s *SerialTransport) Close() error {
	return s.port.Close()
}

func (s *SerialTransport) String() string {
	return s.name
}

// OpenSerial opens a PIM serial port at 8N1. A baudRate <= 0 selects
// DefaultBaudRate. Open failures are returned as *TransportError.
func OpenSerial(portName string, baudRate int) (*SerialTransport, error) {
	if baudRate <= 0 {
		baudRate = DefaultBaudRate
	}
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, &TransportError{
			Reason: ReasonOf(err),
			Err:    fmt.Errorf("open serial port %s: %w", portName, err),
		}
	}

	if err := port.SetReadTimeout(DefaultReadTimeout); err != nil {
		port.Close()
		return nil, &TransportError{
			Reason: ReasonUnsupportedConfig,
			Err:    fmt.Errorf("set read timeout on %s: %w", portName, err),
		}
	}

	return &SerialTransport{
		port: port,
		name: fmt.Sprintf("Serial: %s @ %d baud", portName, baudRate),
	}, nil
}

// ListPorts returns the serial ports present on the system.
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}

// ReasonOf categorizes a transport error.
func ReasonOf(err error) Reason {
	if err == nil {
		return ReasonNone
	}

	var te *TransportError
	if errors.As(err, &te) {
		return te.Reason
	}

	var pe *serial.PortError
	if errors.As(err, &pe) {
		switch pe.Code() {
		case serial.PortNotFound:
			return ReasonPortNotFound
		case serial.PortBusy, serial.PermissionDenied:
			return ReasonPortInUse
		case serial.InvalidSpeed, serial.InvalidDataBits, serial.InvalidParity,
			serial.InvalidStopBits, serial.InvalidSerialPort:
			return ReasonUnsupportedConfig
		}
	}

	return ReasonTransportError
}

// ErrConnectionClosed is returned when reading from a closed WebSocket transport
var ErrConnectionClosed = errors.New("pim: websocket connection closed")

// WebSocketTransport carries the PIM byte stream in binary WebSocket
// messages, as exposed by serial-to-network bridges.
//
// A pump goroutine owns the connection's read side. Read waits for it at
// most DefaultReadTimeout, so an idle bridge yields (0, nil) like a serial
// port does.
type WebSocketTransport struct {
	conn *websocket.Conn
	url  string

	messages  chan []byte // closed by the pump when the connection fails
	pumpErr   error       // set before messages is closed
	done      chan struct{}
	closeOnce sync.Once

	readMu    sync.Mutex
	buf       []byte
	bufOffset int
	err       error

	writeMu sync.Mutex
}

func newWebSocketTransport(conn *websocket.Conn, url string) *WebSocketTransport {
	w := &WebSocketTransport{
		conn:     conn,
		url:      url,
		messages: make(chan []byte),
		done:     make(chan struct{}),
	}
	go w.pump()
	return w
}

func (w *WebSocketTransport) pump() {
	defer close(w.messages)
	for {
		messageType, data, err := w.conn.ReadMessage()
		if err != nil {
			w.pumpErr = err
			return
		}

		// Text messages are bridge chatter, not PIM bytes
		if messageType != websocket.BinaryMessage {
			continue
		}

		select {
		case w.messages <- data:
		case <-w.done:
			return
		}
	}
}

func (w *WebSocketTransport) Read(p []byte) (int, error) {
	w.readMu.Lock()
	defer w.readMu.Unlock()

	if w.bufOffset < len(w.buf) {
		n := copy(p, w.buf[w.bufOffset:])
		w.bufOffset += n
		return n, nil
	}
	if w.err != nil {
		return 0, w.err
	}

	timer := time.NewTimer(DefaultReadTimeout)
	defer timer.Stop()

	select {
	case data, ok := <-w.messages:
		if !ok {
			w.err = w.pumpErr
			if w.err == nil || w.isClosed() {
				w.err = ErrConnectionClosed
			}
			return 0, w.err
		}
		w.buf = data
		n := copy(p, w.buf)
		w.bufOffset = n
		return n, nil
	case <-w.done:
		w.err = ErrConnectionClosed
		return 0, w.err
	case <-timer.C:
		return 0, nil
	}
}

func (w *WebSocketTransport) isClosed() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

func (w *WebSocketTransport) Write(p []byte) (int, error) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close closes the connection and ends the pump.
func (w *WebSocketTransport) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.conn.Close()
	})
	return err
}

func (w *WebSocketTransport) String() string {
	return "WebSocket: " + w.url
}

// WebSocketOptions configures DialWebSocket.
type WebSocketOptions struct {
	Username      string
	Password      string
	SkipTLSVerify bool
	Timeout       time.Duration // 15s when zero
}

// DialWebSocket connects to a ws:// or wss:// serial bridge, with HTTP Basic
// auth when credentials are given.
func DialWebSocket(ctx context.Context, rawURL string, opts WebSocketOptions) (*WebSocketTransport, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &TransportError{Reason: ReasonUnsupportedConfig, Err: fmt.Errorf("invalid URL: %w", err)}
	}

	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, &TransportError{
			Reason: ReasonUnsupportedConfig,
			Err:    fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme),
		}
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: opts.SkipTLSVerify,
		}
	}

	headers := http.Header{}
	if opts.Username != "" && opts.Password != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(opts.Username + ":" + opts.Password))
		headers.Set("Authorization", "Basic "+credentials)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, rawURL, headers)
	if err != nil {
		reason := ReasonTransportError
		if resp != nil {
			if resp.StatusCode == http.StatusNotFound {
				reason = ReasonPortNotFound
			}
			return nil, &TransportError{Reason: reason, Err: fmt.Errorf("websocket connection failed (HTTP %d): %w", resp.StatusCode, err)}
		}
		return nil, &TransportError{Reason: reason, Err: fmt.Errorf("websocket connection failed: %w", err)}
	}

	return newWebSocketTransport(conn, rawURL), nil
}
