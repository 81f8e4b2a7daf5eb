// Package stub implements a file-backed Connection: inbound envelopes are
// appended as comma-delimited records to an input file by some external
// writer and picked up via fsnotify; outbound envelopes are appended as the
// same record shape to an output file (spec.md §6, "stub" variant).
//
// Record shape: "to,sender,protocol_id,message,", i.e. the three leading
// fields are comma-delimited and the message occupies everything between
// the third comma and a single trailing comma terminator — the message
// itself may contain commas or newlines without ambiguity, since only the
// first three commas are treated as field separators.
package stub

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/tenzoki/agen/mux/internal/connection"
	"github.com/tenzoki/agen/mux/internal/envelope"
	"github.com/tenzoki/agen/mux/internal/ids"
)

// recordError wraps a failure to parse one input-file record.
type recordError struct {
	reason string
}

func (e *recordError) Error() string { return fmt.Sprintf("stub connection: %s", e.reason) }

// Connection is a Connection backed by two plain files on disk.
type Connection struct {
	id         ids.ConnectionId
	restricted []ids.ProtocolId
	status     connection.Status
	log        *logrus.Entry

	inputPath  string
	outputPath string

	loopCtx context.Context

	mu         sync.Mutex
	watcher    *fsnotify.Watcher
	outFile    *os.File
	offset     int64
	ownCancel  context.CancelFunc
	envelopes  chan envelope.Envelope
}

// New constructs a stub Connection reading input from inputPath and
// appending outbound records to outputPath.
func New(id ids.ConnectionId, restricted []ids.ProtocolId, inputPath, outputPath string, log *logrus.Logger) *Connection {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Connection{
		id:         id,
		restricted: append([]ids.ProtocolId(nil), restricted...),
		inputPath:  inputPath,
		outputPath: outputPath,
		log:        log.WithField("component", "stub-connection").WithField("connection_id", id),
	}
}

func (c *Connection) ID() ids.ConnectionId                    { return c.id }
func (c *Connection) Status() *connection.Status              { return &c.status }
func (c *Connection) RestrictedToProtocols() []ids.ProtocolId { return c.restricted }

func (c *Connection) BindLoop(ctx context.Context) {
	c.loopCtx = ctx
}

// Connect opens (creating if necessary) the input and output files, starts
// watching the input file for appended records, and transitions to
// Connected.
func (c *Connection) Connect(ctx context.Context) error {
	if c.status.IsConnected() {
		return nil
	}
	c.status.Set(connection.Connecting)

	if err := ensureFileExists(c.inputPath); err != nil {
		return &connection.Error{Op: "connect", Err: err}
	}
	info, err := os.Stat(c.inputPath)
	if err != nil {
		return &connection.Error{Op: "connect", Err: err}
	}

	outFile, err := os.OpenFile(c.outputPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return &connection.Error{Op: "connect", Err: err}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		outFile.Close()
		return &connection.Error{Op: "connect", Err: err}
	}
	if err := watcher.Add(c.inputPath); err != nil {
		outFile.Close()
		watcher.Close()
		return &connection.Error{Op: "connect", Err: err}
	}

	ownCtx, ownCancel := context.WithCancel(c.loopCtx)

	c.mu.Lock()
	c.outFile = outFile
	c.watcher = watcher
	c.offset = info.Size()
	c.ownCancel = ownCancel
	c.envelopes = make(chan envelope.Envelope, 16)
	c.mu.Unlock()

	go c.watchLoop(ownCtx)

	c.status.Set(connection.Connected)
	c.log.WithField("input", c.inputPath).WithField("output", c.outputPath).Debug("stub connection connected")
	return nil
}

func ensureFileExists(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

func (c *Connection) Disconnect(ctx context.Context) error {
	if !c.status.IsConnected() {
		return nil
	}
	c.status.Set(connection.Disconnecting)

	c.mu.Lock()
	if c.ownCancel != nil {
		c.ownCancel()
	}
	if c.watcher != nil {
		_ = c.watcher.Close()
	}
	if c.outFile != nil {
		_ = c.outFile.Close()
	}
	c.mu.Unlock()

	c.status.Set(connection.Disconnected)
	c.log.Debug("stub connection disconnected")
	return nil
}

func (c *Connection) Send(ctx context.Context, env envelope.Envelope) error {
	if !c.status.IsConnected() {
		return &connection.Error{Op: "send", Err: fmt.Errorf("connection %s is not connected", c.id)}
	}
	record := encodeRecord(env)

	c.mu.Lock()
	f := c.outFile
	c.mu.Unlock()
	if f == nil {
		return &connection.Error{Op: "send", Err: fmt.Errorf("connection %s has no output file", c.id)}
	}
	if _, err := f.Write(record); err != nil {
		return &connection.Error{Op: "send", Err: err}
	}
	return f.Sync()
}

// Receive returns the next successfully-parsed record from the input file,
// or (zero, false, nil) once the connection is torn down.
func (c *Connection) Receive(ctx context.Context) (envelope.Envelope, bool, error) {
	c.mu.Lock()
	envelopes := c.envelopes
	c.mu.Unlock()

	select {
	case env, ok := <-envelopes:
		if !ok {
			return envelope.Envelope{}, false, nil
		}
		return env, true, nil
	case <-c.loopCtx.Done():
		return envelope.Envelope{}, false, nil
	case <-ctx.Done():
		return envelope.Envelope{}, false, ctx.Err()
	}
}

// watchLoop reads newly-appended bytes on every write event and treats each
// appended chunk as exactly one record, matching the one-write-equals-
// one-record behavior of the reference stub connection.
func (c *Connection) watchLoop(ctx context.Context) {
	defer close(c.envelopes)

	for {
		select {
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			c.readNew(ctx)
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.log.WithError(err).Error("error watching input file")
		case <-ctx.Done():
			return
		}
	}
}

func (c *Connection) readNew(ctx context.Context) {
	c.mu.Lock()
	offset := c.offset
	c.mu.Unlock()

	f, err := os.Open(c.inputPath)
	if err != nil {
		c.log.WithError(err).Error("failed to open input file")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.Size() <= offset {
		return
	}

	data := make([]byte, info.Size()-offset)
	if _, err := f.ReadAt(data, offset); err != nil {
		c.log.WithError(err).Error("failed to read appended input")
		return
	}

	c.mu.Lock()
	c.offset = info.Size()
	c.mu.Unlock()

	env, err := decodeRecord(data)
	if err != nil {
		c.log.WithError(err).Error("failed to process input record")
		return
	}

	select {
	case c.envelopes <- env:
	case <-ctx.Done():
	}
}

func encodeRecord(env envelope.Envelope) []byte {
	var buf bytes.Buffer
	buf.WriteString(string(env.To))
	buf.WriteByte(',')
	buf.WriteString(string(env.Sender))
	buf.WriteByte(',')
	buf.WriteString(env.ProtocolID.String())
	buf.WriteByte(',')
	buf.Write(env.Message)
	buf.WriteByte(',')
	return buf.Bytes()
}

func decodeRecord(data []byte) (envelope.Envelope, error) {
	parts := bytes.SplitN(data, []byte(","), 4)
	if len(parts) != 4 {
		return envelope.Envelope{}, &recordError{reason: "expected at least 3 leading comma-delimited fields"}
	}
	rest := parts[3]
	if len(rest) == 0 || rest[len(rest)-1] != ',' {
		return envelope.Envelope{}, &recordError{reason: "record missing trailing separator"}
	}
	message := rest[:len(rest)-1]

	protocolID, err := ids.Parse(string(parts[2]))
	if err != nil {
		return envelope.Envelope{}, &recordError{reason: fmt.Sprintf("invalid protocol id: %v", err)}
	}

	return envelope.New(
		envelope.Address(parts[0]),
		envelope.Address(parts[1]),
		protocolID,
		append([]byte(nil), message...),
	), nil
}
