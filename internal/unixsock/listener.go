// Copyright (c) 2026 TRV Enterprises LLC
// Licensed under the Business Source License 1.1
// See LICENSE file for details.

// Package unixsock provides a Unix domain socket for local sensor input.
package unixsock

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/tviviano/actilog/internal/service"
	"github.com/tviviano/actilog/pkg/block"
	"github.com/tviviano/actilog/pkg/epoch"
)

// Listener manages Unix socket connections for sensor input.
type Listener struct {
	socketPath string
	svc        *service.LogService
	logger     *zap.Logger
	listener   net.Listener
	wg         sync.WaitGroup
	done       chan struct{}
	mu         sync.Mutex
}

// NewListener creates a new Unix socket listener.
func NewListener(socketPath string, svc *service.LogService, logger *zap.Logger) *Listener {
	return &Listener{
		socketPath: socketPath,
		svc:        svc,
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// Start begins listening on the Unix socket.
func (l *Listener) Start() error {
	// Ensure socket directory exists
	socketDir := filepath.Dir(l.socketPath)
	if err := os.MkdirAll(socketDir, 0755); err != nil {
		return errors.Wrap(err, "create socket directory")
	}

	// Remove existing socket file if present
	if err := os.Remove(l.socketPath); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove existing socket")
	}

	listener, err := net.Listen("unix", l.socketPath)
	if err != nil {
		return errors.Wrap(err, "create Unix socket")
	}

	// Readable/writable by owner and group
	if err := os.Chmod(l.socketPath, 0660); err != nil {
		listener.Close()
		return errors.Wrap(err, "set socket permissions")
	}

	l.mu.Lock()
	l.listener = listener
	l.mu.Unlock()

	l.logger.Info("unix socket listening", zap.String("path", l.socketPath))

	go l.acceptLoop()

	return nil
}

// Stop gracefully shuts down the listener.
func (l *Listener) Stop() error {
	close(l.done)

	l.mu.Lock()
	if l.listener != nil {
		l.listener.Close()
	}
	l.mu.Unlock()

	// Wait for all connections to finish
	l.wg.Wait()

	os.Remove(l.socketPath)

	return nil
}

func (l *Listener) acceptLoop() {
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-l.done:
				return
			default:
				l.logger.Warn("unix socket accept error", zap.Error(err))
				continue
			}
		}

		l.wg.Add(1)
		go l.handleConnection(conn)
	}
}

// Connection protocol, one command per line:
//
//	samples <total> x,y,z;x,y,z;...
//	steps <n>
//	event <name> [<name>...]
//	prompt [muted]
//	powered on|off
//	connected on|off
//	battery <percent>
//	temperature <celsius>
//	stats
//	quit
//
// The server answers every line with "OK[ <detail>]" or "ERROR <message>".

func (l *Listener) handleConnection(conn net.Conn) {
	defer l.wg.Done()
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)

	var pending string
	for {
		select {
		case <-l.done:
			return
		default:
		}

		// Set read deadline for interruptibility
		conn.SetReadDeadline(time.Now().Add(1 * time.Second))

		line, err := reader.ReadString('\n')
		line = pending + line
		pending = ""
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				// Keep any partial line for the next read.
				pending = line
				continue
			}
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.EqualFold(line, "quit") {
			writer.WriteString("OK bye\n")
			writer.Flush()
			return
		}

		reply, err := Execute(ctx, l.svc, line)
		if err != nil {
			if errors.Is(err, service.ErrStopped) {
				l.logger.Debug("unix socket command after stop", zap.String("line", line))
			}
			writer.WriteString("ERROR " + err.Error() + "\n")
		} else if reply == "" {
			writer.WriteString("OK\n")
		} else {
			writer.WriteString("OK " + reply + "\n")
		}
		writer.Flush()
	}
}

// SocketPath returns the path to the Unix socket.
func (l *Listener) SocketPath() string {
	return l.socketPath
}

// Execute runs one protocol line against svc and returns the reply detail.
func Execute(ctx context.Context, svc *service.LogService, line string) (string, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", errors.New("empty command")
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "samples":
		if len(args) < 1 || len(args) > 2 {
			return "", errors.New("usage: samples <total> x,y,z;...")
		}
		total, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return "", errors.Wrap(err, "total")
		}
		var batch []epoch.Sample
		if len(args) == 2 {
			if batch, err = parseSamples(args[1]); err != nil {
				return "", err
			}
		}
		n, err := svc.DeliverSamples(ctx, batch, total)
		if err != nil {
			return "", err
		}
		return strconv.Itoa(n), nil

	case "steps":
		if len(args) != 1 {
			return "", errors.New("usage: steps <n>")
		}
		n, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return "", errors.Wrap(err, "steps")
		}
		return "", svc.AddSteps(ctx, uint32(n))

	case "event":
		if len(args) == 0 {
			return "", errors.New("usage: event <name>...")
		}
		var flags block.EventFlags
		for _, name := range args {
			f, ok := block.ParseEvent(name)
			if !ok {
				return "", errors.Newf("unknown event %q", name)
			}
			flags |= f
		}
		return "", svc.RecordEvent(ctx, flags)

	case "prompt":
		muted := false
		switch {
		case len(args) == 0:
		case len(args) == 1 && args[0] == "muted":
			muted = true
		default:
			return "", errors.New("usage: prompt [muted]")
		}
		return "", svc.RecordPrompt(ctx, muted)

	case "powered", "connected":
		if len(args) != 1 {
			return "", errors.Newf("usage: %s on|off", cmd)
		}
		on, err := parseOnOff(args[0])
		if err != nil {
			return "", err
		}
		if cmd == "powered" {
			return "", svc.SetPowered(ctx, on)
		}
		return "", svc.SetConnected(ctx, on)

	case "battery":
		if len(args) != 1 {
			return "", errors.New("usage: battery <percent>")
		}
		n, err := strconv.ParseUint(args[0], 10, 8)
		if err != nil || n > 100 {
			return "", errors.Newf("invalid battery level %q", args[0])
		}
		return "", svc.SetBattery(ctx, uint8(n))

	case "temperature":
		if len(args) != 1 {
			return "", errors.New("usage: temperature <celsius>")
		}
		n, err := strconv.ParseInt(args[0], 10, 8)
		if err != nil {
			return "", errors.Newf("invalid temperature %q", args[0])
		}
		return "", svc.SetTemperature(ctx, int8(n))

	case "stats":
		st, err := svc.Stats(ctx)
		if err != nil {
			return "", err
		}
		data, err := json.Marshal(st)
		if err != nil {
			return "", errors.Wrap(err, "marshal stats")
		}
		return string(data), nil
	}

	return "", errors.Newf("unknown command %q", cmd)
}

func parseSamples(s string) ([]epoch.Sample, error) {
	parts := strings.Split(strings.Trim(s, ";"), ";")
	batch := make([]epoch.Sample, 0, len(parts))
	for _, p := range parts {
		xyz := strings.Split(p, ",")
		if len(xyz) != 3 {
			return nil, errors.Newf("invalid sample %q", p)
		}
		var v [3]int16
		for i, f := range xyz {
			n, err := strconv.ParseInt(f, 10, 16)
			if err != nil {
				return nil, errors.Newf("invalid sample %q", p)
			}
			v[i] = int16(n)
		}
		batch = append(batch, epoch.Sample{X: v[0], Y: v[1], Z: v[2]})
	}
	return batch, nil
}

func parseOnOff(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "1", "true":
		return true, nil
	case "off", "0", "false":
		return false, nil
	}
	return false, errors.Newf("expected on or off, got %q", s)
}
