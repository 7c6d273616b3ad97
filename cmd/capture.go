// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Veriflux Instruments

package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/veriflux/meterbench/pkg/proto"
)

var (
	captureOut  string
	captureSide string
	captureRaw  bool
)

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Record link traffic to a CBOR session file",
	Long: `Record everything read from the connection into a CBOR stream file
for offline analysis.

Each session gets a unique id. The file starts with a header record,
followed by one record per read: timestamp, raw bytes, and (unless
--raw) the protocol annotation the monitor decode produces. Records
are flushed as they are written, so a capture interrupted with Ctrl+C
is still readable up to the last frame.`,
	RunE: runCapture,
}

func init() {
	rootCmd.AddCommand(captureCmd)
	captureCmd.Flags().StringVar(&captureOut, "out", "", "Output file (default <data-dir>/capture-<id>.cbor)")
	captureCmd.Flags().StringVar(&captureSide, "side", "device", "Annotate frames as seen by the pc or device side")
	captureCmd.Flags().BoolVar(&captureRaw, "raw", false, "Skip protocol annotation, store bytes only")
}

// captureHeader opens the CBOR stream.
type captureHeader struct {
	Session string `cbor:"session"`
	Started string `cbor:"started"`
	Link    string `cbor:"link"`
	Side    string `cbor:"side"`
	Station uint8  `cbor:"station"`
	Tool    string `cbor:"tool"`
	Raw     bool   `cbor:"raw"`
}

// captureRecord is one read from the link.
type captureRecord struct {
	Seq      uint64 `cbor:"seq"`
	AtMs     int64  `cbor:"at_ms"` // unix milliseconds
	Bytes    []byte `cbor:"bytes"`
	Protocol string `cbor:"protocol,omitempty"`
	Event    string `cbor:"event,omitempty"`
	Cmd      uint16 `cbor:"cmd,omitempty"`
	Detail   string `cbor:"detail,omitempty"`
}

func runCapture(cmd *cobra.Command, args []string) error {
	if captureSide != "pc" && captureSide != "device" {
		return fmt.Errorf("unknown side %q (use pc or device)", captureSide)
	}

	conn, connInfo, err := OpenConnection()
	if err != nil {
		return err
	}
	defer conn.Close()

	session := uuid.New()
	if captureOut == "" {
		captureOut = filepath.Join(dataDir, fmt.Sprintf("capture-%s.cbor", session))
	}
	if err := os.MkdirAll(filepath.Dir(captureOut), 0o755); err != nil {
		return fmt.Errorf("capture dir: %w", err)
	}
	f, err := os.Create(captureOut)
	if err != nil {
		return fmt.Errorf("capture file: %w", err)
	}
	defer f.Close()

	enc := cbor.NewEncoder(f)
	if err := enc.Encode(captureHeader{
		Session: session.String(),
		Started: time.Now().Format(time.RFC3339),
		Link:    connInfo,
		Side:    captureSide,
		Station: stationID,
		Tool:    "meterbench",
		Raw:     captureRaw,
	}); err != nil {
		return fmt.Errorf("capture header: %w", err)
	}

	// The annotation manager decodes in lockstep with the writes, so
	// the pending event always belongs to the record being written.
	var pending *monitorEvent
	var parse func([]byte) proto.Result
	if !captureRaw {
		mgr, err := buildMonitorManager(captureSide, func(ev monitorEvent) {
			pending = &ev
		})
		if err != nil {
			return err
		}
		// Captures are always passive.
		discard := func([]byte) error { return nil }
		mgr.SetPCSendFunc(discard)
		mgr.SetDeviceSendFunc(discard)
		parse = mgr.ParseDevice
		if captureSide == "pc" {
			parse = mgr.ParsePC
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("capture started",
		zap.String("session", session.String()),
		zap.String("file", captureOut),
		zap.String("link", connInfo))
	fmt.Printf("Capturing to %s (session %s)\nPress Ctrl+C to stop\n", captureOut, session)

	reads := make(chan []byte, 32)
	go func() {
		defer close(reads)
		buf := make([]byte, 256)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				if err != ErrConnectionClosed {
					logger.Warn("capture read", zap.Error(err))
				}
				return
			}
			data := make([]byte, n)
			copy(data, buf[:n])
			reads <- data
		}
	}()

	var seq uint64
	var frameBuf []byte
	for {
		select {
		case <-sig:
			fmt.Printf("\nCaptured %d records\n", seq)
			return nil
		case data, ok := <-reads:
			if !ok {
				fmt.Printf("Connection closed, captured %d records\n", seq)
				return nil
			}
			seq++
			rec := captureRecord{
				Seq:   seq,
				AtMs:  time.Now().UnixMilli(),
				Bytes: data,
			}
			if parse != nil {
				pending = nil
				frameBuf = feed(frameBuf, data, parse)
				if pending != nil {
					rec.Protocol = pending.protocol
					rec.Event = pending.event.String()
					rec.Cmd = pending.cmd
					rec.Detail = pending.detail
				}
			}
			if err := enc.Encode(rec); err != nil {
				return fmt.Errorf("capture write: %w", err)
			}
		}
	}
}
