// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Veriflux Instruments

package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/veriflux/meterbench/pkg/fixture"
	"github.com/veriflux/meterbench/pkg/gasmeter"
	"github.com/veriflux/meterbench/pkg/mes"
	"github.com/veriflux/meterbench/pkg/partition"
	"github.com/veriflux/meterbench/pkg/proto"
	"github.com/veriflux/meterbench/pkg/stats"
	"github.com/veriflux/meterbench/pkg/timectl"
	"github.com/veriflux/meterbench/pkg/upgrade"
	"github.com/veriflux/meterbench/pkg/valvetest"
	"github.com/veriflux/meterbench/pkg/watermeter"
)

const (
	benchVersion   = 0x0102 // reads as V1.2
	benchBuildTime = "2026-08-20 10:00"
	benchTickMs    = 10
)

var (
	devicePortName string
	deviceBaudRate int
	flashPath      string
	benchMeter     string
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Run the full test-fixture loop",
	Long: `Run the fixture: PC/MES line on one link, the board under test on
the other.

The PC side registers the MES line protocols plus the fixture config
and upgrade protocols; the device side registers the gas and water
meter protocols. A start-test command from the line runs the valve
test sequence against the board and reports the result back; every
finished test is recorded in the persistent statistics store.

The PC link uses the global --port/--url flags; the board under test
connects through --device-port. Analog valve measurements are
simulated (see bench_hal.go) until real measurement hardware is wired
in.`,
	RunE: runBench,
}

func init() {
	rootCmd.AddCommand(benchCmd)
	benchCmd.Flags().StringVar(&devicePortName, "device-port", "", "Serial port of the board under test (required)")
	benchCmd.Flags().IntVar(&deviceBaudRate, "device-baud", 9600, "Baud rate of the device link")
	benchCmd.Flags().StringVar(&flashPath, "flash", "", "Flash image path (default <data-dir>/flash.img)")
	benchCmd.Flags().StringVar(&benchMeter, "meter", "water", "Board family on the device link: water or gas")
	benchCmd.MarkFlagRequired("device-port")
}

// benchState ties the whole fixture together for one bench run.
type benchState struct {
	log *zap.Logger
	tm  *timectl.Manager
	vt  *valvetest.Context
	hal *benchHAL

	table *partition.Table
	sts   *stats.Store
	ups   *upgrade.Store

	mgr *proto.Manager
	fx  *fixture.Protocol
	wm  *watermeter.Protocol
	gm  *gasmeter.Protocol

	pcConn  Connection
	devConn Connection

	runID      uuid.UUID
	testActive bool

	lastStatus *watermeter.Status

	waterResult *mes.WaterResult
	waterReady  bool

	gasResult *mes.GasResult
	gasSeen   uint8
	gasReady  bool
}

func runBench(cmd *cobra.Command, args []string) error {
	if benchMeter != "water" && benchMeter != "gas" {
		return fmt.Errorf("unknown meter family %q (use water or gas)", benchMeter)
	}

	pcConn, pcInfo, err := OpenConnection()
	if err != nil {
		return fmt.Errorf("pc link: %w", err)
	}
	defer pcConn.Close()

	devConn, err := OpenSerialConnection(devicePortName, deviceBaudRate)
	if err != nil {
		return fmt.Errorf("device link: %w", err)
	}
	defer devConn.Close()

	if flashPath == "" {
		flashPath = filepath.Join(dataDir, "flash.img")
	}
	table, err := partition.Open(flashPath, partition.DefaultLayout(), logger)
	if err != nil {
		return fmt.Errorf("flash image: %w", err)
	}
	defer table.Close()

	b, err := newBenchState(table, pcConn, devConn)
	if err != nil {
		return err
	}

	logger.Info("bench up",
		zap.String("pc_link", pcInfo),
		zap.String("device_link", fmt.Sprintf("Serial: %s @ %d baud", devicePortName, deviceBaudRate)),
		zap.String("meter", benchMeter),
		zap.Uint8("station", stationID),
		zap.String("flash", flashPath))

	if b.ups.Pending() {
		p, _ := b.ups.Read()
		logger.Warn("upgrade request pending from a previous run",
			zap.Uint8("mode", p.Mode), zap.Uint16("fw_size_kb", p.FwSizeKB))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return b.loop(ctx)
}

func newBenchState(table *partition.Table, pcConn, devConn Connection) (*benchState, error) {
	b := &benchState{
		log:     logger.Named("bench"),
		tm:      timectl.NewManager(),
		table:   table,
		pcConn:  pcConn,
		devConn: devConn,
	}

	statsPart, err := table.Get(partition.NameTestStats)
	if err != nil {
		return nil, err
	}
	b.sts = stats.Open(statsPart, logger)
	if err := b.sts.SetStationID(stationID); err != nil {
		b.log.Warn("station id persist failed", zap.Error(err))
	}

	upgPart, err := table.Get(partition.NameUpgrade)
	if err != nil {
		return nil, err
	}
	b.ups = upgrade.NewStore(upgPart, logger)

	b.mgr = proto.NewManager(logger)
	b.mgr.Sleep = func(ms uint32) { time.Sleep(time.Duration(ms) * time.Millisecond) }

	// Device side: the board under test.
	b.wm = watermeter.New(logger)
	b.wm.SetMeterEventCallback(b.onMeterEvent)
	b.gm = gasmeter.New(logger)
	b.gm.SetMeterEventCallback(b.onGasEvent)
	if err := b.mgr.RegisterDevice(b.wm); err != nil {
		return nil, err
	}
	if err := b.mgr.RegisterDevice(b.gm); err != nil {
		return nil, err
	}
	if benchMeter == "gas" {
		if err := b.mgr.SetActiveDevice(b.gm.Name()); err != nil {
			return nil, err
		}
	}

	b.hal = newBenchHAL(b.log, b.tm, b.wm)
	b.vt = valvetest.New(b.hal, logger)

	// PC side: the MES line and bench management.
	station := func() uint8 { return stationID }

	b.fx = fixture.New(logger, fixture.Hooks{
		StationID: station,
		Version:   func() uint16 { return benchVersion },
		BuildTime: func() string { return benchBuildTime },
		FailInfo:  b.failInfo,
		OnConfig: func(cfg fixture.Config) {
			b.log.Info("link modes changed",
				zap.Bool("debug", cfg.Debug),
				zap.Bool("pass_through", cfg.PassThrough),
				zap.Bool("preamble", cfg.Preamble))
		},
		OnControl: b.onControl,
		FlashInfo: b.table.Diagnose,
		Stats:     b.sts.Summary,
	})

	mw := mes.NewWater(logger, mes.WaterHooks{
		StationID: station,
		Debug:     b.fx.DebugMode,
		OnStart:   b.startWaterTest,
		Result:    func() (*mes.WaterResult, bool) { return b.waterResult, b.waterReady },
	})

	mg := mes.NewGas(logger, mes.GasHooks{
		StationID: station,
		Debug:     b.fx.DebugMode,
		OnStart:   b.startGasTest,
		Result:    func() (*mes.GasResult, bool) { return b.gasResult, b.gasReady },
		OnConfig: func(debug, passThrough bool) {
			b.fx.SetDebugMode(debug)
		},
	})

	up := upgrade.New(logger, b.ups, upgrade.Hooks{
		StationID: station,
		Busy:      func() bool { return b.testActive },
		OnRequest: b.onUpgradeRequest,
	})

	for _, p := range []proto.Protocol{mw, mg, b.fx, up} {
		if err := b.mgr.RegisterPC(p); err != nil {
			return nil, err
		}
	}

	b.mgr.SetPCSendFunc(func(data []byte) error {
		_, err := b.pcConn.Write(data)
		return err
	})
	b.mgr.SetDeviceSendFunc(func(data []byte) error {
		_, err := b.devConn.Write(data)
		return err
	})

	return b, nil
}

// loop is the cooperative main loop: link bytes and the 10 ms tick
// all funnel through one goroutine, so no protocol state needs locks.
func (b *benchState) loop(ctx context.Context) error {
	pcCh := readInto(ctx, b.pcConn)
	devCh := readInto(ctx, b.devConn)

	ticker := time.NewTicker(benchTickMs * time.Millisecond)
	defer ticker.Stop()

	var pcBuf, devBuf []byte

	for {
		select {
		case <-ctx.Done():
			b.log.Info("bench shutting down")
			if b.testActive {
				b.vt.Stop()
			}
			return nil

		case data, ok := <-pcCh:
			if !ok {
				return fmt.Errorf("pc link closed")
			}
			if b.fx.PassThroughMode() {
				b.forwardToDevice(data)
			}
			pcBuf = feed(pcBuf, data, b.mgr.ParsePC)

		case data, ok := <-devCh:
			if !ok {
				return fmt.Errorf("device link closed")
			}
			if b.fx.PassThroughMode() {
				b.pcConn.Write(data)
			}
			// Parsing continues in pass-through so the bench keeps its
			// view of the board while the PC talks through it.
			devBuf = feed(devBuf, data, b.mgr.ParseDevice)

		case <-ticker.C:
			b.tm.Advance(benchTickMs)
			if b.testActive {
				b.vt.Loop(benchTickMs)
				if !b.vt.Running() {
					b.finishWaterTest()
				}
			}
		}
	}
}

// feed appends data to buf and offers it to parse, keeping the bytes
// only while a frame is still incomplete.
func feed(buf, data []byte, parse func([]byte) proto.Result) []byte {
	buf = append(buf, data...)
	if parse(buf) == proto.Incomplete && len(buf) <= 4096 {
		return buf
	}
	return buf[:0]
}

// readInto pumps connection reads into a channel; the channel closes
// when the connection dies.
func readInto(ctx context.Context, conn Connection) <-chan []byte {
	ch := make(chan []byte, 32)
	go func() {
		defer close(ch)
		buf := make([]byte, 256)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if err == ErrConnectionClosed {
					return
				}
				time.Sleep(10 * time.Millisecond)
				continue
			}
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case ch <- data:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// forwardToDevice relays raw PC bytes to the board, wrapping them in
// the active device protocol's wake-up preamble when the PC asked for
// one.
func (b *benchState) forwardToDevice(data []byte) {
	if b.fx.PassThroughPreamble() {
		if pp, ok := b.mgr.ActiveDevice().(proto.PreambleProvider); ok {
			if pre := pp.Preamble(); pre != nil && pre.Enabled {
				for i := 0; i < pre.RepeatCount; i++ {
					b.devConn.Write(pre.Data)
					if pre.DelayMs > 0 {
						time.Sleep(time.Duration(pre.DelayMs) * time.Millisecond)
					}
				}
				if len(pre.SyncData) > 0 {
					b.devConn.Write(pre.SyncData)
				}
			}
		}
	}
	b.devConn.Write(data)
}

// startWaterTest handles a validated start-test command from the line.
func (b *benchState) startWaterTest(p mes.WaterStartParams) {
	if b.testActive {
		b.vt.Stop()
	}
	b.runID = uuid.New()
	b.hal.applyStart(p)
	b.waterResult = nil
	b.waterReady = false
	b.lastStatus = nil
	b.vt.Start()
	b.testActive = true
	b.log.Info("water meter test started",
		zap.String("run_id", b.runID.String()),
		zap.Uint8("station", p.StationID),
		zap.Uint8("meter_type", p.MeterType))
}

// finishWaterTest records the outcome and assembles the MES result.
func (b *benchState) finishWaterTest() {
	b.testActive = false
	res := b.vt.Result()

	outcome := stats.ResultPass
	if res != valvetest.Success {
		outcome = stats.ResultFail
	}
	if err := b.sts.Record(outcome,
		uint8(b.vt.FailStep()), uint8(b.vt.FailReason()), b.vt.ElapsedMs()); err != nil {
		b.log.Warn("stats record failed", zap.Error(err))
	}

	b.waterResult = b.buildWaterResult(res)
	b.waterReady = true

	// A late status answer refreshes the protocol-read fields before
	// the line polls for the result.
	b.hal.SendReadStatus()

	b.log.Info("water meter test finished",
		zap.String("run_id", b.runID.String()),
		zap.Stringer("result", res),
		zap.Stringer("step", b.vt.FailStep()),
		zap.Stringer("reason", b.vt.FailReason()),
		zap.Uint32("duration_ms", b.vt.ElapsedMs()))
}

func (b *benchState) buildWaterResult(res valvetest.Result) *mes.WaterResult {
	r := &mes.WaterResult{
		MainVoltageSupply:   3600,
		BackupVoltageSupply: 3600,
	}
	if res == valvetest.Success {
		r.Valve = 1
		r.ValveInPlace = 1
	}
	b.applyStatus(r)
	return r
}

// applyStatus copies the protocol-read fields of the last status
// answer into the result.
func (b *benchState) applyStatus(r *mes.WaterResult) {
	s := b.lastStatus
	if s == nil {
		return
	}
	r.MainVoltageProto = s.MainVoltage * 10 // 0.01 V -> mV
	r.GP30Voltage = s.GP30Voltage
	r.Flash = s.FlashOK
	r.EEPROM = s.EEPROMOK
	r.Metering = s.MeteringHall1 & s.MeteringHall2
	r.IMEI = s.IMEI
	r.IMSI = s.IMSI
	r.ICCID = s.ICCID
	r.CSQ = s.CSQ
	r.Version = s.Version
	r.WaterTemp = s.WaterTemp[0]
}

// onMeterEvent receives decoded water meter responses. The response
// code drives the valve test; status payloads are kept for the MES
// result.
func (b *benchState) onMeterEvent(ev watermeter.Event) {
	if ev.Status != nil {
		b.lastStatus = ev.Status
		if b.waterReady && b.waterResult != nil {
			b.applyStatus(b.waterResult)
		}
	}
	if b.testActive {
		b.vt.OnResponse(ev.CmdCode)
	}
}

// startGasTest handles a gas line start command: connect to the board
// and collect its power-on and network blocks.
func (b *benchState) startGasTest(station uint8, meterNo [6]byte) {
	b.runID = uuid.New()
	b.gasResult = &mes.GasResult{}
	b.gasSeen = 0
	b.gasReady = false
	b.gm.SetMeterNumber(meterNo)
	if err := b.gm.SendConnect(); err != nil {
		b.log.Warn("gas connect send failed", zap.Error(err))
	}
	b.log.Info("gas meter test started",
		zap.String("run_id", b.runID.String()),
		zap.Uint8("station", station))
}

const (
	gasSawBoardInfo = 1 << iota
	gasSawNetwork
)

// onGasEvent folds gas meter responses into the pending result. The
// result is ready once the power-on block and the network identity
// block both arrived.
func (b *benchState) onGasEvent(ev gasmeter.Event) {
	r := b.gasResult
	if r == nil {
		return
	}

	switch {
	case ev.BoardInfo != nil:
		bi := ev.BoardInfo
		r.MeterType = bi.MeterType
		r.Accessory = bi.HasAddon
		r.MainVoltage = bi.Voltage
		r.CSQ = bi.Signal
		r.FirmwareVersion = uint16(bi.SWVer1)<<8 | uint16(bi.SWVer2)
		r.SetIOBit(1, 0, bi.ModuleStatus == 1)
		r.SetIOBit(1, 1, bi.ConnectStatus == 1)
		r.SetIOBit(1, 2, bi.SIMOK == 1)
		r.SetIOBit(1, 3, bi.StorageICOK == 1)
		r.SetIOBit(1, 4, bi.MeasureOK == 1)
		r.SetIOBit(2, 0, bi.RTCOK == 1)
		r.SetIOBit(2, 2, bi.TempPressOK == 1)
		r.SetIOBit(2, 3, bi.CoverOpen == 0)
		r.SetIOBit(2, 4, bi.TiltOK == 1)
		r.SetIOBit(2, 5, bi.BluetoothOK == 1)
		b.gasSeen |= gasSawBoardInfo

	case ev.NetworkParams != nil:
		np := ev.NetworkParams
		r.IMEI = np.IMEI
		r.IMSI = np.IMSI
		r.ICCID = np.ICCID
		r.BuildTime = np.BuildTime
		pv := np.PressureValue
		r.Pressure = [4]byte{byte(pv), byte(pv >> 8), byte(pv >> 16), byte(pv >> 24)}
		b.gasSeen |= gasSawNetwork

	case ev.CheckStatus != nil:
		r.StarMAC = ev.CheckStatus.StarMAC
	}

	if b.gasSeen&(gasSawBoardInfo|gasSawNetwork) == gasSawBoardInfo|gasSawNetwork && !b.gasReady {
		b.gasReady = true
		b.log.Info("gas meter result ready", zap.String("run_id", b.runID.String()))
	}
}

// failInfo answers the 0xBE fail-step query from the current or last
// valve test.
func (b *benchState) failInfo() fixture.FailInfo {
	var step valvetest.Step
	var reason valvetest.FailReason

	fi := fixture.FailInfo{}
	switch b.vt.Result() {
	case valvetest.Success:
		fi.Status = fixture.TestPassed
		step = valvetest.StepDone
	case valvetest.Timeout, valvetest.Fail:
		fi.Status = fixture.TestFailed
		step = b.vt.FailStep()
		reason = b.vt.FailReason()
	default:
		fi.Status = fixture.TestRunning
		step = b.vt.Step()
	}

	fi.StepID = uint8(step)
	fi.StepName = step.String()
	fi.Reason = uint8(reason)
	fi.ReasonName = reason.String()
	return fi
}

// onControl applies a fixture-control frame. Power switching and the
// sampling tasks belong to the measurement hardware; here they are
// logged, and entering control mode aborts any running test.
func (b *benchState) onControl(ctl fixture.Control) {
	if ctl.Enter && b.testActive {
		b.log.Warn("fixture control entered during a test, aborting test")
		b.vt.Stop()
		b.testActive = false
	}
	b.log.Info("fixture control",
		zap.Bool("enter", ctl.Enter),
		zap.Uint8("main_power", ctl.MainPower),
		zap.Uint8("aux_power", ctl.AuxPower),
		zap.Uint8("power_sample_mode", ctl.PowerTest.Mode),
		zap.Uint8("valve_sample_mode", ctl.ValveVolt.Mode),
		zap.Bool("pos1", ctl.Pos1.Enabled),
		zap.Bool("pos2", ctl.Pos2.Enabled))
}

// onUpgradeRequest runs after an accepted upgrade command persisted
// its parameters. The firmware would reboot into the bootloader here;
// the bench stops testing and leaves the flag for the next start.
func (b *benchState) onUpgradeRequest(p upgrade.Params) {
	if b.testActive {
		b.vt.Stop()
		b.testActive = false
	}
	b.log.Warn("upgrade requested",
		zap.Uint8("station", p.StationID),
		zap.Uint8("mode", p.Mode),
		zap.Uint16("fw_size_kb", p.FwSizeKB),
		zap.Uint16("chip", p.Chip))
}
