// Package colo implements COLO (COarse-grain LOck-stepping) continuous
// replication: the primary and secondary VMs run in lockstep, the
// primary periodically checkpoints its full state to the secondary, and
// the secondary takes over automatically if the primary disappears.
package colo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kvmxfer/kvmxfer/section"
	"github.com/kvmxfer/kvmxfer/wire"
)

// FailoverState is the failover state machine both sides track.
// Transitions are compare-and-swap style: None can move to Handling,
// Handling resolves to either Completed or, on a retryable failure (or a
// failover that fires mid-load), to Relaunch which returns to None.
type FailoverState int32

const (
	FailoverNone FailoverState = iota
	FailoverHandling
	FailoverCompleted
	FailoverRelaunch
)

var errInvalidFailoverTransition = errors.New("colo: invalid failover state transition")

// BeginFailover moves the failover state at addr from None to Handling.
// It returns false if a failover is already in progress. addr is backed
// by atomic.CompareAndSwapInt32 directly, not a mutex: the field it
// points at must be a plain int32, not a FailoverState, so no pointer
// punning is needed at the call site.
func BeginFailover(addr *int32) bool {
	return atomic.CompareAndSwapInt32(addr, int32(FailoverNone), int32(FailoverHandling))
}

// CompleteFailover moves Handling to Completed, the terminal success
// state, or returns an error if a failover was not in progress.
func CompleteFailover(addr *int32) error {
	if !atomic.CompareAndSwapInt32(addr, int32(FailoverHandling), int32(FailoverCompleted)) {
		return fmt.Errorf("%w: not in Handling", errInvalidFailoverTransition)
	}

	return nil
}

// RelaunchFailover moves Handling back to None after a retryable
// failure, allowing a later BeginFailover to try again.
func RelaunchFailover(addr *int32) error {
	if !atomic.CompareAndSwapInt32(addr, int32(FailoverHandling), int32(FailoverNone)) {
		return fmt.Errorf("%w: not in Handling", errInvalidFailoverTransition)
	}

	return nil
}

// LoadFailoverState reports the failover state at addr.
func LoadFailoverState(addr *int32) FailoverState {
	return FailoverState(atomic.LoadInt32(addr))
}

// VM is the narrow surface colo needs from the virtual machine it is
// driving: enough to stop it for a checkpoint and resume it afterward.
// Device and RAM state move through the section Driver each side is
// constructed with, not through VM itself.
type VM interface {
	Pause() error
	Resume() error
}

// Primary drives the checkpoint transaction loop against a connected
// Secondary. Construct one with NewPrimary; there is no package-level
// global, so a process can in principle run more than one COLO pair.
type Primary struct {
	vm              VM
	drv             *section.Driver
	stream          *wire.Stream
	checkpointDelay time.Duration

	mu                sync.Mutex
	shutdownRequested bool
	failover          int32

	// Optional hooks for the block/NIC machinery surrounding the VM
	// itself; each is skipped (not an error) when left nil.
	EnableNICBuffering   func() error
	DisableNICBuffering  func() error
	ReleaseNICBuffers    func() error
	CheckpointBlockLayer func() error
	StopBlockReplication func() error
	RequestHostShutdown  func()

	// OnResume is called after the guest is resumed following a
	// checkpoint, replacing the global_state_store() hook of a
	// single-process design: callers use it to re-arm whatever
	// per-VM bookkeeping their embedding needs.
	OnResume func()
}

// NewPrimary constructs a Primary. stream is the already-connected
// checkpoint channel to the secondary.
func NewPrimary(vm VM, drv *section.Driver, stream *wire.Stream, checkpointDelay time.Duration) *Primary {
	return &Primary{vm: vm, drv: drv, stream: stream, checkpointDelay: checkpointDelay}
}

// RequestShutdown asks the checkpoint loop to stop after its current
// transaction completes. The primary's shutdown is independent of the
// secondary: tearing down a primary never implies tearing down its
// secondary, which is why this is a method on Primary rather than a
// shared flag.
func (p *Primary) RequestShutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.shutdownRequested = true
}

func (p *Primary) shouldShutdown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.shutdownRequested
}

// FailoverState reports the primary's current failover state.
func (p *Primary) FailoverState() FailoverState { return LoadFailoverState(&p.failover) }

// BeginFailover attempts to move the primary's failover state machine
// from None to Handling.
func (p *Primary) BeginFailover() bool { return BeginFailover(&p.failover) }

// CompleteFailover moves the primary's failover state from Handling to
// Completed.
func (p *Primary) CompleteFailover() error { return CompleteFailover(&p.failover) }

// RelaunchFailover moves the primary's failover state from Handling back
// to None after a retryable failure.
func (p *Primary) RelaunchFailover() error { return RelaunchFailover(&p.failover) }

// Failover runs the primary failover routine (spec §4.G "Primary
// failover"): shuts down the checkpoint stream, disables NIC buffering,
// releases buffered packets, stops block replication, and posts
// completion. It is idempotent: once Completed, a later call is a no-op.
func (p *Primary) Failover() error {
	if !p.BeginFailover() {
		if p.FailoverState() == FailoverCompleted {
			return nil
		}

		return fmt.Errorf("%w: failover already in progress", errInvalidFailoverTransition)
	}

	p.stream.Shutdown()

	if p.DisableNICBuffering != nil {
		if err := p.DisableNICBuffering(); err != nil {
			return fmt.Errorf("colo: primary: disable nic buffering: %w", err)
		}
	}

	if p.ReleaseNICBuffers != nil {
		if err := p.ReleaseNICBuffers(); err != nil {
			return fmt.Errorf("colo: primary: release nic buffers: %w", err)
		}
	}

	if p.StopBlockReplication != nil {
		if err := p.StopBlockReplication(); err != nil {
			return fmt.Errorf("colo: primary: stop block replication: %w", err)
		}
	}

	return p.CompleteFailover()
}

// Run executes the checkpoint transaction loop until ctx is cancelled,
// RequestShutdown is called, or a failover takes over. Each iteration
// runs the 13-step transaction documented on checkpointOnce.
func (p *Primary) Run(ctx context.Context) error {
	for {
		if p.shouldShutdown() {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("colo: primary: %w", ctx.Err())
		case <-time.After(p.checkpointDelay):
		}

		stop, err := p.checkpointOnce()
		if err != nil {
			return err
		}

		if stop {
			return nil
		}
	}
}

// checkpointOnce runs one checkpoint transaction:
//  1. send CHECKPOINT_REQUEST
//  2. (caller resets/opens the checkpoint buffer — here, a fresh
//     wire.Buffer per call)
//  3. under the VM lock: abort if a failover has fired; stop the guest
//  4. re-check failover, which may have fired while stopping
//  5. issue a block-layer checkpoint
//  6. send VMSTATE_SEND
//  7. save live RAM state to the forward stream; save device state into
//     the in-memory buffer; flush
//  8. send VMSTATE_SIZE with the buffer's byte count, then the buffer
//     itself, raw
//  9. wait for VMSTATE_RECEIVED
//  10. wait for VMSTATE_LOADED
//  11. release buffered NIC packets
//  12. if shutdown was requested, stop block replication, send
//     GUEST_SHUTDOWN, request host shutdown, and report stop
//  13. resume the guest
func (p *Primary) checkpointOnce() (stop bool, err error) {
	if err := p.sendCommand(section.CmdColoCheckpointRequest, nil); err != nil {
		return false, err
	}

	if p.FailoverState() != FailoverNone {
		return true, nil
	}

	p.mu.Lock()
	shutdownRequested := p.shutdownRequested
	p.mu.Unlock()

	if err := p.vm.Pause(); err != nil {
		return false, fmt.Errorf("colo: primary: pause: %w", err)
	}

	if p.FailoverState() != FailoverNone {
		return true, nil
	}

	if p.CheckpointBlockLayer != nil {
		if err := p.CheckpointBlockLayer(); err != nil {
			return false, fmt.Errorf("colo: primary: checkpoint block layer: %w", err)
		}
	}

	if err := p.sendCommand(section.CmdColoVMStateSend, nil); err != nil {
		return false, err
	}

	if err := p.drv.SaveLiveOnly(p.stream); err != nil {
		return false, fmt.Errorf("colo: primary: save live state: %w", err)
	}

	buf := wire.NewBuffer()
	bufStream := buf.OpenWrite()

	if err := p.drv.SaveNonLiveFull(bufStream); err != nil {
		return false, fmt.Errorf("colo: primary: save device state: %w", err)
	}

	if err := bufStream.Flush(); err != nil {
		return false, fmt.Errorf("colo: primary: flush device state: %w", err)
	}

	if err := p.sendCommandU64(section.CmdColoVMStateSize, uint64(buf.Len())); err != nil {
		return false, err
	}

	if err := p.stream.PutBuffer(buf.Bytes()); err != nil {
		return false, fmt.Errorf("colo: primary: send device state buffer: %w", err)
	}

	if err := p.stream.Flush(); err != nil {
		return false, fmt.Errorf("colo: primary: flush: %w", err)
	}

	if _, err := p.waitCommand(section.CmdColoVMStateReceived); err != nil {
		return false, err
	}

	if _, err := p.waitCommand(section.CmdColoVMStateLoaded); err != nil {
		return false, err
	}

	if p.ReleaseNICBuffers != nil {
		if err := p.ReleaseNICBuffers(); err != nil {
			return false, fmt.Errorf("colo: primary: release nic buffers: %w", err)
		}
	}

	if shutdownRequested {
		if p.StopBlockReplication != nil {
			if err := p.StopBlockReplication(); err != nil {
				return false, fmt.Errorf("colo: primary: stop block replication: %w", err)
			}
		}

		if err := p.sendCommand(section.CmdColoGuestShutdown, nil); err != nil {
			return false, err
		}

		if p.RequestHostShutdown != nil {
			p.RequestHostShutdown()
		}

		return true, nil
	}

	if err := p.vm.Resume(); err != nil {
		return false, fmt.Errorf("colo: primary: resume: %w", err)
	}

	if p.OnResume != nil {
		p.OnResume()
	}

	return false, nil
}

func (p *Primary) sendCommand(cmdType uint16, payload []byte) error {
	if err := p.drv.SendCommand(p.stream, cmdType, payload); err != nil {
		return fmt.Errorf("colo: primary: send command %d: %w", cmdType, err)
	}

	return p.stream.Flush()
}

func (p *Primary) sendCommandU64(cmdType uint16, v uint64) error {
	buf := wire.NewBuffer()

	s := buf.OpenWrite()
	if err := s.PutU64(v); err != nil {
		return err
	}

	if err := s.Flush(); err != nil {
		return err
	}

	return p.sendCommand(cmdType, buf.Bytes())
}

func (p *Primary) waitCommand(want uint16) ([]byte, error) {
	tag, err := p.stream.GetU8()
	if err != nil {
		return nil, fmt.Errorf("colo: primary: read tag: %w", err)
	}

	if tag != section.TagCommand {
		return nil, fmt.Errorf("colo: primary: expected command frame, got tag %#x", tag)
	}

	cmdType, err := p.stream.GetU16()
	if err != nil {
		return nil, fmt.Errorf("colo: primary: read command type: %w", err)
	}

	length, err := p.stream.GetU16()
	if err != nil {
		return nil, fmt.Errorf("colo: primary: read command length: %w", err)
	}

	payload, err := p.stream.GetBuffer(int(length))
	if err != nil {
		return nil, fmt.Errorf("colo: primary: read command payload: %w", err)
	}

	if cmdType != want {
		return nil, fmt.Errorf("colo: primary: expected command %d, got %d", want, cmdType)
	}

	return payload, nil
}

// Secondary receives checkpoints from a Primary and applies them.
// Construct one with NewSecondary.
type Secondary struct {
	vm     VM
	drv    *section.Driver
	stream *wire.Stream

	failover       int32
	vmstateLoading int32

	// Optional hooks, each skipped (not an error) when left nil.
	ResetGuestDefaults    func() error
	CommitBlockCheckpoint func() error
	StopBlockReplication  func() error
	ForceAutostart        func()
}

// NewSecondary constructs a Secondary bound to an already-connected
// checkpoint channel from the primary.
func NewSecondary(vm VM, drv *section.Driver, stream *wire.Stream) *Secondary {
	return &Secondary{vm: vm, drv: drv, stream: stream}
}

// Run executes the secondary's 8-step reception sequence in a loop until
// ctx is cancelled, the primary sends COLO_GUEST_SHUTDOWN, or a deferred
// failover resolves. Shutdown of a secondary is otherwise the primary's
// responsibility: a Secondary never decides on its own to stop.
func (sec *Secondary) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("colo: secondary: %w", ctx.Err())
		default:
		}

		done, err := sec.receiveOnce()
		if err != nil {
			return err
		}

		if done {
			return nil
		}
	}
}

// receiveOnce runs one checkpoint reception:
//  1. receive CHECKPOINT_REQUEST (or GUEST_SHUTDOWN); stop the guest
//  2. receive VMSTATE_SEND; load live RAM state from the stream
//  3. receive VMSTATE_SIZE v; fill the buffer from the stream by exactly
//     v bytes
//  4. send VMSTATE_RECEIVED
//  5. reset the guest to silent defaults; mark vmstate_loading; load
//     device state from the buffer
//  6. commit the block-layer checkpoint
//  7. clear vmstate_loading; if failover is armed as Relaunch, move it
//     to None and report done so the caller hands off to the takeover
//     path
//  8. send VMSTATE_LOADED; resume the guest
//
// The RAM cache the spec describes as a destination-side shadow of guest
// memory is modeled here as a direct apply into the registry's "ram"
// section: LoadLiveOnly writes straight through to guest memory rather
// than staging a second buffer first (see DESIGN.md).
func (sec *Secondary) receiveOnce() (done bool, err error) {
	tag, cmdType, _, err := sec.readCommand()
	if err != nil {
		return false, err
	}

	if tag != section.TagCommand {
		return false, fmt.Errorf("colo: secondary: expected command frame, got tag %#x", tag)
	}

	if cmdType == section.CmdColoGuestShutdown {
		return true, nil
	}

	if cmdType != section.CmdColoCheckpointRequest {
		return false, fmt.Errorf("colo: secondary: expected checkpoint request, got %d", cmdType)
	}

	if err := sec.vm.Pause(); err != nil {
		return false, fmt.Errorf("colo: secondary: pause: %w", err)
	}

	if _, _, _, err := sec.expectCommand(section.CmdColoVMStateSend); err != nil {
		return false, err
	}

	if err := sec.drv.LoadLiveOnly(sec.stream); err != nil {
		return false, fmt.Errorf("colo: secondary: load live state: %w", err)
	}

	sizePayload, _, _, err := sec.expectCommand(section.CmdColoVMStateSize)
	if err != nil {
		return false, err
	}

	declaredSize, err := decodeU64(sizePayload)
	if err != nil {
		return false, fmt.Errorf("colo: secondary: decode vmstate size: %w", err)
	}

	stateBytes, err := sec.stream.GetBuffer(int(declaredSize))
	if err != nil {
		return false, fmt.Errorf("colo: secondary: read device state buffer: %w", err)
	}

	if err := sec.sendCommand(section.CmdColoVMStateReceived, nil); err != nil {
		return false, err
	}

	atomic.StoreInt32(&sec.vmstateLoading, 1)

	if sec.ResetGuestDefaults != nil {
		if err := sec.ResetGuestDefaults(); err != nil {
			atomic.StoreInt32(&sec.vmstateLoading, 0)

			return false, fmt.Errorf("colo: secondary: reset guest: %w", err)
		}
	}

	stateBuf := wire.NewBuffer()
	stateBuf.SetLength(len(stateBytes))
	copy(stateBuf.Bytes(), stateBytes)

	if err := sec.drv.LoadNonLiveFull(stateBuf.OpenRead()); err != nil {
		atomic.StoreInt32(&sec.vmstateLoading, 0)

		return false, fmt.Errorf("colo: secondary: load device state: %w", err)
	}

	if sec.CommitBlockCheckpoint != nil {
		if err := sec.CommitBlockCheckpoint(); err != nil {
			atomic.StoreInt32(&sec.vmstateLoading, 0)

			return false, fmt.Errorf("colo: secondary: commit block checkpoint: %w", err)
		}
	}

	atomic.StoreInt32(&sec.vmstateLoading, 0)

	if atomic.CompareAndSwapInt32(&sec.failover, int32(FailoverRelaunch), int32(FailoverNone)) {
		return true, nil
	}

	if err := sec.sendCommand(section.CmdColoVMStateLoaded, nil); err != nil {
		return false, err
	}

	if err := sec.vm.Resume(); err != nil {
		return false, fmt.Errorf("colo: secondary: resume: %w", err)
	}

	return false, nil
}

func (sec *Secondary) sendCommand(cmdType uint16, payload []byte) error {
	if err := sec.drv.SendCommand(sec.stream, cmdType, payload); err != nil {
		return fmt.Errorf("colo: secondary: send command %d: %w", cmdType, err)
	}

	return sec.stream.Flush()
}

func (sec *Secondary) readCommand() (tag uint8, cmdType uint16, payload []byte, err error) {
	tag, cmdType, length, err := sec.readCommand0()
	if err != nil {
		return 0, 0, nil, err
	}

	payload, err = sec.stream.GetBuffer(int(length))
	if err != nil {
		return 0, 0, nil, fmt.Errorf("colo: secondary: read command payload: %w", err)
	}

	return tag, cmdType, payload, nil
}

func (sec *Secondary) expectCommand(want uint16) (payload []byte, tag uint8, cmdType uint16, err error) {
	tag, cmdType, payload, err = sec.readCommand()
	if err != nil {
		return nil, 0, 0, err
	}

	if cmdType != want {
		return nil, 0, 0, fmt.Errorf("colo: secondary: expected command %d, got %d", want, cmdType)
	}

	return payload, tag, cmdType, nil
}

// readCommand0 reads a command's tag, type, and declared length without
// consuming any payload.
func (sec *Secondary) readCommand0() (tag uint8, cmdType uint16, length uint16, err error) {
	tag, err = sec.stream.GetU8()
	if err != nil {
		return 0, 0, 0, fmt.Errorf("colo: secondary: read tag: %w", err)
	}

	cmdType, err = sec.stream.GetU16()
	if err != nil {
		return 0, 0, 0, fmt.Errorf("colo: secondary: read command type: %w", err)
	}

	length, err = sec.stream.GetU16()
	if err != nil {
		return 0, 0, 0, fmt.Errorf("colo: secondary: read command length: %w", err)
	}

	return tag, cmdType, length, nil
}

func decodeU64(b []byte) (uint64, error) {
	buf := wire.NewBuffer()
	buf.SetLength(len(b))
	copy(buf.Bytes(), b)

	return buf.OpenRead().GetU64()
}

// FailoverState reports the secondary's current failover state, tracked
// when it takes over for a primary it has lost contact with.
func (sec *Secondary) FailoverState() FailoverState { return LoadFailoverState(&sec.failover) }

// BeginFailover attempts to move this secondary's failover state machine
// from None to Handling.
func (sec *Secondary) BeginFailover() bool { return BeginFailover(&sec.failover) }

// CompleteFailover moves this secondary's failover state from Handling
// to Completed.
func (sec *Secondary) CompleteFailover() error { return CompleteFailover(&sec.failover) }

// RelaunchFailover moves this secondary's failover state from Handling
// back to None after a retryable failure.
func (sec *Secondary) RelaunchFailover() error { return RelaunchFailover(&sec.failover) }

// Failover runs the secondary failover routine (spec §4.G "Secondary
// failover"), deferring to the in-flight load when one is running: if
// vmstate_loading is set, the transition is Handling -> Relaunch instead,
// for receiveOnce's step 7 to observe once the load completes.
func (sec *Secondary) Failover() error {
	if !sec.BeginFailover() {
		if sec.FailoverState() == FailoverCompleted {
			return nil
		}

		return fmt.Errorf("%w: failover already in progress", errInvalidFailoverTransition)
	}

	if atomic.LoadInt32(&sec.vmstateLoading) != 0 {
		return RelaunchFailover(&sec.failover)
	}

	sec.stream.Shutdown()

	if sec.StopBlockReplication != nil {
		if err := sec.StopBlockReplication(); err != nil {
			return fmt.Errorf("colo: secondary: stop block replication: %w", err)
		}
	}

	if sec.ForceAutostart != nil {
		sec.ForceAutostart()
	}

	return sec.CompleteFailover()
}
