package section

import (
	"bytes"
	"testing"

	"github.com/kvmxfer/kvmxfer/wire"
)

func TestSaveLoadFullSectionRoundTrip(t *testing.T) {
	t.Parallel()

	var loaded string

	saveReg := NewRegistry()

	_, err := saveReg.Register("vm/core", 1, 1, Ops{
		SaveState: func(s *wire.Stream) error { return s.PutCountedString("hello-core") },
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	var buf bytes.Buffer

	saveDrv := NewDriver(saveReg)

	out := wire.NewStream(&buf)
	if err := saveDrv.SaveBegin(out); err != nil {
		t.Fatalf("SaveBegin: %v", err)
	}

	if err := saveDrv.SaveComplete(out); err != nil {
		t.Fatalf("SaveComplete: %v", err)
	}

	if err := out.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	loadReg := NewRegistry()

	_, err = loadReg.Register("vm/core", 1, 1, Ops{
		LoadState: func(s *wire.Stream, version uint32) error {
			str, err := s.GetCountedString()
			if err != nil {
				return err
			}

			loaded = str

			return nil
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	loadDrv := NewDriver(loadReg)

	in := wire.NewStream(&buf)
	if err := loadDrv.LoadLoop(in); err != nil {
		t.Fatalf("LoadLoop: %v", err)
	}

	if loaded != "hello-core" {
		t.Fatalf("loaded = %q, want hello-core", loaded)
	}
}

func TestLoadLoopUnknownSectionErrors(t *testing.T) {
	t.Parallel()

	saveReg := NewRegistry()

	_, err := saveReg.Register("ghost", 1, 1, Ops{
		SaveState: func(s *wire.Stream) error { return nil },
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	var buf bytes.Buffer

	saveDrv := NewDriver(saveReg)
	out := wire.NewStream(&buf)

	if err := saveDrv.SaveBegin(out); err != nil {
		t.Fatalf("SaveBegin: %v", err)
	}

	if err := saveDrv.SaveComplete(out); err != nil {
		t.Fatalf("SaveComplete: %v", err)
	}

	if err := out.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	loadDrv := NewDriver(NewRegistry())
	in := wire.NewStream(&buf)

	if err := loadDrv.LoadLoop(in); err == nil {
		t.Fatal("expected error loading unregistered section")
	}
}

type recordingHandler struct {
	calls [][]byte
	flag  DispatchResult
}

func (h *recordingHandler) HandleCommand(cmdType uint16, payload []byte) (DispatchResult, error) {
	h.calls = append(h.calls, append([]byte(nil), payload...))

	return h.flag, nil
}

func TestCommandDispatchRoutesToHandler(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	reg := NewRegistry()
	drv := NewDriver(reg)

	out := wire.NewStream(&buf)
	if err := drv.SaveBegin(out); err != nil {
		t.Fatalf("SaveBegin: %v", err)
	}

	if err := drv.SendCommand(out, CmdPostcopyAdvise, []byte("advise")); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}

	if err := drv.SaveComplete(out); err != nil {
		t.Fatalf("SaveComplete: %v", err)
	}

	if err := out.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	h := &recordingHandler{}
	drv.RegisterCommandHandler(CmdPostcopyAdvise, h)

	in := wire.NewStream(&buf)
	if err := drv.LoadLoop(in); err != nil {
		t.Fatalf("LoadLoop: %v", err)
	}

	if len(h.calls) != 1 || string(h.calls[0]) != "advise" {
		t.Fatalf("calls = %v, want one call with payload 'advise'", h.calls)
	}
}

func TestCommandDispatchQuitLoopStopsEarly(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	reg := NewRegistry()
	drv := NewDriver(reg)

	out := wire.NewStream(&buf)
	if err := drv.SaveBegin(out); err != nil {
		t.Fatalf("SaveBegin: %v", err)
	}

	if err := drv.SendCommand(out, CmdPostcopyListen, nil); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}

	// This frame should never be reached because the handler requests
	// FlagQuitLoop.
	if err := drv.SendCommand(out, CmdPostcopyRun, nil); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}

	if err := out.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	listenHandler := &recordingHandler{flag: FlagQuitLoop}
	runHandler := &recordingHandler{}
	drv.RegisterCommandHandler(CmdPostcopyListen, listenHandler)
	drv.RegisterCommandHandler(CmdPostcopyRun, runHandler)

	in := wire.NewStream(&buf)
	if err := drv.LoadLoop(in); err != nil {
		t.Fatalf("LoadLoop: %v", err)
	}

	if len(listenHandler.calls) != 1 {
		t.Fatalf("listen calls = %d, want 1", len(listenHandler.calls))
	}

	if len(runHandler.calls) != 0 {
		t.Fatalf("run calls = %d, want 0, quit-loop should have stopped before it", len(runHandler.calls))
	}
}

// buildSubStream writes a self-contained section stream (no magic/version
// header) holding one TagFull section frame, the shape a PACKAGED command
// splices in as its sub-stream.
func buildSubStream(t *testing.T, sec *Section) []byte {
	t.Helper()

	subBuf := wire.NewBuffer()
	subStream := subBuf.OpenWrite()

	if err := writeSectionHeader(subStream, TagFull, sec); err != nil {
		t.Fatalf("writeSectionHeader: %v", err)
	}

	if sec.Ops.SaveState != nil {
		if err := sec.Ops.SaveState(subStream); err != nil {
			t.Fatalf("SaveState: %v", err)
		}
	}

	if err := subStream.PutU8(TagEOF); err != nil {
		t.Fatalf("PutU8 TagEOF: %v", err)
	}

	if err := subStream.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	return subBuf.Bytes()
}

func TestPackagedCommandDrivesNestedLoadLoop(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()

	sec, err := reg.Register("vm/core", 1, 1, Ops{
		SaveState: func(s *wire.Stream) error { return s.PutCountedString("packaged-device-state") },
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	var buf bytes.Buffer

	drv := NewDriver(reg)
	out := wire.NewStream(&buf)

	if err := drv.SaveBegin(out); err != nil {
		t.Fatalf("SaveBegin: %v", err)
	}

	if err := drv.SendPackaged(out, buildSubStream(t, sec)); err != nil {
		t.Fatalf("SendPackaged: %v", err)
	}

	if err := drv.SaveComplete(out); err != nil {
		t.Fatalf("SaveComplete: %v", err)
	}

	if err := out.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	var loaded string

	loadReg := NewRegistry()

	_, err = loadReg.Register("vm/core", 1, 1, Ops{
		LoadState: func(s *wire.Stream, version uint32) error {
			str, err := s.GetCountedString()
			if err != nil {
				return err
			}

			loaded = str

			return nil
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	loadDrv := NewDriver(loadReg)

	in := wire.NewStream(&buf)
	if err := loadDrv.LoadLoop(in); err != nil {
		t.Fatalf("LoadLoop: %v", err)
	}

	if loaded != "packaged-device-state" {
		t.Fatalf("loaded = %q, want packaged-device-state", loaded)
	}
}

func TestPackagedQuitParentPropagatesToOuterLoop(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	reg := NewRegistry()
	drv := NewDriver(reg)

	out := wire.NewStream(&buf)
	if err := drv.SaveBegin(out); err != nil {
		t.Fatalf("SaveBegin: %v", err)
	}

	subBuf := wire.NewBuffer()
	subStream := subBuf.OpenWrite()

	if err := subStream.PutU8(TagCommand); err != nil {
		t.Fatalf("PutU8 TagCommand: %v", err)
	}

	if err := subStream.PutU16(CmdColoGuestShutdown); err != nil {
		t.Fatalf("PutU16: %v", err)
	}

	if err := subStream.PutU16(0); err != nil {
		t.Fatalf("PutU16 length: %v", err)
	}

	if err := subStream.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if err := drv.SendPackaged(out, subBuf.Bytes()); err != nil {
		t.Fatalf("SendPackaged: %v", err)
	}

	// This command should never be reached: FlagQuitParent from the
	// packaged sub-stream must stop the outer loop too.
	if err := drv.SendCommand(out, CmdPostcopyRun, nil); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}

	if err := out.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	shutdownHandler := &recordingHandler{flag: FlagQuitParent}
	runHandler := &recordingHandler{}

	loadDrv := NewDriver(NewRegistry())
	loadDrv.RegisterCommandHandler(CmdColoGuestShutdown, shutdownHandler)
	loadDrv.RegisterCommandHandler(CmdPostcopyRun, runHandler)

	in := wire.NewStream(&buf)
	if err := loadDrv.LoadLoop(in); err != nil {
		t.Fatalf("LoadLoop: %v", err)
	}

	if len(shutdownHandler.calls) != 1 {
		t.Fatalf("shutdown calls = %d, want 1", len(shutdownHandler.calls))
	}

	if len(runHandler.calls) != 0 {
		t.Fatalf("run calls = %d, want 0, FlagQuitParent should have stopped the outer loop", len(runHandler.calls))
	}
}

func TestSaveIterateRoundRobinsAndCompletes(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()

	chunksA := 3
	chunksB := 1

	_, err := reg.RegisterLive("ram/0", 1, 1, Ops{
		LiveIterate: func(s *wire.Stream) (bool, error) {
			chunksA--

			return chunksA <= 0, s.PutU8(0xaa)
		},
	})
	if err != nil {
		t.Fatalf("RegisterLive: %v", err)
	}

	_, err = reg.RegisterLive("ram/1", 1, 1, Ops{
		LiveIterate: func(s *wire.Stream) (bool, error) {
			chunksB--

			return chunksB <= 0, s.PutU8(0xbb)
		},
	})
	if err != nil {
		t.Fatalf("RegisterLive: %v", err)
	}

	var buf bytes.Buffer

	drv := NewDriver(reg)
	out := wire.NewStream(&buf)

	for i := 0; i < 10; i++ {
		done, err := drv.SaveIterate(out)
		if err != nil {
			t.Fatalf("SaveIterate: %v", err)
		}

		if done {
			return
		}
	}

	t.Fatal("SaveIterate never reported done")
}

func TestLiveSectionFullSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	var chunksWritten []byte

	chunksRemaining := 3

	saveReg := NewRegistry()

	_, err := saveReg.RegisterLive("ram/0", 1, 1, Ops{
		LiveIterate: func(s *wire.Stream) (bool, error) {
			chunksRemaining--
			chunksWritten = append(chunksWritten, byte(chunksRemaining))

			return chunksRemaining <= 0, s.PutU8(byte(chunksRemaining))
		},
	})
	if err != nil {
		t.Fatalf("RegisterLive: %v", err)
	}

	var buf bytes.Buffer

	drv := NewDriver(saveReg)
	out := wire.NewStream(&buf)

	if err := drv.SaveBegin(out); err != nil {
		t.Fatalf("SaveBegin: %v", err)
	}

	for {
		done, err := drv.SaveIterate(out)
		if err != nil {
			t.Fatalf("SaveIterate: %v", err)
		}

		if done {
			break
		}
	}

	if err := drv.SaveComplete(out); err != nil {
		t.Fatalf("SaveComplete: %v", err)
	}

	if err := out.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	var chunksRead []byte

	loadReg := NewRegistry()

	_, err = loadReg.RegisterLive("ram/0", 1, 1, Ops{
		LiveIterate: func(s *wire.Stream) (bool, error) { return true, nil },
		LoadState: func(s *wire.Stream, version uint32) error {
			b, err := s.GetU8()
			if err != nil {
				return err
			}

			chunksRead = append(chunksRead, b)

			return nil
		},
	})
	if err != nil {
		t.Fatalf("RegisterLive: %v", err)
	}

	loadDrv := NewDriver(loadReg)

	in := wire.NewStream(&buf)
	if err := loadDrv.LoadLoop(in); err != nil {
		t.Fatalf("LoadLoop: %v", err)
	}

	if !bytes.Equal(chunksWritten, chunksRead) {
		t.Fatalf("chunksRead = %v, want %v", chunksRead, chunksWritten)
	}
}
