//go:build linux

// Package postcopy implements the destination-side fault handler for
// postcopy live migration: once the VM is resumed before all of guest
// memory has arrived, any vCPU touching a page that has not yet been
// transferred takes a userfaultfd fault, and this package is responsible
// for resolving that fault by pulling the missing page across the
// migration channel and completing it with UFFDIO_COPY or
// UFFDIO_ZEROPAGE.
package postcopy

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Phase is the postcopy state machine. Transitions are a strict total
// order; there is no going back once Run has started.
type Phase int

const (
	PhaseNone Phase = iota
	PhaseAdvise
	PhaseListening
	PhaseRunning
	PhaseEnd
)

func (p Phase) String() string {
	switch p {
	case PhaseNone:
		return "none"
	case PhaseAdvise:
		return "advise"
	case PhaseListening:
		return "listening"
	case PhaseRunning:
		return "running"
	case PhaseEnd:
		return "end"
	default:
		return "unknown"
	}
}

var errOutOfOrderPhase = errors.New("postcopy: out-of-order phase transition")

func (p Phase) allows(next Phase) bool {
	return next == p+1
}

// RAMRegion is one contiguous span of guest RAM that postcopy can place
// pages into and discard from. It is implemented by the machine package
// against real guest memory, and by a fake in-memory backend for tests.
type RAMRegion interface {
	// Name identifies the region on the wire, e.g. in POSTCOPY_DISCARD
	// and REQ_PAGES, so the two sides agree on which region a command
	// or fault refers to without assuming a fixed region layout.
	Name() string
	// HostAddr returns the base host virtual address backing this
	// region, the address userfaultfd reports faults against.
	HostAddr() uintptr
	// Size is the region length in bytes.
	Size() uint64
	// DiscardRange marks [offset, offset+length) as not-yet-present,
	// e.g. via madvise(MADV_DONTNEED), so a later fault or explicit
	// discard command does not see pre-postcopy contents.
	DiscardRange(offset, length uint64) error
}

const pageSize = 4096

// ioctl request numbers for userfaultfd, amd64 Linux.
const (
	uffdioAPI        = 0xc018aa3f
	uffdioRegister   = 0xc020aa00
	uffdioUnregister = 0x8010aa01
	uffdioCopy       = 0xc028aa03
	uffdioZeropage   = 0xc020aa04
)

const (
	uffdApiFeatures    = 0
	uffdioRegisterMode = 1 // UFFDIO_REGISTER_MODE_MISSING
)

type uffdioAPIStruct struct {
	api      uint64
	features uint64
	ioctls   uint64
}

type uffdioRange struct {
	start uint64
	length uint64
}

type uffdioRegisterStruct struct {
	r      uffdioRange
	mode   uint64
	ioctls uint64
}

type uffdioCopyStruct struct {
	dst  uint64
	src  uint64
	len  uint64
	mode uint64
	copy int64
}

type uffdioZeropageStruct struct {
	r        uffdioRange
	mode     uint64
	zeropage int64
}

// Bit positions in the ioctls bitmask UFFDIO_REGISTER and UFFDIO_API
// return: one bit per supported ioctl, set at the position of that
// ioctl's command number (the _IOC_NR of UFFDIO_COPY and
// UFFDIO_ZEROPAGE are 0x03 and 0x04 respectively).
const (
	uffdBitCopy     = 1 << 0x03
	uffdBitZeropage = 1 << 0x04
)

// Capability is the result of probing the host for userfaultfd support.
type Capability struct {
	Supported    bool
	SupportsCopy bool
	SupportsZero bool
}

// ProbeHostCapability runs the six steps needed to determine whether the
// kernel can serve postcopy faults on this host: open userfaultfd,
// perform the UFFDIO_API handshake, mmap a scratch probe page, register
// it for missing-page faults, inspect the returned ioctls bitmask for
// UFFDIO_COPY/UFFDIO_ZEROPAGE support, then unregister and unmap.
func ProbeHostCapability() (Capability, error) {
	fd, err := openUserfaultfd()
	if err != nil {
		return Capability{}, nil //nolint:nilerr // absence of the syscall is a capability result, not a caller error
	}

	defer unix.Close(fd)

	if err := uffdAPIHandshake(fd); err != nil {
		return Capability{}, nil
	}

	probe, err := unix.Mmap(-1, 0, pageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return Capability{}, fmt.Errorf("postcopy: mmap probe page: %w", err)
	}

	defer unix.Munmap(probe)

	base := uintptr(unsafe.Pointer(&probe[0]))

	ioctls, err := registerRange(fd, base, pageSize)
	if err != nil {
		return Capability{}, nil
	}

	defer unregisterRange(fd, base, pageSize)

	return Capability{
		Supported:    true,
		SupportsCopy: ioctls&uffdBitCopy != 0,
		SupportsZero: ioctls&uffdBitZeropage != 0,
	}, nil
}

func openUserfaultfd() (int, error) {
	fd, _, errno := unix.Syscall(unix.SYS_USERFAULTFD, uintptr(unix.O_CLOEXEC|unix.O_NONBLOCK), 0, 0)
	if errno != 0 {
		return -1, fmt.Errorf("userfaultfd: %w", errno)
	}

	return int(fd), nil
}

func uffdAPIHandshake(fd int) error {
	api := uffdioAPIStruct{api: 0xAA, features: uffdApiFeatures}

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(uffdioAPI), uintptr(unsafe.Pointer(&api)))
	if errno != 0 {
		return fmt.Errorf("UFFDIO_API: %w", errno)
	}

	return nil
}

func registerRange(fd int, base uintptr, length uint64) (uint64, error) {
	reg := uffdioRegisterStruct{
		r:    uffdioRange{start: uint64(base), length: length},
		mode: uffdioRegisterMode,
	}

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(uffdioRegister), uintptr(unsafe.Pointer(&reg)))
	if errno != 0 {
		return 0, fmt.Errorf("UFFDIO_REGISTER: %w", errno)
	}

	return reg.ioctls, nil
}

func unregisterRange(fd int, base uintptr, length uint64) error {
	r := uffdioRange{start: uint64(base), length: length}

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(uffdioUnregister), uintptr(unsafe.Pointer(&r)))
	if errno != 0 {
		return fmt.Errorf("UFFDIO_UNREGISTER: %w", errno)
	}

	return nil
}

// PageSource supplies the bytes for a page the fault thread must place.
// ReturnPathSource implements this against the REQ_PAGES/page-data
// exchange on the migration return path.
type PageSource interface {
	// FetchPage blocks until the page at region+offset has arrived,
	// returning its 4096 bytes, or reports allZero if the source
	// represents it as a hole.
	FetchPage(region string, offset uint64) (data []byte, allZero bool, err error)
}

// Handler drives the fault thread and phase machine for one postcopy
// session.
type Handler struct {
	mu      sync.Mutex
	phase   Phase
	regions []RAMRegion
	source  PageSource

	uffdFd  int
	quitFd  int
	wg      sync.WaitGroup
}

// NewHandler returns a Handler bound to the given RAM regions and page
// source, in PhaseNone.
func NewHandler(regions []RAMRegion, source PageSource) *Handler {
	return &Handler{regions: regions, source: source, uffdFd: -1, quitFd: -1}
}

// Phase reports the current phase.
func (h *Handler) Phase() Phase {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.phase
}

func (h *Handler) transition(next Phase) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.phase.allows(next) {
		return fmt.Errorf("%w: %s -> %s", errOutOfOrderPhase, h.phase, next)
	}

	h.phase = next

	return nil
}

// Advise marks the advise phase: the destination has agreed to a
// postcopy migration but has not yet started listening for faults.
func (h *Handler) Advise() error {
	return h.transition(PhaseAdvise)
}

// Listen opens a fresh userfaultfd, re-checks the API, registers every
// RAM region for missing-page faults, and spawns the fault thread. An
// eventfd is used as a quit signal so Close can unblock a poll() that
// would otherwise wait forever for the next fault.
func (h *Handler) Listen() error {
	if err := h.transition(PhaseListening); err != nil {
		return err
	}

	fd, err := openUserfaultfd()
	if err != nil {
		return fmt.Errorf("postcopy: listen: %w", err)
	}

	if err := uffdAPIHandshake(fd); err != nil {
		unix.Close(fd)

		return fmt.Errorf("postcopy: listen: %w", err)
	}

	quitFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(fd)

		return fmt.Errorf("postcopy: eventfd: %w", err)
	}

	for _, r := range h.regions {
		if _, err := registerRange(fd, r.HostAddr(), r.Size()); err != nil {
			unix.Close(fd)
			unix.Close(quitFd)

			return fmt.Errorf("postcopy: register region: %w", err)
		}
	}

	h.uffdFd = fd
	h.quitFd = quitFd

	h.wg.Add(1)

	go h.faultThread()

	return nil
}

// Run transitions to the running phase, signaling that the guest vCPUs
// have been resumed and faults may now occur.
func (h *Handler) Run() error {
	return h.transition(PhaseRunning)
}

// End transitions to the terminal phase and stops the fault thread. It
// is an error to call any other Handler method afterward.
func (h *Handler) End() error {
	if err := h.transition(PhaseEnd); err != nil {
		return err
	}

	if h.quitFd >= 0 {
		var one uint64 = 1

		_, _ = unix.Write(h.quitFd, (*[8]byte)(unsafe.Pointer(&one))[:])
	}

	h.wg.Wait()

	if h.uffdFd >= 0 {
		unix.Close(h.uffdFd)

		h.uffdFd = -1
	}

	if h.quitFd >= 0 {
		unix.Close(h.quitFd)

		h.quitFd = -1
	}

	return nil
}

const uffdMsgSize = 32

const uffdEventPagefault = 0x12

func (h *Handler) faultThread() {
	defer h.wg.Done()

	var buf [uffdMsgSize]byte

	for {
		fds := []unix.PollFd{
			{Fd: int32(h.uffdFd), Events: unix.POLLIN},
			{Fd: int32(h.quitFd), Events: unix.POLLIN},
		}

		n, err := unix.Poll(fds, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}

			return
		}

		if n == 0 {
			continue
		}

		if fds[1].Revents&unix.POLLIN != 0 {
			return
		}

		if fds[0].Revents&unix.POLLIN == 0 {
			continue
		}

		nr, err := unix.Read(h.uffdFd, buf[:])
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}

			return
		}

		if nr != uffdMsgSize || buf[0] != uffdEventPagefault {
			continue
		}

		faultAddr := *(*uint64)(unsafe.Pointer(&buf[16]))

		if err := h.resolveFault(faultAddr); err != nil {
			return
		}
	}
}

func (h *Handler) resolveFault(faultAddr uint64) error {
	pageAddr := faultAddr &^ uint64(pageSize-1)

	region, offset, ok := h.locateRegion(pageAddr)
	if !ok {
		return fmt.Errorf("postcopy: fault at %#x matches no registered region", pageAddr)
	}

	data, allZero, err := h.source.FetchPage(region.Name(), offset)
	if err != nil {
		return fmt.Errorf("postcopy: fetch %s+%#x: %w", region.Name(), offset, err)
	}

	return h.placePage(pageAddr, data, allZero)
}

// locateRegion finds the registered region containing hostAddr and returns
// it along with the byte offset of hostAddr within it.
func (h *Handler) locateRegion(hostAddr uint64) (region RAMRegion, offset uint64, ok bool) {
	for _, r := range h.regions {
		base := uint64(r.HostAddr())

		if hostAddr >= base && hostAddr < base+r.Size() {
			return r, hostAddr - base, true
		}
	}

	return nil, 0, false
}

// placePage completes a fault with UFFDIO_ZEROPAGE when the source
// reports the page as a hole, or UFFDIO_COPY with the fetched bytes
// otherwise.
func (h *Handler) placePage(dst uint64, data []byte, allZero bool) error {
	if allZero {
		zp := uffdioZeropageStruct{r: uffdioRange{start: dst, length: pageSize}}

		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(h.uffdFd), uintptr(uffdioZeropage), uintptr(unsafe.Pointer(&zp)))
		if errno != 0 && !errors.Is(errno, unix.EEXIST) {
			return fmt.Errorf("UFFDIO_ZEROPAGE: %w", errno)
		}

		return nil
	}

	if len(data) != pageSize {
		return fmt.Errorf("postcopy: page data is %d bytes, want %d", len(data), pageSize)
	}

	cp := uffdioCopyStruct{
		dst: dst,
		src: uint64(uintptr(unsafe.Pointer(&data[0]))),
		len: pageSize,
	}

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(h.uffdFd), uintptr(uffdioCopy), uintptr(unsafe.Pointer(&cp)))
	if errno != 0 && !errors.Is(errno, unix.EEXIST) {
		return fmt.Errorf("UFFDIO_COPY: %w", errno)
	}

	return nil
}

// DiscardRanges applies a batch of postcopy discard descriptors, e.g.
// received from the source as a RAM_DISCARD command, by calling
// DiscardRange on the owning region for each one.
func (h *Handler) DiscardRanges(region RAMRegion, ranges [][2]uint64) error {
	for _, rng := range ranges {
		if err := region.DiscardRange(rng[0], rng[1]); err != nil {
			return fmt.Errorf("postcopy: discard range %#x+%#x: %w", rng[0], rng[1], err)
		}
	}

	return nil
}
