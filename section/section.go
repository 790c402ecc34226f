// Package section implements the state-section registry and the
// save/load driver that streams sections across it, modeled on the
// vmstate style of device state description: every piece of migratable
// state registers itself under a name and instance id, and the driver
// walks the registry in registration order to produce or consume a
// single framed stream.
package section

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/kvmxfer/kvmxfer/wire"
)

// Wire-level constants shared by the source and destination.
const (
	Magic   uint32 = 0x5145564d
	Version uint32 = 0x00000005
)

// Section frame tags.
const (
	TagStart   uint8 = 0x01
	TagPart    uint8 = 0x02
	TagEnd     uint8 = 0x03
	TagFull    uint8 = 0x04
	TagEOF     uint8 = 0x05
	TagCommand uint8 = 0x06
)

// Command types multiplexed into the section stream via TagCommand.
const (
	CmdOpenReturnPath uint16 = iota + 1
	CmdReqAck
	CmdPackaged
	CmdPostcopyAdvise
	CmdPostcopyDiscard
	CmdPostcopyListen
	CmdPostcopyRun
	CmdPostcopyEnd
	CmdColoCheckpointReady
	CmdColoCheckpointRequest
	CmdColoVMStateSend
	CmdColoVMStateSize
	CmdColoVMStateReceived
	CmdColoVMStateLoaded
	CmdColoGuestShutdown
)

// maxPackagedSize caps the PACKAGED command's declared length to guard
// against a corrupt or hostile header forcing an unbounded allocation.
const maxPackagedSize = 256 << 20

// AutoInstanceID requests that the registry assign the next available
// instance id for an idstr: one more than the highest existing instance
// registered under that name, or zero if none exists yet.
const AutoInstanceID uint32 = ^uint32(0)

var (
	errIdstrTooLong     = errors.New("section: idstr longer than 255 bytes")
	errBadMagic         = errors.New("section: bad magic number")
	errBadVersion       = errors.New("section: unsupported stream version")
	errUnknownSection   = errors.New("section: section id not found on load")
	errVersionTooNew    = errors.New("section: incoming version newer than minimum supported")
	errPackagedTooLarge = errors.New("section: packaged command size exceeds limit")
	errUnknownTag       = errors.New("section: unknown frame tag")
)

// nextSectionID is the process-wide monotonic counter backing every
// section's id on the wire. It belongs to the registry's process, not to
// any individual section, so that ids stay unique across every Registry
// instantiated in the same process (source and destination each run
// their own process, so this never needs to cross a migration).
var nextSectionID uint32

func allocSectionID() uint32 {
	return atomic.AddUint32(&nextSectionID, 1)
}

// Ops are the callbacks a registered section must provide. Not all
// sections need every callback; LiveIterate/LiveComplete/IsActive are
// only consulted for sections registered with RegisterLive.
type Ops struct {
	// Setup runs once when the section is loaded, before SaveState or
	// LoadState, to let the handler prepare resources (e.g. allocate
	// guest memory buffers sized by an earlier section).
	Setup func() error

	// SaveState writes the section's full state.
	SaveState func(s *wire.Stream) error

	// LoadState reads the section's full state. version is the
	// version_id the writer claims; handlers may need to branch on it
	// for backward-compatible decoding.
	LoadState func(s *wire.Stream, version uint32) error

	// IsActive reports whether this section currently has state worth
	// transferring. A nil IsActive means "always active".
	IsActive func() bool

	// LiveIterate writes one bounded chunk of iterative (e.g. RAM)
	// state and reports whether more remains.
	LiveIterate func(s *wire.Stream) (done bool, err error)

	// LiveComplete writes the final, complete chunk of iterative state
	// once the VM has stopped and no further dirtying can occur.
	LiveComplete func(s *wire.Stream) error
}

// CompatID names a legacy (idstr, instance_id==0) pair that Find also
// accepts, for streams produced by a producer that has since been
// renamed or merged into a new idstr. A compat entry matches whenever
// the incoming idstr is a substring of the section's real idstr and
// equals the compat idstr exactly; compat-mode sections always sit at
// instance_id 0.
type CompatID struct {
	IDStr string
}

// Section is one registered piece of migratable state.
type Section struct {
	IDStr            string
	InstanceID       uint32
	HasAlias         bool
	AliasID          uint32
	Compat           *CompatID
	VersionID        uint32
	MinimumVersionID uint32
	IsRAM            bool
	Ops              Ops
	sectionID        uint32
}

// matches reports whether idstr/instance identify sec, either directly
// (by instance id or alias instance id on the same idstr) or, failing
// that, through sec's compat idstr.
func (sec *Section) matches(idstr string, instance uint32) bool {
	if sec.IDStr == idstr {
		return sec.InstanceID == instance || (sec.HasAlias && sec.AliasID == instance)
	}

	if sec.Compat != nil && instance == 0 && sec.Compat.IDStr == idstr && strings.Contains(sec.IDStr, idstr) {
		return true
	}

	return false
}

// Registry holds the insertion-ordered list of sections a save or load
// walks. Insertion order is the iteration order SaveBegin uses, matching
// vmstate's dependence on registration order for deterministic streams.
type Registry struct {
	sections []*Section
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) nextInstanceID(idstr string) uint32 {
	var max uint32

	found := false

	for _, sec := range r.sections {
		if sec.IDStr == idstr {
			found = true

			if sec.InstanceID >= max {
				max = sec.InstanceID + 1
			}
		}
	}

	if !found {
		return 0
	}

	return max
}

// RegisterOptions describes a section being registered. IDStr and Ops
// are the only fields every caller needs; DevPath, InstanceID, the alias
// fields and Compat are for the less common cases spec'd in §3/§4.C.
type RegisterOptions struct {
	// DevPath, if set, canonicalizes IDStr to "<DevPath>/<IDStr>".
	DevPath string
	IDStr   string
	// InstanceID is the instance id to register under, or
	// AutoInstanceID to assign one greater than the highest existing
	// instance for the (canonicalized) idstr.
	InstanceID uint32
	// HasAlias/AliasID register an additional instance id, on the same
	// idstr, that Find also matches — e.g. a renumbered instance that
	// must still satisfy streams produced before the rename.
	HasAlias bool
	AliasID  uint32
	// Compat registers a legacy idstr that Find matches via the
	// substring-compat rule at instance_id 0.
	Compat           *CompatID
	VersionID        uint32
	MinimumVersionID uint32
	Ops              Ops
}

// RegisterSection adds a section per opts. It is the general entry point
// behind Register/RegisterWithAlias/RegisterCompat/RegisterLive.
func (r *Registry) RegisterSection(opts RegisterOptions) (*Section, error) {
	idstr := opts.IDStr
	if opts.DevPath != "" {
		idstr = opts.DevPath + "/" + idstr
	}

	if len(idstr) > 255 {
		return nil, fmt.Errorf("%w: %q", errIdstrTooLong, idstr)
	}

	instance := opts.InstanceID
	if instance == AutoInstanceID {
		instance = r.nextInstanceID(idstr)
	}

	sec := &Section{
		IDStr:            idstr,
		InstanceID:       instance,
		HasAlias:         opts.HasAlias,
		AliasID:          opts.AliasID,
		Compat:           opts.Compat,
		VersionID:        opts.VersionID,
		MinimumVersionID: opts.MinimumVersionID,
		Ops:              opts.Ops,
		sectionID:        allocSectionID(),
	}

	r.sections = append(r.sections, sec)

	return sec, nil
}

// Register adds a section with an automatically assigned instance id:
// zero for the first section under idstr, one more than the highest
// existing instance for subsequent ones of the same name.
func (r *Registry) Register(idstr string, versionID, minimumVersionID uint32, ops Ops) (*Section, error) {
	return r.RegisterSection(RegisterOptions{
		IDStr:            idstr,
		InstanceID:       AutoInstanceID,
		VersionID:        versionID,
		MinimumVersionID: minimumVersionID,
		Ops:              ops,
	})
}

// RegisterWithAlias is like Register but additionally accepts an alias
// instance id that Find also matches on the same idstr, for an instance
// that was renumbered across a software upgrade without breaking
// compatibility with streams produced under the old instance id.
func (r *Registry) RegisterWithAlias(
	idstr string, aliasInstanceID, versionID, minimumVersionID uint32, ops Ops,
) (*Section, error) {
	return r.RegisterSection(RegisterOptions{
		IDStr:            idstr,
		InstanceID:       AutoInstanceID,
		HasAlias:         true,
		AliasID:          aliasInstanceID,
		VersionID:        versionID,
		MinimumVersionID: minimumVersionID,
		Ops:              ops,
	})
}

// RegisterCompat is like Register but also accepts compatIDStr, a legacy
// idstr that Find matches via the substring-compat rule at instance_id 0,
// for migrating away from a producer that has since renamed this section.
func (r *Registry) RegisterCompat(
	idstr, compatIDStr string, versionID, minimumVersionID uint32, ops Ops,
) (*Section, error) {
	return r.RegisterSection(RegisterOptions{
		IDStr:            idstr,
		InstanceID:       AutoInstanceID,
		Compat:           &CompatID{IDStr: compatIDStr},
		VersionID:        versionID,
		MinimumVersionID: minimumVersionID,
		Ops:              ops,
	})
}

// RegisterLive is a convenience wrapper for sections that participate in
// iterative (live) transfer, such as guest RAM.
func (r *Registry) RegisterLive(idstr string, versionID, minimumVersionID uint32, ops Ops) (*Section, error) {
	sec, err := r.Register(idstr, versionID, minimumVersionID, ops)
	if err != nil {
		return nil, err
	}

	sec.IsRAM = ops.LiveIterate != nil

	return sec, nil
}

// Unregister removes a previously registered section, e.g. on hot-unplug
// of the device it represents.
func (r *Registry) Unregister(sec *Section) {
	for i, s := range r.sections {
		if s == sec {
			r.sections = append(r.sections[:i], r.sections[i+1:]...)

			return
		}
	}
}

// Find returns the section matching idstr and instance: either directly
// (instance or alias instance id on a matching idstr) or, failing that,
// through a registered compat idstr.
func (r *Registry) Find(idstr string, instance uint32) (*Section, bool) {
	for _, sec := range r.sections {
		if sec.matches(idstr, instance) {
			return sec, true
		}
	}

	return nil, false
}

// active returns the subset of registered sections currently reporting
// IsActive (or having no IsActive callback at all).
func (r *Registry) active() []*Section {
	out := make([]*Section, 0, len(r.sections))

	for _, sec := range r.sections {
		if sec.Ops.IsActive == nil || sec.Ops.IsActive() {
			out = append(out, sec)
		}
	}

	return out
}
