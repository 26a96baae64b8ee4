package respool

import "github.com/vkngwrapper/core/v2/common"

// AccessFlags describe how the host intends to use a memory mapping
type AccessFlags uint32

const (
	// AccessRead indicates the host will read device writes through the mapping. The mapped range
	// is invalidated when the mapping is opened.
	AccessRead AccessFlags = 1 << iota
	// AccessWrite indicates the host will write through the mapping. The mapped range is flushed
	// when the mapping is closed.
	AccessWrite
)

var accessFlagsMapping = common.NewFlagStringMapping[AccessFlags]()

func (f AccessFlags) Register(str string) {
	accessFlagsMapping.Register(f, str)
}

func (f AccessFlags) String() string {
	return accessFlagsMapping.FlagsToString(f)
}

func init() {
	AccessRead.Register("AccessRead")
	AccessWrite.Register("AccessWrite")
}

// Read is the access token for read-only mappings
type Read struct{}

// Write is the access token for write-only mappings
type Write struct{}

// ReadWrite is the access token for mappings that are both read and written by the host
type ReadWrite struct{}

func (Read) Flags() AccessFlags      { return AccessRead }
func (Write) Flags() AccessFlags     { return AccessWrite }
func (ReadWrite) Flags() AccessFlags { return AccessRead | AccessWrite }

// Access is the closed set of access tokens. No other type satisfies it, so an invalid access
// combination fails to compile.
type Access interface {
	Read | Write | ReadWrite
	Flags() AccessFlags
}

// WriteAccess is the set of access tokens that produce a mutable mapping
type WriteAccess interface {
	Write | ReadWrite
	Flags() AccessFlags
}

// FlagsOf returns the AccessFlags carried by the access token A
func FlagsOf[A Access]() AccessFlags {
	var token A
	return token.Flags()
}
