package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Mode distinguishes partition-based sync from flexible sync (glossary).
type Mode int

const (
	ModePBS Mode = iota
	ModeFLX
)

func (m Mode) prefix() string {
	if m == ModeFLX {
		return "flx_sync"
	}
	return "pbs_sync"
}

// SubProtocol is one entry in the offered/accepted sub-protocol list
// (spec §4.2 "Protocol handshake", §6 "Sub-protocol negotiation").
type SubProtocol struct {
	Mode    Mode
	Version int
}

func (sp SubProtocol) String() string {
	return fmt.Sprintf("%s#%d", sp.Mode.prefix(), sp.Version)
}

// OfferedProtocols builds the high-to-low ordered list of sub-protocols
// this client offers for the given mode and supported version range.
func OfferedProtocols(mode Mode, oldestSupported, current int) []string {
	offered := make([]string, 0, current-oldestSupported+1)
	for v := current; v >= oldestSupported; v-- {
		offered = append(offered, SubProtocol{Mode: mode, Version: v}.String())
	}
	return offered
}

// AcceptProtocol parses the server's chosen sub-protocol string and
// validates it against the session's mode and supported version range.
// Returns the parsed protocol, or an error if the prefix doesn't match
// the session mode or the version falls outside
// [oldestSupported, current].
func AcceptProtocol(chosen string, mode Mode, oldestSupported, current int) (SubProtocol, error) {
	prefix := mode.prefix()
	if !strings.HasPrefix(chosen, prefix+"#") {
		return SubProtocol{}, fmt.Errorf("sub-protocol %q does not match mode prefix %q", chosen, prefix)
	}
	verStr := strings.TrimPrefix(chosen, prefix+"#")
	version, err := strconv.Atoi(verStr)
	if err != nil {
		return SubProtocol{}, fmt.Errorf("sub-protocol %q has non-integer version: %w", chosen, err)
	}
	if version < oldestSupported || version > current {
		return SubProtocol{}, fmt.Errorf("sub-protocol version %d outside supported range [%d, %d]", version, oldestSupported, current)
	}
	return SubProtocol{Mode: mode, Version: version}, nil
}

// NormalizeQueryBody NFC-normalizes an FLX query string (or a PBS
// partition value) before it is hashed, compared, or sent on the wire.
// Grounded on the teacher's use of golang.org/x/text/unicode/norm to
// normalize vault-relative paths before encryption/comparison.
func NormalizeQueryBody(s string) string {
	return norm.NFC.String(s)
}
