package conn

import (
	"fmt"

	"golang.org/x/net/http2"

	"github.com/coriolis-h2/h2core/internal/h2/errcode"
	"github.com/coriolis-h2/h2core/internal/h2/frame"
)

// Settings holds one side's view of the six defined SETTINGS parameters
// (RFC 7540 Section 6.5.2). Unknown identifiers received on the wire are
// ignored and never appear here.
type Settings struct {
	HeaderTableSize      uint32
	EnablePush           bool
	MaxConcurrentStreams uint32
	InitialWindowSize    uint32
	MaxFrameSize         uint32
	MaxHeaderListSize    uint32

	maxConcurrentStreamsSet bool
	maxHeaderListSizeSet    bool
}

// DefaultSettings are the values in effect before any SETTINGS exchange.
func DefaultSettings() Settings {
	return Settings{
		HeaderTableSize:   4096,
		EnablePush:        true,
		InitialWindowSize: 65535,
		MaxFrameSize:      frame.DefaultMaxFrameSize,
		MaxHeaderListSize: 0, // 0 means "unbounded" here, not a wire value
	}
}

// HasMaxConcurrentStreams reports whether SETTINGS_MAX_CONCURRENT_STREAMS
// has been set on this Settings value: received from the peer (Apply) or,
// for the local side, configured by NewConnection. Absent that, no limit
// is enforced (RFC 7540 Section 6.5.2 default is unlimited).
func (s Settings) HasMaxConcurrentStreams() bool { return s.maxConcurrentStreamsSet }

// ToFrame renders the settings as wire-order SETTINGS entries for an
// outbound SETTINGS frame. HEADER_TABLE_SIZE, ENABLE_PUSH,
// INITIAL_WINDOW_SIZE and MAX_FRAME_SIZE are always included, even at
// their default values; MAX_CONCURRENT_STREAMS and MAX_HEADER_LIST_SIZE
// only when they have been set.
func (s Settings) ToFrame() []http2.Setting {
	push := uint32(0)
	if s.EnablePush {
		push = 1
	}
	out := []http2.Setting{
		{ID: http2.SettingHeaderTableSize, Val: s.HeaderTableSize},
		{ID: http2.SettingEnablePush, Val: push},
		{ID: http2.SettingInitialWindowSize, Val: s.InitialWindowSize},
		{ID: http2.SettingMaxFrameSize, Val: s.MaxFrameSize},
	}
	if s.maxConcurrentStreamsSet {
		out = append(out, http2.Setting{ID: http2.SettingMaxConcurrentStreams, Val: s.MaxConcurrentStreams})
	}
	if s.maxHeaderListSizeSet {
		out = append(out, http2.Setting{ID: http2.SettingMaxHeaderListSize, Val: s.MaxHeaderListSize})
	}
	return out
}

// ApplyResult reports the side effects of applying a remote SETTINGS entry
// that the caller (Connection.handleSettings) must act on beyond updating
// the Settings struct itself.
type ApplyResult struct {
	InitialWindowDelta int32
	HasWindowDelta     bool
}

// Apply validates and applies one remote SETTINGS entry in place,
// following the validation rules in RFC 7540 Section 6.5.2. Unknown
// identifiers are ignored. An error here is always a connection error;
// code classifies it for the GOAWAY that follows.
func (s *Settings) Apply(entry http2.Setting) (ApplyResult, errcode.Code, error) {
	switch entry.ID {
	case http2.SettingHeaderTableSize:
		s.HeaderTableSize = entry.Val
	case http2.SettingEnablePush:
		if entry.Val != 0 && entry.Val != 1 {
			return ApplyResult{}, errcode.ProtocolError, fmt.Errorf("SETTINGS_ENABLE_PUSH must be 0 or 1, got %d", entry.Val)
		}
		s.EnablePush = entry.Val == 1
	case http2.SettingMaxConcurrentStreams:
		s.MaxConcurrentStreams = entry.Val
		s.maxConcurrentStreamsSet = true
	case http2.SettingInitialWindowSize:
		if entry.Val > 0x7fffffff {
			return ApplyResult{}, errcode.FlowControlError, fmt.Errorf("SETTINGS_INITIAL_WINDOW_SIZE too large: %d", entry.Val)
		}
		delta := int32(entry.Val) - int32(s.InitialWindowSize)
		s.InitialWindowSize = entry.Val
		return ApplyResult{InitialWindowDelta: delta, HasWindowDelta: true}, errcode.NoError, nil
	case http2.SettingMaxFrameSize:
		if entry.Val < frame.MinFrameSize || entry.Val > frame.MaxFrameSize {
			return ApplyResult{}, errcode.ProtocolError, fmt.Errorf("SETTINGS_MAX_FRAME_SIZE out of range: %d", entry.Val)
		}
		s.MaxFrameSize = entry.Val
	case http2.SettingMaxHeaderListSize:
		s.MaxHeaderListSize = entry.Val
		s.maxHeaderListSizeSet = true
	}
	return ApplyResult{}, errcode.NoError, nil
}
