package system

import (
	"runtime"
	"sort"
	"strconv"
	"time"

	"github.com/danmuck/edgerpc/internal/protocol"
	"github.com/danmuck/edgerpc/internal/rpc"
	"github.com/danmuck/edgerpc/internal/subsys"
)

const (
	ProtocolMajor = 1
	ProtocolMinor = 0
)

type PingRequest struct {
	Data []byte `cbor:"1,keyasint,omitempty"`
}

type PingResponse struct {
	Data []byte `cbor:"1,keyasint,omitempty"`
}

// DeviceInfoResponse is one key/value fragment of the device info.
type DeviceInfoResponse struct {
	Key   string `cbor:"1,keyasint"`
	Value string `cbor:"2,keyasint"`
}

type ProtocolVersionResponse struct {
	Major uint32 `cbor:"1,keyasint"`
	Minor uint32 `cbor:"2,keyasint"`
}

// System answers liveness and identity queries.
type System struct {
	name    string
	extra   map[string]string
	started time.Time
}

// New returns a system subsystem reporting name plus extra device info.
func New(name string, extra map[string]string) *System {
	copied := make(map[string]string, len(extra))
	for k, v := range extra {
		copied[k] = v
	}
	return &System{name: name, extra: copied, started: time.Now()}
}

func (sys *System) Name() string { return "system" }

func (sys *System) Attach(s *rpc.Session) (any, error) {
	s.Register(protocol.TagSystemPingRequest, rpc.Handler{Handle: sys.ping})
	s.Register(protocol.TagSystemDeviceInfoRequest, rpc.Handler{Handle: sys.deviceInfo})
	s.Register(protocol.TagSystemProtocolVersionRequest, rpc.Handler{Handle: sys.protocolVersion})
	return nil, nil
}

func (sys *System) Detach(any) {}

func (sys *System) ping(s *rpc.Session, msg *protocol.Message, _ any) {
	var req PingRequest
	if !subsys.Decode(s, msg, &req) {
		return
	}
	subsys.Respond(s, msg.CommandID, protocol.TagSystemPingResponse, PingResponse{Data: req.Data})
}

func (sys *System) deviceInfo(s *rpc.Session, msg *protocol.Message, _ any) {
	subsys.RespondFragments(s, msg.CommandID, protocol.TagSystemDeviceInfoResponse, sys.Info())
}

func (sys *System) protocolVersion(s *rpc.Session, msg *protocol.Message, _ any) {
	subsys.Respond(s, msg.CommandID, protocol.TagSystemProtocolVersionReply, ProtocolVersionResponse{
		Major: ProtocolMajor,
		Minor: ProtocolMinor,
	})
}

// Info lists the device info pairs in key order.
func (sys *System) Info() []DeviceInfoResponse {
	info := map[string]string{
		"device.name":            sys.name,
		"firmware.go_version":    runtime.Version(),
		"hardware.arch":          runtime.GOARCH,
		"hardware.os":            runtime.GOOS,
		"protocol.version.major": strconv.Itoa(ProtocolMajor),
		"protocol.version.minor": strconv.Itoa(ProtocolMinor),
		"system.uptime_seconds":  strconv.FormatInt(int64(time.Since(sys.started)/time.Second), 10),
	}
	for k, v := range sys.extra {
		info[k] = v
	}
	out := make([]DeviceInfoResponse, 0, len(info))
	for k, v := range info {
		out = append(out, DeviceInfoResponse{Key: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
