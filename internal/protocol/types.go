package protocol

import "fmt"

// Tag is the content discriminant messages are dispatched on.
type Tag uint16

// TagNone is the zero discriminant. It is never valid input.
const TagNone Tag = 0

const (
	TagEmpty       Tag = 1
	TagStopSession Tag = 2

	TagSystemPingRequest            Tag = 10
	TagSystemPingResponse           Tag = 11
	TagSystemDeviceInfoRequest      Tag = 12
	TagSystemDeviceInfoResponse     Tag = 13
	TagSystemProtocolVersionRequest Tag = 14
	TagSystemProtocolVersionReply   Tag = 15

	TagStorageListRequest     Tag = 30
	TagStorageListResponse    Tag = 31
	TagStorageReadRequest     Tag = 32
	TagStorageReadResponse    Tag = 33
	TagStorageWriteRequest    Tag = 34
	TagStorageStatRequest     Tag = 35
	TagStorageStatResponse    Tag = 36
	TagStorageDeleteRequest   Tag = 37
	TagStorageMkdirRequest    Tag = 38
	TagStorageChecksumRequest Tag = 39
	TagStorageChecksumReply   Tag = 40

	TagPropertyGetRequest  Tag = 60
	TagPropertyGetResponse Tag = 61
)

var tagNames = map[Tag]string{
	TagNone:                         "none",
	TagEmpty:                        "empty",
	TagStopSession:                  "stop_session",
	TagSystemPingRequest:            "system.ping_request",
	TagSystemPingResponse:           "system.ping_response",
	TagSystemDeviceInfoRequest:      "system.device_info_request",
	TagSystemDeviceInfoResponse:     "system.device_info_response",
	TagSystemProtocolVersionRequest: "system.protocol_version_request",
	TagSystemProtocolVersionReply:   "system.protocol_version_response",
	TagStorageListRequest:           "storage.list_request",
	TagStorageListResponse:          "storage.list_response",
	TagStorageReadRequest:           "storage.read_request",
	TagStorageReadResponse:          "storage.read_response",
	TagStorageWriteRequest:          "storage.write_request",
	TagStorageStatRequest:           "storage.stat_request",
	TagStorageStatResponse:          "storage.stat_response",
	TagStorageDeleteRequest:         "storage.delete_request",
	TagStorageMkdirRequest:          "storage.mkdir_request",
	TagStorageChecksumRequest:       "storage.checksum_request",
	TagStorageChecksumReply:         "storage.checksum_response",
	TagPropertyGetRequest:           "property.get_request",
	TagPropertyGetResponse:          "property.get_response",
}

func (t Tag) String() string {
	if name, ok := tagNames[t]; ok {
		return name
	}
	return fmt.Sprintf("tag(%d)", uint16(t))
}

// Status is the command outcome carried by every response.
type Status uint32

const (
	StatusOK Status = iota
	StatusError
	StatusErrorDecode
	StatusErrorNotImplemented
	StatusErrorBusy
	StatusErrorInvalidParameter
	StatusErrorInternal
	StatusErrorStorageNotExist
	StatusErrorStorageExist
	StatusErrorStorageDenied
	StatusErrorStorageNotDir
	StatusErrorStorageDirNotEmpty
)

var statusNames = [...]string{
	StatusOK:                      "ok",
	StatusError:                   "error",
	StatusErrorDecode:             "error_decode",
	StatusErrorNotImplemented:     "error_not_implemented",
	StatusErrorBusy:               "error_busy",
	StatusErrorInvalidParameter:   "error_invalid_parameter",
	StatusErrorInternal:           "error_internal",
	StatusErrorStorageNotExist:    "error_storage_not_exist",
	StatusErrorStorageExist:       "error_storage_exist",
	StatusErrorStorageDenied:      "error_storage_denied",
	StatusErrorStorageNotDir:      "error_storage_not_dir",
	StatusErrorStorageDirNotEmpty: "error_storage_dir_not_empty",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint32(s))
}

// Content is the tagged union carried by an envelope. Payload holds the
// raw bytes when the decoder buffered them; Value holds whatever a
// streaming sub-decode hook produced instead.
type Content struct {
	Tag     Tag
	Payload []byte
	Value   any
}

// Message is one request or response envelope.
type Message struct {
	CommandID uint32
	Status    Status
	HasNext   bool
	Content   Content
}

// Reset clears every field, dropping payload and decoded value
// references so nothing a handler allocated outlives the message.
func (m *Message) Reset() {
	*m = Message{}
}
