package client

import (
	"bytes"
	"context"
	"io"

	"github.com/danmuck/edgerpc/internal/protocol"
	"github.com/danmuck/edgerpc/internal/subsys/property"
	"github.com/danmuck/edgerpc/internal/subsys/storage"
	"github.com/danmuck/edgerpc/internal/subsys/system"
)

// WriteChunkSize is the file payload carried by each write fragment.
const WriteChunkSize = 16 * 1024

func (c *Client) Ping(ctx context.Context, data []byte) ([]byte, error) {
	resp, err := callOne[system.PingResponse](ctx, c, protocol.TagSystemPingRequest,
		system.PingRequest{Data: data}, protocol.TagSystemPingResponse)
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (c *Client) DeviceInfo(ctx context.Context) ([]system.DeviceInfoResponse, error) {
	return callFragments[system.DeviceInfoResponse](ctx, c, protocol.TagSystemDeviceInfoRequest,
		nil, protocol.TagSystemDeviceInfoResponse)
}

func (c *Client) ProtocolVersion(ctx context.Context) (system.ProtocolVersionResponse, error) {
	return callOne[system.ProtocolVersionResponse](ctx, c, protocol.TagSystemProtocolVersionRequest,
		nil, protocol.TagSystemProtocolVersionReply)
}

// List returns the entries of a directory in name order.
func (c *Client) List(ctx context.Context, path string) ([]storage.Entry, error) {
	chunks, err := callFragments[storage.ListResponse](ctx, c, protocol.TagStorageListRequest,
		storage.PathRequest{Path: path}, protocol.TagStorageListResponse)
	if err != nil {
		return nil, err
	}
	var out []storage.Entry
	for _, chunk := range chunks {
		out = append(out, chunk.Entries...)
	}
	return out, nil
}

// Read returns the whole content of a file.
func (c *Client) Read(ctx context.Context, path string) ([]byte, error) {
	chunks, err := callFragments[storage.ReadResponse](ctx, c, protocol.TagStorageReadRequest,
		storage.PathRequest{Path: path}, protocol.TagStorageReadResponse)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	for _, chunk := range chunks {
		buf.Write(chunk.Data)
	}
	return buf.Bytes(), nil
}

// Write replaces path with the content of r. Fragments of up to
// WriteChunkSize bytes go out as r produces them; one chunk is read
// ahead so the last fragment can be flagged. An early answer from the
// device, such as a rejected path, stops the upload.
func (c *Client) Write(ctx context.Context, path string, r io.Reader) error {
	req, err := c.Begin()
	if err != nil {
		return err
	}
	cur := make([]byte, WriteChunkSize)
	next := make([]byte, WriteChunkSize)

	n, rerr := io.ReadFull(r, cur)
	for {
		if err := ctx.Err(); err != nil {
			req.Abandon()
			return err
		}
		if req.Answered() {
			break
		}
		var m int
		more := rerr == nil
		if more {
			m, rerr = io.ReadFull(r, next)
			more = m > 0
		}
		if rerr != nil && rerr != io.EOF && rerr != io.ErrUnexpectedEOF {
			req.Abandon()
			return rerr
		}
		payload, err := storage.EncodeWriteChunk(path, cur[:n])
		if err != nil {
			req.Abandon()
			return err
		}
		content := protocol.Content{Tag: protocol.TagStorageWriteRequest, Payload: payload}
		if err := req.Send(content, more); err != nil {
			return err
		}
		if !more {
			break
		}
		cur, next = next, cur
		n = m
	}
	_, err = req.Wait(ctx)
	return err
}

func (c *Client) Stat(ctx context.Context, path string) (storage.Entry, error) {
	resp, err := callOne[storage.StatResponse](ctx, c, protocol.TagStorageStatRequest,
		storage.PathRequest{Path: path}, protocol.TagStorageStatResponse)
	return resp.Entry, err
}

func (c *Client) Delete(ctx context.Context, path string, recursive bool) error {
	return c.callEmpty(ctx, protocol.TagStorageDeleteRequest, storage.DeleteRequest{Path: path, Recursive: recursive})
}

func (c *Client) Mkdir(ctx context.Context, path string) error {
	return c.callEmpty(ctx, protocol.TagStorageMkdirRequest, storage.PathRequest{Path: path})
}

// Checksum returns the hex BLAKE3 digest of a file.
func (c *Client) Checksum(ctx context.Context, path string) (string, error) {
	resp, err := callOne[storage.ChecksumResponse](ctx, c, protocol.TagStorageChecksumRequest,
		storage.PathRequest{Path: path}, protocol.TagStorageChecksumReply)
	return resp.Sum, err
}

// Properties returns every property at or beneath the dotted key.
func (c *Client) Properties(ctx context.Context, key string) ([]property.GetResponse, error) {
	return callFragments[property.GetResponse](ctx, c, protocol.TagPropertyGetRequest,
		property.GetRequest{Key: key}, protocol.TagPropertyGetResponse)
}

// StopSession asks the peer to end the session. The peer acknowledges
// and then drops the link.
func (c *Client) StopSession(ctx context.Context) error {
	return c.callEmpty(ctx, protocol.TagStopSession, nil)
}
