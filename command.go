// Copyright 2023 the kmyth authors.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package kmyth

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
)

const maxResponseSize = 4096

type commandHeader struct {
	Tag         tpm2.TPMST
	CommandSize uint32
	CommandCode tpm2.TPMCC
}

type responseHeader struct {
	Tag          tpm2.TPMST
	ResponseSize uint32
	ResponseCode ResponseCode
}

func handleName(handle tpm2.TPMHandle) Name {
	name := make(Name, 4)
	binary.BigEndian.PutUint32(name, uint32(handle))
	return name
}

func write2B(buf *bytes.Buffer, b []byte) {
	binary.Write(buf, binary.BigEndian, uint16(len(b)))
	buf.Write(b)
}

func read2B(r *bytes.Reader) ([]byte, error) {
	var size uint16
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return nil, err
	}
	b := make([]byte, size)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func marshalAuthCommand(buf *bytes.Buffer, a *authCommand) {
	binary.Write(buf, binary.BigEndian, uint32(a.SessionHandle))
	write2B(buf, a.Nonce)
	buf.WriteByte(byte(a.SessionAttrs))
	write2B(buf, a.HMAC)
}

func unmarshalAuthResponse(r *bytes.Reader) (*authResponse, error) {
	nonce, err := read2B(r)
	if err != nil {
		return nil, err
	}
	attrs, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	hmac, err := read2B(r)
	if err != nil {
		return nil, err
	}
	return &authResponse{Nonce: nonce, SessionAttrs: SessionAttributes(attrs), HMAC: hmac}, nil
}

// marshalCommand serializes a complete command packet. cpBytes must
// already be in the TPM wire format; they are the exact bytes any caller
// folded into a command parameter hash.
func marshalCommand(commandCode tpm2.TPMCC, handles []tpm2.TPMHandle, auths []*authCommand, cpBytes []byte) []byte {
	payload := new(bytes.Buffer)
	for _, h := range handles {
		binary.Write(payload, binary.BigEndian, uint32(h))
	}

	if len(auths) > 0 {
		area := new(bytes.Buffer)
		for _, a := range auths {
			marshalAuthCommand(area, a)
		}
		binary.Write(payload, binary.BigEndian, uint32(area.Len()))
		payload.Write(area.Bytes())
	}
	payload.Write(cpBytes)

	header := commandHeader{Tag: tpm2.TPMSTNoSessions, CommandCode: commandCode}
	if len(auths) > 0 {
		header.Tag = tpm2.TPMSTSessions
	}
	header.CommandSize = uint32(10 + payload.Len())

	cmd := new(bytes.Buffer)
	binary.Write(cmd, binary.BigEndian, uint16(header.Tag))
	binary.Write(cmd, binary.BigEndian, header.CommandSize)
	binary.Write(cmd, binary.BigEndian, uint32(header.CommandCode))
	cmd.Write(payload.Bytes())
	return cmd.Bytes()
}

// responseBody is a parsed response packet. For a response carrying
// sessions, Params holds exactly the parameter area bytes that a response
// parameter hash is computed over.
type responseBody struct {
	Code   ResponseCode
	Handle tpm2.TPMHandle
	Params []byte
	Auths  []*authResponse
}

// unmarshalResponse parses a response packet. hasHandle states whether a
// successful response to this command carries a handle before the
// parameter area.
func unmarshalResponse(commandCode tpm2.TPMCC, rsp []byte, hasHandle bool) (*responseBody, error) {
	if len(rsp) > maxResponseSize {
		return nil, &InvalidResponseError{commandCode, fmt.Sprintf("packet too large (%d bytes)", len(rsp))}
	}
	r := bytes.NewReader(rsp)

	var header responseHeader
	var tag uint16
	if err := binary.Read(r, binary.BigEndian, &tag); err != nil {
		return nil, &InvalidResponseError{commandCode, "insufficient bytes for response header"}
	}
	header.Tag = tpm2.TPMST(tag)
	if err := binary.Read(r, binary.BigEndian, &header.ResponseSize); err != nil {
		return nil, &InvalidResponseError{commandCode, "insufficient bytes for response header"}
	}
	if err := binary.Read(r, binary.BigEndian, &header.ResponseCode); err != nil {
		return nil, &InvalidResponseError{commandCode, "insufficient bytes for response header"}
	}

	if header.ResponseSize != uint32(len(rsp)) {
		return nil, &InvalidResponseError{commandCode,
			fmt.Sprintf("invalid responseSize value (got %d, packet length %d)", header.ResponseSize, len(rsp))}
	}

	body := &responseBody{Code: header.ResponseCode}

	if header.ResponseCode != ResponseSuccess {
		if r.Len() != 0 {
			return nil, &InvalidResponseError{commandCode,
				fmt.Sprintf("%d trailing byte(s) in unsuccessful response", r.Len())}
		}
		return body, nil
	}

	switch header.Tag {
	case tpm2.TPMSTSessions, tpm2.TPMSTNoSessions:
	default:
		return nil, &InvalidResponseError{commandCode, fmt.Sprintf("invalid tag 0x%04x", uint16(header.Tag))}
	}

	if hasHandle {
		var h uint32
		if err := binary.Read(r, binary.BigEndian, &h); err != nil {
			return nil, &InvalidResponseError{commandCode, "cannot read response handle"}
		}
		body.Handle = tpm2.TPMHandle(h)
	}

	switch header.Tag {
	case tpm2.TPMSTSessions:
		var parameterSize uint32
		if err := binary.Read(r, binary.BigEndian, &parameterSize); err != nil {
			return nil, &InvalidResponseError{commandCode, "cannot read parameterSize"}
		}
		params := make([]byte, parameterSize)
		if _, err := io.ReadFull(r, params); err != nil {
			return nil, &InvalidResponseError{commandCode, "cannot read response parameters"}
		}
		body.Params = params

		for r.Len() > 0 {
			if len(body.Auths) >= 3 {
				return nil, &InvalidResponseError{commandCode, fmt.Sprintf("%d trailing byte(s)", r.Len())}
			}
			auth, err := unmarshalAuthResponse(r)
			if err != nil {
				return nil, &InvalidResponseError{commandCode, fmt.Sprintf("cannot unmarshal response auth: %v", err)}
			}
			body.Auths = append(body.Auths, auth)
		}
	case tpm2.TPMSTNoSessions:
		params := make([]byte, r.Len())
		io.ReadFull(r, params)
		body.Params = params
	}

	return body, nil
}

// dispatch performs one raw request/response round trip on the transport.
func dispatch(t transport.TPM, commandCode tpm2.TPMCC, cmd []byte) ([]byte, error) {
	rsp, err := t.Send(cmd)
	if err != nil {
		return nil, &TransportError{Op: "send", err: err}
	}
	if len(rsp) < 10 {
		return nil, &InvalidResponseError{commandCode, fmt.Sprintf("short response (%d bytes)", len(rsp))}
	}
	return rsp, nil
}
