// Copyright 2023 the kmyth authors.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package kmyth

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"golang.org/x/xerrors"
)

const (
	mssimCmdPowerOn        uint32 = 1
	mssimCmdTPMSendCommand uint32 = 8
	mssimCmdNVOn           uint32 = 11
	mssimCmdReset          uint32 = 17
	mssimCmdSessionEnd     uint32 = 20
)

// PlatformCommandError corresponds to an error code in response to a
// platform command executed on a TPM simulator.
type PlatformCommandError struct {
	commandCode uint32
	Code        uint32
}

func (e PlatformCommandError) Error() string {
	return fmt.Sprintf("received error code %d in response to platform command %d", e.Code, e.commandCode)
}

// MssimTransport is a connection to a TPM simulator implementing the
// Microsoft TPM2 simulator TCP interface, usable wherever this package
// takes a transport. All commands on one MssimTransport are serialized by
// the simulator's command channel.
type MssimTransport struct {
	Locality uint8 // Locality of commands submitted on this connection

	tpm      net.Conn
	platform net.Conn
}

// Send submits one command to the simulator's command channel and returns
// the complete response packet.
func (t *MssimTransport) Send(cmd []byte) ([]byte, error) {
	buf := make([]byte, 0, 9+len(cmd))
	buf = binary.BigEndian.AppendUint32(buf, mssimCmdTPMSendCommand)
	buf = append(buf, t.Locality)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(cmd)))
	buf = append(buf, cmd...)

	if _, err := t.tpm.Write(buf); err != nil {
		return nil, xerrors.Errorf("cannot send command on TPM command channel: %w", err)
	}

	var size uint32
	if err := binary.Read(t.tpm, binary.BigEndian, &size); err != nil {
		return nil, xerrors.Errorf("cannot read response size from TPM command channel: %w", err)
	}
	rsp := make([]byte, size)
	if _, err := io.ReadFull(t.tpm, rsp); err != nil {
		return nil, xerrors.Errorf("cannot read response from TPM command channel: %w", err)
	}

	var trash uint32
	if err := binary.Read(t.tpm, binary.BigEndian, &trash); err != nil {
		return nil, xerrors.Errorf("cannot read zero bytes from TPM command channel after response: %w", err)
	}
	return rsp, nil
}

func (t *MssimTransport) Close() (out error) {
	if err := binary.Write(t.platform, binary.BigEndian, mssimCmdSessionEnd); err != nil {
		out = xerrors.Errorf("cannot send session end command on platform channel: %w", err)
	}
	if err := binary.Write(t.tpm, binary.BigEndian, mssimCmdSessionEnd); err != nil {
		out = xerrors.Errorf("cannot send session end command on TPM command channel: %w", err)
	}
	if err := t.platform.Close(); err != nil {
		out = xerrors.Errorf("cannot close platform channel: %w", err)
	}
	if err := t.tpm.Close(); err != nil {
		out = xerrors.Errorf("cannot close TPM command channel: %w", err)
	}
	return
}

func (t *MssimTransport) platformCommand(cmd uint32) error {
	if err := binary.Write(t.platform, binary.BigEndian, cmd); err != nil {
		return xerrors.Errorf("cannot send command: %w", err)
	}

	var rsp uint32
	if err := binary.Read(t.platform, binary.BigEndian, &rsp); err != nil {
		return xerrors.Errorf("cannot read response to command: %w", err)
	}
	if rsp != 0 {
		return &PlatformCommandError{cmd, rsp}
	}
	return nil
}

// Reset submits the reset command on the platform connection, which
// initiates a reset of the TPM simulator and results in the execution of
// _TPM_Init().
func (t *MssimTransport) Reset() error {
	return t.platformCommand(mssimCmdReset)
}

// OpenMssim opens a connection to a TPM simulator on the specified host.
// tpmPort is the port on which the TPM command server is listening;
// platformPort the platform server. An empty host defaults to
// "localhost". The simulator is powered on before the connection is
// returned.
func OpenMssim(host string, tpmPort, platformPort uint) (*MssimTransport, error) {
	if host == "" {
		host = "localhost"
	}

	t := &MssimTransport{Locality: 3}

	tpm, err := net.Dial("tcp", fmt.Sprintf("%s:%d", host, tpmPort))
	if err != nil {
		return nil, xerrors.Errorf("cannot connect to TPM socket: %w", err)
	}
	t.tpm = tpm

	platform, err := net.Dial("tcp", fmt.Sprintf("%s:%d", host, platformPort))
	if err != nil {
		t.tpm.Close()
		return nil, xerrors.Errorf("cannot connect to platform socket: %w", err)
	}
	t.platform = platform

	if err := t.platformCommand(mssimCmdPowerOn); err != nil {
		return nil, xerrors.Errorf("cannot complete power on command: %w", err)
	}
	if err := t.platformCommand(mssimCmdNVOn); err != nil {
		return nil, xerrors.Errorf("cannot complete NV on command: %w", err)
	}

	return t, nil
}
