// Copyright 2023 the kmyth authors.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package kmyth

import (
	"bytes"
	"encoding/binary"
	"strings"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
)

const (
	capTPMProperties uint32 = 0x00000006
	ptManufacturer   uint32 = 0x00000100 + 5
)

// simulatorManufacturers are the manufacturer strings known to identify
// software TPM simulators.
var simulatorManufacturers = []string{"IBM", "MSFT", "SW"}

// GetProperty queries one fixed TPM property value.
func GetProperty(t transport.TPM, property uint32) (uint32, error) {
	params := new(bytes.Buffer)
	binary.Write(params, binary.BigEndian, capTPMProperties)
	binary.Write(params, binary.BigEndian, property)
	binary.Write(params, binary.BigEndian, uint32(1))

	cmd := marshalCommand(tpm2.TPMCCGetCapability, nil, nil, params.Bytes())
	rsp, err := dispatch(t, tpm2.TPMCCGetCapability, cmd)
	if err != nil {
		return 0, err
	}
	body, err := unmarshalResponse(tpm2.TPMCCGetCapability, rsp, false)
	if err != nil {
		return 0, err
	}
	if err := DecodeResponseCode(tpm2.TPMCCGetCapability, body.Code); err != nil {
		return 0, err
	}

	r := bytes.NewReader(body.Params)
	var moreData uint8
	var capability, count, prop, value uint32
	if err := binary.Read(r, binary.BigEndian, &moreData); err != nil {
		return 0, &InvalidResponseError{tpm2.TPMCCGetCapability, "cannot unmarshal capability data"}
	}
	if err := binary.Read(r, binary.BigEndian, &capability); err != nil || capability != capTPMProperties {
		return 0, &InvalidResponseError{tpm2.TPMCCGetCapability, "unexpected capability in response"}
	}
	if err := binary.Read(r, binary.BigEndian, &count); err != nil || count < 1 {
		return 0, &InvalidResponseError{tpm2.TPMCCGetCapability, "empty property list in response"}
	}
	if err := binary.Read(r, binary.BigEndian, &prop); err != nil || prop != property {
		return 0, &InvalidResponseError{tpm2.TPMCCGetCapability, "unexpected property in response"}
	}
	if err := binary.Read(r, binary.BigEndian, &value); err != nil {
		return 0, &InvalidResponseError{tpm2.TPMCCGetCapability, "cannot unmarshal property value"}
	}
	return value, nil
}

// GetManufacturer returns the TPM's manufacturer identifier as the ASCII
// string packed into TPM_PT_MANUFACTURER.
func GetManufacturer(t transport.TPM) (string, error) {
	value, err := GetProperty(t, ptManufacturer)
	if err != nil {
		return "", err
	}
	raw := make([]byte, 4)
	binary.BigEndian.PutUint32(raw, value)
	return strings.TrimRight(string(raw), " \x00"), nil
}

// IsSimulator reports whether the TPM on the other end of the transport
// identifies itself with a manufacturer string known to belong to a
// software simulator.
func IsSimulator(t transport.TPM) (bool, error) {
	manufacturer, err := GetManufacturer(t)
	if err != nil {
		return false, err
	}
	for _, m := range simulatorManufacturers {
		if manufacturer == m {
			return true, nil
		}
	}
	return false, nil
}
